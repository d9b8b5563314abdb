package admission

import "time"

// DefaultWindowLength is the billing window used when none is configured.
const DefaultWindowLength = 30 * 24 * time.Hour

// Window divides time into fixed, back-to-back billing periods starting at
// Anchor. Rollover is computed on access; nothing ticks in the background.
type Window struct {
	Length time.Duration
	Anchor time.Time
}

func (w Window) length() time.Duration {
	if w.Length <= 0 {
		return DefaultWindowLength
	}
	return w.Length
}

func (w Window) anchor() time.Time {
	if w.Anchor.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return w.Anchor
}

// Start returns the beginning of the window containing now.
func (w Window) Start(now time.Time) time.Time {
	length := w.length()
	anchor := w.anchor()
	elapsed := now.Sub(anchor)
	periods := elapsed / length
	if elapsed < 0 && elapsed%length != 0 {
		periods--
	}
	return anchor.Add(periods * length)
}

// End returns the first instant after the window containing now.
func (w Window) End(now time.Time) time.Time {
	return w.Start(now).Add(w.length())
}
