package admission

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrQueueFull    = errors.New("admission queue is full")
	ErrQueueTimeout = errors.New("timed out waiting in admission queue")
	ErrTicketClosed = errors.New("admission ticket already left the queue")
)

// Outcome is the kind of an admission decision.
type Outcome int

const (
	Admitted Outcome = iota
	Denied
	Queued
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Denied:
		return "denied"
	case Queued:
		return "queued"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText encodes the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes an outcome name.
func (o *Outcome) UnmarshalText(text []byte) error {
	for _, v := range []Outcome{Admitted, Denied, Queued} {
		if v.String() == string(text) {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("unknown admission outcome %q", text)
}

// DenyReason explains a Denied outcome.
type DenyReason string

const (
	ReasonNone          DenyReason = ""
	ReasonQuotaExceeded DenyReason = "quota_exceeded"
	ReasonQueueFull     DenyReason = "queue_full"
	ReasonQueueTimeout  DenyReason = "queue_timeout"
	ReasonCancelled     DenyReason = "cancelled"
	ReasonUnavailable   DenyReason = "unavailable"
)

// Result is an admission decision. Fields beyond Outcome are filled as they
// apply: quota numbers for Admitted and quota denials, Position and Ticket
// for Queued.
type Result struct {
	Outcome    Outcome       `json:"outcome"`
	CustomerID string        `json:"customer_id"`
	Cost       int64         `json:"cost"`
	Used       int64         `json:"used"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	Threshold  int           `json:"threshold,omitempty"`
	Reason     DenyReason    `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Position   int           `json:"position,omitempty"`
	Ticket     *Ticket       `json:"-"`
	// Err carries ErrQueueFull, ErrQueueTimeout, a context error, or a
	// counter store failure for the matching deny reasons.
	Err error `json:"-"`
}

// IsAdmitted reports whether the request may proceed.
func (r Result) IsAdmitted() bool {
	return r.Outcome == Admitted
}

// Unlimited reports whether the customer's ceiling is unbounded.
func (r Result) Unlimited() bool {
	return r.Limit < 0
}

// Warning returns the approaching-quota notice for an admitted request, or ""
// when no threshold has been reached.
func (r Result) Warning() string {
	if r.Outcome != Admitted || r.Threshold == 0 {
		return ""
	}
	if r.Threshold >= 100 {
		return fmt.Sprintf("Monthly quota reached (%d/%d units used)", r.Used, r.Limit)
	}
	return fmt.Sprintf("Monthly quota %d%% used (%d/%d units)", r.Threshold, r.Used, r.Limit)
}

// Usage is a point-in-time report of a customer's metered consumption.
type Usage struct {
	CustomerID  string    `json:"customer_id"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	Remaining   int64     `json:"remaining"`
	Threshold   int       `json:"threshold"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Queued      int       `json:"queued"`
}
