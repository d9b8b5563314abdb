package denial

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skillgate/skillgate/internal/licensing"
	"github.com/skillgate/skillgate/internal/metrics"
)

// Action is a recovery step.
type Action string

const (
	ActionRenew          Action = "renew"
	ActionUpgrade        Action = "upgrade"
	ActionRefresh        Action = "refresh"
	ActionClearCache     Action = "clear_cache"
	ActionReloadKey      Action = "reload_key"
	ActionWait           Action = "wait"
	ActionReplaceToken   Action = "replace_token"
	ActionFixConfig      Action = "fix_config"
	ActionContactSupport Action = "contact_support"
)

// Suggestion is one recovery step. AutoRecoverable steps are idempotent and
// may be run without the user.
type Suggestion struct {
	Action          Action `json:"action"`
	Description     string `json:"description"`
	AutoRecoverable bool   `json:"auto_recoverable"`
}

var (
	suggestRefresh = Suggestion{ActionRefresh, "Re-read the configured license token", true}
	suggestClear   = Suggestion{ActionClearCache, "Clear the cached license and validate again", true}
	suggestReload  = Suggestion{ActionReloadKey, "Re-import the verification key", true}
	suggestSupport = Suggestion{ActionContactSupport, "Contact support with the token fingerprint", false}
)

// SuggestionsFor returns the ordered recovery steps for a denial.
func SuggestionsFor(e *Error) []Suggestion {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case KindLicenseExpired:
		return []Suggestion{
			suggestRefresh,
			{ActionRenew, "Renew the license", false},
			suggestSupport,
		}
	case KindLicenseInvalid:
		var out []Suggestion
		if e.Reason == licensing.KindInvalidSignature {
			out = append(out, suggestReload)
		}
		return append(out,
			suggestClear,
			suggestRefresh,
			Suggestion{ActionReplaceToken, "Replace the license token with a freshly issued one", false},
			suggestSupport,
		)
	case KindLicenseNotFound:
		return []Suggestion{
			suggestRefresh,
			{ActionFixConfig, "Configure a license token", false},
		}
	case KindFeatureNotAvailable:
		return []Suggestion{
			{ActionUpgrade, fmt.Sprintf("Upgrade to the %s tier", e.RequiredTier.DisplayName()), false},
			suggestRefresh,
		}
	case KindQuotaExceeded:
		out := []Suggestion{{ActionWait, "Wait for the quota window to reset", false}}
		if e.RequiredTier > e.CurrentTier {
			out = append(out, Suggestion{ActionUpgrade, fmt.Sprintf("Upgrade to the %s tier", e.RequiredTier.DisplayName()), false})
		}
		return append(out, suggestSupport)
	case KindLicenseMisconfigured:
		return []Suggestion{
			suggestReload,
			{ActionFixConfig, "Fix the verification key configuration", false},
		}
	case KindUnknown:
		return []Suggestion{suggestClear, suggestSupport}
	default:
		return []Suggestion{suggestSupport}
	}
}

// Recoverer performs recovery actions and re-checks the original denial.
type Recoverer interface {
	// Perform runs one automatic action.
	Perform(ctx context.Context, action Action) error
	// Verify returns nil once the condition behind d is gone.
	Verify(ctx context.Context, d *Error) error
}

// Policy bounds automatic recovery.
type Policy struct {
	// MaxRetries caps the total number of attempts.
	MaxRetries int
	// Delay is the fixed pause between attempts.
	Delay time.Duration
}

// Default recovery bounds.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 250 * time.Millisecond
)

// DefaultPolicy returns the default recovery bounds.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, Delay: DefaultRetryDelay}
}

// AttemptRecord describes one recovery attempt.
type AttemptRecord struct {
	Action   Action        `json:"action"`
	Attempt  int           `json:"attempt"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Observer is notified synchronously after every attempt.
type Observer interface {
	OnAttempt(AttemptRecord)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(AttemptRecord)

func (f ObserverFunc) OnAttempt(r AttemptRecord) { f(r) }

// Outcome is the result of Attempt.
type Outcome struct {
	Recovered bool            `json:"recovered"`
	Action    Action          `json:"action,omitempty"`
	Attempts  []AttemptRecord `json:"attempts"`
	// Remaining lists the manual steps left when recovery did not succeed.
	Remaining []Suggestion `json:"remaining,omitempty"`
	Err       error        `json:"-"`
}

// ErrNotRecoverable is returned when a denial has no automatic steps.
var ErrNotRecoverable = errors.New("no automatic recovery available")

// Attempt runs the automatic suggestions for err in order, verifying after
// each action, until one succeeds or MaxRetries attempts have been made.
// Manual suggestions are never run.
func Attempt(ctx context.Context, err error, r Recoverer, policy Policy, obs Observer) Outcome {
	d, ok := As(err)
	if !ok {
		d = NewBuilder("").Unknown(err)
	}
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = DefaultMaxRetries
	}
	if policy.Delay < 0 {
		policy.Delay = 0
	}

	suggestions := SuggestionsFor(d)
	var auto, manual []Suggestion
	for _, s := range suggestions {
		if s.AutoRecoverable {
			auto = append(auto, s)
		} else {
			manual = append(manual, s)
		}
	}

	out := Outcome{Attempts: []AttemptRecord{}}
	if len(auto) == 0 {
		out.Remaining = manual
		out.Err = ErrNotRecoverable
		return out
	}

	var lastErr error
	for n := 0; n < policy.MaxRetries; n++ {
		if n > 0 {
			if err := sleep(ctx, policy.Delay); err != nil {
				lastErr = err
				break
			}
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		s := auto[n%len(auto)]
		start := time.Now()
		stepErr := r.Perform(ctx, s.Action)
		if stepErr == nil {
			stepErr = r.Verify(ctx, d)
		}
		rec := AttemptRecord{Action: s.Action, Attempt: n + 1, Duration: time.Since(start)}
		if stepErr != nil {
			rec.Error = stepErr.Error()
		}
		out.Attempts = append(out.Attempts, rec)
		if obs != nil {
			obs.OnAttempt(rec)
		}
		metrics.Get().RecordRecovery(string(s.Action), stepErr == nil)

		if stepErr == nil {
			log.Info().
				Str("kind", string(d.Kind)).
				Str("action", string(s.Action)).
				Int("attempt", n+1).
				Msg("Licensing problem recovered")
			out.Recovered = true
			out.Action = s.Action
			return out
		}
		lastErr = stepErr
		log.Debug().
			Err(stepErr).
			Str("kind", string(d.Kind)).
			Str("action", string(s.Action)).
			Int("attempt", n+1).
			Msg("Recovery attempt failed")
	}

	out.Remaining = manual
	out.Err = lastErr
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
