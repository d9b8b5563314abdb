// Package denial turns failed entitlement checks into structured, actionable
// responses: a closed set of error kinds, upgrade prompts, expiration
// warnings and bounded automatic recovery.
package denial

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/skillgate/skillgate/internal/licensing"
)

// Kind is the closed set of denial kinds.
type Kind string

const (
	KindLicenseExpired       Kind = "license_expired"
	KindLicenseInvalid       Kind = "license_invalid"
	KindLicenseNotFound      Kind = "license_not_found"
	KindFeatureNotAvailable  Kind = "feature_not_available"
	KindQuotaExceeded        Kind = "quota_exceeded"
	KindLicenseMisconfigured Kind = "license_misconfigured"
	KindUnknown              Kind = "unknown_error"
)

// Kinds lists every kind.
var Kinds = []Kind{
	KindLicenseExpired,
	KindLicenseInvalid,
	KindLicenseNotFound,
	KindFeatureNotAvailable,
	KindQuotaExceeded,
	KindLicenseMisconfigured,
	KindUnknown,
}

// Error is a denial. Only the fields relevant to Kind are set.
type Error struct {
	Kind    Kind
	Message string
	// NextStep is a one-line instruction for the user.
	NextStep   string
	UpgradeURL string

	// LicenseInvalid
	Reason licensing.ValidationKind
	// LicenseExpired
	ExpiredAt time.Time
	// FeatureNotAvailable
	Feature      licensing.Feature
	CurrentTier  licensing.Tier
	RequiredTier licensing.Tier
	// QuotaExceeded
	QuotaType  string
	Max        int64
	Current    int64
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// As extracts a *Error from err.
func As(err error) (*Error, bool) {
	var d *Error
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// Payload is the machine-readable form of a denial.
type Payload struct {
	Code         Kind         `json:"code"`
	Message      string       `json:"message"`
	NextStep     string       `json:"next_step"`
	UpgradeURL   string       `json:"upgrade_url,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	Feature      string       `json:"feature,omitempty"`
	CurrentTier  string       `json:"current_tier,omitempty"`
	RequiredTier string       `json:"required_tier,omitempty"`
	QuotaType    string       `json:"quota_type,omitempty"`
	Max          *int64       `json:"max,omitempty"`
	Current      *int64       `json:"current,omitempty"`
	ExpiredAt    *time.Time   `json:"expired_at,omitempty"`
	RetryAfter   int64        `json:"retry_after_seconds,omitempty"`
	Suggestions  []Suggestion `json:"suggestions"`
}

// Payload renders the denial for API bodies and tool-error envelopes.
func (e *Error) Payload() Payload {
	p := Payload{
		Code:        e.Kind,
		Message:     e.Message,
		NextStep:    e.NextStep,
		UpgradeURL:  e.UpgradeURL,
		Reason:      string(e.Reason),
		Suggestions: SuggestionsFor(e),
	}
	switch e.Kind {
	case KindFeatureNotAvailable:
		p.Feature = string(e.Feature)
		p.CurrentTier = e.CurrentTier.String()
		p.RequiredTier = e.RequiredTier.String()
	case KindQuotaExceeded:
		max, current := e.Max, e.Current
		p.QuotaType = e.QuotaType
		p.Max = &max
		p.Current = &current
		p.CurrentTier = e.CurrentTier.String()
		p.RetryAfter = int64(e.RetryAfter.Seconds())
	case KindLicenseExpired:
		if !e.ExpiredAt.IsZero() {
			at := e.ExpiredAt
			p.ExpiredAt = &at
		}
	}
	return p
}

// Text renders the denial for a terminal.
func (e *Error) Text() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.NextStep != "" {
		b.WriteString("\nNext step: ")
		b.WriteString(e.NextStep)
	}
	if e.UpgradeURL != "" {
		b.WriteString("\nUpgrade: ")
		b.WriteString(e.UpgradeURL)
	}
	return b.String()
}

// Builder constructs denials with upgrade links rooted at one base URL.
type Builder struct {
	upgradeBase string
}

// NewBuilder returns a builder. An empty base uses DefaultUpgradeBaseURL.
func NewBuilder(upgradeBase string) *Builder {
	if upgradeBase == "" {
		upgradeBase = DefaultUpgradeBaseURL
	}
	return &Builder{upgradeBase: upgradeBase}
}

// UpgradeURL builds the upgrade link for moving from one tier to another.
func (b *Builder) UpgradeURL(feature licensing.Feature, from, to licensing.Tier) string {
	return UpgradeURL(b.upgradeBase, feature, from, to)
}

// RenewURL builds the renewal link for a tier.
func (b *Builder) RenewURL(tier licensing.Tier) string {
	return RenewURL(b.upgradeBase, tier)
}

// FeatureNotAvailable denies a feature the current tier lacks. Unknown
// features produce a KindUnknown denial.
func (b *Builder) FeatureNotAvailable(feature licensing.Feature, current licensing.Tier) *Error {
	required, ok := licensing.RequiredTier(feature)
	if !ok {
		return &Error{
			Kind:     KindUnknown,
			Message:  fmt.Sprintf("Unknown feature %q", feature),
			NextStep: "Check the feature name",
			Feature:  feature,
		}
	}
	return &Error{
		Kind: KindFeatureNotAvailable,
		Message: fmt.Sprintf("%s requires the %s tier; your license is on the %s tier",
			feature.DisplayName(), required, current),
		NextStep:     fmt.Sprintf("Upgrade to %s to unlock %s", required.DisplayName(), feature.DisplayName()),
		UpgradeURL:   b.UpgradeURL(feature, current, required),
		Feature:      feature,
		CurrentTier:  current,
		RequiredTier: required,
	}
}

// Expired denies a license past its expiry.
func (b *Builder) Expired(at time.Time, tier licensing.Tier) *Error {
	msg := "Your license has expired"
	if !at.IsZero() {
		msg = "Your license expired on " + at.UTC().Format("2006-01-02")
	}
	return &Error{
		Kind:        KindLicenseExpired,
		Message:     msg,
		NextStep:    "Renew your license to restore paid features",
		UpgradeURL:  b.RenewURL(tier),
		ExpiredAt:   at,
		CurrentTier: tier,
	}
}

// NotFound reports that a license was required but none is configured.
func (b *Builder) NotFound() *Error {
	return &Error{
		Kind:     KindLicenseNotFound,
		Message:  "No license token is configured",
		NextStep: "Set SKILLGATE_LICENSE_TOKEN or pass a license token",
	}
}

// Invalid denies a token that failed verification for reason.
func (b *Builder) Invalid(reason licensing.ValidationKind, detail string, err error) *Error {
	msg := "Your license token is invalid (" + string(reason) + ")"
	if detail != "" {
		msg += ": " + detail
	}
	return &Error{
		Kind:     KindLicenseInvalid,
		Message:  msg,
		NextStep: "Check the configured license token or request a new one",
		Reason:   reason,
		Err:      err,
	}
}

// QuotaExceeded denies a metered operation over its ceiling.
func (b *Builder) QuotaExceeded(quotaType string, max, current int64, tier licensing.Tier, retryAfter time.Duration) *Error {
	next := nextTier(tier)
	e := &Error{
		Kind:        KindQuotaExceeded,
		Message:     fmt.Sprintf("%s quota exceeded: %d of %d used", quotaType, current, max),
		NextStep:    "Wait for the quota window to reset or upgrade for a higher limit",
		QuotaType:   quotaType,
		Max:         max,
		Current:     current,
		CurrentTier: tier,
		RetryAfter:  retryAfter,
	}
	if next != tier {
		e.UpgradeURL = b.UpgradeURL("", tier, next)
		e.RequiredTier = next
	}
	return e
}

// Misconfigured reports a verification setup problem rather than a bad token.
func (b *Builder) Misconfigured(detail string, err error) *Error {
	msg := "License verification is misconfigured"
	if detail != "" {
		msg += ": " + detail
	}
	return &Error{
		Kind:     KindLicenseMisconfigured,
		Message:  msg,
		NextStep: "Fix the license verification key configuration (SKILLGATE_LICENSE_PUBLIC_KEY)",
		Err:      err,
	}
}

// Unknown wraps an unexpected failure.
func (b *Builder) Unknown(err error) *Error {
	msg := "Unexpected licensing error"
	if err != nil {
		msg += ": " + err.Error()
	}
	return &Error{
		Kind:     KindUnknown,
		Message:  msg,
		NextStep: "Try again; contact support if the problem persists",
		Err:      err,
	}
}

// FromValidation maps a verification failure onto a denial.
func (b *Builder) FromValidation(err error) *Error {
	verr, ok := licensing.AsValidationError(err)
	if !ok {
		return b.Unknown(err)
	}
	switch verr.Kind {
	case licensing.KindTokenExpired:
		d := b.Expired(verr.ExpiredAt, verr.Tier)
		d.Err = verr
		return d
	case licensing.KindKeyUnavailable:
		return b.Misconfigured("verification key unavailable", verr)
	case licensing.KindMalformedToken,
		licensing.KindInvalidSignature,
		licensing.KindClaimMismatch,
		licensing.KindMissingClaims,
		licensing.KindInvalidTier,
		licensing.KindInvalidFeatures,
		licensing.KindTokenNotYetValid:
		return b.Invalid(verr.Kind, verr.Detail, verr)
	case licensing.KindUnknown:
		return b.Unknown(verr)
	default:
		return b.Unknown(verr)
	}
}

func nextTier(t licensing.Tier) licensing.Tier {
	if t >= licensing.TierEnterprise || !t.Valid() {
		return t
	}
	return t + 1
}
