package licensing

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoVerificationKey   = errors.New("no license verification key configured")
	ErrUnsupportedKey      = errors.New("unsupported license key type")
	ErrRotateMissingClaims = errors.New("cannot rotate token with missing claims")
	ErrNoSigningKey        = errors.New("no signing key provided")
)

// ValidationKind classifies why a token failed verification.
type ValidationKind string

const (
	KindMalformedToken   ValidationKind = "malformed_token"
	KindInvalidSignature ValidationKind = "invalid_signature"
	KindClaimMismatch    ValidationKind = "claim_mismatch"
	KindMissingClaims    ValidationKind = "missing_claims"
	KindInvalidTier      ValidationKind = "invalid_tier"
	KindInvalidFeatures  ValidationKind = "invalid_features"
	KindTokenExpired     ValidationKind = "token_expired"
	KindTokenNotYetValid ValidationKind = "token_not_yet_valid"
	KindKeyUnavailable   ValidationKind = "key_unavailable"
	KindUnknown          ValidationKind = "unknown_error"
)

// ValidationError is returned by Validator.Verify. Exactly one kind applies.
type ValidationError struct {
	Kind ValidationKind
	// Detail is a short human-readable explanation.
	Detail string
	// Claims lists the offending claim names for missing or mismatched claims.
	Claims []string
	// ExpiredAt is set for KindTokenExpired.
	ExpiredAt time.Time
	// ValidFrom is set for KindTokenNotYetValid.
	ValidFrom time.Time
	// Tier is the token's tier for time-window failures, where the tier
	// claim was already checked.
	Tier Tier
	Err  error
}

func (e *ValidationError) Error() string {
	msg := "license validation failed: " + string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is matches another *ValidationError of the same kind, so callers can write
// errors.Is(err, &ValidationError{Kind: KindTokenExpired}).
func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

func newValidationError(kind ValidationKind, detail string, err error) *ValidationError {
	return &ValidationError{Kind: kind, Detail: detail, Err: err}
}

func missingClaimsError(names []string) *ValidationError {
	return &ValidationError{
		Kind:   KindMissingClaims,
		Detail: fmt.Sprintf("missing %v", names),
		Claims: names,
	}
}

func expiredError(at time.Time) *ValidationError {
	return &ValidationError{
		Kind:      KindTokenExpired,
		Detail:    "expired at " + at.UTC().Format(time.RFC3339),
		ExpiredAt: at,
	}
}

func notYetValidError(from time.Time) *ValidationError {
	return &ValidationError{
		Kind:      KindTokenNotYetValid,
		Detail:    "valid from " + from.UTC().Format(time.RFC3339),
		ValidFrom: from,
	}
}

// AsValidationError extracts a *ValidationError from err.
func AsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
