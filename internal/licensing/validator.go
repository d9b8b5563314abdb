package licensing

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/skillgate/skillgate/internal/metrics"
)

// Default claim expectations.
const (
	DefaultIssuer         = "skillgate-licensing"
	DefaultAudience       = "skillgate"
	DefaultClockTolerance = 60 * time.Second
)

// ValidatorConfig configures claim expectations.
type ValidatorConfig struct {
	Issuer         string
	Audience       string
	ClockTolerance time.Duration
}

// Validator verifies license tokens against a KeyStore and remembers the last
// license it accepted.
type Validator struct {
	keys      *KeyStore
	issuer    string
	audience  string
	tolerance time.Duration
	now       func() time.Time

	mu   sync.RWMutex
	last *License
}

// NewValidator creates a validator. Empty issuer or audience fall back to the
// defaults; a negative tolerance is treated as zero.
func NewValidator(keys *KeyStore, cfg ValidatorConfig) *Validator {
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.ClockTolerance < 0 {
		cfg.ClockTolerance = 0
	}
	return &Validator{
		keys:      keys,
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		tolerance: cfg.ClockTolerance,
		now:       time.Now,
	}
}

// SetClock overrides the validator's clock.
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}

// Verify checks token at the current time. A non-nil error is always a
// *ValidationError.
func (v *Validator) Verify(token string) (*License, error) {
	return v.VerifyAt(token, v.now())
}

// VerifyAt checks token as of now. Checks run in a fixed order and stop at the
// first failure: structure, signature, issuer and audience, required claims,
// tier, features, then validity window.
func (v *Validator) VerifyAt(token string, now time.Time) (lic *License, err error) {
	defer func() {
		if r := recover(); r != nil {
			lic = nil
			err = newValidationError(KindUnknown, "verification panicked", fmt.Errorf("%v", r))
		}
		if verr, ok := AsValidationError(err); ok {
			metrics.Get().RecordValidation(string(verr.Kind))
			log.Debug().
				Str("kind", string(verr.Kind)).
				Str("token", Fingerprint(token)).
				Msg("License token rejected")
		} else if err == nil {
			metrics.Get().RecordValidation("ok")
		}
	}()

	lic, verr := v.verify(strings.TrimSpace(token), now)
	if verr != nil {
		return nil, verr
	}

	v.mu.Lock()
	v.last = lic
	v.mu.Unlock()
	return lic, nil
}

func (v *Validator) verify(raw string, now time.Time) (*License, *ValidationError) {
	if raw == "" {
		return nil, newValidationError(KindMalformedToken, "empty token", nil)
	}
	parsed, _, err := decodeUnverified(raw)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, newValidationError(KindInvalidSignature, "unsupported signing method", err)
		}
		return nil, newValidationError(KindMalformedToken, "", err)
	}
	if alg := parsed.Method.Alg(); alg != signingMethod.Alg() {
		return nil, newValidationError(KindInvalidSignature, "unexpected signing method "+alg, nil)
	}

	claims, verr := v.checkSignature(raw)
	if verr != nil {
		return nil, verr
	}
	if verr := v.checkIssuerAudience(claims); verr != nil {
		return nil, verr
	}
	return v.buildLicense(raw, claims, now)
}

// checkSignature verifies with the cached key and, on a signature mismatch
// only, re-imports the key and tries exactly once more.
func (v *Validator) checkSignature(raw string) (jwt.MapClaims, *ValidationError) {
	key, err := v.keys.Key()
	if err != nil {
		return nil, newValidationError(KindKeyUnavailable, "", err)
	}

	claims, err := verifySignature(raw, key)
	if err == nil {
		return claims, nil
	}
	if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return nil, classifyParseError(err)
	}

	key, reloadErr := v.keys.Reload()
	if reloadErr != nil {
		return nil, newValidationError(KindKeyUnavailable, "re-import after signature mismatch", reloadErr)
	}
	claims, err = verifySignature(raw, key)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, newValidationError(KindInvalidSignature, "", err)
		}
		return nil, classifyParseError(err)
	}
	return claims, nil
}

func classifyParseError(err error) *ValidationError {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return newValidationError(KindMalformedToken, "", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return newValidationError(KindInvalidSignature, "", err)
	default:
		return newValidationError(KindUnknown, "", err)
	}
}

func (v *Validator) checkIssuerAudience(claims jwt.MapClaims) *ValidationError {
	iss, err := claims.GetIssuer()
	if err != nil || iss != v.issuer {
		return &ValidationError{
			Kind:   KindClaimMismatch,
			Detail: fmt.Sprintf("issuer %q does not match %q", iss, v.issuer),
			Claims: []string{"iss"},
			Err:    err,
		}
	}
	aud, err := claims.GetAudience()
	if err != nil || !containsString(aud, v.audience) {
		return &ValidationError{
			Kind:   KindClaimMismatch,
			Detail: fmt.Sprintf("audience does not include %q", v.audience),
			Claims: []string{"aud"},
			Err:    err,
		}
	}
	return nil
}

func (v *Validator) buildLicense(raw string, claims jwt.MapClaims, now time.Time) (*License, *ValidationError) {
	var missing []string
	for _, name := range RequiredClaims {
		if val, ok := claims[name]; !ok || val == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, missingClaimsError(missing)
	}

	tierName, ok := claims[ClaimTier].(string)
	if !ok {
		return nil, newValidationError(KindInvalidTier, "tier is not a string", nil)
	}
	tier, err := ParseTier(tierName)
	if err != nil || tier.String() != tierName {
		return nil, newValidationError(KindInvalidTier, fmt.Sprintf("unknown tier %q", tierName), err)
	}

	features, verr := parseFeatures(claims[ClaimFeatures])
	if verr != nil {
		return nil, verr
	}

	customerID, ok := claims[ClaimCustomerID].(string)
	if !ok {
		return nil, &ValidationError{Kind: KindMalformedToken, Detail: "customerId is not a string", Claims: []string{ClaimCustomerID}}
	}
	issuedAt, ok := numericClaim(claims[ClaimIssuedAt])
	if !ok {
		return nil, &ValidationError{Kind: KindMalformedToken, Detail: "issuedAt is not a number", Claims: []string{ClaimIssuedAt}}
	}
	expiresAt, ok := numericClaim(claims[ClaimExpiresAt])
	if !ok {
		return nil, &ValidationError{Kind: KindMalformedToken, Detail: "expiresAt is not a number", Claims: []string{ClaimExpiresAt}}
	}

	if verr := v.checkWindow(claims, issuedAt, expiresAt, now); verr != nil {
		verr.Tier = tier
		return nil, verr
	}

	lic := &License{
		Tier:       tier,
		Features:   features,
		CustomerID: customerID,
		IssuedAt:   time.Unix(issuedAt, 0).UTC(),
		ExpiresAt:  time.Unix(expiresAt, 0).UTC(),
		RawToken:   raw,
	}
	if q, ok := numericClaim(claims[ClaimQuota]); ok {
		lic.QuotaHint = &q
	}
	return lic, nil
}

func parseFeatures(v interface{}) ([]Feature, *ValidationError) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, newValidationError(KindInvalidFeatures, "features is not a list", nil)
	}
	features := make([]Feature, 0, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, newValidationError(KindInvalidFeatures, fmt.Sprintf("feature %d is not a string", i), nil)
		}
		f := Feature(s)
		if !f.WellFormed() {
			return nil, newValidationError(KindInvalidFeatures, fmt.Sprintf("feature %q is malformed", s), nil)
		}
		features = append(features, f)
	}
	return features, nil
}

// checkWindow applies the clock tolerance to the registered exp/nbf claims.
// The license's own expiresAt is a hard boundary.
func (v *Validator) checkWindow(claims jwt.MapClaims, issuedAt, expiresAt int64, now time.Time) *ValidationError {
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		if now.After(exp.Add(v.tolerance)) {
			return expiredError(exp.Time)
		}
	}
	if now.Unix() > expiresAt {
		return expiredError(time.Unix(expiresAt, 0).UTC())
	}

	if nbf, err := claims.GetNotBefore(); err == nil && nbf != nil {
		if now.Add(v.tolerance).Before(nbf.Time) {
			return notYetValidError(nbf.Time)
		}
	}
	if issued := time.Unix(issuedAt, 0); now.Add(v.tolerance).Before(issued) {
		return notYetValidError(issued.UTC())
	}
	return nil
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// Last returns the most recently accepted license, or nil.
func (v *Validator) Last() *License {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.last
}

// HasFeature checks the last accepted license, defaulting to community.
func (v *Validator) HasFeature(f Feature) bool {
	return v.Last().HasFeature(f)
}

// Tier returns the tier of the last accepted license, defaulting to community.
func (v *Validator) Tier() Tier {
	if lic := v.Last(); lic != nil {
		return lic.Tier
	}
	return TierCommunity
}

// Forget clears the last accepted license.
func (v *Validator) Forget() {
	v.mu.Lock()
	v.last = nil
	v.mu.Unlock()
}

// ClearKeyCache drops the cached verification key.
func (v *Validator) ClearKeyCache() {
	v.keys.Clear()
}

// Keys returns the validator's key store.
func (v *Validator) Keys() *KeyStore {
	return v.keys
}
