package licensing

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"time"
)

// Claim names carried in a license token.
const (
	ClaimTier       = "tier"
	ClaimFeatures   = "features"
	ClaimCustomerID = "customerId"
	ClaimIssuedAt   = "issuedAt"
	ClaimExpiresAt  = "expiresAt"
	ClaimQuota      = "quota"
)

// RequiredClaims must be present in every license token.
var RequiredClaims = []string{ClaimTier, ClaimFeatures, ClaimCustomerID, ClaimIssuedAt, ClaimExpiresAt}

// License is a validated entitlement. Values are only produced by Validator.
type License struct {
	Tier       Tier      `json:"tier"`
	Features   []Feature `json:"features"`
	CustomerID string    `json:"customer_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	// QuotaHint is the issuer's monthly unit hint, or nil when absent.
	QuotaHint *int64 `json:"quota_hint,omitempty"`
	RawToken  string `json:"-"`
}

// HasFeature checks explicit grants first, then the tier defaults.
func (l *License) HasFeature(f Feature) bool {
	if l == nil {
		return TierIncludes(TierCommunity, f)
	}
	for _, granted := range l.Features {
		if granted == f {
			return true
		}
	}
	return TierIncludes(l.Tier, f)
}

// AllFeatures returns tier features plus explicit grants, sorted.
func (l *License) AllFeatures() []Feature {
	set := make(map[Feature]struct{})
	for _, f := range FeaturesFor(l.Tier) {
		set[f] = struct{}{}
	}
	for _, f := range l.Features {
		set[f] = struct{}{}
	}
	out := make([]Feature, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidAt reports whether issuedAt <= now <= expiresAt.
func (l *License) ValidAt(now time.Time) bool {
	return !now.Before(l.IssuedAt) && !now.After(l.ExpiresAt)
}

// DaysRemaining returns whole days until expiry, rounding a partial day up.
// It returns 0 once the license has expired.
func (l *License) DaysRemaining(now time.Time) int {
	remaining := l.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Hours() / 24))
}

// Fingerprint identifies the token without exposing it.
func (l *License) Fingerprint() string {
	return Fingerprint(l.RawToken)
}

// Fingerprint returns a short stable hash of a token for logs and audit.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}
