package licensing

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Generator issues signed license tokens.
type Generator struct {
	issuer   string
	audience string
	quotas   QuotaTable
	now      func() time.Time
}

// NewGenerator returns a generator stamping the given issuer and audience,
// falling back to the defaults when empty.
func NewGenerator(issuer, audience string) *Generator {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if audience == "" {
		audience = DefaultAudience
	}
	return &Generator{
		issuer:   issuer,
		audience: audience,
		quotas:   DefaultQuotas,
		now:      time.Now,
	}
}

// SetClock overrides the clock used for default issue times.
func (g *Generator) SetClock(now func() time.Time) {
	g.now = now
}

// SetQuotas overrides the table used for per-tier quota hints.
func (g *Generator) SetQuotas(q QuotaTable) {
	g.quotas = q
}

// Issue signs p with key. A zero IssuedAt defaults to now.
func (g *Generator) Issue(p Payload, key *rsa.PrivateKey) (string, error) {
	if key == nil {
		return "", ErrNoSigningKey
	}
	if p.IssuedAt.IsZero() {
		p.IssuedAt = g.now()
	}
	if err := validatePayload(p); err != nil {
		return "", err
	}

	features := make([]string, 0, len(p.Features))
	for _, f := range p.Features {
		features = append(features, string(f))
	}

	issued := p.IssuedAt.Truncate(time.Second)
	expires := p.ExpiresAt.Truncate(time.Second)
	claims := tokenClaims{
		Tier:       p.Tier.String(),
		Features:   features,
		CustomerID: p.CustomerID,
		IssuedAt:   issued.Unix(),
		ExpiresAt:  expires.Unix(),
		Quota:      p.QuotaHint,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.issuer,
			Subject:   p.CustomerID,
			Audience:  jwt.ClaimStrings{g.audience},
			ExpiresAt: jwt.NewNumericDate(expires),
			NotBefore: jwt.NewNumericDate(issued),
			IssuedAt:  jwt.NewNumericDate(g.now()),
			ID:        uuid.NewString(),
		},
	}
	return signClaims(claims, key)
}

// TierPayload returns the payload IssueForTier signs: the tier's cumulative
// features and quota hint, valid for validFor from now. Callers may add
// grants before passing it to Issue.
func (g *Generator) TierPayload(tier Tier, customerID string, validFor time.Duration) Payload {
	now := g.now()
	hint := g.quotas.For(tier).MonthlyUnits
	return Payload{
		Tier:       tier,
		Features:   FeaturesFor(tier),
		CustomerID: customerID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(validFor),
		QuotaHint:  &hint,
	}
}

// IssueForTier issues a token carrying the tier's full cumulative feature set
// and its quota hint, valid for validFor from now.
func (g *Generator) IssueForTier(tier Tier, customerID string, validFor time.Duration, key *rsa.PrivateKey) (string, error) {
	return g.Issue(g.TierPayload(tier, customerID, validFor), key)
}

// Rotate re-signs an existing token with newKey. The old signature is not
// checked; the token must still carry every required claim.
func (g *Generator) Rotate(newKey *rsa.PrivateKey, existing string) (string, error) {
	if newKey == nil {
		return "", ErrNoSigningKey
	}
	_, claims, err := decodeUnverified(strings.TrimSpace(existing))
	if err != nil {
		return "", fmt.Errorf("decode token for rotation: %w", err)
	}

	var missing []string
	for _, name := range RequiredClaims {
		if v, ok := claims[name]; !ok || v == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrRotateMissingClaims, strings.Join(missing, ", "))
	}

	rotated := jwt.MapClaims{}
	for k, v := range claims {
		rotated[k] = v
	}
	rotated["jti"] = uuid.NewString()
	if _, ok := rotated["iss"]; !ok {
		rotated["iss"] = g.issuer
	}
	if _, ok := rotated["aud"]; !ok {
		rotated["aud"] = []string{g.audience}
	}
	return signClaims(rotated, newKey)
}

func validatePayload(p Payload) error {
	var errs []error
	if !p.Tier.Valid() {
		errs = append(errs, fmt.Errorf("unknown tier %d", int(p.Tier)))
	}
	if strings.TrimSpace(p.CustomerID) == "" {
		errs = append(errs, errors.New("customer id is required"))
	}
	if p.ExpiresAt.IsZero() {
		errs = append(errs, errors.New("expiry is required"))
	} else if !p.ExpiresAt.After(p.IssuedAt) {
		errs = append(errs, errors.New("expiry must be after issue time"))
	}
	for _, f := range p.Features {
		if !f.WellFormed() {
			errs = append(errs, fmt.Errorf("feature %q is malformed", f))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid license payload: %w", errors.Join(errs...))
	}
	return nil
}
