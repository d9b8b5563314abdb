package licensing

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueForTierPopulatesFeaturesAndQuota(t *testing.T) {
	priv, _ := testKeys(t)
	g := newTestGenerator()
	v := newTestValidator(&priv.PublicKey)

	for _, tier := range Tiers {
		t.Run(tier.String(), func(t *testing.T) {
			token, err := g.IssueForTier(tier, "cus_"+tier.String(), 30*24*time.Hour, priv)
			require.NoError(t, err)

			lic, err := v.Verify(token)
			require.NoError(t, err)
			assert.Equal(t, tier, lic.Tier)
			assert.ElementsMatch(t, FeaturesFor(tier), lic.Features)
			require.NotNil(t, lic.QuotaHint)
			assert.Equal(t, DefaultQuotas.For(tier).MonthlyUnits, *lic.QuotaHint)
			assert.Equal(t, testNow.Add(30*24*time.Hour).Unix(), lic.ExpiresAt.Unix())
		})
	}
}

func TestTierPayloadAcceptsExtraGrants(t *testing.T) {
	priv, _ := testKeys(t)
	g := newTestGenerator()
	v := newTestValidator(&priv.PublicKey)

	p := g.TierPayload(TierTeam, "cus_1", time.Hour)
	require.NotNil(t, p.QuotaHint)
	assert.Equal(t, DefaultQuotas.For(TierTeam).MonthlyUnits, *p.QuotaHint)
	assert.Equal(t, testNow, p.IssuedAt)

	p.Features = append(p.Features, FeatureAuditExport)
	token, err := g.Issue(p, priv)
	require.NoError(t, err)
	lic, err := v.Verify(token)
	require.NoError(t, err)
	assert.True(t, lic.HasFeature(FeatureAuditExport))
	require.NotNil(t, lic.QuotaHint)
	assert.Equal(t, *p.QuotaHint, *lic.QuotaHint)
}

func TestIssueStampsRegisteredClaims(t *testing.T) {
	priv, _ := testKeys(t)
	g := newTestGenerator()

	token, err := g.IssueForTier(TierTeam, "cus_1", time.Hour, priv)
	require.NoError(t, err)

	parsed, claims, err := decodeUnverified(token)
	require.NoError(t, err)
	assert.Equal(t, "RS256", parsed.Header["alg"])
	kid, err := KeyID(&priv.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, kid, parsed.Header["kid"])

	assert.Equal(t, DefaultIssuer, claims["iss"])
	assert.NotEmpty(t, claims["jti"])
	assert.Equal(t, "cus_1", claims["sub"])
	assert.EqualValues(t, testNow.Add(time.Hour).Unix(), claims["exp"])
	assert.EqualValues(t, testNow.Unix(), claims["nbf"])
}

func TestIssueRejectsBadPayload(t *testing.T) {
	priv, _ := testKeys(t)
	g := newTestGenerator()

	tests := []struct {
		name    string
		payload Payload
	}{
		{"unknown tier", Payload{Tier: Tier(7), CustomerID: "c", ExpiresAt: testNow.Add(time.Hour)}},
		{"no customer", Payload{Tier: TierTeam, ExpiresAt: testNow.Add(time.Hour)}},
		{"no expiry", Payload{Tier: TierTeam, CustomerID: "c"}},
		{"expiry before issue", Payload{Tier: TierTeam, CustomerID: "c", ExpiresAt: testNow.Add(-time.Hour)}},
		{"bad feature", Payload{Tier: TierTeam, CustomerID: "c", ExpiresAt: testNow.Add(time.Hour), Features: []Feature{"Bad"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Issue(tt.payload, priv)
			assert.Error(t, err)
		})
	}

	_, err := g.Issue(Payload{Tier: TierTeam, CustomerID: "c", ExpiresAt: testNow.Add(time.Hour)}, nil)
	assert.ErrorIs(t, err, ErrNoSigningKey)
}

func TestRotateRequiresClaims(t *testing.T) {
	oldKey, newKey := testKeys(t)
	g := newTestGenerator()

	claims := validClaims()
	delete(claims, "customerId")
	token := signMap(t, claims, oldKey)

	_, err := g.Rotate(newKey, token)
	require.ErrorIs(t, err, ErrRotateMissingClaims)
	assert.Contains(t, err.Error(), "customerId")

	_, err = g.Rotate(newKey, "not.a.token")
	assert.Error(t, err)

	_, err = g.Rotate(nil, signMap(t, validClaims(), oldKey))
	assert.ErrorIs(t, err, ErrNoSigningKey)
}

func TestRotatePreservesClaims(t *testing.T) {
	oldKey, newKey := testKeys(t)
	g := newTestGenerator()

	original := validClaims()
	original["quota"] = 25000
	original["jti"] = "old-id"
	token := signMap(t, original, oldKey)

	rotated, err := g.Rotate(newKey, token)
	require.NoError(t, err)

	lic, err := newTestValidator(&newKey.PublicKey).Verify(rotated)
	require.NoError(t, err)
	assert.Equal(t, TierTeam, lic.Tier)
	assert.Equal(t, []Feature{FeatureSSOSAML}, lic.Features)
	require.NotNil(t, lic.QuotaHint)
	assert.Equal(t, int64(25000), *lic.QuotaHint)

	_, claims, err := decodeUnverified(rotated)
	require.NoError(t, err)
	assert.NotEqual(t, "old-id", claims["jti"])

	_, err = newTestValidator(&oldKey.PublicKey).Verify(rotated)
	assert.ErrorIs(t, err, &ValidationError{Kind: KindInvalidSignature})
}

func TestRotateFillsMissingIssuerAndAudience(t *testing.T) {
	oldKey, newKey := testKeys(t)
	g := newTestGenerator()

	claims := jwt.MapClaims{}
	for k, v := range validClaims() {
		claims[k] = v
	}
	delete(claims, "iss")
	delete(claims, "aud")

	rotated, err := g.Rotate(newKey, signMap(t, claims, oldKey))
	require.NoError(t, err)
	_, err = newTestValidator(&newKey.PublicKey).Verify(rotated)
	assert.NoError(t, err)
}

func TestLicenseHelpers(t *testing.T) {
	lic := &License{
		Tier:      TierIndividual,
		Features:  []Feature{FeatureAuditExport},
		IssuedAt:  testNow.Add(-time.Hour),
		ExpiresAt: testNow.Add(36 * time.Hour),
		RawToken:  "abc",
	}
	assert.True(t, lic.ValidAt(testNow))
	assert.False(t, lic.ValidAt(testNow.Add(48*time.Hour)))
	assert.Equal(t, 2, lic.DaysRemaining(testNow))
	assert.Equal(t, 0, lic.DaysRemaining(testNow.Add(72*time.Hour)))
	assert.Contains(t, lic.AllFeatures(), FeatureAuditExport)
	assert.Contains(t, lic.AllFeatures(), FeaturePrivateSkills)
	assert.Len(t, lic.Fingerprint(), 12)
	assert.Empty(t, Fingerprint(""))

	var none *License
	assert.False(t, none.HasFeature(FeaturePrivateSkills))
}
