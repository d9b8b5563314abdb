package denial

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillgate/skillgate/internal/licensing"
)

func TestCommunityDeniedEnterpriseFeature(t *testing.T) {
	b := NewBuilder("")
	d := b.FeatureNotAvailable(licensing.FeatureSSOSAML, licensing.TierCommunity)

	assert.Equal(t, KindFeatureNotAvailable, d.Kind)
	assert.Equal(t, licensing.TierEnterprise, d.RequiredTier)
	assert.Contains(t, d.Message, "enterprise")
	assert.Contains(t, d.Message, "SAML Single Sign-On")
	assert.Contains(t, d.UpgradeURL, "from=community&to=enterprise")
	assert.Contains(t, d.UpgradeURL, "feature=sso_saml")
	assert.True(t, strings.HasPrefix(d.UpgradeURL, DefaultUpgradeBaseURL+"?"))
	assert.NotEmpty(t, d.NextStep)
}

func TestUpgradeURLIsDeterministic(t *testing.T) {
	a := UpgradeURL("https://example.test/up", licensing.FeatureAuditExport, licensing.TierTeam, licensing.TierEnterprise)
	b := UpgradeURL("https://example.test/up", licensing.FeatureAuditExport, licensing.TierTeam, licensing.TierEnterprise)
	assert.Equal(t, a, b)
	assert.Equal(t, "https://example.test/up?feature=audit_export&from=team&to=enterprise", a)

	assert.Equal(t, "https://example.test/up?from=community&to=individual",
		UpgradeURL("https://example.test/up", "", licensing.TierCommunity, licensing.TierIndividual))
}

func TestUnknownFeatureIsUnknownKind(t *testing.T) {
	d := NewBuilder("").FeatureNotAvailable("teleportation", licensing.TierTeam)
	assert.Equal(t, KindUnknown, d.Kind)
	assert.Empty(t, d.UpgradeURL)
}

func TestFromValidation(t *testing.T) {
	b := NewBuilder("")
	expiredAt := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"expired", &licensing.ValidationError{Kind: licensing.KindTokenExpired, ExpiredAt: expiredAt, Tier: licensing.TierTeam}, KindLicenseExpired},
		{"signature", &licensing.ValidationError{Kind: licensing.KindInvalidSignature}, KindLicenseInvalid},
		{"malformed", &licensing.ValidationError{Kind: licensing.KindMalformedToken}, KindLicenseInvalid},
		{"missing claims", &licensing.ValidationError{Kind: licensing.KindMissingClaims}, KindLicenseInvalid},
		{"not yet valid", &licensing.ValidationError{Kind: licensing.KindTokenNotYetValid}, KindLicenseInvalid},
		{"key unavailable", &licensing.ValidationError{Kind: licensing.KindKeyUnavailable}, KindLicenseMisconfigured},
		{"unknown kind", &licensing.ValidationError{Kind: licensing.KindUnknown}, KindUnknown},
		{"plain error", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := b.FromValidation(tt.err)
			assert.Equal(t, tt.want, d.Kind)
			assert.NotEmpty(t, d.NextStep)
			assert.ErrorIs(t, d, &Error{Kind: tt.want})
		})
	}

	d := b.FromValidation(&licensing.ValidationError{Kind: licensing.KindTokenExpired, ExpiredAt: expiredAt, Tier: licensing.TierTeam})
	assert.Contains(t, d.Message, "2026-01-02")
	assert.Contains(t, d.UpgradeURL, "tier=team")

	d = b.FromValidation(&licensing.ValidationError{Kind: licensing.KindInvalidSignature})
	assert.Equal(t, licensing.KindInvalidSignature, d.Reason)
	var verr *licensing.ValidationError
	assert.True(t, errors.As(d, &verr))
}

func TestQuotaExceededPayload(t *testing.T) {
	d := NewBuilder("https://example.test/up").QuotaExceeded("monthly_units", 10, 10, licensing.TierCommunity, 90*time.Second)
	assert.Equal(t, licensing.TierIndividual, d.RequiredTier)
	assert.Equal(t, "https://example.test/up?from=community&to=individual", d.UpgradeURL)

	raw, err := json.Marshal(d.Payload())
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "quota_exceeded", body["code"])
	assert.Equal(t, float64(10), body["max"])
	assert.Equal(t, float64(10), body["current"])
	assert.Equal(t, float64(90), body["retry_after_seconds"])
	assert.Equal(t, "community", body["current_tier"])
	assert.NotEmpty(t, body["suggestions"])

	top := NewBuilder("").QuotaExceeded("monthly_units", 5, 5, licensing.TierEnterprise, 0)
	assert.Empty(t, top.UpgradeURL, "no tier above enterprise")
}

func TestTextRendering(t *testing.T) {
	d := NewBuilder("").FeatureNotAvailable(licensing.FeatureTeamWorkspaces, licensing.TierIndividual)
	text := d.Text()
	assert.Contains(t, text, d.Message)
	assert.Contains(t, text, "Next step: ")
	assert.Contains(t, text, "Upgrade: "+d.UpgradeURL)
}

func TestExpirationWarning(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	assert.Equal(t, "expires in 15 days", ExpirationWarning(now.Add(15*day), now))
	assert.Equal(t, "expires in 1 day", ExpirationWarning(now.Add(day), now))
	assert.Equal(t, "expires in 1 day", ExpirationWarning(now.Add(time.Hour), now))
	assert.Equal(t, "expires in 30 days", ExpirationWarning(now.Add(30*day), now))
	assert.Empty(t, ExpirationWarning(now.Add(31*day), now))
	assert.Empty(t, ExpirationWarning(now.Add(-time.Minute), now))
	assert.Empty(t, ExpirationWarning(now, now))
}

func TestCompareAndPrompt(t *testing.T) {
	b := NewBuilder("https://example.test/up")
	rows := b.Compare(licensing.TierIndividual, nil)
	require.Len(t, rows, len(licensing.Tiers))

	assert.Empty(t, rows[0].UpgradeURL)
	assert.True(t, rows[1].Current)
	assert.Empty(t, rows[1].UpgradeURL)
	assert.Equal(t, "https://example.test/up?from=individual&to=team", rows[2].UpgradeURL)
	assert.Equal(t, licensing.Unlimited, rows[3].MonthlyUnits)
	assert.Contains(t, rows[3].NewFeatures, licensing.FeatureSSOSAML)

	p := b.PromptFor(b.FeatureNotAvailable(licensing.FeatureSSOSAML, licensing.TierCommunity), nil)
	require.NotNil(t, p)
	assert.Equal(t, licensing.TierEnterprise, p.To)
	assert.Contains(t, p.UpgradeURL, "feature=sso_saml")
	assert.Len(t, p.Comparison, len(licensing.Tiers))

	assert.Nil(t, b.PromptFor(b.NotFound(), nil))
	assert.Nil(t, b.PromptFor(b.QuotaExceeded("monthly_units", 1, 1, licensing.TierEnterprise, 0), nil))
}

func TestSuggestionsCoverEveryKind(t *testing.T) {
	b := NewBuilder("")
	denials := map[Kind]*Error{
		KindLicenseExpired:       b.Expired(time.Now(), licensing.TierTeam),
		KindLicenseInvalid:       b.Invalid(licensing.KindInvalidSignature, "", nil),
		KindLicenseNotFound:      b.NotFound(),
		KindFeatureNotAvailable:  b.FeatureNotAvailable(licensing.FeatureAuditExport, licensing.TierTeam),
		KindQuotaExceeded:        b.QuotaExceeded("monthly_units", 1, 1, licensing.TierTeam, time.Minute),
		KindLicenseMisconfigured: b.Misconfigured("", nil),
		KindUnknown:              b.Unknown(errors.New("x")),
	}
	for _, kind := range Kinds {
		d, ok := denials[kind]
		require.True(t, ok, "kind %s", kind)
		assert.NotEmpty(t, SuggestionsFor(d), "kind %s", kind)
	}

	invalid := SuggestionsFor(b.Invalid(licensing.KindInvalidSignature, "", nil))
	assert.Equal(t, ActionReloadKey, invalid[0].Action)
	assert.True(t, invalid[0].AutoRecoverable)

	feature := SuggestionsFor(denials[KindFeatureNotAvailable])
	assert.Equal(t, ActionUpgrade, feature[0].Action)
	assert.False(t, feature[0].AutoRecoverable)
}

type fakeRecoverer struct {
	performed []Action
	succeedOn int
	verifies  int
}

func (f *fakeRecoverer) Perform(_ context.Context, a Action) error {
	f.performed = append(f.performed, a)
	return nil
}

func (f *fakeRecoverer) Verify(context.Context, *Error) error {
	f.verifies++
	if f.succeedOn > 0 && f.verifies >= f.succeedOn {
		return nil
	}
	return errors.New("still broken")
}

func TestAttemptStopsAtFirstSuccess(t *testing.T) {
	r := &fakeRecoverer{succeedOn: 2}
	var seen []AttemptRecord
	obs := ObserverFunc(func(rec AttemptRecord) { seen = append(seen, rec) })

	d := NewBuilder("").Invalid(licensing.KindInvalidSignature, "", nil)
	out := Attempt(context.Background(), d, r, Policy{MaxRetries: 3}, obs)

	assert.True(t, out.Recovered)
	assert.Equal(t, ActionClearCache, out.Action)
	assert.Equal(t, []Action{ActionReloadKey, ActionClearCache}, r.performed)
	assert.Len(t, out.Attempts, 2)
	assert.Equal(t, out.Attempts, seen)
	assert.Equal(t, "still broken", out.Attempts[0].Error)
	assert.NoError(t, out.Err)
}

func TestAttemptIsBounded(t *testing.T) {
	r := &fakeRecoverer{}
	d := NewBuilder("").Invalid(licensing.KindMalformedToken, "", nil)
	out := Attempt(context.Background(), d, r, Policy{MaxRetries: 5, Delay: time.Millisecond}, nil)

	assert.False(t, out.Recovered)
	assert.Len(t, out.Attempts, 5)
	assert.Len(t, r.performed, 5)
	for _, a := range r.performed {
		assert.NotEqual(t, ActionReplaceToken, a, "manual steps never run")
	}
	require.NotEmpty(t, out.Remaining)
	for _, s := range out.Remaining {
		assert.False(t, s.AutoRecoverable)
	}
	assert.EqualError(t, out.Err, "still broken")
}

func TestAttemptWithoutAutomaticSteps(t *testing.T) {
	r := &fakeRecoverer{}
	d := NewBuilder("").QuotaExceeded("monthly_units", 1, 1, licensing.TierTeam, time.Minute)
	out := Attempt(context.Background(), d, r, DefaultPolicy(), nil)

	assert.False(t, out.Recovered)
	assert.Empty(t, out.Attempts)
	assert.Empty(t, r.performed)
	assert.ErrorIs(t, out.Err, ErrNotRecoverable)
}

func TestAttemptHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := Attempt(ctx, NewBuilder("").Unknown(errors.New("x")), &fakeRecoverer{}, DefaultPolicy(), nil)
	assert.False(t, out.Recovered)
	assert.Empty(t, out.Attempts)
	assert.ErrorIs(t, out.Err, context.Canceled)
}
