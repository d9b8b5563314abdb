package entitlement

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillgate/skillgate/internal/denial"
	"github.com/skillgate/skillgate/internal/licensing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func decodePayload(t *testing.T, rec *httptest.ResponseRecorder) denial.Payload {
	t.Helper()
	var p denial.Payload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestRequireFeatureMiddleware(t *testing.T) {
	f := newFixture(t)
	h := RequireFeature(f.engine, licensing.FeatureSSOSAML)(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sso", nil))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	p := decodePayload(t, rec)
	assert.Equal(t, denial.KindFeatureNotAvailable, p.Code)
	assert.Equal(t, "sso_saml", p.Feature)
	assert.Equal(t, "community", p.CurrentTier)
	assert.Equal(t, "enterprise", p.RequiredTier)
	assert.Contains(t, p.UpgradeURL, "from=community&to=enterprise")
	assert.NotEmpty(t, p.Suggestions)

	f.env.Set(DefaultTokenEnv, issue(t, licensing.TierEnterprise, 10*24*time.Hour))
	f.engine.InvalidateCache()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sso", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "License expires in 10 days", rec.Header().Get(HeaderLicenseWarning))
}

func TestRequireToolMiddleware(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	RequireTool(f.engine, "skill_search")(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	f.env.Set(DefaultTokenEnv, "junk")
	rec = httptest.NewRecorder()
	RequireTool(f.engine, "registry_sync")(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, denial.KindLicenseInvalid, decodePayload(t, rec).Code)
}

func TestMeterMiddleware(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Quotas = licensing.QuotaTable{licensing.TierCommunity: {MonthlyUnits: 2}}
	})
	h := Meter(f.engine, 1, nil)(okHandler)

	serve := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/run", nil)
		req.Header.Set(HeaderCustomerID, "cus_http")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := serve()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get(HeaderQuotaRemaining))

	rec = serve()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get(HeaderQuotaRemaining))
	assert.Equal(t, "Monthly quota reached (2/2 units used)", rec.Header().Get(HeaderQuotaWarning))

	rec = serve()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	p := decodePayload(t, rec)
	assert.Equal(t, denial.KindQuotaExceeded, p.Code)
	require.NotNil(t, p.Max)
	require.NotNil(t, p.Current)
	assert.Equal(t, int64(2), *p.Max)
	assert.Equal(t, int64(2), *p.Current)
}

func TestStatusFor(t *testing.T) {
	b := denial.NewBuilder("")
	assert.Equal(t, http.StatusPaymentRequired, StatusFor(b.NotFound()))
	assert.Equal(t, http.StatusPaymentRequired, StatusFor(b.Expired(time.Time{}, licensing.TierTeam)))
	assert.Equal(t, http.StatusTooManyRequests, StatusFor(b.QuotaExceeded(QuotaMonthlyUnits, 1, 1, licensing.TierTeam, 0)))
	assert.Equal(t, http.StatusForbidden, StatusFor(b.Invalid(licensing.KindInvalidSignature, "", nil)))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(b.Misconfigured("", nil)))
}
