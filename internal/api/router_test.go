package api

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillgate/skillgate/internal/admission"
	"github.com/skillgate/skillgate/internal/auth"
	"github.com/skillgate/skillgate/internal/config"
	"github.com/skillgate/skillgate/internal/denial"
	"github.com/skillgate/skillgate/internal/entitlement"
	"github.com/skillgate/skillgate/internal/licensing"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
	keyErr  error
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() { testKey, keyErr = licensing.GenerateKeyPair() })
	require.NoError(t, keyErr)
	return testKey
}

func issue(t *testing.T, tier licensing.Tier, validFor time.Duration) string {
	t.Helper()
	token, err := licensing.NewGenerator("", "").IssueForTier(tier, "cus_api", validFor, signingKey(t))
	require.NoError(t, err)
	return token
}

func newServer(t *testing.T, token string, mods ...func(*entitlement.Options, *config.ServerConfig)) http.Handler {
	t.Helper()
	key := signingKey(t)
	opts := entitlement.Options{
		Token:     token,
		Keys:      licensing.NewStaticKeyStore(&key.PublicKey),
		LookupEnv: func(string) (string, bool) { return "", false },
		Admission: admission.Config{RatePerSecond: -1},
		Recovery:  denial.Policy{MaxRetries: 1, Delay: time.Millisecond},
	}
	cfg := config.ServerConfig{AllowedOrigins: []string{"*"}, ValidateRateLimit: 30}
	for _, mod := range mods {
		mod(&opts, &cfg)
	}
	return NewRouter(entitlement.New(opts), cfg)
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealthAndVersion(t *testing.T) {
	h := newServer(t, "")

	rec := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	rec = do(t, h, http.MethodGet, "/api/version", nil)
	assert.JSONEq(t, `{"version":"dev"}`, rec.Body.String())
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := newServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
}

func TestGetLicense(t *testing.T) {
	t.Run("community default", func(t *testing.T) {
		rec := do(t, newServer(t, ""), http.MethodGet, "/api/license", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var info entitlement.LicenseInfo
		decode(t, rec, &info)
		assert.False(t, info.Licensed)
		assert.Equal(t, licensing.TierCommunity, info.Tier)
	})

	t.Run("team with warning", func(t *testing.T) {
		rec := do(t, newServer(t, issue(t, licensing.TierTeam, 15*24*time.Hour)), http.MethodGet, "/api/license", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var info entitlement.LicenseInfo
		decode(t, rec, &info)
		assert.True(t, info.Licensed)
		assert.Equal(t, licensing.TierTeam, info.Tier)
		assert.Equal(t, "cus_api", info.CustomerID)
		assert.NotEmpty(t, rec.Header().Get(entitlement.HeaderLicenseWarning))
	})

	t.Run("invalid token is not downgraded", func(t *testing.T) {
		rec := do(t, newServer(t, "not-a-token"), http.MethodGet, "/api/license", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		var p denial.Payload
		decode(t, rec, &p)
		assert.Equal(t, denial.KindLicenseInvalid, p.Code)
	})
}

func TestValidateLicense(t *testing.T) {
	h := newServer(t, "")

	rec := do(t, h, http.MethodPost, "/api/license/validate", validateRequest{Token: issue(t, licensing.TierIndividual, 40*24*time.Hour)})
	require.Equal(t, http.StatusOK, rec.Code)
	var res entitlement.ValidationResult
	decode(t, rec, &res)
	assert.True(t, res.Valid)
	assert.Equal(t, licensing.TierIndividual, res.License.Tier)
	assert.Empty(t, res.Warning)

	rec = do(t, h, http.MethodPost, "/api/license/validate", validateRequest{Token: "abc.def.ghi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	res = entitlement.ValidationResult{}
	decode(t, rec, &res)
	assert.False(t, res.Valid)
	require.NotNil(t, res.Error)
	assert.Equal(t, denial.KindLicenseInvalid, res.Error.Code)

	rec = do(t, h, http.MethodPost, "/api/license/validate", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/license/validate", map[string]string{"bogus": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateIsRateLimited(t *testing.T) {
	h := newServer(t, "", func(_ *entitlement.Options, cfg *config.ServerConfig) {
		cfg.ValidateRateLimit = 2
	})
	body := validateRequest{Token: "x"}
	for i := 0; i < 2; i++ {
		assert.NotEqual(t, http.StatusTooManyRequests, do(t, h, http.MethodPost, "/api/license/validate", body).Code)
	}
	rec := do(t, h, http.MethodPost, "/api/license/validate", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestValidateLimitIgnoresForwardedForByDefault(t *testing.T) {
	limited := func(h http.Handler, forwarded string) int {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(validateRequest{Token: "x"}))
		req := httptest.NewRequest(http.MethodPost, "/api/license/validate", &buf)
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	h := newServer(t, "", func(_ *entitlement.Options, cfg *config.ServerConfig) {
		cfg.ValidateRateLimit = 1
	})
	assert.NotEqual(t, http.StatusTooManyRequests, limited(h, "198.51.100.1"))
	assert.Equal(t, http.StatusTooManyRequests, limited(h, "198.51.100.2"), "rotating the header does not reset the limit")

	proxied := newServer(t, "", func(_ *entitlement.Options, cfg *config.ServerConfig) {
		cfg.ValidateRateLimit = 1
		cfg.TrustProxy = true
	})
	assert.NotEqual(t, http.StatusTooManyRequests, limited(proxied, "198.51.100.1"))
	assert.NotEqual(t, http.StatusTooManyRequests, limited(proxied, "198.51.100.2"))
	assert.Equal(t, http.StatusTooManyRequests, limited(proxied, "198.51.100.2"))
}

func TestCheckFeature(t *testing.T) {
	h := newServer(t, "")

	rec := do(t, h, http.MethodGet, "/api/features/sso_saml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res checkResponse
	decode(t, rec, &res)
	assert.False(t, res.Valid)
	assert.Equal(t, denial.KindFeatureNotAvailable, res.Code)
	assert.Contains(t, res.Message, "enterprise")
	assert.Contains(t, res.UpgradeURL, "from=community&to=enterprise")
	require.NotNil(t, res.Prompt)
	assert.Equal(t, licensing.TierEnterprise, res.Prompt.To)

	rec = do(t, h, http.MethodGet, "/api/features/teleport", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckTool(t *testing.T) {
	h := newServer(t, issue(t, licensing.TierIndividual, 90*24*time.Hour))

	var res checkResponse
	decode(t, do(t, h, http.MethodGet, "/api/tools/registry_sync", nil), &res)
	assert.True(t, res.Valid)

	res = checkResponse{}
	decode(t, do(t, h, http.MethodGet, "/api/tools/workspace_create", nil), &res)
	assert.False(t, res.Valid)
	assert.Equal(t, denial.KindFeatureNotAvailable, res.Code)
}

func TestAdmitAndQuota(t *testing.T) {
	h := newServer(t, "", func(o *entitlement.Options, _ *config.ServerConfig) {
		o.Quotas = licensing.QuotaTable{licensing.TierCommunity: {MonthlyUnits: 2}}
	})

	rec := do(t, h, http.MethodPost, "/api/admit", admitRequest{CustomerID: "cus_1", Cost: 2})
	require.Equal(t, http.StatusOK, rec.Code)
	var res admission.Result
	decode(t, rec, &res)
	assert.Equal(t, admission.Admitted, res.Outcome)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Equal(t, "Monthly quota reached (2/2 units used)", rec.Header().Get(entitlement.HeaderQuotaWarning))

	rec = do(t, h, http.MethodPost, "/api/admit", admitRequest{CustomerID: "cus_1", Cost: 1})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	var p denial.Payload
	decode(t, rec, &p)
	assert.Equal(t, denial.KindQuotaExceeded, p.Code)
	assert.Equal(t, entitlement.QuotaMonthlyUnits, p.QuotaType)

	rec = do(t, h, http.MethodGet, "/api/quota/cus_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var usage admission.Usage
	decode(t, rec, &usage)
	assert.Equal(t, "cus_1", usage.CustomerID)
	assert.Equal(t, int64(2), usage.Used)
	assert.Equal(t, int64(2), usage.Limit)

	rec = do(t, h, http.MethodPost, "/api/admit", admitRequest{Cost: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmitWithBrokenLicense(t *testing.T) {
	h := newServer(t, "junk")
	rec := do(t, h, http.MethodPost, "/api/admit", admitRequest{CustomerID: "cus_1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/quota/cus_1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTiers(t *testing.T) {
	rec := do(t, newServer(t, issue(t, licensing.TierTeam, 60*24*time.Hour)), http.MethodGet, "/api/tiers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []denial.TierRow
	decode(t, rec, &rows)
	require.Len(t, rows, len(licensing.Tiers))
	for _, row := range rows {
		assert.Equal(t, row.Tier == licensing.TierTeam, row.Current)
		assert.Equal(t, row.Tier > licensing.TierTeam, row.UpgradeURL != "")
	}
}

func TestRecoverAndClearCache(t *testing.T) {
	h := newServer(t, "")
	rec := do(t, h, http.MethodPost, "/api/license/recover", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp recoverResponse
	decode(t, rec, &resp)
	assert.True(t, resp.Recovered)
	assert.Nil(t, resp.Denial)

	h = newServer(t, "junk")
	rec = do(t, h, http.MethodPost, "/api/license/recover", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = recoverResponse{}
	decode(t, rec, &resp)
	assert.False(t, resp.Recovered)
	require.NotNil(t, resp.Denial)
	assert.Equal(t, denial.KindLicenseInvalid, resp.Denial.Code)

	rec = do(t, h, http.MethodPost, "/api/cache/clear", nil)
	assert.JSONEq(t, `{"status":"cleared"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h := newServer(t, "")
	do(t, h, http.MethodGet, "/api/features/sso_saml", nil)

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "skillgate_entitlement_checks_total"))
}

func TestOperatorEndpointsRequireAdminToken(t *testing.T) {
	token, err := auth.GenerateToken()
	require.NoError(t, err)
	hash, err := auth.HashToken(token)
	require.NoError(t, err)
	h := newServer(t, "", func(_ *entitlement.Options, cfg *config.ServerConfig) {
		cfg.AdminTokenHash = hash
	})

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/cache/clear", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/quota/cus_1", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/license", nil).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/cache/clear", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newServer(t, "")
	req := httptest.NewRequest(http.MethodOptions, "/api/admit", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
