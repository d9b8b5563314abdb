// Package entitlement is the entry point for gated operations. It resolves the
// configured license, answers feature and tool checks, meters usage and turns
// every failure into a denial.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skillgate/skillgate/internal/admission"
	"github.com/skillgate/skillgate/internal/denial"
	"github.com/skillgate/skillgate/internal/licensing"
	"github.com/skillgate/skillgate/internal/metrics"
)

const (
	DefaultTokenEnv     = "SKILLGATE_LICENSE_TOKEN"
	DefaultPublicKeyEnv = "SKILLGATE_LICENSE_PUBLIC_KEY"
	DefaultCacheTTL     = 60 * time.Second
)

// Quota types reported in quota denials.
const (
	QuotaMonthlyUnits = "monthly_units"
	QuotaRequestRate  = "request_rate"
)

// Options configures an Engine. Zero values select defaults.
type Options struct {
	// Token is used as-is when set; otherwise the token is read from TokenEnv
	// on every resolution.
	Token    string
	TokenEnv string
	// Keys defaults to a store reading DefaultPublicKeyEnv.
	Keys      *licensing.KeyStore
	Validator licensing.ValidatorConfig
	// CacheTTL bounds how long a resolved license is reused. A negative TTL
	// disables the cache.
	CacheTTL       time.Duration
	Quotas         licensing.QuotaTable
	Admission      admission.Config
	UpgradeBaseURL string
	Recovery       denial.Policy
	Now            func() time.Time
	LookupEnv      func(string) (string, bool)
}

// Engine composes the validator, the tier map, the admission controller and
// the denial builder. One Engine is created per application and passed to
// whatever needs it.
type Engine struct {
	token     string
	tokenEnv  string
	lookupEnv func(string) (string, bool)
	validator *licensing.Validator
	admission *admission.Controller
	denials   *denial.Builder
	quotas    licensing.QuotaTable
	cacheTTL  time.Duration
	recovery  denial.Policy
	now       func() time.Time

	mu     sync.Mutex
	cached *cacheEntry
	prev   *LicenseInfo
}

type cacheEntry struct {
	info *LicenseInfo
	err  *denial.Error
	at   time.Time
}

func (c *cacheEntry) result() (*LicenseInfo, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.info, nil
}

// New creates an engine.
func New(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.TokenEnv == "" {
		opts.TokenEnv = DefaultTokenEnv
	}
	if opts.Keys == nil {
		opts.Keys = licensing.NewKeyStore(
			licensing.KeySource{EnvVar: DefaultPublicKeyEnv}, 0,
			licensing.WithEnvLookup(opts.LookupEnv))
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Quotas == nil {
		opts.Quotas = licensing.DefaultQuotas
	}
	if opts.Admission.Quotas == nil {
		opts.Admission.Quotas = opts.Quotas
	}
	if opts.Admission.Now == nil {
		opts.Admission.Now = opts.Now
	}
	if opts.Recovery == (denial.Policy{}) {
		opts.Recovery = denial.DefaultPolicy()
	}

	v := licensing.NewValidator(opts.Keys, opts.Validator)
	v.SetClock(opts.Now)

	return &Engine{
		token:     strings.TrimSpace(opts.Token),
		tokenEnv:  opts.TokenEnv,
		lookupEnv: opts.LookupEnv,
		validator: v,
		admission: admission.New(opts.Admission),
		denials:   denial.NewBuilder(opts.UpgradeBaseURL),
		quotas:    opts.Quotas,
		cacheTTL:  opts.CacheTTL,
		recovery:  opts.Recovery,
		now:       opts.Now,
	}
}

// LicenseInfo describes the license in effect.
type LicenseInfo struct {
	// Licensed is false when no token is configured and the community tier
	// applies.
	Licensed      bool                `json:"licensed"`
	Tier          licensing.Tier      `json:"tier"`
	TierName      string              `json:"tier_name"`
	Features      []licensing.Feature `json:"features"`
	CustomerID    string              `json:"customer_id,omitempty"`
	IssuedAt      *time.Time          `json:"issued_at,omitempty"`
	ExpiresAt     *time.Time          `json:"expires_at,omitempty"`
	DaysRemaining int                 `json:"days_remaining,omitempty"`
	Warning       string              `json:"warning,omitempty"`
	MonthlyUnits  int64               `json:"monthly_units"`
	QuotaHint     *int64              `json:"quota_hint,omitempty"`
	Fingerprint   string              `json:"fingerprint,omitempty"`

	license *licensing.License
}

// HasFeature reports whether the license grants f.
func (i *LicenseInfo) HasFeature(f licensing.Feature) bool {
	if i.license != nil {
		return i.license.HasFeature(f)
	}
	return licensing.TierIncludes(i.Tier, f)
}

// License returns the validated license, or nil on the community default.
func (i *LicenseInfo) License() *licensing.License {
	return i.license
}

func (e *Engine) communityInfo() *LicenseInfo {
	return &LicenseInfo{
		Tier:         licensing.TierCommunity,
		TierName:     licensing.TierCommunity.DisplayName(),
		Features:     []licensing.Feature{},
		MonthlyUnits: e.quotas.For(licensing.TierCommunity).MonthlyUnits,
	}
}

func (e *Engine) infoFor(lic *licensing.License, now time.Time) *LicenseInfo {
	issued, expires := lic.IssuedAt, lic.ExpiresAt
	info := &LicenseInfo{
		Licensed:      true,
		Tier:          lic.Tier,
		TierName:      lic.Tier.DisplayName(),
		Features:      lic.AllFeatures(),
		CustomerID:    lic.CustomerID,
		IssuedAt:      &issued,
		ExpiresAt:     &expires,
		DaysRemaining: lic.DaysRemaining(now),
		MonthlyUnits:  e.quotas.For(lic.Tier).MonthlyUnits,
		QuotaHint:     lic.QuotaHint,
		Fingerprint:   lic.Fingerprint(),
		license:       lic,
	}
	if w := denial.ExpirationWarning(lic.ExpiresAt, now); w != "" {
		info.Warning = "License " + w
	}
	return info
}

func (e *Engine) configuredToken() string {
	if e.token != "" {
		return e.token
	}
	if v, ok := e.lookupEnv(e.tokenEnv); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// LicenseInfo returns the license in effect. With no token configured it
// returns the community tier; a configured token that fails validation is an
// error (always a *denial.Error), never a fallback to community.
// Results are cached for the configured TTL, or until the license expires.
func (e *Engine) LicenseInfo() (*LicenseInfo, error) {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if c := e.cached; c != nil && e.fresh(c, now) {
		return c.result()
	}

	info, d := e.resolve(now)
	if info != nil {
		e.detectDowngrade(info)
		e.prev = info
	}
	e.cached = &cacheEntry{info: info, err: d, at: now}
	return e.cached.result()
}

func (e *Engine) fresh(c *cacheEntry, now time.Time) bool {
	if e.cacheTTL < 0 || now.Sub(c.at) >= e.cacheTTL {
		return false
	}
	if c.info != nil && c.info.ExpiresAt != nil && now.After(*c.info.ExpiresAt) {
		return false
	}
	return true
}

func (e *Engine) resolve(now time.Time) (*LicenseInfo, *denial.Error) {
	token := e.configuredToken()
	if token == "" {
		log.Debug().Msg("No license token configured, using community tier")
		return e.communityInfo(), nil
	}

	lic, err := e.validator.VerifyAt(token, now)
	if err != nil {
		d := e.denials.FromValidation(err)
		log.Warn().
			Str("kind", string(d.Kind)).
			Str("reason", string(d.Reason)).
			Str("token", licensing.Fingerprint(token)).
			Msg("Configured license token rejected")
		return nil, d
	}
	return e.infoFor(lic, now), nil
}

func (e *Engine) detectDowngrade(info *LicenseInfo) {
	if e.prev == nil || !e.prev.Licensed || info.Tier >= e.prev.Tier {
		return
	}
	metrics.Get().RecordDowngrade()
	log.Warn().
		Str("from", e.prev.Tier.String()).
		Str("to", info.Tier.String()).
		Str("customer_id", info.CustomerID).
		Msg("License tier downgraded")
}

// RequireLicense is LicenseInfo for callers that need a paid license; the
// community default is reported as license_not_found.
func (e *Engine) RequireLicense() (*LicenseInfo, error) {
	info, err := e.LicenseInfo()
	if err != nil {
		return nil, err
	}
	if !info.Licensed {
		return nil, e.denials.NotFound()
	}
	return info, nil
}

// InvalidateCache drops the cached license so the next call re-resolves it.
func (e *Engine) InvalidateCache() {
	e.mu.Lock()
	e.cached = nil
	e.mu.Unlock()
}

// ClearKeyCache drops the cached verification key and the cached license.
func (e *Engine) ClearKeyCache() {
	e.validator.ClearKeyCache()
	e.InvalidateCache()
}

// RefreshLicense re-resolves the license immediately.
func (e *Engine) RefreshLicense() (*LicenseInfo, error) {
	e.InvalidateCache()
	return e.LicenseInfo()
}

func (e *Engine) currentTier() licensing.Tier {
	info, err := e.LicenseInfo()
	if err != nil {
		return licensing.TierCommunity
	}
	return info.Tier
}

// ValidationResult is the outcome of validating a caller-supplied token.
type ValidationResult struct {
	Valid         bool                `json:"valid"`
	License       *licensing.License  `json:"license,omitempty"`
	Features      []licensing.Feature `json:"features,omitempty"`
	DaysRemaining int                 `json:"days_remaining,omitempty"`
	Warning       string              `json:"warning,omitempty"`
	Error         *denial.Payload     `json:"error,omitempty"`
	Denial        *denial.Error       `json:"-"`
}

// Validate verifies token without touching the configured license.
func (e *Engine) Validate(token string) ValidationResult {
	now := e.now()
	lic, err := e.validator.VerifyAt(token, now)
	if err != nil {
		d := e.denials.FromValidation(err)
		p := d.Payload()
		return ValidationResult{Error: &p, Denial: d}
	}
	res := ValidationResult{
		Valid:         true,
		License:       lic,
		Features:      lic.AllFeatures(),
		DaysRemaining: lic.DaysRemaining(now),
	}
	if w := denial.ExpirationWarning(lic.ExpiresAt, now); w != "" {
		res.Warning = "License " + w
	}
	return res
}

// CheckResult is the answer to a feature or tool check.
type CheckResult struct {
	Valid      bool          `json:"valid"`
	Code       denial.Kind   `json:"code,omitempty"`
	Message    string        `json:"message,omitempty"`
	UpgradeURL string        `json:"upgrade_url,omitempty"`
	Warning    string        `json:"warning,omitempty"`
	Denial     *denial.Error `json:"-"`
}

func deniedResult(d *denial.Error) CheckResult {
	return CheckResult{
		Code:       d.Kind,
		Message:    d.Message,
		UpgradeURL: d.UpgradeURL,
		Denial:     d,
	}
}

// CheckFeature reports whether the license in effect grants feature.
func (e *Engine) CheckFeature(feature licensing.Feature) CheckResult {
	res := e.checkFeature(feature)
	metrics.Get().RecordCheck("feature", res.Valid)
	return res
}

func (e *Engine) checkFeature(feature licensing.Feature) CheckResult {
	info, err := e.LicenseInfo()
	if err != nil {
		return deniedResult(e.asDenial(err))
	}
	if info.HasFeature(feature) {
		return CheckResult{Valid: true, Warning: info.Warning}
	}
	d := e.denials.FeatureNotAvailable(feature, info.Tier)
	log.Debug().
		Str("feature", string(feature)).
		Str("tier", info.Tier.String()).
		Str("kind", string(d.Kind)).
		Msg("Feature denied")
	res := deniedResult(d)
	res.Warning = info.Warning
	return res
}

// CheckTool checks the feature behind a product operation. Operations that
// need no feature, and operations the table does not list, are allowed
// without resolving the license.
func (e *Engine) CheckTool(operation string) CheckResult {
	feature, known := FeatureForOperation(operation)
	if !known || feature == "" {
		if !known {
			log.Debug().Str("operation", operation).Msg("Operation not gated")
		}
		metrics.Get().RecordCheck("tool", true)
		return CheckResult{Valid: true}
	}
	res := e.checkFeature(feature)
	metrics.Get().RecordCheck("tool", res.Valid)
	return res
}

func (e *Engine) asDenial(err error) *denial.Error {
	if d, ok := denial.As(err); ok {
		return d
	}
	return e.denials.Unknown(err)
}

func (e *Engine) request(customerID string, cost int64) (admission.Request, *denial.Error) {
	info, err := e.LicenseInfo()
	if err != nil {
		return admission.Request{}, e.asDenial(err)
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		customerID = info.CustomerID
	}
	return admission.Request{CustomerID: customerID, Tier: info.Tier, Cost: cost}, nil
}

func unavailable(customerID string, cost int64, d *denial.Error) admission.Result {
	return admission.Result{
		Outcome:    admission.Denied,
		CustomerID: customerID,
		Cost:       cost,
		Reason:     admission.ReasonUnavailable,
		Err:        d,
	}
}

// TryAdmit meters one operation for customerID against the tier of the
// license in effect. An empty customerID uses the license's customer.
func (e *Engine) TryAdmit(ctx context.Context, customerID string, cost int64) admission.Result {
	req, d := e.request(customerID, cost)
	if d != nil {
		return unavailable(customerID, cost, d)
	}
	return e.admission.TryAdmit(ctx, req)
}

// Admit is TryAdmit that waits out a queued result.
func (e *Engine) Admit(ctx context.Context, customerID string, cost int64) admission.Result {
	req, d := e.request(customerID, cost)
	if d != nil {
		return unavailable(customerID, cost, d)
	}
	return e.admission.Admit(ctx, req)
}

// AdmissionDenial converts a denied admission into a denial, or returns nil
// for results that are not denials or were cancelled by the caller.
func (e *Engine) AdmissionDenial(res admission.Result) *denial.Error {
	if res.Outcome != admission.Denied {
		return nil
	}
	switch res.Reason {
	case admission.ReasonQuotaExceeded:
		return e.denials.QuotaExceeded(QuotaMonthlyUnits, res.Limit, res.Used, e.currentTier(), res.RetryAfter)
	case admission.ReasonQueueFull, admission.ReasonQueueTimeout:
		d := e.denials.QuotaExceeded(QuotaRequestRate, res.Limit, res.Used, e.currentTier(), res.RetryAfter)
		d.Message = "Too many requests in a short time"
		if res.Reason == admission.ReasonQueueTimeout {
			d.Message = "Request waited too long for its turn"
		}
		d.NextStep = "Retry shortly or spread requests out"
		d.Err = res.Err
		return d
	case admission.ReasonCancelled:
		return nil
	default:
		return e.asDenial(res.Err)
	}
}

// Usage reports metered consumption for customerID in the current window.
func (e *Engine) Usage(ctx context.Context, customerID string) (admission.Usage, error) {
	req, d := e.request(customerID, 0)
	if d != nil {
		return admission.Usage{}, d
	}
	return e.admission.Usage(ctx, req.CustomerID, req.Tier)
}

// Tiers returns the tier comparison relative to the license in effect.
func (e *Engine) Tiers() []denial.TierRow {
	return e.denials.Compare(e.currentTier(), e.quotas)
}

// UpgradePrompt returns the upgrade prompt for d, or nil.
func (e *Engine) UpgradePrompt(d *denial.Error) *denial.Prompt {
	return e.denials.PromptFor(d, e.quotas)
}

// Denials returns the engine's denial builder.
func (e *Engine) Denials() *denial.Builder {
	return e.denials
}

// Recover runs the automatic recovery steps for err. obs may be nil.
func (e *Engine) Recover(ctx context.Context, err error, obs denial.Observer) denial.Outcome {
	return denial.Attempt(ctx, err, recoverer{e}, e.recovery, obs)
}

type recoverer struct {
	e *Engine
}

func (r recoverer) Perform(_ context.Context, action denial.Action) error {
	switch action {
	case denial.ActionRefresh:
		r.e.InvalidateCache()
		return nil
	case denial.ActionClearCache:
		r.e.validator.Forget()
		r.e.InvalidateCache()
		return nil
	case denial.ActionReloadKey:
		r.e.InvalidateCache()
		_, err := r.e.validator.Keys().Reload()
		return err
	default:
		return fmt.Errorf("action %s cannot run automatically", action)
	}
}

var errStillDenied = errors.New("denial still applies")

func (r recoverer) Verify(_ context.Context, d *denial.Error) error {
	switch d.Kind {
	case denial.KindFeatureNotAvailable:
		if res := r.e.checkFeature(d.Feature); !res.Valid {
			return fmt.Errorf("%w: %s", errStillDenied, res.Message)
		}
		return nil
	case denial.KindLicenseNotFound:
		_, err := r.e.RequireLicense()
		return err
	default:
		_, err := r.e.LicenseInfo()
		return err
	}
}
