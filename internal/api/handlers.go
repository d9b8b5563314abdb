package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/skillgate/skillgate/internal/admission"
	"github.com/skillgate/skillgate/internal/denial"
	"github.com/skillgate/skillgate/internal/entitlement"
	"github.com/skillgate/skillgate/internal/licensing"
	"github.com/skillgate/skillgate/internal/logging"
)

// Version is set from main.go at startup
var Version = "dev"

type Handlers struct {
	engine *entitlement.Engine
}

// Health check
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetVersion returns the current version
func (h *Handlers) GetVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

// GetLicense reports the license in effect. A rejected token is returned as
// its denial, never as the community tier.
func (h *Handlers) GetLicense(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.LicenseInfo()
	if err != nil {
		entitlement.WriteDenial(w, h.denial(err))
		return
	}
	if info.Warning != "" {
		w.Header().Set(entitlement.HeaderLicenseWarning, info.Warning)
	}
	writeJSON(w, http.StatusOK, info)
}

type validateRequest struct {
	Token string `json:"token"`
}

// ValidateLicense verifies a caller-supplied token without installing it.
func (h *Handlers) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	res := h.engine.Validate(req.Token)
	log.Info().
		Str("request_id", logging.RequestID(r.Context())).
		Str("token", licensing.Fingerprint(req.Token)).
		Bool("valid", res.Valid).
		Msg("License validation requested")

	status := http.StatusOK
	if !res.Valid {
		status = entitlement.StatusFor(res.Denial)
	}
	writeJSON(w, status, res)
}

type checkResponse struct {
	entitlement.CheckResult
	Prompt *denial.Prompt `json:"upgrade_prompt,omitempty"`
}

func (h *Handlers) checkResponse(res entitlement.CheckResult) checkResponse {
	return checkResponse{CheckResult: res, Prompt: h.engine.UpgradePrompt(res.Denial)}
}

// CheckFeature answers whether a feature is available.
func (h *Handlers) CheckFeature(w http.ResponseWriter, r *http.Request) {
	feature := licensing.Feature(chi.URLParam(r, "feature"))
	if !feature.Known() {
		writeError(w, http.StatusNotFound, "Unknown feature")
		return
	}
	writeJSON(w, http.StatusOK, h.checkResponse(h.engine.CheckFeature(feature)))
}

// CheckTool answers whether a named operation may run.
func (h *Handlers) CheckTool(w http.ResponseWriter, r *http.Request) {
	res := h.engine.CheckTool(chi.URLParam(r, "operation"))
	writeJSON(w, http.StatusOK, h.checkResponse(res))
}

type admitRequest struct {
	CustomerID string `json:"customer_id"`
	Cost       int64  `json:"cost"`
}

// Admit meters one operation, waiting in the customer's queue when the burst
// allowance is spent.
func (h *Handlers) Admit(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Cost < 0 {
		writeError(w, http.StatusBadRequest, "cost must not be negative")
		return
	}
	if req.CustomerID == "" {
		req.CustomerID = entitlement.CustomerFromHeader(r)
	}

	res := h.engine.Admit(r.Context(), req.CustomerID, req.Cost)
	if res.Outcome != admission.Admitted {
		if d := h.engine.AdmissionDenial(res); d != nil {
			entitlement.WriteAdmissionDenial(w, res, d)
		}
		return
	}
	if warning := res.Warning(); warning != "" {
		w.Header().Set(entitlement.HeaderQuotaWarning, warning)
	}
	writeJSON(w, http.StatusOK, res)
}

// GetQuota reports a customer's usage in the current window.
func (h *Handlers) GetQuota(w http.ResponseWriter, r *http.Request) {
	usage, err := h.engine.Usage(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		if d, ok := denial.As(err); ok {
			entitlement.WriteDenial(w, d)
			return
		}
		log.Error().Err(err).Msg("Failed to read usage")
		writeError(w, http.StatusServiceUnavailable, "Usage counters unavailable")
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// GetTiers returns the tier comparison relative to the license in effect.
func (h *Handlers) GetTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Tiers())
}

type recoverResponse struct {
	denial.Outcome
	Denial *denial.Payload `json:"denial,omitempty"`
}

// RecoverLicense runs the automatic recovery steps for the current license
// denial, if any.
func (h *Handlers) RecoverLicense(w http.ResponseWriter, r *http.Request) {
	_, err := h.engine.LicenseInfo()
	if err == nil {
		writeJSON(w, http.StatusOK, recoverResponse{Outcome: denial.Outcome{Recovered: true, Attempts: []denial.AttemptRecord{}}})
		return
	}

	out := h.engine.Recover(r.Context(), err, nil)
	resp := recoverResponse{Outcome: out}
	if !out.Recovered {
		p := h.denial(err).Payload()
		resp.Denial = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

// ClearCache drops the cached license and verification key.
func (h *Handlers) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.engine.ClearKeyCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handlers) denial(err error) *denial.Error {
	if d, ok := denial.As(err); ok {
		return d
	}
	return h.engine.Denials().Unknown(err)
}
