package entitlement

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/skillgate/skillgate/internal/admission"
	"github.com/skillgate/skillgate/internal/denial"
	"github.com/skillgate/skillgate/internal/licensing"
)

// Response headers set by the middleware.
const (
	HeaderCustomerID     = "X-Customer-ID"
	HeaderLicenseWarning = "X-License-Warning"
	HeaderQuotaWarning   = "X-Quota-Warning"
	HeaderQuotaRemaining = "X-Quota-Remaining"
)

// StatusFor maps a denial to an HTTP status.
func StatusFor(d *denial.Error) int {
	switch d.Kind {
	case denial.KindFeatureNotAvailable, denial.KindLicenseExpired, denial.KindLicenseNotFound:
		return http.StatusPaymentRequired
	case denial.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case denial.KindLicenseInvalid:
		return http.StatusForbidden
	case denial.KindLicenseMisconfigured, denial.KindUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteDenial writes d as a JSON error body.
func WriteDenial(w http.ResponseWriter, d *denial.Error) {
	writeDenial(w, StatusFor(d), d)
}

// WriteAdmissionDenial writes the denial for a refused admission. A counter
// store outage is reported as 503.
func WriteAdmissionDenial(w http.ResponseWriter, res admission.Result, d *denial.Error) {
	if res.Reason == admission.ReasonUnavailable && d.Kind == denial.KindUnknown {
		writeDenial(w, http.StatusServiceUnavailable, d)
		return
	}
	WriteDenial(w, d)
}

func writeDenial(w http.ResponseWriter, status int, d *denial.Error) {
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds()+0.5)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(d.Payload())
}

// RequireFeature returns middleware that blocks requests when feature is not
// available.
func RequireFeature(e *Engine, feature licensing.Feature) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gate(w, r, next, e.CheckFeature(feature))
		})
	}
}

// RequireTool returns middleware that blocks requests when operation's
// feature is not available.
func RequireTool(e *Engine, operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gate(w, r, next, e.CheckTool(operation))
		})
	}
}

func gate(w http.ResponseWriter, r *http.Request, next http.Handler, res CheckResult) {
	if res.Warning != "" {
		w.Header().Set(HeaderLicenseWarning, res.Warning)
	}
	if !res.Valid {
		WriteDenial(w, res.Denial)
		return
	}
	next.ServeHTTP(w, r)
}

// CustomerFromHeader reads the customer id from HeaderCustomerID.
func CustomerFromHeader(r *http.Request) string {
	return r.Header.Get(HeaderCustomerID)
}

// Meter returns middleware that charges cost units per request, waiting in
// the customer's queue when needed. customerOf defaults to CustomerFromHeader.
func Meter(e *Engine, cost int64, customerOf func(*http.Request) string) func(http.Handler) http.Handler {
	if customerOf == nil {
		customerOf = CustomerFromHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := e.Admit(r.Context(), customerOf(r), cost)
			if res.Outcome != admission.Admitted {
				d := e.AdmissionDenial(res)
				if d == nil {
					// The client went away.
					return
				}
				WriteAdmissionDenial(w, res, d)
				return
			}
			if !res.Unlimited() {
				w.Header().Set(HeaderQuotaRemaining, strconv.FormatInt(res.Remaining, 10))
			}
			if warning := res.Warning(); warning != "" {
				w.Header().Set(HeaderQuotaWarning, warning)
			}
			next.ServeHTTP(w, r)
		})
	}
}
