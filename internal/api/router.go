package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skillgate/skillgate/internal/auth"
	"github.com/skillgate/skillgate/internal/config"
	"github.com/skillgate/skillgate/internal/entitlement"
)

// NewRouter creates the HTTP router
func NewRouter(engine *entitlement.Engine, cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	// Middleware
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", HeaderRequestID, entitlement.HeaderCustomerID},
		ExposedHeaders: []string{
			HeaderRequestID,
			"Retry-After",
			entitlement.HeaderLicenseWarning,
			entitlement.HeaderQuotaWarning,
			entitlement.HeaderQuotaRemaining,
		},
		MaxAge: 300,
	}))

	h := &Handlers{engine: engine}
	admin := auth.New(cfg.AdminTokenHash)

	r.Get("/health", h.Health)
	r.Get("/api/version", h.GetVersion)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/license", h.GetLicense)
		r.With(RateLimit(cfg.ValidateRateLimit, time.Minute)).Post("/license/validate", h.ValidateLicense)

		r.Get("/features/{feature}", h.CheckFeature)
		r.Get("/tools/{operation}", h.CheckTool)
		r.Get("/tiers", h.GetTiers)

		// Operator endpoints
		r.Group(func(r chi.Router) {
			r.Use(admin.RequireAdmin)
			r.Post("/license/recover", h.RecoverLicense)
			r.Post("/cache/clear", h.ClearCache)
			r.Post("/admit", h.Admit)
			r.Get("/quota/{customerID}", h.GetQuota)
		})
	})

	return r
}
