package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"bi-gateway/internal/middleware"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSAllowedOrigins []string
	RateLimit          middleware.RateLimitConfig
	// JWTSecret switches caller identity from the X-Caller-* headers to an
	// HS256 bearer token.
	JWTSecret []byte
	// Wrap is applied around the whole router, typically for tracing.
	Wrap func(http.Handler) http.Handler
}

// NewRouter mounts the API.
//
//	GET  /health, /health/detailed
//	POST /api/v1/query, /api/v1/query/validate, /api/v1/sql/validate
//	GET  /api/v1/metrics/{overall,user/{id},security,performance,hourly,recent}
//	POST /api/v1/admin/reload       (admin)
//	GET  /api/v1/audit              (admin)
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", middleware.CallerIDHeader, middleware.CallerRoleHeader, middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader, "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", h.healthz)
	r.Get("/health/detailed", h.healthDetailed)

	r.Route("/api/v1", func(r chi.Router) {
		if len(opts.JWTSecret) > 0 {
			r.Use(middleware.BearerCaller(opts.JWTSecret))
		} else {
			r.Use(middleware.Caller)
		}
		r.Use(middleware.RateLimiter(opts.RateLimit))

		r.Post("/query", h.query)
		r.Post("/query/validate", h.validateQuery)
		r.Post("/sql/validate", h.validateSQL)

		r.Route("/metrics", func(r chi.Router) {
			r.Get("/overall", h.metricsOverall)
			r.Get("/user/{id}", h.metricsUser)
			r.Get("/security", h.metricsSecurity)
			r.Get("/performance", h.metricsPerformance)
			r.Get("/hourly", h.metricsHourly)
			r.Get("/recent", h.metricsRecent)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole("admin"))
			r.Post("/admin/reload", h.reload)
			r.Get("/audit", h.listAudit)
		})
	})

	if opts.Wrap != nil {
		return opts.Wrap(r)
	}
	return r
}
