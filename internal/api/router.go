package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"report-export/internal/middleware"
)

// RouterConfig holds what NewRouter needs besides the handler.
type RouterConfig struct {
	Validator      middleware.JWTValidator
	OwnerClaim     string
	RateLimiter    *middleware.RateLimiter // nil disables rate limiting
	AllowedOrigins []string
	Gatherer       prometheus.Gatherer // nil serves the default registry
	Health         func(ctx context.Context) error
	Logger         *slog.Logger
}

// NewRouter builds the HTTP router.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(cfg.Logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Location", "X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.Health(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	limit := func(next http.Handler) http.Handler {
		if cfg.RateLimiter == nil {
			return next
		}
		return cfg.RateLimiter.Handler(next)
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(limit).Get("/downloads/{token}", h.Download)

		// Authenticate first so requests are limited per owner.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(cfg.Validator, cfg.OwnerClaim, cfg.Logger))
			r.Use(limit)
			r.Post("/exports", h.CreateExport)
			r.Get("/exports", h.ListExports)
			r.Get("/exports/{id}", h.GetExport)
			r.Post("/exports/{id}/cancel", h.CancelExport)
			r.Post("/exports/{id}/retry", h.RetryExport)
			r.Delete("/exports/{id}", h.DeleteExport)
			r.Post("/reports/preview", h.PreviewReport)
		})
	})
	return r
}
