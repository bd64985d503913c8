/**
 * @description
 * HTTP router setup for the partner-payments-service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the settings the router needs beyond its handlers.
type RouterConfig struct {
	AllowedOrigins      []string
	SupabaseJWTSecret   string
	SupabaseJWTAudience string
	InternalAPIKey      string
}

// NewRouter creates a new Chi router and registers all routes.
func NewRouter(webhook http.Handler, h *Handler, limiter RateLimiter, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Preflight requests are answered here, before routing, since no route
	// below is registered for OPTIONS.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Partner payments service is healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// The webhook applies its own processing timeout.
	r.Method(http.MethodPost, "/webhooks/stripe", webhook)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(SupabaseAuthMiddleware(cfg.SupabaseJWTSecret, cfg.SupabaseJWTAudience))
		r.Use(UserRateLimitMiddleware(limiter))
		r.Get("/partners/me/payment-status", h.handleGetPaymentStatus)
	})

	r.Route("/internal/partners", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/{accountID}/reconcile", h.handleReconcileAccount)
	})

	return r
}
