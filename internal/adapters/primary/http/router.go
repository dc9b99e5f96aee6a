package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	mw "github.com/lorrc/farmlink-realtime/internal/adapters/primary/http/middleware"
)

// RouterConfig carries the handlers and middleware the router mounts.
// RateLimiter may be nil.
type RouterConfig struct {
	AllowedOrigins []string
	RateLimiter    *mw.RateLimiter
	KeyVerifier    mw.KeyVerifier

	Health    *HealthHandler
	Metrics   http.Handler
	Emit      *EmitHandler
	WebSocket http.Handler

	Logger *slog.Logger
}

// NewRouter builds the service's HTTP routes
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(cfg.Logger))
	r.Use(mw.RecoveryLogger(cfg.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", mw.APIKeyHeader, mw.RequestIDHeader},
		ExposedHeaders:   []string{mw.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Probe paths stay outside /api/v1 and the rate limiter.
	cfg.Health.RegisterRoutes(r)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics)

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Middleware)
		}

		// Authentication is handled inside the handler
		r.Method(http.MethodGet, "/ws", cfg.WebSocket)

		r.Route("/emit", func(r chi.Router) {
			r.Use(mw.APIKey(cfg.KeyVerifier, cfg.Logger))
			cfg.Emit.RegisterRoutes(r)
		})
	})

	return r
}
