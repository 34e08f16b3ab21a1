package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"memvault-backend/internal/middleware"
	"memvault-backend/internal/observability"
)

// RouterConfig tunes the HTTP surface.
type RouterConfig struct {
	// RequestTimeout bounds every /api/v1 request; zero means 30 s.
	RequestTimeout time.Duration
	// AllowedOrigins feeds the CORS policy; empty means any origin.
	AllowedOrigins []string
	// Breaker tunes the circuit breaker; the zero value uses the defaults.
	Breaker middleware.CircuitBreakerConfig
}

// Handlers gathers every handler the router mounts.
type Handlers struct {
	Memories *MemoryHandler
	Search   *SearchHandler
	Consent  *ConsentHandler
	Keys     *KeysHandler
	Admin    *AdminHandler
	Health   *HealthHandler
}

// NewRouter assembles the HTTP surface. The probe and metrics endpoints sit
// outside the /api/v1 tree so they skip identity extraction, the timeout,
// and the breaker.
func NewRouter(h Handlers, metrics *observability.Collector, logger *zap.Logger, cfg RouterConfig) *chi.Mux {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.Breaker == (middleware.CircuitBreakerConfig{}) {
		cfg.Breaker = middleware.DefaultCircuitBreakerConfig("api")
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Metrics(metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", middleware.UserHeader, middleware.AppHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout, logger))
		r.Use(middleware.CircuitBreaker(cfg.Breaker, logger))
		r.Use(middleware.Identity)

		r.Route("/memories", func(r chi.Router) {
			r.Post("/", h.Memories.Ingest)
			r.Get("/", h.Memories.List)
			r.Get("/{id}", h.Memories.Get)
			r.Delete("/{id}", h.Memories.Delete)
		})

		r.Post("/search", h.Search.Search)

		r.Route("/consent/grants", func(r chi.Router) {
			r.Post("/", h.Consent.Grant)
			r.Delete("/", h.Consent.Revoke)
			r.Get("/", h.Consent.List)
		})

		r.Post("/keys/rotate", h.Keys.Rotate)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/flush", h.Admin.Flush)
			r.Post("/checkpoint", h.Admin.Checkpoint)
			r.Post("/repair", h.Admin.Repair)
			r.Get("/stats", h.Admin.Stats)
		})
	})

	return r
}
