package handlers

import (
	"net/http"
	"sync/atomic"

	"memvault-backend/pkg/api"
)

// HealthHandler answers the liveness and readiness probes. Readiness flips
// on once the container finishes wiring and off again during shutdown.
type HealthHandler struct {
	environment string
	ready       atomic.Bool
}

func NewHealthHandler(environment string) *HealthHandler {
	return &HealthHandler{environment: environment}
}

// SetReady flips the readiness gate.
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	api.Success(w, http.StatusOK, api.HealthResponse{
		Status:      "healthy",
		Environment: h.environment,
	})
}

// Ready handles GET /ready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		api.Error(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	api.Success(w, http.StatusOK, api.HealthResponse{Status: "ready"})
}
