package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	backend Pinger
	// nats is optional; nil means event persistence is disabled.
	nats interface{ IsConnected() bool }
}

// NewHealthHandler creates a new health handler. nats may be nil.
func NewHealthHandler(backend Pinger, nats interface{ IsConnected() bool }) *HealthHandler {
	return &HealthHandler{
		backend: backend,
		nats:    nats,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.backend.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "backend unreachable",
		})
		return
	}

	if h.nats != nil && !h.nats.IsConnected() {
		body := map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		}
		if le, ok := h.nats.(interface{ LastError() error }); ok && le.LastError() != nil {
			body["detail"] = le.LastError().Error()
		}
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
