package handler

import (
	"net/http"

	"github.com/capitalize-ai/marketsync/internal/transport"
)

// StatusReporter exposes the push channel state.
type StatusReporter interface {
	State() transport.State
	Offline() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	session StatusReporter
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(session StatusReporter) *HealthHandler {
	return &HealthHandler{
		session: session,
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
	if h.session == nil || h.session.State() != transport.StateConnected {
		state := "unknown"
		offline := false
		if h.session != nil {
			state = string(h.session.State())
			offline = h.session.Offline()
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "not ready",
			"state":   state,
			"offline": offline,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
