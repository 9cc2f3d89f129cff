package handler

import (
	"net/http"

	"github.com/capitalize-ai/marketsync/internal/service"
)

// PresenceHandler serves the online set.
type PresenceHandler struct {
	presence *service.PresenceTracker
}

// NewPresenceHandler creates a new presence handler.
func NewPresenceHandler(presence *service.PresenceTracker) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

// Online handles GET /api/v1/presence
func (h *PresenceHandler) Online(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"online": h.presence.Online()})
}
