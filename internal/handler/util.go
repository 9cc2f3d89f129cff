package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketsync/internal/syncerr"
	"github.com/capitalize-ai/marketsync/pkg/logger"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeStoreError maps a store error onto a response.
func writeStoreError(w http.ResponseWriter, log *logger.Logger, err error, message string) {
	var reqErr *syncerr.RequestError
	var transportErr *syncerr.TransportError

	switch {
	case syncerr.IsStale(err):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, syncerr.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, syncerr.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.As(err, &reqErr):
		log.Warn(message, zap.Error(err))
		writeError(w, http.StatusBadGateway, message)
	case errors.As(err, &transportErr):
		writeError(w, http.StatusServiceUnavailable, "push channel not connected")
	default:
		log.Error(message, zap.Error(err))
		writeError(w, http.StatusInternalServerError, message)
	}
}

// queryBool reports whether the query parameter is set to a true value.
func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}
