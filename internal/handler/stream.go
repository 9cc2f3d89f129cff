package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketsync/internal/service"
	"github.com/capitalize-ai/marketsync/pkg/logger"
	"github.com/capitalize-ai/marketsync/pkg/metrics"
)

// HeartbeatInterval is how often an idle stream gets a heartbeat event.
const HeartbeatInterval = 30 * time.Second

// StreamHandler streams store changes to local UI subscribers over SSE.
type StreamHandler struct {
	changes   *service.Changes
	session   StatusReporter
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(changes *service.Changes, session StatusReporter, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		changes:   changes,
		session:   session,
		heartbeat: HeartbeatInterval,
		logger:    log,
	}
}

type heartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

type connectedEvent struct {
	State   string `json:"state"`
	Offline bool   `json:"offline"`
}

// Stream handles GET /api/v1/stream
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	feed, unsubscribe := h.changes.Subscribe()
	defer unsubscribe()

	hello := connectedEvent{}
	if h.session != nil {
		hello.State = string(h.session.State())
		hello.Offline = h.session.Offline()
	}
	if err := sendSSEEvent(w, flusher, "connected", hello); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected")
			return

		case change, ok := <-feed:
			if !ok {
				return
			}
			if err := sendSSEEvent(w, flusher, string(change.Kind), change); err != nil {
				h.logger.Debug("SSE write failed", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", &heartbeatEvent{Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
