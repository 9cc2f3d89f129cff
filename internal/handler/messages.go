package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/marketsync/internal/middleware"
	"github.com/capitalize-ai/marketsync/internal/model"
	"github.com/capitalize-ai/marketsync/internal/service"
	"github.com/capitalize-ai/marketsync/internal/syncerr"
	"github.com/capitalize-ai/marketsync/pkg/logger"
)

// MessageHandler handles message sending endpoints.
type MessageHandler struct {
	store  *service.ConversationStore
	logger *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(store *service.ConversationStore, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		store:  store,
		logger: log,
	}
}

type sendRequest struct {
	Body string `json:"body"`
}

// Send handles POST /api/v1/conversations/:id/messages
// A failed send answers 502 with the failed entry so the caller can retry it.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageBody(req.Body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.store.SendMessage(r.Context(), conversationID, req.Body)
	h.writeSendResult(w, conversationID, msg, err)
}

// Retry handles POST /api/v1/conversations/:id/messages/:localID/retry
func (h *MessageHandler) Retry(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	localID := chi.URLParam(r, "localID")
	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateLocalID(localID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.store.RetrySend(r.Context(), conversationID, localID)
	h.writeSendResult(w, conversationID, msg, err)
}

// Discard handles DELETE /api/v1/conversations/:id/messages/:localID
func (h *MessageHandler) Discard(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	localID := chi.URLParam(r, "localID")
	if err := middleware.ValidateLocalID(localID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.DiscardFailed(conversationID, localID); err != nil {
		writeStoreError(w, h.logger, err, "failed to discard message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) writeSendResult(w http.ResponseWriter, conversationID string, msg model.Message, err error) {
	if err == nil {
		writeJSON(w, http.StatusCreated, &model.SendMessageResponse{Message: &msg})
		return
	}
	if syncerr.IsRequest(err) && msg.State == model.DeliveryFailed {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":   "failed to send message",
			"message": msg,
		})
		return
	}
	writeStoreError(w, h.logger.WithConversation(conversationID), err, "failed to send message")
}
