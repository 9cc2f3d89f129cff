// Package handler provides the HTTP handlers of the local subscription adapter.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/marketsync/internal/middleware"
	"github.com/capitalize-ai/marketsync/internal/model"
	"github.com/capitalize-ai/marketsync/internal/service"
	"github.com/capitalize-ai/marketsync/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	store    *service.ConversationStore
	receipts *service.ReadReceiptCoordinator
	typing   *service.TypingCoordinator
	logger   *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(
	store *service.ConversationStore,
	receipts *service.ReadReceiptCoordinator,
	typing *service.TypingCoordinator,
	log *logger.Logger,
) *ConversationHandler {
	return &ConversationHandler{
		store:    store,
		receipts: receipts,
		typing:   typing,
		logger:   log,
	}
}

// List handles GET /api/v1/conversations
// ?refresh=true re-fetches from the server first.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	if queryBool(r, "refresh") {
		if _, err := h.store.FetchConversations(r.Context()); err != nil {
			writeStoreError(w, h.logger, err, "failed to fetch conversations")
			return
		}
	}

	writeJSON(w, http.StatusOK, &model.ListConversationsResponse{
		Conversations: h.store.Conversations(),
	})
}

// Messages handles GET /api/v1/conversations/:id/messages
// ?page=N fetches that page from the server and merges it first.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if p := r.URL.Query().Get("page"); p != "" {
		page, err := strconv.Atoi(p)
		if err != nil || page < 1 {
			writeError(w, http.StatusBadRequest, "invalid page")
			return
		}
		if _, err := h.store.FetchMessages(r.Context(), conversationID, page); err != nil {
			writeStoreError(w, h.logger.WithConversation(conversationID), err, "failed to fetch messages")
			return
		}
	}

	msgs, err := h.store.Messages(conversationID)
	if err != nil {
		writeStoreError(w, h.logger, err, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{Messages: msgs})
}

// Activate handles POST /api/v1/conversations/:id/active
func (h *ConversationHandler) Activate(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.receipts.Activate(r.Context(), conversationID); err != nil {
		writeStoreError(w, h.logger.WithConversation(conversationID), err, "failed to mark conversation read")
		return
	}

	conv, _ := h.store.Conversation(conversationID)
	writeJSON(w, http.StatusOK, conv)
}

// Deactivate handles DELETE /api/v1/conversations/active
func (h *ConversationHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.receipts.Deactivate()
	w.WriteHeader(http.StatusNoContent)
}

type typingRequest struct {
	Typing bool `json:"typing"`
}

// Typing handles POST /api/v1/conversations/:id/typing
func (h *ConversationHandler) Typing(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var err error
	if req.Typing {
		err = h.typing.StartTyping(r.Context(), conversationID)
	} else {
		err = h.typing.StopTyping(r.Context(), conversationID)
	}
	if err != nil {
		writeStoreError(w, h.logger, err, "failed to send typing state")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TypingState handles GET /api/v1/conversations/:id/typing
func (h *ConversationHandler) TypingState(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	identities := h.typing.Typing(conversationID)
	if identities == nil {
		identities = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"typing": identities})
}
