package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/marketsync/internal/middleware"
	"github.com/capitalize-ai/marketsync/internal/model"
	"github.com/capitalize-ai/marketsync/internal/service"
	"github.com/capitalize-ai/marketsync/pkg/logger"
)

// NotificationHandler handles notification endpoints.
type NotificationHandler struct {
	notifications *service.NotificationAggregator
	logger        *logger.Logger
}

// NewNotificationHandler creates a new notification handler.
func NewNotificationHandler(notifications *service.NotificationAggregator, log *logger.Logger) *NotificationHandler {
	return &NotificationHandler{
		notifications: notifications,
		logger:        log,
	}
}

// List handles GET /api/v1/notifications
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	if queryBool(r, "refresh") {
		if _, err := h.notifications.FetchNotifications(r.Context()); err != nil {
			writeStoreError(w, h.logger, err, "failed to fetch notifications")
			return
		}
	}
	writeJSON(w, http.StatusOK, &model.ListNotificationsResponse{
		Notifications: h.notifications.Notifications(),
	})
}

// UnreadCount handles GET /api/v1/notifications/unread-count
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	if queryBool(r, "refresh") {
		if _, err := h.notifications.FetchUnreadCount(r.Context()); err != nil {
			writeStoreError(w, h.logger, err, "failed to fetch unread count")
			return
		}
	}
	writeJSON(w, http.StatusOK, &model.UnreadCountResponse{Count: h.notifications.UnreadCount()})
}

// MarkRead handles POST /api/v1/notifications/:id/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.notifications.MarkRead(r.Context(), id); err != nil {
		writeStoreError(w, h.logger, err, "failed to mark notification read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkAllRead handles POST /api/v1/notifications/read-all
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	if err := h.notifications.MarkAllRead(r.Context()); err != nil {
		writeStoreError(w, h.logger, err, "failed to mark notifications read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
