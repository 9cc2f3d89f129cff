package model

import (
	"encoding/json"
	"time"
)

// NotificationPayload carries the kind of a notification and its free-form data.
type NotificationPayload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Notification is an entry of the viewer's notification inbox.
type Notification struct {
	ID          string              `json:"id"`
	RecipientID string              `json:"recipient_id"`
	Payload     NotificationPayload `json:"payload"`
	IsRead      bool                `json:"is_read"`
	CreatedAt   time.Time           `json:"created_at"`
}

// ListNotificationsResponse is the response for listing notifications.
type ListNotificationsResponse struct {
	Notifications []Notification `json:"notifications"`
}

// UnreadCountResponse is the response for the unread notification count.
type UnreadCountResponse struct {
	Count int `json:"count"`
}
