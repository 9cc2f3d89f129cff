package model

import (
	"strings"
	"time"
)

// DeliveryState is the client-side delivery state of a message.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Message represents a conversation message.
type Message struct {
	// Identity. ID is empty until the server has assigned one.
	ID             string `json:"id,omitempty"`
	LocalID        string `json:"local_id,omitempty"`
	ConversationID string `json:"conversation_id"`

	// Content
	SenderID string `json:"sender_id"`
	Body     string `json:"body"`

	// ClientToken is the correlation token the server echoes back.
	ClientToken string `json:"client_token,omitempty"`

	CreatedAt  time.Time     `json:"created_at"`
	State      DeliveryState `json:"state,omitempty"`
	ReadByPeer bool          `json:"read_by_peer,omitempty"`
}

// Key returns the identity of the message inside a store.
func (m Message) Key() MessageKey {
	if m.ID != "" {
		return Confirmed(m.ID)
	}
	return Pending(m.LocalID)
}

// Before reports whether m sorts before o: timestamp ascending, ties by id.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return strings.Compare(m.Key().sortID(), o.Key().sortID()) < 0
}

// MessageKey is the tagged variant Pending(localID) | Confirmed(serverID).
type MessageKey struct {
	confirmed bool
	id        string
}

// Pending returns the key of a message not yet acknowledged by the server.
func Pending(localID string) MessageKey { return MessageKey{id: localID} }

// Confirmed returns the key of a message carrying a server-assigned id.
func Confirmed(serverID string) MessageKey { return MessageKey{confirmed: true, id: serverID} }

// IsConfirmed reports whether the key is a server id.
func (k MessageKey) IsConfirmed() bool { return k.confirmed }

// ID returns the local or server id held by the key.
func (k MessageKey) ID() string { return k.id }

func (k MessageKey) String() string {
	if k.confirmed {
		return "confirmed:" + k.id
	}
	return "pending:" + k.id
}

// Pending ids sort after confirmed ids that share a timestamp.
func (k MessageKey) sortID() string {
	if k.confirmed {
		return "0" + k.id
	}
	return "1" + k.id
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	Body        string `json:"body"`
	ClientToken string `json:"client_token"`
}

// SendMessageResponse is the response after sending a message.
type SendMessageResponse struct {
	Message *Message `json:"message"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}
