// Package model defines data structures for the sync engine.
package model

import (
	"time"
)

// SubjectRef points at the marketplace entity a conversation is about.
type SubjectRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Conversation represents a conversation thread as seen by the viewer.
type Conversation struct {
	ID            string      `json:"id"`
	Participants  []string    `json:"participants"`
	Subject       *SubjectRef `json:"subject,omitempty"`
	LastMessageAt time.Time   `json:"last_message_at"`
	UnreadCount   int         `json:"unread_count"`
}

// Clone returns a deep copy safe to hand to callers.
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = append([]string(nil), c.Participants...)
	if c.Subject != nil {
		s := *c.Subject
		out.Subject = &s
	}
	return out
}

// HasParticipant reports whether identity takes part in the conversation.
func (c Conversation) HasParticipant(identity string) bool {
	for _, p := range c.Participants {
		if p == identity {
			return true
		}
	}
	return false
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}
