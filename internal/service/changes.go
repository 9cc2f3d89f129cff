// Package service holds the client-side stores of the sync engine.
package service

import (
	"sync"
)

// ChangeKind names what part of the client state changed.
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessages      ChangeKind = "messages"
	ChangePresence      ChangeKind = "presence"
	ChangeTyping        ChangeKind = "typing"
	ChangeNotifications ChangeKind = "notifications"
	ChangeConnection    ChangeKind = "connection"
)

// Change is published whenever a store mutates. Subscribers re-read the store.
type Change struct {
	Kind           ChangeKind `json:"kind"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Detail         string     `json:"detail,omitempty"`
}

// Changes fans store changes out to subscribers. A nil *Changes discards
// everything, so stores can be used without one.
type Changes struct {
	mu     sync.RWMutex
	subs   map[int]chan Change
	nextID int
	buffer int
}

// NewChanges creates a change feed whose subscribers buffer up to buffer
// changes before new ones are dropped for them.
func NewChanges(buffer int) *Changes {
	if buffer <= 0 {
		buffer = 64
	}
	return &Changes{subs: make(map[int]chan Change), buffer: buffer}
}

// Subscribe returns a channel of changes and a function that unsubscribes and
// closes it.
func (c *Changes) Subscribe() (<-chan Change, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	ch := make(chan Change, c.buffer)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers a change to every subscriber without blocking.
func (c *Changes) Publish(change Change) {
	if c == nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, ch := range c.subs {
		select {
		case ch <- change:
		default:
		}
	}
}
