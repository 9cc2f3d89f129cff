package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketsync/internal/model"
	"github.com/capitalize-ai/marketsync/pkg/logger"
)

// DefaultTypingTimeout is how long a typing indicator lives without a refresh.
const DefaultTypingTimeout = 5 * time.Second

// Sender publishes outbound push events.
type Sender interface {
	Send(ctx context.Context, eventType model.EventType, payload any) error
}

type typingKey struct {
	conversationID string
	identity       string
}

type typingEntry struct {
	expires time.Time
	timer   *time.Timer
}

// TypingCoordinator debounces the viewer's own typing signals and tracks the
// counterparts' typing indicators with automatic expiry.
type TypingCoordinator struct {
	sender  Sender
	self    string
	timeout time.Duration
	changes *Changes
	logger  *logger.Logger
	now     func() time.Time

	mu       sync.Mutex
	outbound map[string]*time.Timer
	inbound  map[typingKey]*typingEntry
}

// NewTypingCoordinator creates a coordinator for the viewer self. A
// non-positive timeout selects DefaultTypingTimeout.
func NewTypingCoordinator(sender Sender, self string, timeout time.Duration, changes *Changes, log *logger.Logger) *TypingCoordinator {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingCoordinator{
		sender:   sender,
		self:     self,
		timeout:  timeout,
		changes:  changes,
		logger:   log.Named("typing"),
		now:      time.Now,
		outbound: make(map[string]*time.Timer),
		inbound:  make(map[typingKey]*typingEntry),
	}
}

type typingPayload struct {
	ConversationID string `json:"conversation_id"`
}

// StartTyping sends typing.start unless one was already sent for this
// conversation and has neither been stopped nor expired.
func (t *TypingCoordinator) StartTyping(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	if _, started := t.outbound[conversationID]; started {
		t.mu.Unlock()
		return nil
	}
	var timer *time.Timer
	timer = time.AfterFunc(t.timeout, func() {
		t.mu.Lock()
		if t.outbound[conversationID] == timer {
			delete(t.outbound, conversationID)
		}
		t.mu.Unlock()
	})
	t.outbound[conversationID] = timer
	t.mu.Unlock()

	if err := t.sender.Send(ctx, model.EventTypingStart, typingPayload{ConversationID: conversationID}); err != nil {
		t.mu.Lock()
		if t.outbound[conversationID] == timer {
			timer.Stop()
			delete(t.outbound, conversationID)
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

// StopTyping sends typing.stop and clears the local started state.
func (t *TypingCoordinator) StopTyping(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	if timer, ok := t.outbound[conversationID]; ok {
		timer.Stop()
		delete(t.outbound, conversationID)
	}
	t.mu.Unlock()

	return t.sender.Send(ctx, model.EventTypingStop, typingPayload{ConversationID: conversationID})
}

// OnTypingStart records that identity is typing in a conversation. The entry
// expires on its own if no stop arrives.
func (t *TypingCoordinator) OnTypingStart(conversationID, identity string) {
	if identity == "" || identity == t.self {
		return
	}
	key := typingKey{conversationID, identity}

	t.mu.Lock()
	e, ok := t.inbound[key]
	if ok {
		e.timer.Stop()
	} else {
		e = &typingEntry{}
		t.inbound[key] = e
	}
	e.expires = t.now().Add(t.timeout)
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(key, e) })
	t.mu.Unlock()

	if !ok {
		t.changes.Publish(Change{Kind: ChangeTyping, ConversationID: conversationID, Detail: identity})
	}
}

// OnTypingStop clears the indicator early.
func (t *TypingCoordinator) OnTypingStop(conversationID, identity string) {
	key := typingKey{conversationID, identity}

	t.mu.Lock()
	e, ok := t.inbound[key]
	if ok {
		e.timer.Stop()
		delete(t.inbound, key)
	}
	t.mu.Unlock()

	if ok {
		t.changes.Publish(Change{Kind: ChangeTyping, ConversationID: conversationID, Detail: identity})
	}
}

func (t *TypingCoordinator) expire(key typingKey, e *typingEntry) {
	t.mu.Lock()
	cur, ok := t.inbound[key]
	if !ok || cur != e || t.now().Before(e.expires) {
		t.mu.Unlock()
		return
	}
	delete(t.inbound, key)
	t.mu.Unlock()

	t.logger.Debug("typing indicator expired",
		zap.String("conversation_id", key.conversationID),
		zap.String("identity", key.identity))
	t.changes.Publish(Change{Kind: ChangeTyping, ConversationID: key.conversationID, Detail: key.identity})
}

// IsTyping reports whether identity has a live typing indicator.
func (t *TypingCoordinator) IsTyping(conversationID, identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.inbound[typingKey{conversationID, identity}]
	return ok && t.now().Before(e.expires)
}

// Typing lists the identities typing in a conversation.
func (t *TypingCoordinator) Typing(conversationID string) []string {
	t.mu.Lock()
	now := t.now()
	var out []string
	for k, e := range t.inbound {
		if k.conversationID == conversationID && now.Before(e.expires) {
			out = append(out, k.identity)
		}
	}
	t.mu.Unlock()

	sort.Strings(out)
	return out
}

// Reset drops every inbound indicator and the outbound started state.
func (t *TypingCoordinator) Reset() {
	t.mu.Lock()
	n := len(t.inbound)
	for _, e := range t.inbound {
		e.timer.Stop()
	}
	for _, timer := range t.outbound {
		timer.Stop()
	}
	t.inbound = make(map[typingKey]*typingEntry)
	t.outbound = make(map[string]*time.Timer)
	t.mu.Unlock()

	if n > 0 {
		t.changes.Publish(Change{Kind: ChangeTyping})
	}
}
