package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType represents the type of a push event.
type EventType string

const (
	EventMessageNew      EventType = "message.new"
	EventMessageRead     EventType = "message.read"
	EventPresenceOnline  EventType = "presence.online"
	EventPresenceOffline EventType = "presence.offline"
	EventTypingStart     EventType = "typing.start"
	EventTypingStop      EventType = "typing.stop"
	EventNotificationNew EventType = "notification.new"

	// EventResynced is synthesized locally by the transport after a reconnect.
	EventResynced EventType = "resynced"
)

// ErrUnknownEvent is returned by Decode for event types this build does not know.
var ErrUnknownEvent = errors.New("unknown event type")

// Envelope is the wire frame of every push event.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(eventType EventType, payload any) (Envelope, error) {
	env := Envelope{Type: eventType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	env.Payload = data
	return env, nil
}

// Sink receives decoded events. Every event type has exactly one method, so a
// new event cannot be added without teaching every Sink how to route it.
type Sink interface {
	OnMessageNew(MessageNewEvent)
	OnMessageRead(MessageReadEvent)
	OnPresenceOnline(PresenceEvent)
	OnPresenceOffline(PresenceEvent)
	OnTypingStart(TypingEvent)
	OnTypingStop(TypingEvent)
	OnNotificationNew(NotificationNewEvent)
	OnResynced(ResyncedEvent)
}

// Event is the tagged union of all inbound push events.
type Event interface {
	Type() EventType
	Visit(Sink)
}

// MessageNewEvent delivers a new message.
type MessageNewEvent struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

// MessageReadEvent signals that a counterpart read a conversation.
type MessageReadEvent struct {
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
}

// PresenceEvent carries an identity going online or offline.
type PresenceEvent struct {
	Identity string `json:"identity"`
	online   bool
}

// TypingEvent carries typing state. Identity is filled in by the server on
// outbound events.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	Identity       string `json:"identity,omitempty"`
	started        bool
}

// NotificationNewEvent delivers a new notification.
type NotificationNewEvent struct {
	Notification Notification `json:"notification"`
}

// ResyncedEvent is emitted after the push connection was re-established.
type ResyncedEvent struct{}

func (MessageNewEvent) Type() EventType { return EventMessageNew }

func (e MessageNewEvent) Visit(s Sink) { s.OnMessageNew(e) }

func (MessageReadEvent) Type() EventType { return EventMessageRead }

func (e MessageReadEvent) Visit(s Sink) { s.OnMessageRead(e) }

func (NotificationNewEvent) Type() EventType { return EventNotificationNew }

func (e NotificationNewEvent) Visit(s Sink) { s.OnNotificationNew(e) }

func (ResyncedEvent) Type() EventType { return EventResynced }

func (e ResyncedEvent) Visit(s Sink) { s.OnResynced(e) }

func (e PresenceEvent) Type() EventType {
	if e.online {
		return EventPresenceOnline
	}
	return EventPresenceOffline
}

func (e PresenceEvent) Visit(s Sink) {
	if e.online {
		s.OnPresenceOnline(e)
		return
	}
	s.OnPresenceOffline(e)
}

func (e TypingEvent) Type() EventType {
	if e.started {
		return EventTypingStart
	}
	return EventTypingStop
}

func (e TypingEvent) Visit(s Sink) {
	if e.started {
		s.OnTypingStart(e)
		return
	}
	s.OnTypingStop(e)
}

// Decode turns a wire envelope into a typed event.
func Decode(env Envelope) (Event, error) {
	switch env.Type {
	case EventMessageNew:
		var e MessageNewEvent
		if err := unmarshalPayload(env, &e); err != nil {
			return nil, err
		}
		if e.Message.ConversationID == "" {
			e.Message.ConversationID = e.ConversationID
		}
		if e.ConversationID == "" {
			e.ConversationID = e.Message.ConversationID
		}
		return e, nil
	case EventMessageRead:
		var e MessageReadEvent
		if err := unmarshalPayload(env, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventPresenceOnline, EventPresenceOffline:
		var e PresenceEvent
		if err := unmarshalPayload(env, &e); err != nil {
			return nil, err
		}
		e.online = env.Type == EventPresenceOnline
		return e, nil
	case EventTypingStart, EventTypingStop:
		var e TypingEvent
		if err := unmarshalPayload(env, &e); err != nil {
			return nil, err
		}
		e.started = env.Type == EventTypingStart
		return e, nil
	case EventNotificationNew:
		var e NotificationNewEvent
		if err := unmarshalPayload(env, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventResynced:
		return ResyncedEvent{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

func unmarshalPayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("empty %s payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
	}
	return nil
}

// Online builds a presence.online event.
func Online(identity string) PresenceEvent { return PresenceEvent{Identity: identity, online: true} }

// Offline builds a presence.offline event.
func Offline(identity string) PresenceEvent { return PresenceEvent{Identity: identity} }

// TypingStarted builds a typing.start event.
func TypingStarted(conversationID, identity string) TypingEvent {
	return TypingEvent{ConversationID: conversationID, Identity: identity, started: true}
}

// TypingStopped builds a typing.stop event.
func TypingStopped(conversationID, identity string) TypingEvent {
	return TypingEvent{ConversationID: conversationID, Identity: identity}
}
