package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/capitalize-ai/marketsync/internal/model"
	"github.com/capitalize-ai/marketsync/internal/service"
	"github.com/capitalize-ai/marketsync/pkg/logger"
)

type stubAPI struct {
	mu            sync.Mutex
	conversations []model.Conversation
	notifications []model.Notification
	unread        int
	listCalls     int
}

func (a *stubAPI) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	return append([]model.Conversation(nil), a.conversations...), nil
}

func (a *stubAPI) ListMessages(ctx context.Context, conversationID string, page int) ([]model.Message, error) {
	return nil, nil
}

func (a *stubAPI) SendMessage(ctx context.Context, conversationID string, req model.SendMessageRequest) (*model.Message, error) {
	return &model.Message{ID: "m1", ConversationID: conversationID, ClientToken: req.ClientToken}, nil
}

func (a *stubAPI) MarkConversationRead(ctx context.Context, conversationID string) error { return nil }

func (a *stubAPI) ListNotifications(ctx context.Context) ([]model.Notification, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.Notification(nil), a.notifications...), nil
}

func (a *stubAPI) UnreadNotificationCount(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unread, nil
}

func (a *stubAPI) MarkNotificationRead(ctx context.Context, id string) error { return nil }

func (a *stubAPI) MarkAllNotificationsRead(ctx context.Context) error { return nil }

type nopSender struct{}

func (nopSender) Send(context.Context, model.EventType, any) error { return nil }

func newTestDispatcher(t *testing.T, api *stubAPI) (*Dispatcher, Stores) {
	t.Helper()
	log := logger.NewNop()
	convs := service.NewConversationStore(api, "u1", nil, log)
	if _, err := convs.FetchConversations(context.Background()); err != nil {
		t.Fatal("FetchConversations:", err)
	}
	stores := Stores{
		Conversations: convs,
		Presence:      service.NewPresenceTracker(nil),
		Typing:        service.NewTypingCoordinator(nopSender{}, "u1", time.Minute, nil, log),
		Notifications: service.NewNotificationAggregator(api, nil, log),
		Receipts:      service.NewReadReceiptCoordinator(api, convs, log),
	}
	return New(stores, log), stores
}

func envelope(t *testing.T, eventType model.EventType, payload any) model.Envelope {
	t.Helper()
	env, err := model.NewEnvelope(eventType, payload)
	if err != nil {
		t.Fatal("NewEnvelope:", err)
	}
	return env
}

func TestHandleRoutesEvents(t *testing.T) {
	api := &stubAPI{conversations: []model.Conversation{{ID: "c1", Participants: []string{"u1", "u2"}}}}
	d, stores := newTestDispatcher(t, api)

	d.Handle(envelope(t, model.EventMessageNew, map[string]any{
		"conversation_id": "c1",
		"message":         map[string]any{"id": "m1", "sender_id": "u2", "body": "hello", "created_at": time.Now()},
	}))
	d.Handle(envelope(t, model.EventPresenceOnline, map[string]string{"identity": "u2"}))
	d.Handle(envelope(t, model.EventTypingStart, map[string]string{"conversation_id": "c1", "identity": "u2"}))
	d.Handle(envelope(t, model.EventNotificationNew, map[string]any{
		"notification": map[string]any{"id": "n1", "recipient_id": "u1", "payload": map[string]string{"kind": "offer.received"}},
	}))

	msgs, err := stores.Conversations.Messages("c1")
	if err != nil || len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("message not routed: %v %+v", err, msgs)
	}
	if c, _ := stores.Conversations.Conversation("c1"); c.UnreadCount != 1 {
		t.Fatalf("expected unread 1, got %d", c.UnreadCount)
	}
	if !stores.Presence.IsOnline("u2") {
		t.Fatal("presence not routed")
	}
	if !stores.Typing.IsTyping("c1", "u2") {
		t.Fatal("typing not routed")
	}
	if stores.Notifications.UnreadCount() != 1 {
		t.Fatal("notification not routed")
	}

	d.Handle(envelope(t, model.EventTypingStop, map[string]string{"conversation_id": "c1", "identity": "u2"}))
	d.Handle(envelope(t, model.EventPresenceOffline, map[string]string{"identity": "u2"}))
	if stores.Typing.IsTyping("c1", "u2") || stores.Presence.IsOnline("u2") {
		t.Fatal("stop events not routed")
	}
}

func TestHandleDropsUnknownAndMalformed(t *testing.T) {
	api := &stubAPI{conversations: []model.Conversation{{ID: "c1"}}}
	d, stores := newTestDispatcher(t, api)

	d.Handle(model.Envelope{Type: "listing.updated", Payload: []byte(`{"id":"l1"}`)})
	d.Handle(model.Envelope{Type: model.EventMessageNew, Payload: []byte(`{"message":`)})
	d.Handle(model.Envelope{Type: model.EventPresenceOnline})

	if msgs, _ := stores.Conversations.Messages("c1"); len(msgs) != 0 {
		t.Fatalf("nothing should be routed, got %+v", msgs)
	}
	if len(stores.Presence.Online()) != 0 {
		t.Fatal("nothing should be routed")
	}
}

func TestResyncedResetsEphemeralStateAndRefreshes(t *testing.T) {
	api := &stubAPI{conversations: []model.Conversation{{ID: "c1"}}}
	d, stores := newTestDispatcher(t, api)

	done := make(chan error, 1)
	d.OnResyncComplete(func(err error) { done <- err })

	d.Handle(envelope(t, model.EventPresenceOnline, map[string]string{"identity": "u2"}))
	d.Handle(envelope(t, model.EventTypingStart, map[string]string{"conversation_id": "c1", "identity": "u2"}))

	api.mu.Lock()
	api.conversations = append(api.conversations, model.Conversation{ID: "c2"})
	api.notifications = []model.Notification{{ID: "n1"}}
	api.unread = 1
	api.mu.Unlock()

	d.Handle(model.Envelope{Type: model.EventResynced})

	if len(stores.Presence.Online()) != 0 {
		t.Fatal("presence must be empty right after resync")
	}
	if stores.Typing.IsTyping("c1", "u2") {
		t.Fatal("typing must be empty right after resync")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatal("refresh:", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never completed")
	}

	if _, ok := stores.Conversations.Conversation("c2"); !ok {
		t.Fatal("conversations were not refreshed")
	}
	if stores.Notifications.UnreadCount() != 1 || len(stores.Notifications.Notifications()) != 1 {
		t.Fatal("notifications were not refreshed")
	}
}

func TestRefreshMergesEventsPushedBeforeInitialFetch(t *testing.T) {
	api := &stubAPI{
		conversations: []model.Conversation{{ID: "c1", Participants: []string{"u1", "u2"}, UnreadCount: 1}},
		notifications: []model.Notification{{ID: "n2"}, {ID: "n1"}},
		unread:        2,
	}
	log := logger.NewNop()
	convs := service.NewConversationStore(api, "u1", nil, log)
	stores := Stores{
		Conversations: convs,
		Presence:      service.NewPresenceTracker(nil),
		Typing:        service.NewTypingCoordinator(nopSender{}, "u1", time.Minute, nil, log),
		Notifications: service.NewNotificationAggregator(api, nil, log),
		Receipts:      service.NewReadReceiptCoordinator(api, convs, log),
	}
	d := New(stores, log)

	// The push channel is up before anything has been fetched.
	d.Handle(envelope(t, model.EventMessageNew, map[string]any{
		"conversation_id": "c1",
		"message":         map[string]any{"id": "m1", "sender_id": "u2", "body": "hello", "created_at": time.Now()},
	}))
	d.Handle(envelope(t, model.EventNotificationNew, map[string]any{
		"notification": map[string]any{"id": "n2", "recipient_id": "u1"},
	}))

	if err := d.Refresh(context.Background()); err != nil {
		t.Fatal("Refresh:", err)
	}

	msgs, err := stores.Conversations.Messages("c1")
	if err != nil || len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("pushed message lost: %v %+v", err, msgs)
	}
	if c, _ := stores.Conversations.Conversation("c1"); c.UnreadCount != 1 {
		t.Fatalf("expected server unread 1, got %d", c.UnreadCount)
	}
	if stores.Notifications.UnreadCount() != 2 || len(stores.Notifications.Notifications()) != 2 {
		t.Fatalf("expected server notification state, got count %d", stores.Notifications.UnreadCount())
	}
}
