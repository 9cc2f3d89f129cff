package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/capitalize-ai/marketsync/internal/model"
	"github.com/capitalize-ai/marketsync/pkg/logger"
)

// fakeAPI stands in for the REST collaborator.
type fakeAPI struct {
	mu sync.Mutex

	conversations     []model.Conversation
	listConversations func(ctx context.Context) ([]model.Conversation, error)
	messages          map[string][]model.Message
	listMessages      func(ctx context.Context, conversationID string, page int) ([]model.Message, error)
	send              func(conversationID string, req model.SendMessageRequest) (*model.Message, error)
	sends             []model.SendMessageRequest
	markReadErr       error
	markedRead        []string

	notifications   []model.Notification
	unread          int
	markNotifErr    error
	markedNotifRead []string
}

func newFakeAPI(convs ...model.Conversation) *fakeAPI {
	return &fakeAPI{conversations: convs, messages: make(map[string][]model.Message)}
}

func (f *fakeAPI) setConversations(convs ...model.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations = convs
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	f.mu.Lock()
	fn := f.listConversations
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Conversation, len(f.conversations))
	for i, c := range f.conversations {
		out[i] = c.Clone()
	}
	return out, nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, conversationID string, page int) ([]model.Message, error) {
	f.mu.Lock()
	fn := f.listMessages
	msgs := append([]model.Message(nil), f.messages[conversationID]...)
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, conversationID, page)
	}
	return msgs, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, conversationID string, req model.SendMessageRequest) (*model.Message, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	fn := f.send
	f.mu.Unlock()

	return fn(conversationID, req)
}

func (f *fakeAPI) sent() []model.SendMessageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.SendMessageRequest(nil), f.sends...)
}

func (f *fakeAPI) MarkConversationRead(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, conversationID)
	return f.markReadErr
}

func (f *fakeAPI) readMarks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markedRead)
}

func (f *fakeAPI) ListNotifications(ctx context.Context) ([]model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Notification(nil), f.notifications...), nil
}

func (f *fakeAPI) UnreadNotificationCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, nil
}

func (f *fakeAPI) MarkNotificationRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedNotifRead = append(f.markedNotifRead, id)
	if f.markNotifErr != nil {
		return f.markNotifErr
	}
	for i := range f.notifications {
		if f.notifications[i].ID == id && !f.notifications[i].IsRead {
			f.notifications[i].IsRead = true
			f.unread--
		}
	}
	return nil
}

func (f *fakeAPI) MarkAllNotificationsRead(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markNotifErr != nil {
		return f.markNotifErr
	}
	for i := range f.notifications {
		f.notifications[i].IsRead = true
	}
	f.unread = 0
	return nil
}

// fakeSender records outbound push events.
type fakeSender struct {
	mu     sync.Mutex
	events []model.EventType
	err    error
}

func (s *fakeSender) Send(ctx context.Context, eventType model.EventType, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, eventType)
	return nil
}

func (s *fakeSender) count(eventType model.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == eventType {
			n++
		}
	}
	return n
}

const viewer = "u1"

func at(sec int) time.Time {
	return time.Date(2024, 5, 1, 12, 0, sec, 0, time.UTC)
}

func conv(id string, unread int) model.Conversation {
	return model.Conversation{ID: id, Participants: []string{viewer, "u2"}, UnreadCount: unread}
}

func msg(id, conversationID, sender string, sec int) model.Message {
	return model.Message{ID: id, ConversationID: conversationID, SenderID: sender, Body: "body " + id, CreatedAt: at(sec)}
}

// newTestStore returns a store that has already fetched api's conversations.
func newTestStore(t *testing.T, api *fakeAPI) *ConversationStore {
	t.Helper()
	s := NewConversationStore(api, viewer, nil, logger.NewNop())
	if _, err := s.FetchConversations(context.Background()); err != nil {
		t.Fatal("FetchConversations:", err)
	}
	return s
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			out[i] = "local:" + m.LocalID
			continue
		}
		out[i] = m.ID
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for", what)
}
