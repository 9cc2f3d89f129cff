package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/marketsync/internal/model"
	"github.com/capitalize-ai/marketsync/internal/syncerr"
	"github.com/capitalize-ai/marketsync/pkg/logger"
	"github.com/capitalize-ai/marketsync/pkg/metrics"
)

// ConversationAPI is the part of the REST collaborator the store needs.
type ConversationAPI interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, page int) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID string, req model.SendMessageRequest) (*model.Message, error)
}

// acknowledger issues read acknowledgements for the active conversation.
type acknowledger interface {
	acknowledge(conversationID string)
}

// parkedMessage is a pushed message for a conversation not yet in the cache.
// seq is the fetch sequence current when it was parked.
type parkedMessage struct {
	msg model.Message
	seq uint64
}

type conversationEntry struct {
	conv     model.Conversation
	messages messageList
}

// ConversationStore is the in-memory cache of conversations and messages.
type ConversationStore struct {
	api     ConversationAPI
	self    string
	changes *Changes
	logger  *logger.Logger

	mu            sync.RWMutex
	conversations map[string]*conversationEntry
	orphans       map[string][]parkedMessage
	fetchSeq      uint64
	active        string
	viewGen       uint64
	viewCtx       context.Context
	viewCancel    context.CancelFunc
	ack           acknowledger

	fetches        singleflight.Group
	refreshTimeout time.Duration
	now            func() time.Time
	newToken       func() string
}

// NewConversationStore creates a store for the viewer identified by self.
func NewConversationStore(api ConversationAPI, self string, changes *Changes, log *logger.Logger) *ConversationStore {
	return &ConversationStore{
		api:            api,
		self:           self,
		changes:        changes,
		logger:         log.Named("conversations"),
		conversations:  make(map[string]*conversationEntry),
		orphans:        make(map[string][]parkedMessage),
		refreshTimeout: 15 * time.Second,
		now:            time.Now,
		newToken: func() string {
			return uuid.Must(uuid.NewV7()).String()
		},
	}
}

// FetchConversations replaces the cached conversation collection with the
// server's. Concurrent calls share one request.
func (s *ConversationStore) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	_, err, _ := s.fetches.Do("conversations", func() (any, error) {
		s.mu.Lock()
		s.fetchSeq++
		issued := s.fetchSeq
		s.mu.Unlock()

		convs, err := s.api.ListConversations(ctx)
		if err != nil {
			return nil, err
		}
		if s.replaceConversations(convs, issued) {
			// Messages parked while this request was in flight need a newer snapshot.
			s.fetches.Forget("conversations")
			go s.refreshForOrphans()
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}
	return s.Conversations(), nil
}

// replaceConversations installs the result of the fetch issued at sequence
// issued. Parked messages older than that fetch are merged or dropped; newer
// ones stay parked and the return value reports whether any remain.
func (s *ConversationStore) replaceConversations(convs []model.Conversation, issued uint64) bool {
	var needAck string

	s.mu.Lock()
	next := make(map[string]*conversationEntry, len(convs))
	for _, c := range convs {
		e, ok := s.conversations[c.ID]
		if !ok {
			e = &conversationEntry{}
		}
		e.conv = c.Clone()
		if e.conv.UnreadCount < 0 {
			e.conv.UnreadCount = 0
		}
		if last, ok := e.messages.latest(); ok && last.CreatedAt.After(e.conv.LastMessageAt) {
			e.conv.LastMessageAt = last.CreatedAt
		}
		next[c.ID] = e
	}
	s.conversations = next

	remaining := make(map[string][]parkedMessage)
	for id, parked := range s.orphans {
		e, ok := next[id]
		if !ok {
			var stale int
			for _, p := range parked {
				if p.seq >= issued {
					remaining[id] = append(remaining[id], p)
				} else {
					stale++
				}
			}
			if stale > 0 {
				s.logger.Warn("dropping messages for conversation outside the viewer's list",
					zap.String("conversation_id", id), zap.Int("messages", stale))
			}
			continue
		}
		// The fetched unread count already includes parked messages.
		for _, p := range parked {
			e.messages.upsertConfirmed(p.msg)
			if p.msg.CreatedAt.After(e.conv.LastMessageAt) {
				e.conv.LastMessageAt = p.msg.CreatedAt
			}
		}
	}
	s.orphans = remaining
	pending := len(remaining) > 0

	if e, ok := next[s.active]; ok && e.conv.UnreadCount > 0 {
		e.conv.UnreadCount = 0
		needAck = s.active
	}
	ack := s.ack
	s.mu.Unlock()

	s.changes.Publish(Change{Kind: ChangeConversations})
	if needAck != "" && ack != nil {
		ack.acknowledge(needAck)
	}
	return pending
}

// FetchMessages fetches one page of history and merges it, deduplicated by id.
// If the conversation is the active view and the view changes before the
// response arrives, the request is cancelled and a StaleViewError returned.
func (s *ConversationStore) FetchMessages(ctx context.Context, conversationID string, page int) ([]model.Message, error) {
	s.mu.RLock()
	_, known := s.conversations[conversationID]
	viewTied := s.active == conversationID && s.viewCtx != nil
	gen, viewCtx := s.viewGen, s.viewCtx
	s.mu.RUnlock()

	if !known {
		return nil, syncerr.ErrConversationNotFound
	}

	if viewTied {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(viewCtx, cancel)
		defer stop()
	}

	msgs, err := s.api.ListMessages(ctx, conversationID, page)

	s.mu.Lock()
	if viewTied && gen != s.viewGen {
		s.mu.Unlock()
		return nil, &syncerr.StaleViewError{ConversationID: conversationID}
	}
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	e, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil, syncerr.ErrConversationNotFound
	}
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		e.messages.upsertConfirmed(m)
		if m.CreatedAt.After(e.conv.LastMessageAt) {
			e.conv.LastMessageAt = m.CreatedAt
		}
	}
	out := e.messages.snapshot()
	s.mu.Unlock()

	s.changes.Publish(Change{Kind: ChangeMessages, ConversationID: conversationID})
	return out, nil
}

// SendMessage inserts a pending message and sends it. On success the pending
// entry is replaced by the server's message; on failure it stays visible in
// the failed state and the error is returned. Sends are never retried here.
func (s *ConversationStore) SendMessage(ctx context.Context, conversationID, body string) (model.Message, error) {
	token := s.newToken()
	local := model.Message{
		LocalID:        token,
		ConversationID: conversationID,
		SenderID:       s.self,
		Body:           body,
		ClientToken:    token,
		CreatedAt:      s.now(),
		State:          model.DeliveryPending,
	}

	s.mu.Lock()
	e, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return model.Message{}, syncerr.ErrConversationNotFound
	}
	e.messages.insert(local)
	s.mu.Unlock()

	s.changes.Publish(Change{Kind: ChangeMessages, ConversationID: conversationID})
	return s.deliver(ctx, local)
}

// RetrySend re-sends a failed message. The entry and its correlation token are
// reused, so a retry never adds a second entry.
func (s *ConversationStore) RetrySend(ctx context.Context, conversationID, localID string) (model.Message, error) {
	s.mu.Lock()
	e, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return model.Message{}, syncerr.ErrConversationNotFound
	}
	i := e.messages.indexOfKey(model.Pending(localID))
	if i < 0 {
		s.mu.Unlock()
		return model.Message{}, syncerr.ErrMessageNotFound
	}
	if e.messages.items[i].State != model.DeliveryFailed {
		s.mu.Unlock()
		return model.Message{}, fmt.Errorf("message %s is %s, not failed", localID, e.messages.items[i].State)
	}
	e.messages.items[i].State = model.DeliveryPending
	m := e.messages.items[i]
	s.mu.Unlock()

	s.changes.Publish(Change{Kind: ChangeMessages, ConversationID: conversationID})
	return s.deliver(ctx, m)
}

// DiscardFailed removes a failed message.
func (s *ConversationStore) DiscardFailed(conversationID, localID string) error {
	s.mu.Lock()
	e, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return syncerr.ErrConversationNotFound
	}
	i := e.messages.indexOfKey(model.Pending(localID))
	if i < 0 || e.messages.items[i].State != model.DeliveryFailed {
		s.mu.Unlock()
		return syncerr.ErrMessageNotFound
	}
	e.messages.removeAt(i)
	s.mu.Unlock()

	s.changes.Publish(Change{Kind: ChangeMessages, ConversationID: conversationID})
	return nil
}

func (s *ConversationStore) deliver(ctx context.Context, local model.Message) (model.Message, error) {
	echo, err := s.api.SendMessage(ctx, local.ConversationID, model.SendMessageRequest{
		Body:        local.Body,
		ClientToken: local.ClientToken,
	})

	s.mu.Lock()
	e, ok := s.conversations[local.ConversationID]
	if !ok {
		s.mu.Unlock()
		if err != nil {
			return model.Message{}, fmt.Errorf("failed to send message: %w", err)
		}
		return *echo, nil
	}

	if err != nil {
		// A push echo may already have confirmed the message.
		if i := e.messages.indexOfConfirmedToken(local.ClientToken); i >= 0 {
			m := e.messages.items[i]
			s.mu.Unlock()
			return m, nil
		}
		failed := local
		failed.State = model.DeliveryFailed
		if i := e.messages.indexOfLocal(local.ClientToken); i >= 0 {
			e.messages.items[i].State = model.DeliveryFailed
			failed = e.messages.items[i]
		}
		s.mu.Unlock()

		metrics.MessagesSentTotal.WithLabelValues("failed").Inc()
		s.logger.Warn("message send failed",
			zap.String("conversation_id", local.ConversationID),
			zap.String("local_id", local.LocalID),
			zap.Error(err))
		s.changes.Publish(Change{Kind: ChangeMessages, ConversationID: local.ConversationID})
		return failed, fmt.Errorf("failed to send message: %w", err)
	}

	confirmed := *echo
	if confirmed.ClientToken == "" {
		confirmed.ClientToken = local.ClientToken
	}
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = local.ConversationID
	}
	e.messages.upsertConfirmed(confirmed)
	if confirmed.CreatedAt.After(e.conv.LastMessageAt) {
		e.conv.LastMessageAt = confirmed.CreatedAt
	}
	stored := confirmed
	if i := e.messages.indexOfKey(model.Confirmed(confirmed.ID)); i >= 0 {
		stored = e.messages.items[i]
	}
	s.mu.Unlock()

	metrics.MessagesSentTotal.WithLabelValues("sent").Inc()
	s.changes.Publish(Change{Kind: ChangeMessages, ConversationID: local.ConversationID})
	return stored, nil
}

// OnIncomingMessage merges a pushed message. Known ids are ignored. Messages
// for conversations not in the cache are parked and a conversation refresh
// is started.
func (s *ConversationStore) OnIncomingMessage(msg model.Message) {
	if msg.ID == "" || msg.ConversationID == "" {
		s.logger.Warn("ignoring pushed message without ids")
		return
	}

	s.mu.Lock()
	e, ok := s.conversations[msg.ConversationID]
	if !ok {
		s.parkLocked(msg)
		s.mu.Unlock()
		go s.refreshForOrphans()
		return
	}
	needAck := s.applyIncomingLocked(e, msg)
	ack := s.ack
	s.mu.Unlock()

	s.changes.Publish(Change{Kind: ChangeMessages, ConversationID: msg.ConversationID})
	if needAck && ack != nil {
		ack.acknowledge(msg.ConversationID)
	}
}

// applyIncomingLocked merges msg and updates counters. It reports whether a
// read acknowledgement is due because the conversation is being viewed.
func (s *ConversationStore) applyIncomingLocked(e *conversationEntry, msg model.Message) bool {
	res := e.messages.upsertConfirmed(msg)
	if res == mergeDuplicate {
		return false
	}
	if msg.CreatedAt.After(e.conv.LastMessageAt) {
		e.conv.LastMessageAt = msg.CreatedAt
	}
	if res != mergeInserted || msg.SenderID == s.self {
		return false
	}
	if s.active == e.conv.ID {
		return true
	}
	e.conv.UnreadCount++
	return false
}

func (s *ConversationStore) parkLocked(msg model.Message) {
	for _, p := range s.orphans[msg.ConversationID] {
		if p.msg.ID == msg.ID {
			return
		}
	}
	s.orphans[msg.ConversationID] = append(s.orphans[msg.ConversationID], parkedMessage{msg: msg, seq: s.fetchSeq})
}

func (s *ConversationStore) refreshForOrphans() {
	ctx, cancel := context.WithTimeout(context.Background(), s.refreshTimeout)
	defer cancel()

	if _, err := s.FetchConversations(ctx); err != nil {
		s.logger.Warn("conversation refresh for unknown conversation failed", zap.Error(err))
	}
}

// SetActive marks conversationID as the viewed conversation. Fetches tied to
// the previous view are cancelled.
func (s *ConversationStore) SetActive(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == conversationID && s.viewCtx != nil {
		return
	}
	s.switchViewLocked(conversationID)
}

// ClearActive leaves the current view.
func (s *ConversationStore) ClearActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switchViewLocked("")
}

func (s *ConversationStore) switchViewLocked(conversationID string) {
	if s.viewCancel != nil {
		s.viewCancel()
		s.viewCancel = nil
		s.viewCtx = nil
	}
	s.viewGen++
	s.active = conversationID
	if conversationID != "" {
		s.viewCtx, s.viewCancel = context.WithCancel(context.Background())
	}
}

// Active returns the viewed conversation id, or "".
func (s *ConversationStore) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Conversations returns the cached conversations, most recent first.
func (s *ConversationStore) Conversations() []model.Conversation {
	s.mu.RLock()
	out := make([]model.Conversation, 0, len(s.conversations))
	for _, e := range s.conversations {
		out = append(out, e.conv.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conversation returns one cached conversation.
func (s *ConversationStore) Conversation(conversationID string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.conversations[conversationID]
	if !ok {
		return model.Conversation{}, false
	}
	return e.conv.Clone(), true
}

// Messages returns the ordered messages of a conversation.
func (s *ConversationStore) Messages(conversationID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.conversations[conversationID]
	if !ok {
		return nil, syncerr.ErrConversationNotFound
	}
	return e.messages.snapshot(), nil
}

// zeroUnread clears the unread count and returns the previous value.
func (s *ConversationStore) zeroUnread(conversationID string) (int, error) {
	s.mu.Lock()
	e, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return 0, syncerr.ErrConversationNotFound
	}
	prev := e.conv.UnreadCount
	e.conv.UnreadCount = 0
	s.mu.Unlock()

	if prev != 0 {
		s.changes.Publish(Change{Kind: ChangeConversations, ConversationID: conversationID})
	}
	return prev, nil
}

// restoreUnread rolls back zeroUnread. Messages counted while the
// acknowledgement was in flight are kept.
func (s *ConversationStore) restoreUnread(conversationID string, prev int) {
	if prev == 0 {
		return
	}
	s.mu.Lock()
	e, ok := s.conversations[conversationID]
	if ok {
		e.conv.UnreadCount += prev
	}
	s.mu.Unlock()

	if ok {
		s.changes.Publish(Change{Kind: ChangeConversations, ConversationID: conversationID})
	}
}

// markReadByPeer flags the viewer's confirmed messages in a conversation as
// read by a counterpart. It returns how many flags changed.
func (s *ConversationStore) markReadByPeer(conversationID, readerID string) (int, error) {
	if readerID == s.self {
		return 0, nil
	}

	s.mu.Lock()
	e, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return 0, syncerr.ErrConversationNotFound
	}
	changed := 0
	for i := range e.messages.items {
		m := &e.messages.items[i]
		if m.ID != "" && m.SenderID == s.self && !m.ReadByPeer {
			m.ReadByPeer = true
			changed++
		}
	}
	s.mu.Unlock()

	if changed > 0 {
		s.changes.Publish(Change{Kind: ChangeMessages, ConversationID: conversationID, Detail: "read"})
	}
	return changed, nil
}
