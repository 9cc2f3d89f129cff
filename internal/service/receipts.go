package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/marketsync/internal/syncerr"
	"github.com/capitalize-ai/marketsync/pkg/logger"
	"github.com/capitalize-ai/marketsync/pkg/metrics"
)

// ReadAPI acknowledges conversations as read.
type ReadAPI interface {
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// ReadReceiptCoordinator issues read acknowledgements for the viewed
// conversation and applies the counterparts' receipts to the store.
type ReadReceiptCoordinator struct {
	api        ReadAPI
	store      *ConversationStore
	logger     *logger.Logger
	acks       singleflight.Group
	ackTimeout time.Duration
}

// NewReadReceiptCoordinator wires the coordinator into store so that messages
// arriving in the active conversation are acknowledged.
func NewReadReceiptCoordinator(api ReadAPI, store *ConversationStore, log *logger.Logger) *ReadReceiptCoordinator {
	r := &ReadReceiptCoordinator{
		api:        api,
		store:      store,
		logger:     log.Named("receipts"),
		ackTimeout: 10 * time.Second,
	}
	store.mu.Lock()
	store.ack = r
	store.mu.Unlock()
	return r
}

// Activate makes conversationID the viewed conversation and marks it read.
// The local unread count is zeroed first and restored if the server call fails.
func (r *ReadReceiptCoordinator) Activate(ctx context.Context, conversationID string) error {
	if _, ok := r.store.Conversation(conversationID); !ok {
		return fmt.Errorf("failed to activate conversation %s: %w", conversationID, syncerr.ErrConversationNotFound)
	}
	r.store.SetActive(conversationID)
	return r.markRead(ctx, conversationID)
}

// Deactivate leaves the viewed conversation.
func (r *ReadReceiptCoordinator) Deactivate() {
	r.store.ClearActive()
}

// OnMessageRead records that readerID read the conversation. Only the per
// message readByPeer flags change; the viewer's unread count is untouched.
func (r *ReadReceiptCoordinator) OnMessageRead(conversationID, readerID string) {
	if _, err := r.store.markReadByPeer(conversationID, readerID); err != nil {
		r.logger.Debug("read receipt for unknown conversation",
			zap.String("conversation_id", conversationID), zap.String("reader_id", readerID))
	}
}

func (r *ReadReceiptCoordinator) markRead(ctx context.Context, conversationID string) error {
	prev, err := r.store.zeroUnread(conversationID)
	if err != nil {
		return err
	}
	if err := r.api.MarkConversationRead(ctx, conversationID); err != nil {
		r.store.restoreUnread(conversationID, prev)
		metrics.RollbacksTotal.WithLabelValues("mark_conversation_read").Inc()
		r.logger.Warn("mark conversation read failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return fmt.Errorf("failed to mark conversation read: %w", err)
	}
	return nil
}

// acknowledge sends a read acknowledgement in the background. Requests for the
// same conversation that overlap an in-flight one share it.
func (r *ReadReceiptCoordinator) acknowledge(conversationID string) {
	go func() {
		_, _, _ = r.acks.Do(conversationID, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), r.ackTimeout)
			defer cancel()
			if err := r.api.MarkConversationRead(ctx, conversationID); err != nil {
				r.logger.Warn("read acknowledgement failed",
					zap.String("conversation_id", conversationID), zap.Error(err))
				return nil, err
			}
			return nil, nil
		})
	}()
}
