// Package dispatch routes inbound push events to the stores that own them.
package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/marketsync/internal/model"
	"github.com/capitalize-ai/marketsync/internal/service"
	"github.com/capitalize-ai/marketsync/pkg/logger"
	"github.com/capitalize-ai/marketsync/pkg/metrics"
)

// Stores groups the event consumers.
type Stores struct {
	Conversations *service.ConversationStore
	Presence      *service.PresenceTracker
	Typing        *service.TypingCoordinator
	Notifications *service.NotificationAggregator
	Receipts      *service.ReadReceiptCoordinator
}

// Dispatcher decodes envelopes and hands them to the owning store. It does no
// buffering or reordering; events are handled on the caller's goroutine.
type Dispatcher struct {
	stores         Stores
	logger         *logger.Logger
	resyncTimeout  time.Duration
	resyncComplete func(error)
}

var _ model.Sink = (*Dispatcher)(nil)

// New creates a dispatcher routing to stores.
func New(stores Stores, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		stores:        stores,
		logger:        log.Named("dispatch"),
		resyncTimeout: 30 * time.Second,
	}
}

// OnResyncComplete registers fn to be called when the background refresh
// after a reconnect finishes.
func (d *Dispatcher) OnResyncComplete(fn func(error)) {
	d.resyncComplete = fn
}

// Handle routes one envelope. Unknown or malformed events are logged and dropped.
func (d *Dispatcher) Handle(env model.Envelope) {
	ev, err := model.Decode(env)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, model.ErrUnknownEvent) {
			reason = "unknown_type"
		}
		metrics.EventsDropped.WithLabelValues(reason).Inc()
		d.logger.Warn("dropping push event",
			zap.String("type", string(env.Type)),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}

	metrics.EventsTotal.WithLabelValues(string(ev.Type())).Inc()
	ev.Visit(d)
}

// OnMessageNew merges a pushed message into the conversation store.
func (d *Dispatcher) OnMessageNew(e model.MessageNewEvent) {
	d.stores.Conversations.OnIncomingMessage(e.Message)
}

// OnMessageRead records a counterpart's read receipt.
func (d *Dispatcher) OnMessageRead(e model.MessageReadEvent) {
	d.stores.Receipts.OnMessageRead(e.ConversationID, e.ReaderID)
}

// OnPresenceOnline marks an identity online.
func (d *Dispatcher) OnPresenceOnline(e model.PresenceEvent) {
	d.stores.Presence.OnOnline(e.Identity)
}

// OnPresenceOffline marks an identity offline.
func (d *Dispatcher) OnPresenceOffline(e model.PresenceEvent) {
	d.stores.Presence.OnOffline(e.Identity)
}

// OnTypingStart shows a counterpart's typing indicator.
func (d *Dispatcher) OnTypingStart(e model.TypingEvent) {
	d.stores.Typing.OnTypingStart(e.ConversationID, e.Identity)
}

// OnTypingStop clears a counterpart's typing indicator.
func (d *Dispatcher) OnTypingStop(e model.TypingEvent) {
	d.stores.Typing.OnTypingStop(e.ConversationID, e.Identity)
}

// OnNotificationNew adds a pushed notification.
func (d *Dispatcher) OnNotificationNew(e model.NotificationNewEvent) {
	d.stores.Notifications.OnIncomingNotification(e.Notification)
}

// OnResynced discards ephemeral state synchronously, then refreshes the
// fetched state in the background to close the gap left by the outage.
func (d *Dispatcher) OnResynced(model.ResyncedEvent) {
	d.stores.Presence.Reset()
	d.stores.Typing.Reset()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.resyncTimeout)
		defer cancel()

		err := d.Refresh(ctx)
		if err != nil {
			d.logger.Warn("refresh after reconnect failed", zap.Error(err))
		}
		if d.resyncComplete != nil {
			d.resyncComplete(err)
		}
	}()
}

// Refresh fetches conversations, notifications and the unread notification
// count concurrently. Call it once the push channel is up so that events
// pushed during the fetch are merged by id rather than missed.
func (d *Dispatcher) Refresh(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := d.stores.Conversations.FetchConversations(ctx)
		return err
	})
	g.Go(func() error {
		_, err := d.stores.Notifications.FetchNotifications(ctx)
		return err
	})
	g.Go(func() error {
		_, err := d.stores.Notifications.FetchUnreadCount(ctx)
		return err
	})
	return g.Wait()
}
