package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketsync/internal/model"
	"github.com/capitalize-ai/marketsync/pkg/logger"
	"github.com/capitalize-ai/marketsync/pkg/metrics"
)

// NotificationAPI is the part of the REST collaborator the aggregator needs.
type NotificationAPI interface {
	ListNotifications(ctx context.Context) ([]model.Notification, error)
	UnreadNotificationCount(ctx context.Context) (int, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// NotificationAggregator keeps the viewer's notification list and unread count.
type NotificationAggregator struct {
	api     NotificationAPI
	changes *Changes
	logger  *logger.Logger

	mu     sync.RWMutex
	items  []model.Notification
	unread int
}

// NewNotificationAggregator creates an empty aggregator backed by api.
func NewNotificationAggregator(api NotificationAPI, changes *Changes, log *logger.Logger) *NotificationAggregator {
	return &NotificationAggregator{api: api, changes: changes, logger: log.Named("notifications")}
}

// FetchNotifications replaces the cached list. A notification already read
// locally stays read even if the server still reports it unread.
func (a *NotificationAggregator) FetchNotifications(ctx context.Context) ([]model.Notification, error) {
	list, err := a.api.ListNotifications(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notifications: %w", err)
	}

	a.mu.Lock()
	read := make(map[string]bool, len(a.items))
	for _, n := range a.items {
		if n.IsRead {
			read[n.ID] = true
		}
	}
	a.items = make([]model.Notification, 0, len(list))
	for _, n := range list {
		if read[n.ID] {
			n.IsRead = true
		}
		a.items = append(a.items, n)
	}
	out := a.snapshotLocked()
	a.mu.Unlock()

	a.changes.Publish(Change{Kind: ChangeNotifications})
	return out, nil
}

// FetchUnreadCount refreshes the unread count from the server.
func (a *NotificationAggregator) FetchUnreadCount(ctx context.Context) (int, error) {
	count, err := a.api.UnreadNotificationCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch unread count: %w", err)
	}
	if count < 0 {
		count = 0
	}

	a.mu.Lock()
	a.unread = count
	a.mu.Unlock()

	a.changes.Publish(Change{Kind: ChangeNotifications})
	return count, nil
}

// MarkRead flips one notification to read, then confirms with the server.
// On failure the flip is undone and the error returned.
func (a *NotificationAggregator) MarkRead(ctx context.Context, id string) error {
	a.mu.Lock()
	i := a.indexLocked(id)
	flipped := i >= 0 && !a.items[i].IsRead
	if flipped {
		a.items[i].IsRead = true
		if a.unread > 0 {
			a.unread--
		}
	}
	a.mu.Unlock()

	if flipped {
		a.changes.Publish(Change{Kind: ChangeNotifications, Detail: id})
	}

	if err := a.api.MarkNotificationRead(ctx, id); err != nil {
		if flipped {
			a.mu.Lock()
			if j := a.indexLocked(id); j >= 0 {
				a.items[j].IsRead = false
			}
			a.unread++
			a.mu.Unlock()

			metrics.RollbacksTotal.WithLabelValues("mark_notification_read").Inc()
			a.changes.Publish(Change{Kind: ChangeNotifications, Detail: id})
		}
		a.logger.Warn("mark notification read failed", zap.String("notification_id", id), zap.Error(err))
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	return nil
}

// MarkAllRead flips every notification to read and zeroes the count, then
// confirms with the server. On failure only the entries flipped here are
// restored, and the count gets back what was taken from it.
func (a *NotificationAggregator) MarkAllRead(ctx context.Context) error {
	a.mu.Lock()
	var flipped []string
	for i := range a.items {
		if !a.items[i].IsRead {
			a.items[i].IsRead = true
			flipped = append(flipped, a.items[i].ID)
		}
	}
	prevCount := a.unread
	a.unread = 0
	a.mu.Unlock()

	a.changes.Publish(Change{Kind: ChangeNotifications})

	if err := a.api.MarkAllNotificationsRead(ctx); err != nil {
		a.mu.Lock()
		for _, id := range flipped {
			if j := a.indexLocked(id); j >= 0 {
				a.items[j].IsRead = false
			}
		}
		a.unread += prevCount
		a.mu.Unlock()

		metrics.RollbacksTotal.WithLabelValues("mark_all_notifications_read").Inc()
		a.changes.Publish(Change{Kind: ChangeNotifications})
		a.logger.Warn("mark all notifications read failed", zap.Error(err))
		return fmt.Errorf("failed to mark all notifications read: %w", err)
	}
	return nil
}

// OnIncomingNotification prepends a pushed notification. Known ids are ignored.
func (a *NotificationAggregator) OnIncomingNotification(n model.Notification) {
	if n.ID == "" {
		a.logger.Warn("ignoring pushed notification without id")
		return
	}

	a.mu.Lock()
	if a.indexLocked(n.ID) >= 0 {
		a.mu.Unlock()
		return
	}
	a.items = append([]model.Notification{n}, a.items...)
	if !n.IsRead {
		a.unread++
	}
	a.mu.Unlock()

	a.changes.Publish(Change{Kind: ChangeNotifications, Detail: n.ID})
}

// Notifications returns the cached list, newest first.
func (a *NotificationAggregator) Notifications() []model.Notification {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

// UnreadCount returns the cached unread count.
func (a *NotificationAggregator) UnreadCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.unread
}

func (a *NotificationAggregator) indexLocked(id string) int {
	for i := range a.items {
		if a.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (a *NotificationAggregator) snapshotLocked() []model.Notification {
	return append([]model.Notification(nil), a.items...)
}
