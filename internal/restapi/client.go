// Package restapi is the client for the marketplace REST collaborator.
package restapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketsync/internal/model"
	"github.com/capitalize-ai/marketsync/internal/syncerr"
	"github.com/capitalize-ai/marketsync/pkg/logger"
	"github.com/capitalize-ai/marketsync/pkg/metrics"
)

// Options configures the REST client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	// RetryWait is the pause before the single retry of an idempotent GET.
	RetryWait time.Duration
}

// Client calls the REST collaborator. GETs are retried once on transport
// errors and 5xx responses; writes are never retried.
type Client struct {
	reads  *resty.Client
	writes *resty.Client
	tracer trace.Tracer
	logger *logger.Logger
}

type apiError struct {
	Error string `json:"error"`
}

// New creates a REST client.
func New(opts Options, log *logger.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 250 * time.Millisecond
	}

	reads := newResty(opts).
		SetRetryCount(1).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(opts.RetryWait).
		AddRetryCondition(retryable)

	return &Client{
		reads:  reads,
		writes: newResty(opts),
		tracer: otel.Tracer("marketsync/restapi"),
		logger: log.Named("restapi"),
	}
}

func newResty(opts Options) *resty.Client {
	c := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")
	if opts.Token != "" {
		c.SetAuthToken(opts.Token)
	}
	return c
}

func retryable(r *resty.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	return r != nil && r.StatusCode() >= 500
}

// ListConversations fetches every conversation of the viewer.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var out model.ListConversationsResponse
	err := c.do(ctx, "list_conversations", func(ctx context.Context) (*resty.Response, error) {
		return c.reads.R().SetContext(ctx).SetResult(&out).SetError(&apiError{}).
			Get("/conversations")
	})
	if err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// ListMessages fetches one page of a conversation's messages.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page int) ([]model.Message, error) {
	var out model.ListMessagesResponse
	err := c.do(ctx, "list_messages", func(ctx context.Context) (*resty.Response, error) {
		return c.reads.R().SetContext(ctx).SetResult(&out).SetError(&apiError{}).
			SetPathParam("id", conversationID).
			SetQueryParam("page", strconv.Itoa(page)).
			Get("/conversations/{id}/messages")
	}, attribute.String("conversation_id", conversationID))
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage posts a message. The response echoes req.ClientToken.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req model.SendMessageRequest) (*model.Message, error) {
	var out model.SendMessageResponse
	err := c.do(ctx, "send_message", func(ctx context.Context) (*resty.Response, error) {
		return c.writes.R().SetContext(ctx).SetResult(&out).SetError(&apiError{}).
			SetPathParam("id", conversationID).
			SetBody(req).
			Post("/conversations/{id}/messages")
	}, attribute.String("conversation_id", conversationID))
	if err != nil {
		return nil, err
	}
	if out.Message == nil || out.Message.ID == "" {
		return nil, &syncerr.RequestError{Op: "send_message", Err: errors.New("response carried no message")}
	}
	return out.Message, nil
}

// MarkConversationRead acknowledges every message of a conversation.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, "mark_conversation_read", func(ctx context.Context) (*resty.Response, error) {
		return c.writes.R().SetContext(ctx).SetError(&apiError{}).
			SetPathParam("id", conversationID).
			Post("/conversations/{id}/read")
	}, attribute.String("conversation_id", conversationID))
}

// ListNotifications fetches the viewer's notifications, newest first.
func (c *Client) ListNotifications(ctx context.Context) ([]model.Notification, error) {
	var out model.ListNotificationsResponse
	err := c.do(ctx, "list_notifications", func(ctx context.Context) (*resty.Response, error) {
		return c.reads.R().SetContext(ctx).SetResult(&out).SetError(&apiError{}).
			Get("/notifications")
	})
	if err != nil {
		return nil, err
	}
	return out.Notifications, nil
}

// UnreadNotificationCount fetches the number of unread notifications.
func (c *Client) UnreadNotificationCount(ctx context.Context) (int, error) {
	var out model.UnreadCountResponse
	err := c.do(ctx, "unread_notification_count", func(ctx context.Context) (*resty.Response, error) {
		return c.reads.R().SetContext(ctx).SetResult(&out).SetError(&apiError{}).
			Get("/notifications/unread-count")
	})
	if err != nil {
		return 0, err
	}
	return out.Count, nil
}

// MarkNotificationRead marks one notification read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, "mark_notification_read", func(ctx context.Context) (*resty.Response, error) {
		return c.writes.R().SetContext(ctx).SetError(&apiError{}).
			SetPathParam("id", id).
			Post("/notifications/{id}/read")
	}, attribute.String("notification_id", id))
}

// MarkAllNotificationsRead marks every notification read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, "mark_all_notifications_read", func(ctx context.Context) (*resty.Response, error) {
		return c.writes.R().SetContext(ctx).SetError(&apiError{}).
			Post("/notifications/read-all")
	})
}

func (c *Client) do(ctx context.Context, op string, call func(context.Context) (*resty.Response, error), attrs ...attribute.KeyValue) error {
	ctx, span := c.tracer.Start(ctx, "restapi."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	start := time.Now()
	resp, err := call(ctx)
	err = toRequestError(op, resp, err)
	metrics.RecordRESTCall(op, err, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("rest call failed", zap.String("op", op), zap.Error(err))
		return err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))
	return nil
}

func toRequestError(op string, resp *resty.Response, err error) error {
	if err != nil {
		return &syncerr.RequestError{Op: op, Err: err}
	}
	if !resp.IsError() {
		return nil
	}

	msg := resp.Status()
	if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
		msg = e.Error
	}
	return &syncerr.RequestError{
		Op:     op,
		Status: resp.StatusCode(),
		Err:    fmt.Errorf("%s", msg),
	}
}
