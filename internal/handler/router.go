package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/marketsync/internal/middleware"
	"github.com/capitalize-ai/marketsync/internal/service"
	"github.com/capitalize-ai/marketsync/pkg/logger"
)

// RouterConfig carries everything the adapter routes need.
type RouterConfig struct {
	Conversations *service.ConversationStore
	Receipts      *service.ReadReceiptCoordinator
	Typing        *service.TypingCoordinator
	Notifications *service.NotificationAggregator
	Presence      *service.PresenceTracker
	Changes       *service.Changes
	Session       StatusReporter

	// Identity is the viewer; adapter tokens must be issued to it.
	Identity string
	// JWTSecret enables bearer auth on /api/v1 when set.
	JWTSecret string

	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	Logger *logger.Logger
}

// NewRouter builds the subscription adapter.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger

	healthHandler := NewHealthHandler(cfg.Session)
	conversationHandler := NewConversationHandler(cfg.Conversations, cfg.Receipts, cfg.Typing, log)
	messageHandler := NewMessageHandler(cfg.Conversations, log)
	notificationHandler := NewNotificationHandler(cfg.Notifications, log)
	presenceHandler := NewPresenceHandler(cfg.Presence)
	streamHandler := NewStreamHandler(cfg.Changes, cfg.Session, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(middleware.Auth(cfg.JWTSecret, cfg.Identity))
		}
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)
			r.Delete("/active", conversationHandler.Deactivate)

			r.Route("/{id}", func(r chi.Router) {
				r.Post("/active", conversationHandler.Activate)
				r.Get("/typing", conversationHandler.TypingState)
				r.Post("/typing", conversationHandler.Typing)

				r.Get("/messages", conversationHandler.Messages)
				r.Post("/messages", messageHandler.Send)
				r.Post("/messages/{localID}/retry", messageHandler.Retry)
				r.Delete("/messages/{localID}", messageHandler.Discard)
			})
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", notificationHandler.List)
			r.Get("/unread-count", notificationHandler.UnreadCount)
			r.Post("/read-all", notificationHandler.MarkAllRead)
			r.Post("/{id}/read", notificationHandler.MarkRead)
		})

		r.Get("/presence", presenceHandler.Online)
		r.Get("/stream", streamHandler.Stream)
	})

	return r
}
