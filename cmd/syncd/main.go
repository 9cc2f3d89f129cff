// Package main is the entry point for the sync daemon.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketsync/internal/config"
	"github.com/capitalize-ai/marketsync/internal/dispatch"
	"github.com/capitalize-ai/marketsync/internal/handler"
	"github.com/capitalize-ai/marketsync/internal/restapi"
	"github.com/capitalize-ai/marketsync/internal/service"
	"github.com/capitalize-ai/marketsync/internal/transport"
	"github.com/capitalize-ai/marketsync/pkg/logger"
	"github.com/capitalize-ai/marketsync/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	var log *logger.Logger
	var err error
	if cfg.Environment == "development" {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	identity, err := transport.IdentityFromCredential(cfg.Credential)
	if err != nil {
		log.Error("invalid credential", zap.Error(err))
		os.Exit(1)
	}
	log = log.WithIdentity(identity)

	log.Info("starting sync daemon", zap.String("transport", cfg.Transport))

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "marketsync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Push channel
	var dialer transport.Dialer
	switch cfg.Transport {
	case config.TransportNATS:
		dialer = transport.NewNATSDialer(transport.NATSConfig{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
		})
	default:
		dialer = transport.NewWebSocketDialer(cfg.PushURL)
	}

	session := transport.NewSession(transport.NewRegistry(), dialer, transport.Config{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     cfg.ReconnectMaxBackoff,
		DialTimeout:    cfg.RequestTimeout,
	}, log)

	// REST collaborator
	api := restapi.New(restapi.Options{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.Credential,
		Timeout: cfg.RequestTimeout,
	}, log)

	// Stores
	changes := service.NewChanges(64)
	conversations := service.NewConversationStore(api, identity, changes, log)
	receipts := service.NewReadReceiptCoordinator(api, conversations, log)
	presence := service.NewPresenceTracker(changes)
	typing := service.NewTypingCoordinator(session, identity, cfg.TypingTimeout, changes, log)
	notifications := service.NewNotificationAggregator(api, changes, log)

	dispatcher := dispatch.New(dispatch.Stores{
		Conversations: conversations,
		Presence:      presence,
		Typing:        typing,
		Notifications: notifications,
		Receipts:      receipts,
	}, log)
	session.OnEvent(dispatcher.Handle)
	session.OnStatus(func(st transport.Status) {
		detail := string(st.State)
		if st.Offline {
			detail = "offline"
		}
		changes.Publish(service.Change{Kind: service.ChangeConnection, Detail: detail})
	})

	// Push channel first, so events pushed while the initial state loads are
	// merged by id instead of missed.
	if _, err := session.Connect(ctx, cfg.Credential); err != nil {
		log.Error("failed to open push channel", zap.Error(err))
		os.Exit(1)
	}
	defer session.Disconnect()

	initial, cancelInitial := context.WithTimeout(ctx, 2*cfg.RequestTimeout)
	if err := dispatcher.Refresh(initial); err != nil {
		log.Warn("initial fetch incomplete", zap.Error(err))
	}
	cancelInitial()

	router := handler.NewRouter(handler.RouterConfig{
		Conversations:     conversations,
		Receipts:          receipts,
		Typing:            typing,
		Notifications:     notifications,
		Presence:          presence,
		Changes:           changes,
		Session:           session,
		Identity:          identity,
		JWTSecret:         cfg.AdapterJWTSecret,
		AllowedOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Logger:            log.Named("adapter"),
	})

	// Create HTTP server. Open streams end when shutdown starts.
	baseCtx, stopStreams := context.WithCancel(ctx)
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(stopStreams)

	// Start server in goroutine
	go func() {
		log.Info("adapter listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("sync daemon stopped")
}
