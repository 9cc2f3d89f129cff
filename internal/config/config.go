// Package config provides environment configuration for the sync daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport kinds accepted by SYNC_TRANSPORT.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// Config holds all configuration for the sync daemon.
type Config struct {
	// Subscription adapter settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSAllowedOrigins []string

	// REST collaborator
	APIBaseURL     string
	RequestTimeout time.Duration

	// Push channel
	Transport           string
	PushURL             string
	Credential          string
	ReconnectMaxBackoff time.Duration

	// NATS settings, used when Transport is "nats"
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string

	// Engine
	TypingTimeout time.Duration

	// Adapter auth; empty disables it
	AdapterJWTSecret string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel    string
	Environment string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Adapter
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		CORSAllowedOrigins: getSliceEnv("CORS_ALLOWED_ORIGINS", nil),

		// REST
		APIBaseURL:     getEnv("SYNC_API_URL", "http://localhost:9000/api/v1"),
		RequestTimeout: getDurationEnv("REQUEST_TIMEOUT", 10*time.Second),

		// Push
		Transport:           getEnv("SYNC_TRANSPORT", TransportWebSocket),
		PushURL:             getEnv("SYNC_PUSH_URL", "ws://localhost:9000/ws"),
		Credential:          getEnv("SYNC_CREDENTIAL", ""),
		ReconnectMaxBackoff: getDurationEnv("RECONNECT_MAX_BACKOFF", 30*time.Second),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),

		// Engine
		TypingTimeout: getDurationEnv("TYPING_TIMEOUT", 5*time.Second),

		// Adapter auth
		AdapterJWTSecret: getEnv("ADAPTER_JWT_SECRET", ""),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Environment: getEnv("ENV", "production"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate checks the settings the daemon cannot start without.
func (c *Config) Validate() error {
	if c.Credential == "" {
		return errors.New("SYNC_CREDENTIAL is required")
	}
	switch c.Transport {
	case TransportWebSocket, TransportNATS:
	default:
		return fmt.Errorf("unsupported SYNC_TRANSPORT %q", c.Transport)
	}
	if c.ReconnectMaxBackoff <= 0 {
		return errors.New("RECONNECT_MAX_BACKOFF must be positive")
	}
	if c.TypingTimeout <= 0 {
		return errors.New("TYPING_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
