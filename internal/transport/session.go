// Package transport owns the persistent push connection of one identity.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketsync/internal/model"
	"github.com/capitalize-ai/marketsync/internal/syncerr"
	"github.com/capitalize-ai/marketsync/pkg/logger"
	"github.com/capitalize-ai/marketsync/pkg/metrics"
)

// State is the connection state of a Session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

var allStates = []string{
	string(StateDisconnected),
	string(StateConnecting),
	string(StateConnected),
	string(StateReconnecting),
}

var errNotConnected = errors.New("not connected")

// Conn is one established push connection.
type Conn interface {
	// ReadEnvelope blocks until the next inbound frame. It returns an error
	// once the connection is lost or closed.
	ReadEnvelope() (model.Envelope, error)
	WriteEnvelope(env model.Envelope) error
	Close() error
}

// Dialer opens push connections.
type Dialer interface {
	Dial(ctx context.Context, identity, credential string) (Conn, error)
}

// Handler receives inbound envelopes, serially, on the session's read goroutine.
type Handler func(model.Envelope)

// Status is reported to status observers on every change.
type Status struct {
	State State
	// Offline is set once the channel has been down for longer than the
	// backoff cap. Reconnect attempts continue.
	Offline bool
}

// Config holds session tuning.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DialTimeout    time.Duration
}

// Session is the single push connection of an authenticated identity.
type Session struct {
	registry *Registry
	dialer   Dialer
	cfg      Config
	logger   *logger.Logger

	mu         sync.Mutex
	state      State
	offline    bool
	identity   string
	credential string
	conn       Conn
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	handlers   []Handler
	observers  []func(Status)

	writeMu sync.Mutex
}

// Handle is returned by Connect and identifies the live connection.
type Handle struct {
	Identity string
	session  *Session
}

// Disconnect closes the session the handle belongs to.
func (h *Handle) Disconnect() { h.session.Disconnect() }

// NewSession creates a disconnected session.
func NewSession(registry *Registry, dialer Dialer, cfg Config, log *logger.Logger) *Session {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Session{
		registry: registry,
		dialer:   dialer,
		cfg:      cfg,
		logger:   log.Named("transport"),
		state:    StateDisconnected,
	}
}

// OnEvent registers a handler for inbound events, including the synthetic
// resynced event emitted after every reconnect.
func (s *Session) OnEvent(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// OnStatus registers an observer of state changes.
func (s *Session) OnStatus(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Offline reports whether the channel has been down longer than the backoff cap.
func (s *Session) Offline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

// Identity returns the identity of the current or last connection.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Connect opens the push connection for the identity named by credential.
func (s *Session) Connect(ctx context.Context, credential string) (*Handle, error) {
	identity, err := IdentityFromCredential(credential)
	if err != nil {
		return nil, &syncerr.TransportError{Op: "connect", Err: err}
	}

	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil, &syncerr.DuplicateSessionError{Identity: identity}
	}
	if err := s.registry.acquire(identity, s); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.identity = identity
	s.credential = credential
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, err := s.dialer.Dial(dialCtx, identity, credential)
	cancel()
	if err != nil {
		s.mu.Lock()
		s.cancel()
		s.mu.Unlock()
		s.setState(StateDisconnected)
		s.registry.release(identity, s)
		return nil, &syncerr.TransportError{Op: "connect", Err: err}
	}

	done := make(chan struct{})
	s.mu.Lock()
	if s.ctx.Err() != nil {
		// Disconnect ran while dialing.
		s.mu.Unlock()
		conn.Close()
		return nil, &syncerr.TransportError{Op: "connect", Err: context.Canceled}
	}
	s.conn = conn
	s.done = done
	s.mu.Unlock()

	s.setState(StateConnected)
	s.logger.Info("push channel connected", zap.String("identity", identity))

	go s.run(conn, done)

	return &Handle{Identity: identity, session: s}, nil
}

// Disconnect closes the connection and stops reconnecting. It must not be
// called from an event handler.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.cancel()
	conn := s.conn
	done := s.done
	identity := s.identity
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}

	s.mu.Lock()
	s.conn = nil
	s.offline = false
	s.mu.Unlock()

	s.setState(StateDisconnected)
	s.registry.release(identity, s)
	s.logger.Info("push channel disconnected", zap.String("identity", identity))
}

// Send writes an outbound event on the live connection.
func (s *Session) Send(ctx context.Context, eventType model.EventType, payload any) error {
	if err := ctx.Err(); err != nil {
		return &syncerr.TransportError{Op: "send", Err: err}
	}

	s.mu.Lock()
	conn, state, offline := s.conn, s.state, s.offline
	s.mu.Unlock()
	if offline {
		return &syncerr.TransportError{Op: "send", Err: syncerr.ErrOffline}
	}
	if state != StateConnected || conn == nil {
		return &syncerr.TransportError{Op: "send", Err: errNotConnected}
	}

	env, err := model.NewEnvelope(eventType, payload)
	if err != nil {
		return &syncerr.TransportError{Op: "send", Err: err}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteEnvelope(env); err != nil {
		return &syncerr.TransportError{Op: "send", Err: err}
	}
	return nil
}

func (s *Session) run(conn Conn, done chan struct{}) {
	defer close(done)

	for {
		env, err := conn.ReadEnvelope()
		if err == nil {
			s.emit(env)
			continue
		}

		conn.Close()
		if s.stopped() {
			return
		}
		s.logger.Warn("push channel lost", zap.Error(err))

		conn = s.reconnect()
		if conn == nil {
			return
		}
		s.emit(model.Envelope{Type: model.EventResynced})
	}
}

// reconnect dials until it succeeds or the session is stopped, in which case
// it returns nil.
func (s *Session) reconnect() Conn {
	s.mu.Lock()
	s.conn = nil
	ctx, identity, credential := s.ctx, s.identity, s.credential
	s.mu.Unlock()

	s.setState(StateReconnecting)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		wait := b.NextBackOff()
		if wait > s.cfg.MaxBackoff {
			wait = s.cfg.MaxBackoff
		}
		if b.GetElapsedTime() >= s.cfg.MaxBackoff {
			s.markOffline()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
		conn, err := s.dialer.Dial(dialCtx, identity, credential)
		cancel()
		if err != nil {
			metrics.ReconnectsTotal.WithLabelValues("failure").Inc()
			s.logger.Debug("reconnect attempt failed", zap.Duration("wait", wait), zap.Error(err))
			continue
		}

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conn = conn
		s.offline = false
		s.mu.Unlock()

		metrics.ReconnectsTotal.WithLabelValues("success").Inc()
		s.setState(StateConnected)
		s.logger.Info("push channel reconnected", zap.String("identity", identity))
		return conn
	}
}

func (s *Session) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx == nil || s.ctx.Err() != nil
}

func (s *Session) emit(env model.Envelope) {
	s.mu.Lock()
	handlers := append([]Handler(nil), s.handlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

func (s *Session) markOffline() {
	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return
	}
	s.offline = true
	st := Status{State: s.state, Offline: true}
	observers := append([]func(Status){}, s.observers...)
	s.mu.Unlock()

	s.logger.Warn("push channel offline, still retrying")
	for _, fn := range observers {
		fn(st)
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	st := Status{State: state, Offline: s.offline}
	observers := append([]func(Status){}, s.observers...)
	s.mu.Unlock()

	metrics.SetTransportState(string(state), allStates)
	for _, fn := range observers {
		fn(st)
	}
}
