package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/capitalize-ai/marketsync/internal/model"
	"github.com/capitalize-ai/marketsync/internal/syncerr"
	"github.com/capitalize-ai/marketsync/pkg/logger"
)

var errDialRefused = errors.New("dial refused")

type fakeConn struct {
	in        chan model.Envelope
	mu        sync.Mutex
	out       []model.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan model.Envelope, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadEnvelope() (model.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return model.Envelope{}, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteEnvelope(env model.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() []model.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Envelope(nil), c.out...)
}

// fakeDialer hands out fresh fakeConns; it refuses while failing is set.
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	failing bool
	dials   int
}

func (d *fakeDialer) Dial(ctx context.Context, identity, credential string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failing {
		return nil, errDialRefused
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing = v
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func credentialFor(t *testing.T, subject string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: subject}).
		SignedString([]byte("test-key"))
	if err != nil {
		t.Fatal("failed to sign credential:", err)
	}
	return token
}

func fastConfig() Config {
	return Config{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, DialTimeout: time.Second}
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

type recorder struct {
	mu     sync.Mutex
	events []model.EventType
}

func (r *recorder) handle(env model.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env.Type)
}

func (r *recorder) snapshot() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.EventType(nil), r.events...)
}

func TestConnectDeliversEvents(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSession(NewRegistry(), dialer, fastConfig(), logger.NewNop())
	rec := &recorder{}
	s.OnEvent(rec.handle)

	handle, err := s.Connect(context.Background(), credentialFor(t, "u1"))
	if err != nil {
		t.Fatal("Connect:", err)
	}
	defer handle.Disconnect()

	if handle.Identity != "u1" {
		t.Fatalf("expected identity u1, got %q", handle.Identity)
	}
	if s.State() != StateConnected {
		t.Fatalf("expected connected, got %s", s.State())
	}

	dialer.last().in <- model.Envelope{Type: model.EventPresenceOnline, Payload: []byte(`{"identity":"u2"}`)}
	waitFor(t, "event delivery", func() bool { return len(rec.snapshot()) == 1 })

	if got := rec.snapshot()[0]; got != model.EventPresenceOnline {
		t.Fatalf("expected presence.online, got %s", got)
	}
}

func TestDuplicateSessionFailsFast(t *testing.T) {
	registry := NewRegistry()
	cred := credentialFor(t, "u1")

	first := NewSession(registry, &fakeDialer{}, fastConfig(), logger.NewNop())
	if _, err := first.Connect(context.Background(), cred); err != nil {
		t.Fatal("first Connect:", err)
	}

	second := NewSession(registry, &fakeDialer{}, fastConfig(), logger.NewNop())
	_, err := second.Connect(context.Background(), cred)
	var dup *syncerr.DuplicateSessionError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateSessionError, got %v", err)
	}
	if dup.Identity != "u1" {
		t.Fatalf("unexpected identity %q", dup.Identity)
	}

	// A different identity is unaffected.
	other := NewSession(registry, &fakeDialer{}, fastConfig(), logger.NewNop())
	if _, err := other.Connect(context.Background(), credentialFor(t, "u2")); err != nil {
		t.Fatal("other identity Connect:", err)
	}
	other.Disconnect()

	first.Disconnect()
	if registry.Active("u1") {
		t.Fatal("identity should be released after Disconnect")
	}
	if _, err := second.Connect(context.Background(), cred); err != nil {
		t.Fatal("Connect after release:", err)
	}
	second.Disconnect()
}

func TestReconnectEmitsResynced(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSession(NewRegistry(), dialer, fastConfig(), logger.NewNop())
	rec := &recorder{}
	s.OnEvent(rec.handle)

	var mu sync.Mutex
	var states []State
	s.OnStatus(func(st Status) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, st.State)
	})

	if _, err := s.Connect(context.Background(), credentialFor(t, "u1")); err != nil {
		t.Fatal("Connect:", err)
	}
	defer s.Disconnect()

	if len(rec.snapshot()) != 0 {
		t.Fatal("first connect must not emit resynced")
	}

	dialer.last().Close()
	waitFor(t, "resynced", func() bool { return len(rec.snapshot()) == 1 })

	if got := rec.snapshot()[0]; got != model.EventResynced {
		t.Fatalf("expected resynced, got %s", got)
	}
	if dialer.connCount() != 2 {
		t.Fatalf("expected 2 connections, got %d", dialer.connCount())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateReconnecting, StateConnected}
	if len(states) != len(want) {
		t.Fatalf("unexpected transitions %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("unexpected transitions %v", states)
		}
	}
}

func TestOfflineAfterBackoffCapAndRecovery(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSession(NewRegistry(), dialer, fastConfig(), logger.NewNop())
	rec := &recorder{}
	s.OnEvent(rec.handle)

	if _, err := s.Connect(context.Background(), credentialFor(t, "u1")); err != nil {
		t.Fatal("Connect:", err)
	}
	defer s.Disconnect()

	dialer.setFailing(true)
	dialer.last().Close()

	waitFor(t, "offline", s.Offline)
	if s.State() != StateReconnecting {
		t.Fatalf("expected reconnecting while offline, got %s", s.State())
	}
	if err := s.Send(context.Background(), model.EventTypingStart, nil); !errors.Is(err, syncerr.ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}

	dialer.setFailing(false)
	waitFor(t, "reconnect", func() bool { return s.State() == StateConnected })
	if s.Offline() {
		t.Fatal("offline flag should clear after reconnect")
	}
	waitFor(t, "resynced", func() bool { return len(rec.snapshot()) == 1 })
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSession(NewRegistry(), dialer, fastConfig(), logger.NewNop())
	if _, err := s.Connect(context.Background(), credentialFor(t, "u1")); err != nil {
		t.Fatal("Connect:", err)
	}

	dialer.setFailing(true)
	dialer.last().Close()
	waitFor(t, "reconnecting", func() bool { return s.State() == StateReconnecting })

	s.Disconnect()
	if s.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", s.State())
	}

	dialer.mu.Lock()
	dials := dialer.dials
	dialer.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if dialer.dials != dials {
		t.Fatal("dialing continued after Disconnect")
	}
}

func TestFirstConnectFailure(t *testing.T) {
	registry := NewRegistry()
	dialer := &fakeDialer{failing: true}
	s := NewSession(registry, dialer, fastConfig(), logger.NewNop())

	_, err := s.Connect(context.Background(), credentialFor(t, "u1"))
	var te *syncerr.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !errors.Is(err, errDialRefused) {
		t.Fatalf("expected wrapped dial error, got %v", err)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", s.State())
	}
	if registry.Active("u1") {
		t.Fatal("identity must be released after failed connect")
	}
}

func TestInvalidCredential(t *testing.T) {
	s := NewSession(NewRegistry(), &fakeDialer{}, fastConfig(), logger.NewNop())
	_, err := s.Connect(context.Background(), "not-a-jwt")
	var te *syncerr.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestSend(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSession(NewRegistry(), dialer, fastConfig(), logger.NewNop())

	err := s.Send(context.Background(), model.EventTypingStart, map[string]string{"conversation_id": "c1"})
	var te *syncerr.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError while disconnected, got %v", err)
	}

	if _, err := s.Connect(context.Background(), credentialFor(t, "u1")); err != nil {
		t.Fatal("Connect:", err)
	}
	defer s.Disconnect()

	if err := s.Send(context.Background(), model.EventTypingStart, map[string]string{"conversation_id": "c1"}); err != nil {
		t.Fatal("Send:", err)
	}
	out := dialer.last().written()
	if len(out) != 1 || out[0].Type != model.EventTypingStart {
		t.Fatalf("unexpected outbound frames %+v", out)
	}
	if string(out[0].Payload) != `{"conversation_id":"c1"}` {
		t.Fatalf("unexpected payload %s", out[0].Payload)
	}
}
