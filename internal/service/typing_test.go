package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/capitalize-ai/marketsync/internal/model"
	"github.com/capitalize-ai/marketsync/pkg/logger"
)

func TestStartTypingIsDebounced(t *testing.T) {
	sender := &fakeSender{}
	tc := NewTypingCoordinator(sender, viewer, time.Minute, nil, logger.NewNop())

	for i := 0; i < 5; i++ {
		if err := tc.StartTyping(context.Background(), "c1"); err != nil {
			t.Fatal("StartTyping:", err)
		}
	}
	if n := sender.count(model.EventTypingStart); n != 1 {
		t.Fatalf("expected 1 typing.start, got %d", n)
	}

	// Another conversation has its own debounce window.
	if err := tc.StartTyping(context.Background(), "c2"); err != nil {
		t.Fatal("StartTyping:", err)
	}
	if n := sender.count(model.EventTypingStart); n != 2 {
		t.Fatalf("expected 2 typing.start, got %d", n)
	}
}

func TestStopTypingResetsDebounce(t *testing.T) {
	sender := &fakeSender{}
	tc := NewTypingCoordinator(sender, viewer, time.Minute, nil, logger.NewNop())

	_ = tc.StartTyping(context.Background(), "c1")
	if err := tc.StopTyping(context.Background(), "c1"); err != nil {
		t.Fatal("StopTyping:", err)
	}
	_ = tc.StartTyping(context.Background(), "c1")

	if n := sender.count(model.EventTypingStop); n != 1 {
		t.Fatalf("expected 1 typing.stop, got %d", n)
	}
	if n := sender.count(model.EventTypingStart); n != 2 {
		t.Fatalf("expected 2 typing.start, got %d", n)
	}
}

func TestOutboundTypingAutoClears(t *testing.T) {
	sender := &fakeSender{}
	tc := NewTypingCoordinator(sender, viewer, 10*time.Millisecond, nil, logger.NewNop())

	_ = tc.StartTyping(context.Background(), "c1")
	time.Sleep(30 * time.Millisecond)
	_ = tc.StartTyping(context.Background(), "c1")

	if n := sender.count(model.EventTypingStart); n != 2 {
		t.Fatalf("expected a fresh typing.start after expiry, got %d", n)
	}
}

func TestStartTypingFailureDoesNotSuppressNext(t *testing.T) {
	sender := &fakeSender{err: errors.New("not connected")}
	tc := NewTypingCoordinator(sender, viewer, time.Minute, nil, logger.NewNop())

	if err := tc.StartTyping(context.Background(), "c1"); err == nil {
		t.Fatal("expected error")
	}
	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()

	_ = tc.StartTyping(context.Background(), "c1")
	if n := sender.count(model.EventTypingStart); n != 1 {
		t.Fatalf("expected typing.start after recovery, got %d", n)
	}
}

func TestInboundTypingExpiresWithoutStop(t *testing.T) {
	tc := NewTypingCoordinator(&fakeSender{}, viewer, 20*time.Millisecond, nil, logger.NewNop())

	tc.OnTypingStart("c1", "u2")
	if !tc.IsTyping("c1", "u2") {
		t.Fatal("u2 should be typing")
	}

	waitFor(t, "typing expiry", func() bool { return !tc.IsTyping("c1", "u2") })
	if got := tc.Typing("c1"); len(got) != 0 {
		t.Fatalf("expected nobody typing, got %v", got)
	}
}

func TestInboundTypingStopAndRefresh(t *testing.T) {
	tc := NewTypingCoordinator(&fakeSender{}, viewer, time.Minute, nil, logger.NewNop())

	tc.OnTypingStart("c1", "u3")
	tc.OnTypingStart("c1", "u2")
	tc.OnTypingStart("c1", "u2")
	tc.OnTypingStart("c1", viewer)

	if got := tc.Typing("c1"); !equalStrings(got, []string{"u2", "u3"}) {
		t.Fatalf("unexpected typers %v", got)
	}

	tc.OnTypingStop("c1", "u2")
	if tc.IsTyping("c1", "u2") {
		t.Fatal("stop should clear immediately")
	}
	if !tc.IsTyping("c1", "u3") {
		t.Fatal("u3 should still be typing")
	}
}

func TestTypingReset(t *testing.T) {
	sender := &fakeSender{}
	tc := NewTypingCoordinator(sender, viewer, time.Minute, nil, logger.NewNop())

	tc.OnTypingStart("c1", "u2")
	_ = tc.StartTyping(context.Background(), "c1")
	tc.Reset()

	if tc.IsTyping("c1", "u2") {
		t.Fatal("reset should clear inbound state")
	}
	_ = tc.StartTyping(context.Background(), "c1")
	if n := sender.count(model.EventTypingStart); n != 2 {
		t.Fatalf("reset should clear outbound state, got %d starts", n)
	}
}

func TestPresenceTracker(t *testing.T) {
	changes := NewChanges(8)
	feed, unsubscribe := changes.Subscribe()
	defer unsubscribe()

	p := NewPresenceTracker(changes)
	p.OnOnline("u3")
	p.OnOnline("u2")
	p.OnOnline("u2")

	if got := p.Online(); !equalStrings(got, []string{"u2", "u3"}) {
		t.Fatalf("unexpected online set %v", got)
	}
	if len(feed) != 2 {
		t.Fatalf("expected 2 presence changes, got %d", len(feed))
	}

	p.OnOffline("u3")
	if p.IsOnline("u3") {
		t.Fatal("u3 should be offline")
	}

	p.Reset()
	if got := p.Online(); len(got) != 0 {
		t.Fatalf("expected empty set after reset, got %v", got)
	}
}
