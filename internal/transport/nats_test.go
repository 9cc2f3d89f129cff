package transport

import (
	"errors"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/capitalize-ai/marketsync/internal/model"
)

func TestSubjects(t *testing.T) {
	if got := InboundSubject("u1"); got != "push.u1.>" {
		t.Fatalf("unexpected inbound subject %q", got)
	}
	if got := OutboundSubject("u1", model.EventTypingStart); got != "client.u1.typing.start" {
		t.Fatalf("unexpected outbound subject %q", got)
	}
}

func newTestNATSConn() *natsConn {
	return &natsConn{
		identity: "u1",
		msgs:     make(chan *nats.Msg, 8),
		lost:     make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func TestNATSConnMapsSubjectToEventType(t *testing.T) {
	c := newTestNATSConn()
	c.msgs <- &nats.Msg{Subject: "push.u1.message.new", Data: []byte(`{"conversation_id":"c1"}`)}

	env, err := c.ReadEnvelope()
	if err != nil {
		t.Fatal("ReadEnvelope:", err)
	}
	if env.Type != model.EventMessageNew {
		t.Fatalf("expected %s, got %s", model.EventMessageNew, env.Type)
	}
	if string(env.Payload) != `{"conversation_id":"c1"}` {
		t.Fatalf("unexpected payload %s", env.Payload)
	}
}

func TestNATSConnDrainsBufferBeforeReportingLoss(t *testing.T) {
	errDropped := errors.New("connection reset")

	// Repeat so the random select order gets a chance to pick the loss first.
	for i := 0; i < 50; i++ {
		c := newTestNATSConn()
		c.msgs <- &nats.Msg{Subject: "push.u1.message.new", Data: []byte(`{}`)}
		c.msgs <- &nats.Msg{Subject: "push.u1.notification.new", Data: []byte(`{}`)}
		c.msgs <- &nats.Msg{Subject: "push.u1.presence.online", Data: []byte(`{}`)}
		c.signalLost(errDropped)

		var got []model.EventType
		for {
			env, err := c.ReadEnvelope()
			if err != nil {
				if !errors.Is(err, errDropped) {
					t.Fatalf("expected loss error, got %v", err)
				}
				break
			}
			got = append(got, env.Type)
		}

		want := []model.EventType{model.EventMessageNew, model.EventNotificationNew, model.EventPresenceOnline}
		if len(got) != len(want) {
			t.Fatalf("expected %v before the loss, got %v", want, got)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("expected %v before the loss, got %v", want, got)
			}
		}
	}
}

func TestNATSConnClosed(t *testing.T) {
	c := newTestNATSConn()
	close(c.closed)
	if _, err := c.ReadEnvelope(); !errors.Is(err, errNATSClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}
