package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/capitalize-ai/marketsync/internal/model"
)

const (
	// InboundPrefix is the subject prefix of server-to-client events.
	InboundPrefix = "push"

	// OutboundPrefix is the subject prefix of client-to-server events.
	OutboundPrefix = "client"
)

var errNATSClosed = errors.New("nats connection closed")

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	URL      string
	CAFile   string
	CertFile string
	KeyFile  string
}

// NATSDialer opens push connections over NATS. Events for an identity arrive
// on push.<identity>.<event type>; outbound events go to
// client.<identity>.<event type>.
type NATSDialer struct {
	cfg NATSConfig
}

// NewNATSDialer creates a NATS dialer.
func NewNATSDialer(cfg NATSConfig) *NATSDialer {
	return &NATSDialer{cfg: cfg}
}

// InboundSubject returns the wildcard subject carrying events for identity.
func InboundSubject(identity string) string {
	return fmt.Sprintf("%s.%s.>", InboundPrefix, identity)
}

// OutboundSubject returns the subject for an outbound event of identity.
func OutboundSubject(identity string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s", OutboundPrefix, identity, eventType)
}

// Dial implements Dialer.
func (d *NATSDialer) Dial(ctx context.Context, identity, credential string) (Conn, error) {
	c := &natsConn{
		identity: identity,
		msgs:     make(chan *nats.Msg, 256),
		lost:     make(chan error, 1),
		closed:   make(chan struct{}),
	}

	// The session runs its own reconnect loop, so NATS must not.
	opts := []nats.Option{
		nats.Name("marketsync-" + identity),
		nats.NoReconnect(),
		nats.Token(credential),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = errNATSClosed
			}
			c.signalLost(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.signalLost(errNATSClosed)
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	if d.cfg.CAFile != "" && d.cfg.CertFile != "" && d.cfg.KeyFile != "" {
		tlsConfig, err := createTLSConfig(d.cfg.CAFile, d.cfg.CertFile, d.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	nc, err := nats.Connect(d.cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	sub, err := nc.ChanSubscribe(InboundSubject(identity), c.msgs)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	c.nc = nc
	c.sub = sub
	return c, nil
}

type natsConn struct {
	identity  string
	nc        *nats.Conn
	sub       *nats.Subscription
	msgs      chan *nats.Msg
	lost      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *natsConn) signalLost(err error) {
	select {
	case c.lost <- err:
	default:
	}
}

// ReadEnvelope returns the next inbound event. Events delivered before the
// connection was lost are returned ahead of the loss.
func (c *natsConn) ReadEnvelope() (model.Envelope, error) {
	select {
	case msg := <-c.msgs:
		return c.envelope(msg), nil
	case err := <-c.lost:
		select {
		case msg := <-c.msgs:
			c.signalLost(err)
			return c.envelope(msg), nil
		default:
		}
		return model.Envelope{}, err
	case <-c.closed:
		return model.Envelope{}, errNATSClosed
	}
}

func (c *natsConn) envelope(msg *nats.Msg) model.Envelope {
	prefix := fmt.Sprintf("%s.%s.", InboundPrefix, c.identity)
	return model.Envelope{
		Type:    model.EventType(strings.TrimPrefix(msg.Subject, prefix)),
		Payload: msg.Data,
	}
}

func (c *natsConn) WriteEnvelope(env model.Envelope) error {
	if err := c.nc.Publish(OutboundSubject(c.identity, env.Type), env.Payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", env.Type, err)
	}
	return nil
}

func (c *natsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.sub != nil {
			c.sub.Unsubscribe()
		}
		c.nc.Close()
	})
	return nil
}

func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
