package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/capitalize-ai/marketsync/internal/model"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 25 * time.Second
	pongWait     = 60 * time.Second
)

// WebSocketDialer opens push connections over a websocket carrying JSON
// envelopes.
type WebSocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer for the push endpoint at url.
func NewWebSocketDialer(url string) *WebSocketDialer {
	return &WebSocketDialer{
		URL: url,
		Dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, identity, credential string) (Conn, error) {
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+credential)

	ws, resp, err := d.Dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial push endpoint (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial push endpoint: %w", err)
	}

	c := &wsConn{ws: ws, done: make(chan struct{})}
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop()

	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) ReadEnvelope() (model.Envelope, error) {
	var env model.Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return model.Envelope{}, err
	}
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	return env, nil
}

func (c *wsConn) WriteEnvelope(env model.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
