// Package loadtest provides a WebSocket client and a metrics collector for
// load testing the realtime server. The client connects with gobwas/ws (the
// same library the server uses), waits for realtime:connected and dispatches
// incoming envelopes to per-event handlers.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/TNortnern/reusable-chat/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Client is one simulated widget or dashboard connection.
type Client struct {
	conn net.Conn
	r    io.Reader

	writeMu  sync.Mutex
	mu       sync.RWMutex
	handlers map[string]func(protocol.Envelope)

	connID    atomic.Value // string, set on realtime:connected
	connected chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	errors         atomic.Int64
}

// Dial connects to url, which must already carry the handshake token, and
// starts the read loop.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	c := &Client{
		conn:           conn,
		r:              r,
		handlers:       make(map[string]func(protocol.Envelope)),
		connected:      make(chan struct{}),
		done:           make(chan struct{}),
		connectLatency: time.Since(start),
	}
	go c.readLoop()
	return c, nil
}

// Send writes a JSON client frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sent.Add(1)
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Subscribe asks to join channel. The reply arrives through the handlers for
// protocol.EventSubscribed or protocol.EventSubscriptionError.
func (c *Client) Subscribe(channel string) error {
	return c.Send(protocol.SubscribeMsg{Type: protocol.TypeSubscribe, Channel: channel})
}

// On registers a handler for an event name, replacing any previous one.
// Handlers run on the read loop and should not block.
func (c *Client) On(event string, handler func(protocol.Envelope)) {
	c.mu.Lock()
	c.handlers[event] = handler
	c.mu.Unlock()
}

// WaitConnected blocks until realtime:connected arrives, the connection
// drops, or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before realtime:connected")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionID returns the server-assigned connection id, or "".
func (c *Client) ConnectionID() string {
	id, _ := c.connID.Load().(string)
	return id
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a snapshot of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	rw := struct {
		io.Reader
		io.Writer
	}{c.r, &lockedWriter{c}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			if _, closed := err.(wsutil.ClosedError); !closed {
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.errors.Add(1)
			continue
		}

		if env.Event == protocol.EventConnected {
			var hello protocol.ConnectedMsg
			if err := json.Unmarshal(env.Data, &hello); err == nil && c.ConnectionID() == "" {
				c.connID.Store(hello.ConnectionID)
				close(c.connected)
			}
		}

		c.mu.RLock()
		handler := c.handlers[env.Event]
		c.mu.RUnlock()
		if handler != nil {
			handler(env)
		}
	}
}

// lockedWriter lets the read loop answer server pings without interleaving
// with Send.
type lockedWriter struct{ c *Client }

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

var _ io.Writer = (*lockedWriter)(nil)
