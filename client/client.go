// Package client provides the Go client for the Parley realtime core: a
// single outbound socket with automatic re-establishment, and a REST
// fetcher for the durable snapshots the socket events are reconciled
// against. It connects using gobwas/ws, the same library the server uses.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	neturl "net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/parley/chat-app/internal/protocol"
)

// ErrNoCredential is returned by Connect when no auth token is configured.
// Without a credential no transport attempt is made at all.
var ErrNoCredential = errors.New("client: no auth credential")

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("client: closed")

// DefaultReconnectDelay is the fixed delay before the single reconnect
// attempt that follows a transport loss.
const DefaultReconnectDelay = 3 * time.Second

// Config holds client connection settings.
type Config struct {
	URL            string        // socket endpoint, e.g. ws://host:8080/ws
	Token          string        // auth credential, sent as a query parameter
	ReconnectDelay time.Duration // zero means DefaultReconnectDelay
}

// Client owns the one outbound socket. Sends are fire-and-forget: when the
// transport is down the frame is silently dropped and correctness relies on
// the durable store. On transport loss exactly one reconnect attempt is
// scheduled after a fixed delay; Close cancels any pending attempt so the
// client never reconnects after teardown.
type Client struct {
	cfg      Config
	handlers map[string]func(protocol.Event)

	mu         sync.Mutex
	conn       net.Conn
	connected  bool
	closed     bool
	retryTimer *time.Timer
}

// New creates a Client. Register event handlers with On before calling
// Connect.
func New(cfg Config) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	return &Client{
		cfg:      cfg,
		handlers: make(map[string]func(protocol.Event)),
	}
}

// On registers a handler for a server event type. Handlers are invoked from
// the read loop goroutine and should not block. Registering a second
// handler for the same type replaces the first. Must be called before
// Connect.
func (c *Client) On(eventType string, handler func(protocol.Event)) {
	c.handlers[eventType] = handler
}

// Connect opens the transport with the credential attached as a query
// parameter and starts the background read loop. A handshake that never
// completes is treated the same as a close: it schedules the same single
// reconnect attempt.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.Token == "" {
		return ErrNoCredential
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	url := c.cfg.URL + "?token=" + neturl.QueryEscape(c.cfg.Token)
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		c.scheduleReconnect()
		return fmt.Errorf("client: dial: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Send serializes and writes a frame if the transport is open; otherwise
// the frame is silently dropped. The durable store is the source of truth,
// so a dropped hint costs nothing but latency.
func (c *Client) Send(eventType string, payload interface{}) error {
	data, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return err
	}

	// The lock is held across the write so concurrent sends cannot
	// interleave frame bytes on the shared conn.
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Connected reports whether the transport is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close tears the client down: it cancels any pending reconnect attempt
// and closes the transport. Safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false

	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// readLoop reads frames until the transport fails, dispatching each to its
// registered handler, then schedules the reconnect attempt.
func (c *Client) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			if c.conn == conn {
				c.conn = nil
				c.connected = false
			}
			c.mu.Unlock()

			if !closed {
				log.Printf("client: transport lost: %v", err)
				c.scheduleReconnect()
			}
			return
		}

		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			log.Printf("client: dropping frame: %v", err)
			continue
		}

		if handler, ok := c.handlers[ev.Type]; ok {
			handler(ev)
		}
	}
}

// scheduleReconnect arms the single fixed-delay reconnect timer. A timer
// already pending, or a closed client, leaves everything as is.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.retryTimer != nil {
		return
	}

	c.retryTimer = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Connect(ctx); err != nil && !errors.Is(err, ErrClosed) {
			log.Printf("client: reconnect failed: %v", err)
		}
	})
}
