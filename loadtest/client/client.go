// Package client provides a reusable WebSocket load test client for the
// Parley realtime server. It connects using gobwas/ws (the same library the
// server uses), authenticating with a pre-issued token passed as a query
// parameter, and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	neturl "net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol event types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeTyping     = "typing"
	TypeStopTyping = "stop_typing"
	TypeCallOffer  = "call_offer"
	TypeCallEnd    = "call_end"
)

// Server -> Client event types.
const (
	TypeNewMessage = "new_message"
	TypeUserStatus = "user_status"
)

// Event is the wire envelope used by the Parley socket protocol.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency time.Duration
	EventsReceived int
	EventsSent     int
	Errors         int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the Parley server.
// It manages the WebSocket lifecycle and dispatches incoming events to
// registered handlers.
type Client struct {
	conn      net.Conn
	userID    string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(Event)
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a load test client connected to the given WebSocket URL with
// the given auth token. The connection is established immediately and a
// background goroutine begins reading events.
func New(ctx context.Context, url, token, userID string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url+"?token="+neturl.QueryEscape(token))
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]func(Event)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send sends a typed event to the server. It is goroutine-safe.
func (c *Client) Send(eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	data, err := json.Marshal(Event{Type: eventType, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.EventsSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// On registers a handler for a server event type. Handlers are invoked from
// the read loop goroutine so they should not block. Only one handler per
// type is supported; registering a second replaces the first.
func (c *Client) On(eventType string, handler func(Event)) {
	c.handlers[eventType] = handler
}

// UserID returns the simulated user's identity.
func (c *Client) UserID() string {
	return c.userID
}

// Close closes the connection and stops the read loop. Safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads frames and dispatches them to registered
// handlers until the connection closes.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		c.metrics.EventsReceived++
		c.mu.Unlock()

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if handler, ok := c.handlers[ev.Type]; ok {
			handler(ev)
		}
	}
}
