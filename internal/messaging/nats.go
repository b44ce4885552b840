// Package messaging provides the NATS bridge between the REST layer and the
// socket layer. After the store commits a change, the REST handler publishes
// the corresponding push event to chat.events.<chat_id>; the socket process
// subscribes to the wildcard and fans the event out to live members. One
// process still holds all live sockets; NATS only decouples persistence
// from fanout.
package messaging

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectChatEvents is the subject prefix for per-chat push events.
const SubjectChatEvents = "chat.events"

// NATSClient wraps the NATS connection with helpers for the chat event bus.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "parley",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{conn: nc}, nil
}

// PublishChatEvent publishes a serialized push event for one chat.
func (c *NATSClient) PublishChatEvent(chatID string, data []byte) error {
	return c.conn.Publish(SubjectChatEvents+"."+chatID, data)
}

// SubscribeChatEvents registers a handler for push events across all chats.
// The chat id is recovered from the subject suffix.
func (c *NATSClient) SubscribeChatEvents(handler func(chatID string, data []byte)) error {
	subject := SubjectChatEvents + ".>"
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		chatID := strings.TrimPrefix(msg.Subject, SubjectChatEvents+".")
		handler(chatID, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	c.subs = nil

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
