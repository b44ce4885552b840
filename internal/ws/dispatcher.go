package ws

import (
	"context"
	"log"
	"time"

	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/protocol"
)

// FrameLimiter throttles inbound frames per user. A nil limiter means
// unlimited.
type FrameLimiter interface {
	AllowFrame(ctx context.Context, userID string) bool
}

// Dispatcher decodes inbound socket frames and routes them: typing
// indicators are rebroadcast to the sender's chat, call signaling frames are
// relayed to their target (or fanned out to the chat when no target is
// named). A frame that fails to parse or carries an unrecognized type is
// logged and discarded; the connection survives and nothing is forwarded.
type Dispatcher struct {
	broadcaster *Broadcaster
	registry    *Registry
	limiter     FrameLimiter
}

// NewDispatcher creates a Dispatcher over the given broadcaster and registry.
func NewDispatcher(broadcaster *Broadcaster, registry *Registry, limiter FrameLimiter) *Dispatcher {
	return &Dispatcher{broadcaster: broadcaster, registry: registry, limiter: limiter}
}

// Dispatch is the server's onMessage callback. The sender identity comes
// from the authenticated connection, never from the frame itself.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if d.limiter != nil && !d.limiter.AllowFrame(ctx, conn.UserID) {
		metrics.FramesDropped.Inc()
		log.Printf("ws: frame rate limited user=%s", conn.UserID)
		return
	}

	eventType, payload, err := protocol.ParseClientFrame(data)
	if err != nil {
		metrics.FramesDropped.Inc()
		log.Printf("ws: dropping frame user=%s: %v", conn.UserID, err)
		return
	}
	metrics.FramesIn.Inc()

	switch p := payload.(type) {
	case protocol.TypingPayload:
		d.relayTyping(ctx, conn, eventType, p)
	case protocol.CallOfferPayload:
		p.SenderID = conn.UserID
		d.relayCall(ctx, conn, eventType, p.ChatID, p.TargetUserID, p)
	case protocol.CallAnswerPayload:
		p.SenderID = conn.UserID
		d.relayCall(ctx, conn, eventType, p.ChatID, p.TargetUserID, p)
	case protocol.CallICECandidatePayload:
		p.SenderID = conn.UserID
		d.relayCall(ctx, conn, eventType, p.ChatID, p.TargetUserID, p)
	case protocol.CallEndPayload:
		p.SenderID = conn.UserID
		d.relayCall(ctx, conn, eventType, p.ChatID, p.TargetUserID, p)
	default:
		// ParseClientFrame already rejects unknown types; nothing else to do.
		metrics.FramesDropped.Inc()
	}
}

// relayTyping rebroadcasts a typing indicator to the chat's other members.
// Typing state is ephemeral: never persisted, never queued.
func (d *Dispatcher) relayTyping(ctx context.Context, conn *Connection, eventType string, p protocol.TypingPayload) {
	event, err := protocol.NewEvent(eventType, protocol.TypingPayload{
		ChatID: p.ChatID,
		UserID: conn.UserID,
	})
	if err != nil {
		log.Printf("ws: failed to build %s event user=%s: %v", eventType, conn.UserID, err)
		return
	}
	d.broadcaster.BroadcastToChat(ctx, p.ChatID, event, conn.UserID)
}

// relayCall forwards a signaling frame with the sender identity attached.
// When a target user is named and has a live session, delivery goes to that
// one socket; otherwise the frame is fanned out to the chat minus the
// sender, which covers initiating a call into a group before a specific
// callee is known. A named target without a live session is a delivery
// miss: dropped, not queued.
func (d *Dispatcher) relayCall(ctx context.Context, conn *Connection, eventType, chatID, targetUserID string, payload interface{}) {
	event, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s event user=%s: %v", eventType, conn.UserID, err)
		return
	}

	if targetUserID != "" {
		if d.registry.Lookup(targetUserID) != nil {
			d.broadcaster.SendToUser(targetUserID, event)
		} else {
			log.Printf("ws: %s target offline user=%s target=%s", eventType, conn.UserID, targetUserID)
		}
		return
	}

	d.broadcaster.BroadcastToChat(ctx, chatID, event, conn.UserID)
}
