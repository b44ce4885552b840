package ws

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/protocol"
)

// MembershipResolver reports the member user ids of a chat. Membership is
// resolved from the durable store per broadcast and never cached here, so a
// membership change is visible to the very next fanout.
type MembershipResolver interface {
	Members(ctx context.Context, chatID string) ([]string, error)
}

// Broadcaster delivers events to the currently-connected members of a chat.
// Delivery is best-effort and synchronous per call: no retry, no queue, no
// ordering guarantee across chats. The durable store remains the source of
// truth; a missed push is recovered by the recipient's next REST fetch.
type Broadcaster struct {
	registry *Registry
	members  MembershipResolver
}

// NewBroadcaster creates a Broadcaster over the given registry and
// membership resolver.
func NewBroadcaster(registry *Registry, members MembershipResolver) *Broadcaster {
	return &Broadcaster{registry: registry, members: members}
}

// BroadcastToChat sends the serialized event to every connected member of
// the chat except excludeUserID. Each member receives the event at most
// once; members without a live socket are skipped. A failed write is
// dropped for that recipient and counted, not retried.
func (b *Broadcaster) BroadcastToChat(ctx context.Context, chatID string, event []byte, excludeUserID string) {
	timer := prometheus.NewTimer(metrics.FanoutLatency)
	defer timer.ObserveDuration()

	memberIDs, err := b.members.Members(ctx, chatID)
	if err != nil {
		log.Printf("ws: membership lookup failed chat=%s: %v", chatID, err)
		return
	}

	seen := make(map[string]struct{}, len(memberIDs))
	for _, userID := range memberIDs {
		if userID == excludeUserID {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		conn := b.registry.Lookup(userID)
		if conn == nil {
			continue // offline: the store catches them up on next fetch
		}
		if err := conn.WriteMessage(event); err != nil {
			metrics.FanoutDrops.Inc()
			log.Printf("ws: fanout send failed chat=%s user=%s: %v", chatID, userID, err)
			continue
		}
		metrics.FanoutDeliveries.Inc()
	}
}

// SendToUser delivers the serialized event to a single user's live socket.
// Returns false when the user has no live connection or the write failed.
func (b *Broadcaster) SendToUser(userID string, event []byte) bool {
	conn := b.registry.Lookup(userID)
	if conn == nil {
		return false
	}
	if err := conn.WriteMessage(event); err != nil {
		metrics.FanoutDrops.Inc()
		log.Printf("ws: direct send failed user=%s: %v", userID, err)
		return false
	}
	metrics.FanoutDeliveries.Inc()
	return true
}

// BroadcastPresence sends a user_status event to every registered socket.
// Presence is a global fanout, not chat-scoped.
func (b *Broadcaster) BroadcastPresence(userID string, isOnline bool, lastSeen *time.Time) {
	event, err := protocol.NewEvent(protocol.TypeUserStatus, protocol.UserStatusPayload{
		UserID:   userID,
		IsOnline: isOnline,
		LastSeen: lastSeen,
	})
	if err != nil {
		log.Printf("ws: failed to build user_status for user=%s: %v", userID, err)
		return
	}

	for _, conn := range b.registry.All() {
		if err := conn.WriteMessage(event); err != nil {
			metrics.FanoutDrops.Inc()
			continue
		}
		metrics.FanoutDeliveries.Inc()
	}
}
