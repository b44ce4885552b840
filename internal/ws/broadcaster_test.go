package ws

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/parley/chat-app/internal/protocol"
)

// staticMembers is a fixed chat membership table.
type staticMembers map[string][]string

func (m staticMembers) Members(_ context.Context, chatID string) ([]string, error) {
	return m[chatID], nil
}

// newReadingConn returns a registered-ready connection whose client end is
// drained by a background reader into the returned channel. net.Pipe writes
// block until read, so the reader must run before any broadcast.
func newReadingConn(t *testing.T, userID string, fd int) (*Connection, <-chan []byte) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	frames := make(chan []byte, 16)
	go func() {
		defer close(frames)
		for {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				return
			}
			frames <- data
		}
	}()

	return &Connection{
		UserID:      userID,
		Conn:        server,
		Fd:          fd,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}, frames
}

func recvFrame(t *testing.T, frames <-chan []byte) []byte {
	t.Helper()
	select {
	case data, ok := <-frames:
		if !ok {
			t.Fatal("connection closed before frame arrived")
		}
		return data
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func expectNoFrame(t *testing.T, frames <-chan []byte) {
	t.Helper()
	select {
	case data, ok := <-frames:
		if ok {
			t.Fatalf("unexpected frame delivered: %s", data)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

// newStuckConn returns a registered-ready connection whose client end is
// never read. With net.Pipe a write to it blocks until the deadline fires.
func newStuckConn(t *testing.T, userID string, fd int, timeout time.Duration) *Connection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return &Connection{
		UserID:       userID,
		Conn:         server,
		Fd:           fd,
		ConnectedAt:  time.Now(),
		LastPing:     time.Now(),
		WriteTimeout: timeout,
	}
}

// ---------------------------------------------------------------------------
// Chat fanout
// ---------------------------------------------------------------------------

func TestBroadcastToChat_ExcludesSenderAndSkipsOffline(t *testing.T) {
	registry := NewRegistry()
	members := staticMembers{"chat-1": {"alice", "bob", "carol"}}
	b := NewBroadcaster(registry, members)

	alice, aliceFrames := newReadingConn(t, "alice", 10)
	bob, bobFrames := newReadingConn(t, "bob", 11)
	registry.Register(alice)
	registry.Register(bob)
	// carol is a member but has no live socket.

	event, err := protocol.NewEvent(protocol.TypeTyping, protocol.TypingPayload{
		ChatID: "chat-1",
		UserID: "alice",
	})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}

	b.BroadcastToChat(context.Background(), "chat-1", event, "alice")

	got := recvFrame(t, bobFrames)
	if string(got) != string(event) {
		t.Fatalf("bob received %s, want %s", got, event)
	}
	expectNoFrame(t, aliceFrames)
}

func TestBroadcastToChat_AtMostOncePerMember(t *testing.T) {
	registry := NewRegistry()
	// Duplicate membership rows must not cause duplicate delivery.
	members := staticMembers{"chat-1": {"bob", "bob", "bob"}}
	b := NewBroadcaster(registry, members)

	bob, bobFrames := newReadingConn(t, "bob", 11)
	registry.Register(bob)

	event, _ := protocol.NewEvent(protocol.TypeTyping, protocol.TypingPayload{ChatID: "chat-1", UserID: "alice"})
	b.BroadcastToChat(context.Background(), "chat-1", event, "alice")

	recvFrame(t, bobFrames)
	expectNoFrame(t, bobFrames)
}

func TestBroadcastToChat_SupersededSocketReceivesNothing(t *testing.T) {
	registry := NewRegistry()
	members := staticMembers{"chat-1": {"alice", "bob"}}
	b := NewBroadcaster(registry, members)

	alice, _ := newReadingConn(t, "alice", 10)
	stale, staleFrames := newReadingConn(t, "bob", 11)
	fresh, freshFrames := newReadingConn(t, "bob", 12)
	registry.Register(alice)
	registry.Register(stale)
	registry.Register(fresh)

	event, _ := protocol.NewEvent(protocol.TypeTyping, protocol.TypingPayload{ChatID: "chat-1", UserID: "alice"})
	b.BroadcastToChat(context.Background(), "chat-1", event, "alice")

	recvFrame(t, freshFrames)
	expectNoFrame(t, staleFrames)
}

func TestBroadcastToChat_StuckRecipientDroppedNotBlocking(t *testing.T) {
	registry := NewRegistry()
	members := staticMembers{"chat-1": {"alice", "bob", "carol"}}
	b := NewBroadcaster(registry, members)

	// bob never reads; his write must time out instead of stalling the
	// fanout before it reaches carol.
	bob := newStuckConn(t, "bob", 10, 50*time.Millisecond)
	carol, carolFrames := newReadingConn(t, "carol", 11)
	registry.Register(bob)
	registry.Register(carol)

	event, err := protocol.NewEvent(protocol.TypeTyping, protocol.TypingPayload{
		ChatID: "chat-1",
		UserID: "alice",
	})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.BroadcastToChat(context.Background(), "chat-1", event, "alice")
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast stalled on an unresponsive recipient")
	}

	got := recvFrame(t, carolFrames)
	if string(got) != string(event) {
		t.Fatalf("carol received %s, want %s", got, event)
	}
}

// ---------------------------------------------------------------------------
// Direct delivery
// ---------------------------------------------------------------------------

func TestSendToUser(t *testing.T) {
	registry := NewRegistry()
	b := NewBroadcaster(registry, staticMembers{})

	bob, bobFrames := newReadingConn(t, "bob", 11)
	registry.Register(bob)

	event, _ := protocol.NewEvent(protocol.TypeCallOffer, protocol.CallOfferPayload{
		ChatID: "chat-1", TargetUserID: "bob", SDP: "v=0", SenderID: "alice",
	})

	if !b.SendToUser("bob", event) {
		t.Fatal("expected delivery to succeed")
	}
	recvFrame(t, bobFrames)

	if b.SendToUser("nobody", event) {
		t.Fatal("expected delivery to an offline user to report false")
	}
}

// ---------------------------------------------------------------------------
// Presence fanout
// ---------------------------------------------------------------------------

func TestBroadcastPresence_ReachesEverySocket(t *testing.T) {
	registry := NewRegistry()
	b := NewBroadcaster(registry, staticMembers{})

	alice, aliceFrames := newReadingConn(t, "alice", 10)
	bob, bobFrames := newReadingConn(t, "bob", 11)
	registry.Register(alice)
	registry.Register(bob)

	lastSeen := time.Now().UTC()
	b.BroadcastPresence("carol", false, &lastSeen)

	for _, frames := range []<-chan []byte{aliceFrames, bobFrames} {
		var ev protocol.Event
		if err := json.Unmarshal(recvFrame(t, frames), &ev); err != nil {
			t.Fatalf("parse frame: %v", err)
		}
		if ev.Type != protocol.TypeUserStatus {
			t.Fatalf("expected user_status, got %q", ev.Type)
		}
		var p protocol.UserStatusPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("parse payload: %v", err)
		}
		if p.UserID != "carol" || p.IsOnline {
			t.Fatalf("unexpected payload: %+v", p)
		}
		if p.LastSeen == nil || !p.LastSeen.Equal(lastSeen) {
			t.Fatalf("expected lastSeen %v, got %v", lastSeen, p.LastSeen)
		}
	}
}
