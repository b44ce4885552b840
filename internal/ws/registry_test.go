package ws

import (
	"net"
	"testing"
	"time"
)

func newPipeConn(t *testing.T, userID string, fd int) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	c := &Connection{
		UserID:      userID,
		Conn:        server,
		Fd:          fd,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}
	return c, client
}

// ---------------------------------------------------------------------------
// Last-connection-wins semantics
// ---------------------------------------------------------------------------

func TestRegister_LastConnectionWins(t *testing.T) {
	r := NewRegistry()

	first, _ := newPipeConn(t, "alice", 10)
	second, _ := newPipeConn(t, "alice", 11)

	if prev := r.Register(first); prev != nil {
		t.Fatalf("expected no displaced connection, got fd=%d", prev.Fd)
	}
	prev := r.Register(second)
	if prev != first {
		t.Fatal("expected first connection to be displaced")
	}
	if got := r.Lookup("alice"); got != second {
		t.Fatal("expected lookup to return the newest connection")
	}
	if r.Count() != 1 {
		t.Fatalf("expected count 1, got %d", r.Count())
	}

	// The displaced socket must be closed so its read loop terminates.
	one := make([]byte, 1)
	first.Conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := first.Conn.Read(one); err == nil {
		t.Fatal("expected read on displaced connection to fail")
	}
}

func TestUnregister_SupersededSocketCannotEvictSuccessor(t *testing.T) {
	r := NewRegistry()

	first, _ := newPipeConn(t, "alice", 10)
	second, _ := newPipeConn(t, "alice", 11)
	r.Register(first)
	r.Register(second)

	// Teardown of the superseded socket races the replacement; it must not
	// remove the live connection.
	if r.Unregister(first) {
		t.Fatal("expected unregister of superseded connection to report false")
	}
	if got := r.Lookup("alice"); got != second {
		t.Fatal("expected successor to remain registered")
	}

	if !r.Unregister(second) {
		t.Fatal("expected unregister of live connection to report true")
	}
	if r.Lookup("alice") != nil {
		t.Fatal("expected user to be gone after unregister")
	}
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

func TestGetByFd(t *testing.T) {
	r := NewRegistry()

	alice, _ := newPipeConn(t, "alice", 10)
	bob, _ := newPipeConn(t, "bob", 20)
	r.Register(alice)
	r.Register(bob)

	if got := r.GetByFd(20); got != bob {
		t.Fatal("expected fd lookup to return bob's connection")
	}
	if got := r.GetByFd(99); got != nil {
		t.Fatal("expected unknown fd to return nil")
	}

	r.Unregister(bob)
	if got := r.GetByFd(20); got != nil {
		t.Fatal("expected fd index to be cleaned up on unregister")
	}
}

func TestAll_ReturnsEveryLiveConnection(t *testing.T) {
	r := NewRegistry()

	users := []string{"alice", "bob", "carol", "dave"}
	for i, u := range users {
		c, _ := newPipeConn(t, u, 10+i)
		r.Register(c)
	}

	all := r.All()
	if len(all) != len(users) {
		t.Fatalf("expected %d connections, got %d", len(users), len(all))
	}
	seen := make(map[string]bool)
	for _, c := range all {
		seen[c.UserID] = true
	}
	for _, u := range users {
		if !seen[u] {
			t.Fatalf("expected %s in snapshot", u)
		}
	}
}
