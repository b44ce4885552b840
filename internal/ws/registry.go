package ws

import (
	"hash/fnv"
	"net"
	"sync"
)

// registryShards is the number of user-id shards. Sharding keeps fanout
// lookups from contending on a single global lock.
const registryShards = 16

// Registry tracks which user identities currently have a live socket. It is
// keyed by user id and sharded by user-id hash with per-shard locks. At most
// one live connection per identity: registering a new connection for the
// same user atomically swaps out and closes the prior one
// (last-connection-wins). A separate fd index supports O(1) lookups from the
// epoll event loop.
type Registry struct {
	shards [registryShards]registryShard

	fdMu sync.RWMutex
	byFd map[int]*Connection
}

type registryShard struct {
	mu     sync.Mutex
	byUser map[string]*Connection
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	r := &Registry{byFd: make(map[int]*Connection)}
	for i := range r.shards {
		r.shards[i].byUser = make(map[string]*Connection)
	}
	return r
}

func (r *Registry) shard(userID string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &r.shards[h.Sum32()%registryShards]
}

// Register stores the connection for its user id, replacing and closing any
// prior socket for the same identity. The swap and close happen under the
// shard lock, so a broadcast can never observe both sockets live at once.
// It returns the displaced prior connection (already closed) so the caller
// can finish its cleanup (e.g. epoll deregistration), or nil.
func (r *Registry) Register(c *Connection) *Connection {
	s := r.shard(c.UserID)
	s.mu.Lock()
	prev := s.byUser[c.UserID]
	s.byUser[c.UserID] = c
	if prev != nil {
		prev.Close()
	}
	s.mu.Unlock()

	r.fdMu.Lock()
	if prev != nil {
		delete(r.byFd, prev.Fd)
	}
	r.byFd[c.Fd] = c
	r.fdMu.Unlock()

	return prev
}

// Unregister removes the connection if it is still the live one for its
// user. A superseded socket being torn down must not knock out its
// successor, so removal only happens when the registered connection is
// exactly c. Returns true if c was removed.
func (r *Registry) Unregister(c *Connection) bool {
	s := r.shard(c.UserID)
	s.mu.Lock()
	current, ok := s.byUser[c.UserID]
	if ok && current == c {
		delete(s.byUser, c.UserID)
	} else {
		ok = false
	}
	s.mu.Unlock()

	r.fdMu.Lock()
	if existing, found := r.byFd[c.Fd]; found && existing == c {
		delete(r.byFd, c.Fd)
	}
	r.fdMu.Unlock()

	return ok
}

// Lookup returns the live connection for the given user id, or nil.
func (r *Registry) Lookup(userID string) *Connection {
	s := r.shard(userID)
	s.mu.Lock()
	c := s.byUser[userID]
	s.mu.Unlock()
	return c
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (r *Registry) GetByFd(fd int) *Connection {
	r.fdMu.RLock()
	c := r.byFd[fd]
	r.fdMu.RUnlock()
	return c
}

// GetByConn returns the connection for the given net.Conn by extracting its
// file descriptor. Returns nil if not found.
func (r *Registry) GetByConn(conn net.Conn) *Connection {
	return r.GetByFd(socketFD(conn))
}

// Count returns the current number of live connections.
func (r *Registry) Count() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.byUser)
		s.mu.Unlock()
	}
	return n
}

// All returns a snapshot of every live connection. The returned slice is
// safe to iterate without holding any lock.
func (r *Registry) All() []*Connection {
	conns := make([]*Connection, 0, 64)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, c := range s.byUser {
			conns = append(conns, c)
		}
		s.mu.Unlock()
	}
	return conns
}
