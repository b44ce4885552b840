// Package ws implements the realtime side of the Parley server: socket
// upgrades with auth at accept time, the per-user connection registry, the
// chat fanout broadcaster, and the inbound frame dispatcher. The socket
// channel is a best-effort notification layer; durable state lives behind
// the REST store.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/parley/chat-app/internal/metrics"
)

// TokenVerifier validates a connect-time credential and resolves it to a
// user identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// PresenceStore persists online/offline state. The presence write
// happens-before the presence broadcast, so receivers never observe a
// broadcast referencing uncommitted state.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) (time.Time, error)
}

// ConnectLimiter throttles connection attempts per remote address. A nil
// limiter means unlimited.
type ConnectLimiter interface {
	AllowConnect(ctx context.Context, addr string) bool
}

// ServerConfig holds tunable parameters for the socket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for socket read operations
	WriteTimeout   time.Duration // timeout for socket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the socket server built on gobwas/ws and Linux epoll. It
// authenticates the upgrade, registers the connection under the user's
// identity (superseding any prior socket for that identity), registers it
// with an epoll instance for I/O readiness, and dispatches ready
// connections to a bounded worker pool for frame reading.
type Server struct {
	config      ServerConfig
	epoll       *Epoll
	registry    *Registry
	broadcaster *Broadcaster
	verifier    TokenVerifier
	presence    PresenceStore
	connLimiter ConnectLimiter
	workerPool  chan struct{}                        // semaphore limiting concurrent read workers
	onMessage   func(conn *Connection, data []byte) // frame handler callback
	httpServer  *http.Server
	done        chan struct{}
	startedAt   time.Time
}

// NewServer creates a Server. The onMessage callback is invoked from a
// worker goroutine whenever a complete text frame arrives from a client.
func NewServer(config ServerConfig, registry *Registry, broadcaster *Broadcaster, verifier TokenVerifier, presence PresenceStore, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:      config,
		registry:    registry,
		broadcaster: broadcaster,
		verifier:    verifier,
		presence:    presence,
		workerPool:  make(chan struct{}, config.WorkerPoolSize),
		onMessage:   onMessage,
		done:        make(chan struct{}),
	}
}

// SetConnectLimiter installs a per-address connection rate limiter.
func (s *Server) SetConnectLimiter(l ConnectLimiter) {
	s.connLimiter = l
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting socket connections. It starts the epoll event loop and
// heartbeat monitor in background goroutines and blocks on ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	// Ping/pong keepalive with a bounded silence threshold, so half-open
	// connections are discovered instead of lingering until the next write.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates and upgrades an HTTP request to a socket
// connection. The auth token rides the "token" query parameter and is
// verified synchronously before the upgrade; a missing or invalid token
// refuses the connection immediately and nothing is ever registered.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.registry.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if s.connLimiter != nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.connLimiter.AllowConnect(ctx, host) {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := s.verifier.Verify(ctx, token)
	if err != nil {
		log.Printf("ws: rejected connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	now := time.Now()
	c := &Connection{
		UserID:       userID,
		Conn:         conn,
		Fd:           socketFD(conn),
		ConnectedAt:  now,
		LastPing:     now,
		WriteTimeout: s.config.WriteTimeout,
	}

	// Last-connection-wins: a prior socket for the same identity is swapped
	// out and closed before this one becomes visible to broadcasts.
	if prev := s.registry.Register(c); prev != nil {
		_ = s.epoll.Remove(prev.Conn)
		log.Printf("ws: superseded prior connection user=%s", userID)
	}

	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed user=%s: %v", userID, err)
		s.registry.Unregister(c)
		c.Close()
		return
	}

	metrics.ConnectionsTotal.Set(float64(s.registry.Count()))

	// Presence write first; broadcast only what was confirmed. On write
	// failure the connection stays registered for message fanout, the
	// broadcast is suppressed, and the failure is logged.
	if s.presence != nil {
		if err := s.presence.SetOnline(ctx, userID); err != nil {
			log.Printf("ws: presence online write failed user=%s: %v", userID, err)
		} else {
			s.broadcaster.BroadcastPresence(userID, true, nil)
		}
	}

	log.Printf("ws: new connection user=%s fd=%d (total=%d)", userID, c.Fd, s.registry.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.registry.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the socket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed from epoll and the registry.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.registry.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll and the registry and
// closes the socket. The offline presence write and broadcast run only when
// this connection was still the live one for its user: a superseded socket
// being torn down must not mark its successor's user offline. Exported so
// the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.registry.Unregister(c) {
		c.Close()
		return
	}
	c.Close()

	metrics.ConnectionsTotal.Set(float64(s.registry.Count()))

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		lastSeen, err := s.presence.SetOffline(ctx, c.UserID)
		if err != nil {
			log.Printf("ws: presence offline write failed user=%s: %v", c.UserID, err)
		} else {
			s.broadcaster.BroadcastPresence(c.UserID, false, &lastSeen)
		}
	}

	log.Printf("ws: connection closed user=%s (total=%d)", c.UserID, s.registry.Count())
}

// Registry returns the connection registry for external access (e.g. the
// heartbeat monitor and the dispatcher).
func (s *Server) Registry() *Registry {
	return s.registry
}

// Shutdown performs a graceful shutdown: it stops the HTTP listener,
// signals the event loop to exit, closes all live connections, and cleans
// up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.registry.All() {
		_ = s.epoll.Remove(c.Conn)
		s.registry.Unregister(c)
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
