package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single authenticated socket with its associated
// metadata and a write mutex for serializing outbound frames.
type Connection struct {
	UserID       string        // authenticated user identity
	Conn         net.Conn      // underlying TCP connection
	Fd           int           // file descriptor for epoll lookups
	ConnectedAt  time.Time     // when the connection was established
	LastPing     time.Time     // last activity observed from the client
	WriteTimeout time.Duration // bound on each outbound write; 0 means no bound
	writeMu      sync.Mutex    // serializes writes to this connection
	processing   int32         // atomic flag: 0 = idle, 1 = being read by handleConn
}

// WriteMessage sends a text frame to this connection. The write mutex
// ensures that concurrent goroutines do not interleave frame bytes. A
// recipient that cannot accept data within WriteTimeout fails the write
// instead of stalling the caller.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
		// Clear the deadline so it does not affect future writes.
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
