package ws

import (
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string     // connection id (UUID)
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor for epoll lookups
	RemoteIP   string     // peer address without port
	CreatedAt  time.Time  // when the connection was established
	lastSeen   int64      // unix nanos of the last frame received, atomic
	writeMu    sync.Mutex // serializes writes to this connection
	lastSeq    uint64     // highest sequenced broadcast written, guarded by writeMu
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastSeen, time.Now().UnixNano())
}

// LastSeen returns the time of the last frame received from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastSeen))
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	return c.WriteMessageTimeout(data, 0)
}

// WriteMessageTimeout is WriteMessage with a write deadline. The deadline is
// set and cleared under the write mutex so it never leaks into other writes.
func (c *Connection) WriteMessageTimeout(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WriteSeqTimeout writes a sequenced broadcast frame unless the connection
// already received a frame with a higher seq. It reports whether the frame
// was written.
func (c *Connection) WriteSeqTimeout(seq uint64, data []byte, timeout time.Duration) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if seq < c.lastSeq {
		return false, nil
	}
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data); err != nil {
		return false, err
	}
	c.lastSeq = seq
	return true, nil
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their respective Connection objects.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // conn_id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	return cm.GetByFd(socketFD(c))
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Broadcast sends a message to all connected clients. The set of connections
// is snapshotted under the read lock and written outside it. Failed writes are
// logged; the connection is reaped by the event loop or the heartbeat.
func (cm *ConnectionManager) Broadcast(msg []byte, timeout time.Duration) {
	for _, conn := range cm.All() {
		if err := conn.WriteMessageTimeout(msg, timeout); err != nil {
			log.Printf("ws: broadcast write failed conn=%s: %v", conn.ID, err)
		}
	}
}

// BroadcastSeq is Broadcast for a sequenced stream: connections that already
// hold a newer frame of the stream are skipped.
func (cm *ConnectionManager) BroadcastSeq(seq uint64, msg []byte, timeout time.Duration) {
	for _, conn := range cm.All() {
		if _, err := conn.WriteSeqTimeout(seq, msg, timeout); err != nil {
			log.Printf("ws: broadcast write failed conn=%s seq=%d: %v", conn.ID, seq, err)
		}
	}
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
