// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client connections, and dispatching
// incoming frames to the appropriate handlers. The event loop is built on
// Linux epoll.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/amigochat/realtime/internal/metrics"
	"github.com/amigochat/realtime/internal/protocol"
	"github.com/amigochat/realtime/internal/ratelimit"
	"github.com/amigochat/realtime/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// ConnectLimiter throttles new connections per client IP.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	sessionStore *session.Store                      // Redis connection mirror, optional
	limiter      ConnectLimiter                      // per-IP connect limiter, optional
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // frame handler callback
	onConnect    func(connID string)                 // called before the first frame can be read
	onDisconnect func(connID string)                 // called when a connection is removed
	onShutdown   func()                              // called once before shutdown removes connections
	done         chan struct{}
	stopOnce     sync.Once

	mu         sync.Mutex // guards epoll, httpServer and startedAt during Serve/Shutdown
	epoll      *Epoll
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a Server with the given configuration, connection mirror,
// and frame callback. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text frame is received. A nil
// sessionStore disables the Redis mirror.
func NewServer(config ServerConfig, sessionStore *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:       config,
		conns:        NewConnectionManager(),
		sessionStore: sessionStore,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		done:         make(chan struct{}),
	}
}

// SetConnectLimiter enables per-IP connection rate limiting.
func (s *Server) SetConnectLimiter(l ConnectLimiter) {
	s.limiter = l
}

// SetOnConnect registers a callback invoked for every accepted connection
// after it is registered and before any of its frames are dispatched.
func (s *Server) SetOnConnect(fn func(connID string)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked exactly once when a connection
// is removed (read error, close frame, heartbeat timeout or shutdown). It is
// called before the Redis mirror entry is deleted.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetOnShutdown registers a callback invoked once when Shutdown starts,
// before the remaining connections are removed.
func (s *Server) SetOnShutdown(fn func()) {
	s.onShutdown = fn
}

// Start listens on config.ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve initializes the epoll instance and the HTTP mux, starts the event
// loop and heartbeat in the background, and blocks serving ln.
func (s *Server) Serve(ln net.Listener) error {
	ep, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	hs := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.epoll = ep
	s.httpServer = hs
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		ln.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := hs.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. On success it sends the connected frame,
// registers the Connection with the connection manager, notifies the
// lifecycle callback, and only then adds it to epoll so no frame is
// dispatched for an unannounced connection.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.limiter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		allowed, _ := s.limiter.Allow(ctx, ip, ratelimit.RuleConnect)
		cancel()
		if !allowed {
			log.Printf("ws: connect rate limited ip=%s", ip)
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		Conn:      conn,
		Fd:        socketFD(conn),
		RemoteIP:  ip,
		CreatedAt: time.Now(),
	}
	c.Touch()

	// The connected frame goes out before the connection is registered, so
	// no broadcast can overtake it.
	connected, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: c.ID,
	})
	if err != nil {
		log.Printf("ws: failed to build connected frame for %s: %v", c.ID, err)
		conn.Close()
		return
	}
	if err := c.WriteMessageTimeout(connected, s.config.WriteTimeout); err != nil {
		log.Printf("ws: failed to send connected frame for %s: %v", c.ID, err)
		conn.Close()
		return
	}

	s.conns.Add(c)
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessionStore.Create(ctx, c.ID, ip); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", c.ID, err)
		}
		cancel()
	}

	if s.onConnect != nil {
		s.onConnect(c.ID)
	}

	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for conn %s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection conn=%s fd=%d ip=%s (total=%d)", c.ID, c.Fd, ip, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Polled      int    `json:"polled"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Polled:      s.epoll.Len(),
		Uptime:      time.Since(startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
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
			}
			if !isEINTR(err) {
				log.Printf("ws: epoll wait error: %v", err)
			}
			continue
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames are handled without blocking on a
// data frame that may never arrive. If the read fails the connection is
// removed. A panic in a frame handler is contained to this connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("ws: recovered panic conn=%s: %v\n%s", c.ID, r, debug.Stack())
			s.RemoveConnection(c)
		}
	}()

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
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
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

// RemoveConnection removes a connection from both epoll and the connection
// manager and closes the underlying network connection. Only the first
// caller for a given connection runs the disconnect callback.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete redis session for %s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessageTimeout(data, s.config.WriteTimeout)
}

// Broadcast writes a text frame to every live connection.
func (s *Server) Broadcast(data []byte) {
	s.conns.Broadcast(data, s.config.WriteTimeout)
}

// BroadcastSeq writes a sequenced frame to every live connection that has
// not seen a newer one.
func (s *Server) BroadcastSeq(seq uint64, data []byte) {
	s.conns.BroadcastSeq(seq, data, s.config.WriteTimeout)
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// SessionStore returns the Redis connection mirror, or nil.
func (s *Server) SessionStore() *session.Store {
	return s.sessionStore
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, removes all active connections
// (running the disconnect callback for each), and closes the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.stopOnce.Do(func() {
		close(s.done)
		if s.onShutdown != nil {
			s.onShutdown()
		}
	})

	s.mu.Lock()
	hs, ep := s.httpServer, s.epoll
	s.mu.Unlock()

	if hs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	if ep != nil {
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		_ = ep.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// clientIP returns the request's peer address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
