// Package ws is the WebSocket transport: it upgrades HTTP requests,
// authenticates the handshake, keeps every live session registered, and
// feeds inbound frames to the dispatcher through a bounded worker pool
// driven by an epoll event loop.
package ws

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/parley/chat-backend/internal/auth"
	"github.com/parley/chat-backend/internal/metrics"
	"github.com/parley/chat-backend/internal/presence"
	"github.com/parley/chat-backend/internal/protocol"
	"github.com/parley/chat-backend/internal/ratelimit"
	"github.com/parley/chat-backend/internal/registry"
)

// Config holds tunable parameters for the WebSocket transport.
type Config struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for frame reads
	WriteTimeout   time.Duration // timeout for frame writes
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server owns every live WebSocket session. It implements the transport
// the notification router delivers through (Send, SessionIDs).
type Server struct {
	config   Config
	poller   *Poller
	conns    *ConnectionManager
	registry *registry.Registry
	verifier *auth.Verifier
	presence *presence.Store    // nil disables the Redis mirror
	limiter  *ratelimit.Limiter // nil disables connect throttling

	workerPool   chan struct{} // semaphore bounding concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(sessionID string, userID int64)
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server. The message callback is installed later via
// SetOnMessage because the dispatcher needs the server to send replies.
func NewServer(config Config, reg *registry.Registry, verifier *auth.Verifier, pres *presence.Store, limiter *ratelimit.Limiter) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		registry:   reg,
		verifier:   verifier,
		presence:   pres,
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// SetOnMessage installs the inbound frame handler. Must be called before
// Start.
func (s *Server) SetOnMessage(fn func(conn *Connection, data []byte)) {
	s.onMessage = fn
}

// SetOnDisconnect installs a callback invoked after a connection is
// removed, with the session id and the user it was bound to (0 for
// anonymous).
func (s *Server) SetOnDisconnect(fn func(sessionID string, userID int64)) {
	s.onDisconnect = fn
}

// Start creates the poller and launches the event loop and heartbeat in
// the background. The HTTP side is served elsewhere; mount HandleUpgrade
// on the router.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: create poller: %w", err)
	}

	s.startedAt = time.Now()

	go s.eventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: transport ready (workers=%d, max_conns=%d)",
		s.config.WorkerPoolSize, s.config.MaxConnections)
	return nil
}

// HandleUpgrade authenticates and upgrades an HTTP request. A credential
// may arrive in the Authorization header or the token query parameter; a
// request without one proceeds as an anonymous session, but a credential
// that fails verification is rejected before the upgrade.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), clientIP(r), ratelimit.RuleConnect); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	var userID int64
	if credential := handshakeCredential(r); credential != "" {
		id, err := s.verifier.Verify(credential)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userID = id
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	sessionID := uuid.New().String()
	c := &Connection{
		ID:        sessionID,
		UserID:    userID,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	s.conns.Add(c)
	if err := s.poller.Add(conn); err != nil {
		log.Printf("ws: poller add failed session=%s: %v", sessionID, err)
		s.conns.Remove(sessionID)
		return
	}

	if userID > 0 {
		s.registry.Bind(sessionID, userID)
	}

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.presence.Connect(ctx, sessionID, userID); err != nil {
			log.Printf("ws: presence record failed session=%s: %v", sessionID, err)
		}
		cancel()
	}

	metrics.ConnectionsTotal.Inc()

	frame, err := protocol.NewServerEvent(protocol.EventSessionCreated, protocol.SessionCreated{
		SessionID: sessionID,
	})
	if err != nil {
		log.Printf("ws: build session_created session=%s: %v", sessionID, err)
	} else if err := c.WriteMessage(frame); err != nil {
		log.Printf("ws: send session_created session=%s: %v", sessionID, err)
	}

	log.Printf("ws: new connection session=%s user=%d (total=%d)", sessionID, userID, s.conns.Count())
}

// eventLoop runs the poller wait loop. Each ready connection is handed to
// a worker goroutine, bounded by the pool semaphore.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: poller wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. wsutil.NextReader
// lets control frames pass without blocking on a data frame that may
// never arrive. Read failures other than timeouts remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may dispatch the same fd twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means a stale dispatch with no data pending; the
		// heartbeat owns dead-connection eviction.
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

// RemoveConnection evicts a connection from the poller, the manager, the
// user registry, and the presence mirror. Exported so the heartbeat can
// evict dead connections. Racing removals settle on the manager's Remove.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}

	s.registry.Unbind(c.ID)
	metrics.ConnectionsTotal.Dec()

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.presence.Disconnect(ctx, c.ID); err != nil {
			log.Printf("ws: presence cleanup failed session=%s: %v", c.ID, err)
		}
		cancel()
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID, c.UserID)
	}

	log.Printf("ws: connection closed session=%s (total=%d)", c.ID, s.conns.Count())
}

// Send writes a frame to the connection behind sessionID. Together with
// SessionIDs it is the delivery surface the notification router uses.
func (s *Server) Send(sessionID string, data []byte) error {
	c := s.conns.Get(sessionID)
	if c == nil {
		return fmt.Errorf("ws: session %s not found", sessionID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear the deadline so heartbeat pings are unaffected.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// SessionIDs returns a snapshot of all live session ids.
func (s *Server) SessionIDs() []string {
	return s.conns.SessionIDs()
}

// Connections exposes the connection manager to the heartbeat and the
// health endpoint.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Uptime reports how long the transport has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// Shutdown stops the event loop, closes every live connection, and
// releases the poller.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down transport...")

	close(s.done)

	for _, c := range s.conns.All() {
		s.registry.Unbind(c.ID)
		if s.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.presence.Disconnect(ctx, c.ID)
			cancel()
		}
		_ = s.poller.Remove(c.Conn)
		c.Close()
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: transport stopped, all connections closed")
	return nil
}

// handshakeCredential extracts the bearer credential from the upgrade
// request: the Authorization header wins, then the token query parameter.
func handshakeCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return h
	}
	return r.URL.Query().Get("token")
}

// clientIP strips the port from the remote address for per-IP limits.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR reports whether the error is an interrupted syscall, which is
// expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
