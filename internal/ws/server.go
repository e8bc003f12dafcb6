// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client sessions, and dispatching
// incoming messages to the appropriate handlers. Connection I/O is
// multiplexed by a single ready.Manager event loop; this package supplies
// the Handler implementation and everything around it (HTTP upgrade,
// session bookkeeping, worker-pool dispatch, graceful shutdown).
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/strangerline/whisper/internal/metrics"
	"github.com/strangerline/whisper/internal/protocol"
	"github.com/strangerline/whisper/internal/ready"
	"github.com/strangerline/whisper/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxFrameSize   int64         // maximum allowed WebSocket frame payload in bytes
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameSize:   4096,
	}
}

// Server is the high-performance WebSocket server built on gobwas/ws and the
// readiness core in internal/ready. It upgrades HTTP connections to
// WebSocket, registers them with a ready.Manager for I/O readiness
// notifications, and dispatches decoded frames to a bounded worker pool for
// application-level processing.
type Server struct {
	config       ServerConfig
	heartbeat    HeartbeatConfig
	manager      *ready.Manager
	handler      *connHandler
	conns        *ConnectionManager
	sessionStore *session.Store                     // Redis-backed session state
	workerPool   chan struct{}                       // semaphore limiting concurrent message-handler goroutines
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	httpServer   *http.Server
	done         chan struct{}
	loopDone     chan struct{} // closed once the Tick loop goroutine has returned
	startedAt    time.Time     // server start time for uptime calculation
	draining     atomic.Bool   // true when server is draining connections during shutdown
}

// NewServer creates a Server with the given configuration, session store, and
// message callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, sessionStore *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:       config,
		heartbeat:    DefaultHeartbeatConfig(),
		conns:        NewConnectionManager(),
		sessionStore: sessionStore,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		done:         make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
	s.handler = &connHandler{server: s}
	return s
}

// Start initializes the readiness manager, configures the HTTP server, and
// begins accepting WebSocket connections. It drives the manager's Tick loop
// in a background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	mgr, err := ready.NewManager(nil)
	if err != nil {
		return fmt.Errorf("ws: failed to create readiness manager: %w", err)
	}
	s.manager = mgr
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/online", s.handleOnlineCount)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.runLoop()

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// runLoop drives the readiness manager: one Tick per iteration, until done
// is closed. Tick itself blocks for up to the backend's wait ceiling, so
// this is not a busy loop.
func (s *Server) runLoop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		start := time.Now()
		if err := s.manager.Tick(); err != nil {
			log.Printf("ws: tick error: %v", err)
		}
		metrics.ReadyTickDuration.Observe(time.Since(start).Seconds())
		metrics.ReadyLinksTotal.Set(float64(s.manager.Count()))
	}
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using
// gobwas/ws zero-copy upgrader, then registers it with the connection
// manager and the readiness manager.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)
	sessionID := uuid.New().String()
	now := time.Now()

	c := &Connection{
		ID:           sessionID,
		Conn:         conn,
		Fd:           fd,
		CreatedAt:    now,
		LastPing:     now,
		lastPingSent: now,
	}

	s.conns.Add(c)
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))
	if err := s.manager.Register(fd, s.handler, c); err != nil {
		log.Printf("ws: registration failed for session %s: %v", sessionID, err)
		s.conns.Remove(sessionID)
		return
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Create(ctx, sessionID); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", sessionID, err)
		}
	}

	sessionMsg, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: sessionID,
	})
	if err != nil {
		log.Printf("ws: failed to build session_created for session %s: %v", sessionID, err)
	} else if err := c.WriteMessage(sessionMsg); err != nil {
		log.Printf("ws: failed to send session_created for session %s: %v", sessionID, err)
	}

	log.Printf("ws: new connection session=%s fd=%d (total=%d)", sessionID, fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime. It is used by HAProxy for health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// handleOnlineCount returns the current number of connected users as JSON.
// This lightweight endpoint is polled by the frontend to display the online
// user count on the landing page.
func (s *Server) handleOnlineCount(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	_ = json.NewEncoder(w).Encode(struct {
		Count int `json:"count"`
	}{Count: s.conns.Count()})
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close). It is called
// before the Redis session is deleted, so the handler can inspect session state.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// notifyDisconnect invokes the onDisconnect callback at most once per
// connection, however teardown was triggered.
func (s *Server) notifyDisconnect(c *Connection) {
	if s.onDisconnect != nil && c.notified.CompareAndSwap(false, true) {
		s.onDisconnect(c.ID)
	}
}

// RemoveConnection flags a connection for forced disconnect; it is safe to
// call from outside the I/O thread. The Link is
// actually unregistered (and the socket closed) the next time the readiness
// manager's periodic Check sweep observes the flag, which happens within
// one sweep interval.
func (s *Server) RemoveConnection(c *Connection) {
	c.closing.Store(true)
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by message handlers that need to look up a session's peer).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// SessionStore returns the Redis session store for external access (e.g., by
// message handlers that need to read or update session state).
func (s *Server) SessionStore() *session.Store {
	return s.sessionStore
}

// Shutdown performs a graceful shutdown of the server. It first stops
// accepting new connections and notifies every connected client's chat
// partner, then drains existing connections with a 30-second timeout before
// stopping the readiness manager, which tears down anything left.
func (s *Server) Shutdown() error {
	log.Println("ws: initiating graceful shutdown...")

	s.draining.Store(true)

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := s.httpServer.Shutdown(httpCtx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	connCount := s.conns.Count()
	log.Printf("ws: draining %d connections (30s timeout)...", connCount)
	for _, c := range s.conns.All() {
		s.notifyDisconnect(c)
	}

	drainDeadline := time.After(30 * time.Second)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

drainLoop:
	for {
		select {
		case <-drainDeadline:
			if remaining := s.conns.Count(); remaining > 0 {
				log.Printf("ws: drain timeout, force-closing %d connections", remaining)
			}
			break drainLoop
		case <-ticker.C:
			remaining := s.conns.Count()
			if remaining == 0 {
				log.Println("ws: all connections drained successfully")
				break drainLoop
			}
			log.Printf("ws: draining... %d connections remaining", remaining)
		}
	}

	close(s.done)
	<-s.loopDone
	if err := s.manager.Close(); err != nil {
		log.Printf("ws: manager close error: %v", err)
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}
