// Package ws is the WebSocket transport of the realtime service. It upgrades
// HTTP connections, binds each one to a realtime session, reads client frames
// through an epoll-driven worker pool and writes queued events from one
// writer goroutine per connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/TNortnern/reusable-chat/internal/channel"
	"github.com/TNortnern/reusable-chat/internal/chat"
	"github.com/TNortnern/reusable-chat/internal/metrics"
	"github.com/TNortnern/reusable-chat/internal/presence"
	"github.com/TNortnern/reusable-chat/internal/protocol"
	"github.com/TNortnern/reusable-chat/internal/ratelimit"
	"github.com/TNortnern/reusable-chat/internal/realtime"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
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

// TokenVerifier turns a handshake token into a principal.
type TokenVerifier interface {
	Verify(token string) (channel.Principal, error)
}

// BanChecker reports workspace bans for chat users.
type BanChecker interface {
	IsBanned(ctx context.Context, workspaceID, chatUserID string) (bool, error)
}

// Limiter is a fixed-window rate limiter.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// PresenceStore records which principals are online on this node.
type PresenceStore interface {
	Create(ctx context.Context, connID string, p channel.Principal) error
	Refresh(ctx context.Context, entries ...presence.Entry) error
	Delete(ctx context.Context, connID string, p channel.Principal) error
}

// Options carries the optional collaborators of a Server. Nil fields disable
// the corresponding check.
type Options struct {
	Bans      BanChecker
	Limiter   Limiter
	Presence  PresenceStore
	Heartbeat HeartbeatConfig
}

// storeTimeout bounds Redis calls made on the connection path.
const storeTimeout = 3 * time.Second

// maxFrameBytes bounds one inbound client frame. Client frames are small
// control messages; the slack over an event payload covers the envelope.
const maxFrameBytes = chat.MaxPayloadBytes + 4<<10

// Server upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for read readiness, and hands ready connections to a bounded worker
// pool. Outbound events are written by a per-connection writer goroutine that
// drains the session queue.
type Server struct {
	config    ServerConfig
	hub       *realtime.Hub
	verifier  TokenVerifier
	bans      BanChecker
	limiter   Limiter
	presence  PresenceStore
	heartbeat HeartbeatConfig

	epoll      *Epoll
	conns      *ConnectionManager
	router     *Router
	workerPool chan struct{} // semaphore limiting concurrent read workers
	mux        *http.ServeMux
	httpServer *http.Server
	writers    sync.WaitGroup

	done      chan struct{}
	stopOnce  sync.Once
	startedAt time.Time
}

// NewServer creates a Server. The returned server serves /ws and /health;
// further routes can be added with Handle before Start.
func NewServer(config ServerConfig, hub *realtime.Hub, verifier TokenVerifier, opts Options) *Server {
	if opts.Heartbeat.Interval <= 0 || opts.Heartbeat.Timeout <= 0 {
		opts.Heartbeat = DefaultHeartbeatConfig()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}

	s := &Server{
		config:     config,
		hub:        hub,
		verifier:   verifier,
		bans:       opts.Bans,
		limiter:    opts.Limiter,
		presence:   opts.Presence,
		heartbeat:  opts.Heartbeat,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}
	s.router = NewRouter(s)
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handle registers an additional HTTP handler on the server's mux.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Router returns the inbound frame router, for registering extra handlers.
func (s *Server) Router() *Router {
	return s.router
}

// Init creates the epoll instance and starts the event loop and heartbeat
// monitor. Start calls it; tests that serve Handler themselves call it
// directly.
func (s *Server) Init() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.heartbeat)
	return nil
}

// Start initializes the server and blocks serving HTTP on ListenAddr.
func (s *Server) Start() error {
	if err := s.Init(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it to a WebSocket and
// binds the connection to a new session. Every rejection happens before the
// upgrade so the client sees a plain HTTP status.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		metrics.Handshakes.WithLabelValues("full").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	p, err := s.verifier.Verify(handshakeToken(r))
	if err != nil {
		metrics.Handshakes.WithLabelValues("unauthorized").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ip := clientIP(r)
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	if s.bans != nil && p.IsChatUser() {
		banned, err := s.bans.IsBanned(ctx, p.WorkspaceID, p.ID)
		if err != nil {
			log.Printf("ws: ban check failed principal=%s: %v", p, err)
		}
		if banned {
			metrics.Handshakes.WithLabelValues("banned").Inc()
			http.Error(w, "banned", http.StatusForbidden)
			return
		}
	}

	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(ctx, ip, ratelimit.RuleConnect); !ok {
			metrics.Handshakes.WithLabelValues("rate_limited").Inc()
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		metrics.Handshakes.WithLabelValues("failed").Inc()
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	sess, err := s.hub.OnHandshake(p)
	if err != nil {
		metrics.Handshakes.WithLabelValues("failed").Inc()
		log.Printf("ws: handshake rejected principal=%s: %v", p, err)
		_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, err.Error())))
		conn.Close()
		return
	}

	c := newConnection(sess, conn, ip)
	s.conns.Add(c)

	if s.presence != nil {
		if err := s.presence.Create(ctx, c.ID(), p); err != nil {
			log.Printf("ws: failed to record presence session=%s: %v", c.ID(), err)
		}
	}

	s.writers.Add(1)
	go s.writeLoop(c)

	hello, err := protocol.NewServerMessage(protocol.EventConnected, "", protocol.ConnectedMsg{
		ConnectionID:    c.ID(),
		ActivityTimeout: int(s.heartbeat.Interval / time.Second),
	})
	if err == nil {
		err = c.WriteMessage(hello, s.config.WriteTimeout)
	}
	if err != nil {
		log.Printf("ws: failed to send connected session=%s: %v", c.ID(), err)
		s.hub.OnDisconnect(c.ID(), realtime.ReasonConnectionLost)
		return
	}

	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed session=%s: %v", c.ID(), err)
		s.hub.OnDisconnect(c.ID(), realtime.ReasonConnectionLost)
		return
	}

	metrics.Handshakes.WithLabelValues("accepted").Inc()
	log.Printf("ws: new connection session=%s principal=%s fd=%d (total=%d)",
		c.ID(), p, c.Fd, s.conns.Count())
}

// handshakeToken reads the token from the query string or a bearer header.
// Browsers cannot set headers on WebSocket requests, hence the query form.
func handshakeToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleHealth responds with connection and subscription counts and uptime.
// It is used by the load balancer for health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.hub.RegistryStats()
	resp := struct {
		Status        string `json:"status"`
		Connections   int    `json:"connections"`
		Channels      int    `json:"channels"`
		Subscriptions int    `json:"subscriptions"`
		Uptime        string `json:"uptime"`
	}{
		Status:        "ok",
		Connections:   s.conns.Count(),
		Channels:      stats.Channels,
		Subscriptions: stats.Subscriptions,
		Uptime:        time.Since(s.startedAt).Round(time.Second).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop and hands each ready connection to a
// worker goroutine bounded by the worker pool semaphore.
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
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one WebSocket frame from a ready connection. Any frame
// counts as activity. Read failures and close frames end the session through
// the hub; the writer goroutine then releases the socket.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same fd again while a worker is
	// still reading it.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.epoll.Resume(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means the readiness was stale; the heartbeat reaps
		// connections that are really dead.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.dropConn(c, realtime.ReasonConnectionLost)
		return
	}

	c.session.Heartbeat()

	if header.Length > maxFrameBytes {
		s.rejectFrame(c, ws.StatusMessageTooBig, "frame too large")
		return
	}
	if !header.Fin || header.OpCode == ws.OpContinuation {
		s.rejectFrame(c, ws.StatusUnsupportedData, "fragmented messages are not supported")
		return
	}

	// The deadline set above still bounds the payload. Once the header is
	// consumed the stream cannot be resynced, so any failure here drops.
	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.dropConn(c, realtime.ReasonConnectionLost)
			return
		}
	}
	_ = netConn.SetReadDeadline(time.Time{})

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.dropConn(c, realtime.ReasonClientClose)
		case ws.OpPing:
			if err := c.writePong(data, s.config.WriteTimeout); err != nil {
				s.dropConn(c, realtime.ReasonConnectionLost)
			}
		}
		return
	}

	if len(data) == 0 {
		return
	}
	s.router.Route(c, data)
}

// rejectFrame answers an unacceptable frame with a close frame and drops c.
func (s *Server) rejectFrame(c *Connection, code ws.StatusCode, reason string) {
	if err := c.writeClose(code, reason, closeWriteTimeout); err != nil {
		log.Printf("ws: failed to send close session=%s: %v", c.ID(), err)
	}
	s.dropConn(c, realtime.ReasonConnectionLost)
}

// dropConn stops reading from c and closes its session. Socket teardown is
// left to the writer.
func (s *Server) dropConn(c *Connection, reason string) {
	_ = s.epoll.Remove(c.Conn)
	s.hub.OnDisconnect(c.ID(), reason)
}

// Connections returns the ConnectionManager for the heartbeat and tests.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, closes every session with reason
// shutdown and waits for the writers to release their sockets or for ctx to
// expire.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		log.Println("ws: shutting down server...")
		close(s.done)

		if s.httpServer != nil {
			if e := s.httpServer.Shutdown(ctx); e != nil {
				log.Printf("ws: http shutdown error: %v", e)
				err = e
			}
		}

		s.hub.Shutdown()

		released := make(chan struct{})
		go func() {
			s.writers.Wait()
			close(released)
		}()
		select {
		case <-released:
		case <-ctx.Done():
			log.Printf("ws: shutdown deadline hit with %d connections open", s.conns.Count())
			for _, c := range s.conns.All() {
				s.conns.Remove(c.ID())
			}
			if err == nil {
				err = ctx.Err()
			}
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		log.Printf("ws: server stopped")
	})
	return err
}
