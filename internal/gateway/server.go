package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/relaysmith/nodebroker/internal/pairing"
)

// ServerConfig holds configuration for the gateway server.
type ServerConfig struct {
	Port       int
	Bind       string // "loopback" (127.0.0.1) or "lan" (0.0.0.0)
	Auth       AuthConfig
	PairingSvc *pairing.Service // optional — nil disables device pairing

	// RateLimit caps new WebSocket connections per second; 0 disables
	// limiting. RateBurst is the token-bucket burst (min 1 when limiting).
	RateLimit float64
	RateBurst int

	// Heartbeat tuning; zero values fall back to the conn defaults.
	PongWait   time.Duration
	PingPeriod time.Duration

	// MaxMessageBytes caps a single inbound frame; zero means the default
	// single-frame payload cap.
	MaxMessageBytes int64

	// Stats, when set, is served as JSON from /stats for CLI inspection.
	Stats func() any
}

// Server is an HTTP server that upgrades connections to WebSocket
// and manages Conn lifecycles.
type Server struct {
	config   ServerConfig
	handler  ConnHandler
	upgrader websocket.Upgrader
	limiter  *rate.Limiter // nil when RateLimit is 0
	httpSrv  *http.Server
	addr     string
	mu       sync.Mutex
	conns    []*Conn
	connsMu  sync.Mutex
}

// NewServer creates a new gateway server.
func NewServer(config ServerConfig, handler ConnHandler) *Server {
	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return &Server{
		config:  config,
		handler: handler,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Addr returns the address the server is listening on, or "" if not yet ready.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ListenAndServe starts the HTTP server and blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", MetricsHandler())
	mux.HandleFunc("/stats", s.handleStats)

	bindAddr := "127.0.0.1"
	if s.config.Bind == "lan" {
		bindAddr = "0.0.0.0"
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindAddr, s.config.Port))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.httpSrv = &http.Server{Handler: mux}
	s.mu.Unlock()

	// Shut down when context is cancelled.
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		s.httpSrv.Close()
	}()

	err = s.httpSrv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeAllConns()
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		IncError("rate_limit")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	IncConnectedClients()
	defer DecConnectedClients()

	conn := NewConn(wsConn, s.config, s.handler)
	conn.SetRemoteAddr(r.RemoteAddr)

	// Attach pairing service if configured
	if s.config.PairingSvc != nil {
		remoteAddr := r.RemoteAddr
		isLocal := isLoopback(remoteAddr)
		conn.WithPairing(s.config.PairingSvc, remoteAddr, isLocal)
	}

	s.connsMu.Lock()
	s.conns = append(s.conns, conn)
	s.connsMu.Unlock()

	conn.Run(r.Context())

	s.removeConn(conn)
}

// isLoopback checks if the remote address is a loopback address.
func isLoopback(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	// Handle IPv4-mapped IPv6 (::ffff:127.0.0.1) and bracket notation
	host = strings.TrimPrefix(host, "::ffff:")
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	// Fallback for "localhost" or similar
	return host == "localhost"
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.config.Stats == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.config.Stats()); err != nil {
		IncError("internal")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]*Conn, len(s.conns))
	copy(conns, s.conns)
	s.connsMu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

func (s *Server) removeConn(conn *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}
