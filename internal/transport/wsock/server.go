package wsock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/polycycle/sleepsync/internal/channel"
	"github.com/polycycle/sleepsync/internal/logging"
)

// Health is the process state reported by /health.
type Health struct {
	StoreHealthy   bool       `json:"store_healthy"`
	PendingChanges int        `json:"pending_changes"`
	LastSync       *time.Time `json:"last_sync,omitempty"`
}

// HealthFunc reports the current process state.
type HealthFunc func(ctx context.Context) Health

// ServerConfig configures a Server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8787" or "127.0.0.1:0"
	Addr string
	// OriginPatterns allowed for browser clients (default: same origin)
	OriginPatterns []string
	// Health backs /health (default: always healthy)
	Health HealthFunc
	// Metrics backs /metrics (default: route not mounted)
	Metrics http.Handler
	Logger  *zap.SugaredLogger
}

// Server is the host end of the WebSocket link.
type Server struct {
	*endpoint

	cfg      ServerConfig
	router   *chi.Mux
	server   *http.Server
	listener net.Listener
}

// NewServer creates a Server. It does not listen until Activate.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		endpoint: newEndpoint(logging.Named(cfg.Logger, "wsock")),
		cfg:      cfg,
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/ws", s.handleWebSocket)
	s.router.Get("/health", s.handleHealth)
	if s.cfg.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}
}

// Handler returns the HTTP handler, for mounting in tests.
func (s *Server) Handler() http.Handler { return s.router }

// Activate implements channel.Transport. It starts listening on cfg.Addr.
func (s *Server) Activate(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Infow("listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("server error", "error", err)
		}
	}()

	s.emit(channel.Event{Type: channel.EventReachability, Reachable: false})
	return nil
}

// Addr returns the bound listen address, or "" before Activate.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close implements channel.Transport.
func (s *Server) Close() error {
	var err error
	if s.listener != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.cancel()
		if serr := s.server.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("server shutdown error: %w", serr)
		}
	}
	s.shutdown()
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.serve(conn)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{StoreHealthy: true}
	if s.cfg.Health != nil {
		h = s.cfg.Health(r.Context())
	}

	status, code := "ok", http.StatusOK
	if !h.StoreHealthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		Status        string `json:"status"`
		PeerConnected bool   `json:"peer_connected"`
		Health
	}{status, s.current() != nil, h})
}

var _ channel.Transport = (*Server)(nil)
