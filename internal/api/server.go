package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querytrace/querytrace/internal/auth"
	"github.com/querytrace/querytrace/internal/backend"
	"github.com/querytrace/querytrace/internal/config"
	"github.com/querytrace/querytrace/internal/killswitch"
	"github.com/querytrace/querytrace/internal/trace"
)

// Server is the management API server.
type Server struct {
	config     config.ServerConfig
	store      trace.Store
	cfgLoader  *config.Loader
	backend    *backend.Backend
	wsHub      *WebSocketHub
	tokens     *auth.TokenManager
	killSwitch *killswitch.KillSwitch
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new management API server. hub may be nil, in which
// case the server creates its own.
func NewServer(
	cfg config.ServerConfig,
	store trace.Store,
	cfgLoader *config.Loader,
	be *backend.Backend,
	hub *WebSocketHub,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = NewWebSocketHub(logger, cfg.CORS)
	}
	s := &Server{
		config:    cfg,
		store:     store,
		cfgLoader: cfgLoader,
		backend:   be,
		wsHub:     hub,
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "api.Server"),
	}

	s.registerRoutes()
	return s
}

// SetTokenManager turns on bearer-token auth. Without one every route is
// open.
func (s *Server) SetTokenManager(tm *auth.TokenManager) {
	s.tokens = tm
}

// SetKillSwitch exposes ks under /api/killswitch.
func (s *Server) SetKillSwitch(ks *killswitch.KillSwitch) {
	s.killSwitch = ks
}

func (s *Server) registerRoutes() {
	// Persisted sessions
	s.mux.HandleFunc("GET /api/sessions", s.authRequired(auth.ActionSessionRead, s.handleListSessions))
	s.mux.HandleFunc("GET /api/sessions/{id}", s.authRequired(auth.ActionSessionRead, s.handleGetSession))
	s.mux.HandleFunc("GET /api/sessions/{id}/verify", s.authRequired(auth.ActionSessionRead, s.handleVerifySession))

	// Live sessions
	s.mux.HandleFunc("GET /api/active", s.authRequired(auth.ActionSessionRead, s.handleListActive))

	// Config
	s.mux.HandleFunc("POST /api/config/reload", s.authRequired(auth.ActionConfigChange, s.handleReloadConfig))

	// Kill switch
	s.mux.HandleFunc("GET /api/killswitch", s.authRequired(auth.ActionSessionRead, s.handleKillSwitchStatus))
	s.mux.HandleFunc("POST /api/killswitch/trigger", s.authRequired(auth.ActionConfigChange, s.handleKillSwitchTrigger))
	s.mux.HandleFunc("POST /api/killswitch/reset", s.authRequired(auth.ActionConfigChange, s.handleKillSwitchReset))

	// Tokens
	s.mux.HandleFunc("POST /api/tokens", s.authRequired(auth.ActionTokenCreate, s.handleCreateToken))

	// System
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.authRequired(auth.ActionMetricsRead, s.handleStats))
	metrics := promhttp.HandlerFor(s.backend.Metrics().Registry(), promhttp.HandlerOpts{})
	s.mux.HandleFunc("GET /metrics", s.authRequired(auth.ActionMetricsRead, metrics.ServeHTTP))

	// WebSocket
	s.mux.HandleFunc("GET /api/ws/sessions", s.authRequired(auth.ActionSessionRead, s.wsHub.HandleWebSocket))
}

// authRequired wraps a handler with token validation and a permission
// check for action.
func (s *Server) authRequired(action string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.tokens == nil {
			handler(w, r)
			return
		}

		secret, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || secret == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		token, err := s.tokens.ValidateToken(secret, remoteIP(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		if !auth.HasPermission(token.Role, action) {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}

		handler(w, r)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start starts the API server on the given address.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("management API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// APIAddr makes a listen address from a port.
func APIAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
