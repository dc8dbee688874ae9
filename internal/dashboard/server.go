// Package dashboard implements the peripheral read-only operational
// dashboard: an HTTP API over recorded sessions, guarded by JWT bearer
// tokens, plus a websocket endpoint that tails the event bus live. It
// never mutates server or session state; its only write path is the
// login endpoint that mints a token.
package dashboard

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

	"github.com/protei/cardlink/internal/dashboard/auth"
	"github.com/protei/cardlink/internal/eventbus"
	"github.com/protei/cardlink/internal/logger"
	"github.com/protei/cardlink/internal/repository"
)

// SessionProvider is the read path into whichever repository backend is
// in use. Both repository.MemoryRepository and repository.PostgresRepository
// satisfy it.
type SessionProvider interface {
	ListSessions(ctx context.Context) ([]repository.SessionRecord, error)
	GetSession(ctx context.Context, id string) (repository.SessionRecord, bool, error)
}

// Config configures a Server.
type Config struct {
	Port            int
	AuthService     *auth.Service
	SessionProvider SessionProvider
	Bus             eventbus.Emitter
	Log             *logger.Logger
}

// Server is the dashboard's HTTP+websocket front end.
type Server struct {
	cfg       Config
	server    *http.Server
	listener  net.Listener
	upgrader  websocket.Upgrader
	wsClients map[*websocket.Conn]bool
	wsMu      sync.RWMutex
	busToken  eventbus.Token
}

// New builds a Server from cfg. Call Start to begin serving.
func New(cfg Config) *Server {
	return &Server{
		cfg:       cfg,
		wsClients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start binds the listener and begins serving in the background. It
// returns once the listener is bound, mirroring AdminServer's Start.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/sessions", s.requireAuth("view_sessions", s.handleSessions))
	mux.HandleFunc("/api/sessions/", s.requireAuth("view_sessions", s.handleSessionDetail))
	mux.HandleFunc("/ws", s.handleWebSocket)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("dashboard: listen: %w", err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.Bus != nil {
		s.busToken = s.cfg.Bus.Subscribe(nil, s.forwardEvent)
	}

	if s.cfg.Log != nil {
		s.cfg.Log.Info("starting dashboard", "addr", ln.Addr().String())
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed && s.cfg.Log != nil {
			s.cfg.Log.Error("dashboard server stopped", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address. Valid only after Start.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Stop gracefully shuts down the HTTP server and closes any open
// websocket connections.
func (s *Server) Stop(ctx context.Context) error {
	if s.cfg.Bus != nil && s.busToken != "" {
		s.cfg.Bus.Unsubscribe(s.busToken)
	}

	s.wsMu.Lock()
	for client := range s.wsClients {
		client.Close()
	}
	s.wsMu.Unlock()

	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.cfg.AuthService.Authenticate(req.Username, req.Password)
	if err != nil {
		s.sendError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]string{"token": sess.Token})
}

func (s *Server) requireAuth(permission string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.sendError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		sess, err := s.cfg.AuthService.ValidateToken(parts[1])
		if err != nil {
			s.sendError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if err := s.cfg.AuthService.CheckPermission(sess, permission); err != nil {
			s.sendError(w, http.StatusForbidden, "insufficient permissions")
			return
		}

		next(w, r)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	records, err := s.cfg.SessionProvider.ListSessions(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	s.sendJSON(w, http.StatusOK, records)
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "missing session id")
		return
	}

	rec, ok, err := s.cfg.SessionProvider.GetSession(r.Context(), id)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to look up session")
		return
	}
	if !ok {
		s.sendError(w, http.StatusNotFound, "session not found")
		return
	}
	s.sendJSON(w, http.StatusOK, rec)
}

// handleWebSocket upgrades the connection and registers it as a tail
// target; events arrive via forwardEvent as they are emitted on the bus.
// Authorization is a token query parameter since browser websocket
// clients cannot set an Authorization header on the upgrade request.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := s.cfg.AuthService.ValidateToken(token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.cfg.Log != nil {
			s.cfg.Log.Warn("websocket upgrade failed", "error", err.Error())
		}
		return
	}

	s.wsMu.Lock()
	s.wsClients[conn] = true
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsClients, conn)
		s.wsMu.Unlock()
		conn.Close()
	}()

	// Drain inbound frames (pings, close) until the peer disconnects; the
	// dashboard never reads commands from this socket.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) forwardEvent(event eventbus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.wsMu.RLock()
	defer s.wsMu.RUnlock()
	for client := range s.wsClients {
		_ = client.WriteMessage(websocket.TextMessage, data)
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}
