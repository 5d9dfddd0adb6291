// Package api implements the HTTP and WebSocket surface of the
// gateway. Every JSON response wraps a {success, data, error}
// envelope; error kinds from the gateway taxonomy map onto HTTP status
// codes at this boundary and nowhere else.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/wagate/internal/autoreply"
	"github.com/nugget/wagate/internal/broadcast"
	"github.com/nugget/wagate/internal/buildinfo"
	"github.com/nugget/wagate/internal/events"
	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/ratelimit"
	"github.com/nugget/wagate/internal/scraper"
	"github.com/nugget/wagate/internal/session"
	"github.com/nugget/wagate/internal/store"
)

// envelope is the uniform response wrapper.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Deps collects the collaborators the server fronts.
type Deps struct {
	Store      *store.Store
	Sessions   *session.Manager
	Replies    *autoreply.Engine
	Broadcasts *broadcast.Service
	Scraper    *scraper.Scraper
	Limiter    *ratelimit.Limiter
	Hub        *events.Hub
	Clock      gateway.Clock
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	cors    []string
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps, corsOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		cors:    corsOrigins,
		logger:  logger,
	}
}

// Routes builds the request multiplexer. Exposed separately so tests
// can drive the handler stack without binding a port.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Session lifecycle
	mux.HandleFunc("POST /api/sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /api/sessions", s.handleSessionList)
	mux.HandleFunc("GET /api/sessions/{sid}/status", s.handleSessionStatus)
	mux.HandleFunc("GET /api/sessions/{sid}/qr", s.handleSessionQR)
	mux.HandleFunc("POST /api/sessions/{sid}/connect", s.handleSessionConnect)
	mux.HandleFunc("POST /api/sessions/{sid}/disconnect", s.handleSessionDisconnect)
	mux.HandleFunc("POST /api/sessions/{sid}/cleanup", s.handleSessionCleanup)
	mux.HandleFunc("DELETE /api/sessions/{sid}", s.handleSessionDelete)
	mux.HandleFunc("PUT /api/sessions/{sid}/settings", s.handleSessionSettings)

	// One-shot sends
	mux.HandleFunc("POST /api/send-message", s.handleSendMessage)
	mux.HandleFunc("POST /api/send-media", s.handleSendMedia)
	mux.HandleFunc("GET /api/messages/{sid}", s.handleMessageList)

	// Broadcast campaigns
	mux.HandleFunc("POST /api/broadcasts", s.handleBroadcastCreate)
	mux.HandleFunc("GET /api/broadcasts", s.handleBroadcastList)
	mux.HandleFunc("GET /api/broadcasts/{cid}", s.handleBroadcastGet)
	mux.HandleFunc("GET /api/broadcasts/{cid}/recipients", s.handleBroadcastRecipients)
	mux.HandleFunc("POST /api/broadcasts/{cid}/execute", s.handleBroadcastExecute)
	mux.HandleFunc("POST /api/broadcasts/{cid}/cancel", s.handleBroadcastCancel)
	mux.HandleFunc("POST /api/group-broadcast/{sid}/send", s.handleGroupBroadcast)

	// Directory
	mux.HandleFunc("POST /api/contacts/{sid}/scrape", s.handleContactScrape)
	mux.HandleFunc("GET /api/contacts/{sid}", s.handleContactList)
	mux.HandleFunc("GET /api/contacts/{sid}/status", s.handleContactStatus)
	mux.HandleFunc("GET /api/contacts/{sid}/export.vcf", s.handleContactExport)
	mux.HandleFunc("POST /api/groups/{sid}/scrape", s.handleGroupScrape)
	mux.HandleFunc("GET /api/groups/{sid}", s.handleGroupList)
	mux.HandleFunc("POST /api/groups/members/{gid}/scrape", s.handleGroupMemberScrape)
	mux.HandleFunc("GET /api/groups/members/{gid}", s.handleGroupMemberList)

	// Auto-reply rules and human-agent routing
	mux.HandleFunc("POST /api/rules/{sid}", s.handleRuleCreate)
	mux.HandleFunc("GET /api/rules/{sid}", s.handleRuleList)
	mux.HandleFunc("POST /api/conversations/{cid}/agent", s.handleAgentAssign)

	// Live events
	mux.HandleFunc("GET /ws", s.handleWS)

	// Health
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	return s.withCORS(s.withLogging(mux))
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.cors {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// --- Envelope helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) ok(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func (s *Server) created(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusCreated, envelope{Success: true, Data: data})
}

// fail maps the gateway error taxonomy onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, gateway.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, gateway.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, gateway.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrPrecondition):
		status = http.StatusConflict
	case errors.Is(err, gateway.ErrDependencyFailed):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, envelope{Success: false, Error: err.Error()})
}

// failSend adds a Retry-After hint when the limiter denied the send.
func (s *Server) failSend(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	if errors.Is(err, gateway.ErrRateLimited) && s.deps.Limiter != nil {
		if d, cerr := s.deps.Limiter.Check(r.Context(), sessionID); cerr == nil && !d.CanSend {
			secs := int(d.Delay/time.Second) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	s.fail(w, err)
}

// userID extracts the caller identity from the request. The userId
// query parameter (or X-User-ID header) stands in for real
// authentication; a JWT layer replaces it in production deployments.
func userID(r *http.Request) (int64, error) {
	v := r.URL.Query().Get("userId")
	if v == "" {
		v = r.Header.Get("X-User-ID")
	}
	if v == "" {
		return 0, fmt.Errorf("userId required: %w", gateway.ErrInvalidArgument)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid userId %q: %w", v, gateway.ErrInvalidArgument)
	}
	return id, nil
}

// ownedSession resolves the path session against the caller.
func (s *Server) ownedSession(r *http.Request, sid string) (*store.Session, error) {
	uid, err := userID(r)
	if err != nil {
		return nil, err
	}
	return s.deps.Store.SessionForUser(r.Context(), sid, uid)
}

func (s *Server) decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", gateway.ErrInvalidArgument)
	}
	return nil
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.ok(w, map[string]string{
		"status":  "healthy",
		"version": buildinfo.Version,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.ok(w, buildinfo.Info())
}
