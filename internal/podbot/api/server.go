// Package api exposes the PodBot conversation operations over HTTP/JSON.
//
// Endpoints:
//
//	GET    /health                                    → {"status":"ok", ...}
//	GET    /ready                                     → 200, or 503 while a backend is down
//	GET    /api/users/{user}/sessions                 → []Session
//	POST   /api/users/{user}/sessions                 → 201 Session
//	GET    /api/users/{user}/sessions/{session}       → Conversation
//	POST   /api/users/{user}/sessions/{session}/messages {"message": "..."} → Conversation
//	DELETE /api/users/{user}/sessions/{session}       → 204
//	GET    /api/users/{user}/memories                 → []Fact
//
// Everything under /api requires "Authorization: Bearer <token>" when a token
// is configured. /health is always open so that orchestrators can probe it.
// Every response carries an X-Request-ID header; an inbound one is honoured.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bdobrica/podbot/common/trace"
	"github.com/bdobrica/podbot/common/version"
	"github.com/bdobrica/podbot/internal/podbot/chat"
	"github.com/bdobrica/podbot/internal/podbot/transcript"
)

// Service is the set of conversation operations the server delegates to.
// *chat.Orchestrator implements it.
type Service interface {
	ListSessions(ctx context.Context, user string) ([]transcript.Session, error)
	CreateSession(ctx context.Context, user string) (transcript.Session, error)
	LoadConversation(ctx context.Context, user, session string) (*chat.Conversation, error)
	SendMessage(ctx context.Context, user, session, text string) (*chat.Conversation, error)
	ClearSession(ctx context.Context, user, session string) error
	ListMemories(ctx context.Context, user string) ([]chat.Fact, error)
}

var _ Service = (*chat.Orchestrator)(nil)

// Config controls the HTTP surface.
type Config struct {
	Addr string
	// Token enables bearer authentication on /api when non-empty.
	Token string
	// RatePerMinute and RateBurst bound sendMessage per user. Zero disables
	// the limit.
	RatePerMinute int
	RateBurst     int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	// Ready probes the backends for GET /ready. Nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

// Server is the PodBot HTTP server.
type Server struct {
	addr    string
	token   string
	svc     Service
	limiter *userLimiter
	ready   func(ctx context.Context) error
	server  *http.Server
	logger  *slog.Logger
}

// New creates a Server serving svc on cfg.Addr.
func New(cfg Config, svc Service) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	// Long enough to cover a full model round trip.
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 150 * time.Second
	}

	s := &Server{
		addr:    cfg.Addr,
		token:   cfg.Token,
		svc:     svc,
		limiter: newUserLimiter(cfg.RatePerMinute, cfg.RateBurst),
		ready:   cfg.Ready,
		logger:  logger.With("component", "api"),
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/users/{user}/sessions", s.handleListSessions)
	apiMux.HandleFunc("POST /api/users/{user}/sessions", s.handleCreateSession)
	apiMux.HandleFunc("GET /api/users/{user}/sessions/{session}", s.handleLoadConversation)
	apiMux.HandleFunc("DELETE /api/users/{user}/sessions/{session}", s.handleClearSession)
	apiMux.HandleFunc("POST /api/users/{user}/sessions/{session}/messages", s.handleSendMessage)
	apiMux.HandleFunc("GET /api/users/{user}/memories", s.handleListMemories)

	outerMux := http.NewServeMux()
	outerMux.HandleFunc("GET /health", s.handleHealth)
	outerMux.HandleFunc("GET /ready", s.handleReady)
	outerMux.Handle("/api/", s.authMiddleware(apiMux))

	handler := otelhttp.NewHandler(traceMiddleware(outerMux), "podbot.api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			if r.Pattern != "" {
				return r.Pattern
			}
			return r.Method + " " + r.URL.Path
		}),
	)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// traceMiddleware attaches a trace id to the request context and echoes it
// in the response.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := trace.FromRequest(r)
		w.Header().Set(trace.Header, id)
		next.ServeHTTP(w, r.WithContext(trace.WithTraceID(r.Context(), id)))
	})
}

// authMiddleware rejects requests that do not carry the correct bearer token.
// When no token is configured all requests are allowed (dev mode).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(auth[len("Bearer "):]), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins listening. It returns once the listener is bound; the server
// shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.addr, err)
	}
	s.logger.Info("API server listening", "addr", ln.Addr().String(), "auth", s.token != "")
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("API server shutdown", "err", err)
	}
}

// TestHandler exposes the server's HTTP handler for use in httptest.NewServer.
func (s *Server) TestHandler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
