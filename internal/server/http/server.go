// Package httpserver provides the HTTP API of the orchestration service: chat
// session and document commands, and server-sent event streams.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/helixir/orchestration-service/internal/domain"
	"github.com/helixir/orchestration-service/internal/observability"
	"github.com/helixir/orchestration-service/internal/stream"
	"github.com/helixir/orchestration-service/internal/temporal"
)

// WorkflowManager is the workflow surface used by the handlers.
// *temporal.WorkflowManager implements it.
type WorkflowManager interface {
	GetOrCreateSession(ctx context.Context, ref temporal.SessionRef, msg *temporal.PendingMessage) (*temporal.WorkflowHandle, error)
	ResumeSession(ctx context.Context, ref temporal.SessionRef, payload temporal.ResumePayload) error
	LastResult(ctx context.Context, ref temporal.SessionRef) (*temporal.LastResult, error)
	StartDocument(ctx context.Context, ref temporal.DocumentRef) (*temporal.WorkflowHandle, error)
	Terminate(ctx context.Context, userID, sessionID string) error
	TerminateAllForUser(ctx context.Context, userID string) (int, error)
}

// SessionStore creates chat sessions on first use.
type SessionStore interface {
	Ensure(ctx context.Context, session *domain.Session) (*domain.Session, error)
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
}

// DocumentStore looks up uploaded documents.
type DocumentStore interface {
	Get(ctx context.Context, documentID string) (*domain.Document, error)
}

// CancelFlags raises and lowers cooperative cancellation requests.
// *broker.CancelFlags implements it.
type CancelFlags interface {
	Request(ctx context.Context, scope string) error
	Clear(ctx context.Context, scope string) error
}

// EventStreamer relays topic events to a client. *stream.Bridge implements it.
type EventStreamer interface {
	Stream(ctx context.Context, kind domain.StreamKind, topic, afterID string, emit stream.EmitFunc) error
	Cursor(ctx context.Context, topic string) (string, error)
}

// ReadinessCheck is a named dependency probe run by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dependencies groups the collaborators of the server.
type Dependencies struct {
	Workflows WorkflowManager
	Sessions  SessionStore
	Documents DocumentStore
	Cancels   CancelFlags
	Streams   EventStreamer
	Checks    []ReadinessCheck
}

// Server is the HTTP API server.
type Server struct {
	router       chi.Router
	httpServer   *http.Server
	deps         Dependencies
	validate     *validator.Validate
	writeTimeout time.Duration
	logger       zerolog.Logger
}

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// NewServer creates a new HTTP server.
func NewServer(cfg Config, deps Dependencies, logger zerolog.Logger) *Server {
	s := newServer(deps, cfg.WriteTimeout, logger)
	// WriteTimeout is left unset: event streams outlive it. Non-streaming handlers
	// are bounded by commandTimeout instead.
	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

func newServer(deps Dependencies, writeTimeout time.Duration, logger zerolog.Logger) *Server {
	if writeTimeout <= 0 {
		writeTimeout = defaultCommandTimeout
	}
	s := &Server{
		deps:         deps,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		writeTimeout: writeTimeout,
		logger:       logger.With().Str("component", "http-server").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// buildRouter creates the chi router with all middleware and routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readinessHandler)

	r.Route("/api/v1/tenants/{tenantID}/users/{userID}", func(r chi.Router) {
		r.Use(identityMiddleware)

		r.Group(func(r chi.Router) {
			r.Use(s.commandTimeout)
			r.Post("/sessions/{sessionID}/messages", s.postMessage)
			r.Post("/sessions/{sessionID}/resume", s.resumeSession)
			r.Get("/sessions/{sessionID}/result", s.getLastResult)
			r.Post("/sessions/{sessionID}/stop", s.stopGeneration)
			r.Delete("/sessions/{sessionID}", s.terminateSession)
			r.Delete("/sessions", s.terminateAllSessions)
			r.Post("/documents/{documentID}/process", s.processDocument)
			r.Post("/documents/{documentID}/cancel", s.cancelDocument)
		})

		r.Get("/sessions/{sessionID}/events", s.streamChatEvents)
		r.Get("/documents/events", s.streamDocumentEvents)
	})

	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server starting")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on HTTP address: %w", err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger returns the server logger tagged with the request ID.
func (s *Server) requestLogger(r *http.Request) zerolog.Logger {
	return observability.LoggerFromContext(r.Context(), s.logger)
}

// healthHandler reports liveness.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readinessHandler runs every readiness check and reports each result.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	resp := readinessResponse{Status: "ready", Checks: make(map[string]string, len(s.deps.Checks))}

	logger := s.requestLogger(r)
	for _, c := range s.deps.Checks {
		if err := c.Check(r.Context()); err != nil {
			logger.Warn().Err(err).Str("check", c.Name).Msg("readiness check failed")
			resp.Checks[c.Name] = "unhealthy"
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "healthy"
	}

	writeJSON(w, status, resp)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort; headers already sent.
		_ = err
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, errorResponse{Error: message})
}
