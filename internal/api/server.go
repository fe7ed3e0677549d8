package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mbeckett/warden/internal/auth"
	"github.com/mbeckett/warden/internal/events"
	"github.com/mbeckett/warden/internal/ledger"
	"github.com/mbeckett/warden/internal/task"
	"github.com/mbeckett/warden/internal/workspace"
)

// Controller is the slice of the orchestrator the local control API drives.
type Controller interface {
	PauseWorkspace(ctx context.Context, workspaceID string) error
	ResumeWorkspace(ctx context.Context, workspaceID string) error
	CancelAttempt(ctx context.Context, attemptID, requestedBy string) error
	ApproveTask(ctx context.Context, taskID, approvedBy string) error
}

// Config holds control API server settings.
type Config struct {
	Listen string
	// APIKey is the bearer token required on every endpoint except /healthz.
	APIKey   string
	DeviceID string
}

// Server is the local operator-facing HTTP API: inspection, approvals,
// pause/resume/cancel, and the live event stream.
type Server struct {
	config     Config
	controller Controller
	workspaces *workspace.Store
	attempts   *task.Store
	ledger     *ledger.Ledger
	hub        *events.Hub
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

func New(config Config, controller Controller, workspaces *workspace.Store, attempts *task.Store, lg *ledger.Ledger, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:     config,
		controller: controller,
		workspaces: workspaces,
		attempts:   attempts,
		ledger:     lg,
		hub:        hub,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("control API starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("control API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/v1/device", s.handleGetDevice)
		r.Get("/v1/workspaces", s.handleListWorkspaces)
		r.Get("/v1/workspaces/{workspaceID}", s.handleGetWorkspace)
		r.Post("/v1/workspaces/{workspaceID}/pause", s.handlePauseWorkspace)
		r.Post("/v1/workspaces/{workspaceID}/resume", s.handleResumeWorkspace)
		r.Get("/v1/attempts/{attemptID}", s.handleGetAttempt)
		r.Post("/v1/attempts/{attemptID}/cancel", s.handleCancelAttempt)
		r.Post("/v1/tasks/{taskID}/approve", s.handleApproveTask)
		r.Get("/v1/events", s.handleEvents)
	})

	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey, err := auth.ExtractAPIKey(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !auth.ValidateAPIKey(apiKey, s.config.APIKey) {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
