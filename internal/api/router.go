// Package api serves the scheduler's HTTP surface.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"netcollect/internal/core"
	"netcollect/internal/httpx"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "task-scheduler"

// Server holds the scheduler API state.
type Server struct {
	router    *chi.Mux
	scheduler *core.Scheduler
	mcp       http.Handler
	logger    *slog.Logger
	location  *time.Location
}

// NewServer builds the scheduler API. mcpHandler, when non-nil, is mounted
// at /mcp.
func NewServer(scheduler *core.Scheduler, mcpHandler http.Handler, logger *slog.Logger, location *time.Location) *Server {
	if location == nil {
		location = time.UTC
	}
	s := &Server{
		router:    httpx.NewRouter(logger),
		scheduler: scheduler,
		mcp:       mcpHandler,
		logger:    logger.With("component", "api"),
		location:  location,
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)
	if s.mcp != nil {
		s.router.Handle("/mcp", s.mcp)
	}

	s.router.Post("/recurrence/preview", s.handleRecurrencePreview)

	s.router.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleCreateTask)

		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Delete("/", s.handleDeleteTask)
			r.Post("/run", s.handleRunTask)
		})
	})

	s.router.Get("/results", s.handleListResults)
	s.router.Post("/executions/{executionID}/cancel", s.handleCancelExecution)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.scheduler.Stats()
	httpx.Health(w, ServiceName, map[string]any{
		"scheduler_running": s.scheduler.Running(),
		"active_tasks":      stats.Tasks,
		"stats":             stats,
	})
}
