package shell

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"netcollect/internal/apperr"
	"netcollect/internal/collector/sshconn"
	"netcollect/internal/httpx"
	"netcollect/internal/session"
)

// ServiceName is the name the collector reports in health payloads.
const ServiceName = "shell-collector"

// Dialer opens a protocol handle; replaced in tests.
type Dialer func(ctx context.Context, p sshconn.Params) (session.Conn, error)

// Service exposes the shell collector over HTTP.
type Service struct {
	registry *session.Registry
	dial     Dialer
	logger   *slog.Logger
}

// NewService creates a shell collector with its own registry.
func NewService(logger *slog.Logger, dial Dialer) *Service {
	if dial == nil {
		dial = Dial
	}
	logger = logger.With("component", "shell")
	return &Service{
		registry: session.NewRegistry(logger, sshconn.ClassifyExec),
		dial:     dial,
		logger:   logger,
	}
}

// Registry returns the collector's session registry.
func (s *Service) Registry() *session.Registry { return s.registry }

// Routes registers the collector endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Post("/connect", s.handleConnect)
	r.Post("/execute", s.handleExecute)
	r.Post("/disconnect", s.handleDisconnect)
	r.Get("/connections", s.handleConnections)
}

type connectRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Timeout  int    `json:"timeout"`
}

type executeRequest struct {
	ConnectionID string `json:"connection_id"`
	Command      string `json:"command"`
	Timeout      int    `json:"timeout"`
}

type disconnectRequest struct {
	ConnectionID string `json:"connection_id"`
}

type executeResponse struct {
	Command    string `json:"command"`
	Output     string `json:"output"`
	Error      string `json:"error"`
	ExitStatus *int   `json:"exit_status"`
	Timestamp  string `json:"timestamp"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.Health(w, ServiceName, map[string]any{"active_connections": s.registry.Len()})
}

func (s *Service) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := httpx.Bind(r, &req, "host", "username", "password"); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	port, err := session.ParsePort(req.Port, sshconn.DefaultPort)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	if req.Timeout < 0 {
		httpx.WriteErr(w, apperr.Validation("timeout", "timeout must be non-negative"))
		return
	}
	params := sshconn.Params{
		Host:     strings.TrimSpace(req.Host),
		Port:     port,
		Username: req.Username,
		Password: req.Password,
		Timeout:  time.Duration(req.Timeout) * time.Second,
	}
	key := session.Key{Host: params.Host, Port: params.Port, Username: params.Username}
	info, err := s.registry.Connect(r.Context(), key, func(ctx context.Context) (session.Conn, error) {
		return s.dial(ctx, params)
	}, nil)
	if err != nil {
		s.logger.Error("ssh connect", "target", params.String(), "err", err)
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"connection_id": info.ID,
		"status":        "connected",
		"timestamp":     httpx.Now(),
	})
}

func (s *Service) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := httpx.Bind(r, &req, "connection_id", "command"); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	res, err := s.registry.Execute(r.Context(), req.ConnectionID, session.Command{
		Text:    req.Command,
		Timeout: time.Duration(req.Timeout) * time.Second,
	})
	if err != nil {
		if !apperr.IsNotFound(err) {
			s.logger.Error("ssh execute", "connection_id", req.ConnectionID, "err", err)
		}
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, executeResponse{
		Command:    req.Command,
		Output:     res.Output,
		Error:      res.Stderr,
		ExitStatus: res.ExitStatus,
		Timestamp:  httpx.Now(),
	})
}

func (s *Service) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := httpx.Bind(r, &req, "connection_id"); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	if !s.registry.Disconnect(req.ConnectionID) {
		httpx.WriteErr(w, apperr.NotFound("connection", req.ConnectionID))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "disconnected",
		"timestamp": httpx.Now(),
	})
}

func (s *Service) handleConnections(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"active_connections": list,
		"count":              len(list),
		"timestamp":          httpx.Now(),
	})
}
