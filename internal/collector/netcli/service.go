package netcli

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
const ServiceName = "structured-cli-collector"

// Dialer opens a device shell; replaced in tests.
type Dialer func(ctx context.Context, p Params) (session.Conn, error)

// Service exposes the structured-cli collector over HTTP.
type Service struct {
	registry *session.Registry
	dial     Dialer
	logger   *slog.Logger
}

// NewService creates a structured-cli collector with its own registry.
func NewService(logger *slog.Logger, dial Dialer) *Service {
	if dial == nil {
		dial = Dial
	}
	logger = logger.With("component", "netcli")
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
	r.Post("/config", s.handleConfig)
	r.Post("/disconnect", s.handleDisconnect)
	r.Post("/device-info", s.handleDeviceInfo)
	r.Get("/connections", s.handleConnections)
}

type connectRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	DeviceType string `json:"device_type"`
	Secret     string `json:"secret"`
	Timeout    int    `json:"timeout"`
}

type executeRequest struct {
	ConnectionID string `json:"connection_id"`
	Command      string `json:"command"`
	UseTextFSM   bool   `json:"use_textfsm"`
	Timeout      int    `json:"timeout"`
}

type configRequest struct {
	ConnectionID   string   `json:"connection_id"`
	Commands       []string `json:"commands"`
	ExitConfigMode *bool    `json:"exit_config_mode"`
	Timeout        int      `json:"timeout"`
}

type connectionRequest struct {
	ConnectionID string `json:"connection_id"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.Health(w, ServiceName, map[string]any{
		"active_connections": s.registry.Len(),
		"device_types":       DeviceTypes(),
	})
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
	profile, err := LookupProfile(req.DeviceType)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	if req.Timeout < 0 {
		httpx.WriteErr(w, apperr.Validation("timeout", "timeout must be non-negative"))
		return
	}
	params := Params{
		Params: sshconn.Params{
			Host:     strings.TrimSpace(req.Host),
			Port:     port,
			Username: req.Username,
			Password: req.Password,
			Timeout:  time.Duration(req.Timeout) * time.Second,
		},
		DeviceType: profile.Name,
		Secret:     req.Secret,
	}
	key := session.Key{Host: params.Host, Port: port, Username: params.Username, Variant: profile.Name}
	info, err := s.registry.Connect(r.Context(), key, func(ctx context.Context) (session.Conn, error) {
		return s.dial(ctx, params)
	}, map[string]string{"device_type": profile.Name})
	if err != nil {
		s.logger.Error("cli connect", "target", params.String(), "device_type", profile.Name, "err", err)
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
		Text:       req.Command,
		Structured: req.UseTextFSM,
		Timeout:    time.Duration(req.Timeout) * time.Second,
	})
	if err != nil {
		s.logExecErr("cli execute", req.ConnectionID, err)
		httpx.WriteErr(w, err)
		return
	}
	body := map[string]any{
		"command":     req.Command,
		"output":      res.Output,
		"use_textfsm": req.UseTextFSM,
		"timestamp":   httpx.Now(),
	}
	if req.UseTextFSM {
		rows := res.Rows
		if rows == nil {
			rows = []map[string]string{}
		}
		body["structured"] = rows
	}
	httpx.WriteJSON(w, http.StatusOK, body)
}

func (s *Service) handleConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := httpx.Bind(r, &req, "connection_id", "commands"); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	if len(req.Commands) == 0 {
		httpx.WriteErr(w, apperr.Validation("commands", "commands must not be empty"))
		return
	}
	exit := true
	if req.ExitConfigMode != nil {
		exit = *req.ExitConfigMode
	}
	res, err := s.registry.Execute(r.Context(), req.ConnectionID, session.Command{
		ConfigSet:      req.Commands,
		ExitConfigMode: exit,
		Timeout:        time.Duration(req.Timeout) * time.Second,
	})
	if err != nil {
		s.logExecErr("cli config", req.ConnectionID, err)
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"commands":         req.Commands,
		"output":           res.Output,
		"exit_config_mode": exit,
		"timestamp":        httpx.Now(),
	})
}

func (s *Service) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
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

func (s *Service) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := httpx.Bind(r, &req, "connection_id"); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	info, details, err := s.registry.Describe(req.ConnectionID)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	body := map[string]any{
		"device_type":      info.Variant,
		"host":             info.Host,
		"port":             info.Port,
		"username":         info.Username,
		"status":           info.Status,
		"created_at":       info.CreatedAt,
		"last_activity_at": info.LastActivityAt,
	}
	for k, v := range details {
		body[k] = v
	}
	body["timestamp"] = httpx.Now()
	httpx.WriteJSON(w, http.StatusOK, body)
}

func (s *Service) handleConnections(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"active_connections": list,
		"count":              len(list),
		"timestamp":          httpx.Now(),
	})
}

func (s *Service) logExecErr(msg, id string, err error) {
	if apperr.IsNotFound(err) || apperr.KindOf(err) == apperr.KindValidation {
		return
	}
	s.logger.Error(msg, "connection_id", id, "err", err)
}
