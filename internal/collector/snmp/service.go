package snmp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"netcollect/internal/apperr"
	"netcollect/internal/httpx"
)

// ServiceName is the name the collector reports in health payloads.
const ServiceName = "snmp-collector"

const (
	OperationGet  = "get"
	OperationWalk = "walk"
)

// Service exposes the SNMP collector over HTTP.
type Service struct {
	poller  Poller
	workers int
	logger  *slog.Logger
}

// NewService creates an SNMP collector. workers bounds batch parallelism.
func NewService(logger *slog.Logger, poller Poller, workers int) *Service {
	if poller == nil {
		poller = GoSNMP{}
	}
	if workers < 1 {
		workers = 1
	}
	return &Service{poller: poller, workers: workers, logger: logger.With("component", "snmp")}
}

// Routes registers the collector endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Post("/get", s.handleOp(OperationGet))
	r.Post("/walk", s.handleOp(OperationWalk))
	r.Post("/collect", s.handleOp(""))
	r.Post("/batch-collect", s.handleBatch)
	r.Post("/test-connection", s.handleTestConnection)
}

// OpConfig is one get or walk request as submitted by callers.
type OpConfig struct {
	Operation string `json:"operation,omitempty"`
	Host      string `json:"host"`
	Port      int    `json:"port,omitempty"`
	Community string `json:"community"`
	Version   string `json:"version,omitempty"`
	OID       string `json:"oid"`
	Timeout   int    `json:"timeout,omitempty"`
	Retries   int    `json:"retries,omitempty"`
}

func (c OpConfig) request() Request {
	return Request{
		Host:      c.Host,
		Port:      c.Port,
		Community: c.Community,
		Version:   c.Version,
		OID:       c.OID,
		Timeout:   time.Duration(c.Timeout) * time.Second,
		Retries:   c.Retries,
	}
}

// OpResult is the payload of a successful get or walk.
type OpResult struct {
	Host      string    `json:"host"`
	Operation string    `json:"operation"`
	Data      []Varbind `json:"data"`
	Count     int       `json:"count"`
	Timestamp string    `json:"timestamp"`
}

// Collect runs one get or walk.
func (s *Service) Collect(ctx context.Context, cfg OpConfig) (*OpResult, error) {
	op := cfg.Operation
	if op == "" {
		op = OperationGet
	}
	if cfg.Timeout < 0 {
		return nil, apperr.Validation("timeout", "timeout must be non-negative")
	}
	req := cfg.request()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		data []Varbind
		err  error
	)
	switch op {
	case OperationGet:
		data, err = s.poller.Get(ctx, req)
	case OperationWalk:
		data, err = s.poller.Walk(ctx, req)
	default:
		return nil, apperr.Validation("operation", "unknown operation: "+op)
	}
	if err != nil {
		if _, ok := apperr.As(err); !ok {
			err = apperr.Execution(classify(err), err)
		}
		return nil, err
	}
	if data == nil {
		data = []Varbind{}
	}
	return &OpResult{
		Host:      req.Host,
		Operation: op,
		Data:      data,
		Count:     len(data),
		Timestamp: httpx.Now(),
	}, nil
}

// BatchEntry is the outcome of one config in a batch; exactly one of Result
// and Error is set.
type BatchEntry struct {
	Config    OpConfig  `json:"config"`
	Result    *OpResult `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Code      string    `json:"code,omitempty"`
	Timestamp string    `json:"timestamp"`
}

// Batch runs every config with bounded parallelism and returns entries in
// input order. Failures are reported per entry.
func (s *Service) Batch(ctx context.Context, configs []OpConfig) []BatchEntry {
	out := make([]BatchEntry, len(configs))
	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for i := range configs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				out[i] = failedEntry(configs[i], ctx.Err())
				return
			}
			defer func() { <-sem }()

			res, err := s.Collect(ctx, configs[i])
			if err != nil {
				out[i] = failedEntry(configs[i], err)
				return
			}
			out[i] = BatchEntry{Config: configs[i], Result: res, Timestamp: httpx.Now()}
		}(i)
	}
	wg.Wait()
	return out
}

func failedEntry(cfg OpConfig, err error) BatchEntry {
	entry := BatchEntry{Config: cfg, Error: err.Error(), Timestamp: httpx.Now()}
	if e, ok := apperr.As(err); ok {
		entry.Error = e.Message
		entry.Code = e.Code()
	}
	return entry
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.Health(w, ServiceName, map[string]any{"batch_workers": s.workers})
}

func (s *Service) handleOp(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg OpConfig
		if err := httpx.Bind(r, &cfg, "host", "community", "oid"); err != nil {
			httpx.WriteErr(w, err)
			return
		}
		if op != "" {
			cfg.Operation = op
		}
		res, err := s.Collect(r.Context(), cfg)
		if err != nil {
			if apperr.KindOf(err) != apperr.KindValidation {
				s.logger.Error("snmp "+cfg.Operation, "host", cfg.Host, "oid", cfg.OID, "err", err)
			}
			httpx.WriteErr(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, res)
	}
}

func (s *Service) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Configs json.RawMessage `json:"configs"`
	}
	if err := httpx.Bind(r, &req, "configs"); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	var configs []OpConfig
	if err := json.Unmarshal(req.Configs, &configs); err != nil {
		httpx.WriteErr(w, apperr.Validation("configs", "configs must be an array of collect requests"))
		return
	}
	results := s.Batch(r.Context(), configs)
	failed := 0
	for _, e := range results {
		if e.Error != "" {
			failed++
		}
	}
	s.logger.Info("batch collect", "count", len(results), "failed", failed)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"results":   results,
		"count":     len(results),
		"timestamp": httpx.Now(),
	})
}

func (s *Service) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var cfg OpConfig
	if err := httpx.Bind(r, &cfg, "host", "community"); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	cfg.Operation = OperationGet
	cfg.OID = SysDescrOID
	if cfg.Timeout == 0 {
		cfg.Timeout = 5
	}
	res, err := s.Collect(r.Context(), cfg)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindValidation {
			httpx.WriteErr(w, err)
			return
		}
		body := map[string]any{"connected": false, "error": err.Error(), "timestamp": httpx.Now()}
		if e, ok := apperr.As(err); ok {
			body["error"] = e.Message
			body["code"] = e.Code()
		}
		httpx.WriteJSON(w, http.StatusOK, body)
		return
	}
	descr := "N/A"
	if len(res.Data) > 0 {
		descr = res.Data[0].Value
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"connected":          true,
		"system_description": descr,
		"timestamp":          httpx.Now(),
	})
}
