package httpapi

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
const ServiceName = "api-collector"

const testConnectionTimeout = 10 * time.Second

// Service exposes the HTTP API collector over HTTP.
type Service struct {
	client         *http.Client
	workers        int
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewService creates an API collector. workers bounds batch parallelism and
// defaultTimeout applies to configs without their own timeout. A nil client
// uses a fresh http.Client; deadlines come from each config.
func NewService(logger *slog.Logger, client *http.Client, workers int, defaultTimeout time.Duration) *Service {
	if client == nil {
		client = &http.Client{}
	}
	if workers < 1 {
		workers = 1
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Service{
		client:         client,
		workers:        workers,
		defaultTimeout: defaultTimeout,
		logger:         logger.With("component", "httpapi"),
	}
}

// Routes registers the collector endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Post("/collect", s.handleCollect)
	r.Post("/batch-collect", s.handleBatch)
	r.Post("/test-connection", s.handleTestConnection)
}

// BatchEntry is the outcome of one config in a batch; exactly one of Result
// and Error is set.
type BatchEntry struct {
	Config    Config  `json:"config"`
	Result    *Result `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"`
	Code      string  `json:"code,omitempty"`
	Timestamp string  `json:"timestamp"`
}

// Batch polls every config with bounded parallelism and returns entries in
// input order. Failures are reported per entry.
func (s *Service) Batch(ctx context.Context, configs []Config) []BatchEntry {
	out := make([]BatchEntry, len(configs))
	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for i := range configs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				out[i] = failedEntry(configs[i], ctx.Err())
				return
			}
			defer func() { <-sem }()

			res, err := s.collect(ctx, configs[i])
			if err != nil {
				out[i] = failedEntry(configs[i], err)
				return
			}
			out[i] = BatchEntry{Config: configs[i], Result: res, Timestamp: httpx.Now()}
		}()
	}
	wg.Wait()
	return out
}

func failedEntry(cfg Config, err error) BatchEntry {
	entry := BatchEntry{Config: cfg, Error: err.Error(), Timestamp: httpx.Now()}
	if e, ok := apperr.As(err); ok {
		entry.Error = e.Error()
		entry.Code = e.Code()
	}
	return entry
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.Health(w, ServiceName, map[string]any{"batch_workers": s.workers})
}

func (s *Service) handleCollect(w http.ResponseWriter, r *http.Request) {
	var cfg Config
	if err := httpx.Bind(r, &cfg, "url"); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	res, err := s.collect(r.Context(), cfg)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindValidation {
			s.logger.Error("api collect", "url", cfg.URL, "method", cfg.Method, "err", err)
		}
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Service) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Configs json.RawMessage `json:"configs"`
	}
	if err := httpx.Bind(r, &req, "configs"); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	var configs []Config
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
	var req struct {
		URL string `json:"url"`
	}
	if err := httpx.Bind(r, &req, "url"); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	res, err := s.collect(r.Context(), Config{
		URL:     req.URL,
		Method:  http.MethodGet,
		Timeout: testConnectionTimeout.Seconds(),
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindValidation {
			httpx.WriteErr(w, err)
			return
		}
		body := map[string]any{"connected": false, "error": err.Error(), "timestamp": httpx.Now()}
		if e, ok := apperr.As(err); ok {
			body["code"] = e.Code()
		}
		httpx.WriteJSON(w, http.StatusOK, body)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"connected":     true,
		"status_code":   res.StatusCode,
		"response_time": res.ResponseTime,
		"timestamp":     httpx.Now(),
	})
}
