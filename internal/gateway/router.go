package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"netcollect/internal/apperr"
)

// Request is a call addressed to a logical service.
type Request struct {
	Service string
	Path    string
	Method  string
	Query   url.Values
	Header  http.Header
	Body    []byte
}

// Response is the backend's reply, returned without interpretation.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// forwardedHeaders are copied from the inbound request to the backend.
var forwardedHeaders = []string{"Content-Type", "Accept", "X-Request-Id", "Authorization"}

// MaxResponseBytes caps a backend reply buffered by the router.
const MaxResponseBytes = 32 << 20

// Router forwards requests to the endpoints of a Directory.
type Router struct {
	dir         *Directory
	client      *http.Client
	timeout     time.Duration
	maxResponse int64
	logger      *slog.Logger
}

// NewRouter creates a router. timeout bounds each forwarded call.
func NewRouter(dir *Directory, client *http.Client, timeout time.Duration, logger *slog.Logger) *Router {
	if client == nil {
		client = &http.Client{}
	}
	return &Router{
		dir:         dir,
		client:      client,
		timeout:     timeout,
		maxResponse: MaxResponseBytes,
		logger:      logger.With("component", "gateway"),
	}
}

// Directory returns the router's endpoint directory.
func (r *Router) Directory() *Directory { return r.dir }

// Forward issues req against the service's endpoint. Unknown services fail
// with NotFound before any I/O; transport failures and timeouts fail with
// Unavailable. Any response the backend produces is returned verbatim.
func (r *Router) Forward(ctx context.Context, req Request) (*Response, error) {
	base, ok := r.dir.Lookup(req.Service)
	if !ok {
		return nil, apperr.NotFound("service", req.Service)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target := base + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, apperr.Validation("path", fmt.Sprintf("invalid forward target: %v", err))
	}
	for _, h := range forwardedHeaders {
		if v := req.Header.Get(h); v != "" {
			out.Header.Set(h, v)
		}
	}
	if len(req.Body) > 0 && out.Header.Get("Content-Type") == "" {
		out.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := r.client.Do(out)
	if err != nil {
		r.logger.Warn("forward failed", "service", req.Service, "path", req.Path, "err", err)
		return nil, apperr.Unavailable(req.Service, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxResponse+1))
	if err != nil {
		r.logger.Warn("read backend response", "service", req.Service, "path", req.Path, "err", err)
		return nil, apperr.Unavailable(req.Service, err)
	}
	if int64(len(data)) > r.maxResponse {
		r.logger.Warn("backend response too large", "service", req.Service, "path", req.Path, "limit", r.maxResponse)
		return nil, apperr.Unavailable(req.Service, fmt.Errorf("response exceeds %d bytes", r.maxResponse))
	}
	r.logger.Debug("forwarded", "service", req.Service, "method", method, "path", req.Path,
		"status", resp.StatusCode, "duration", time.Since(start))

	return &Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: data}, nil
}

// ListServices probes every endpoint concurrently; a slow endpoint only
// delays its own entry, bounded by the probe timeout.
func (r *Router) ListServices(ctx context.Context) map[string]Health {
	names := r.dir.Names()
	out := make(map[string]Health, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			h := r.dir.Probe(ctx, name)
			mu.Lock()
			out[name] = h
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return out
}
