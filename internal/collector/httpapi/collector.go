// Package httpapi implements the stateless HTTP API polling collector.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"netcollect/internal/apperr"
	"netcollect/internal/httpx"
)

const (
	UserAgent        = "netcollect-api-collector/1.0"
	maxResponseBytes = 16 << 20
)

// Config is one request to poll, as submitted by callers.
type Config struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Params  map[string]any    `json:"params,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Timeout float64           `json:"timeout,omitempty"`
}

// Result is what the polled endpoint answered. Data holds the decoded JSON
// body, or the raw text when the body is not JSON.
type Result struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	StatusCode   int               `json:"status_code"`
	Headers      map[string]string `json:"headers"`
	Data         any               `json:"data"`
	ResponseTime float64           `json:"response_time"`
	Success      bool              `json:"success"`
	Timestamp    string            `json:"timestamp"`
}

func (c *Config) validate(defaultTimeout time.Duration) (time.Duration, error) {
	c.URL = strings.TrimSpace(c.URL)
	if c.URL == "" {
		return 0, apperr.Required("url")
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return 0, apperr.Validation("url", fmt.Sprintf("url %q must be an absolute http(s) URL", c.URL))
	}
	c.Method = strings.ToUpper(strings.TrimSpace(c.Method))
	switch c.Method {
	case "":
		c.Method = http.MethodGet
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return 0, apperr.Validation("method", fmt.Sprintf("unsupported method %q (supported: GET, POST, PUT, DELETE)", c.Method))
	}
	switch {
	case c.Timeout < 0:
		return 0, apperr.Validation("timeout", "timeout must be non-negative")
	case c.Timeout == 0:
		return defaultTimeout, nil
	}
	return time.Duration(c.Timeout * float64(time.Second)), nil
}

func (c Config) newRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	withBody := c.Method == http.MethodPost || c.Method == http.MethodPut
	if withBody && len(c.Data) > 0 {
		body = bytes.NewReader(c.Data)
	}
	req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, body)
	if err != nil {
		return nil, apperr.Validation("url", err.Error())
	}
	if len(c.Params) > 0 {
		q := req.URL.Query()
		for k, v := range c.Params {
			q.Set(k, fmt.Sprint(v))
		}
		req.URL.RawQuery = q.Encode()
	}
	req.Header.Set("User-Agent", UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// collect performs cfg once. Any answer from the endpoint, including 4xx
// and 5xx, is a result; only transport failures are errors.
func (s *Service) collect(ctx context.Context, cfg Config) (*Result, error) {
	timeout, err := cfg.validate(s.defaultTimeout)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := cfg.newRequest(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperr.Execution(classify(err), err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.Execution(classify(err), fmt.Errorf("read response: %w", err))
	}
	elapsed := time.Since(start)

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		data = string(raw)
	}
	return &Result{
		URL:          cfg.URL,
		Method:       cfg.Method,
		StatusCode:   resp.StatusCode,
		Headers:      headers,
		Data:         data,
		ResponseTime: elapsed.Seconds(),
		Success:      resp.StatusCode < 400,
		Timestamp:    httpx.Now(),
	}, nil
}

func classify(err error) apperr.Reason {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.ReasonTimeout
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return apperr.ReasonUnreachable
	}
	return apperr.ReasonOther
}
