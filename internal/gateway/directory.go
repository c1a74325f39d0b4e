// Package gateway routes logical service requests to their backends and
// reports backend health.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// HealthStatus is the derived health of a service endpoint.
type HealthStatus string

const (
	StatusHealthy     HealthStatus = "healthy"
	StatusUnhealthy   HealthStatus = "unhealthy"
	StatusUnavailable HealthStatus = "unavailable"
)

// Health is the result of probing one endpoint. ResponseTime is in seconds
// and nil when the endpoint could not be reached.
type Health struct {
	URL          string       `json:"url"`
	Status       HealthStatus `json:"status"`
	ResponseTime *float64     `json:"response_time"`
}

// Directory is the static mapping from service name to base URL. It is
// immutable after construction.
type Directory struct {
	endpoints    map[string]string
	names        []string
	client       *http.Client
	probeTimeout time.Duration
}

// NewDirectory validates services and builds a directory. client may be nil.
func NewDirectory(services map[string]string, client *http.Client, probeTimeout time.Duration) (*Directory, error) {
	if len(services) == 0 {
		return nil, fmt.Errorf("service directory is empty")
	}
	if client == nil {
		client = &http.Client{}
	}
	d := &Directory{
		endpoints:    make(map[string]string, len(services)),
		client:       client,
		probeTimeout: probeTimeout,
	}
	for name, raw := range services {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("service %s: invalid base url %q", name, raw)
		}
		d.endpoints[name] = strings.TrimRight(u.String(), "/")
		d.names = append(d.names, name)
	}
	sort.Strings(d.names)
	return d, nil
}

// Lookup returns the base URL registered for name.
func (d *Directory) Lookup(name string) (string, bool) {
	base, ok := d.endpoints[name]
	return base, ok
}

// Names returns every registered name in sorted order.
func (d *Directory) Names() []string {
	return append([]string(nil), d.names...)
}

// Probe calls the endpoint's /health operation within the probe timeout.
func (d *Directory) Probe(ctx context.Context, name string) Health {
	base, ok := d.endpoints[name]
	if !ok {
		return Health{Status: StatusUnavailable}
	}
	h := Health{URL: base, Status: StatusUnavailable}

	if d.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.probeTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return h
	}
	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return h
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	elapsed := time.Since(start).Seconds()
	h.ResponseTime = &elapsed
	if resp.StatusCode == http.StatusOK {
		h.Status = StatusHealthy
	} else {
		h.Status = StatusUnhealthy
	}
	return h
}
