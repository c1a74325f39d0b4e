package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"netcollect/internal/apperr"
	"netcollect/internal/logging"
)

type countingTransport struct {
	calls atomic.Int32
	next  http.RoundTripper
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.next.RoundTrip(req)
}

func deadURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return "http://" + addr
}

func backend(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Post("/execute", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"echo":` + string(body) + `,"q":"` + r.URL.Query().Get("q") + `"}`))
	})
	r.Get("/missing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("nope"))
	})
	r.Get("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newRouter(t *testing.T, services map[string]string, transport *countingTransport, timeout time.Duration) *Router {
	t.Helper()
	client := &http.Client{Transport: transport}
	dir, err := NewDirectory(services, client, 500*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	return NewRouter(dir, client, timeout, logging.Discard())
}

func TestNewDirectoryRejectsBadURL(t *testing.T) {
	t.Parallel()
	if _, err := NewDirectory(map[string]string{"ssh": "localhost:8010"}, nil, time.Second); err == nil {
		t.Fatal("scheme-less url accepted")
	}
	if _, err := NewDirectory(nil, nil, time.Second); err == nil {
		t.Fatal("empty directory accepted")
	}
	d, err := NewDirectory(map[string]string{"snmp": "http://h:8030/", "cli": "http://h:8021"}, nil, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(d.Names(), ","); got != "cli,snmp" {
		t.Fatalf("Names = %s", got)
	}
	if base, _ := d.Lookup("snmp"); base != "http://h:8030" {
		t.Fatalf("Lookup = %s", base)
	}
}

func TestForwardUnknownServiceDoesNoIO(t *testing.T) {
	t.Parallel()
	tr := &countingTransport{next: http.DefaultTransport}
	r := newRouter(t, map[string]string{"ssh": backend(t).URL}, tr, time.Second)

	_, err := r.Forward(context.Background(), Request{Service: "telnet", Path: "/execute", Method: http.MethodPost})
	if !apperr.IsNotFound(err) {
		t.Fatalf("Forward err = %v, want not found", err)
	}
	if n := tr.calls.Load(); n != 0 {
		t.Fatalf("transport calls = %d, want 0", n)
	}
}

func TestForwardReturnsBackendVerbatim(t *testing.T) {
	t.Parallel()
	tr := &countingTransport{next: http.DefaultTransport}
	r := newRouter(t, map[string]string{"ssh": backend(t).URL}, tr, time.Second)

	resp, err := r.Forward(context.Background(), Request{
		Service: "ssh",
		Path:    "execute",
		Method:  http.MethodPost,
		Query:   map[string][]string{"q": {"1"}},
		Body:    []byte(`{"command":"uptime"}`),
	})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.Status != http.StatusAccepted || string(resp.Body) != `{"echo":{"command":"uptime"},"q":"1"}` {
		t.Fatalf("response = %d %s", resp.Status, resp.Body)
	}

	resp, err = r.Forward(context.Background(), Request{Service: "ssh", Path: "/missing"})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.Status != http.StatusNotFound || string(resp.Body) != "nope" || resp.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("response = %d %q", resp.Status, resp.Body)
	}
}

func TestForwardUnavailable(t *testing.T) {
	t.Parallel()
	tr := &countingTransport{next: http.DefaultTransport}
	r := newRouter(t, map[string]string{"ssh": deadURL(t), "snmp": backend(t).URL}, tr, 200*time.Millisecond)

	_, err := r.Forward(context.Background(), Request{Service: "ssh", Path: "/execute", Method: http.MethodPost})
	if apperr.KindOf(err) != apperr.KindUnavailable {
		t.Fatalf("dead backend err = %v, want unavailable", err)
	}

	start := time.Now()
	_, err = r.Forward(context.Background(), Request{Service: "snmp", Path: "/slow"})
	if apperr.KindOf(err) != apperr.KindUnavailable {
		t.Fatalf("slow backend err = %v, want unavailable", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %v, want bounded by forward timeout", elapsed)
	}
}

func TestForwardRejectsOversizedResponse(t *testing.T) {
	t.Parallel()
	big := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	t.Cleanup(big.Close)
	tr := &countingTransport{next: http.DefaultTransport}
	r := newRouter(t, map[string]string{"snmp": big.URL}, tr, time.Second)

	r.maxResponse = 64
	resp, err := r.Forward(context.Background(), Request{Service: "snmp", Path: "/walk"})
	if err != nil || len(resp.Body) != 64 {
		t.Fatalf("at limit: resp = %v, err = %v", resp, err)
	}

	r.maxResponse = 63
	_, err = r.Forward(context.Background(), Request{Service: "snmp", Path: "/walk"})
	e, ok := apperr.As(err)
	if !ok || e.Kind != apperr.KindUnavailable || e.Err == nil || !strings.Contains(e.Err.Error(), "exceeds 63 bytes") {
		t.Fatalf("over limit err = %v, want unavailable", err)
	}
}

func TestListServices(t *testing.T) {
	t.Parallel()
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(unhealthy.Close)
	hang := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(hang.Close)

	tr := &countingTransport{next: http.DefaultTransport}
	r := newRouter(t, map[string]string{
		"ssh":       deadURL(t),
		"snmp":      backend(t).URL,
		"cli":       unhealthy.URL,
		"scheduler": hang.URL,
	}, tr, time.Second)

	start := time.Now()
	got := r.ListServices(context.Background())
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Fatalf("ListServices took %v; probes must run independently", elapsed)
	}
	want := map[string]HealthStatus{
		"ssh":       StatusUnavailable,
		"snmp":      StatusHealthy,
		"cli":       StatusUnhealthy,
		"scheduler": StatusUnavailable,
	}
	for name, status := range want {
		if got[name].Status != status {
			t.Fatalf("%s status = %s, want %s", name, got[name].Status, status)
		}
	}
	if got["ssh"].ResponseTime != nil || got["snmp"].ResponseTime == nil {
		t.Fatalf("response times = %v / %v", got["ssh"].ResponseTime, got["snmp"].ResponseTime)
	}
}

func TestHandlerProxyAndStatusCodes(t *testing.T) {
	t.Parallel()
	tr := &countingTransport{next: http.DefaultTransport}
	router := newRouter(t, map[string]string{"ssh": deadURL(t), "snmp": backend(t).URL}, tr, time.Second)
	mux := chi.NewRouter()
	NewHandler(router, 64).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/api/snmp/execute", "application/json", strings.NewReader(`{"a":1}`))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || !strings.Contains(string(body), `"echo":{"a":1}`) {
		t.Fatalf("proxy = %d %s", resp.StatusCode, body)
	}

	resp, err = http.Post(srv.URL+"/api/ssh/execute", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("down backend status = %d, want 503", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/telnet/x")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown service status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/snmp/execute", "application/json", strings.NewReader(strings.Repeat("x", 100)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body status = %d, want 413", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/services")
	if err != nil {
		t.Fatal(err)
	}
	var services map[string]Health
	_ = json.NewDecoder(resp.Body).Decode(&services)
	resp.Body.Close()
	if services["ssh"].Status != StatusUnavailable || services["snmp"].Status != StatusHealthy {
		t.Fatalf("services = %+v", services)
	}
}
