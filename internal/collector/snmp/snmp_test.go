package snmp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gosnmp/gosnmp"

	"netcollect/internal/apperr"
	"netcollect/internal/logging"
)

type fakePoller struct {
	delay    time.Duration
	inflight atomic.Int32
	peak     atomic.Int32

	mu    sync.Mutex
	calls []Request
}

func (p *fakePoller) enter() func() {
	n := p.inflight.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return func() { p.inflight.Add(-1) }
}

func (p *fakePoller) record(req Request) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()
}

func (p *fakePoller) Get(ctx context.Context, req Request) ([]Varbind, error) {
	defer p.enter()()
	p.record(req)
	time.Sleep(p.delay)
	if req.Host == "down" {
		return nil, apperr.Execution(apperr.ReasonTimeout, errors.New("request timeout (after 0 retries)"))
	}
	return []Varbind{{OID: req.OID, Type: "OctetString", Value: req.Host + " descr"}}, nil
}

func (p *fakePoller) Walk(ctx context.Context, req Request) ([]Varbind, error) {
	defer p.enter()()
	p.record(req)
	return []Varbind{
		{OID: req.OID + ".1", Type: "Integer", Value: "1"},
		{OID: req.OID + ".2", Type: "Integer", Value: "2"},
	}, nil
}

func newServer(t *testing.T, p Poller, workers int) (*Service, *httptest.Server) {
	t.Helper()
	svc := NewService(logging.Discard(), p, workers)
	r := chi.NewRouter()
	svc.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return svc, srv
}

func postJSON(t *testing.T, url, body string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode
}

func TestRequestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{name: "missing host", req: Request{Community: "public", OID: "1.3"}, field: "host"},
		{name: "missing community", req: Request{Host: "h", OID: "1.3"}, field: "community"},
		{name: "missing oid", req: Request{Host: "h", Community: "public"}, field: "oid"},
		{name: "bad version", req: Request{Host: "h", Community: "public", OID: "1.3", Version: "3"}, field: "version"},
		{name: "ok", req: Request{Host: "h", Community: "public", OID: " 1.3 "}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate = %v", err)
				}
				if tt.req.Port != DefaultPort || tt.req.Timeout != DefaultTimeout || tt.req.OID != "1.3" {
					t.Fatalf("defaults not applied: %+v", tt.req)
				}
				return
			}
			e, ok := apperr.As(err)
			if !ok || e.Field != tt.field {
				t.Fatalf("Validate = %v, want field %s", err, tt.field)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		pdu  gosnmp.SnmpPDU
		want string
	}{
		{gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.1.1.0", Type: gosnmp.OctetString, Value: []byte("Cisco IOS")}, "Cisco IOS"},
		{gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.2.2.1.6.1", Type: gosnmp.OctetString, Value: []byte{0x00, 0x1a, 0x2b}}, "0x001a2b"},
		{gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.1.3.0", Type: gosnmp.TimeTicks, Value: uint32(12345)}, "12345"},
		{gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.2.2.1.10.1", Type: gosnmp.Counter64, Value: uint64(1 << 40)}, "1099511627776"},
		{gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.1.2.0", Type: gosnmp.ObjectIdentifier, Value: ".1.3.6.1.4.1.9"}, "1.3.6.1.4.1.9"},
		{gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.1.9.0", Type: gosnmp.NoSuchObject}, ""},
	}
	for _, tt := range tests {
		got := Format(tt.pdu)
		if got.Value != tt.want {
			t.Fatalf("Format(%v) = %q, want %q", tt.pdu.Name, got.Value, tt.want)
		}
		if strings.HasPrefix(got.OID, ".") {
			t.Fatalf("OID %q keeps leading dot", got.OID)
		}
	}
}

func TestGetAndWalkEndpoints(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t, &fakePoller{}, 2)

	var res OpResult
	if code := postJSON(t, srv.URL+"/get", `{"host":"r1","community":"public","oid":"1.3.6.1.2.1.1.1.0"}`, &res); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if res.Count != 1 || res.Data[0].Value != "r1 descr" || res.Operation != OperationGet {
		t.Fatalf("get = %+v", res)
	}

	res = OpResult{}
	if code := postJSON(t, srv.URL+"/collect", `{"operation":"walk","host":"r1","community":"public","oid":"1.3.6.1.2.1.2.2.1.1"}`, &res); code != http.StatusOK {
		t.Fatalf("collect status = %d", code)
	}
	if res.Count != 2 || res.Operation != OperationWalk {
		t.Fatalf("walk = %+v", res)
	}

	var errBody map[string]any
	if code := postJSON(t, srv.URL+"/collect", `{"operation":"set","host":"r1","community":"public","oid":"1.3"}`, &errBody); code != http.StatusBadRequest {
		t.Fatalf("unknown operation status = %d", code)
	}
	if code := postJSON(t, srv.URL+"/get", `{"host":"r1","oid":"1.3"}`, &errBody); code != http.StatusBadRequest {
		t.Fatalf("missing community status = %d", code)
	}
	if code := postJSON(t, srv.URL+"/get", `{"host":"down","community":"public","oid":"1.3"}`, &errBody); code != http.StatusInternalServerError {
		t.Fatalf("timeout status = %d", code)
	}
	if errBody["error"].(map[string]any)["code"] != "execution_timeout" {
		t.Fatalf("timeout body = %v", errBody)
	}
}

func TestBatchPreservesOrderAndBoundsParallelism(t *testing.T) {
	t.Parallel()
	p := &fakePoller{delay: 20 * time.Millisecond}
	svc, _ := newServer(t, p, 2)

	configs := []OpConfig{
		{Host: "a", Community: "public", OID: "1.3.6.1.2.1.1.1.0"},
		{Host: "down", Community: "public", OID: "1.3.6.1.2.1.1.1.0"},
		{Host: "c", OID: "1.3"},
		{Host: "d", Community: "public", OID: "1.3.6.1.2.1.1.1.0"},
		{Host: "e", Community: "public", OID: "1.3.6.1.2.1.1.1.0"},
	}
	entries := svc.Batch(context.Background(), configs)
	if len(entries) != len(configs) {
		t.Fatalf("entries = %d, want %d", len(entries), len(configs))
	}
	for i, e := range entries {
		if e.Config.Host != configs[i].Host {
			t.Fatalf("entry %d host = %q, want %q", i, e.Config.Host, configs[i].Host)
		}
	}
	if entries[0].Result == nil || entries[0].Error != "" {
		t.Fatalf("entry 0 = %+v", entries[0])
	}
	if entries[1].Code != "execution_timeout" || entries[1].Result != nil {
		t.Fatalf("entry 1 = %+v", entries[1])
	}
	if entries[2].Code != "validation" {
		t.Fatalf("entry 2 = %+v", entries[2])
	}
	if peak := p.peak.Load(); peak > 2 {
		t.Fatalf("peak parallelism = %d, want <= 2", peak)
	}
}

func TestBatchEndpointRejectsNonArray(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t, &fakePoller{}, 1)
	var body map[string]any
	if code := postJSON(t, srv.URL+"/batch-collect", `{"configs":{"host":"r1"}}`, &body); code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	if code := postJSON(t, srv.URL+"/batch-collect", `{}`, &body); code != http.StatusBadRequest {
		t.Fatalf("missing configs status = %d, want 400", code)
	}
}

func TestTestConnection(t *testing.T) {
	t.Parallel()
	p := &fakePoller{}
	_, srv := newServer(t, p, 1)

	var body map[string]any
	if code := postJSON(t, srv.URL+"/test-connection", `{"host":"r1","community":"public"}`, &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["connected"] != true || body["system_description"] != "r1 descr" {
		t.Fatalf("body = %v", body)
	}
	p.mu.Lock()
	last := p.calls[len(p.calls)-1]
	p.mu.Unlock()
	if last.OID != SysDescrOID || last.Timeout != 5*time.Second {
		t.Fatalf("test-connection request = %+v", last)
	}

	body = nil
	postJSON(t, srv.URL+"/test-connection", `{"host":"down","community":"public"}`, &body)
	if body["connected"] != false || body["code"] != "execution_timeout" {
		t.Fatalf("down body = %v", body)
	}
}
