package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
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

func newServer(t *testing.T, workers int) (*Service, *httptest.Server) {
	t.Helper()
	svc := NewService(logging.Discard(), nil, workers, 2*time.Second)
	r := chi.NewRouter()
	svc.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return svc, srv
}

// upstream is the device API the collector polls.
func upstream(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}

func postJSON(t *testing.T, url, body string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestCollectDecodesJSONBody(t *testing.T) {
	t.Parallel()
	target := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Device", "r1")
		fmt.Fprint(w, `{"cpu":12,"uptime":"3d"}`)
	})
	_, srv := newServer(t, 2)

	var res Result
	code := postJSON(t, srv.URL+"/collect", fmt.Sprintf(`{"url":%q}`, target+"/status"), &res)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if res.Method != http.MethodGet || res.StatusCode != http.StatusOK || !res.Success {
		t.Fatalf("result = %+v", res)
	}
	data, ok := res.Data.(map[string]any)
	if !ok || data["cpu"] != float64(12) || data["uptime"] != "3d" {
		t.Fatalf("Data = %#v", res.Data)
	}
	if res.Headers["X-Device"] != "r1" {
		t.Fatalf("Headers = %v", res.Headers)
	}
}

func TestCollectKeepsTextBodyAndErrorStatus(t *testing.T) {
	t.Parallel()
	target := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "maintenance")
	})
	_, srv := newServer(t, 2)

	var res Result
	code := postJSON(t, srv.URL+"/collect", fmt.Sprintf(`{"url":%q}`, target), &res)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if res.StatusCode != http.StatusServiceUnavailable || res.Success || res.Data != "maintenance" {
		t.Fatalf("result = %+v", res)
	}
}

func TestCollectSendsBodyParamsAndHeaders(t *testing.T) {
	t.Parallel()
	type seen struct {
		method, query, token, ctype, ua, body string
	}
	got := make(chan seen, 1)
	target := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- seen{r.Method, r.URL.RawQuery, r.Header.Get("X-Token"), r.Header.Get("Content-Type"), r.Header.Get("User-Agent"), string(body)}
		w.WriteHeader(http.StatusCreated)
	})
	_, srv := newServer(t, 2)

	req := fmt.Sprintf(`{"url":%q,"method":"post","params":{"vrf":"mgmt"},"headers":{"X-Token":"s3cret"},"data":{"hostname":"r1"}}`, target)
	var res Result
	if code := postJSON(t, srv.URL+"/collect", req, &res); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	s := <-got
	want := seen{http.MethodPost, "vrf=mgmt", "s3cret", "application/json", UserAgent, `{"hostname":"r1"}`}
	if s != want {
		t.Fatalf("upstream saw %+v, want %+v", s, want)
	}
	if res.StatusCode != http.StatusCreated || res.Method != http.MethodPost {
		t.Fatalf("result = %+v", res)
	}
}

func TestCollectGetDropsBody(t *testing.T) {
	t.Parallel()
	got := make(chan int, 1)
	target := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- len(body)
	})
	_, srv := newServer(t, 2)
	postJSON(t, srv.URL+"/collect", fmt.Sprintf(`{"url":%q,"data":{"ignored":true}}`, target), nil)
	if n := <-got; n != 0 {
		t.Fatalf("GET body length = %d, want 0", n)
	}
}

func TestCollectTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	target := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	t.Cleanup(func() { close(release) })
	_, srv := newServer(t, 2)

	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	start := time.Now()
	code := postJSON(t, srv.URL+"/collect", fmt.Sprintf(`{"url":%q,"timeout":0.05}`, target), &env)
	if code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", code)
	}
	if env.Error.Code != "execution_timeout" {
		t.Fatalf("code = %q, want execution_timeout", env.Error.Code)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
}

func TestCollectValidation(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t, 2)
	tests := []struct {
		name, body, field string
	}{
		{"missing url", `{}`, "url"},
		{"relative url", `{"url":"/status"}`, "url"},
		{"ftp url", `{"url":"ftp://10.0.0.1/x"}`, "url"},
		{"bad method", `{"url":"http://10.0.0.1","method":"PATCH"}`, "method"},
		{"negative timeout", `{"url":"http://10.0.0.1","timeout":-1}`, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env struct {
				Error struct {
					Code  string `json:"code"`
					Field string `json:"field"`
				} `json:"error"`
			}
			if code := postJSON(t, srv.URL+"/collect", tt.body, &env); code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", code)
			}
			if env.Error.Code != "validation" || env.Error.Field != tt.field {
				t.Fatalf("error = %+v, want field %q", env.Error, tt.field)
			}
		})
	}
}

func TestBatchKeepsOrderAndBoundsParallelism(t *testing.T) {
	t.Parallel()
	var inflight, peak atomic.Int32
	target := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		fmt.Fprintf(w, `{"path":%q}`, r.URL.Path)
	})
	svc := NewService(logging.Discard(), nil, 2, time.Second)

	configs := []Config{
		{URL: target + "/a"},
		{URL: target + "/b"},
		{URL: "not a url"},
		{URL: target + "/c"},
		{URL: target + "/d"},
	}
	out := svc.Batch(context.Background(), configs)
	if len(out) != len(configs) {
		t.Fatalf("len = %d, want %d", len(out), len(configs))
	}
	for i, path := range []string{"/a", "/b", "", "/c", "/d"} {
		if path == "" {
			if out[i].Code != string(apperr.KindValidation) || out[i].Result != nil {
				t.Fatalf("entry %d = %+v, want validation failure", i, out[i])
			}
			continue
		}
		data, _ := out[i].Result.Data.(map[string]any)
		if out[i].Error != "" || data["path"] != path {
			t.Fatalf("entry %d = %+v, want path %s", i, out[i], path)
		}
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("peak parallel requests = %d, want at most 2", got)
	}
}

func TestBatchEndpoint(t *testing.T) {
	t.Parallel()
	target := upstream(t, func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, "ok") })
	_, srv := newServer(t, 4)

	var body struct {
		Results []BatchEntry `json:"results"`
		Count   int          `json:"count"`
	}
	req := fmt.Sprintf(`{"configs":[{"url":%q},{"url":%q,"method":"TRACE"}]}`, target, target)
	if code := postJSON(t, srv.URL+"/batch-collect", req, &body); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body.Count != 2 || body.Results[0].Result == nil || body.Results[1].Code != "validation" {
		t.Fatalf("body = %+v", body)
	}

	if code := postJSON(t, srv.URL+"/batch-collect", `{"configs":{"url":"x"}}`, nil); code != http.StatusBadRequest {
		t.Fatalf("object configs status = %d, want 400", code)
	}
}

func TestTestConnection(t *testing.T) {
	t.Parallel()
	target := upstream(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	_, srv := newServer(t, 2)

	var ok map[string]any
	postJSON(t, srv.URL+"/test-connection", fmt.Sprintf(`{"url":%q}`, target), &ok)
	if ok["connected"] != true || ok["status_code"] != float64(http.StatusNoContent) {
		t.Fatalf("body = %v", ok)
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	var failed map[string]any
	code := postJSON(t, srv.URL+"/test-connection", fmt.Sprintf(`{"url":%q}`, closed.URL), &failed)
	if code != http.StatusOK || failed["connected"] != false {
		t.Fatalf("status = %d, body = %v", code, failed)
	}
	if c, _ := failed["code"].(string); !strings.HasPrefix(c, "execution_") {
		t.Fatalf("code = %v, want execution_*", failed["code"])
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t, 3)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["service"] != ServiceName || body["batch_workers"] != float64(3) {
		t.Fatalf("health = %v", body)
	}
}
