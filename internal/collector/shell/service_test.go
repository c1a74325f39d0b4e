package shell

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"netcollect/internal/apperr"
	"netcollect/internal/collector/sshconn"
	"netcollect/internal/logging"
	"netcollect/internal/session"
)

type echoConn struct{ closed atomic.Bool }

func (c *echoConn) Exec(ctx context.Context, cmd session.Command) (*session.Result, error) {
	status := 0
	return &session.Result{Output: "ran " + cmd.Text, ExitStatus: &status}, nil
}

func (c *echoConn) Close() error { c.closed.Store(true); return nil }

func newTestServer(t *testing.T, dial Dialer) (*Service, *httptest.Server) {
	t.Helper()
	svc := NewService(logging.Discard(), dial)
	r := chi.NewRouter()
	svc.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return svc, srv
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestConnectMissingPassword(t *testing.T) {
	t.Parallel()
	var dialed atomic.Int32
	svc, srv := newTestServer(t, func(ctx context.Context, p sshconn.Params) (session.Conn, error) {
		dialed.Add(1)
		return &echoConn{}, nil
	})

	resp, body := post(t, srv.URL+"/connect", `{"host":"10.0.0.1","port":22,"username":"admin"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	detail, _ := body["error"].(map[string]any)
	if detail["field"] != "password" || !strings.Contains(detail["message"].(string), "password") {
		t.Fatalf("error body = %v", body)
	}
	if svc.Registry().Len() != 0 || dialed.Load() != 0 {
		t.Fatalf("registry len = %d dialed = %d, want 0/0", svc.Registry().Len(), dialed.Load())
	}
}

func TestConnectExecuteDisconnectFlow(t *testing.T) {
	t.Parallel()
	conn := &echoConn{}
	_, srv := newTestServer(t, func(ctx context.Context, p sshconn.Params) (session.Conn, error) {
		if p.Port != 22 {
			t.Errorf("Port = %d, want default 22", p.Port)
		}
		return conn, nil
	})

	resp, body := post(t, srv.URL+"/connect", `{"host":"10.0.0.1","username":"admin","password":"pw"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect status = %d body = %v", resp.StatusCode, body)
	}
	id := body["connection_id"].(string)
	if id != "10.0.0.1:22:admin" {
		t.Fatalf("connection_id = %q", id)
	}

	resp, body = post(t, srv.URL+"/execute", `{"connection_id":"`+id+`","command":"uptime"}`)
	if resp.StatusCode != http.StatusOK || body["output"] != "ran uptime" || body["exit_status"].(float64) != 0 {
		t.Fatalf("execute = %d %v", resp.StatusCode, body)
	}

	resp, _ = post(t, srv.URL+"/disconnect", `{"connection_id":"`+id+`"}`)
	if resp.StatusCode != http.StatusOK || !conn.closed.Load() {
		t.Fatalf("disconnect status = %d closed = %v", resp.StatusCode, conn.closed.Load())
	}

	resp, _ = post(t, srv.URL+"/execute", `{"connection_id":"`+id+`","command":"uptime"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("execute after disconnect status = %d, want 404", resp.StatusCode)
	}
	resp, _ = post(t, srv.URL+"/disconnect", `{"connection_id":"`+id+`"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second disconnect status = %d, want 404", resp.StatusCode)
	}
}

func TestConnectFailureSurfacesReason(t *testing.T) {
	t.Parallel()
	svc, srv := newTestServer(t, func(ctx context.Context, p sshconn.Params) (session.Conn, error) {
		return nil, apperr.Connect(apperr.ReasonAuthFailure, errors.New("unable to authenticate"))
	})
	resp, body := post(t, srv.URL+"/connect", `{"host":"r1","username":"u","password":"bad"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	detail := body["error"].(map[string]any)
	if detail["code"] != "connect_auth_failure" {
		t.Fatalf("code = %v", detail["code"])
	}
	if svc.Registry().Len() != 0 {
		t.Fatal("failed connect left a registry entry")
	}
}

func TestConnectionsListing(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t, func(ctx context.Context, p sshconn.Params) (session.Conn, error) {
		return &echoConn{}, nil
	})
	post(t, srv.URL+"/connect", `{"host":"r2","username":"u","password":"p"}`)
	post(t, srv.URL+"/connect", `{"host":"r1","username":"u","password":"p"}`)

	resp, err := http.Get(srv.URL + "/connections")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Active []session.Info `json:"active_connections"`
		Count  int            `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 2 || body.Active[0].ID != "r1:22:u" {
		t.Fatalf("connections = %+v", body)
	}
}
