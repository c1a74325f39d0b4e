package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"netcollect/internal/config"
	"netcollect/internal/logging"
)

type countingNotifier struct {
	mu    sync.Mutex
	count int
	err   error
}

var failedEvent = Event{
	TaskID:      "core-sw",
	ExecutionID: "core-sw-20260301T120000Z-1a2b3c4d",
	Status:      "failed",
	Code:        "connect_auth_failure",
	Error:       "permission denied",
	StartedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
}

func (c *countingNotifier) Notify(context.Context, Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return c.err
}

func TestMultiNotifierSendsToAll(t *testing.T) {
	t.Parallel()
	failing := &countingNotifier{err: errors.New("down")}
	ok := &countingNotifier{}
	m := NewMultiNotifier(failing, ok)

	err := m.Notify(context.Background(), failedEvent)
	if err == nil || err.Error() != "down" {
		t.Fatalf("Send error = %v, want down", err)
	}
	if failing.count != 1 || ok.count != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", failing.count, ok.count)
	}
}

func TestLimitedNotifierDropsBurst(t *testing.T) {
	t.Parallel()
	next := &countingNotifier{}
	l := NewLimitedNotifier(next, 0.001, logging.Discard())
	for i := 0; i < 5; i++ {
		if err := l.Notify(context.Background(), failedEvent); err != nil {
			t.Fatalf("Send error: %v", err)
		}
	}
	if next.count != 1 {
		t.Fatalf("delivered = %d, want 1", next.count)
	}

	unlimited := &countingNotifier{}
	u := NewLimitedNotifier(unlimited, 0, logging.Discard())
	for i := 0; i < 5; i++ {
		_ = u.Notify(context.Background(), failedEvent)
	}
	if unlimited.count != 5 {
		t.Fatalf("unlimited delivered = %d, want 5", unlimited.count)
	}
}

func TestWebhookNotifier(t *testing.T) {
	t.Parallel()
	got := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
	}))
	defer srv.Close()

	w, err := NewWebhookNotifier(srv.URL)
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}
	if err := w.Notify(context.Background(), failedEvent); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	body := <-got
	if body["title"] != "netcollect: task core-sw failed" || body["source"] != "netcollect" {
		t.Fatalf("payload = %v", body)
	}
	if body["task_id"] != "core-sw" || body["execution_id"] != failedEvent.ExecutionID || body["status"] != "failed" || body["code"] != "connect_auth_failure" {
		t.Fatalf("payload = %v", body)
	}
	wantBody := "execution core-sw-20260301T120000Z-1a2b3c4d at 2026-03-01T12:00:00Z: [connect_auth_failure] permission denied"
	if body["body"] != wantBody {
		t.Fatalf("body = %q, want %q", body["body"], wantBody)
	}

	if _, err := NewWebhookNotifier("ftp://x"); err == nil {
		t.Fatal("NewWebhookNotifier(ftp) error = nil")
	}
}

func TestWebhookNotifierStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	w, _ := NewWebhookNotifier(srv.URL)
	if err := w.Notify(context.Background(), failedEvent); err == nil {
		t.Fatal("Notify error = nil, want status error")
	}
}

func TestBarkNotifier(t *testing.T) {
	t.Parallel()
	type push struct {
		path, ctype string
		body        barkPush
	}
	got := make(chan push, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p barkPush
		_ = json.NewDecoder(r.Body).Decode(&p)
		got <- push{r.URL.Path, r.Header.Get("Content-Type"), p}
	}))
	defer srv.Close()

	b, err := NewBarkNotifier(srv.URL + "/key/")
	if err != nil {
		t.Fatalf("NewBarkNotifier error: %v", err)
	}
	if err := b.Notify(context.Background(), failedEvent); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	p := <-got
	if p.path != "/key" || !strings.HasPrefix(p.ctype, "application/json") {
		t.Fatalf("request = %s %s", p.path, p.ctype)
	}
	want := barkPush{
		Title:     "netcollect: task core-sw failed",
		Subtitle:  "execution core-sw-20260301T120000Z-1a2b3c4d",
		Body:      "connect_auth_failure: permission denied",
		Group:     "netcollect/core-sw",
		Level:     "timeSensitive",
		Copy:      "core-sw-20260301T120000Z-1a2b3c4d",
		IsArchive: "1",
	}
	if p.body != want {
		t.Fatalf("push = %+v, want %+v", p.body, want)
	}
	if _, err := NewBarkNotifier(" "); err == nil {
		t.Fatal("NewBarkNotifier(empty) error = nil")
	}
}

func TestBarkPushLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status, want string
	}{
		{"failed", "timeSensitive"},
		{"timeout", "active"},
	}
	for _, tt := range tests {
		ev := failedEvent
		ev.Status = tt.status
		if got := newBarkPush(ev).Level; got != tt.want {
			t.Fatalf("level(%s) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	n, err := FromConfig(config.NotifyConfig{}, logging.Discard())
	if err != nil {
		t.Fatalf("FromConfig error: %v", err)
	}
	if _, ok := n.(*NoOpNotifier); !ok {
		t.Fatalf("FromConfig disabled = %T, want *NoOpNotifier", n)
	}

	n, err = FromConfig(config.NotifyConfig{Enabled: true, URL: "http://hooks.local/x", BarkURL: "https://api.day.app/k", PerSec: 1}, logging.Discard())
	if err != nil {
		t.Fatalf("FromConfig error: %v", err)
	}
	l, ok := n.(*LimitedNotifier)
	if !ok {
		t.Fatalf("FromConfig = %T, want *LimitedNotifier", n)
	}
	if m, ok := l.next.(*MultiNotifier); !ok || m.Len() != 2 {
		t.Fatalf("FromConfig chain = %T", l.next)
	}

	if _, err := FromConfig(config.NotifyConfig{Enabled: true, URL: "not-a-url"}, logging.Discard()); err == nil {
		t.Fatal("FromConfig bad url error = nil")
	}
}
