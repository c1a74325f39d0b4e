package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"netcollect/internal/collector/shell"
	"netcollect/internal/collector/sshconn"
	"netcollect/internal/core"
	"netcollect/internal/gateway"
	"netcollect/internal/logging"
	"netcollect/internal/session"
)

// slowConn takes a while per command and fails if it is closed mid-command.
type slowConn struct {
	closed chan struct{}
	once   sync.Once
	active *atomic.Int32
	peak   *atomic.Int32
}

func (c *slowConn) Exec(ctx context.Context, cmd session.Command) (*session.Result, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(150 * time.Millisecond):
		status := 0
		return &session.Result{Output: "ran " + cmd.Text, ExitStatus: &status}, nil
	case <-c.closed:
		return nil, errors.New("session closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *slowConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// newShellStack runs the real shell collector behind the real gateway.
func newShellStack(t *testing.T) (*GatewayInvoker, *atomic.Int32) {
	t.Helper()
	var active, peak atomic.Int32
	svc := shell.NewService(logging.Discard(), func(ctx context.Context, p sshconn.Params) (session.Conn, error) {
		return &slowConn{closed: make(chan struct{}), active: &active, peak: &peak}, nil
	})
	collector := chi.NewRouter()
	svc.Routes(collector)
	shellSrv := httptest.NewServer(collector)
	t.Cleanup(shellSrv.Close)

	client := &http.Client{}
	dir, err := gateway.NewDirectory(map[string]string{ServiceSSH: shellSrv.URL}, client, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	mux := chi.NewRouter()
	gateway.NewHandler(gateway.NewRouter(dir, client, 5*time.Second, logging.Discard()), 0).Routes(mux)
	gwSrv := httptest.NewServer(mux)
	t.Cleanup(gwSrv.Close)

	return NewGatewayInvoker(gwSrv.URL, gwSrv.Client(), logging.Discard()), &peak
}

func TestTasksOnSameDeviceDoNotShareSessions(t *testing.T) {
	t.Parallel()
	inv, peak := newShellStack(t)

	commands := []string{"show version", "show interfaces", "show clock"}
	outputs := make([]string, len(commands))
	errs := make([]error, len(commands))
	var wg sync.WaitGroup
	for i, cmd := range commands {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outputs[i], errs[i] = inv.Invoke(context.Background(), core.Target{
				ServiceType: core.ServiceShell,
				ServiceConfig: map[string]any{
					"host": "10.0.0.1", "username": "admin", "password": "pw", "command": cmd,
				},
			})
		}()
	}
	wg.Wait()

	for i, cmd := range commands {
		if errs[i] != nil {
			t.Fatalf("Invoke(%q) error: %v", cmd, errs[i])
		}
		if !strings.Contains(outputs[i], "ran "+cmd) {
			t.Fatalf("Invoke(%q) output = %s", cmd, outputs[i])
		}
	}
	if got := peak.Load(); got != 1 {
		t.Fatalf("peak concurrent commands on one device = %d, want 1", got)
	}
	if n := inv.devices.len(); n != 0 {
		t.Fatalf("device locks left = %d, want 0", n)
	}
}

func TestDifferentDevicesRunInParallel(t *testing.T) {
	t.Parallel()
	inv, peak := newShellStack(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, host := range []string{"10.0.0.1", "10.0.0.2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = inv.Invoke(context.Background(), core.Target{
				ServiceType: core.ServiceShell,
				ServiceConfig: map[string]any{
					"host": host, "username": "admin", "password": "pw", "command": "uptime",
				},
			})
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("Invoke[%d] error: %v", i, err)
		}
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("peak = %d, want at most 2", got)
	}
}

func TestDeviceLockWaitHonorsDeadline(t *testing.T) {
	t.Parallel()
	locks := deviceLocks{held: make(map[string]*deviceLock)}
	unlock, err := locks.lock(context.Background(), "ssh/10.0.0.1:22:admin")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locks.lock(ctx, "ssh/10.0.0.1:22:admin"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second lock error = %v, want deadline exceeded", err)
	}
	unlock()
	if n := locks.len(); n != 0 {
		t.Fatalf("locks left = %d, want 0", n)
	}
}

func TestDeviceKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		conn map[string]any
		want string
	}{
		{map[string]any{"host": "10.0.0.1", "username": "admin"}, "ssh/10.0.0.1:22:admin"},
		{map[string]any{"host": "10.0.0.1", "port": float64(22), "username": "admin"}, "ssh/10.0.0.1:22:admin"},
		{map[string]any{"host": "R1.lab", "port": float64(2222), "username": "ops"}, "ssh/r1.lab:2222:ops"},
	}
	for _, tt := range tests {
		if got := deviceKey(ServiceSSH, tt.conn); got != tt.want {
			t.Fatalf("deviceKey(%v) = %q, want %q", tt.conn, got, tt.want)
		}
	}
}
