// Package dispatch invokes task targets through the gateway.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"netcollect/internal/apperr"
	"netcollect/internal/core"
	"netcollect/internal/httpx"
)

// Gateway directory names of the collectors.
const (
	ServiceSSH  = "ssh"
	ServiceCLI  = "cli"
	ServiceSNMP = "snmp"
)

const (
	disconnectTimeout = 10 * time.Second
	maxResponseBytes  = 16 << 20
)

// GatewayInvoker runs one collection per call by talking to the collectors
// behind the gateway.
type GatewayInvoker struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	devices deviceLocks
}

// NewGatewayInvoker returns an invoker for the gateway at baseURL. A nil
// client uses http.DefaultClient; per-call deadlines come from the context.
func NewGatewayInvoker(baseURL string, client *http.Client, logger *slog.Logger) *GatewayInvoker {
	if client == nil {
		client = http.DefaultClient
	}
	return &GatewayInvoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With("component", "dispatch"),
		devices: deviceLocks{held: make(map[string]*deviceLock)},
	}
}

// Invoke performs the collection described by target and returns the
// collector's response body.
func (g *GatewayInvoker) Invoke(ctx context.Context, target core.Target) (string, error) {
	cfg := target.ServiceConfig
	if cfg == nil {
		cfg = map[string]any{}
	}
	switch target.ServiceType {
	case core.ServiceShell:
		return g.session(ctx, ServiceSSH, cfg, shellRequest)
	case core.ServiceStructuredCLI:
		return g.session(ctx, ServiceCLI, cfg, cliRequest)
	case core.ServiceSNMP:
		return g.snmp(ctx, cfg)
	default:
		return "", apperr.Validation("service_type", fmt.Sprintf("unsupported service_type %q", target.ServiceType))
	}
}

// requestFunc builds the execute call for a session collector.
type requestFunc func(connectionID string, cfg map[string]any) (path string, body map[string]any, err error)

func shellRequest(connectionID string, cfg map[string]any) (string, map[string]any, error) {
	cmd, _ := cfg["command"].(string)
	if strings.TrimSpace(cmd) == "" {
		return "", nil, apperr.Required("service_config.command")
	}
	body := map[string]any{"connection_id": connectionID, "command": cmd}
	copyKeys(body, cfg, "timeout")
	return "/execute", body, nil
}

func cliRequest(connectionID string, cfg map[string]any) (string, map[string]any, error) {
	body := map[string]any{"connection_id": connectionID}
	if cmds, ok := cfg["commands"]; ok {
		body["commands"] = cmds
		copyKeys(body, cfg, "exit_config_mode", "timeout")
		return "/config", body, nil
	}
	cmd, _ := cfg["command"].(string)
	if strings.TrimSpace(cmd) == "" {
		return "", nil, apperr.Required("service_config.command")
	}
	body["command"] = cmd
	copyKeys(body, cfg, "use_textfsm", "timeout")
	return "/execute", body, nil
}

// session opens a collector session, runs one request on it and always
// disconnects afterwards.
func (g *GatewayInvoker) session(ctx context.Context, service string, cfg map[string]any, build requestFunc) (string, error) {
	conn := connection(cfg)
	// Validate the request shape before touching the device.
	if _, _, err := build("", cfg); err != nil {
		return "", err
	}

	// Collectors key sessions by host, port and user, so two units for the
	// same device would replace and disconnect each other's session.
	key := deviceKey(service, conn)
	unlock, err := g.devices.lock(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%s: wait for %s: %w", service, key, err)
	}
	defer unlock()

	var connected struct {
		ConnectionID string `json:"connection_id"`
	}
	raw, err := g.post(ctx, service, "/connect", conn)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(raw, &connected); err != nil || connected.ConnectionID == "" {
		return "", apperr.Execution(apperr.ReasonProtocolError, fmt.Errorf("%s connect returned no connection_id", service))
	}
	defer g.disconnect(service, connected.ConnectionID)

	path, body, err := build(connected.ConnectionID, cfg)
	if err != nil {
		return "", err
	}
	raw, err = g.post(ctx, service, path, body)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (g *GatewayInvoker) disconnect(service, connectionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if _, err := g.post(ctx, service, "/disconnect", map[string]any{"connection_id": connectionID}); err != nil {
		g.logger.Warn("disconnect after dispatch", "service", service, "connection_id", connectionID, "err", err)
	}
}

func (g *GatewayInvoker) snmp(ctx context.Context, cfg map[string]any) (string, error) {
	path := "/get"
	var body any = cfg
	switch {
	case cfg["configs"] != nil:
		path = "/batch-collect"
		body = map[string]any{"configs": cfg["configs"]}
	case strings.EqualFold(fmt.Sprint(cfg["operation"]), "walk"):
		path = "/walk"
	}
	raw, err := g.post(ctx, ServiceSNMP, path, body)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// post sends body as JSON to /api/{service}{path} and returns the response
// body of a 2xx reply. Other replies are reclassified from their error body.
func (g *GatewayInvoker) post(ctx context.Context, service, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("encode %s%s request: %w", service, path, err))
	}
	url := g.baseURL + "/api/" + service + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s%s: %w", service, path, ctx.Err())
		}
		return nil, apperr.Unavailable("gateway", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.Unavailable("gateway", fmt.Errorf("read %s%s response: %w", service, path, err))
	}
	g.logger.Debug("gateway call", "service", service, "path", path, "status", resp.StatusCode, "duration", time.Since(start))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code, message := httpx.ParseError(raw)
		return nil, apperr.FromResponse(resp.StatusCode, code, message)
	}
	return bytes.TrimSpace(raw), nil
}

// connection returns the connect body: the nested "connection" object when
// present, otherwise the connection keys found at the top level.
func connection(cfg map[string]any) map[string]any {
	if nested, ok := cfg["connection"].(map[string]any); ok {
		return nested
	}
	out := map[string]any{}
	copyKeys(out, cfg, "host", "port", "username", "password", "device_type", "secret", "timeout")
	return out
}

func copyKeys(dst, src map[string]any, keys ...string) {
	for _, k := range keys {
		if v, ok := src[k]; ok {
			dst[k] = v
		}
	}
}

// deviceKey identifies the collector session a connect body opens. A missing
// port means the ssh default.
func deviceKey(service string, conn map[string]any) string {
	port := "22"
	if v, ok := conn["port"]; ok && v != nil {
		if p := strings.TrimSpace(fmt.Sprint(v)); p != "" && p != "0" {
			port = p
		}
	}
	host := strings.ToLower(strings.TrimSpace(fmt.Sprint(conn["host"])))
	user := strings.TrimSpace(fmt.Sprint(conn["username"]))
	return service + "/" + host + ":" + port + ":" + user
}

type deviceLock struct {
	slot chan struct{}
	refs int
}

// deviceLocks serializes session units per device key. Entries are dropped
// once nobody holds or waits for them.
type deviceLocks struct {
	mu   sync.Mutex
	held map[string]*deviceLock
}

func (d *deviceLocks) lock(ctx context.Context, key string) (func(), error) {
	d.mu.Lock()
	l, ok := d.held[key]
	if !ok {
		l = &deviceLock{slot: make(chan struct{}, 1)}
		d.held[key] = l
	}
	l.refs++
	d.mu.Unlock()

	select {
	case l.slot <- struct{}{}:
		return func() {
			<-l.slot
			d.release(key, l)
		}, nil
	case <-ctx.Done():
		d.release(key, l)
		return nil, ctx.Err()
	}
}

func (d *deviceLocks) release(key string, l *deviceLock) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(d.held, key)
	}
}

func (d *deviceLocks) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}
