// Package session tracks live, stateful protocol sessions for a collector and
// issues commands against them.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"netcollect/internal/apperr"
)

// Status is the state of a registered session.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Key identifies a session by endpoint and credential identity.
type Key struct {
	Host     string
	Port     int
	Username string
	Variant  string
}

// String renders the connection id handed to callers.
func (k Key) String() string {
	id := k.Host + ":" + strconv.Itoa(k.Port) + ":" + k.Username
	if k.Variant != "" {
		id += ":" + k.Variant
	}
	return id
}

// Info is a copy of a session's metadata; it never carries the handle.
type Info struct {
	ID             string            `json:"connection_id"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	Username       string            `json:"username"`
	Variant        string            `json:"variant,omitempty"`
	Status         Status            `json:"status"`
	Meta           map[string]string `json:"meta,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
}

// Describer is implemented by handles that can report device details.
type Describer interface {
	Describe() map[string]any
}

// DialFunc establishes the protocol connection for a Connect call.
type DialFunc func(ctx context.Context) (Conn, error)

type entry struct {
	info Info
	conn Conn
}

// Registry maps connection ids to live sessions. All mutations and snapshots
// are serialized by one mutex; protocol I/O happens outside it.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	classify Classifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates an empty registry. classify maps protocol errors raised
// during Execute onto execution reasons.
func NewRegistry(logger *slog.Logger, classify Classifier) *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		classify: classify,
		logger:   logger,
		now:      time.Now,
	}
}

// Connect dials a new session and registers it under key. A live session
// already registered under the same key is closed before the new one becomes
// visible.
func (r *Registry) Connect(ctx context.Context, key Key, dial DialFunc, meta map[string]string) (Info, error) {
	conn, err := dial(ctx)
	if err != nil {
		if e, ok := apperr.As(err); ok {
			return Info{}, e
		}
		return Info{}, apperr.Connect(apperr.ReasonOther, err)
	}

	now := r.now().UTC()
	id := key.String()
	e := &entry{
		conn: conn,
		info: Info{
			ID:             id,
			Host:           key.Host,
			Port:           key.Port,
			Username:       key.Username,
			Variant:        key.Variant,
			Status:         StatusConnected,
			Meta:           copyMeta(meta),
			CreatedAt:      now,
			LastActivityAt: now,
		},
	}

	r.mu.Lock()
	if old, ok := r.entries[id]; ok {
		if err := old.conn.Close(); err != nil {
			r.logger.Warn("close superseded session", "connection_id", id, "err", err)
		}
		r.logger.Info("replaced existing session", "connection_id", id)
	}
	r.entries[id] = e
	info := cloneInfo(e.info)
	r.mu.Unlock()

	r.logger.Info("session connected", "connection_id", id)
	return info, nil
}

// Lookup returns the metadata of a registered session.
func (r *Registry) Lookup(id string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Info{}, apperr.NotFound("connection", id)
	}
	return cloneInfo(e.info), nil
}

// Execute runs cmd on the session registered under id.
func (r *Registry) Execute(ctx context.Context, id string, cmd Command) (*Result, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil, apperr.NotFound("connection", id)
	}

	res, err := Execute(ctx, e.conn, cmd, r.classify)

	r.mu.Lock()
	if cur, ok := r.entries[id]; ok && cur == e {
		e.info.LastActivityAt = r.now().UTC()
		switch {
		case err == nil:
			e.info.Status = StatusConnected
		case apperr.ReasonOf(err) == apperr.ReasonUnreachable:
			e.info.Status = StatusError
		}
	}
	r.mu.Unlock()
	return res, err
}

// Describe returns the session metadata plus device details when the handle
// supports them.
func (r *Registry) Describe(id string) (Info, map[string]any, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return Info{}, nil, apperr.NotFound("connection", id)
	}
	info := cloneInfo(e.info)
	conn := e.conn
	r.mu.Unlock()

	var details map[string]any
	if d, ok := conn.(Describer); ok {
		details = d.Describe()
	}
	return info, details, nil
}

// Disconnect removes the session and releases its handle. It reports false
// when nothing was registered under id.
func (r *Registry) Disconnect(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := e.conn.Close(); err != nil {
		r.logger.Warn("close session", "connection_id", id, "err", err)
	}
	r.logger.Info("session disconnected", "connection_id", id)
	return true
}

// List returns a snapshot of every session ordered by id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, cloneInfo(e.info))
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CloseAll disconnects every session; used on shutdown.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	for id, e := range entries {
		if err := e.conn.Close(); err != nil {
			r.logger.Warn("close session on shutdown", "connection_id", id, "err", err)
		}
	}
	return len(entries)
}

// EvictIdle disconnects sessions idle for longer than maxIdle and returns
// their ids.
func (r *Registry) EvictIdle(now time.Time, maxIdle time.Duration) []string {
	if maxIdle <= 0 {
		return nil
	}
	var evicted []*entry
	r.mu.Lock()
	for id, e := range r.entries {
		if now.Sub(e.info.LastActivityAt) > maxIdle {
			evicted = append(evicted, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, e := range evicted {
		if err := e.conn.Close(); err != nil {
			r.logger.Warn("close idle session", "connection_id", e.info.ID, "err", err)
		}
		ids = append(ids, e.info.ID)
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		r.logger.Info("evicted idle sessions", "count", len(ids), "max_idle", maxIdle)
	}
	return ids
}

// RunJanitor evicts idle sessions every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, maxIdle time.Duration) {
	if maxIdle <= 0 {
		return
	}
	interval := maxIdle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.EvictIdle(now.UTC(), maxIdle)
		}
	}
}

func cloneInfo(in Info) Info {
	in.Meta = copyMeta(in.Meta)
	return in
}

func copyMeta(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// ParsePort validates a port number, applying def when zero.
func ParsePort(port, def int) (int, error) {
	if port == 0 {
		return def, nil
	}
	if port < 1 || port > 65535 {
		return 0, apperr.Validation("port", fmt.Sprintf("port %d out of range", port))
	}
	return port, nil
}
