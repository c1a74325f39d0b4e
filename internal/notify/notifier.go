package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"netcollect/internal/config"
)

// Event describes one failed firing of a task.
type Event struct {
	TaskID      string
	ExecutionID string
	Status      string
	Code        string
	Error       string
	StartedAt   time.Time
}

// Title is the one-line summary shown by push receivers.
func (e Event) Title() string {
	return fmt.Sprintf("netcollect: task %s %s", e.TaskID, e.Status)
}

// Body is the human readable detail line.
func (e Event) Body() string {
	msg := e.Error
	if e.Code != "" {
		msg = "[" + e.Code + "] " + msg
	}
	return fmt.Sprintf("execution %s at %s: %s", e.ExecutionID, e.StartedAt.UTC().Format(time.RFC3339), msg)
}

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// MultiNotifier combines multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Notify delivers to every notifier and joins their errors.
func (m *MultiNotifier) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of wrapped notifiers.
func (m *MultiNotifier) Len() int { return len(m.notifiers) }

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Notify(ctx context.Context, ev Event) error {
	return nil
}

// LimitedNotifier drops notifications sent faster than its rate so a flapping
// device cannot flood the receiver.
type LimitedNotifier struct {
	next    Notifier
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewLimitedNotifier allows perSec notifications per second with a burst of
// one. perSec <= 0 disables limiting.
func NewLimitedNotifier(next Notifier, perSec float64, logger *slog.Logger) *LimitedNotifier {
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}
	return &LimitedNotifier{next: next, limiter: rate.NewLimiter(limit, 1), logger: logger}
}

func (l *LimitedNotifier) Notify(ctx context.Context, ev Event) error {
	if !l.limiter.Allow() {
		l.logger.Debug("notification dropped by rate limit", "task_id", ev.TaskID, "execution_id", ev.ExecutionID)
		return nil
	}
	return l.next.Notify(ctx, ev)
}

// FromConfig builds the configured notifier chain. Disabled or empty
// configurations yield a NoOpNotifier.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) (Notifier, error) {
	if !cfg.Enabled {
		return &NoOpNotifier{}, nil
	}
	var targets []Notifier
	if cfg.URL != "" {
		w, err := NewWebhookNotifier(cfg.URL)
		if err != nil {
			return nil, err
		}
		targets = append(targets, w)
	}
	if cfg.BarkURL != "" {
		b, err := NewBarkNotifier(cfg.BarkURL)
		if err != nil {
			return nil, err
		}
		targets = append(targets, b)
	}
	if len(targets) == 0 {
		return &NoOpNotifier{}, nil
	}
	return NewLimitedNotifier(NewMultiNotifier(targets...), cfg.PerSec, logger), nil
}
