package session

import (
	"context"
	"errors"
	"time"

	"netcollect/internal/apperr"
)

// Command describes one request against a session: a plain command, an
// ordered configuration set, or both is rejected by the collectors.
type Command struct {
	Text           string
	ConfigSet      []string
	ExitConfigMode bool
	Structured     bool
	Timeout        time.Duration
}

// Result is the payload produced by a command.
type Result struct {
	Output     string              `json:"output"`
	Stderr     string              `json:"error,omitempty"`
	ExitStatus *int                `json:"exit_status,omitempty"`
	Rows       []map[string]string `json:"rows,omitempty"`
}

// Conn is a live protocol handle owned by a registry entry.
type Conn interface {
	Exec(ctx context.Context, cmd Command) (*Result, error)
	Close() error
}

// Classifier maps a protocol library error onto an execution reason.
type Classifier func(err error) apperr.Reason

// Execute issues cmd on conn exactly once and classifies any failure.
func Execute(ctx context.Context, conn Conn, cmd Command, classify Classifier) (*Result, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}
	res, err := conn.Exec(ctx, cmd)
	if err == nil {
		return res, nil
	}
	if e, ok := apperr.As(err); ok {
		return nil, e
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return nil, apperr.Execution(apperr.ReasonTimeout, err)
	}
	reason := apperr.ReasonOther
	if classify != nil {
		if r := classify(err); r != apperr.ReasonNone {
			reason = r
		}
	}
	return nil, apperr.Execution(reason, err)
}
