// Package shell implements the shell collector: one SSH exec channel per
// command over a session kept in the collector's registry.
package shell

import (
	"bytes"
	"context"
	"errors"

	"golang.org/x/crypto/ssh"

	"netcollect/internal/apperr"
	"netcollect/internal/collector/sshconn"
	"netcollect/internal/session"
)

// Conn is a session.Conn over an SSH client.
type Conn struct {
	client *ssh.Client
}

// Dial connects to the device described by p.
func Dial(ctx context.Context, p sshconn.Params) (session.Conn, error) {
	client, err := sshconn.Dial(ctx, p)
	if err != nil {
		return nil, err
	}
	return &Conn{client: client}, nil
}

// Exec runs cmd.Text in a fresh exec channel and reports its exit status.
func (c *Conn) Exec(ctx context.Context, cmd session.Command) (*session.Result, error) {
	if cmd.Text == "" {
		return nil, apperr.Required("command")
	}
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd.Text) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return nil, ctx.Err()
	case err = <-done:
	}

	status := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
		status = exitErr.ExitStatus()
	}
	return &session.Result{
		Output:     stdout.String(),
		Stderr:     stderr.String(),
		ExitStatus: &status,
	}, nil
}

// Close closes the underlying client.
func (c *Conn) Close() error {
	return c.client.Close()
}
