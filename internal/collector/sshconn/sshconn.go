// Package sshconn dials SSH clients for the session-based collectors and
// classifies golang.org/x/crypto/ssh failures.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"

	"netcollect/internal/apperr"
)

const (
	DefaultPort    = 22
	DefaultTimeout = 30 * time.Second
)

// Params are the connection parameters accepted by the collectors.
type Params struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

func (p Params) withDefaults() Params {
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}

// Addr returns host:port.
func (p Params) Addr() string {
	p = p.withDefaults()
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Dial opens an SSH client using password and keyboard-interactive auth.
// Errors are returned as classified connect errors.
func Dial(ctx context.Context, p Params) (*ssh.Client, error) {
	p = p.withDefaults()
	cfg := &ssh.ClientConfig{
		User: p.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(p.Password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = p.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // #nosec G106 -- devices are addressed by operator-supplied host lists
		Timeout:         p.Timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	addr := p.Addr()
	var d net.Dialer
	nc, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, apperr.Connect(ClassifyDial(err), err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if err != nil {
		_ = nc.Close()
		return nil, apperr.Connect(ClassifyDial(err), err)
	}
	_ = nc.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// ClassifyDial maps a dial or handshake failure onto a connect reason.
func ClassifyDial(err error) apperr.Reason {
	if err == nil {
		return apperr.ReasonNone
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return apperr.ReasonTimeout
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return apperr.ReasonAuthFailure
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return apperr.ReasonUnreachable
	}
	return apperr.ReasonOther
}

// ClassifyExec maps a failure on an established client onto an execution reason.
func ClassifyExec(err error) apperr.Reason {
	if err == nil {
		return apperr.ReasonNone
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return apperr.ReasonTimeout
	}
	var missing *ssh.ExitMissingError
	var openErr *ssh.OpenChannelError
	if errors.As(err, &missing) || errors.As(err, &openErr) {
		return apperr.ReasonProtocolError
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) {
		return apperr.ReasonUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return apperr.ReasonUnreachable
	}
	return apperr.ReasonOther
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// String renders p for logs; the password is never included.
func (p Params) String() string {
	return fmt.Sprintf("%s@%s", p.Username, p.Addr())
}
