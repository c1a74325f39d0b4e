package netcli

import (
	"context"
	"errors"
	"io"

	"golang.org/x/crypto/ssh"

	"netcollect/internal/apperr"
	"netcollect/internal/collector/sshconn"
	"netcollect/internal/session"
)

// Params extend the SSH parameters with the device family and enable secret.
type Params struct {
	sshconn.Params
	DeviceType string
	Secret     string
}

// Conn is a session.Conn over an interactive device shell.
type Conn struct {
	params  Params
	client  io.Closer
	sess    io.Closer
	shell   *shell
	profile Profile
}

// Dial opens an SSH client, starts an interactive shell on a PTY and
// prepares it for scripted use.
func Dial(ctx context.Context, p Params) (session.Conn, error) {
	profile, err := LookupProfile(p.DeviceType)
	if err != nil {
		return nil, err
	}
	p.DeviceType = profile.Name

	client, err := sshconn.Dial(ctx, p.Params)
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, apperr.Connect(sshconn.ClassifyDial(err), err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 38400,
		ssh.TTY_OP_OSPEED: 38400,
	}
	if err := sess.RequestPty("vt100", 0, 511, modes); err != nil {
		return nil, closeOnFail(client, sess, err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		return nil, closeOnFail(client, sess, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, closeOnFail(client, sess, err)
	}
	if err := sess.Shell(); err != nil {
		return nil, closeOnFail(client, sess, err)
	}

	c := newConn(p, profile, stdin, stdout, client, sess)
	openCtx, cancel := context.WithTimeout(ctx, p.Params.Timeout+sshconn.DefaultTimeout)
	defer cancel()
	if err := c.shell.open(openCtx, p.Secret); err != nil {
		_ = c.Close()
		return nil, apperr.Connect(sshconn.ClassifyDial(err), err)
	}
	return c, nil
}

func newConn(p Params, profile Profile, stdin io.WriteCloser, stdout io.Reader, client, sess io.Closer) *Conn {
	return &Conn{
		params:  p,
		client:  client,
		sess:    sess,
		shell:   newShell(stdin, stdout, profile),
		profile: profile,
	}
}

func closeOnFail(client *ssh.Client, sess *ssh.Session, err error) error {
	_ = sess.Close()
	_ = client.Close()
	return apperr.Connect(sshconn.ClassifyDial(err), err)
}

// Exec sends a show command or a configuration set.
func (c *Conn) Exec(ctx context.Context, cmd session.Command) (*session.Result, error) {
	if len(cmd.ConfigSet) > 0 {
		out, err := c.shell.configure(ctx, cmd.ConfigSet, cmd.ExitConfigMode)
		if err != nil {
			return nil, err
		}
		return &session.Result{Output: out}, nil
	}
	if cmd.Text == "" {
		return nil, apperr.Required("command")
	}
	out, err := c.shell.run(ctx, cmd.Text)
	if err != nil {
		return nil, err
	}
	res := &session.Result{Output: out}
	if cmd.Structured {
		res.Rows = ParseTable(out)
	}
	return res, nil
}

// Describe reports device details for the device-info endpoint.
func (c *Conn) Describe() map[string]any {
	return map[string]any{
		"device_type": c.params.DeviceType,
		"host":        c.params.Host,
		"port":        c.params.Port,
		"username":    c.params.Username,
		"is_alive":    c.shell.alive(),
		"base_prompt": c.shell.basePrompt(),
	}
}

// Close ends the shell and the SSH client.
func (c *Conn) Close() error {
	errs := []error{c.shell.close()}
	if c.sess != nil {
		errs = append(errs, c.sess.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	var out []error
	for _, err := range errs {
		if err != nil && !errors.Is(err, io.EOF) {
			out = append(out, err)
		}
	}
	return errors.Join(out...)
}
