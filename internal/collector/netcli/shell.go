package netcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

var errShellClosed = errors.New("device shell closed")

// shell drives one interactive CLI over a byte stream. Commands are
// serialized; a reader goroutine buffers device output.
type shell struct {
	profile Profile
	stdin   io.WriteCloser

	cmdMu sync.Mutex
	// stale is set when a command was abandoned before its prompt came
	// back; the next command first waits for that prompt. Guarded by cmdMu.
	stale *string

	mu      sync.Mutex
	buf     bytes.Buffer
	readErr error
	notify  chan struct{}

	prompt string
}

func newShell(stdin io.WriteCloser, stdout io.Reader, profile Profile) *shell {
	s := &shell{
		profile: profile,
		stdin:   stdin,
		notify:  make(chan struct{}, 1),
	}
	go s.readLoop(stdout)
	return s
}

func (s *shell) readLoop(r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		s.mu.Lock()
		if n > 0 {
			s.buf.Write(bytes.ReplaceAll(chunk[:n], []byte("\r"), nil))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errShellClosed
			}
			s.readErr = err
		}
		s.mu.Unlock()
		select {
		case s.notify <- struct{}{}:
		default:
		}
		if err != nil {
			return
		}
	}
}

// open waits for the first prompt, enters privileged mode when a secret is
// given and disables paging.
func (s *shell) open(ctx context.Context, secret string) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if _, err := s.send(ctx, ""); err != nil {
		return err
	}
	if secret != "" && s.profile.Enable != "" && strings.HasSuffix(s.prompt, ">") {
		if err := s.enable(ctx, secret); err != nil {
			return err
		}
	}
	if s.profile.DisablePaging != "" {
		if _, err := s.send(ctx, s.profile.DisablePaging); err != nil {
			return err
		}
	}
	return nil
}

func (s *shell) enable(ctx context.Context, secret string) error {
	s.reset()
	if err := s.write(s.profile.Enable); err != nil {
		return err
	}
	data, err := s.readUntil(ctx, s.profile.Enable, func(line string) bool {
		return passwordLine.MatchString(line) || s.profile.isPrompt(line)
	})
	if err != nil {
		return err
	}
	if passwordLine.MatchString(lastLine(data)) {
		s.reset()
		if err := s.write(secret); err != nil {
			return err
		}
		data, err = s.readUntil(ctx, "", s.profile.isPrompt)
		if err != nil {
			return err
		}
	}
	s.setPrompt(lastLine(data))
	return nil
}

// run sends one command and returns its output without echo or prompt.
func (s *shell) run(ctx context.Context, command string) (string, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return s.send(ctx, command)
}

// configure enters configuration mode, sends each command in order and
// optionally leaves configuration mode again.
func (s *shell) configure(ctx context.Context, commands []string, exit bool) (string, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	var out strings.Builder
	steps := make([]string, 0, len(commands)+2)
	if s.profile.EnterConfig != "" {
		steps = append(steps, s.profile.EnterConfig)
	}
	steps = append(steps, commands...)
	if exit && s.profile.ExitConfig != "" {
		steps = append(steps, s.profile.ExitConfig)
	}
	for _, cmd := range steps {
		prompt := s.prompt
		res, err := s.send(ctx, cmd)
		out.WriteString(prompt)
		out.WriteString(cmd)
		out.WriteString("\n")
		if res != "" {
			out.WriteString(res)
			out.WriteString("\n")
		}
		if err != nil {
			return out.String(), err
		}
	}
	return out.String(), nil
}

// send must be called with cmdMu held.
func (s *shell) send(ctx context.Context, command string) (string, error) {
	if err := s.drain(ctx); err != nil {
		return "", err
	}
	s.reset()
	if err := s.write(command); err != nil {
		return "", err
	}
	data, err := s.readUntil(ctx, command, s.profile.isPrompt)
	if err != nil {
		return "", err
	}
	s.setPrompt(lastLine(data))
	return clean(data, command), nil
}

func (s *shell) write(line string) error {
	_, err := io.WriteString(s.stdin, line+"\n")
	return err
}

// drain waits for the prompt of an abandoned command so its late output
// cannot be read as the reply to the next one.
func (s *shell) drain(ctx context.Context) error {
	if s.stale == nil {
		return nil
	}
	echo := *s.stale
	s.stale = nil
	data, err := s.readUntil(ctx, echo, s.profile.isPrompt)
	if err != nil {
		return fmt.Errorf("previous command %q still running: %w", echo, err)
	}
	s.setPrompt(lastLine(data))
	return nil
}

func (s *shell) reset() {
	s.mu.Lock()
	s.buf.Reset()
	s.mu.Unlock()
}

// readUntil blocks until the last line of output following echo satisfies
// done, the stream fails or ctx ends. Each wakeup only scans the bytes that
// arrived since the previous one. When ctx ends first the shell is marked
// stale. Must be called with cmdMu held.
func (s *shell) readUntil(ctx context.Context, echo string, done func(line string) bool) (string, error) {
	var (
		scanned int // bytes already searched
		start   = -1
		lineAt  int
	)
	if echo == "" {
		start = 0
	}
	for {
		s.mu.Lock()
		b := s.buf.Bytes()
		if start < 0 {
			from := max(0, scanned-len(echo)+1)
			if i := bytes.Index(b[from:], []byte(echo)); i >= 0 {
				start = from + i + len(echo)
				scanned, lineAt = start, start
			} else {
				scanned = len(b)
			}
		}
		if start >= 0 {
			if i := bytes.LastIndexByte(b[scanned:], '\n'); i >= 0 {
				lineAt = scanned + i + 1
			}
			scanned = len(b)
		}
		finished := start >= 0 && len(b) > start && done(string(b[lineAt:]))
		readErr := s.readErr
		var data string
		if finished || readErr != nil {
			data = string(b)
		}
		s.mu.Unlock()

		if finished {
			return data, nil
		}
		if readErr != nil {
			return data, readErr
		}

		select {
		case <-ctx.Done():
			s.stale = &echo
			return "", ctx.Err()
		case <-s.notify:
		}
	}
}

func (s *shell) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr == nil
}

// setPrompt is called with cmdMu held; prompt is also guarded by mu so
// readers need not wait for a running command.
func (s *shell) setPrompt(line string) {
	s.mu.Lock()
	s.prompt = strings.TrimSpace(line)
	s.mu.Unlock()
}

func (s *shell) basePrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return basePrompt(s.prompt)
}

func (s *shell) close() error {
	return s.stdin.Close()
}

func lastLine(data string) string {
	if i := strings.LastIndex(data, "\n"); i >= 0 {
		return data[i+1:]
	}
	return data
}

// clean drops everything up to the command echo and the trailing prompt.
func clean(data, command string) string {
	if command != "" {
		if i := strings.Index(data, command); i >= 0 {
			data = data[i+len(command):]
		}
	}
	if i := strings.LastIndex(data, "\n"); i >= 0 {
		data = data[:i]
	} else {
		data = ""
	}
	return strings.Trim(data, "\n")
}
