package tmux

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrSessionNotFound is returned when a named session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Spec describes a session to create.
type Spec struct {
	Name    string
	WorkDir string
	// Command is the argv run inside the session.
	Command []string
	Env     map[string]string
}

// Host is the process host the scheduler drives workers through.
type Host interface {
	Create(ctx context.Context, spec Spec) error
	Alive(ctx context.Context, name string) bool
	Send(ctx context.Context, name, text string) error
	Capture(ctx context.Context, name string, lines int) (string, error)
	Kill(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// Executor runs one tmux invocation; args exclude the socket selection.
type Executor func(ctx context.Context, socket string, args ...string) ([]byte, error)

func defaultExecutor(ctx context.Context, socket string, args ...string) ([]byte, error) {
	return CommandContextWithSocket(ctx, socket, args...).CombinedOutput()
}

// Sessions is a Host backed by a tmux server on its own socket.
type Sessions struct {
	socket       string
	exec         Executor
	gracefulStop time.Duration
}

// SessionsOption configures Sessions.
type SessionsOption func(*Sessions)

// WithExecutor replaces the tmux executor, for tests.
func WithExecutor(e Executor) SessionsOption {
	return func(s *Sessions) { s.exec = e }
}

// WithGracefulStop sets how long Kill waits after Ctrl-C.
func WithGracefulStop(d time.Duration) SessionsOption {
	return func(s *Sessions) { s.gracefulStop = d }
}

// NewSessions returns a Host on socket. An empty socket uses DefaultSocket.
func NewSessions(socket string, opts ...SessionsOption) *Sessions {
	if socket == "" {
		socket = DefaultSocket
	}
	s := &Sessions{socket: socket, exec: defaultExecutor, gracefulStop: DefaultGracefulStopTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Socket returns the tmux socket name.
func (s *Sessions) Socket() string {
	return s.socket
}

func (s *Sessions) run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := s.exec(ctx, s.socket, args...)
	if err != nil {
		msg := strings.ToLower(string(out))
		if strings.Contains(msg, "can't find session") || strings.Contains(msg, "no server running") ||
			strings.Contains(msg, "session not found") {
			return out, fmt.Errorf("%w: %s", ErrSessionNotFound, strings.TrimSpace(string(out)))
		}
		return out, fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Create starts a detached session running spec.Command.
func (s *Sessions) Create(ctx context.Context, spec Spec) error {
	if spec.Name == "" || len(spec.Command) == 0 {
		return fmt.Errorf("session name and command are required")
	}
	args := []string{"new-session", "-d", "-s", SessionName(spec.Name), "-x", "200", "-y", "50"}
	if spec.WorkDir != "" {
		args = append(args, "-c", spec.WorkDir)
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	args = append(args, ShellJoin(spec.Command))
	_, err := s.run(ctx, args...)
	return err
}

// Alive reports whether the session exists.
func (s *Sessions) Alive(ctx context.Context, name string) bool {
	_, err := s.run(ctx, "has-session", "-t", SessionName(name))
	return err == nil
}

// Send types text into the session followed by Enter.
func (s *Sessions) Send(ctx context.Context, name, text string) error {
	if _, err := s.run(ctx, "send-keys", "-t", SessionName(name), "-l", text); err != nil {
		return err
	}
	_, err := s.run(ctx, "send-keys", "-t", SessionName(name), "Enter")
	return err
}

// Capture returns the last lines of the session's pane, including
// scrollback.
func (s *Sessions) Capture(ctx context.Context, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 200
	}
	out, err := s.run(ctx, "capture-pane", "-p", "-t", SessionName(name), "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// List returns the names of every session on the socket. A socket with no
// server yields no sessions.
func (s *Sessions) List(ctx context.Context) ([]string, error) {
	out, err := s.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line = strings.TrimSpace(line); strings.HasPrefix(line, SessionPrefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

func (s *Sessions) panePID(ctx context.Context, name string) int {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := s.run(ctx, "display-message", "-t", SessionName(name), "-p", "#{pane_pid}")
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0
	}
	return pid
}

// Kill tears the session down: it captures the pane's process tree, sends
// Ctrl-C, waits for the pane process to exit, kills the session and finally
// force-kills any surviving processes. Killing a missing session is not an
// error.
func (s *Sessions) Kill(ctx context.Context, name string) error {
	var pids []int
	if pid := s.panePID(ctx, name); pid > 0 {
		pids = append([]int{pid}, GetDescendantPIDs(pid)...)
	}

	_, _ = s.run(ctx, "send-keys", "-t", SessionName(name), "C-c")
	if len(pids) > 0 {
		WaitForProcessExit(pids[0], s.gracefulStop)
	}

	_, err := s.run(ctx, "kill-session", "-t", SessionName(name))
	EnsureProcessesKilled(pids)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	return nil
}

// Ensure Sessions implements Host
var _ Host = (*Sessions)(nil)
