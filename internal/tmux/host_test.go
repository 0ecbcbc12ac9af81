package tmux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTmux struct {
	calls    [][]string
	sessions map[string]bool
}

func (f *fakeTmux) exec(_ context.Context, socket string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{socket}, args...))
	target := ""
	for i, a := range args {
		if (a == "-t" || a == "-s") && i+1 < len(args) {
			target = args[i+1]
		}
	}
	switch args[0] {
	case "new-session":
		f.sessions[target] = true
		return nil, nil
	case "has-session", "send-keys", "capture-pane", "display-message":
		if !f.sessions[target] {
			return []byte("can't find session: " + target), errors.New("exit status 1")
		}
		if args[0] == "capture-pane" {
			return []byte("line one\nline two\n"), nil
		}
		if args[0] == "display-message" {
			return []byte("0\n"), nil
		}
		return nil, nil
	case "kill-session":
		if !f.sessions[target] {
			return []byte("can't find session: " + target), errors.New("exit status 1")
		}
		delete(f.sessions, target)
		return nil, nil
	case "list-sessions":
		if len(f.sessions) == 0 {
			return []byte("no server running on /tmp/tmux-0/herd"), errors.New("exit status 1")
		}
		var b strings.Builder
		for name := range f.sessions {
			fmt.Fprintln(&b, name)
		}
		b.WriteString("someone-else\n")
		return []byte(b.String()), nil
	}
	return nil, fmt.Errorf("unexpected tmux %v", args)
}

func newFakeSessions() (*Sessions, *fakeTmux) {
	f := &fakeTmux{sessions: map[string]bool{}}
	return NewSessions("", WithExecutor(f.exec), WithGracefulStop(0)), f
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s, f := newFakeSessions()
	assert.Equal(t, DefaultSocket, s.Socket())

	err := s.Create(ctx, Spec{
		Name:    "shepherd-1",
		WorkDir: "/tmp/wt",
		Command: []string{"herd", "shepherd", "run", "42", "--note", "it's fine"},
		Env:     map[string]string{"B": "2", "A": "1"},
	})
	require.NoError(t, err)
	create := f.calls[0]
	assert.Equal(t, "herd", create[0])
	assert.Contains(t, create, "herd-shepherd-1")
	assert.Equal(t, `herd shepherd run 42 --note 'it'\''s fine'`, create[len(create)-1])
	assert.Less(t, indexOf(create, "A=1"), indexOf(create, "B=2"))

	assert.True(t, s.Alive(ctx, "shepherd-1"))
	assert.True(t, s.Alive(ctx, "herd-shepherd-1"))
	assert.False(t, s.Alive(ctx, "shepherd-2"))

	out, err := s.Capture(ctx, "shepherd-1", 0)
	require.NoError(t, err)
	assert.Contains(t, out, "line two")

	require.NoError(t, s.Send(ctx, "shepherd-1", "continue"))

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"herd-shepherd-1"}, names)

	require.NoError(t, s.Kill(ctx, "shepherd-1"))
	assert.False(t, s.Alive(ctx, "shepherd-1"))
	require.NoError(t, s.Kill(ctx, "shepherd-1"), "killing a missing session is not an error")

	names, err = s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestSessionErrors(t *testing.T) {
	ctx := context.Background()
	s, _ := newFakeSessions()

	assert.Error(t, s.Create(ctx, Spec{Name: "x"}))
	_, err := s.Capture(ctx, "missing", 10)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, s.Send(ctx, "missing", "hi"), ErrSessionNotFound)
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"":          "''",
		"plain":     "plain",
		"two words": "'two words'",
		"it's":      `'it'\''s'`,
		"$HOME":     "'$HOME'",
	}
	for in, want := range tests {
		assert.Equal(t, want, ShellQuote(in), "ShellQuote(%q)", in)
	}
}

func TestSessionName(t *testing.T) {
	assert.Equal(t, "herd-abc", SessionName("abc"))
	assert.Equal(t, "herd-abc", SessionName("herd-abc"))
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
