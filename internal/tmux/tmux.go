// Package tmux hosts worker processes in tmux sessions.
//
// All herd sessions live on a dedicated tmux server selected with -L, so a
// crash or kill-server on the fleet socket never touches the user's own tmux
// sessions, and listing the socket's sessions enumerates exactly the fleet.
// Session names carry the "herd-" prefix.
package tmux

import (
	"context"
	"os/exec"
	"strings"
)

// DefaultSocket is the tmux socket used by the fleet.
const DefaultSocket = "herd"

// SessionPrefix prefixes every session the fleet creates.
const SessionPrefix = "herd-"

// SessionName returns the session name for a worker or role id.
func SessionName(id string) string {
	if strings.HasPrefix(id, SessionPrefix) {
		return id
	}
	return SessionPrefix + id
}

// CommandWithSocket creates an exec.Cmd for tmux on the given socket.
func CommandWithSocket(socket string, args ...string) *exec.Cmd {
	return exec.Command("tmux", CommandArgsWithSocket(socket, args...)...)
}

// CommandContextWithSocket creates a context-aware exec.Cmd on the given socket.
func CommandContextWithSocket(ctx context.Context, socket string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "tmux", CommandArgsWithSocket(socket, args...)...)
}

// CommandArgsWithSocket returns tmux arguments with the socket selection
// prepended.
func CommandArgsWithSocket(socket string, args ...string) []string {
	return append([]string{"-L", socket}, args...)
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`&|;<>()*?[]{}~#!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ShellJoin quotes and joins argv into a single shell command line.
func ShellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = ShellQuote(a)
	}
	return strings.Join(parts, " ")
}
