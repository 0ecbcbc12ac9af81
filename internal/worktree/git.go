// Package worktree wraps the git operations the fleet needs around a worker:
// a dedicated worktree and branch per issue, preserving unfinished work when
// a worker dies, and deciding whether a successor can resume from it.
package worktree

import (
	"fmt"
	"os/exec"
	"strings"
)

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command in dir and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns combined output.
func (CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// GitError carries the context of a failed git command.
type GitError struct {
	Op     string
	Dir    string
	Branch string
	Output string
	Err    error
}

// NewGitError creates a GitError for op.
func NewGitError(op string, err error) *GitError {
	return &GitError{Op: op, Err: err}
}

// WithDir records the directory the command ran in.
func (e *GitError) WithDir(dir string) *GitError {
	e.Dir = dir
	return e
}

// WithBranch records the branch involved.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithOutput records the command's output.
func (e *GitError) WithOutput(out []byte) *GitError {
	e.Output = strings.TrimSpace(string(out))
	return e
}

func (e *GitError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Branch != "" {
		fmt.Fprintf(&b, " (branch %s)", e.Branch)
	}
	if e.Dir != "" {
		fmt.Fprintf(&b, " in %s", e.Dir)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Output != "" {
		b.WriteString("\n")
		b.WriteString(e.Output)
	}
	return b.String()
}

func (e *GitError) Unwrap() error {
	return e.Err
}
