package worktree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CheckpointFile marks a worktree whose partial work a successor should
// resume rather than discard. Agents write it; the fleet only checks for it.
const CheckpointFile = ".herd-checkpoint"

// ErrNotRepository is returned when no git repository encloses a directory.
var ErrNotRepository = errors.New("not a git repository")

// Manager handles worktrees for one repository.
type Manager struct {
	repoDir  string
	root     string
	remote   string
	executor CommandExecutor
}

// Option configures a Manager.
type Option func(*Manager)

// WithExecutor replaces the command executor.
func WithExecutor(e CommandExecutor) Option {
	return func(m *Manager) { m.executor = e }
}

// WithRoot sets the directory worktrees are created under. The default is
// .herd/worktrees inside the repository.
func WithRoot(root string) Option {
	return func(m *Manager) { m.root = root }
}

// WithRemote sets the remote used for push and remote-branch checks.
func WithRemote(remote string) Option {
	return func(m *Manager) { m.remote = remote }
}

// FindGitRoot finds the root of the git repository by traversing up from startDir.
// The .git entry may be a directory or, inside a worktree, a file.
func FindGitRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: %s", ErrNotRepository, startDir)
		}
		dir = parent
	}
}

// New creates a Manager for the repository enclosing repoDir.
func New(repoDir string, opts ...Option) (*Manager, error) {
	root, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		repoDir:  root,
		root:     filepath.Join(root, ".herd", "worktrees"),
		remote:   "origin",
		executor: CLICommandExecutor{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RepoDir returns the repository root.
func (m *Manager) RepoDir() string {
	return m.repoDir
}

// BranchName returns the branch used for issue.
func BranchName(issue int) string {
	return "herd/issue-" + strconv.Itoa(issue)
}

// Path returns the worktree path for issue.
func (m *Manager) Path(issue int) string {
	return filepath.Join(m.root, "issue-"+strconv.Itoa(issue))
}

func (m *Manager) git(dir, op string, args ...string) ([]byte, error) {
	out, err := m.executor.Run(dir, "git", args...)
	if err != nil {
		return out, NewGitError(op, err).WithDir(dir).WithOutput(out)
	}
	return out, nil
}

// Ensure returns the worktree for issue, creating it if needed. An existing
// local branch is checked out as is; otherwise a remote branch of the same
// name is tracked; otherwise a new branch starts from HEAD.
func (m *Manager) Ensure(issue int) (path, branch string, err error) {
	path, branch = m.Path(issue), BranchName(issue)
	if _, err := os.Stat(path); err == nil {
		return path, branch, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", "", fmt.Errorf("create worktree root: %w", err)
	}

	switch {
	case m.localBranchExists(branch):
		_, err = m.git(m.repoDir, "add worktree", "worktree", "add", path, branch)
	case m.remoteTrackingExists(branch):
		_, err = m.git(m.repoDir, "add worktree", "worktree", "add", "--track", "-b", branch, path, m.remote+"/"+branch)
	default:
		_, err = m.git(m.repoDir, "add worktree", "worktree", "add", "-b", branch, path)
	}
	if err != nil {
		return "", "", err
	}
	return path, branch, nil
}

func (m *Manager) localBranchExists(branch string) bool {
	_, err := m.git(m.repoDir, "verify branch", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (m *Manager) remoteTrackingExists(branch string) bool {
	_, err := m.git(m.repoDir, "verify remote branch", "rev-parse", "--verify", "--quiet",
		"refs/remotes/"+m.remote+"/"+branch)
	return err == nil
}

// Remove force-removes the worktree at path and prunes stale entries.
func (m *Manager) Remove(path string) error {
	if _, err := m.git(m.repoDir, "remove worktree", "worktree", "remove", "--force", path); err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			_, _ = m.git(m.repoDir, "prune worktrees", "worktree", "prune")
			return nil
		}
		return err
	}
	return nil
}

// DeleteBranch force-deletes a local branch.
func (m *Manager) DeleteBranch(branch string) error {
	_, err := m.git(m.repoDir, "delete branch", "branch", "-D", branch)
	return err
}

// HasUncommittedChanges reports whether the worktree at path is dirty.
func (m *Manager) HasUncommittedChanges(path string) (bool, error) {
	out, err := m.git(path, "check status", "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// CommitAll stages and commits everything. It reports whether a commit was
// made.
func (m *Manager) CommitAll(path, message string) (bool, error) {
	if _, err := m.git(path, "stage changes", "add", "-A"); err != nil {
		return false, err
	}
	out, err := m.executor.Run(path, "git", "commit", "-m", message)
	if err != nil {
		if strings.Contains(string(out), "nothing to commit") {
			return false, nil
		}
		return false, NewGitError("commit changes", err).WithDir(path).WithOutput(out)
	}
	return true, nil
}

// Push pushes HEAD to the remote branch of the same name, setting upstream.
func (m *Manager) Push(path string) error {
	_, err := m.git(path, "push", "push", "-u", m.remote, "HEAD")
	return err
}

// UnpushedCommits counts commits on HEAD that the remote does not have. With
// no upstream configured every commit not on any remote branch counts.
func (m *Manager) UnpushedCommits(path string) (int, error) {
	out, err := m.executor.Run(path, "git", "rev-list", "--count", "@{upstream}..HEAD")
	if err != nil {
		out, err = m.git(path, "count unpushed commits", "rev-list", "--count", "HEAD", "--not", "--remotes="+m.remote)
		if err != nil {
			return 0, err
		}
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("parse commit count %q: %w", strings.TrimSpace(string(out)), err)
	}
	return n, nil
}

// RemoteBranchExists asks the remote whether branch exists.
func (m *Manager) RemoteBranchExists(branch string) (bool, error) {
	out, err := m.git(m.repoDir, "list remote heads", "ls-remote", "--heads", m.remote, branch)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// HasCheckpoint reports whether the worktree carries a checkpoint file.
func HasCheckpoint(path string) bool {
	_, err := os.Stat(filepath.Join(path, CheckpointFile))
	return err == nil
}

// Preserved describes what PreserveWork did.
type Preserved struct {
	Committed bool `json:"committed"`
	Pushed    bool `json:"pushed"`
	Unpushed  int  `json:"unpushed"`
}

// PreserveWork makes a worker's partial progress visible to a successor:
// uncommitted changes are committed and pushed, and existing unpushed
// commits are pushed even when there is nothing new to commit.
func (m *Manager) PreserveWork(path, message string) (Preserved, error) {
	var p Preserved
	dirty, err := m.HasUncommittedChanges(path)
	if err != nil {
		return p, err
	}
	if dirty {
		if p.Committed, err = m.CommitAll(path, message); err != nil {
			return p, err
		}
	}
	if p.Unpushed, err = m.UnpushedCommits(path); err != nil {
		return p, err
	}
	if p.Unpushed == 0 {
		return p, nil
	}
	if err := m.Push(path); err != nil {
		return p, err
	}
	p.Pushed = true
	return p, nil
}

// Resumable reports whether a successor can pick up the work for issue: the
// worktree holds a checkpoint or the branch exists on the remote.
func (m *Manager) Resumable(issue int) (bool, string, error) {
	if HasCheckpoint(m.Path(issue)) {
		return true, "checkpoint", nil
	}
	ok, err := m.RemoteBranchExists(BranchName(issue))
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, "remote branch", nil
	}
	return false, "", nil
}

// Discard removes the issue's worktree and local branch unless a successor
// could resume from them. It reports whether anything was discarded.
func (m *Manager) Discard(issue int) (bool, error) {
	keep, _, err := m.Resumable(issue)
	if err != nil {
		return false, err
	}
	if keep {
		return false, nil
	}
	if err := m.Remove(m.Path(issue)); err != nil {
		return false, err
	}
	if m.localBranchExists(BranchName(issue)) {
		if err := m.DeleteBranch(BranchName(issue)); err != nil {
			return true, err
		}
	}
	return true, nil
}
