// Package testutil provides git fixtures for herd tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// SetupTestRepo creates a temporary git repository on branch main with one
// commit. The repository is removed when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()
	SkipIfNoGit(t)

	dir := t.TempDir()
	Git(t, dir, "init")
	Git(t, dir, "config", "user.email", "test@herd.dev")
	Git(t, dir, "config", "user.name", "Herd Test")
	CommitFile(t, dir, "README.md", "# Test Repository\n", "Initial commit")
	// Some systems default to master.
	Git(t, dir, "branch", "-M", "main")
	return dir
}

// SetupTestRepoWithRemote creates a test repository whose origin is a bare
// repository in another temporary directory, with main pushed.
func SetupTestRepoWithRemote(t *testing.T) (repoDir, remoteDir string) {
	t.Helper()

	remoteDir = t.TempDir()
	Git(t, remoteDir, "init", "--bare")

	repoDir = SetupTestRepo(t)
	Git(t, repoDir, "remote", "add", "origin", remoteDir)
	Git(t, repoDir, "push", "-u", "origin", "main")
	return repoDir, remoteDir
}

// WriteFile writes content to path relative to dir, creating parents.
func WriteFile(t *testing.T, dir, path, content string) {
	t.Helper()
	full := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// CommitFile creates or updates a file and commits it.
func CommitFile(t *testing.T, dir, path, content, message string) {
	t.Helper()
	WriteFile(t, dir, path, content)
	Git(t, dir, "add", path)
	Git(t, dir, "commit", "-m", message)
}

// Git runs git in dir, failing the test on error, and returns trimmed output.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Herd Test",
		"GIT_AUTHOR_EMAIL=test@herd.dev",
		"GIT_COMMITTER_NAME=Herd Test",
		"GIT_COMMITTER_EMAIL=test@herd.dev",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}
