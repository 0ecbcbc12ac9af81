package tmux

import (
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// DefaultGracefulStopTimeout is how long Kill waits after Ctrl-C before
// force-killing the session's processes.
const DefaultGracefulStopTimeout = 500 * time.Millisecond

// GetDescendantPIDs returns all descendant PIDs of pid, depth first.
// Uses pgrep -P to find child processes.
func GetDescendantPIDs(pid int) []int {
	if pid <= 0 {
		return nil
	}
	out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		return nil
	}

	var descendants []int
	for _, field := range strings.Fields(string(out)) {
		child, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		descendants = append(descendants, child)
		descendants = append(descendants, GetDescendantPIDs(child)...)
	}
	return descendants
}

// IsProcessAlive reports whether a process with pid exists.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 checks existence without delivering anything.
	return syscall.Kill(pid, 0) == nil
}

// KillProcessTree SIGKILLs pid and its descendants, deepest first.
func KillProcessTree(pid int) {
	if pid <= 0 {
		return
	}
	descendants := GetDescendantPIDs(pid)
	for i := len(descendants) - 1; i >= 0; i-- {
		if IsProcessAlive(descendants[i]) {
			_ = syscall.Kill(descendants[i], syscall.SIGKILL)
		}
	}
	if IsProcessAlive(pid) {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// EnsureProcessesKilled force-kills any of pids that are still alive, along
// with anything they spawned since.
func EnsureProcessesKilled(pids []int) {
	for _, pid := range pids {
		if IsProcessAlive(pid) {
			KillProcessTree(pid)
		}
	}
}

// WaitForProcessExit polls until pid exits or timeout passes. It reports
// whether the process is gone.
func WaitForProcessExit(pid int, timeout time.Duration) bool {
	if pid <= 0 || !IsProcessAlive(pid) {
		return true
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return !IsProcessAlive(pid)
		case <-ticker.C:
			if !IsProcessAlive(pid) {
				return true
			}
		}
	}
}
