package tmux

import (
	"os"
	"os/exec"
	"slices"
	"syscall"
	"testing"
	"time"
)

func startSleeper(t *testing.T, argv ...string) *exec.Cmd {
	t.Helper()
	if len(argv) == 0 {
		argv = []string{"sleep", "60"}
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start %v: %v", argv, err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func TestIsProcessAlive(t *testing.T) {
	tests := []struct {
		name string
		pid  int
		want bool
	}{
		{"zero", 0, false},
		{"negative", -1, false},
		{"self", os.Getpid(), true},
		{"nonexistent", 99999999, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsProcessAlive(tt.pid); got != tt.want {
				t.Errorf("IsProcessAlive(%d) = %v, want %v", tt.pid, got, tt.want)
			}
		})
	}
}

func TestGetDescendantPIDs(t *testing.T) {
	if GetDescendantPIDs(0) != nil || GetDescendantPIDs(-5) != nil {
		t.Error("invalid pids have no descendants")
	}
	if _, err := exec.LookPath("pgrep"); err != nil {
		t.Skip("pgrep not available")
	}

	child := startSleeper(t)
	if !slices.Contains(GetDescendantPIDs(os.Getpid()), child.Process.Pid) {
		t.Errorf("descendants of the test process do not include sleeper %d", child.Process.Pid)
	}
}

func TestKillProcessTree(t *testing.T) {
	KillProcessTree(0)
	KillProcessTree(-1)

	cmd := startSleeper(t, "sh", "-c", "sleep 60 & wait")
	time.Sleep(200 * time.Millisecond)
	descendants := GetDescendantPIDs(cmd.Process.Pid)

	KillProcessTree(cmd.Process.Pid)
	_ = cmd.Wait()
	time.Sleep(100 * time.Millisecond)

	if IsProcessAlive(cmd.Process.Pid) {
		t.Errorf("root %d survived KillProcessTree", cmd.Process.Pid)
	}
	for _, pid := range descendants {
		if IsProcessAlive(pid) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
			t.Errorf("descendant %d survived KillProcessTree", pid)
		}
	}
}

func TestEnsureProcessesKilled(t *testing.T) {
	EnsureProcessesKilled(nil)
	EnsureProcessesKilled([]int{99999999, 99999998})

	cmd := startSleeper(t)
	EnsureProcessesKilled([]int{cmd.Process.Pid})
	_ = cmd.Wait()
	if IsProcessAlive(cmd.Process.Pid) {
		t.Errorf("process %d survived EnsureProcessesKilled", cmd.Process.Pid)
	}
}

func TestWaitForProcessExit(t *testing.T) {
	if !WaitForProcessExit(99999999, 50*time.Millisecond) || !WaitForProcessExit(0, 50*time.Millisecond) {
		t.Error("missing processes count as exited")
	}

	quick := exec.Command("sleep", "0.1")
	if err := quick.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Reap it so it does not linger as a zombie, which kill(pid, 0) still sees.
	go func() { _ = quick.Wait() }()
	if !WaitForProcessExit(quick.Process.Pid, 2*time.Second) {
		t.Error("short-lived process not observed exiting")
	}

	slow := startSleeper(t)
	if WaitForProcessExit(slow.Process.Pid, 150*time.Millisecond) {
		t.Error("long-running process reported as exited")
	}
}
