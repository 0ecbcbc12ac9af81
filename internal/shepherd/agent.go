package shepherd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/herd/internal/failure"
	"github.com/Iron-Ham/herd/internal/stuck"
)

// ErrAgentNotFound means the agent executable could not be started.
var ErrAgentNotFound = errors.New("agent executable not found")

// AgentRequest describes one agent invocation.
type AgentRequest struct {
	TaskID  string
	Issue   int
	PR      int
	Phase   Phase
	Attempt int
	Prompt  string
	WorkDir string
	// LogPath receives the agent's combined output. The stuck detector
	// tails the same file.
	LogPath string
}

// AgentResult is what the shepherd learns from an agent run. Whether the
// phase actually succeeded is decided from the tracker afterwards.
type AgentResult struct {
	ExitCode        int
	BudgetExhausted bool
	// Detail is the last error-looking output line, if any.
	Detail string
}

// Agent runs one phase's agent to completion.
type Agent interface {
	Run(ctx context.Context, req AgentRequest) (AgentResult, error)
}

// Prompt builds the slash-command prompt for a role.
func Prompt(phase Phase, issue, pr int) string {
	switch phase {
	case PhaseJudge, PhaseDoctor:
		if pr > 0 {
			return fmt.Sprintf("/%s %d", phase.Role(), pr)
		}
	}
	return fmt.Sprintf("/%s %d", phase.Role(), issue)
}

// ExecAgent runs the agent as a child process. The prompt is appended to
// Command as its last argument.
type ExecAgent struct {
	Command []string
	// WaitDelay bounds how long to wait after interrupting a cancelled agent
	// before killing it.
	WaitDelay time.Duration
	// TailLines is how much trailing output is scanned for budget messages.
	TailLines int
}

// NewExecAgent returns an ExecAgent for command.
func NewExecAgent(command []string) *ExecAgent {
	return &ExecAgent{Command: command, WaitDelay: 10 * time.Second, TailLines: 50}
}

// Run implements Agent.
func (a *ExecAgent) Run(ctx context.Context, req AgentRequest) (AgentResult, error) {
	if len(a.Command) == 0 {
		return AgentResult{}, fmt.Errorf("%w: empty command", ErrAgentNotFound)
	}
	if err := os.MkdirAll(filepath.Dir(req.LogPath), 0o755); err != nil {
		return AgentResult{}, fmt.Errorf("create agent log dir: %w", err)
	}
	logFile, err := os.OpenFile(req.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return AgentResult{}, fmt.Errorf("open agent log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	fmt.Fprintf(logFile, "\n=== %s attempt %d: %s ===\n", req.Phase, req.Attempt, req.Prompt)

	args := append(append([]string(nil), a.Command[1:]...), req.Prompt)
	cmd := exec.CommandContext(ctx, a.Command[0], args...)
	cmd.Dir = req.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"HERD_TASK_ID="+req.TaskID,
		"HERD_ISSUE="+strconv.Itoa(req.Issue),
		"HERD_PHASE="+string(req.Phase),
	)
	if req.PR > 0 {
		cmd.Env = append(cmd.Env, "HERD_PR="+strconv.Itoa(req.PR))
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = a.WaitDelay

	runErr := cmd.Run()

	var res AgentResult
	if tail, _, err := stuck.OutputTail(req.LogPath, a.TailLines); err == nil {
		res.BudgetExhausted = failure.IsBudgetText(strings.Join(tail, "\n"))
		for i := len(tail) - 1; i >= 0; i-- {
			if stuck.IsErrorLine(tail[i]) {
				res.Detail = strings.TrimSpace(tail[i])
				break
			}
		}
	}

	if runErr == nil {
		return res, nil
	}
	if errors.Is(runErr, exec.ErrNotFound) || errors.Is(runErr, os.ErrNotExist) {
		return res, fmt.Errorf("%w: %s", ErrAgentNotFound, a.Command[0])
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("run agent: %w", runErr)
}
