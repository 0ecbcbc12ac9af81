package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/herd/internal/audit"
	"github.com/Iron-Ham/herd/internal/claim"
	"github.com/Iron-Ham/herd/internal/config"
	"github.com/Iron-Ham/herd/internal/logging"
	"github.com/Iron-Ham/herd/internal/progress"
	"github.com/Iron-Ham/herd/internal/stuck"
	"github.com/Iron-Ham/herd/internal/telemetry"
	"github.com/Iron-Ham/herd/internal/tmux"
	"github.com/Iron-Ham/herd/internal/tracker"
	"github.com/Iron-Ham/herd/internal/worktree"
)

var (
	// current is the configuration loaded by the root command.
	current     *config.Config
	baseDirFlag string
)

// env resolves the collaborators a command needs from the loaded
// configuration and the repository root.
type env struct {
	cfg    *config.Config
	base   string
	logger *logging.Logger
}

// newEnv resolves the repository root and opens the component logger.
// The caller closes the logger.
func newEnv(component string) (*env, error) {
	cfg := current
	if cfg == nil {
		cfg = config.Default()
	}
	base, err := resolveBaseDir()
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, base: base, logger: logging.NopLogger()}
	if cfg.Logging.Enabled {
		l, err := logging.NewLogger(cfg.Paths.LogDir(base), component, cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		e.logger = l
	}
	return e, nil
}

func resolveBaseDir() (string, error) {
	if baseDirFlag != "" {
		return filepath.Abs(baseDirFlag)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	if root, err := worktree.FindGitRoot(cwd); err == nil {
		return root, nil
	}
	return cwd, nil
}

func (e *env) close() {
	_ = e.logger.Close()
}

func (e *env) audit() *audit.Log {
	return audit.NewLog(e.cfg.Paths.AuditFile(e.base))
}

func (e *env) progress() *progress.Store {
	return progress.NewStore(e.cfg.Paths.ProgressDir(e.base))
}

func (e *env) claims() *claim.Store {
	c := e.cfg.Claim
	return claim.NewStore(e.cfg.Paths.ClaimsDir(e.base),
		claim.WithHeartbeats(e.progress()),
		claim.WithAbandonPolicy(claim.AbandonPolicy{
			OwnerPrefixes: c.OwnerPrefixes,
			Heartbeat:     c.HeartbeatStale(),
			Age:           c.AbandonAge(),
		}),
		claim.WithMaxAttempts(c.MaxAttempts),
		claim.WithRecorder(e.audit()),
		claim.WithLogger(e.logger),
	)
}

func (e *env) tracker() *tracker.GitHub {
	opts := []tracker.GitHubOption{tracker.WithExclusiveGroups(e.cfg.Tracker.ExclusiveGroups)}
	if e.cfg.Tracker.Repo != "" {
		opts = append(opts, tracker.WithRepo(e.cfg.Tracker.Repo))
	}
	return tracker.NewGitHub(opts...)
}

func (e *env) host() *tmux.Sessions {
	return tmux.NewSessions(e.cfg.Tmux.Socket, tmux.WithGracefulStop(e.cfg.Tmux.GracefulStop()))
}

func (e *env) worktrees() (*worktree.Manager, error) {
	return worktree.New(e.base, worktree.WithRoot(e.cfg.Paths.ResolveWorktreeDir(e.base)))
}

// thresholds converts the configured stuck thresholds. The milestone table
// always comes from the defaults.
func (e *env) thresholds() stuck.Thresholds {
	s := e.cfg.Stuck
	th := stuck.DefaultThresholds()
	th.IdleTimeout = seconds(s.IdleTimeoutSeconds)
	th.HeartbeatStale = seconds(s.HeartbeatStaleSeconds)
	th.ExtendedWork = seconds(s.ExtendedWorkSeconds)
	th.LoopRepeats = s.LoopRepeats
	th.ErrorSpike = s.ErrorSpike
	return th
}

func (e *env) stuckHistory() *stuck.History {
	h := stuck.NewHistory(e.cfg.Stuck.HistorySize, e.logger)
	if err := h.Load(e.cfg.Paths.StuckHistoryFile(e.base)); err != nil {
		e.logger.Warn("ignoring unreadable stuck history", "error", err)
	}
	return h
}

// telemetry installs the exporters when an endpoint is configured and
// returns the fleet instruments along with the shutdown hook.
func (e *env) telemetry(ctx context.Context) (*telemetry.Instruments, telemetry.Shutdown, error) {
	t := e.cfg.Telemetry
	shutdown, err := telemetry.Init(ctx, t.Endpoint, t.ServiceName, Version, t.Insecure)
	if err != nil {
		return nil, nil, err
	}
	in, err := telemetry.NewInstruments(telemetry.Meter(telemetry.Scope))
	if err != nil {
		_ = shutdown(ctx)
		return nil, nil, err
	}
	return in, shutdown, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
