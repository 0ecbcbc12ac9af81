package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

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

// ErrIterationInProgress is returned when Iterate is called while another
// iteration is still running.
var ErrIterationInProgress = errors.New("scheduler iteration already in progress")

// Worktrees is the part of the worktree manager the scheduler needs to keep
// a failed worker's progress available to its successor.
type Worktrees interface {
	Path(issue int) string
	PreserveWork(path, message string) (worktree.Preserved, error)
	Discard(issue int) (bool, error)
}

// Deps are the scheduler's collaborators. Worktrees and Audit are optional.
type Deps struct {
	Tracker   tracker.Tracker
	Host      tmux.Host
	Claims    *claim.Store
	Progress  *progress.Store
	Worktrees Worktrees
	Audit     audit.Recorder
}

// Settings is the scheduler's resolved configuration.
type Settings struct {
	StatePath       string
	RepoDir         string
	LogDir          string
	MaxShepherds    int
	Mode            string
	ShepherdCommand []string
	AgentCommand    []string
	Roles           []config.RoleConfig
	PausedReclaim   time.Duration
	OutputWindow    int
	Retry           config.RetryConfig
	// DecomposeLabel addresses decomposition issues to the planning role.
	DecomposeLabel string
}

// SettingsFrom resolves Settings from cfg with state under baseDir.
func SettingsFrom(cfg *config.Config, baseDir string) Settings {
	return Settings{
		StatePath:       cfg.Paths.DaemonStateFile(baseDir),
		RepoDir:         baseDir,
		LogDir:          cfg.Paths.LogDir(baseDir),
		MaxShepherds:    cfg.Scheduler.MaxShepherds,
		Mode:            cfg.Shepherd.Mode,
		ShepherdCommand: cfg.Scheduler.ShepherdCommand,
		AgentCommand:    cfg.Shepherd.AgentCommand,
		Roles:           cfg.Scheduler.Roles,
		PausedReclaim:   cfg.Scheduler.PausedReclaim(),
		OutputWindow:    cfg.Stuck.OutputWindow,
		Retry:           cfg.Retry,
		DecomposeLabel:  tracker.LabelArchitect,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithInstruments records fleet metrics into in.
func WithInstruments(in *telemetry.Instruments) Option {
	return func(s *Scheduler) { s.metrics = in }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithStuckRunner sets the detector runner used for shepherd slots.
func WithStuckRunner(r *stuck.Runner) Option {
	return func(s *Scheduler) { s.workerStuck = r }
}

// WithRoleStuckRunner sets the detector runner used for support-role
// sessions, which carry no progress report.
func WithRoleStuckRunner(r *stuck.Runner) Option {
	return func(s *Scheduler) { s.roleStuck = r }
}

// Scheduler runs fleet iterations. Iterations never overlap.
type Scheduler struct {
	cfg    Settings
	deps   Deps
	policy Policy

	logger      *logging.Logger
	metrics     *telemetry.Instruments
	tracer      trace.Tracer
	now         func() time.Time
	workerStuck *stuck.Runner
	roleStuck   *stuck.Runner

	mu sync.Mutex
}

// New creates a Scheduler.
func New(cfg Settings, deps Deps, opts ...Option) (*Scheduler, error) {
	if deps.Tracker == nil || deps.Host == nil || deps.Claims == nil || deps.Progress == nil {
		return nil, errors.New("scheduler: tracker, host, claims and progress are required")
	}
	if cfg.StatePath == "" {
		return nil, errors.New("scheduler: state path is required")
	}
	if cfg.MaxShepherds <= 0 {
		return nil, fmt.Errorf("scheduler: max shepherds must be positive, got %d", cfg.MaxShepherds)
	}
	if len(cfg.ShepherdCommand) == 0 {
		return nil, errors.New("scheduler: shepherd command is required")
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard
	}
	if cfg.DecomposeLabel == "" {
		cfg.DecomposeLabel = tracker.LabelArchitect
	}
	if cfg.OutputWindow <= 0 {
		cfg.OutputWindow = stuck.DefaultOutputWindow
	}

	th := stuck.DefaultThresholds()
	s := &Scheduler{
		cfg:         cfg,
		deps:        deps,
		policy:      NewPolicy(cfg.Retry),
		logger:      logging.NopLogger(),
		tracer:      telemetry.Tracer(telemetry.Scope),
		now:         time.Now,
		workerStuck: stuck.NewRunner(th),
		roleStuck: stuck.NewRunner(th, stuck.WithDetectors(
			stuck.Detector{Name: "idle_timeout", Check: stuck.IdleTimeout},
			stuck.Detector{Name: "loop", Check: stuck.Loop},
			stuck.Detector{Name: "error_spike", Check: stuck.ErrorSpike},
		)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Policy returns the retry policy in use.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// Summary reports what one iteration did.
type Summary struct {
	Iteration      int64         `json:"iteration"`
	Spawned        []int         `json:"spawned,omitempty"`
	Queued         []int         `json:"queued,omitempty"`
	Rejected       []int         `json:"rejected,omitempty"`
	Completed      []int         `json:"completed,omitempty"`
	Reclaimed      []int         `json:"reclaimed,omitempty"`
	Paused         []int         `json:"paused,omitempty"`
	Retried        []int         `json:"retried,omitempty"`
	Escalated      []int         `json:"escalated,omitempty"`
	Decompositions []int         `json:"decompositions,omitempty"`
	Roles          []string      `json:"roles,omitempty"`
	FreeSlots      int           `json:"free_slots"`
	Pending        int           `json:"pending"`
	Duration       time.Duration `json:"duration_ns"`
}

// Iterate runs one full iteration: load the state document, snapshot the
// world, reconcile slots, drain the queue, run support roles, retry or
// escalate blocked issues, spawn for ready issues, and rewrite the state.
func (s *Scheduler) Iterate(ctx context.Context) (Summary, error) {
	if !s.mu.TryLock() {
		return Summary{}, ErrIterationInProgress
	}
	defer s.mu.Unlock()

	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "scheduler.iterate")
	defer span.End()

	st, err := LoadState(s.cfg.StatePath, s.cfg.MaxShepherds)
	if err != nil {
		return Summary{}, err
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return Summary{}, err
	}

	st.Iteration++
	sum := &Summary{Iteration: st.Iteration}
	span.SetAttributes(attribute.Int64("herd.iteration", st.Iteration))
	log := s.logger.With("iteration", st.Iteration)

	s.reconcile(ctx, st, snap, sum)
	s.drain(ctx, st, sum)
	s.runRoles(ctx, st, snap, sum)
	s.resumeDecompositions(st, sum)
	s.retryBlocked(ctx, st, snap, sum)
	s.spawnReady(ctx, st, snap, sum)

	st.UpdatedAt = snap.Now
	sum.FreeSlots = st.FreeSlots()
	sum.Pending = len(st.Pending)
	if err := st.Save(s.cfg.StatePath); err != nil {
		return *sum, fmt.Errorf("save daemon state: %w", err)
	}

	sum.Duration = time.Since(started)
	s.metrics.IterationDone(ctx, sum.Duration)
	log.Info("iteration complete",
		"spawned", len(sum.Spawned), "queued", len(sum.Queued), "completed", len(sum.Completed),
		"retried", len(sum.Retried), "escalated", len(sum.Escalated),
		"free_slots", sum.FreeSlots, "pending", sum.Pending, "oldest_pending", queueAge(st, snap.Now))
	return *sum, nil
}

func (s *Scheduler) record(kind audit.Kind, issue int, detail map[string]any) {
	if err := s.deps.Audit.Record(audit.Event{At: s.now().UTC(), Kind: kind, Issue: issue, Actor: "scheduler", Detail: detail}); err != nil {
		s.logger.Error("failed to write audit event", "kind", string(kind), "issue", issue, "error", err)
	}
}

func (s *Scheduler) comment(issue int, body string) {
	if err := s.deps.Tracker.Comment(issue, body); err != nil {
		s.logger.WithIssue(issue).Warn("failed to post comment", "error", err)
	}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func sortedIssues(issues []tracker.Issue) []tracker.Issue {
	out := slices.Clone(issues)
	slices.SortFunc(out, func(a, b tracker.Issue) int { return a.Number - b.Number })
	return out
}
