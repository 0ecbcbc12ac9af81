package shepherd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/herd/internal/claim"
	"github.com/Iron-Ham/herd/internal/config"
	"github.com/Iron-Ham/herd/internal/logging"
	"github.com/Iron-Ham/herd/internal/progress"
	"github.com/Iron-Ham/herd/internal/telemetry"
	"github.com/Iron-Ham/herd/internal/tracker"
)

// waitModeWarning is emitted once per process.
var waitModeWarning sync.Once

// NewTaskID returns a fresh shepherd task id. The "shepherd-" prefix is what
// makes an abandoned shepherd's claim recognisable to the claim store.
func NewTaskID() string {
	return "shepherd-" + uuid.NewString()[:8]
}

// AgentLogPath is where a task's agent output is captured.
func AgentLogPath(logDir, taskID string) string {
	return filepath.Join(logDir, "agents", taskID+".log")
}

// AbortMarker is the per-issue abort file checked between phases.
func AbortMarker(abortDir string, issue int) string {
	return filepath.Join(abortDir, "issue-"+strconv.Itoa(issue))
}

// Worktrees provides the working copy a shepherd builds in.
type Worktrees interface {
	Ensure(issue int) (path, branch string, err error)
	RepoDir() string
}

// Deps are the collaborators every run needs.
type Deps struct {
	Tracker   tracker.Tracker
	Agent     Agent
	Claims    *claim.Store
	Progress  *progress.Store
	Worktrees Worktrees
}

// Timeouts bound the waiting and agent phases. Zero disables a bound.
type Timeouts struct {
	Approval time.Duration
	Phase    time.Duration
	Merge    time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithTaskID sets the task id, which is also the claim owner.
func WithTaskID(id string) Option {
	return func(r *Runner) { r.taskID = id }
}

// WithMode selects default, force or wait mode.
func WithMode(mode string) Option {
	return func(r *Runner) { r.mode = mode }
}

// WithStartFrom skips the ordinal phases before p.
func WithStartFrom(p Phase) Option {
	return func(r *Runner) { r.startFrom = p }
}

// WithMaxDoctorIterations bounds the JUDGE/DOCTOR loop.
func WithMaxDoctorIterations(n int) Option {
	return func(r *Runner) { r.maxDoctor = n }
}

// WithReproCheck enables the reproducibility check before building. A nil
// runner disables it.
func WithReproCheck(runner CommandRunner) Option {
	return func(r *Runner) { r.commands = runner }
}

// WithTimeouts replaces the phase bounds.
func WithTimeouts(t Timeouts) Option {
	return func(r *Runner) { r.timeouts = t }
}

// WithIntervals sets the poll and heartbeat periods.
func WithIntervals(poll, heartbeat time.Duration) Option {
	return func(r *Runner) {
		if poll > 0 {
			r.pollInterval = poll
		}
		if heartbeat > 0 {
			r.heartbeatInterval = heartbeat
		}
	}
}

// WithClaimTTL sets the initial claim lifetime and the lifetime each
// heartbeat tops the claim back up to.
func WithClaimTTL(ttl, extend time.Duration) Option {
	return func(r *Runner) {
		r.claimTTL = ttl
		r.claimExtend = extend
	}
}

// WithShutdownFiles sets the global stop flag and the abort marker directory.
func WithShutdownFiles(stopFlag, abortDir string) Option {
	return func(r *Runner) {
		r.stopFlag = stopFlag
		r.abortDir = abortDir
	}
}

// WithLogDir sets where agent output is captured.
func WithLogDir(dir string) Option {
	return func(r *Runner) { r.logDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithInstruments records phase durations into in.
func WithInstruments(in *telemetry.Instruments) Option {
	return func(r *Runner) { r.metrics = in }
}

// WithClock overrides the time source used for timings.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// Result is the outcome of a run.
type Result struct {
	TaskID  string   `json:"task_id"`
	Issue   int      `json:"issue"`
	Exit    ExitCode `json:"exit_code"`
	Outcome string   `json:"outcome"`
	Reason  string   `json:"reason,omitempty"`
	PR      int      `json:"pr,omitempty"`
	Timings Summary  `json:"timings"`
}

// outcome ends a run early. block parks the issue in the blocked label so
// the scheduler's retry pipeline picks it up.
type outcome struct {
	exit   ExitCode
	phase  Phase
	reason string
	block  bool
}

func (o *outcome) String() string {
	if o.reason == "" {
		return o.exit.String()
	}
	return o.exit.String() + ": " + o.reason
}

// Runner shepherds one issue. A Runner is used for exactly one Run.
type Runner struct {
	issue int
	deps  Deps

	taskID            string
	mode              string
	startFrom         Phase
	maxDoctor         int
	commands          CommandRunner
	timeouts          Timeouts
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	claimTTL          time.Duration
	claimExtend       time.Duration
	stopFlag          string
	abortDir          string
	logDir            string

	logger  *logging.Logger
	metrics *telemetry.Instruments
	tracer  trace.Tracer
	now     func() time.Time

	writer  *progress.Writer
	timings Timings
	pr      int
	workDir string
}

// New creates a Runner for issue.
func New(issue int, deps Deps, opts ...Option) (*Runner, error) {
	if issue <= 0 {
		return nil, fmt.Errorf("%w: %d", claim.ErrInvalidIssue, issue)
	}
	if deps.Tracker == nil || deps.Agent == nil || deps.Claims == nil || deps.Progress == nil || deps.Worktrees == nil {
		return nil, errors.New("shepherd: tracker, agent, claims, progress and worktrees are required")
	}
	r := &Runner{
		issue:             issue,
		deps:              deps,
		mode:              config.ModeDefault,
		maxDoctor:         3,
		pollInterval:      30 * time.Second,
		heartbeatInterval: 30 * time.Second,
		claimTTL:          30 * time.Minute,
		claimExtend:       30 * time.Minute,
		timeouts:          Timeouts{Approval: 24 * time.Hour, Phase: time.Hour, Merge: 24 * time.Hour},
		logger:            logging.NopLogger(),
		tracer:            telemetry.Tracer(telemetry.Scope),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.taskID == "" {
		r.taskID = NewTaskID()
	}
	if r.logDir == "" {
		r.logDir = filepath.Join(deps.Progress.Dir(), "..", "logs")
	}
	r.logger = r.logger.WithIssue(issue).WithWorker(r.taskID)
	return r, nil
}

// TaskID returns the run's task id.
func (r *Runner) TaskID() string {
	return r.taskID
}

// Timings returns the entries recorded so far.
func (r *Runner) Timings() []Timing {
	return r.timings.Entries()
}

// Run shepherds the issue to an outcome. The returned error is non-nil only
// when the run could not start, most often because the issue is already
// claimed; every other failure is reported through Result.Exit.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "shepherd.run", trace.WithAttributes(
		attribute.Int("herd.issue", r.issue),
		attribute.String("herd.task_id", r.taskID),
		attribute.String("herd.mode", r.mode),
	))
	defer span.End()

	res := Result{TaskID: r.taskID, Issue: r.issue}

	c, err := r.deps.Claims.Acquire(r.issue, r.taskID, r.claimTTL)
	if err != nil {
		res.Exit = ExitErrored
		res.Outcome = res.Exit.String()
		span.RecordError(err)
		return res, fmt.Errorf("claim issue #%d: %w", r.issue, err)
	}
	defer func() {
		if err := r.deps.Claims.Release(r.issue, r.taskID); err != nil && !errors.Is(err, claim.ErrNotFound) {
			r.logger.Warn("failed to release claim", "error", err)
		}
	}()

	r.writer = r.deps.Progress.NewWriter(r.taskID, r.issue)
	r.writer.SetClock(r.now)
	if err := r.writer.Start(progress.Started{Mode: r.mode, StartFrom: string(r.startFrom)}); err != nil {
		r.logger.Error("failed to write progress", "error", err)
	}

	if r.mode == config.ModeWait {
		waitModeWarning.Do(func() {
			r.logger.Warn("wait mode is deprecated; use force to auto-merge or default to leave the merge to a human")
		})
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		r.heartbeat(hbCtx, c)
	}()

	out := r.runPhases(ctx)

	stopHeartbeat()
	hbWG.Wait()

	r.finish(out)

	res.Exit = out.exit
	res.Outcome = out.exit.String()
	res.Reason = out.reason
	res.PR = r.pr
	res.Timings = r.timings.Summary()
	if out.exit != ExitSuccess {
		span.SetStatus(codes.Error, out.String())
	}
	r.logger.Info("shepherd finished", "outcome", res.Outcome, "reason", res.Reason,
		"phases", res.Timings.Executed, "total", res.Timings.Total.String())
	return res, nil
}

// heartbeat refreshes the progress heartbeat and keeps the claim topped up
// to claimExtend from now.
func (r *Runner) heartbeat(ctx context.Context, c claim.Claim) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := r.writer.Heartbeat(); err != nil {
			r.logger.Warn("heartbeat write failed", "error", err)
		}
		remaining := c.Remaining(time.Now())
		if remaining >= r.claimExtend/2 {
			continue
		}
		extended, err := r.deps.Claims.Extend(r.issue, r.taskID, r.claimExtend-remaining)
		if err != nil {
			// Losing the claim mid-run is logged; the run continues and the
			// scheduler sorts out the overlap through the progress reports.
			r.logger.Error("failed to extend claim", "error", err)
			continue
		}
		c = extended
	}
}

type step struct {
	phase Phase
	run   func(context.Context) *outcome
}

func (r *Runner) runPhases(ctx context.Context) *outcome {
	issue, err := r.deps.Tracker.GetIssue(r.issue)
	if err != nil {
		return &outcome{exit: ExitErrored, phase: PhaseCurator, reason: fmt.Sprintf("load issue: %v", err)}
	}
	if !issue.Open() {
		return &outcome{exit: ExitErrored, phase: PhaseCurator, reason: "issue is closed"}
	}

	steps := []step{
		{PhaseCurator, r.curate},
		{PhaseApproval, r.awaitApproval},
		{PhaseBuilder, r.build},
		{PhaseJudge, r.review},
		{PhaseMerge, r.merge},
	}
	for _, s := range steps {
		if out := r.checkStop(ctx, s.phase); out != nil {
			return out
		}
		if ShouldSkip(s.phase, r.startFrom) {
			r.logger.Info("skipping phase", "phase", string(s.phase), "start_from", string(r.startFrom))
			continue
		}
		phaseCtx, span := r.tracer.Start(ctx, "shepherd."+string(s.phase))
		out := s.run(phaseCtx)
		if out != nil {
			span.SetStatus(codes.Error, out.String())
		}
		span.End()
		if out != nil {
			return out
		}
	}
	return &outcome{exit: ExitSuccess}
}

// checkStop is consulted before every phase transition.
func (r *Runner) checkStop(ctx context.Context, next Phase) *outcome {
	if ctx.Err() != nil {
		return &outcome{exit: ExitSignal, phase: next, reason: "interrupted"}
	}
	if r.stopFlag != "" {
		if _, err := os.Stat(r.stopFlag); err == nil {
			return &outcome{exit: ExitSignal, phase: next, reason: "stop flag set"}
		}
	}
	if r.abortDir != "" {
		if _, err := os.Stat(AbortMarker(r.abortDir, r.issue)); err == nil {
			return &outcome{exit: ExitSignal, phase: next, reason: "abort requested"}
		}
	}
	return nil
}

func (r *Runner) record(ev progress.Event) {
	if err := r.writer.Record(ev); err != nil {
		r.logger.Error("failed to write progress", "error", err, "milestone", string(ev.Kind()))
	}
}

// complete closes a phase attempt that started at start.
func (r *Runner) complete(ctx context.Context, phase Phase, attempt int, start time.Time, status string) {
	e := r.timings.Add(phase, attempt, start, r.now(), status)
	r.record(progress.PhaseCompleted{Phase: string(phase), Attempt: attempt, Status: status, Duration: e.Duration})
	r.metrics.PhaseDone(ctx, string(phase), status, e.Duration)
	r.logger.WithPhase(string(phase)).Info("phase completed", "attempt", attempt, "status", status, "duration", e.Duration.String())
}

func (r *Runner) skip(phase Phase, note string) {
	r.timings.Skip(phase, r.now(), note)
	r.record(progress.PhaseCompleted{Phase: string(phase), Attempt: 1, Status: StatusSkipped})
	r.logger.WithPhase(string(phase)).Info("phase skipped", "reason", note)
}

// runAgent runs phase's agent. On failure it closes the attempt itself and
// returns the outcome that ends the run.
func (r *Runner) runAgent(ctx context.Context, phase Phase, attempt int) (time.Time, *outcome) {
	start := r.now()
	r.record(progress.PhaseEntered{Phase: string(phase), Attempt: attempt})

	agentCtx := ctx
	if r.timeouts.Phase > 0 {
		var cancel context.CancelFunc
		agentCtx, cancel = context.WithTimeout(ctx, r.timeouts.Phase)
		defer cancel()
	}

	workDir := r.workDir
	if workDir == "" {
		workDir = r.deps.Worktrees.RepoDir()
	}
	res, err := r.deps.Agent.Run(agentCtx, AgentRequest{
		TaskID:  r.taskID,
		Issue:   r.issue,
		PR:      r.pr,
		Phase:   phase,
		Attempt: attempt,
		Prompt:  Prompt(phase, r.issue, r.pr),
		WorkDir: workDir,
		LogPath: AgentLogPath(r.logDir, r.taskID),
	})

	fail := func(exit ExitCode, status, reason string) (time.Time, *outcome) {
		r.complete(ctx, phase, attempt, start, status)
		return start, &outcome{exit: exit, phase: phase, reason: reason, block: exit != ExitSignal}
	}

	switch {
	case errors.Is(err, ErrAgentNotFound):
		return fail(ExitSessionNotFound, StatusFailed, err.Error())
	case err != nil && ctx.Err() != nil:
		return fail(ExitSignal, StatusAborted, "interrupted")
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		return fail(ExitTimeout, StatusTimeout, fmt.Sprintf("phase %s timeout after %s", phase, r.timeouts.Phase))
	case err != nil:
		return fail(ExitErrored, StatusFailed, err.Error())
	case res.BudgetExhausted:
		r.record(progress.BudgetExhausted{Phase: string(phase), Detail: res.Detail})
		return fail(ExitBudgetExhausted, StatusBudgetExhausted, "agent session budget exhausted")
	case res.ExitCode != 0:
		reason := fmt.Sprintf("%s agent exited with status %d", phase.Role(), res.ExitCode)
		if res.Detail != "" {
			reason += ": " + res.Detail
		}
		return fail(ExitErrored, StatusFailed, reason)
	}
	return start, nil
}

func (r *Runner) curate(ctx context.Context) *outcome {
	issue, err := r.deps.Tracker.GetIssue(r.issue)
	if err != nil {
		return &outcome{exit: ExitErrored, phase: PhaseCurator, reason: err.Error(), block: true}
	}
	if issue.HasAnyLabel(tracker.LabelCurated, tracker.LabelIssue, tracker.LabelBuilding) {
		r.skip(PhaseCurator, "already curated")
		return nil
	}

	start, out := r.runAgent(ctx, PhaseCurator, 1)
	if out != nil {
		return out
	}
	issue, err = r.deps.Tracker.GetIssue(r.issue)
	if err != nil {
		r.complete(ctx, PhaseCurator, 1, start, StatusFailed)
		return &outcome{exit: ExitErrored, phase: PhaseCurator, reason: err.Error(), block: true}
	}
	if !issue.HasAnyLabel(tracker.LabelCurated, tracker.LabelIssue) {
		r.complete(ctx, PhaseCurator, 1, start, StatusFailed)
		return &outcome{exit: ExitErrored, phase: PhaseCurator, reason: "curator finished without marking the issue curated", block: true}
	}
	r.complete(ctx, PhaseCurator, 1, start, StatusSuccess)
	return nil
}

func approved(issue tracker.Issue) bool {
	return issue.HasAnyLabel(tracker.LabelIssue, tracker.LabelBuilding)
}

// awaitApproval returns at once when the issue is already approved and
// produces a timing entry only when it actually had to wait.
func (r *Runner) awaitApproval(ctx context.Context) *outcome {
	issue, err := r.deps.Tracker.GetIssue(r.issue)
	if err != nil {
		return &outcome{exit: ExitErrored, phase: PhaseApproval, reason: err.Error()}
	}
	if approved(issue) {
		return nil
	}
	if r.mode == config.ModeForce {
		if err := r.deps.Tracker.SwapLabel(r.issue, tracker.LabelIssue); err != nil {
			return &outcome{exit: ExitErrored, phase: PhaseApproval, reason: fmt.Sprintf("self-approve: %v", err)}
		}
		r.logger.Info("force mode: self-approved issue")
		return nil
	}

	start := r.now()
	r.record(progress.PhaseEntered{Phase: string(PhaseApproval), Attempt: 1})
	r.logger.Info("waiting for approval", "label", tracker.LabelIssue)

	var stop *outcome
	err = Poll(ctx, r.pollInterval, r.timeouts.Approval, func(ctx context.Context) (bool, error) {
		if stop = r.checkStop(ctx, PhaseApproval); stop != nil {
			return true, nil
		}
		issue, err := r.deps.Tracker.GetIssue(r.issue)
		if err != nil {
			if tracker.IsTransient(err) {
				return false, nil
			}
			return false, err
		}
		if !issue.Open() {
			return false, errors.New("issue was closed while awaiting approval")
		}
		return approved(issue), nil
	})
	switch {
	case stop != nil:
		r.complete(ctx, PhaseApproval, 1, start, StatusAborted)
		return stop
	case errors.Is(err, ErrPollTimeout):
		r.complete(ctx, PhaseApproval, 1, start, StatusTimeout)
		return &outcome{exit: ExitTimeout, phase: PhaseApproval, reason: "approval not granted within " + r.timeouts.Approval.String()}
	case err != nil && ctx.Err() != nil:
		r.complete(ctx, PhaseApproval, 1, start, StatusAborted)
		return &outcome{exit: ExitSignal, phase: PhaseApproval, reason: "interrupted"}
	case err != nil:
		r.complete(ctx, PhaseApproval, 1, start, StatusFailed)
		return &outcome{exit: ExitErrored, phase: PhaseApproval, reason: err.Error()}
	}
	r.complete(ctx, PhaseApproval, 1, start, StatusApproved)
	return nil
}

func (r *Runner) ensureWorktree() *outcome {
	if r.workDir != "" {
		return nil
	}
	path, _, err := r.deps.Worktrees.Ensure(r.issue)
	if err != nil {
		return &outcome{exit: ExitErrored, phase: PhaseBuilder, reason: fmt.Sprintf("prepare worktree: %v", err), block: true}
	}
	r.workDir = path
	return nil
}

func (r *Runner) build(ctx context.Context) *outcome {
	if err := r.deps.Tracker.SwapLabel(r.issue, tracker.LabelBuilding); err != nil {
		return &outcome{exit: ExitErrored, phase: PhaseBuilder, reason: fmt.Sprintf("claim label: %v", err)}
	}
	if out := r.ensureWorktree(); out != nil {
		return out
	}

	if pr, ok, err := r.deps.Tracker.FindPRForIssue(r.issue); err == nil && ok {
		r.pr = pr.Number
		r.skip(PhaseBuilder, fmt.Sprintf("pull request #%d already open", pr.Number))
		r.record(progress.PRCreated{Number: pr.Number, URL: pr.URL})
		return nil
	}

	if r.commands != nil {
		if out, done := r.reproduce(ctx); done {
			return out
		}
	}

	start, out := r.runAgent(ctx, PhaseBuilder, 1)
	if out != nil {
		return out
	}
	pr, ok, err := r.deps.Tracker.FindPRForIssue(r.issue)
	if err != nil || !ok {
		r.complete(ctx, PhaseBuilder, 1, start, StatusFailed)
		reason := "builder finished without opening a pull request"
		if err != nil {
			reason = fmt.Sprintf("find pull request: %v", err)
		}
		return &outcome{exit: ExitErrored, phase: PhaseBuilder, reason: reason, block: true}
	}
	r.pr = pr.Number
	r.record(progress.PRCreated{Number: pr.Number, URL: pr.URL})
	if !pr.HasLabel(tracker.LabelReviewRequested) && !pr.HasLabel(tracker.LabelChangesRequested) && !pr.HasLabel(tracker.LabelPR) {
		if err := r.deps.Tracker.SwapPRLabel(pr.Number, tracker.LabelReviewRequested); err != nil {
			r.complete(ctx, PhaseBuilder, 1, start, StatusFailed)
			return &outcome{exit: ExitErrored, phase: PhaseBuilder, reason: fmt.Sprintf("request review: %v", err), block: true}
		}
	}
	r.complete(ctx, PhaseBuilder, 1, start, StatusSuccess)
	return nil
}

// reproduce runs the issue's own tests on the untouched tree. done is true
// when the run should end here because there is nothing to change.
func (r *Runner) reproduce(ctx context.Context) (*outcome, bool) {
	issue, err := r.deps.Tracker.GetIssue(r.issue)
	if err != nil {
		r.logger.Warn("skipping reproducibility check", "error", err)
		return nil, false
	}
	cmds := ExtractTestCommands(issue)
	if len(cmds) == 0 {
		return nil, false
	}
	rep, err := ReproCheck(ctx, r.commands, r.workDir, cmds)
	if err != nil {
		return &outcome{exit: ExitSignal, phase: PhaseBuilder, reason: "interrupted"}, true
	}
	if !rep.NoChangesNeeded() {
		r.logger.Info("reproducibility check did not pass twice; building", "passes", rep.Passes)
		return nil, false
	}

	r.skip(PhaseBuilder, "no changes needed")
	body := fmt.Sprintf("herd: the test commands from this issue pass twice on the current default branch, "+
		"so no changes were made.\n\nCommands run:\n```\n%s\n```", strings.Join(cmds, "\n"))
	if err := r.deps.Tracker.Comment(r.issue, body); err != nil {
		r.logger.Warn("failed to post no-changes comment", "error", err)
	}
	if err := r.deps.Tracker.EditLabels(r.issue, nil, []string{tracker.LabelBuilding}); err != nil {
		r.logger.Warn("failed to clear building label", "error", err)
	}
	return &outcome{exit: ExitSuccess, phase: PhaseBuilder, reason: "no changes needed"}, true
}

// review runs JUDGE, and DOCTOR followed by JUDGE again while changes are
// requested, until approval, the doctor cap, or a failure.
func (r *Runner) review(ctx context.Context) *outcome {
	if r.pr == 0 {
		pr, ok, err := r.deps.Tracker.FindPRForIssue(r.issue)
		if err != nil || !ok {
			return &outcome{exit: ExitErrored, phase: PhaseJudge, reason: "no open pull request closes this issue", block: true}
		}
		r.pr = pr.Number
	}
	if out := r.ensureWorktree(); out != nil {
		return out
	}

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if out := r.checkStop(ctx, PhaseJudge); out != nil {
				return out
			}
		}
		start, out := r.runAgent(ctx, PhaseJudge, attempt)
		if out != nil {
			return out
		}
		pr, err := r.deps.Tracker.GetPR(r.pr)
		if err != nil {
			r.complete(ctx, PhaseJudge, attempt, start, StatusFailed)
			return &outcome{exit: ExitErrored, phase: PhaseJudge, reason: err.Error(), block: true}
		}

		var status string
		switch {
		case pr.HasLabel(tracker.LabelPR):
			status = StatusApproved
		case pr.HasLabel(tracker.LabelChangesRequested):
			status = StatusChangesRequested
		default:
			r.complete(ctx, PhaseJudge, attempt, start, StatusFailed)
			return &outcome{exit: ExitErrored, phase: PhaseJudge, reason: "judge finished without a verdict label", block: true}
		}
		r.record(progress.ReviewVerdict{Verdict: status, Attempt: attempt})
		r.complete(ctx, PhaseJudge, attempt, start, status)
		if status == StatusApproved {
			return nil
		}

		if doctors := attempt - 1; doctors >= r.maxDoctor {
			reason := fmt.Sprintf("changes still requested after %d doctor iterations", doctors)
			r.record(progress.Blocked{Reason: reason})
			return &outcome{exit: ExitStuck, phase: PhaseDoctor, reason: reason, block: true}
		}

		if out := r.checkStop(ctx, PhaseDoctor); out != nil {
			return out
		}
		start, out = r.runAgent(ctx, PhaseDoctor, attempt)
		if out != nil {
			return out
		}
		pr, err = r.deps.Tracker.GetPR(r.pr)
		if err == nil && !pr.HasLabel(tracker.LabelReviewRequested) {
			err = r.deps.Tracker.SwapPRLabel(r.pr, tracker.LabelReviewRequested)
		}
		if err != nil {
			r.complete(ctx, PhaseDoctor, attempt, start, StatusFailed)
			return &outcome{exit: ExitErrored, phase: PhaseDoctor, reason: fmt.Sprintf("request re-review: %v", err), block: true}
		}
		r.complete(ctx, PhaseDoctor, attempt, start, StatusFixed)
	}
}

func (r *Runner) merge(ctx context.Context) *outcome {
	switch r.mode {
	case config.ModeForce:
		start := r.now()
		r.record(progress.PhaseEntered{Phase: string(PhaseMerge), Attempt: 1})
		if err := r.deps.Tracker.MergePR(r.pr); err != nil {
			r.complete(ctx, PhaseMerge, 1, start, StatusFailed)
			return &outcome{exit: ExitErrored, phase: PhaseMerge, reason: fmt.Sprintf("merge #%d: %v", r.pr, err), block: true}
		}
		r.complete(ctx, PhaseMerge, 1, start, StatusMerged)
		return nil

	case config.ModeWait:
		start := r.now()
		r.record(progress.PhaseEntered{Phase: string(PhaseMerge), Attempt: 1})
		var stop *outcome
		err := Poll(ctx, r.pollInterval, r.timeouts.Merge, func(ctx context.Context) (bool, error) {
			if stop = r.checkStop(ctx, PhaseMerge); stop != nil {
				return true, nil
			}
			pr, err := r.deps.Tracker.GetPR(r.pr)
			if err != nil {
				return false, nil
			}
			if pr.State == tracker.StateClosed {
				return false, fmt.Errorf("pull request #%d was closed without merging", r.pr)
			}
			return pr.State == tracker.StateMerged, nil
		})
		switch {
		case stop != nil:
			r.complete(ctx, PhaseMerge, 1, start, StatusAborted)
			return stop
		case errors.Is(err, ErrPollTimeout):
			r.complete(ctx, PhaseMerge, 1, start, StatusTimeout)
			return &outcome{exit: ExitTimeout, phase: PhaseMerge, reason: "pull request not merged within " + r.timeouts.Merge.String()}
		case err != nil && ctx.Err() != nil:
			r.complete(ctx, PhaseMerge, 1, start, StatusAborted)
			return &outcome{exit: ExitSignal, phase: PhaseMerge, reason: "interrupted"}
		case err != nil:
			r.complete(ctx, PhaseMerge, 1, start, StatusFailed)
			return &outcome{exit: ExitErrored, phase: PhaseMerge, reason: err.Error(), block: true}
		}
		r.complete(ctx, PhaseMerge, 1, start, StatusMerged)
		return nil

	default:
		r.logger.Info("pull request approved; leaving the merge to a human", "pr", r.pr)
		return nil
	}
}

// finish records the final milestones and moves the issue's labels to match
// the outcome.
func (r *Runner) finish(out *outcome) {
	switch {
	case out.exit == ExitSuccess:
	case out.block:
		r.record(progress.Error{Phase: string(out.phase), Message: out.reason})
		if err := r.deps.Tracker.SwapLabel(r.issue, tracker.LabelBlocked); err != nil {
			r.logger.Error("failed to mark issue blocked", "error", err)
			r.record(progress.Error{Phase: string(out.phase), Message: fmt.Sprintf("mark blocked: %v", err)})
		} else {
			r.record(progress.Blocked{Reason: out.String()})
		}
		body := fmt.Sprintf("herd shepherd `%s` stopped in %s: %s", r.taskID, out.phase, out.String())
		if err := r.deps.Tracker.Comment(r.issue, body); err != nil {
			r.logger.Warn("failed to post outcome comment", "error", err)
		}
	case out.exit == ExitSignal:
		r.record(progress.Error{Phase: string(out.phase), Message: out.reason})
		issue, err := r.deps.Tracker.GetIssue(r.issue)
		if err == nil && issue.HasLabel(tracker.LabelBuilding) {
			if err := r.deps.Tracker.SwapLabel(r.issue, tracker.LabelIssue); err != nil {
				r.logger.Warn("failed to return issue to the queue", "error", err)
			}
		}
	default:
		r.record(progress.Error{Phase: string(out.phase), Message: out.reason})
	}
	r.record(progress.Completed{Outcome: out.exit.String(), ExitCode: int(out.exit)})
}
