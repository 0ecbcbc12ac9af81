package shepherd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/herd/internal/claim"
	"github.com/Iron-Ham/herd/internal/config"
	"github.com/Iron-Ham/herd/internal/failure"
	"github.com/Iron-Ham/herd/internal/progress"
	"github.com/Iron-Ham/herd/internal/tracker"
	"github.com/Iron-Ham/herd/internal/tracker/trackertest"
)

// stepClock advances one minute every time it is read.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

// scriptedAgent dispatches each phase to a handler and records the calls.
type scriptedAgent struct {
	mu       sync.Mutex
	handlers map[Phase]func(context.Context, AgentRequest) (AgentResult, error)
	calls    []AgentRequest
}

func newScriptedAgent() *scriptedAgent {
	return &scriptedAgent{handlers: make(map[Phase]func(context.Context, AgentRequest) (AgentResult, error))}
}

func (a *scriptedAgent) on(p Phase, fn func(context.Context, AgentRequest) (AgentResult, error)) *scriptedAgent {
	a.handlers[p] = fn
	return a
}

func (a *scriptedAgent) Run(ctx context.Context, req AgentRequest) (AgentResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	fn := a.handlers[req.Phase]
	a.mu.Unlock()
	if fn == nil {
		return AgentResult{}, nil
	}
	return fn(ctx, req)
}

func (a *scriptedAgent) phases() []Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Phase
	for _, c := range a.calls {
		out = append(out, c.Phase)
	}
	return out
}

type dirWorktrees struct{ dir string }

func (w dirWorktrees) Ensure(issue int) (string, string, error) {
	return w.dir, "herd/issue-42", nil
}

func (w dirWorktrees) RepoDir() string { return w.dir }

type harness struct {
	tracker  *trackertest.Fake
	agent    *scriptedAgent
	claims   *claim.Store
	progress *progress.Store
	state    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	state := t.TempDir()
	return &harness{
		tracker:  trackertest.New(),
		agent:    newScriptedAgent(),
		claims:   claim.NewStore(filepath.Join(state, "claims")),
		progress: progress.NewStore(filepath.Join(state, "progress")),
		state:    state,
	}
}

func (h *harness) runner(t *testing.T, opts ...Option) *Runner {
	t.Helper()
	base := []Option{
		WithTaskID("shepherd-test0001"),
		WithClock(newStepClock().Now),
		WithIntervals(5*time.Millisecond, time.Hour),
		WithLogDir(filepath.Join(h.state, "logs")),
	}
	r, err := New(42, Deps{
		Tracker:   h.tracker,
		Agent:     h.agent,
		Claims:    h.claims,
		Progress:  h.progress,
		Worktrees: dirWorktrees{dir: t.TempDir()},
	}, append(base, opts...)...)
	require.NoError(t, err)
	return r
}

func (h *harness) report(t *testing.T) progress.Report {
	t.Helper()
	rep, err := h.progress.Load("shepherd-test0001")
	require.NoError(t, err)
	return rep
}

// openPROnBuild makes the builder open pull request 100 for issue 42.
func (h *harness) openPROnBuild() {
	h.agent.on(PhaseBuilder, func(context.Context, AgentRequest) (AgentResult, error) {
		h.tracker.OpenPR(100, 42)
		return AgentResult{}, nil
	})
}

// verdicts makes the judge answer with the given PR labels in order; the
// last one repeats.
func (h *harness) verdicts(labels ...string) {
	var mu sync.Mutex
	i := 0
	h.agent.on(PhaseJudge, func(context.Context, AgentRequest) (AgentResult, error) {
		mu.Lock()
		label := labels[min(i, len(labels)-1)]
		i++
		mu.Unlock()
		return AgentResult{}, h.tracker.SwapPRLabel(100, label)
	})
}

type entry struct {
	Phase   Phase
	Attempt int
	Status  string
}

func entriesOf(s Summary) []entry {
	var out []entry
	for _, e := range s.Entries {
		out = append(out, entry{e.Phase, e.Attempt, e.Status})
	}
	return out
}

func TestRun_ForceModeApprovedIssue(t *testing.T) {
	h := newHarness(t)
	h.tracker.AddIssue(42, "Fix flaky claim test", tracker.LabelIssue)
	h.openPROnBuild()
	h.verdicts(tracker.LabelPR)

	res, err := h.runner(t, WithMode(config.ModeForce)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitSuccess, res.Exit)
	assert.Equal(t, 100, res.PR)

	want := []entry{
		{PhaseCurator, 1, StatusSkipped},
		{PhaseBuilder, 1, StatusSuccess},
		{PhaseJudge, 1, StatusApproved},
		{PhaseMerge, 1, StatusMerged},
	}
	if diff := cmp.Diff(want, entriesOf(res.Timings)); diff != "" {
		t.Errorf("timings mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, res.Timings.Executed)
	for _, e := range res.Timings.Entries {
		if e.Skipped {
			assert.Zero(t, e.Duration, "skip entries carry no duration")
		} else {
			assert.Greater(t, int64(e.Duration), int64(0), "%s should have a duration", e.Phase)
		}
	}

	assert.Contains(t, h.tracker.Calls(), "merge 100")
	issue, err := h.tracker.GetIssue(42)
	require.NoError(t, err)
	assert.False(t, issue.Open(), "merge closes the issue")

	_, err = h.claims.Check(42)
	assert.ErrorIs(t, err, claim.ErrNotFound, "claim is released when the run ends")

	rep := h.report(t)
	assert.Equal(t, "SUCCESS", rep.Outcome)
	assert.Equal(t, progress.StatusCompleted, rep.Status)
	assert.Equal(t, 100, rep.PRNumber)
	assert.True(t, rep.HasMilestone(progress.KindPRCreated))
}

func TestRun_ForceModeSelfApproves(t *testing.T) {
	h := newHarness(t)
	h.tracker.AddIssue(42, "Curated but unapproved", tracker.LabelCurated)
	h.openPROnBuild()
	h.verdicts(tracker.LabelPR)

	res, err := h.runner(t, WithMode(config.ModeForce)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.Exit)
	assert.Contains(t, h.tracker.Calls(), "swap 42 "+tracker.LabelIssue)
	assert.Zero(t, countPhase(res.Timings, PhaseApproval), "force approval does not wait")
}

func TestRun_StartFromJudgeSkipsEarlierPhases(t *testing.T) {
	h := newHarness(t)
	h.tracker.AddIssue(42, "Already built", tracker.LabelBuilding)
	h.tracker.OpenPR(100, 42, tracker.LabelReviewRequested)
	h.verdicts(tracker.LabelPR)

	res, err := h.runner(t, WithStartFrom(PhaseJudge)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitSuccess, res.Exit)
	assert.Equal(t, []Phase{PhaseJudge}, h.agent.phases())
	assert.Zero(t, countPhase(res.Timings, PhaseCurator))
	assert.Zero(t, countPhase(res.Timings, PhaseBuilder))
	assert.Zero(t, countPhase(res.Timings, PhaseMerge), "default mode leaves the merge to a human")
	assert.NotContains(t, h.tracker.Calls(), "merge 100")
}

func TestRun_JudgeDoctorJudge(t *testing.T) {
	h := newHarness(t)
	h.tracker.AddIssue(42, "Needs a second review", tracker.LabelIssue)
	h.openPROnBuild()
	h.verdicts(tracker.LabelChangesRequested, tracker.LabelPR)

	res, err := h.runner(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.Exit)

	want := []entry{
		{PhaseCurator, 1, StatusSkipped},
		{PhaseBuilder, 1, StatusSuccess},
		{PhaseJudge, 1, StatusChangesRequested},
		{PhaseDoctor, 1, StatusFixed},
		{PhaseJudge, 2, StatusApproved},
	}
	if diff := cmp.Diff(want, entriesOf(res.Timings)); diff != "" {
		t.Errorf("timings mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []Phase{PhaseBuilder, PhaseJudge, PhaseDoctor, PhaseJudge}, h.agent.phases())
	assert.Contains(t, h.agent.calls[1].Prompt, "/judge 100")
}

func TestRun_DoctorCapEndsStuck(t *testing.T) {
	h := newHarness(t)
	h.tracker.AddIssue(42, "Reviewer never satisfied", tracker.LabelBuilding)
	h.tracker.OpenPR(100, 42, tracker.LabelReviewRequested)
	h.verdicts(tracker.LabelChangesRequested)

	res, err := h.runner(t, WithStartFrom(PhaseJudge), WithMaxDoctorIterations(1)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitStuck, res.Exit)
	assert.Equal(t, 2, countPhase(res.Timings, PhaseJudge))
	assert.Equal(t, 1, countPhase(res.Timings, PhaseDoctor))
	assert.Contains(t, h.tracker.Labels(42), tracker.LabelBlocked)
	assert.Len(t, h.tracker.Comments(42), 1)

	rep := h.report(t)
	assert.Equal(t, "STUCK", rep.Outcome)
	assert.Equal(t, int(ExitStuck), rep.ExitCode)
	assert.True(t, rep.HasMilestone(progress.KindBlocked))
}

func TestRun_BudgetExhausted(t *testing.T) {
	h := newHarness(t)
	h.tracker.AddIssue(42, "Huge refactor", tracker.LabelIssue)
	h.agent.on(PhaseBuilder, func(context.Context, AgentRequest) (AgentResult, error) {
		return AgentResult{ExitCode: 1, BudgetExhausted: true, Detail: "Error: max turns reached"}, nil
	})

	res, err := h.runner(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitBudgetExhausted, res.Exit)
	assert.Contains(t, h.tracker.Labels(42), tracker.LabelBlocked)

	rep := h.report(t)
	assert.True(t, rep.HasMilestone(progress.KindBudgetExhausted))
	assert.Equal(t, failure.BudgetExhausted, failure.Classify(rep))
}

func TestRun_PhaseTimeoutIsTransient(t *testing.T) {
	h := newHarness(t)
	h.tracker.AddIssue(42, "Slow build", tracker.LabelIssue)
	h.agent.on(PhaseBuilder, func(ctx context.Context, _ AgentRequest) (AgentResult, error) {
		<-ctx.Done()
		return AgentResult{}, ctx.Err()
	})

	res, err := h.runner(t, WithTimeouts(Timeouts{Phase: 20 * time.Millisecond})).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitTimeout, res.Exit)
	assert.Contains(t, h.tracker.Labels(42), tracker.LabelBlocked)
	assert.Equal(t, failure.Transient, failure.Classify(h.report(t)))
}

func TestRun_AgentNotFound(t *testing.T) {
	h := newHarness(t)
	h.tracker.AddIssue(42, "Uncurated")
	h.agent.on(PhaseCurator, func(context.Context, AgentRequest) (AgentResult, error) {
		return AgentResult{}, ErrAgentNotFound
	})

	res, err := h.runner(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitSessionNotFound, res.Exit)
	assert.Equal(t, "SESSION_NOT_FOUND", res.Outcome)
}

func TestRun_CuratorMustLabel(t *testing.T) {
	h := newHarness(t)
	h.tracker.AddIssue(42, "Uncurated")

	res, err := h.runner(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitErrored, res.Exit)
	assert.Equal(t, []entry{{PhaseCurator, 1, StatusFailed}}, entriesOf(res.Timings))
}

func TestRun_StopFlagBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.tracker.AddIssue(42, "Never started", tracker.LabelIssue)
	stop := filepath.Join(h.state, "stop")
	require.NoError(t, os.WriteFile(stop, nil, 0o644))

	res, err := h.runner(t, WithShutdownFiles(stop, filepath.Join(h.state, "abort"))).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitSignal, res.Exit)
	assert.Empty(t, h.agent.phases())
	assert.Equal(t, []string{tracker.LabelIssue}, h.tracker.Labels(42))
}

func TestRun_AbortBetweenJudgeAndDoctor(t *testing.T) {
	h := newHarness(t)
	abortDir := filepath.Join(h.state, "abort")
	require.NoError(t, os.MkdirAll(abortDir, 0o755))
	h.tracker.AddIssue(42, "Aborted mid-review", tracker.LabelIssue)
	h.openPROnBuild()
	h.agent.on(PhaseJudge, func(context.Context, AgentRequest) (AgentResult, error) {
		if err := os.WriteFile(AbortMarker(abortDir, 42), nil, 0o644); err != nil {
			return AgentResult{}, err
		}
		return AgentResult{}, h.tracker.SwapPRLabel(100, tracker.LabelChangesRequested)
	})

	res, err := h.runner(t, WithShutdownFiles("", abortDir)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitSignal, res.Exit)
	assert.NotContains(t, h.agent.phases(), PhaseDoctor)
	labels := h.tracker.Labels(42)
	assert.Contains(t, labels, tracker.LabelIssue, "an interrupted build goes back to the queue")
	assert.NotContains(t, labels, tracker.LabelBuilding)
	assert.NotContains(t, labels, tracker.LabelBlocked)
}

func TestRun_CancelledContext(t *testing.T) {
	h := newHarness(t)
	h.tracker.AddIssue(42, "Interrupted", tracker.LabelIssue)
	ctx, cancel := context.WithCancel(context.Background())
	h.agent.on(PhaseBuilder, func(ctx context.Context, _ AgentRequest) (AgentResult, error) {
		cancel()
		return AgentResult{}, ctx.Err()
	})

	res, err := h.runner(t).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitSignal, res.Exit)
	assert.Equal(t, []string{tracker.LabelIssue}, h.tracker.Labels(42))
}

func TestRun_ReproNoChangesNeeded(t *testing.T) {
	h := newHarness(t)
	h.tracker.SetIssue(tracker.Issue{
		Number: 42,
		Title:  "claim test fails",
		State:  tracker.StateOpen,
		Labels: []string{tracker.LabelIssue},
		Body:   "Run:\n```\ngo test ./internal/claim/...\n```\n",
	})
	cmds := &scriptedCommands{}

	res, err := h.runner(t, WithReproCheck(cmds)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitSuccess, res.Exit)
	assert.Equal(t, "no changes needed", res.Reason)
	assert.Equal(t, 2, cmds.calls)
	assert.Empty(t, h.agent.phases(), "builder never runs")
	assert.Equal(t, []entry{
		{PhaseCurator, 1, StatusSkipped},
		{PhaseBuilder, 1, StatusSkipped},
	}, entriesOf(res.Timings))
	assert.Len(t, h.tracker.Comments(42), 1)
	assert.NotContains(t, h.tracker.Labels(42), tracker.LabelBuilding)
}

func TestRun_ReproFailureBuilds(t *testing.T) {
	h := newHarness(t)
	h.tracker.SetIssue(tracker.Issue{
		Number: 42,
		State:  tracker.StateOpen,
		Labels: []string{tracker.LabelIssue},
		Body:   "```\ngo test ./...\n```",
	})
	h.openPROnBuild()
	h.verdicts(tracker.LabelPR)

	res, err := h.runner(t, WithReproCheck(&scriptedCommands{results: []error{errors.New("FAIL")}})).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.Exit)
	assert.Equal(t, []Phase{PhaseBuilder, PhaseJudge}, h.agent.phases())
}

func TestRun_WaitsForApproval(t *testing.T) {
	h := newHarness(t)
	h.tracker.AddIssue(42, "Waiting on a human", tracker.LabelCurated)
	h.openPROnBuild()
	h.verdicts(tracker.LabelPR)

	approve := time.AfterFunc(30*time.Millisecond, func() {
		_ = h.tracker.SwapLabel(42, tracker.LabelIssue)
	})
	defer approve.Stop()

	res, err := h.runner(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitSuccess, res.Exit)
	got := entriesOf(res.Timings)
	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, entry{PhaseApproval, 1, StatusApproved}, got[1])
}

func TestRun_ApprovalTimeoutDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	h.tracker.AddIssue(42, "Nobody approves", tracker.LabelCurated)

	res, err := h.runner(t, WithTimeouts(Timeouts{Approval: 30 * time.Millisecond})).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ExitTimeout, res.Exit)
	assert.Equal(t, []string{tracker.LabelCurated}, h.tracker.Labels(42))
}

func TestRun_ClosedIssue(t *testing.T) {
	h := newHarness(t)
	h.tracker.AddIssue(42, "Done already", tracker.LabelIssue)
	h.tracker.CloseIssue(42)

	res, err := h.runner(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitErrored, res.Exit)
	assert.Empty(t, h.agent.phases())
}

func TestRun_AlreadyClaimed(t *testing.T) {
	h := newHarness(t)
	h.tracker.AddIssue(42, "Contended", tracker.LabelIssue)
	_, err := h.claims.Acquire(42, "shepherd-other01", time.Hour)
	require.NoError(t, err)

	_, err = h.runner(t).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, claim.ErrAlreadyClaimed)
	assert.Empty(t, h.agent.phases())

	c, err := h.claims.Check(42)
	require.NoError(t, err)
	assert.Equal(t, "shepherd-other01", c.OwnerID, "the other owner keeps its claim")
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t)
	_, err := New(0, Deps{})
	assert.ErrorIs(t, err, claim.ErrInvalidIssue)

	_, err = New(42, Deps{Tracker: h.tracker})
	assert.Error(t, err)
}

func countPhase(s Summary, p Phase) int {
	return len(slices.DeleteFunc(slices.Clone(s.Entries), func(e Timing) bool { return e.Phase != p }))
}
