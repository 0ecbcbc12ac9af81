package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/herd/internal/audit"
	"github.com/Iron-Ham/herd/internal/claim"
	"github.com/Iron-Ham/herd/internal/config"
	"github.com/Iron-Ham/herd/internal/progress"
	"github.com/Iron-Ham/herd/internal/shepherd"
	"github.com/Iron-Ham/herd/internal/stuck"
	"github.com/Iron-Ham/herd/internal/tmux"
	"github.com/Iron-Ham/herd/internal/tracker/trackertest"
	"github.com/Iron-Ham/herd/internal/worktree"
)

// fakeHost is an in-memory tmux.Host.
type fakeHost struct {
	mu         sync.Mutex
	sessions   map[string]bool
	output     map[string]string
	created    []tmux.Spec
	killed     []string
	failCreate error
}

func newFakeHost() *fakeHost {
	return &fakeHost{sessions: make(map[string]bool), output: make(map[string]string)}
}

func (h *fakeHost) Create(_ context.Context, spec tmux.Spec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failCreate != nil {
		return h.failCreate
	}
	h.sessions[spec.Name] = true
	h.created = append(h.created, spec)
	return nil
}

func (h *fakeHost) Alive(_ context.Context, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[name]
}

func (h *fakeHost) Send(context.Context, string, string) error { return nil }

func (h *fakeHost) Capture(_ context.Context, name string, _ int) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.sessions[name] {
		return "", tmux.ErrSessionNotFound
	}
	return h.output[name], nil
}

func (h *fakeHost) Kill(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, name)
	h.killed = append(h.killed, name)
	return nil
}

func (h *fakeHost) List(context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var names []string
	for n := range h.sessions {
		names = append(names, n)
	}
	slices.Sort(names)
	return names, nil
}

// end removes a session as if its process exited.
func (h *fakeHost) end(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, name)
}

func (h *fakeHost) start(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[name] = true
}

func (h *fakeHost) specs() []tmux.Spec {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.created)
}

// fakeWorktrees records preserve and discard calls.
type fakeWorktrees struct {
	root      string
	preserved []string
	discarded []int
}

func (w *fakeWorktrees) Path(issue int) string {
	return filepath.Join(w.root, "issue-"+strconv.Itoa(issue))
}

func (w *fakeWorktrees) PreserveWork(path, _ string) (worktree.Preserved, error) {
	w.preserved = append(w.preserved, path)
	return worktree.Preserved{Committed: true, Pushed: true}, nil
}

func (w *fakeWorktrees) Discard(issue int) (bool, error) {
	w.discarded = append(w.discarded, issue)
	return true, nil
}

type harness struct {
	tracker   *trackertest.Fake
	host      *fakeHost
	claims    *claim.Store
	progress  *progress.Store
	worktrees *fakeWorktrees
	audit     *audit.Memory
	settings  Settings
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		tracker:   trackertest.New(),
		host:      newFakeHost(),
		claims:    claim.NewStore(filepath.Join(dir, "claims")),
		progress:  progress.NewStore(filepath.Join(dir, "progress")),
		worktrees: &fakeWorktrees{root: filepath.Join(dir, "worktrees")},
		audit:     &audit.Memory{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		settings: Settings{
			StatePath:       filepath.Join(dir, "daemon-state.json"),
			RepoDir:         dir,
			LogDir:          filepath.Join(dir, "logs"),
			MaxShepherds:    2,
			Mode:            config.ModeDefault,
			ShepherdCommand: []string{"herd", "shepherd", "run"},
			AgentCommand:    []string{"claude", "-p"},
			PausedReclaim:   30 * time.Minute,
			Retry:           config.Default().Retry,
		},
	}
	return h
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) scheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(h.settings, Deps{
		Tracker:   h.tracker,
		Host:      h.host,
		Claims:    h.claims,
		Progress:  h.progress,
		Worktrees: h.worktrees,
		Audit:     h.audit,
	}, append([]Option{WithClock(h.clock)}, opts...)...)
	require.NoError(t, err)
	return s
}

func (h *harness) iterate(t *testing.T, s *Scheduler) Summary {
	t.Helper()
	sum, err := s.Iterate(context.Background())
	require.NoError(t, err)
	return sum
}

// state loads the persisted state document.
func (h *harness) state(t *testing.T) *State {
	t.Helper()
	st, err := LoadState(h.settings.StatePath, h.settings.MaxShepherds)
	require.NoError(t, err)
	return st
}

// seed writes a state document before the first iteration.
func (h *harness) seed(t *testing.T, mutate func(*State)) {
	t.Helper()
	st := NewState(h.settings.MaxShepherds)
	mutate(st)
	require.NoError(t, st.Save(h.settings.StatePath))
}

// occupy puts a live worker for issue into slot 0.
func (h *harness) occupy(t *testing.T, issue int, taskID string) {
	t.Helper()
	session := tmux.SessionName(taskID)
	h.host.start(session)
	h.seed(t, func(st *State) {
		st.Slots[0] = Slot{
			ID: 0, Status: SlotWorking, Issue: issue, TaskID: taskID,
			Session: session, StartedAt: h.now, Mode: config.ModeDefault,
		}
	})
}

// finish writes a finished progress report for taskID.
func (h *harness) finish(t *testing.T, taskID string, issue int, exitCode int, events ...progress.Event) {
	t.Helper()
	w := h.progress.NewWriter(taskID, issue)
	w.SetClock(h.clock)
	require.NoError(t, w.Start(progress.Started{Mode: config.ModeDefault}))
	for _, ev := range events {
		require.NoError(t, w.Record(ev))
	}
	code := shepherd.ExitCode(exitCode)
	require.NoError(t, w.Record(progress.Completed{Outcome: code.String(), ExitCode: exitCode}))
}

// running writes an unfinished progress report for taskID.
func (h *harness) running(t *testing.T, taskID string, issue int) {
	t.Helper()
	w := h.progress.NewWriter(taskID, issue)
	w.SetClock(h.clock)
	require.NoError(t, w.Start(progress.Started{Mode: config.ModeDefault}))
	require.NoError(t, w.Record(progress.PhaseEntered{Phase: "BUILDER", Attempt: 1}))
}

// fixedRunner returns a stuck runner whose only detector always reports res.
func fixedRunner(res stuck.Result) *stuck.Runner {
	return stuck.NewRunner(stuck.DefaultThresholds(), stuck.WithDetectors(stuck.Detector{
		Name:  "fixed",
		Check: func(stuck.AgentState, stuck.Thresholds) stuck.Result { return res },
	}))
}

func mkdir(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o755))
}

var errBoom = errors.New("boom")
