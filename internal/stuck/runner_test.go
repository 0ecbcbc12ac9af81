package stuck

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/herd/internal/progress"
)

func TestRunnerIdleAndLoopAggregateToCritical(t *testing.T) {
	th := DefaultThresholds()
	th.IdleTimeout = 600 * time.Second
	lines := []string{"starting"}
	for i := 0; i < 5; i++ {
		lines = append(lines, "Error: dial tcp: connection refused")
	}
	s := AgentState{
		AgentID:          "shepherd-idle",
		Now:              t0,
		Working:          true,
		StartedAt:        t0.Add(-15 * time.Minute),
		LastOutputChange: t0.Add(-650 * time.Second),
		LastHeartbeat:    t0.Add(-10 * time.Second),
		OutputLines:      lines,
		Milestones: []progress.Milestone{
			{At: t0.Add(-14 * time.Minute), Event: progress.PhaseEntered{Phase: "CURATOR", Attempt: 1}},
		},
		CurrentPhase:   "CURATOR",
		PhaseEnteredAt: t0.Add(-14 * time.Minute),
	}

	det := NewRunner(th).Check(s)
	assert.True(t, det.Stuck)
	assert.Equal(t, SeverityCritical, det.Severity)
	assert.Equal(t, InterventionPause, det.SuggestedIntervention)
	require.Len(t, det.Indicators, 2)
	assert.Contains(t, det.Indicators[0], "no output change")
	assert.Contains(t, det.Indicators[1], "error repeated 5 times")
	assert.Equal(t, t0, det.CheckedAt)
}

func TestAggregateIsMaxNotLastWrite(t *testing.T) {
	results := []Result{
		{Detected: true, Indicator: "loop", Severity: SeverityCritical, Intervention: InterventionPause},
		{Detected: true, Indicator: "idle", Severity: SeverityWarning, Intervention: InterventionClarify},
		{Detected: false, Severity: SeverityNone},
	}
	det := Aggregate("a", results)
	assert.Equal(t, SeverityCritical, det.Severity)
	assert.Equal(t, InterventionPause, det.SuggestedIntervention)
	assert.Equal(t, []string{"loop", "idle"}, det.Indicators)
}

func TestAggregateTiePrefersStrongerIntervention(t *testing.T) {
	det := Aggregate("a", []Result{
		{Detected: true, Indicator: "spike", Severity: SeverityElevated, Intervention: InterventionClarify},
		{Detected: true, Indicator: "heartbeat", Severity: SeverityElevated, Intervention: InterventionRestart},
	})
	assert.Equal(t, InterventionRestart, det.SuggestedIntervention)
}

func TestAggregateNothingDetected(t *testing.T) {
	det := Aggregate("a", []Result{notDetected(), notDetected()})
	assert.False(t, det.Stuck)
	assert.Equal(t, SeverityNone, det.Severity)
	assert.Equal(t, InterventionNone, det.SuggestedIntervention)
	assert.NotNil(t, det.Indicators)
}

func TestRunnerCustomDetectors(t *testing.T) {
	always := Detector{Name: "always", Check: func(AgentState, Thresholds) Result {
		return Result{Detected: true, Indicator: "x", Severity: SeverityElevated, Intervention: InterventionAlert}
	}}
	det := NewRunner(Thresholds{}, WithDetectors(always)).Check(AgentState{AgentID: "a"})
	assert.Equal(t, SeverityElevated, det.Severity)
}

func TestDetectionJSON(t *testing.T) {
	data, err := json.Marshal(Detection{AgentID: "a", Stuck: true, Severity: SeverityCritical, SuggestedIntervention: InterventionPause})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"severity":"critical"`)

	var back Detection
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, SeverityCritical, back.Severity)
}

func TestHistoryRingIsBounded(t *testing.T) {
	h := NewHistory(3, nil)
	for i := 0; i < 5; i++ {
		h.Record(Detection{AgentID: "a", Indicators: []string{string(rune('0' + i))}})
	}
	h.Record(Detection{AgentID: "b"})

	recent := h.Recent("a", 0)
	require.Len(t, recent, 3)
	assert.Equal(t, "2", recent[0].Indicators[0])
	assert.Equal(t, "4", recent[2].Indicators[0])
	assert.Len(t, h.Recent("a", 1), 1)
	assert.Len(t, h.Recent("b", 10), 1)

	h.Forget("a")
	assert.Empty(t, h.Recent("a", 0))
}

func TestHistorySaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stuck-history.json")
	h := NewHistory(10, nil)
	runner := NewRunner(DefaultThresholds(), WithHistory(h))
	runner.Check(AgentState{AgentID: "a", Now: t0})
	runner.Check(AgentState{AgentID: "a", Now: t0.Add(time.Minute)})
	h.Save(path)

	loaded := NewHistory(1, nil)
	require.NoError(t, loaded.Load(path))
	recent := loaded.Recent("a", 0)
	require.Len(t, recent, 1)
	assert.Equal(t, t0.Add(time.Minute), recent[0].CheckedAt)

	require.NoError(t, NewHistory(1, nil).Load(filepath.Join(t.TempDir(), "missing.json")))
}

func TestHistorySaveFailureDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	h := NewHistory(1, nil)
	h.Record(Detection{AgentID: "a"})
	h.Save(filepath.Join(blocker, "history.json"))
}

func TestFromReport(t *testing.T) {
	r := progress.Report{
		TaskID:        "shepherd-1",
		Status:        progress.StatusRunning,
		StartedAt:     t0.Add(-time.Hour),
		LastHeartbeat: t0.Add(-time.Minute),
		CurrentPhase:  "JUDGE",
		Milestones: []progress.Milestone{
			{At: t0.Add(-50 * time.Minute), Event: progress.PhaseEntered{Phase: "BUILDER"}},
			{At: t0.Add(-30 * time.Minute), Event: progress.PRCreated{Number: 5}},
			{At: t0.Add(-20 * time.Minute), Event: progress.PhaseEntered{Phase: "JUDGE"}},
		},
	}
	s := FromReport(r, []string{"x"}, t0.Add(-time.Second), t0)
	assert.True(t, s.Working)
	assert.True(t, s.HasPR)
	assert.Equal(t, t0.Add(-20*time.Minute), s.PhaseEnteredAt)
	assert.Equal(t, "shepherd-1", s.AgentID)

	det := NewRunner(DefaultThresholds()).Check(s)
	assert.Equal(t, SeverityWarning, det.Severity)
	assert.Contains(t, strings.Join(det.Indicators, ";"), "review_verdict")
}

func TestOutputTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.log")
	require.NoError(t, os.WriteFile(path, []byte("one\n\ntwo\r\nthree\nfour\n"), 0644))

	lines, mod, err := OutputTail(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "four"}, lines)
	assert.False(t, mod.IsZero())

	lines, mod, err = OutputTail(filepath.Join(t.TempDir(), "none.log"), 10)
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.True(t, mod.IsZero())
}
