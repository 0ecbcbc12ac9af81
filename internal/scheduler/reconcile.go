package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Iron-Ham/herd/internal/audit"
	"github.com/Iron-Ham/herd/internal/failure"
	"github.com/Iron-Ham/herd/internal/progress"
	"github.com/Iron-Ham/herd/internal/shepherd"
	"github.com/Iron-Ham/herd/internal/stuck"
	"github.com/Iron-Ham/herd/internal/tracker"
)

// reconcile brings every busy slot in line with the snapshot: finished
// workers free their slot and feed the retry pipeline, vanished sessions are
// reclaimed, and live workers are checked for being stuck.
func (s *Scheduler) reconcile(ctx context.Context, st *State, snap *Snapshot, sum *Summary) {
	for i := range st.Slots {
		slot := &st.Slots[i]
		if !slot.Busy() {
			continue
		}
		rep, hasReport := snap.Reports[slot.TaskID]
		switch {
		case hasReport && rep.Done():
			s.complete(ctx, st, slot, rep, snap.Now, sum)
		case !snap.Sessions[slot.Session]:
			s.vanished(ctx, st, slot, rep, hasReport, snap.Now, sum)
		case slot.Status == SlotPaused:
			s.checkPaused(ctx, slot, rep, hasReport, snap.Now, sum)
		case hasReport:
			slot.LastPhase = rep.CurrentPhase
			s.checkWorker(ctx, slot, rep, snap.Now, sum)
		}
	}
}

// complete handles a worker that wrote its final milestone.
func (s *Scheduler) complete(ctx context.Context, st *State, slot *Slot, rep progress.Report, now time.Time, sum *Summary) {
	issue := slot.Issue
	log := s.logger.WithIssue(issue).WithWorker(slot.TaskID)
	log.Info("shepherd finished", "outcome", rep.Outcome, "exit_code", rep.ExitCode)

	slot.free("completed: " + rep.Outcome)
	sum.Completed = append(sum.Completed, issue)
	s.record(audit.KindShepherdFinished, issue, map[string]any{"task_id": rep.TaskID, "outcome": rep.Outcome})

	if rep.ExitCode == 0 {
		if rs, ok := st.Retries[issue]; ok {
			rs.Pending = false
		}
		return
	}
	// Only a run that parked the issue in the blocked label enters the retry
	// pipeline; interrupted runs and approval timeouts left it workable.
	if !rep.HasMilestone(progress.KindBlocked) {
		return
	}

	class := failure.Classify(rep)
	if class == failure.BudgetExhausted {
		s.preserve(issue, rep.TaskID)
	}
	s.recordFailure(ctx, st, issue, class, rep.LastError, now)
}

// vanished frees a slot whose session disappeared without a final
// milestone. A worker that died mid-build leaves the issue blocked so the
// retry pipeline can pick it up.
func (s *Scheduler) vanished(ctx context.Context, st *State, slot *Slot, rep progress.Report, hasReport bool, now time.Time, sum *Summary) {
	issue := slot.Issue
	s.logger.WithIssue(issue).WithWorker(slot.TaskID).Warn("shepherd session vanished")
	slot.free("session vanished")
	sum.Reclaimed = append(sum.Reclaimed, issue)
	s.record(audit.KindWorkerReclaimed, issue, map[string]any{"reason": "session vanished"})

	current, err := s.deps.Tracker.GetIssue(issue)
	if err != nil || !current.Open() || !current.HasLabel(tracker.LabelBuilding) {
		return
	}
	if err := s.deps.Tracker.SwapLabel(issue, tracker.LabelBlocked); err != nil {
		s.logger.WithIssue(issue).Error("failed to mark vanished worker's issue blocked", "error", err)
		return
	}
	s.record(audit.KindLabelSwap, issue, map[string]any{"label": tracker.LabelBlocked, "reason": "session vanished"})
	msg := "shepherd session vanished"
	if hasReport && rep.LastError != "" {
		msg += ": " + rep.LastError
	}
	s.recordFailure(ctx, st, issue, failure.Generic, msg, now)
}

// checkPaused reclaims a paused slot once it has been paused too long, and
// resumes it when its worker recovered.
func (s *Scheduler) checkPaused(ctx context.Context, slot *Slot, rep progress.Report, hasReport bool, now time.Time, sum *Summary) {
	if s.cfg.PausedReclaim > 0 && now.Sub(slot.PausedAt) >= s.cfg.PausedReclaim {
		s.reclaim(ctx, slot, "paused for "+now.Sub(slot.PausedAt).Truncate(time.Second).String(), sum)
		return
	}
	if !hasReport {
		return
	}
	det := s.workerStuck.Check(s.workerState(slot, rep, now))
	if !det.Stuck {
		s.logger.WithIssue(slot.Issue).WithWorker(slot.TaskID).Info("paused worker recovered")
		slot.Status = SlotWorking
		slot.PausedAt = time.Time{}
	}
}

// checkWorker runs the stuck detectors against a live worker and applies
// the suggested intervention.
func (s *Scheduler) checkWorker(ctx context.Context, slot *Slot, rep progress.Report, now time.Time, sum *Summary) {
	det := s.workerStuck.Check(s.workerState(slot, rep, now))
	if !det.Stuck {
		return
	}
	s.metrics.StuckDetected(ctx, det.Severity.String())
	log := s.logger.WithIssue(slot.Issue).WithWorker(slot.TaskID)
	log.Warn("worker looks stuck", "severity", det.Severity.String(),
		"intervention", string(det.SuggestedIntervention), "indicators", strings.Join(det.Indicators, "; "))

	switch det.SuggestedIntervention {
	case stuck.InterventionRestart:
		s.reclaim(ctx, slot, "restart: "+strings.Join(det.Indicators, "; "), sum)
	case stuck.InterventionPause:
		slot.Status = SlotPaused
		slot.PausedAt = now
		sum.Paused = append(sum.Paused, slot.Issue)
	}
}

// reclaim kills a slot's session and frees the slot. The interrupted
// shepherd returns its issue to the workable queue on its way out.
func (s *Scheduler) reclaim(ctx context.Context, slot *Slot, reason string, sum *Summary) {
	issue := slot.Issue
	if err := s.deps.Host.Kill(ctx, slot.Session); err != nil {
		s.logger.WithIssue(issue).Error("failed to kill worker session", "session", slot.Session, "error", err)
		return
	}
	s.logger.WithIssue(issue).WithWorker(slot.TaskID).Warn("reclaimed worker slot", "reason", reason)
	slot.free("reclaimed: " + reason)
	sum.Reclaimed = append(sum.Reclaimed, issue)
	s.record(audit.KindWorkerReclaimed, issue, map[string]any{"reason": reason})
}

// workerState builds the detector input for a shepherd slot from its
// progress report and the tail of its agent log. The log's modification
// time is when its output last changed.
func (s *Scheduler) workerState(slot *Slot, rep progress.Report, now time.Time) stuck.AgentState {
	lines, modTime, err := stuck.OutputTail(shepherd.AgentLogPath(s.cfg.LogDir, slot.TaskID), s.cfg.OutputWindow)
	if err != nil {
		s.logger.Debug("cannot read agent output", "task_id", slot.TaskID, "error", err)
	}
	changed := modTime
	if changed.IsZero() {
		changed = slot.StartedAt
	}
	return stuck.FromReport(rep, lines, changed, now)
}

// touch updates the output fingerprint of a role session and returns when
// its captured output last changed.
func (s *Scheduler) touch(st *State, session, output string, now time.Time) time.Time {
	sum := sha256.Sum256([]byte(output))
	hash := hex.EncodeToString(sum[:])
	fp, ok := st.Output[session]
	if !ok || fp.Hash != hash {
		fp = Fingerprint{Hash: hash, ChangedAt: now}
		st.Output[session] = fp
	}
	return fp.ChangedAt
}

// preserve commits and pushes whatever the worker left behind so a
// successor can resume it.
func (s *Scheduler) preserve(issue int, taskID string) {
	if s.deps.Worktrees == nil {
		return
	}
	path := s.deps.Worktrees.Path(issue)
	if _, err := os.Stat(path); err != nil {
		return
	}
	p, err := s.deps.Worktrees.PreserveWork(path, fmt.Sprintf("herd: preserve work in progress on #%d (%s)", issue, taskID))
	if err != nil {
		s.logger.WithIssue(issue).Error("failed to preserve work in progress", "error", err)
		return
	}
	s.logger.WithIssue(issue).Info("preserved work in progress", "committed", p.Committed, "pushed", p.Pushed, "unpushed", p.Unpushed)
	s.record(audit.KindWorkPreserved, issue, map[string]any{"committed": p.Committed, "pushed": p.Pushed, "unpushed": p.Unpushed})
}
