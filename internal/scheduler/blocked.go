package scheduler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Iron-Ham/herd/internal/audit"
	"github.com/Iron-Ham/herd/internal/failure"
	"github.com/Iron-Ham/herd/internal/tracker"
)

// recordFailure applies the retry policy to a failure observed this
// iteration. The label swap happens later in retryBlocked.
func (s *Scheduler) recordFailure(ctx context.Context, st *State, issue int, class failure.Class, msg string, now time.Time) Verdict {
	v := s.policy.RecordFailure(st, issue, class, msg, now)
	s.logger.WithIssue(issue).Info("recorded failure",
		"class", string(v.Class), "decision", v.Decision.String(), "attempt", v.Attempt, "threshold", v.Threshold)
	return v
}

// retryBlocked walks the blocked issues. Each one either waits out its
// backoff, escalates once its class threshold is reached, or is swapped back
// to the workable label.
func (s *Scheduler) retryBlocked(ctx context.Context, st *State, snap *Snapshot, sum *Summary) {
	for _, is := range snap.Blocked {
		if is.HasLabel(tracker.LabelNeedsHuman) || st.SlotFor(is.Number) != nil {
			continue
		}
		rs, known := st.Retries[is.Number]
		if known && rs.EscalatedToHuman {
			continue
		}
		if !known || !rs.Pending {
			// Blocked by a run this daemon did not watch finish.
			s.recordFailure(ctx, st, is.Number, failure.Generic, "issue blocked", snap.Now)
			rs = st.Retries[is.Number]
		}

		if s.policy.Due(rs) {
			s.escalate(ctx, st, is, sum)
			continue
		}
		if snap.Now.Before(rs.BackoffUntil) {
			continue
		}
		s.retry(ctx, rs, is, snap.Now, sum)
	}
}

// retry swaps the issue back to workable. A failed swap is a hard failure:
// nothing about the attempt is recorded and the next iteration tries again.
func (s *Scheduler) retry(ctx context.Context, rs *RetryState, is tracker.Issue, now time.Time, sum *Summary) {
	log := s.logger.WithIssue(is.Number)
	if err := s.deps.Tracker.SwapLabel(is.Number, tracker.LabelIssue); err != nil {
		log.Error("failed to return blocked issue to the queue", "error", err)
		return
	}

	transient := !rs.BackoffUntil.IsZero()
	rs.Pending = false
	rs.LastRetryAt = now
	rs.BackoffUntil = time.Time{}
	sum.Retried = append(sum.Retried, is.Number)

	kind := audit.KindRetry
	class := rs.ErrorClass
	body := fmt.Sprintf("herd: retrying after a %s failure (attempt %d of %d before escalation).",
		rs.ErrorClass, rs.RetryCount, s.policy.Threshold(rs.ErrorClass))
	if transient {
		kind = audit.KindTransientRetry
		class = failure.Transient
		body = fmt.Sprintf("herd: retrying after a transient failure (attempt %d of %d).",
			rs.TransientAttempts, s.cfg.Retry.TransientMaxAttempts)
	}
	if rs.LastError != "" {
		body += "\n\nLast error: " + rs.LastError
	}
	s.record(kind, is.Number, map[string]any{
		"retry_count": rs.RetryCount, "error_class": string(class), "transient_attempts": rs.TransientAttempts,
	})
	s.metrics.Retried(ctx, string(class))
	log.Info("retrying blocked issue", "class", string(class), "retry_count", rs.RetryCount)
	s.comment(is.Number, body)
}

// escalate hands the issue to a human. The needs-human label is applied
// first; only once it sticks is the escalation recorded, so a failed label
// call is retried next iteration.
func (s *Scheduler) escalate(ctx context.Context, st *State, is tracker.Issue, sum *Summary) {
	rs := st.Retries[is.Number]
	log := s.logger.WithIssue(is.Number)
	if err := s.deps.Tracker.EditLabels(is.Number, []string{tracker.LabelNeedsHuman}, nil); err != nil {
		log.Error("failed to label issue for a human", "error", err)
		return
	}
	reason := fmt.Sprintf("%d failed attempts, last class %s", rs.RetryCount, rs.ErrorClass)
	if rs.LastError != "" {
		reason += ": " + rs.LastError
	}
	if !st.Escalate(is.Number, reason, s.now()) {
		return
	}
	sum.Escalated = append(sum.Escalated, is.Number)
	s.metrics.Escalated(ctx, string(rs.ErrorClass))
	s.record(audit.KindEscalated, is.Number, map[string]any{
		"retry_count": rs.RetryCount, "error_class": string(rs.ErrorClass), "reason": reason,
	})
	log.Warn("escalated issue to a human", "retry_count", rs.RetryCount, "class", string(rs.ErrorClass))
	s.comment(is.Number, fmt.Sprintf("herd: giving up after %d attempts (threshold %d for %s failures); a human needs to look at this.\n\n%s",
		rs.RetryCount, s.policy.Threshold(rs.ErrorClass), rs.ErrorClass, reason))

	if s.deps.Worktrees != nil {
		if discarded, err := s.deps.Worktrees.Discard(is.Number); err != nil {
			log.Warn("failed to discard worktree", "error", err)
		} else if !discarded {
			log.Info("kept worktree for a successor")
		}
	}

	if rs.ErrorClass == failure.BudgetExhausted {
		s.decompose(is, rs, st, sum)
	}
}

// resumeDecompositions reopens the decomposition step for budget
// escalations whose follow-up issue could not be created earlier. The
// escalation itself is already recorded, so nothing else revisits them.
func (s *Scheduler) resumeDecompositions(st *State, sum *Summary) {
	var owed []int
	for issue, rs := range st.Retries {
		if !rs.EscalatedToHuman || rs.ErrorClass != failure.BudgetExhausted {
			continue
		}
		if _, done := st.Decompositions[issue]; !done {
			owed = append(owed, issue)
		}
	}
	slices.Sort(owed)
	for _, issue := range owed {
		is, err := s.deps.Tracker.GetIssue(issue)
		if err != nil {
			s.logger.WithIssue(issue).Warn("failed to load issue for decomposition", "error", err)
			continue
		}
		if !is.Open() {
			continue
		}
		s.decompose(is, st.Retries[issue], st, sum)
	}
}

// decompose opens one follow-up issue asking the planning role to split an
// issue that keeps exhausting the agent's budget.
func (s *Scheduler) decompose(is tracker.Issue, rs *RetryState, st *State, sum *Summary) {
	if _, done := st.Decompositions[is.Number]; done {
		return
	}
	created, err := s.deps.Tracker.CreateIssue(tracker.IssueOptions{
		Title: fmt.Sprintf("Decompose #%d: %s", is.Number, is.Title),
		Body: fmt.Sprintf("#%d ran out of agent budget %d times and was handed to a human.\n\n"+
			"Split it into smaller issues that can each be completed in one session, "+
			"then close this issue.\n\nRefs #%d", is.Number, rs.RetryCount, is.Number),
		Labels: []string{s.cfg.DecomposeLabel},
	})
	if err != nil {
		s.logger.WithIssue(is.Number).Error("failed to open decomposition issue", "error", err)
		return
	}
	st.Decompositions[is.Number] = created.Number
	sum.Decompositions = append(sum.Decompositions, created.Number)
	s.record(audit.KindDecomposition, is.Number, map[string]any{"decomposition_issue": created.Number})
	s.comment(is.Number, fmt.Sprintf("herd: opened #%d to split this issue into smaller pieces.", created.Number))
}
