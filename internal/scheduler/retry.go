package scheduler

import (
	"time"

	"github.com/Iron-Ham/herd/internal/config"
	"github.com/Iron-Ham/herd/internal/failure"
)

// Decision is what the retry policy wants done after a failure.
type Decision int

const (
	// DecisionNone means the issue is already with a human.
	DecisionNone Decision = iota
	// DecisionRetry puts the issue back in the workable queue.
	DecisionRetry
	// DecisionBackoff retries a transient failure once the backoff passes.
	DecisionBackoff
	// DecisionEscalate hands the issue to a human.
	DecisionEscalate
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionBackoff:
		return "backoff"
	case DecisionEscalate:
		return "escalate"
	default:
		return "none"
	}
}

// Verdict is the policy's answer for one recorded failure.
type Verdict struct {
	Decision  Decision
	Class     failure.Class
	Attempt   int
	Threshold int
	Backoff   time.Duration
}

// Policy holds the per-class escalation thresholds and the transient backoff
// schedule.
type Policy struct {
	cfg config.RetryConfig
}

// NewPolicy returns a Policy for cfg.
func NewPolicy(cfg config.RetryConfig) Policy {
	return Policy{cfg: cfg}
}

// Threshold is the retry count at which class escalates.
func (p Policy) Threshold(class failure.Class) int {
	return p.cfg.Threshold(string(class))
}

// Backoff is the wait before transient attempt n (1-based): the base
// doubled per attempt, capped.
func (p Policy) Backoff(n int) time.Duration {
	base, limit := p.cfg.TransientBase(), p.cfg.TransientCap()
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// RecordFailure records one failure of issue and decides what happens next.
//
// Transient failures take the backoff path without touching retry_count
// until transient_max_attempts is used up; after that they count as generic
// failures. Every other failure increments retry_count, which is never reset
// by a change of class.
func (p Policy) RecordFailure(st *State, issue int, class failure.Class, msg string, now time.Time) Verdict {
	rs := st.retry(issue)
	if rs.EscalatedToHuman {
		return Verdict{Decision: DecisionNone, Class: rs.ErrorClass, Attempt: rs.RetryCount}
	}
	rs.LastError = msg
	rs.LastFailureAt = now

	if class == failure.Transient {
		if rs.TransientAttempts < p.cfg.TransientMaxAttempts {
			rs.TransientAttempts++
			backoff := p.Backoff(rs.TransientAttempts)
			rs.BackoffUntil = now.Add(backoff)
			rs.Pending = true
			rs.ClassHistory = append(rs.ClassHistory, class)
			return Verdict{
				Decision:  DecisionBackoff,
				Class:     class,
				Attempt:   rs.TransientAttempts,
				Threshold: p.cfg.TransientMaxAttempts,
				Backoff:   backoff,
			}
		}
		class = failure.Generic
	}

	rs.RetryCount++
	rs.ErrorClass = class
	rs.ClassHistory = append(rs.ClassHistory, class)
	rs.BackoffUntil = time.Time{}
	rs.Pending = true

	v := Verdict{Class: class, Attempt: rs.RetryCount, Threshold: p.Threshold(class), Decision: DecisionRetry}
	if rs.RetryCount >= v.Threshold {
		v.Decision = DecisionEscalate
	}
	return v
}

// Due reports whether issue should escalate now, given its recorded class.
func (p Policy) Due(rs *RetryState) bool {
	return !rs.EscalatedToHuman && rs.RetryCount > 0 && rs.RetryCount >= p.Threshold(rs.ErrorClass)
}

// Escalate marks issue as handed to a human and appends one needs-human
// entry. It reports false, changing nothing, when the issue was already
// escalated.
func (st *State) Escalate(issue int, reason string, now time.Time) bool {
	rs := st.retry(issue)
	if rs.EscalatedToHuman {
		return false
	}
	rs.EscalatedToHuman = true
	rs.EscalatedAt = now
	rs.Pending = false
	st.NeedsHuman = append(st.NeedsHuman, NeedsHuman{Issue: issue, Class: rs.ErrorClass, Reason: reason, At: now})
	return true
}
