// Package progress holds the per-worker progress document.
//
// Each shepherd owns exactly one report at <progress>/<task_id>.json and is the
// only process that writes it. The scheduler, the stuck detector and the claim
// store only read reports. Every update rewrites the whole document.
package progress

import (
	"time"
)

// Status is the coarse state of a worker.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
)

// Report is the progress document written by one shepherd.
type Report struct {
	TaskID        string      `json:"task_id"`
	IssueID       int         `json:"issue_id"`
	Status        Status      `json:"status"`
	CurrentPhase  string      `json:"current_phase,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	PRNumber      int         `json:"pr_number,omitempty"`
	Outcome       string      `json:"outcome,omitempty"`
	ExitCode      int         `json:"exit_code,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	Milestones    []Milestone `json:"milestones"`
}

// Done reports whether the worker has finished, successfully or not.
func (r Report) Done() bool {
	return r.Status == StatusCompleted || r.Status == StatusErrored
}

// HasMilestone reports whether any milestone of kind was recorded.
func (r Report) HasMilestone(kind Kind) bool {
	_, ok := r.Latest(kind)
	return ok
}

// Latest returns the most recent milestone of kind.
func (r Report) Latest(kind Kind) (Milestone, bool) {
	for i := len(r.Milestones) - 1; i >= 0; i-- {
		if r.Milestones[i].Kind() == kind {
			return r.Milestones[i], true
		}
	}
	return Milestone{}, false
}

// HasMilestoneSince reports whether a milestone of kind was recorded at or
// after since.
func (r Report) HasMilestoneSince(kind Kind, since time.Time) bool {
	for i := len(r.Milestones) - 1; i >= 0; i-- {
		m := r.Milestones[i]
		if m.At.Before(since) {
			return false
		}
		if m.Kind() == kind {
			return true
		}
	}
	return false
}

// PhaseEnteredAt returns when the current phase was entered.
func (r Report) PhaseEnteredAt() (time.Time, bool) {
	m, ok := r.Latest(KindPhaseEntered)
	if !ok {
		return time.Time{}, false
	}
	return m.At, true
}
