package scheduler

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Iron-Ham/herd/internal/failure"
	"github.com/Iron-Ham/herd/internal/statefile"
)

// SlotStatus is the lifecycle state of a worker slot.
type SlotStatus string

const (
	SlotIdle    SlotStatus = "idle"
	SlotWorking SlotStatus = "working"
	SlotErrored SlotStatus = "errored"
	SlotPaused  SlotStatus = "paused"
)

// Slot is one unit of shepherd capacity. A working or paused slot always
// names the issue and task it is running.
type Slot struct {
	ID         int        `json:"slot_id"`
	Status     SlotStatus `json:"status"`
	Issue      int        `json:"issue_id,omitempty"`
	TaskID     string     `json:"task_id,omitempty"`
	Session    string     `json:"session,omitempty"`
	LastPhase  string     `json:"last_phase,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitzero"`
	PausedAt   time.Time  `json:"paused_at,omitzero"`
	Mode       string     `json:"execution_mode,omitempty"`
	IdleReason string     `json:"idle_reason,omitempty"`
}

// Busy reports whether the slot holds a worker.
func (s *Slot) Busy() bool {
	return s.Status == SlotWorking || s.Status == SlotPaused
}

func (s *Slot) free(reason string) {
	*s = Slot{ID: s.ID, Status: SlotIdle, IdleReason: reason}
}

// PendingSpawn is a shepherd start waiting for a free slot.
type PendingSpawn struct {
	Issue    int       `json:"issue_id"`
	Mode     string    `json:"mode"`
	Flags    []string  `json:"flags,omitempty"`
	QueuedAt time.Time `json:"queued_at"`
}

// RetryState is the failure history of one issue. RetryCount only ever
// grows; a change of class updates the classification but keeps the count.
type RetryState struct {
	Issue             int             `json:"issue_id"`
	RetryCount        int             `json:"retry_count"`
	ErrorClass        failure.Class   `json:"error_class"`
	ClassHistory      []failure.Class `json:"class_history,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	LastFailureAt     time.Time       `json:"last_failure_at,omitzero"`
	LastRetryAt       time.Time       `json:"last_retry_at,omitzero"`
	BackoffUntil      time.Time       `json:"backoff_until,omitzero"`
	TransientAttempts int             `json:"transient_attempts,omitempty"`
	// Pending is set while a recorded failure still awaits its retry.
	Pending          bool      `json:"pending,omitempty"`
	EscalatedToHuman bool      `json:"escalated_to_human"`
	EscalatedAt      time.Time `json:"escalated_at,omitzero"`
}

// NeedsHuman is one entry of the needs-human-input list.
type NeedsHuman struct {
	Issue  int           `json:"issue_id"`
	Class  failure.Class `json:"error_class"`
	Reason string        `json:"reason"`
	At     time.Time     `json:"at"`
}

// RoleState is the runtime state of a support role.
type RoleState struct {
	Name          string    `json:"name"`
	Session       string    `json:"session,omitempty"`
	Trigger       string    `json:"trigger,omitempty"`
	LastStartedAt time.Time `json:"last_started_at,omitzero"`
	LastEndedAt   time.Time `json:"last_ended_at,omitzero"`
}

// Running reports whether the role has a live session on record.
func (r *RoleState) Running() bool {
	return r.Session != ""
}

// Fingerprint tracks when a session's captured output last changed.
type Fingerprint struct {
	Hash      string    `json:"hash"`
	ChangedAt time.Time `json:"changed_at"`
}

// State is the daemon's aggregate document. It is read in full at the start
// of an iteration and rewritten in full at the end.
type State struct {
	Iteration  int64                  `json:"iteration"`
	UpdatedAt  time.Time              `json:"updated_at,omitzero"`
	Slots      []Slot                 `json:"slots"`
	Pending    []PendingSpawn         `json:"pending"`
	Retries    map[int]*RetryState    `json:"retries"`
	NeedsHuman []NeedsHuman           `json:"needs_human"`
	Roles      map[string]*RoleState  `json:"roles"`
	Output     map[string]Fingerprint `json:"output_fingerprints"`
	// Decompositions maps an escalated issue to the issue opened to split it.
	Decompositions map[int]int `json:"decompositions"`
}

// NewState returns an empty state with n idle slots.
func NewState(n int) *State {
	s := &State{}
	s.normalize(n)
	return s
}

// LoadState reads the state document at path. A missing document yields a
// fresh state.
func LoadState(path string, slots int) (*State, error) {
	var s State
	if err := statefile.Read(path, &s); err != nil {
		if errors.Is(err, statefile.ErrNotExist) {
			return NewState(slots), nil
		}
		return nil, fmt.Errorf("load daemon state: %w", err)
	}
	s.normalize(slots)
	return &s, nil
}

// Save rewrites the whole document at path.
func (s *State) Save(path string) error {
	return statefile.Write(path, s)
}

// normalize fills nil maps and resizes the slot table to n. Shrinking only
// drops trailing idle slots so a running worker is never forgotten.
func (s *State) normalize(n int) {
	if s.Retries == nil {
		s.Retries = make(map[int]*RetryState)
	}
	if s.Roles == nil {
		s.Roles = make(map[string]*RoleState)
	}
	if s.Output == nil {
		s.Output = make(map[string]Fingerprint)
	}
	if s.Decompositions == nil {
		s.Decompositions = make(map[int]int)
	}
	if s.Pending == nil {
		s.Pending = []PendingSpawn{}
	}
	if s.NeedsHuman == nil {
		s.NeedsHuman = []NeedsHuman{}
	}
	for len(s.Slots) < n {
		s.Slots = append(s.Slots, Slot{ID: len(s.Slots), Status: SlotIdle})
	}
	for len(s.Slots) > n && !s.Slots[len(s.Slots)-1].Busy() {
		s.Slots = s.Slots[:len(s.Slots)-1]
	}
}

// FreeSlots returns the number of idle slots.
func (s *State) FreeSlots() int {
	n := 0
	for i := range s.Slots {
		if !s.Slots[i].Busy() {
			n++
		}
	}
	return n
}

// freeSlot returns the first slot without a worker, or nil.
func (s *State) freeSlot() *Slot {
	for i := range s.Slots {
		if !s.Slots[i].Busy() {
			return &s.Slots[i]
		}
	}
	return nil
}

// SlotFor returns the slot working on issue, or nil.
func (s *State) SlotFor(issue int) *Slot {
	for i := range s.Slots {
		if s.Slots[i].Busy() && s.Slots[i].Issue == issue {
			return &s.Slots[i]
		}
	}
	return nil
}

// Queued reports whether issue waits in the pending queue.
func (s *State) Queued(issue int) bool {
	return slices.ContainsFunc(s.Pending, func(p PendingSpawn) bool { return p.Issue == issue })
}

// Enqueue adds req to the pending queue unless the issue is already queued
// or running. It reports whether the queue changed.
func (s *State) Enqueue(req PendingSpawn) bool {
	if s.Queued(req.Issue) || s.SlotFor(req.Issue) != nil {
		return false
	}
	s.Pending = append(s.Pending, req)
	return true
}

// dequeue removes issue from the pending queue.
func (s *State) dequeue(issue int) {
	s.Pending = slices.DeleteFunc(s.Pending, func(p PendingSpawn) bool { return p.Issue == issue })
}

// retry returns the issue's retry state, creating it if needed.
func (s *State) retry(issue int) *RetryState {
	rs, ok := s.Retries[issue]
	if !ok {
		rs = &RetryState{Issue: issue}
		s.Retries[issue] = rs
	}
	return rs
}

// role returns the runtime state of the named role, creating it if needed.
func (s *State) role(name string) *RoleState {
	rs, ok := s.Roles[name]
	if !ok {
		rs = &RoleState{Name: name}
		s.Roles[name] = rs
	}
	return rs
}
