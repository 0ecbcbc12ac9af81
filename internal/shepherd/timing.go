package shepherd

import (
	"fmt"
	"strings"
	"time"
)

// Phase status tags recorded in timing entries.
const (
	StatusSuccess          = "success"
	StatusSkipped          = "skipped"
	StatusApproved         = "approved"
	StatusChangesRequested = "changes_requested"
	StatusFixed            = "fixed"
	StatusMerged           = "merged"
	StatusAwaitingMerge    = "awaiting_merge"
	StatusFailed           = "failed"
	StatusTimeout          = "timeout"
	StatusBudgetExhausted  = "budget_exhausted"
	StatusAborted          = "aborted"
)

// Timing is one executed (or runtime-skipped) phase attempt. JUDGE and DOCTOR
// retries each get their own entry.
type Timing struct {
	Phase    Phase         `json:"phase"`
	Attempt  int           `json:"attempt"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration_ns"`
	Status   string        `json:"status"`
	// Skipped marks an idempotent skip discovered at runtime; it carries
	// zero duration.
	Skipped bool   `json:"skipped,omitempty"`
	Note    string `json:"note,omitempty"`
}

// Timings accumulates the entries of one run in order.
type Timings struct {
	entries []Timing
}

// Add appends an executed phase attempt.
func (t *Timings) Add(phase Phase, attempt int, start, end time.Time, status string) Timing {
	e := Timing{
		Phase:    phase,
		Attempt:  attempt,
		Start:    start,
		End:      end,
		Duration: end.Sub(start),
		Status:   status,
	}
	t.entries = append(t.entries, e)
	return e
}

// Skip appends a zero-duration entry for a phase skipped at runtime.
func (t *Timings) Skip(phase Phase, at time.Time, note string) Timing {
	e := Timing{
		Phase:   phase,
		Attempt: 1,
		Start:   at,
		End:     at,
		Status:  StatusSkipped,
		Skipped: true,
		Note:    note,
	}
	t.entries = append(t.entries, e)
	return e
}

// Entries returns a copy of the entries in order.
func (t *Timings) Entries() []Timing {
	return append([]Timing(nil), t.entries...)
}

// Count returns the number of entries of phase, skip-noted ones included.
func (t *Timings) Count(phase Phase) int {
	n := 0
	for _, e := range t.entries {
		if e.Phase == phase {
			n++
		}
	}
	return n
}

// Summary totals the executed entries. Skip-noted entries are listed but
// never counted.
type Summary struct {
	Entries  []Timing                `json:"entries"`
	Executed int                     `json:"executed"`
	Total    time.Duration           `json:"total_ns"`
	ByPhase  map[Phase]time.Duration `json:"by_phase"`
}

// Summary computes the post-run summary.
func (t *Timings) Summary() Summary {
	s := Summary{Entries: t.Entries(), ByPhase: make(map[Phase]time.Duration)}
	for _, e := range t.entries {
		if e.Skipped {
			continue
		}
		s.Executed++
		s.Total += e.Duration
		s.ByPhase[e.Phase] += e.Duration
	}
	return s
}

// String renders the summary as the table printed at the end of a run.
func (s Summary) String() string {
	var b strings.Builder
	for _, e := range s.Entries {
		if e.Skipped {
			fmt.Fprintf(&b, "%-9s #%d  %-18s %s\n", e.Phase, e.Attempt, e.Status, e.Note)
			continue
		}
		fmt.Fprintf(&b, "%-9s #%d  %-18s %s\n", e.Phase, e.Attempt, e.Status, e.Duration.Round(time.Second))
	}
	fmt.Fprintf(&b, "total: %s over %d phases\n", s.Total.Round(time.Second), s.Executed)
	return b.String()
}
