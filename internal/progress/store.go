package progress

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/herd/internal/statefile"
)

// Store reads progress reports from a directory and hands out writers.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

// Dir returns the progress directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the report path for taskID.
func (s *Store) Path(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

// Load reads one report. A missing report yields statefile.ErrNotExist.
func (s *Store) Load(taskID string) (Report, error) {
	var r Report
	if err := statefile.Read(s.Path(taskID), &r); err != nil {
		return Report{}, err
	}
	return r, nil
}

// LoadAll reads every report in the directory, ordered by task id. Reports
// that fail to decode are returned as errors alongside the readable ones.
func (s *Store) LoadAll() ([]Report, []error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("read progress dir: %w", err)}
	}
	var reports []Report
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		r, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			if !errors.Is(err, statefile.ErrNotExist) {
				errs = append(errs, fmt.Errorf("progress %s: %w", name, err))
			}
			continue
		}
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].TaskID < reports[j].TaskID })
	return reports, errs
}

// Remove deletes a report. Missing reports are not an error.
func (s *Store) Remove(taskID string) error {
	if err := os.Remove(s.Path(taskID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove progress: %w", err)
	}
	return nil
}

// LastHeartbeat returns the owner's most recent heartbeat. Shepherd owner ids
// are their task ids. ok is false when no report exists.
func (s *Store) LastHeartbeat(ownerID string) (time.Time, bool, error) {
	r, err := s.Load(ownerID)
	if err != nil {
		if errors.Is(err, statefile.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return r.LastHeartbeat, true, nil
}

// Writer is the single writer of one report. It is safe for concurrent use
// by the shepherd's phase loop and its heartbeat goroutine.
type Writer struct {
	mu     sync.Mutex
	store  *Store
	report Report
	now    func() time.Time
}

// NewWriter creates the writer for taskID working issue. Nothing is written
// until Start.
func (s *Store) NewWriter(taskID string, issue int) *Writer {
	return &Writer{
		store:  s,
		now:    s.now,
		report: Report{TaskID: taskID, IssueID: issue, Status: StatusRunning},
	}
}

// SetClock overrides the writer's time source.
func (w *Writer) SetClock(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
}

// Start records the Started milestone and writes the first version of the
// report.
func (w *Writer) Start(ev Started) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now().UTC()
	w.report.StartedAt = now
	w.report.LastHeartbeat = now
	w.report.Milestones = append(w.report.Milestones, Milestone{At: now, Event: ev})
	return w.flush()
}

// Heartbeat refreshes last_heartbeat without adding a milestone.
func (w *Writer) Heartbeat() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.report.LastHeartbeat = w.now().UTC()
	return w.flush()
}

// Record appends a milestone and updates the derived report fields.
func (w *Writer) Record(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now().UTC()
	w.report.LastHeartbeat = now
	w.report.Milestones = append(w.report.Milestones, Milestone{At: now, Event: ev})

	switch e := ev.(type) {
	case PhaseEntered:
		w.report.CurrentPhase = e.Phase
	case PRCreated:
		w.report.PRNumber = e.Number
	case Error:
		w.report.LastError = e.Message
	case BudgetExhausted:
		if e.Detail != "" {
			w.report.LastError = e.Detail
		}
	case Completed:
		w.report.Outcome = e.Outcome
		w.report.ExitCode = e.ExitCode
		if e.ExitCode == 0 {
			w.report.Status = StatusCompleted
		} else {
			w.report.Status = StatusErrored
		}
	}
	return w.flush()
}

// Snapshot returns a copy of the in-memory report.
func (w *Writer) Snapshot() Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.report
	r.Milestones = append([]Milestone(nil), w.report.Milestones...)
	return r
}

func (w *Writer) flush() error {
	if err := statefile.Write(w.store.Path(w.report.TaskID), w.report); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	return nil
}
