package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Iron-Ham/herd/internal/audit"
	"github.com/Iron-Ham/herd/internal/shepherd"
	"github.com/Iron-Ham/herd/internal/tmux"
	"github.com/Iron-Ham/herd/internal/tracker"
)

var (
	// ErrNotSpawnable is returned when an issue fails the spawn preconditions.
	ErrNotSpawnable = errors.New("issue cannot be spawned")
	// ErrNoFreeSlot is returned by spawn when every slot holds a worker.
	ErrNoFreeSlot = errors.New("no free slot")
)

// admissible checks the spawn preconditions against the tracker's current
// view of the issue: it must exist and be open.
func (s *Scheduler) admissible(issue int) error {
	is, err := s.deps.Tracker.GetIssue(issue)
	if err != nil {
		if errors.Is(err, tracker.ErrIssueNotFound) {
			return fmt.Errorf("%w: #%d does not exist", ErrNotSpawnable, issue)
		}
		return err
	}
	if !is.Open() {
		return fmt.Errorf("%w: #%d is %s", ErrNotSpawnable, issue, is.State)
	}
	return nil
}

// claimed reports whether issue holds a live claim.
func (s *Scheduler) claimed(issue int) bool {
	_, err := s.deps.Claims.Check(issue)
	return err == nil
}

// request admits one spawn request. Requests that cannot start right now,
// because the queue is non-empty or no slot is free, are queued once.
func (s *Scheduler) request(ctx context.Context, st *State, req PendingSpawn, sum *Summary) {
	if st.SlotFor(req.Issue) != nil || st.Queued(req.Issue) {
		return
	}
	if err := s.admissible(req.Issue); err != nil {
		s.reject(req.Issue, err, sum)
		return
	}
	if len(st.Pending) > 0 || st.FreeSlots() == 0 {
		if st.Enqueue(req) {
			s.logger.WithIssue(req.Issue).Info("queued spawn request", "position", len(st.Pending))
			sum.Queued = append(sum.Queued, req.Issue)
		}
		return
	}
	if err := s.spawn(ctx, st, req, sum); err != nil {
		s.logger.WithIssue(req.Issue).Error("failed to spawn shepherd", "error", err)
	}
}

// reject drops a request that failed its preconditions. Lookup failures
// other than a missing issue are not rejections; the request is retried on
// the next iteration.
func (s *Scheduler) reject(issue int, err error, sum *Summary) {
	if !errors.Is(err, ErrNotSpawnable) {
		s.logger.WithIssue(issue).Warn("cannot check spawn preconditions", "error", err)
		return
	}
	s.logger.WithIssue(issue).Warn("rejected spawn request", "reason", err.Error())
	sum.Rejected = append(sum.Rejected, issue)
	s.record(audit.KindSpawnRejected, issue, map[string]any{"reason": err.Error()})
}

// drain starts queued requests in arrival order. At most as many requests
// are started as there were free slots when the drain began.
func (s *Scheduler) drain(ctx context.Context, st *State, sum *Summary) {
	budget := st.FreeSlots()
	for _, req := range slices.Clone(st.Pending) {
		if budget == 0 {
			return
		}
		if st.SlotFor(req.Issue) != nil {
			st.dequeue(req.Issue)
			continue
		}
		if err := s.admissible(req.Issue); err != nil {
			if errors.Is(err, ErrNotSpawnable) {
				st.dequeue(req.Issue)
			}
			s.reject(req.Issue, err, sum)
			continue
		}
		if s.claimed(req.Issue) {
			s.logger.WithIssue(req.Issue).Info("dropping queued request for a claimed issue")
			st.dequeue(req.Issue)
			continue
		}
		if err := s.spawn(ctx, st, req, sum); err != nil {
			s.logger.WithIssue(req.Issue).Error("failed to spawn queued shepherd", "error", err)
			continue
		}
		st.dequeue(req.Issue)
		budget--
	}
}

// spawnReady requests a shepherd for every workable issue nobody owns yet,
// lowest issue number first.
func (s *Scheduler) spawnReady(ctx context.Context, st *State, snap *Snapshot, sum *Summary) {
	for _, is := range snap.Ready {
		if is.HasLabel(tracker.LabelNeedsHuman) {
			continue
		}
		if st.SlotFor(is.Number) != nil || st.Queued(is.Number) || s.claimed(is.Number) {
			continue
		}
		s.request(ctx, st, PendingSpawn{Issue: is.Number, Mode: s.cfg.Mode, QueuedAt: snap.Now}, sum)
	}
}

// RequestSpawn admits a manual spawn request for issue outside the ready
// scan, queueing it when no slot is free. It runs as its own iteration step
// and so cannot overlap a running iteration.
func (s *Scheduler) RequestSpawn(ctx context.Context, issue int, mode string, flags ...string) (Summary, error) {
	if !s.mu.TryLock() {
		return Summary{}, ErrIterationInProgress
	}
	defer s.mu.Unlock()

	st, err := LoadState(s.cfg.StatePath, s.cfg.MaxShepherds)
	if err != nil {
		return Summary{}, err
	}
	if mode == "" {
		mode = s.cfg.Mode
	}
	sum := &Summary{Iteration: st.Iteration}
	if s.claimed(issue) {
		return *sum, fmt.Errorf("%w: #%d is claimed", ErrNotSpawnable, issue)
	}
	if err := s.admissible(issue); err != nil {
		s.reject(issue, err, sum)
		return *sum, err
	}
	s.request(ctx, st, PendingSpawn{Issue: issue, Mode: mode, Flags: flags, QueuedAt: s.now()}, sum)
	sum.FreeSlots = st.FreeSlots()
	sum.Pending = len(st.Pending)
	return *sum, st.Save(s.cfg.StatePath)
}

// spawn starts a shepherd session for req in the first free slot.
func (s *Scheduler) spawn(ctx context.Context, st *State, req PendingSpawn, sum *Summary) error {
	slot := st.freeSlot()
	if slot == nil {
		return ErrNoFreeSlot
	}
	mode := req.Mode
	if mode == "" {
		mode = s.cfg.Mode
	}
	taskID := shepherd.NewTaskID()
	session := tmux.SessionName(taskID)

	argv := slices.Clone(s.cfg.ShepherdCommand)
	argv = append(argv, itoa(req.Issue), "--task-id", taskID)
	if mode != "" {
		argv = append(argv, "--mode", mode)
	}
	argv = append(argv, req.Flags...)

	err := s.deps.Host.Create(ctx, tmux.Spec{
		Name:    session,
		WorkDir: s.cfg.RepoDir,
		Command: argv,
		Env:     map[string]string{"HERD_TASK_ID": taskID},
	})
	if err != nil {
		return fmt.Errorf("create session %s: %w", session, err)
	}

	*slot = Slot{
		ID:        slot.ID,
		Status:    SlotWorking,
		Issue:     req.Issue,
		TaskID:    taskID,
		Session:   session,
		StartedAt: s.now(),
		Mode:      mode,
	}
	sum.Spawned = append(sum.Spawned, req.Issue)
	s.metrics.Spawned(ctx, "shepherd")
	s.logger.WithIssue(req.Issue).WithWorker(taskID).Info("spawned shepherd", "slot", slot.ID, "mode", mode, "session", session)
	return nil
}

// queueAge is how long the oldest pending request has waited.
func queueAge(st *State, now time.Time) time.Duration {
	if len(st.Pending) == 0 {
		return 0
	}
	return now.Sub(st.Pending[0].QueuedAt)
}
