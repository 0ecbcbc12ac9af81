package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/herd/internal/progress"
	"github.com/Iron-Ham/herd/internal/tracker"
)

// Snapshot is the point-in-time view one iteration works from.
type Snapshot struct {
	Now time.Time
	// Ready are open issues approved for building.
	Ready []tracker.Issue
	// Blocked are open issues a shepherd gave up on.
	Blocked []tracker.Issue
	// Demand maps a role name to the open issues carrying its demand label.
	Demand map[string][]tracker.Issue
	// Reports are the progress reports on disk, by task id.
	Reports map[string]progress.Report
	// Sessions holds the names of live host sessions.
	Sessions map[string]bool
}

// Snapshot gathers tracker state, progress reports and session liveness
// concurrently. A tracker or host failure fails the snapshot; unreadable
// progress reports are logged and skipped.
func (s *Scheduler) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Now:      s.now(),
		Demand:   make(map[string][]tracker.Issue),
		Reports:  make(map[string]progress.Report),
		Sessions: make(map[string]bool),
	}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		issues, err := s.deps.Tracker.ListIssues(tracker.ListOptions{Labels: []string{tracker.LabelIssue}})
		if err != nil {
			return fmt.Errorf("list ready issues: %w", err)
		}
		snap.Ready = sortedIssues(issues)
		return nil
	})
	g.Go(func() error {
		issues, err := s.deps.Tracker.ListIssues(tracker.ListOptions{Labels: []string{tracker.LabelBlocked}})
		if err != nil {
			return fmt.Errorf("list blocked issues: %w", err)
		}
		snap.Blocked = sortedIssues(issues)
		return nil
	})
	for _, role := range s.cfg.Roles {
		if role.DemandLabel == "" {
			continue
		}
		g.Go(func() error {
			issues, err := s.deps.Tracker.ListIssues(tracker.ListOptions{Labels: []string{role.DemandLabel}})
			if err != nil {
				return fmt.Errorf("list %s demand: %w", role.Name, err)
			}
			mu.Lock()
			snap.Demand[role.Name] = issues
			mu.Unlock()
			return nil
		})
	}
	g.Go(func() error {
		reports, errs := s.deps.Progress.LoadAll()
		for _, err := range errs {
			s.logger.Warn("skipping unreadable progress report", "error", err)
		}
		for _, r := range reports {
			snap.Reports[r.TaskID] = r
		}
		return nil
	})
	g.Go(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		names, err := s.deps.Host.List(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		for _, n := range names {
			snap.Sessions[n] = true
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}
