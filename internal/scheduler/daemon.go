package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/herd/internal/logging"
)

// Iterator runs one scheduler iteration.
type Iterator interface {
	Iterate(ctx context.Context) (Summary, error)
}

// Daemon runs iterations on a ticker until its context is cancelled or the
// stop flag appears. Writes under the watched directory wake it early, but
// never more often than the minimum gap. Iterations run on the Run goroutine
// and so never overlap.
type Daemon struct {
	it       Iterator
	interval time.Duration
	minGap   time.Duration
	watchDir string
	stopFlag string
	logger   *logging.Logger
	onIter   func(Summary, error)
}

// DaemonOption configures a Daemon.
type DaemonOption func(*Daemon)

// WithWatchDir wakes the daemon when files under dir are written.
func WithWatchDir(dir string) DaemonOption {
	return func(d *Daemon) { d.watchDir = dir }
}

// WithMinGap sets the shortest time between an iteration and an early
// wake-up (default: 2s).
func WithMinGap(gap time.Duration) DaemonOption {
	return func(d *Daemon) { d.minGap = gap }
}

// WithStopFlag makes the daemon exit once path exists.
func WithStopFlag(path string) DaemonOption {
	return func(d *Daemon) { d.stopFlag = path }
}

// WithDaemonLogger sets the daemon's logger.
func WithDaemonLogger(l *logging.Logger) DaemonOption {
	return func(d *Daemon) { d.logger = l }
}

// WithIterationHook calls fn after every iteration.
func WithIterationHook(fn func(Summary, error)) DaemonOption {
	return func(d *Daemon) { d.onIter = fn }
}

// NewDaemon creates a Daemon that runs it every interval.
func NewDaemon(it Iterator, interval time.Duration, opts ...DaemonOption) (*Daemon, error) {
	if it == nil {
		return nil, errors.New("daemon: iterator is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("daemon: interval must be positive, got %s", interval)
	}
	d := &Daemon{
		it:       it,
		interval: interval,
		minGap:   2 * time.Second,
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run iterates immediately and then on every tick or wake-up. It returns
// nil on cancellation or when the stop flag appears; a failed iteration is
// logged and does not stop the loop.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	wake := make(chan struct{}, 1)
	watchDone := make(chan struct{})
	if d.watchDir != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			cancel()
			return fmt.Errorf("create watcher: %w", err)
		}
		if err := os.MkdirAll(d.watchDir, 0o755); err != nil {
			_ = w.Close()
			cancel()
			return fmt.Errorf("create watch dir: %w", err)
		}
		if err := w.Add(d.watchDir); err != nil {
			_ = w.Close()
			cancel()
			return fmt.Errorf("watch %s: %w", d.watchDir, err)
		}
		go d.watch(ctx, w, wake, watchDone)
	} else {
		close(watchDone)
	}
	defer func() {
		cancel()
		<-watchDone
	}()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("daemon started", "interval", d.interval.String(), "watch_dir", d.watchDir)
	var last time.Time
	for {
		if d.stopRequested() {
			d.logger.Info("stop flag present, daemon exiting", "path", d.stopFlag)
			return nil
		}
		last = time.Now()
		d.iterate(ctx)

		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopping")
			return nil
		case <-ticker.C:
		case <-wake:
			if wait := d.minGap - time.Since(last); wait > 0 {
				select {
				case <-ctx.Done():
					d.logger.Info("daemon stopping")
					return nil
				case <-time.After(wait):
				}
			}
		}
	}
}

func (d *Daemon) iterate(ctx context.Context) {
	sum, err := d.it.Iterate(ctx)
	switch {
	case errors.Is(err, ErrIterationInProgress):
		d.logger.Debug("skipped overlapping iteration")
	case err != nil && ctx.Err() == nil:
		d.logger.Error("iteration failed", "error", err)
	}
	if d.onIter != nil {
		d.onIter(sum, err)
	}
}

// watch forwards write and create events as non-blocking wake-ups. It owns
// the watcher and closes it on exit.
func (d *Daemon) watch(ctx context.Context, w *fsnotify.Watcher, wake chan<- struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() { _ = w.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watcher error", "error", err)
		}
	}
}

func (d *Daemon) stopRequested() bool {
	if d.stopFlag == "" {
		return false
	}
	_, err := os.Stat(d.stopFlag)
	return err == nil
}
