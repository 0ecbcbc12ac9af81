package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/herd/internal/config"
	"github.com/Iron-Ham/herd/internal/scheduler"
	"github.com/Iron-Ham/herd/internal/stuck"
	"github.com/Iron-Ham/herd/internal/telemetry"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Keep a bounded pool of shepherds busy",
	Long: `The daemon fills shepherd slots with ready issues, reclaims slots whose
workers finished or got stuck, retries blocked issues and escalates the
ones that keep failing.

Each iteration rereads the state document, so "iterate" can be run from
cron instead of keeping "run" alive.`,
}

var daemonIterateCmd = &cobra.Command{
	Use:   "iterate",
	Short: "Run a single scheduler iteration",
	Args:  cobra.NoArgs,
	RunE:  runDaemonIterate,
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Iterate until interrupted or the stop flag appears",
	Args:  cobra.NoArgs,
	RunE:  runDaemonRun,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show slots, the spawn queue and issues needing a human",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var daemonSpawnCmd = &cobra.Command{
	Use:   "spawn <issue>",
	Short: "Start a shepherd for an issue now, or queue it when no slot is free",
	Args:  cobra.ExactArgs(1),
	RunE:  runDaemonSpawn,
}

var spawnMode string

func init() {
	daemonSpawnCmd.Flags().StringVar(&spawnMode, "mode", "", "execution mode (default: shepherd.mode)")

	daemonCmd.AddCommand(daemonIterateCmd, daemonRunCmd, daemonStatusCmd, daemonSpawnCmd)
	rootCmd.AddCommand(daemonCmd)
}

// newScheduler wires a Scheduler from e. The caller runs the returned
// shutdown hook once done.
func newScheduler(ctx context.Context, e *env) (*scheduler.Scheduler, telemetry.Shutdown, error) {
	in, shutdown, err := e.telemetry(ctx)
	if err != nil {
		return nil, nil, err
	}
	wt, err := e.worktrees()
	if err != nil {
		_ = shutdown(ctx)
		return nil, nil, err
	}
	history := e.stuckHistory()
	s, err := scheduler.New(scheduler.SettingsFrom(e.cfg, e.base), scheduler.Deps{
		Tracker:   e.tracker(),
		Host:      e.host(),
		Claims:    e.claims(),
		Progress:  e.progress(),
		Worktrees: wt,
		Audit:     e.audit(),
	},
		scheduler.WithLogger(e.logger),
		scheduler.WithInstruments(in),
		scheduler.WithStuckRunner(stuck.NewRunner(e.thresholds(),
			stuck.WithHistory(history),
			stuck.WithLogger(e.logger),
		)),
	)
	if err != nil {
		_ = shutdown(ctx)
		return nil, nil, err
	}
	historyPath := e.cfg.Paths.StuckHistoryFile(e.base)
	return s, func(ctx context.Context) error {
		history.Save(historyPath)
		return shutdown(ctx)
	}, nil
}

func runDaemonIterate(cmd *cobra.Command, _ []string) error {
	e, err := newEnv("daemon")
	if err != nil {
		return err
	}
	defer e.close()

	ctx := cmd.Context()
	s, shutdown, err := newScheduler(ctx, e)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	sum, err := s.Iterate(ctx)
	if err != nil {
		return err
	}
	return render(cmd, sum, func(w io.Writer) { printSummary(w, sum) })
}

func runDaemonRun(cmd *cobra.Command, _ []string) error {
	e, err := newEnv("daemon")
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, shutdown, err := newScheduler(ctx, e)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	opts := []scheduler.DaemonOption{
		scheduler.WithStopFlag(e.cfg.Paths.StopFlag(e.base)),
		scheduler.WithDaemonLogger(e.logger),
	}
	if e.cfg.Scheduler.WatchProgress {
		dir := e.cfg.Paths.ProgressDir(e.base)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create progress dir: %w", err)
		}
		opts = append(opts, scheduler.WithWatchDir(dir))
	}
	if outputFormat == formatText {
		out := cmd.OutOrStdout()
		opts = append(opts, scheduler.WithIterationHook(func(sum scheduler.Summary, err error) {
			if err != nil {
				fmt.Fprintf(out, "%s iteration failed: %v\n", time.Now().Format(time.TimeOnly), err)
				return
			}
			fmt.Fprintf(out, "%s ", time.Now().Format(time.TimeOnly))
			printSummary(out, sum)
		}))
	}

	d, err := scheduler.NewDaemon(s, e.cfg.Scheduler.Interval(), opts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "herd daemon: %d slots, every %s\n", e.cfg.Scheduler.MaxShepherds, e.cfg.Scheduler.Interval())
	return d.Run(ctx)
}

type daemonStatus struct {
	StatePath  string                   `json:"state_path"`
	Iteration  int64                    `json:"iteration"`
	UpdatedAt  time.Time                `json:"updated_at,omitzero"`
	FreeSlots  int                      `json:"free_slots"`
	Slots      []scheduler.Slot         `json:"slots"`
	Pending    []scheduler.PendingSpawn `json:"pending"`
	NeedsHuman []scheduler.NeedsHuman   `json:"needs_human"`
	StopFlag   bool                     `json:"stop_requested"`
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	e, err := newEnv("daemon")
	if err != nil {
		return err
	}
	defer e.close()

	path := e.cfg.Paths.DaemonStateFile(e.base)
	st, err := scheduler.LoadState(path, e.cfg.Scheduler.MaxShepherds)
	if err != nil {
		return err
	}
	_, statErr := os.Stat(e.cfg.Paths.StopFlag(e.base))
	out := daemonStatus{
		StatePath:  path,
		Iteration:  st.Iteration,
		UpdatedAt:  st.UpdatedAt,
		FreeSlots:  st.FreeSlots(),
		Slots:      st.Slots,
		Pending:    st.Pending,
		NeedsHuman: st.NeedsHuman,
		StopFlag:   statErr == nil,
	}
	if out.Pending == nil {
		out.Pending = []scheduler.PendingSpawn{}
	}
	if out.NeedsHuman == nil {
		out.NeedsHuman = []scheduler.NeedsHuman{}
	}
	return render(cmd, out, func(w io.Writer) { printStatus(w, out) })
}

func runDaemonSpawn(cmd *cobra.Command, args []string) error {
	issue, err := parseIssue(args[0])
	if err != nil {
		return err
	}
	mode := spawnMode
	if mode == "" {
		mode = current.Shepherd.Mode
	}
	if !slices.Contains(config.ValidModes(), mode) {
		return usageErrorf("invalid mode %q (want one of %v)", mode, config.ValidModes())
	}

	e, err := newEnv("daemon")
	if err != nil {
		return err
	}
	defer e.close()

	ctx := cmd.Context()
	s, shutdown, err := newScheduler(ctx, e)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	sum, err := s.RequestSpawn(ctx, issue, mode)
	if err != nil {
		return err
	}
	return render(cmd, sum, func(w io.Writer) {
		switch {
		case slices.Contains(sum.Spawned, issue):
			fmt.Fprintf(w, "spawned shepherd for #%d\n", issue)
		case slices.Contains(sum.Queued, issue):
			fmt.Fprintf(w, "queued #%d (%d pending)\n", issue, sum.Pending)
		default:
			fmt.Fprintf(w, "#%d already running or queued\n", issue)
		}
	})
}

func printSummary(w io.Writer, sum scheduler.Summary) {
	fmt.Fprintf(w, "iteration %d: %d free, %d pending", sum.Iteration, sum.FreeSlots, sum.Pending)
	for _, part := range []struct {
		label  string
		issues []int
	}{
		{"spawned", sum.Spawned},
		{"queued", sum.Queued},
		{"rejected", sum.Rejected},
		{"completed", sum.Completed},
		{"reclaimed", sum.Reclaimed},
		{"paused", sum.Paused},
		{"retried", sum.Retried},
		{"escalated", sum.Escalated},
		{"decomposed", sum.Decompositions},
	} {
		if len(part.issues) > 0 {
			fmt.Fprintf(w, ", %s %v", part.label, part.issues)
		}
	}
	if len(sum.Roles) > 0 {
		fmt.Fprintf(w, ", roles %v", sum.Roles)
	}
	fmt.Fprintln(w)
}

func printStatus(w io.Writer, st daemonStatus) {
	fmt.Fprintf(w, "iteration %d", st.Iteration)
	if !st.UpdatedAt.IsZero() {
		fmt.Fprintf(w, " (updated %s)", st.UpdatedAt.Local().Format(time.RFC3339))
	}
	if st.StopFlag {
		fmt.Fprint(w, " [stop requested]")
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "slots (%d free):\n", st.FreeSlots)
	for _, sl := range st.Slots {
		if !sl.Busy() {
			fmt.Fprintf(w, "  %d\t%s\n", sl.ID, sl.Status)
			continue
		}
		phase := sl.LastPhase
		if phase == "" {
			phase = "-"
		}
		fmt.Fprintf(w, "  %d\t%s\t#%d\t%s\t%s\n", sl.ID, sl.Status, sl.Issue, sl.TaskID, phase)
	}
	if len(st.Pending) > 0 {
		fmt.Fprintln(w, "pending:")
		for _, p := range st.Pending {
			fmt.Fprintf(w, "  #%d\t%s\tqueued %s\n", p.Issue, p.Mode, p.QueuedAt.Local().Format(time.RFC3339))
		}
	}
	if len(st.NeedsHuman) > 0 {
		fmt.Fprintln(w, "needs human:")
		for _, n := range st.NeedsHuman {
			fmt.Fprintf(w, "  #%d\t%s\t%s\n", n.Issue, n.Class, n.Reason)
		}
	}
}
