package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/herd/internal/config"
	"github.com/Iron-Ham/herd/internal/shepherd"
)

var shepherdCmd = &cobra.Command{
	Use:   "shepherd",
	Short: "Drive one issue through the shepherd workflow",
}

var shepherdRunCmd = &cobra.Command{
	Use:   "run <issue>",
	Short: "Run the curate, build, judge, doctor and merge phases for an issue",
	Long: `Run claims the issue and walks it through the phase sequence, calling
the configured agent command for each agent phase. Progress is written to
the state directory so the daemon and "herd stuck check" can follow along.

Between phases the runner stops with exit 4 when either shutdown file
exists: the global stop flag (<state>/stop, also honored by the daemon) or
the per-issue abort marker (<state>/abort/issue-<N>, written by
"herd shepherd abort"). Both are plain files whose content is ignored.

The process exits with the run's outcome: 0 success, 1 errored, 2 timeout,
3 session not found, 4 signal, 5 stuck, 6 budget exhausted.`,
	Args: cobra.ExactArgs(1),
	RunE: runShepherd,
}

var shepherdAbortCmd = &cobra.Command{
	Use:   "abort <issue>",
	Short: "Ask the shepherd working an issue to stop at its next phase boundary",
	Long: `Abort writes the issue's abort marker. A running shepherd notices it
before starting its next phase, releases its claim and exits 4. The marker
stays until cleared with --clear, so a shepherd started later for the same
issue stops too.`,
	Args: cobra.ExactArgs(1),
	RunE: runShepherdAbort,
}

var (
	shepherdTaskID    string
	shepherdMode      string
	shepherdStartFrom string
	abortClear        bool
)

func init() {
	shepherdRunCmd.Flags().StringVar(&shepherdTaskID, "task-id", "", "task id (default: generated)")
	shepherdRunCmd.Flags().StringVar(&shepherdMode, "mode", "", "execution mode: default, force or wait (default: shepherd.mode)")
	shepherdRunCmd.Flags().StringVar(&shepherdStartFrom, "start-from", "", "skip phases before this one")

	shepherdAbortCmd.Flags().BoolVar(&abortClear, "clear", false, "remove the abort marker instead")

	shepherdCmd.AddCommand(shepherdRunCmd, shepherdAbortCmd)
	rootCmd.AddCommand(shepherdCmd)
}

func runShepherd(cmd *cobra.Command, args []string) error {
	issue, err := parseIssue(args[0])
	if err != nil {
		return err
	}
	mode := shepherdMode
	if mode == "" {
		mode = current.Shepherd.Mode
	}
	if !slices.Contains(config.ValidModes(), mode) {
		return usageErrorf("invalid mode %q (want one of %v)", mode, config.ValidModes())
	}
	if mode == config.ModeWait {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: --mode wait is deprecated; use default")
	}

	e, err := newEnv("shepherd")
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in, shutdown, err := e.telemetry(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	wt, err := e.worktrees()
	if err != nil {
		return err
	}

	s := e.cfg.Shepherd
	opts := []shepherd.Option{
		shepherd.WithMode(mode),
		shepherd.WithMaxDoctorIterations(s.MaxDoctorIterations),
		shepherd.WithTimeouts(shepherd.Timeouts{
			Approval: s.ApprovalTimeout(),
			Phase:    s.PhaseTimeout(),
			Merge:    s.MergeTimeout(),
		}),
		shepherd.WithIntervals(s.PollInterval(), s.HeartbeatInterval()),
		shepherd.WithClaimTTL(e.cfg.Claim.TTL(), e.cfg.Claim.Extension()),
		shepherd.WithShutdownFiles(e.cfg.Paths.StopFlag(e.base), e.cfg.Paths.AbortDir(e.base)),
		shepherd.WithLogDir(e.cfg.Paths.LogDir(e.base)),
		shepherd.WithLogger(e.logger),
		shepherd.WithInstruments(in),
	}
	if shepherdTaskID != "" {
		opts = append(opts, shepherd.WithTaskID(shepherdTaskID))
	}
	if shepherdStartFrom != "" {
		p, err := shepherd.ParsePhase(shepherdStartFrom)
		if err != nil {
			return withCode(exitFailure, err)
		}
		opts = append(opts, shepherd.WithStartFrom(p))
	}
	if s.ReproCheck {
		opts = append(opts, shepherd.WithReproCheck(shepherd.ShellRunner{}))
	}

	runner, err := shepherd.New(issue, shepherd.Deps{
		Tracker:   e.tracker(),
		Agent:     shepherd.NewExecAgent(s.AgentCommand),
		Claims:    e.claims(),
		Progress:  e.progress(),
		Worktrees: wt,
	}, opts...)
	if err != nil {
		return err
	}

	res, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if rerr := render(cmd, res, func(w io.Writer) { printShepherdResult(w, res) }); rerr != nil {
		return rerr
	}
	if res.Exit != shepherd.ExitSuccess {
		return withCode(int(res.Exit), nil)
	}
	return nil
}

func runShepherdAbort(cmd *cobra.Command, args []string) error {
	issue, err := parseIssue(args[0])
	if err != nil {
		return err
	}
	e, err := newEnv("shepherd")
	if err != nil {
		return err
	}
	defer e.close()

	marker := shepherd.AbortMarker(e.cfg.Paths.AbortDir(e.base), issue)
	if abortClear {
		if err := os.Remove(marker); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove abort marker: %w", err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
			return fmt.Errorf("create abort directory: %w", err)
		}
		if err := os.WriteFile(marker, nil, 0o644); err != nil {
			return fmt.Errorf("write abort marker: %w", err)
		}
		e.logger.WithIssue(issue).Info("abort requested", "marker", marker)
	}

	out := struct {
		IssueID int    `json:"issue_id"`
		Marker  string `json:"marker"`
		Cleared bool   `json:"cleared"`
	}{issue, marker, abortClear}
	return render(cmd, out, func(w io.Writer) {
		if abortClear {
			fmt.Fprintf(w, "cleared abort marker for issue #%d\n", issue)
			return
		}
		fmt.Fprintf(w, "abort requested for issue #%d (%s)\n", issue, marker)
	})
}

func printShepherdResult(w io.Writer, res shepherd.Result) {
	fmt.Fprintf(w, "issue #%d [%s]: %s\n", res.Issue, res.TaskID, res.Exit)
	if res.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", res.Reason)
	}
	if res.PR > 0 {
		fmt.Fprintf(w, "  pr: #%d\n", res.PR)
	}
	fmt.Fprintf(w, "  %s\n", res.Timings)
}
