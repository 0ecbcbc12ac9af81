package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/herd/internal/progress"
	"github.com/Iron-Ham/herd/internal/shepherd"
	"github.com/Iron-Ham/herd/internal/stuck"
)

var stuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "Detect workers that stopped making progress",
}

var stuckCheckCmd = &cobra.Command{
	Use:   "check [task-id]",
	Short: "Run the stuck detectors against running shepherds; exits 4 if any is stuck",
	Long: `Check evaluates every running shepherd (or just the named task) against
the idle, heartbeat, extended-work, loop, error-spike and missing-milestone
detectors. Verdicts are appended to the detection history.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStuckCheck,
}

var stuckAll bool

func init() {
	stuckCheckCmd.Flags().BoolVar(&stuckAll, "all", false, "include finished shepherds")

	stuckCmd.AddCommand(stuckCheckCmd)
	rootCmd.AddCommand(stuckCmd)
}

func runStuckCheck(cmd *cobra.Command, args []string) error {
	e, err := newEnv("stuck")
	if err != nil {
		return err
	}
	defer e.close()

	store := e.progress()
	var reports []progress.Report
	if len(args) == 1 {
		r, err := store.Load(args[0])
		if err != nil {
			return fmt.Errorf("load progress for %s: %w", args[0], err)
		}
		reports = append(reports, r)
	} else {
		all, errs := store.LoadAll()
		for _, err := range errs {
			e.logger.Warn("skipping unreadable progress report", "error", err)
		}
		for _, r := range all {
			if stuckAll || !r.Done() {
				reports = append(reports, r)
			}
		}
	}

	history := e.stuckHistory()
	runner := stuck.NewRunner(e.thresholds(), stuck.WithHistory(history), stuck.WithLogger(e.logger))
	logDir := e.cfg.Paths.LogDir(e.base)
	now := time.Now()

	detections := make([]stuck.Detection, 0, len(reports))
	anyStuck := false
	for _, r := range reports {
		lines, changed, err := stuck.OutputTail(shepherd.AgentLogPath(logDir, r.TaskID), e.cfg.Stuck.OutputWindow)
		if err != nil {
			e.logger.Warn("failed to read agent output", "task_id", r.TaskID, "error", err)
		}
		if changed.IsZero() {
			changed = r.StartedAt
		}
		det := runner.Check(stuck.FromReport(r, lines, changed, now))
		anyStuck = anyStuck || det.Stuck
		detections = append(detections, det)
	}
	history.Save(e.cfg.Paths.StuckHistoryFile(e.base))

	if err := render(cmd, detections, func(w io.Writer) { printDetections(w, detections) }); err != nil {
		return err
	}
	if anyStuck {
		return withCode(exitStuck, nil)
	}
	return nil
}

func printDetections(w io.Writer, dets []stuck.Detection) {
	if len(dets) == 0 {
		fmt.Fprintln(w, "no running shepherds")
		return
	}
	for _, d := range dets {
		if !d.Stuck {
			fmt.Fprintf(w, "%s\tok\n", d.AgentID)
			continue
		}
		fmt.Fprintf(w, "%s\tSTUCK\t%s\t%s\n", d.AgentID, d.Severity, d.SuggestedIntervention)
		if len(d.Indicators) > 0 {
			fmt.Fprintf(w, "  %s\n", strings.Join(d.Indicators, "\n  "))
		}
	}
}
