package stuck

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Detector is one named heuristic.
type Detector struct {
	Name  string
	Check func(AgentState, Thresholds) Result
}

// DefaultDetectors returns every built-in detector in evaluation order.
func DefaultDetectors() []Detector {
	return []Detector{
		{Name: "idle_timeout", Check: IdleTimeout},
		{Name: "stale_heartbeat", Check: StaleHeartbeat},
		{Name: "extended_work", Check: ExtendedWork},
		{Name: "loop", Check: Loop},
		{Name: "error_spike", Check: ErrorSpike},
		{Name: "missing_milestone", Check: MissingMilestone},
	}
}

func notDetected() Result {
	return Result{Severity: SeverityNone, Intervention: InterventionNone}
}

func ago(d time.Duration) string {
	return d.Truncate(time.Second).String()
}

// IdleTimeout fires when a working agent's output has not changed for
// longer than the idle timeout.
func IdleTimeout(s AgentState, th Thresholds) Result {
	if th.IdleTimeout <= 0 || !s.Working || s.LastOutputChange.IsZero() {
		return notDetected()
	}
	idle := s.Now.Sub(s.LastOutputChange)
	if idle <= th.IdleTimeout {
		return notDetected()
	}
	return Result{
		Detected:     true,
		Indicator:    fmt.Sprintf("no output change for %s (threshold %s)", ago(idle), th.IdleTimeout),
		Severity:     SeverityWarning,
		Intervention: InterventionClarify,
	}
}

// StaleHeartbeat fires when the worker's heartbeat is older than the
// threshold, and escalates once it is older than twice the threshold.
func StaleHeartbeat(s AgentState, th Thresholds) Result {
	if th.HeartbeatStale <= 0 || !s.Working || s.LastHeartbeat.IsZero() {
		return notDetected()
	}
	age := s.Now.Sub(s.LastHeartbeat)
	switch {
	case age > 2*th.HeartbeatStale:
		return Result{
			Detected:     true,
			Indicator:    fmt.Sprintf("heartbeat stale for %s", ago(age)),
			Severity:     SeverityElevated,
			Intervention: InterventionRestart,
		}
	case age > th.HeartbeatStale:
		return Result{
			Detected:     true,
			Indicator:    fmt.Sprintf("heartbeat stale for %s", ago(age)),
			Severity:     SeverityWarning,
			Intervention: InterventionAlert,
		}
	}
	return notDetected()
}

// ExtendedWork fires when a worker has run longer than the threshold without
// opening a pull request.
func ExtendedWork(s AgentState, th Thresholds) Result {
	if th.ExtendedWork <= 0 || !s.Working || s.HasPR || s.StartedAt.IsZero() {
		return notDetected()
	}
	elapsed := s.Now.Sub(s.StartedAt)
	if elapsed <= th.ExtendedWork {
		return notDetected()
	}
	return Result{
		Detected:     true,
		Indicator:    fmt.Sprintf("working for %s without a pull request", ago(elapsed)),
		Severity:     SeverityElevated,
		Intervention: InterventionAlert,
	}
}

var errorLine = regexp.MustCompile(`(?i:(^|[^a-z])(error|fatal|panic|exception|traceback)([^a-z]|$))|(^|\s)FAIL\b`)

// IsErrorLine reports whether a line of output is error-marked.
func IsErrorLine(line string) bool {
	return errorLine.MatchString(line)
}

func errorLines(lines []string) (counts map[string]int, order []string) {
	counts = make(map[string]int)
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" || !IsErrorLine(l) {
			continue
		}
		if counts[l] == 0 {
			order = append(order, l)
		}
		counts[l]++
	}
	return counts, order
}

// Loop fires when the same error line repeats at least LoopRepeats times.
// A looping agent does not recover on its own, so the suggestion is pause.
func Loop(s AgentState, th Thresholds) Result {
	if th.LoopRepeats <= 0 {
		return notDetected()
	}
	counts, order := errorLines(s.OutputLines)
	for _, l := range order {
		if n := counts[l]; n >= th.LoopRepeats {
			return Result{
				Detected:     true,
				Indicator:    fmt.Sprintf("error repeated %d times: %s", n, truncate(l, 120)),
				Severity:     SeverityCritical,
				Intervention: InterventionPause,
			}
		}
	}
	return notDetected()
}

// ErrorSpike fires when the output window holds at least ErrorSpike
// distinct error lines.
func ErrorSpike(s AgentState, th Thresholds) Result {
	if th.ErrorSpike <= 0 {
		return notDetected()
	}
	_, order := errorLines(s.OutputLines)
	if len(order) < th.ErrorSpike {
		return notDetected()
	}
	return Result{
		Detected:     true,
		Indicator:    fmt.Sprintf("%d distinct errors in recent output", len(order)),
		Severity:     SeverityElevated,
		Intervention: InterventionClarify,
	}
}

// MissingMilestone fires when an expected milestone has not appeared within
// its stage grace period. The first unmet expectation is reported.
func MissingMilestone(s AgentState, th Thresholds) Result {
	if !s.Working {
		return notDetected()
	}
	for _, exp := range th.Milestones {
		if exp.Grace <= 0 {
			continue
		}
		anchor := s.StartedAt
		if exp.Phase != "" {
			if !strings.EqualFold(exp.Phase, s.CurrentPhase) {
				continue
			}
			anchor = s.PhaseEnteredAt
		}
		if anchor.IsZero() || s.Now.Sub(anchor) <= exp.Grace {
			continue
		}
		if hasMilestoneSince(s, exp, anchor) {
			continue
		}
		where := "since start"
		if exp.Phase != "" {
			where = "in " + exp.Phase
		}
		return Result{
			Detected:     true,
			Indicator:    fmt.Sprintf("missing milestone %s after %s %s", exp.Milestone, ago(s.Now.Sub(anchor)), where),
			Severity:     SeverityWarning,
			Intervention: InterventionClarify,
		}
	}
	return notDetected()
}

func hasMilestoneSince(s AgentState, exp MilestoneExpectation, anchor time.Time) bool {
	for _, m := range s.Milestones {
		if m.Kind() == exp.Milestone && !m.At.Before(anchor) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
