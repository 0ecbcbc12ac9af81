package stuck

import (
	"github.com/Iron-Ham/herd/internal/logging"
)

// Runner executes a fixed set of detectors and aggregates their results.
type Runner struct {
	detectors  []Detector
	thresholds Thresholds
	history    *History
	logger     *logging.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithDetectors replaces the default detector list.
func WithDetectors(ds ...Detector) RunnerOption {
	return func(r *Runner) { r.detectors = ds }
}

// WithHistory records every detection into h.
func WithHistory(h *History) RunnerOption {
	return func(r *Runner) { r.history = h }
}

// WithLogger sets the runner's logger.
func WithLogger(l *logging.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a Runner using th.
func NewRunner(th Thresholds, opts ...RunnerOption) *Runner {
	r := &Runner{
		detectors:  DefaultDetectors(),
		thresholds: th,
		logger:     logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Thresholds returns the runner's thresholds.
func (r *Runner) Thresholds() Thresholds {
	return r.thresholds
}

// Check runs every detector against s.
func (r *Runner) Check(s AgentState) Detection {
	results := make([]Result, 0, len(r.detectors))
	for _, d := range r.detectors {
		res := d.Check(s, r.thresholds)
		if res.Detected {
			r.logger.Debug("stuck indicator", "agent", s.AgentID, "detector", d.Name,
				"severity", res.Severity.String(), "indicator", res.Indicator)
		}
		results = append(results, res)
	}

	det := Aggregate(s.AgentID, results)
	det.CheckedAt = s.Now
	if r.history != nil {
		r.history.Record(det)
	}
	return det
}

// Aggregate combines detector results. Severity is the maximum over all
// detected results; the intervention comes from the most severe one, with
// the stronger intervention winning a tie.
func Aggregate(agentID string, results []Result) Detection {
	det := Detection{
		AgentID:               agentID,
		Severity:              SeverityNone,
		Indicators:            []string{},
		SuggestedIntervention: InterventionNone,
	}
	for _, res := range results {
		if !res.Detected {
			continue
		}
		det.Indicators = append(det.Indicators, res.Indicator)
		switch {
		case res.Severity > det.Severity:
			det.Severity = res.Severity
			det.SuggestedIntervention = res.Intervention
		case res.Severity == det.Severity && res.Intervention.rank() > det.SuggestedIntervention.rank():
			det.SuggestedIntervention = res.Intervention
		}
	}
	det.Stuck = det.Severity > SeverityNone
	if det.SuggestedIntervention == "" {
		det.SuggestedIntervention = InterventionNone
	}
	return det
}
