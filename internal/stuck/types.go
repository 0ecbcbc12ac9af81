package stuck

import (
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/herd/internal/progress"
)

// Severity grades how confident a detector is that the worker is stuck.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityElevated
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityWarning:
		return "warning"
	case SeverityElevated:
		return "elevated"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity parses a severity name.
func ParseSeverity(name string) (Severity, error) {
	switch strings.ToLower(name) {
	case "none", "":
		return SeverityNone, nil
	case "warning":
		return SeverityWarning, nil
	case "elevated":
		return SeverityElevated, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", name)
}

// Intervention is the action suggested to whoever supervises the worker.
type Intervention string

const (
	InterventionNone    Intervention = "none"
	InterventionAlert   Intervention = "alert"
	InterventionClarify Intervention = "clarify"
	InterventionPause   Intervention = "pause"
	InterventionRestart Intervention = "restart"
)

func (i Intervention) rank() int {
	switch i {
	case InterventionAlert:
		return 1
	case InterventionClarify:
		return 2
	case InterventionPause:
		return 3
	case InterventionRestart:
		return 4
	default:
		return 0
	}
}

// AgentState is a point-in-time view of one worker.
type AgentState struct {
	AgentID string
	// Now is the instant the checks are evaluated at.
	Now time.Time
	// Working is false for workers that are idle or finished; time-based
	// detectors ignore them.
	Working          bool
	StartedAt        time.Time
	LastOutputChange time.Time
	LastHeartbeat    time.Time
	HasPR            bool
	// OutputLines is the observed window of recent output.
	OutputLines    []string
	Milestones     []progress.Milestone
	CurrentPhase   string
	PhaseEnteredAt time.Time
}

// Result is the verdict of a single detector.
type Result struct {
	Detected     bool
	Indicator    string
	Severity     Severity
	Intervention Intervention
}

// Detection is the aggregated verdict for one worker.
type Detection struct {
	AgentID               string       `json:"agent_id"`
	Stuck                 bool         `json:"stuck"`
	Severity              Severity     `json:"severity"`
	Indicators            []string     `json:"indicators"`
	SuggestedIntervention Intervention `json:"suggested_intervention"`
	CheckedAt             time.Time    `json:"checked_at"`
}

// MilestoneExpectation says a milestone should appear within Grace. Phase
// restricts the expectation to one phase and measures Grace from entering
// it; an empty Phase measures from the worker's start.
type MilestoneExpectation struct {
	Phase     string        `mapstructure:"phase" json:"phase,omitempty"`
	Milestone progress.Kind `mapstructure:"milestone" json:"milestone"`
	Grace     time.Duration `mapstructure:"grace" json:"grace"`
}

// Thresholds configures every detector. A zero value disables the
// corresponding check.
type Thresholds struct {
	IdleTimeout    time.Duration
	HeartbeatStale time.Duration
	ExtendedWork   time.Duration
	LoopRepeats    int
	ErrorSpike     int
	Milestones     []MilestoneExpectation
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		IdleTimeout:    600 * time.Second,
		HeartbeatStale: 120 * time.Second,
		ExtendedWork:   1800 * time.Second,
		LoopRepeats:    3,
		ErrorSpike:     5,
		Milestones:     DefaultMilestoneExpectations(),
	}
}

// DefaultMilestoneExpectations is the stage table used by MissingMilestone.
func DefaultMilestoneExpectations() []MilestoneExpectation {
	return []MilestoneExpectation{
		{Milestone: progress.KindPhaseEntered, Grace: 300 * time.Second},
		{Phase: "BUILDER", Milestone: progress.KindPRCreated, Grace: 1200 * time.Second},
		{Phase: "JUDGE", Milestone: progress.KindReviewVerdict, Grace: 900 * time.Second},
	}
}
