package shepherd

import (
	"fmt"
	"slices"
	"strings"
)

// Phase names a step of a shepherd run.
type Phase string

const (
	PhaseCurator  Phase = "CURATOR"
	PhaseApproval Phase = "APPROVAL"
	PhaseBuilder  Phase = "BUILDER"
	PhaseJudge    Phase = "JUDGE"
	PhaseDoctor   Phase = "DOCTOR"
	PhaseMerge    Phase = "MERGE"
)

// ordinal lists the phases that take part in start-from skipping. APPROVAL
// is always a wait and DOCTOR only exists inside the judge loop.
var ordinal = []Phase{PhaseCurator, PhaseBuilder, PhaseJudge, PhaseMerge}

// Ordinal returns p's index among the ordinal phases.
func (p Phase) Ordinal() (int, bool) {
	i := slices.Index(ordinal, p)
	return i, i >= 0
}

// Role is the agent role that executes the phase, or "" for waits.
func (p Phase) Role() string {
	switch p {
	case PhaseCurator, PhaseBuilder, PhaseJudge, PhaseDoctor:
		return strings.ToLower(string(p))
	default:
		return ""
	}
}

// ParsePhase accepts a phase name in any case.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case PhaseCurator, PhaseApproval, PhaseBuilder, PhaseJudge, PhaseDoctor, PhaseMerge:
		return p, nil
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// ShouldSkip reports whether phase is skipped when a run starts from
// startFrom. Only ordinal phases strictly before startFrom are skipped; an
// empty or non-ordinal startFrom skips nothing.
func ShouldSkip(phase, startFrom Phase) bool {
	from, ok := startFrom.Ordinal()
	if !ok {
		return false
	}
	idx, ok := phase.Ordinal()
	if !ok {
		return false
	}
	return idx < from
}
