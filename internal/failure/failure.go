// Package failure classifies how a shepherd run ended so the scheduler can
// pick a retry path for it.
package failure

import (
	"regexp"

	"github.com/Iron-Ham/herd/internal/progress"
)

// Class is a retry class. Each class has its own escalation threshold.
type Class string

const (
	// Generic covers review rejection, test failure and agent-reported errors.
	Generic Class = "generic"
	// BudgetExhausted means the agent session ran out of turns or tokens.
	BudgetExhausted Class = "budget_exhausted"
	// Transient covers rate limits, 5xx responses and timeouts.
	Transient Class = "transient"
)

var (
	budgetPattern = regexp.MustCompile(`(?i)\b(budget|token|turn|context)s?[ _-]?(limit|budget|cap)\b|` +
		`\bmax(imum)?[ _-]turns\b|\bout of (budget|tokens|turns)\b|\b(budget|tokens?|turns?) (exhausted|exceeded)\b`)

	transientPattern = regexp.MustCompile(`(?i)rate[ -]?limit|\b(429|500|502|503|504)\b|` +
		`service unavailable|bad gateway|gateway time-?out|timed out|\btimeout\b|connection reset|temporarily unavailable`)
)

// IsBudgetText reports whether text reads like a budget-exhaustion message.
func IsBudgetText(text string) bool {
	return budgetPattern.MatchString(text)
}

// IsTransientText reports whether text reads like a transient infrastructure
// failure.
func IsTransientText(text string) bool {
	return transientPattern.MatchString(text)
}

// Classify returns the retry class of a finished report. An explicit
// budget_exhausted milestone wins over any phrasing; budget phrasing wins
// over transient phrasing.
func Classify(r progress.Report) Class {
	if r.HasMilestone(progress.KindBudgetExhausted) {
		return BudgetExhausted
	}
	text := r.LastError
	if m, ok := r.Latest(progress.KindBlocked); ok {
		if b, ok := m.Event.(progress.Blocked); ok {
			text += "\n" + b.Reason
		}
	}
	switch {
	case IsBudgetText(text):
		return BudgetExhausted
	case IsTransientText(text):
		return Transient
	default:
		return Generic
	}
}
