package shepherd

// ExitCode is the outcome of a run and the process exit status of
// `herd shepherd run`.
type ExitCode int

const (
	ExitSuccess         ExitCode = 0
	ExitErrored         ExitCode = 1
	ExitTimeout         ExitCode = 2
	ExitSessionNotFound ExitCode = 3
	ExitSignal          ExitCode = 4
	ExitStuck           ExitCode = 5
	ExitBudgetExhausted ExitCode = 6
)

// String returns the outcome name recorded in progress reports.
func (c ExitCode) String() string {
	switch c {
	case ExitSuccess:
		return "SUCCESS"
	case ExitErrored:
		return "ERRORED"
	case ExitTimeout:
		return "TIMEOUT"
	case ExitSessionNotFound:
		return "SESSION_NOT_FOUND"
	case ExitSignal:
		return "SIGNAL"
	case ExitStuck:
		return "STUCK"
	case ExitBudgetExhausted:
		return "BUDGET_EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}
