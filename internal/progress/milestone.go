package progress

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names a milestone variant.
type Kind string

const (
	KindStarted         Kind = "started"
	KindPhaseEntered    Kind = "phase_entered"
	KindPhaseCompleted  Kind = "phase_completed"
	KindPRCreated       Kind = "pr_created"
	KindReviewVerdict   Kind = "review_verdict"
	KindBlocked         Kind = "blocked"
	KindBudgetExhausted Kind = "budget_exhausted"
	KindError           Kind = "error"
	KindCompleted       Kind = "completed"
)

// Event is the typed payload of a milestone. Each concrete type below is one
// variant; switch on the concrete type to handle them exhaustively.
type Event interface {
	Kind() Kind
}

// Started is recorded once when the shepherd begins.
type Started struct {
	Mode      string `json:"mode"`
	StartFrom string `json:"start_from,omitempty"`
}

// PhaseEntered is recorded when a phase begins executing.
type PhaseEntered struct {
	Phase   string `json:"phase"`
	Attempt int    `json:"attempt"`
}

// PhaseCompleted is recorded when a phase finishes, successfully or not.
type PhaseCompleted struct {
	Phase    string        `json:"phase"`
	Attempt  int           `json:"attempt"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration_ns"`
}

// PRCreated is recorded when the builder opens a pull request.
type PRCreated struct {
	Number int    `json:"number"`
	URL    string `json:"url,omitempty"`
}

// ReviewVerdict is recorded after each judge pass.
type ReviewVerdict struct {
	Verdict string `json:"verdict"`
	Attempt int    `json:"attempt"`
}

// Blocked is recorded when the shepherd gives up on the issue and labels it
// blocked.
type Blocked struct {
	Reason string `json:"reason"`
}

// BudgetExhausted is recorded when the agent session runs out of turns or
// tokens.
type BudgetExhausted struct {
	Phase  string `json:"phase"`
	Detail string `json:"detail,omitempty"`
}

// Error is recorded for a failure that ends or interrupts a phase.
type Error struct {
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message"`
}

// Completed is the final milestone of a run.
type Completed struct {
	Outcome  string `json:"outcome"`
	ExitCode int    `json:"exit_code"`
}

func (Started) Kind() Kind         { return KindStarted }
func (PhaseEntered) Kind() Kind    { return KindPhaseEntered }
func (PhaseCompleted) Kind() Kind  { return KindPhaseCompleted }
func (PRCreated) Kind() Kind       { return KindPRCreated }
func (ReviewVerdict) Kind() Kind   { return KindReviewVerdict }
func (Blocked) Kind() Kind         { return KindBlocked }
func (BudgetExhausted) Kind() Kind { return KindBudgetExhausted }
func (Error) Kind() Kind           { return KindError }
func (Completed) Kind() Kind       { return KindCompleted }

// Milestone is one entry in a report's append-only log.
type Milestone struct {
	At    time.Time
	Event Event
}

// Kind returns the kind of the milestone's event.
func (m Milestone) Kind() Kind {
	if m.Event == nil {
		return ""
	}
	return m.Event.Kind()
}

type envelope struct {
	Kind Kind            `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON encodes the milestone as {kind, at, data}.
func (m Milestone) MarshalJSON() ([]byte, error) {
	if m.Event == nil {
		return nil, fmt.Errorf("milestone at %s has no event", m.At)
	}
	data, err := json.Marshal(m.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: m.Event.Kind(), At: m.At, Data: data})
}

// UnmarshalJSON decodes the {kind, at, data} envelope into the concrete
// event type for kind.
func (m *Milestone) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	ev, err := decodeEvent(env.Kind, env.Data)
	if err != nil {
		return err
	}
	m.At = env.At
	m.Event = ev
	return nil
}

func decodeEvent(kind Kind, data json.RawMessage) (Event, error) {
	switch kind {
	case KindStarted:
		return decodeAs[Started](data)
	case KindPhaseEntered:
		return decodeAs[PhaseEntered](data)
	case KindPhaseCompleted:
		return decodeAs[PhaseCompleted](data)
	case KindPRCreated:
		return decodeAs[PRCreated](data)
	case KindReviewVerdict:
		return decodeAs[ReviewVerdict](data)
	case KindBlocked:
		return decodeAs[Blocked](data)
	case KindBudgetExhausted:
		return decodeAs[BudgetExhausted](data)
	case KindError:
		return decodeAs[Error](data)
	case KindCompleted:
		return decodeAs[Completed](data)
	default:
		return nil, fmt.Errorf("unknown milestone kind %q", kind)
	}
}

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var v T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}
