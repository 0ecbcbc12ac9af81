// Package audit records externally visible actions as an append-only JSONL log.
//
// Label transitions, escalations, decomposition issues and claim thefts all
// change state other people can see. Each one is paired with an audit entry so
// the cause can be reconstructed later, independent of the rotating process
// logs.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Kind identifies the action an Event records.
type Kind string

const (
	KindClaimStolen      Kind = "claim.stolen"
	KindClaimCleaned     Kind = "claim.cleaned"
	KindLabelSwap        Kind = "label.swap"
	KindRetry            Kind = "issue.retry"
	KindTransientRetry   Kind = "issue.transient_retry"
	KindEscalated        Kind = "issue.escalated"
	KindDecomposition    Kind = "issue.decomposition"
	KindSpawnRejected    Kind = "spawn.rejected"
	KindWorkerReclaimed  Kind = "worker.reclaimed"
	KindWorkPreserved    Kind = "worker.wip_preserved"
	KindRoleRespawned    Kind = "role.respawned"
	KindShepherdFinished Kind = "shepherd.finished"
)

// Event is one line in the audit log.
type Event struct {
	At     time.Time      `json:"at"`
	Kind   Kind           `json:"kind"`
	Issue  int            `json:"issue,omitempty"`
	Actor  string         `json:"actor,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Recorder accepts audit events. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(e Event) error
}

// Log appends events to a JSONL file. Each event is written with a single
// write call on an O_APPEND descriptor so concurrent processes interleave
// whole lines.
type Log struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewLog returns a Log writing to path. The file is created lazily.
func NewLog(path string) *Log {
	return &Log{path: path, now: time.Now}
}

// Path returns the file the log appends to.
func (l *Log) Path() string {
	return l.path
}

// Record appends e, stamping At when it is zero.
func (l *Log) Record(e Event) error {
	if e.At.IsZero() {
		e.At = l.now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append audit event: %w", err)
	}
	return f.Close()
}

// ReadAll returns every event in the log, oldest first.
func ReadAll(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	var events []Event
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Event
		if err := dec.Decode(&e); err != nil {
			return events, fmt.Errorf("decode audit event %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
	return events, nil
}

// Discard is a Recorder that drops every event.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(Event) error { return nil }

// Memory collects events in memory; used by tests across packages.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Record stores e.
func (m *Memory) Record(e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfKind returns the recorded events of the given kind.
func (m *Memory) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
