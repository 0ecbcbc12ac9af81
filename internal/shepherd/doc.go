// Package shepherd drives one issue from curation to merge.
//
// A run walks the phases CURATOR → APPROVAL → BUILDER → JUDGE ⇄ DOCTOR →
// MERGE. Each phase either runs an agent (see [Agent]) or waits on the
// tracker through [Poll]. The outcome of every phase is read back from the
// tracker's labels, never from the agent's own account of what it did.
//
// The shepherd owns three pieces of shared state for the duration of a run:
// the issue's claim, which it extends on every heartbeat; its progress
// report, which the scheduler and stuck detector read; and the agent output
// log. The global stop flag and the per-issue abort marker are checked before
// every phase transition.
package shepherd
