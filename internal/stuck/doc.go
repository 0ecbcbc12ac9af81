// Package stuck decides whether a worker has stopped making progress.
//
// Detection is a list of independent, stateless detectors. Each one looks at
// an [AgentState] snapshot and its [Thresholds] and returns a [Result]. The
// [Runner] executes every detector and aggregates them in one place: the
// overall severity is the maximum of the individual severities, indicators
// are concatenated in detector order, and the suggested intervention comes
// from the most severe result.
//
// Callers build the AgentState from the worker's progress report and the
// tail of its output log (see [FromReport]). Nothing in this package reads
// the filesystem except [History] persistence.
package stuck
