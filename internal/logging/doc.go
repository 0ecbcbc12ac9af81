// Package logging provides structured JSON logging for herd processes.
//
// It wraps log/slog so the daemon, shepherds and CLI commands all emit
// line-delimited JSON with the same attribute vocabulary. Each process writes
// to its own file under the state directory's logs/ folder, which keeps
// writes single-writer per file:
//
//	logs/daemon.log
//	logs/shepherd-<task>.log
//	logs/cli.log
//
// # Attributes
//
// Child loggers carry persistent attributes:
//
//   - component: set by [NewLogger]
//   - issue: set by [Logger.WithIssue]
//   - worker_id: set by [Logger.WithWorker] (slot, task or support-role ID)
//   - phase: set by [Logger.WithPhase]
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(filepath.Join(stateDir, "logs"), "daemon", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	log := logger.WithIssue(42).WithPhase("judge")
//	log.Info("review verdict", "verdict", "changes_requested", "attempt", 2)
//
// Use [NopLogger] in tests and anywhere logging is optional.
package logging
