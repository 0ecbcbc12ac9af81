package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "claim.ttl_seconds")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validatePaths()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateClaim()...)
	errors = append(errors, c.validateStuck()...)
	errors = append(errors, c.validateShepherd()...)
	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateRetry()...)
	errors = append(errors, c.validateTracker()...)
	errors = append(errors, c.validateTmux()...)

	return errors
}

func positive(field string, v int) []ValidationError {
	if v > 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: v, Message: "must be positive"}}
}

func nonNegative(field string, v int) []ValidationError {
	if v >= 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: v, Message: "must be non-negative (0 disables the check)"}}
}

func validPath(field, path string) []ValidationError {
	var errors []ValidationError

	// Check for null bytes which are invalid in paths
	if strings.ContainsRune(path, '\x00') {
		errors = append(errors, ValidationError{
			Field:   field,
			Value:   path,
			Message: "path contains invalid null character",
		})
	}

	// Reasonable path length limit (most filesystems have limits around 4096)
	const maxPathLength = 4096
	if len(path) > maxPathLength {
		errors = append(errors, ValidationError{
			Field:   field,
			Value:   path,
			Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
		})
	}

	return errors
}

// validatePaths validates the PathsConfig
func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Paths.StateDir) == "" {
		errors = append(errors, ValidationError{
			Field:   "paths.state_dir",
			Value:   c.Paths.StateDir,
			Message: "cannot be empty",
		})
	}
	errors = append(errors, validPath("paths.state_dir", c.Paths.StateDir)...)
	if c.Paths.WorktreeDir != "" {
		errors = append(errors, validPath("paths.worktree_dir", c.Paths.WorktreeDir)...)
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		return []ValidationError{{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		}}
	}
	return nil
}

// validateClaim validates the ClaimConfig
func (c *Config) validateClaim() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positive("claim.ttl_seconds", c.Claim.TTLSeconds)...)
	errors = append(errors, positive("claim.extend_seconds", c.Claim.ExtendSeconds)...)
	errors = append(errors, positive("claim.heartbeat_stale_seconds", c.Claim.HeartbeatStaleSeconds)...)
	errors = append(errors, positive("claim.abandon_age_seconds", c.Claim.AbandonAgeSeconds)...)
	errors = append(errors, positive("claim.max_attempts", c.Claim.MaxAttempts)...)

	for i, p := range c.Claim.OwnerPrefixes {
		if strings.TrimSpace(p) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("claim.owner_prefixes[%d]", i),
				Value:   p,
				Message: "cannot be empty (an empty prefix would make every owner stealable)",
			})
		}
	}

	return errors
}

// validateStuck validates the StuckConfig
func (c *Config) validateStuck() []ValidationError {
	var errors []ValidationError

	errors = append(errors, nonNegative("stuck.idle_timeout_seconds", c.Stuck.IdleTimeoutSeconds)...)
	errors = append(errors, nonNegative("stuck.heartbeat_stale_seconds", c.Stuck.HeartbeatStaleSeconds)...)
	errors = append(errors, nonNegative("stuck.extended_work_seconds", c.Stuck.ExtendedWorkSeconds)...)
	errors = append(errors, nonNegative("stuck.loop_repeats", c.Stuck.LoopRepeats)...)
	errors = append(errors, nonNegative("stuck.error_spike", c.Stuck.ErrorSpike)...)
	errors = append(errors, positive("stuck.output_window", c.Stuck.OutputWindow)...)
	errors = append(errors, positive("stuck.history_size", c.Stuck.HistorySize)...)

	if c.Stuck.LoopRepeats == 1 {
		errors = append(errors, ValidationError{
			Field:   "stuck.loop_repeats",
			Value:   c.Stuck.LoopRepeats,
			Message: "must be at least 2 (a single line is not a loop)",
		})
	}

	return errors
}

// validateShepherd validates the ShepherdConfig
func (c *Config) validateShepherd() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidModes(), c.Shepherd.Mode) {
		errors = append(errors, ValidationError{
			Field:   "shepherd.mode",
			Value:   c.Shepherd.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidModes(), ", ")),
		})
	}

	const maxDoctorIterations = 20
	if c.Shepherd.MaxDoctorIterations < 0 || c.Shepherd.MaxDoctorIterations > maxDoctorIterations {
		errors = append(errors, ValidationError{
			Field:   "shepherd.max_doctor_iterations",
			Value:   c.Shepherd.MaxDoctorIterations,
			Message: fmt.Sprintf("must be between 0 and %d", maxDoctorIterations),
		})
	}

	if len(c.Shepherd.AgentCommand) == 0 || strings.TrimSpace(c.Shepherd.AgentCommand[0]) == "" {
		errors = append(errors, ValidationError{
			Field:   "shepherd.agent_command",
			Value:   c.Shepherd.AgentCommand,
			Message: "must name an executable",
		})
	}

	errors = append(errors, positive("shepherd.poll_interval_seconds", c.Shepherd.PollIntervalSeconds)...)
	errors = append(errors, positive("shepherd.heartbeat_interval_seconds", c.Shepherd.HeartbeatIntervalSeconds)...)
	errors = append(errors, positive("shepherd.approval_timeout_minutes", c.Shepherd.ApprovalTimeoutMinutes)...)
	errors = append(errors, nonNegative("shepherd.phase_timeout_minutes", c.Shepherd.PhaseTimeoutMinutes)...)
	errors = append(errors, positive("shepherd.merge_timeout_minutes", c.Shepherd.MergeTimeoutMinutes)...)

	// A heartbeat slower than the claim abandonment window gets the shepherd's
	// own claim stolen out from under it.
	if c.Shepherd.HeartbeatIntervalSeconds > 0 && c.Claim.HeartbeatStaleSeconds > 0 &&
		c.Shepherd.HeartbeatIntervalSeconds >= c.Claim.HeartbeatStaleSeconds {
		errors = append(errors, ValidationError{
			Field:   "shepherd.heartbeat_interval_seconds",
			Value:   c.Shepherd.HeartbeatIntervalSeconds,
			Message: fmt.Sprintf("must be less than claim.heartbeat_stale_seconds (%d)", c.Claim.HeartbeatStaleSeconds),
		})
	}

	return errors
}

// validateScheduler validates the SchedulerConfig
func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError

	const maxShepherds = 64
	if c.Scheduler.MaxShepherds < 1 || c.Scheduler.MaxShepherds > maxShepherds {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_shepherds",
			Value:   c.Scheduler.MaxShepherds,
			Message: fmt.Sprintf("must be between 1 and %d", maxShepherds),
		})
	}
	errors = append(errors, positive("scheduler.interval_seconds", c.Scheduler.IntervalSeconds)...)
	errors = append(errors, nonNegative("scheduler.paused_reclaim_minutes", c.Scheduler.PausedReclaimMinutes)...)

	if len(c.Scheduler.ShepherdCommand) == 0 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.shepherd_command",
			Value:   c.Scheduler.ShepherdCommand,
			Message: "must name an executable",
		})
	}

	seen := make(map[string]bool)
	for i, r := range c.Scheduler.Roles {
		field := fmt.Sprintf("scheduler.roles[%d]", i)
		switch {
		case strings.TrimSpace(r.Name) == "":
			errors = append(errors, ValidationError{Field: field + ".name", Value: r.Name, Message: "cannot be empty"})
		case seen[r.Name]:
			errors = append(errors, ValidationError{Field: field + ".name", Value: r.Name, Message: "duplicate role name"})
		}
		seen[r.Name] = true

		if r.IntervalMinutes < 0 {
			errors = append(errors, ValidationError{Field: field + ".interval_minutes", Value: r.IntervalMinutes, Message: "must be non-negative"})
		}
		if r.IntervalMinutes == 0 && r.DemandLabel == "" {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   r.Name,
				Message: "needs interval_minutes or demand_label, otherwise it never runs",
			})
		}
	}

	return errors
}

// validateRetry validates the RetryConfig
func (c *Config) validateRetry() []ValidationError {
	var errors []ValidationError

	if _, ok := c.Retry.Thresholds[RetryClassGeneric]; !ok {
		errors = append(errors, ValidationError{
			Field:   "retry.thresholds",
			Value:   c.Retry.Thresholds,
			Message: fmt.Sprintf("must define the %q class", RetryClassGeneric),
		})
	}
	classes := make([]string, 0, len(c.Retry.Thresholds))
	for class := range c.Retry.Thresholds {
		classes = append(classes, class)
	}
	slices.Sort(classes)
	for _, class := range classes {
		errors = append(errors, positive("retry.thresholds."+class, c.Retry.Thresholds[class])...)
	}

	errors = append(errors, positive("retry.transient_base_seconds", c.Retry.TransientBaseSeconds)...)
	errors = append(errors, positive("retry.transient_cap_seconds", c.Retry.TransientCapSeconds)...)
	errors = append(errors, nonNegative("retry.transient_max_attempts", c.Retry.TransientMaxAttempts)...)

	if c.Retry.TransientCapSeconds > 0 && c.Retry.TransientCapSeconds < c.Retry.TransientBaseSeconds {
		errors = append(errors, ValidationError{
			Field:   "retry.transient_cap_seconds",
			Value:   c.Retry.TransientCapSeconds,
			Message: "must be at least retry.transient_base_seconds",
		})
	}

	return errors
}

// validateTracker validates the TrackerConfig
func (c *Config) validateTracker() []ValidationError {
	var errors []ValidationError

	if c.Tracker.Repo != "" {
		owner, name, ok := strings.Cut(c.Tracker.Repo, "/")
		if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
			errors = append(errors, ValidationError{
				Field:   "tracker.repo",
				Value:   c.Tracker.Repo,
				Message: "must be in owner/name form",
			})
		}
	}

	for i, group := range c.Tracker.ExclusiveGroups {
		if len(group) < 2 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("tracker.exclusive_groups[%d]", i),
				Value:   group,
				Message: "must contain at least two labels",
			})
		}
	}

	return errors
}

// validateTmux validates the TmuxConfig
func (c *Config) validateTmux() []ValidationError {
	var errors []ValidationError

	if c.Tmux.Socket == "" || strings.ContainsAny(c.Tmux.Socket, "/ \t") {
		errors = append(errors, ValidationError{
			Field:   "tmux.socket",
			Value:   c.Tmux.Socket,
			Message: "must be a non-empty name without slashes or spaces",
		})
	}
	errors = append(errors, nonNegative("tmux.graceful_stop_seconds", c.Tmux.GracefulStopSeconds)...)

	return errors
}
