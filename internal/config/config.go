package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Shepherd run modes.
const (
	ModeDefault = "default"
	ModeForce   = "force"
	// ModeWait polls until a human merges the PR. Deprecated but still accepted.
	ModeWait = "wait"
)

// Retry classes used as keys of RetryConfig.Thresholds.
const (
	RetryClassGeneric         = "generic"
	RetryClassBudgetExhausted = "budget_exhausted"
)

// Config holds all configuration for herd
type Config struct {
	Paths     PathsConfig     `mapstructure:"paths"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Claim     ClaimConfig     `mapstructure:"claim"`
	Stuck     StuckConfig     `mapstructure:"stuck"`
	Shepherd  ShepherdConfig  `mapstructure:"shepherd"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Tmux      TmuxConfig      `mapstructure:"tmux"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// PathsConfig controls where herd keeps its on-disk state.
// Every path below is derived from StateDir unless overridden.
type PathsConfig struct {
	// StateDir is the root of all herd state (default: .herd, relative to the repo root)
	StateDir string `mapstructure:"state_dir"`
	// WorktreeDir overrides the worktree root (default: <state_dir>/worktrees)
	WorktreeDir string `mapstructure:"worktree_dir"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled writes structured logs to <state_dir>/logs (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the minimum level written: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
}

// ClaimConfig controls the claim store.
type ClaimConfig struct {
	// TTLSeconds is the lifetime of a fresh claim (default: 1800)
	TTLSeconds int `mapstructure:"ttl_seconds"`
	// ExtendSeconds is added to a claim on every shepherd heartbeat (default: 1800)
	ExtendSeconds int `mapstructure:"extend_seconds"`
	// OwnerPrefixes lists the owner id prefixes whose claims may be stolen when
	// abandoned. Owners without a matching prefix are never stolen.
	OwnerPrefixes []string `mapstructure:"owner_prefixes"`
	// HeartbeatStaleSeconds marks an owner abandoned when its progress heartbeat
	// is older than this (default: 300)
	HeartbeatStaleSeconds int `mapstructure:"heartbeat_stale_seconds"`
	// AbandonAgeSeconds marks an owner with no progress record abandoned once the
	// claim is older than this (default: 600)
	AbandonAgeSeconds int `mapstructure:"abandon_age_seconds"`
	// MaxAttempts bounds acquire retries under contention (default: 3)
	MaxAttempts int `mapstructure:"max_attempts"`
}

// StuckConfig holds the stuck detector thresholds. A zero threshold disables its check.
type StuckConfig struct {
	IdleTimeoutSeconds    int `mapstructure:"idle_timeout_seconds"`
	HeartbeatStaleSeconds int `mapstructure:"heartbeat_stale_seconds"`
	ExtendedWorkSeconds   int `mapstructure:"extended_work_seconds"`
	LoopRepeats           int `mapstructure:"loop_repeats"`
	ErrorSpike            int `mapstructure:"error_spike"`
	// OutputWindow is the number of trailing output lines inspected (default: 200)
	OutputWindow int `mapstructure:"output_window"`
	// HistorySize bounds the per-agent detection history (default: 50)
	HistorySize int `mapstructure:"history_size"`
}

// ShepherdConfig controls a single issue's phase run.
type ShepherdConfig struct {
	// Mode is "default", "force" or the deprecated "wait" (default: "default")
	Mode string `mapstructure:"mode"`
	// MaxDoctorIterations bounds the JUDGE/DOCTOR loop (default: 3)
	MaxDoctorIterations int `mapstructure:"max_doctor_iterations"`
	// ReproCheck runs the issue's test commands before building (default: true)
	ReproCheck bool `mapstructure:"repro_check"`
	// AgentCommand is the agent invocation; the phase prompt is appended as the last argument
	AgentCommand []string `mapstructure:"agent_command"`
	// PollIntervalSeconds is the wait between checks in polling phases (default: 30)
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	// HeartbeatIntervalSeconds is the progress heartbeat period (default: 30)
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	// ApprovalTimeoutMinutes bounds the approval wait (default: 1440)
	ApprovalTimeoutMinutes int `mapstructure:"approval_timeout_minutes"`
	// PhaseTimeoutMinutes bounds a single agent phase (default: 60)
	PhaseTimeoutMinutes int `mapstructure:"phase_timeout_minutes"`
	// MergeTimeoutMinutes bounds the wait-mode merge poll (default: 1440)
	MergeTimeoutMinutes int `mapstructure:"merge_timeout_minutes"`
}

// RoleConfig describes a support role spawned by the scheduler.
type RoleConfig struct {
	Name string `mapstructure:"name"`
	// IntervalMinutes spawns the role periodically; 0 disables interval triggers
	IntervalMinutes int `mapstructure:"interval_minutes"`
	// DemandLabel spawns the role whenever an open issue carries this label
	DemandLabel string `mapstructure:"demand_label"`
	// Command is the role's agent invocation
	Command []string `mapstructure:"command"`
}

// SchedulerConfig controls the fleet daemon.
type SchedulerConfig struct {
	// MaxShepherds is the number of concurrent shepherd slots (default: 3)
	MaxShepherds int `mapstructure:"max_shepherds"`
	// IntervalSeconds is the iteration period (default: 60)
	IntervalSeconds int `mapstructure:"interval_seconds"`
	// PausedReclaimMinutes reclaims a slot whose worker has been paused this long (default: 30)
	PausedReclaimMinutes int `mapstructure:"paused_reclaim_minutes"`
	// WatchProgress wakes the daemon early on progress file writes (default: true)
	WatchProgress bool `mapstructure:"watch_progress"`
	// ShepherdCommand launches one shepherd; the issue number is appended (default: herd shepherd run)
	ShepherdCommand []string     `mapstructure:"shepherd_command"`
	Roles           []RoleConfig `mapstructure:"roles"`
}

// RetryConfig controls blocked-issue retries and escalation.
type RetryConfig struct {
	// Thresholds maps a retry class to the retry count at which the issue escalates
	Thresholds map[string]int `mapstructure:"thresholds"`
	// TransientBaseSeconds is the first transient backoff (default: 60)
	TransientBaseSeconds int `mapstructure:"transient_base_seconds"`
	// TransientCapSeconds caps the transient backoff (default: 900)
	TransientCapSeconds int `mapstructure:"transient_cap_seconds"`
	// TransientMaxAttempts is the number of transient retries before falling
	// through to the generic path (default: 3)
	TransientMaxAttempts int `mapstructure:"transient_max_attempts"`
}

// TrackerConfig controls the GitHub tracker.
type TrackerConfig struct {
	// Repo is "owner/name"; empty means the repository gh infers from the cwd
	Repo string `mapstructure:"repo"`
	// ExclusiveGroups lists label groups of which an item carries at most one
	ExclusiveGroups [][]string `mapstructure:"exclusive_groups"`
}

// TmuxConfig controls the process host.
type TmuxConfig struct {
	// Socket is the tmux socket name isolating herd sessions (default: "herd")
	Socket string `mapstructure:"socket"`
	// GracefulStopSeconds is how long to wait after Ctrl-C before killing (default: 5)
	GracefulStopSeconds int `mapstructure:"graceful_stop_seconds"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	// Endpoint is the OTLP/HTTP collector; empty disables export
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Insecure    bool   `mapstructure:"insecure"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir:    ".herd",
			WorktreeDir: "", // Empty means <state_dir>/worktrees
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
		Claim: ClaimConfig{
			TTLSeconds:            1800,
			ExtendSeconds:         1800,
			OwnerPrefixes:         []string{"shepherd-"},
			HeartbeatStaleSeconds: 300,
			AbandonAgeSeconds:     600,
			MaxAttempts:           3,
		},
		Stuck: StuckConfig{
			IdleTimeoutSeconds:    600,
			HeartbeatStaleSeconds: 120,
			ExtendedWorkSeconds:   1800,
			LoopRepeats:           3,
			ErrorSpike:            5,
			OutputWindow:          200,
			HistorySize:           50,
		},
		Shepherd: ShepherdConfig{
			Mode:                     ModeDefault,
			MaxDoctorIterations:      3,
			ReproCheck:               true,
			AgentCommand:             []string{"claude", "--dangerously-skip-permissions", "-p"},
			PollIntervalSeconds:      30,
			HeartbeatIntervalSeconds: 30,
			ApprovalTimeoutMinutes:   1440,
			PhaseTimeoutMinutes:      60,
			MergeTimeoutMinutes:      1440,
		},
		Scheduler: SchedulerConfig{
			MaxShepherds:         3,
			IntervalSeconds:      60,
			PausedReclaimMinutes: 30,
			WatchProgress:        true,
			ShepherdCommand:      []string{"herd", "shepherd", "run"},
			Roles: []RoleConfig{
				{Name: "architect", IntervalMinutes: 360, DemandLabel: "herd:architect"},
				{Name: "guide", IntervalMinutes: 30},
			},
		},
		Retry: RetryConfig{
			Thresholds: map[string]int{
				RetryClassGeneric:         5,
				RetryClassBudgetExhausted: 2,
			},
			TransientBaseSeconds: 60,
			TransientCapSeconds:  900,
			TransientMaxAttempts: 3,
		},
		Tracker: TrackerConfig{
			ExclusiveGroups: [][]string{
				{"herd:curated", "herd:issue", "herd:building", "herd:blocked"},
				{"herd:review-requested", "herd:changes-requested", "herd:pr"},
			},
		},
		Tmux: TmuxConfig{
			Socket:              "herd",
			GracefulStopSeconds: 5,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "herd",
		},
	}
}

// StateRoot resolves StateDir against baseDir, expanding a leading ~.
func (p *PathsConfig) StateRoot(baseDir string) string {
	return resolvePath(p.StateDir, baseDir, ".herd")
}

// ResolveWorktreeDir returns the resolved worktree directory path.
// If WorktreeDir is empty, it returns <state_dir>/worktrees.
func (p *PathsConfig) ResolveWorktreeDir(baseDir string) string {
	if p.WorktreeDir == "" {
		return filepath.Join(p.StateRoot(baseDir), "worktrees")
	}
	return resolvePath(p.WorktreeDir, baseDir, "")
}

// ClaimsDir holds one directory per claimed issue.
func (p *PathsConfig) ClaimsDir(baseDir string) string {
	return filepath.Join(p.StateRoot(baseDir), "claims")
}

// ProgressDir holds one progress report per shepherd task.
func (p *PathsConfig) ProgressDir(baseDir string) string {
	return filepath.Join(p.StateRoot(baseDir), "progress")
}

// LogDir holds component logs and per-task agent output.
func (p *PathsConfig) LogDir(baseDir string) string {
	return filepath.Join(p.StateRoot(baseDir), "logs")
}

// AuditFile is the append-only audit trail.
func (p *PathsConfig) AuditFile(baseDir string) string {
	return filepath.Join(p.StateRoot(baseDir), "audit.jsonl")
}

// StopFlag is the global shutdown flag file.
func (p *PathsConfig) StopFlag(baseDir string) string {
	return filepath.Join(p.StateRoot(baseDir), "stop")
}

// AbortDir holds per-issue abort markers.
func (p *PathsConfig) AbortDir(baseDir string) string {
	return filepath.Join(p.StateRoot(baseDir), "abort")
}

// DaemonStateFile is the scheduler's state document.
func (p *PathsConfig) DaemonStateFile(baseDir string) string {
	return filepath.Join(p.StateRoot(baseDir), "daemon-state.json")
}

// StuckHistoryFile persists the stuck detector history between runs.
func (p *PathsConfig) StuckHistoryFile(baseDir string) string {
	return filepath.Join(p.StateRoot(baseDir), "stuck-history.json")
}

func resolvePath(path, baseDir, fallback string) string {
	if path == "" {
		path = fallback
	}

	// Expand ~ to home directory
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// TTL returns the claim TTL as a time.Duration
func (c *ClaimConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Extension returns the heartbeat claim extension as a time.Duration
func (c *ClaimConfig) Extension() time.Duration {
	return time.Duration(c.ExtendSeconds) * time.Second
}

// HeartbeatStale returns the abandonment heartbeat threshold as a time.Duration
func (c *ClaimConfig) HeartbeatStale() time.Duration {
	return time.Duration(c.HeartbeatStaleSeconds) * time.Second
}

// AbandonAge returns the no-progress abandonment age as a time.Duration
func (c *ClaimConfig) AbandonAge() time.Duration {
	return time.Duration(c.AbandonAgeSeconds) * time.Second
}

// PollInterval returns the polling interval as a time.Duration
func (c *ShepherdConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// HeartbeatInterval returns the heartbeat period as a time.Duration
func (c *ShepherdConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// ApprovalTimeout returns the approval wait bound as a time.Duration
func (c *ShepherdConfig) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutMinutes) * time.Minute
}

// PhaseTimeout returns the per-phase bound as a time.Duration (0 means unbounded)
func (c *ShepherdConfig) PhaseTimeout() time.Duration {
	return time.Duration(c.PhaseTimeoutMinutes) * time.Minute
}

// MergeTimeout returns the wait-mode merge bound as a time.Duration
func (c *ShepherdConfig) MergeTimeout() time.Duration {
	return time.Duration(c.MergeTimeoutMinutes) * time.Minute
}

// Interval returns the iteration period as a time.Duration
func (c *SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// PausedReclaim returns the paused-worker reclaim age as a time.Duration
func (c *SchedulerConfig) PausedReclaim() time.Duration {
	return time.Duration(c.PausedReclaimMinutes) * time.Minute
}

// Interval returns the role's trigger interval (0 means demand-only)
func (r RoleConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// Threshold returns the escalation threshold for a retry class, falling back
// to the generic threshold for unknown classes.
func (c *RetryConfig) Threshold(class string) int {
	if n, ok := c.Thresholds[class]; ok {
		return n
	}
	if n, ok := c.Thresholds[RetryClassGeneric]; ok {
		return n
	}
	return Default().Retry.Thresholds[RetryClassGeneric]
}

// TransientBase returns the first transient backoff as a time.Duration
func (c *RetryConfig) TransientBase() time.Duration {
	return time.Duration(c.TransientBaseSeconds) * time.Second
}

// TransientCap returns the transient backoff cap as a time.Duration
func (c *RetryConfig) TransientCap() time.Duration {
	return time.Duration(c.TransientCapSeconds) * time.Second
}

// GracefulStop returns the Ctrl-C grace period as a time.Duration
func (c *TmuxConfig) GracefulStop() time.Duration {
	return time.Duration(c.GracefulStopSeconds) * time.Second
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Paths defaults
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
	viper.SetDefault("paths.worktree_dir", defaults.Paths.WorktreeDir)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)

	// Claim defaults
	viper.SetDefault("claim.ttl_seconds", defaults.Claim.TTLSeconds)
	viper.SetDefault("claim.extend_seconds", defaults.Claim.ExtendSeconds)
	viper.SetDefault("claim.owner_prefixes", defaults.Claim.OwnerPrefixes)
	viper.SetDefault("claim.heartbeat_stale_seconds", defaults.Claim.HeartbeatStaleSeconds)
	viper.SetDefault("claim.abandon_age_seconds", defaults.Claim.AbandonAgeSeconds)
	viper.SetDefault("claim.max_attempts", defaults.Claim.MaxAttempts)

	// Stuck defaults
	viper.SetDefault("stuck.idle_timeout_seconds", defaults.Stuck.IdleTimeoutSeconds)
	viper.SetDefault("stuck.heartbeat_stale_seconds", defaults.Stuck.HeartbeatStaleSeconds)
	viper.SetDefault("stuck.extended_work_seconds", defaults.Stuck.ExtendedWorkSeconds)
	viper.SetDefault("stuck.loop_repeats", defaults.Stuck.LoopRepeats)
	viper.SetDefault("stuck.error_spike", defaults.Stuck.ErrorSpike)
	viper.SetDefault("stuck.output_window", defaults.Stuck.OutputWindow)
	viper.SetDefault("stuck.history_size", defaults.Stuck.HistorySize)

	// Shepherd defaults
	viper.SetDefault("shepherd.mode", defaults.Shepherd.Mode)
	viper.SetDefault("shepherd.max_doctor_iterations", defaults.Shepherd.MaxDoctorIterations)
	viper.SetDefault("shepherd.repro_check", defaults.Shepherd.ReproCheck)
	viper.SetDefault("shepherd.agent_command", defaults.Shepherd.AgentCommand)
	viper.SetDefault("shepherd.poll_interval_seconds", defaults.Shepherd.PollIntervalSeconds)
	viper.SetDefault("shepherd.heartbeat_interval_seconds", defaults.Shepherd.HeartbeatIntervalSeconds)
	viper.SetDefault("shepherd.approval_timeout_minutes", defaults.Shepherd.ApprovalTimeoutMinutes)
	viper.SetDefault("shepherd.phase_timeout_minutes", defaults.Shepherd.PhaseTimeoutMinutes)
	viper.SetDefault("shepherd.merge_timeout_minutes", defaults.Shepherd.MergeTimeoutMinutes)

	// Scheduler defaults
	viper.SetDefault("scheduler.max_shepherds", defaults.Scheduler.MaxShepherds)
	viper.SetDefault("scheduler.interval_seconds", defaults.Scheduler.IntervalSeconds)
	viper.SetDefault("scheduler.paused_reclaim_minutes", defaults.Scheduler.PausedReclaimMinutes)
	viper.SetDefault("scheduler.watch_progress", defaults.Scheduler.WatchProgress)
	viper.SetDefault("scheduler.shepherd_command", defaults.Scheduler.ShepherdCommand)
	viper.SetDefault("scheduler.roles", rolesAsMaps(defaults.Scheduler.Roles))

	// Retry defaults
	for class, n := range defaults.Retry.Thresholds {
		// Per key, so a config file overriding one class keeps the others.
		viper.SetDefault("retry.thresholds."+class, n)
	}
	viper.SetDefault("retry.transient_base_seconds", defaults.Retry.TransientBaseSeconds)
	viper.SetDefault("retry.transient_cap_seconds", defaults.Retry.TransientCapSeconds)
	viper.SetDefault("retry.transient_max_attempts", defaults.Retry.TransientMaxAttempts)

	// Tracker defaults
	viper.SetDefault("tracker.repo", defaults.Tracker.Repo)
	viper.SetDefault("tracker.exclusive_groups", defaults.Tracker.ExclusiveGroups)

	// Tmux defaults
	viper.SetDefault("tmux.socket", defaults.Tmux.Socket)
	viper.SetDefault("tmux.graceful_stop_seconds", defaults.Tmux.GracefulStopSeconds)

	// Telemetry defaults
	viper.SetDefault("telemetry.endpoint", defaults.Telemetry.Endpoint)
	viper.SetDefault("telemetry.service_name", defaults.Telemetry.ServiceName)
	viper.SetDefault("telemetry.insecure", defaults.Telemetry.Insecure)
}

// rolesAsMaps renders roles the way they appear in a config file so viper
// merges overrides key by key.
func rolesAsMaps(roles []RoleConfig) []map[string]any {
	out := make([]map[string]any, 0, len(roles))
	for _, r := range roles {
		out = append(out, map[string]any{
			"name":             r.Name,
			"interval_minutes": r.IntervalMinutes,
			"demand_label":     r.DemandLabel,
			"command":          r.Command,
		})
	}
	return out
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "herd")
	}
	// Fall back to ~/.config/herd
	home, err := os.UserHomeDir()
	if err != nil {
		return ".herd"
	}
	return filepath.Join(home, ".config", "herd")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidModes returns the list of valid shepherd modes
func ValidModes() []string {
	return []string{ModeDefault, ModeForce, ModeWait}
}
