package cmd

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/herd/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify herd configuration",
	Long: `View or modify herd configuration.

Without arguments, displays the effective configuration: defaults, the
config file and HERD_* environment overrides merged together.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the user's config file",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation and the value is parsed as YAML, e.g.:
  herd config set scheduler.max_shepherds 5
  herd config set shepherd.repro_check false
  herd config set shepherd.agent_command '[claude, -p]'`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to the user's config file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configInitCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	settings := viper.AllSettings()
	delete(settings, "config")
	out := map[string]any{
		"config_file": viper.ConfigFileUsed(),
		"settings":    settings,
	}
	return render(cmd, out, func(w io.Writer) {
		if used := viper.ConfigFileUsed(); used != "" {
			fmt.Fprintf(w, "# config file: %s\n", used)
		} else {
			fmt.Fprintln(w, "# config file: (none, using defaults)")
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		_ = enc.Encode(settings)
		_ = enc.Close()
	})
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]
	if !slices.Contains(viper.AllKeys(), key) {
		return usageErrorf("unknown configuration key: %s", key)
	}

	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return usageErrorf("invalid value for %s: %v", key, err)
	}
	viper.Set(key, value)
	if _, err := config.Load(); err != nil {
		return withCode(exitFailure, err)
	}

	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	path := viper.ConfigFileUsed()
	if path == "" {
		path = config.ConfigFile()
	}
	if err := viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := map[string]any{"key": key, "value": value, "config_file": path}
	return render(cmd, out, func(w io.Writer) {
		fmt.Fprintf(w, "set %s = %v\nsaved to %s\n", key, value, path)
	})
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path := config.ConfigFile()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s; use 'herd config set' to modify values", path)
	}
	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	settings := viper.AllSettings()
	delete(settings, "config")

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	header := "# herd configuration\n# Every key can be overridden with HERD_<SECTION>_<KEY>.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return render(cmd, map[string]string{"config_file": path}, func(w io.Writer) {
		fmt.Fprintf(w, "created %s\n", path)
	})
}

func runConfigPath(cmd *cobra.Command, _ []string) error {
	out := struct {
		Active      string   `json:"active,omitempty"`
		Default     string   `json:"default"`
		SearchPaths []string `json:"search_paths"`
	}{
		Active:      viper.ConfigFileUsed(),
		Default:     config.ConfigFile(),
		SearchPaths: []string{config.ConfigDir(), ".herd", "."},
	}
	return render(cmd, out, func(w io.Writer) {
		if out.Active != "" {
			fmt.Fprintf(w, "active config: %s\n", out.Active)
		} else {
			fmt.Fprintf(w, "default path: %s (not created)\n", out.Default)
		}
		fmt.Fprintln(w, "\nsearch paths (config.yaml in each):")
		for i, p := range out.SearchPaths {
			fmt.Fprintf(w, "  %d. %s\n", i+1, p)
		}
		fmt.Fprintln(w, "\nenvironment variables: HERD_* (e.g. HERD_SCHEDULER_MAX_SHEPHERDS)")
	})
}
