package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/herd/internal/config"
)

// Version is stamped at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "herd",
	Short: "Coordinate a fleet of AI coding agents over an issue tracker",
	Long: `Herd drives AI coding agents through a fixed per-issue workflow
(curate, approve, build, judge, doctor, merge) and keeps a bounded pool of
such shepherds busy, retrying or escalating issues that fail.

Issues are claimed through atomic directories so no two workers build the
same issue, and stuck workers are detected from their progress and output.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err != nil {
		var ee *exitError
		if !errors.As(err, &ee) || ee.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	return exitCode(err)
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $XDG_CONFIG_HOME/herd/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", formatText, "output format: text or json")
	rootCmd.PersistentFlags().StringVar(&baseDirFlag, "dir", "", "repository root (default: the git root of the working directory)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

// loadConfig reads .env, the config file and HERD_ environment overrides,
// then validates the result.
func loadConfig(cmd *cobra.Command, _ []string) error {
	if outputFormat != formatText && outputFormat != formatJSON {
		return usageErrorf("--output must be %q or %q, got %q", formatText, formatJSON, outputFormat)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	viper.Reset()
	_ = viper.BindPFlag("config", cmd.Root().PersistentFlags().Lookup("config"))
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".herd")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("HERD")
	// HERD_SCHEDULER_MAX_SHEPHERDS overrides scheduler.max_shepherds
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || viper.GetString("config") != "" {
			return fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	current = cfg
	return nil
}
