package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shizhuolin/slurm/pkg/config"
)

var v = config.New()

var rootCmd = &cobra.Command{
	Use:   "steplaunch",
	Short: "Parallel job step launcher",
	Long: `steplaunch starts the tasks of a job step on a set of nodes running stepd.

The launch request is fanned out along a forwarding tree, task output is
forwarded back to this process, and the command exits once every task has
exited. Configuration is read from --config, STEPLAUNCH_* environment
variables and flags.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, text)")
	rootCmd.PersistentFlags().String("key-file", "", "Shared credential key file")

	v.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	v.BindPFlag("auth.key_file", rootCmd.PersistentFlags().Lookup("key-file"))

	rootCmd.AddCommand(runCmd)
}

// loadConfig reads and validates the configuration and installs the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// taskFailure reports that the step ran but some tasks failed.
type taskFailure struct {
	status int
}

func (e *taskFailure) Error() string {
	return "one or more tasks failed"
}

func exitCode(err error) int {
	var tf *taskFailure
	if errors.As(err, &tf) {
		return tf.status
	}
	return 1
}
