package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shizhuolin/slurm/pkg/config"
)

var v = config.New()

var rootCmd = &cobra.Command{
	Use:   "stepd",
	Short: "Job step node daemon",
	Long: `stepd accepts job step launch requests, relays them to the nodes it is
responsible for in the forwarding tree, and runs its share of the tasks.`,
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

	rootCmd.AddCommand(serveCmd)
}

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
