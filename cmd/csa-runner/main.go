package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/terminal-bench/csarunner/internal/config"
	"github.com/terminal-bench/csarunner/internal/logging"
)

var (
	configPath string
	logLevel   string

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "csa-runner",
	Short: "Counter-trading search for the PT-ES and FR-ES borders",
	Long: `csa-runner finds the lowest counter-trading on the PT-ES and FR-ES borders
keeping both secure, by dichotomy over remote security computations.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		logger, err = logging.New(cfg.LogLevel, cfg.Development)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides the configuration")

	rootCmd.AddCommand(serveCmd, simulateCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
