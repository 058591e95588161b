// Package cmd wires the autoplan CLI: goal execution, single-task repair,
// and plan status inspection.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/harrison/autoplan/internal/config"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// NewRootCommand creates the root cobra command for autoplan.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autoplan",
		Short: "Goal-driven task planning with self-repairing execution",
		Long: `Autoplan decomposes a goal into executable tasks, runs them in an
isolated per-plan Python environment, and repairs failures using learned
fixes, dependency installation, and generative repair.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", config.DefaultPath(), "path to config file")
	cmd.PersistentFlags().String("log-level", "", "log verbosity: trace, debug, info, warn, error")

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewRepairCommand())
	cmd.AddCommand(NewStatusCommand())

	return cmd
}

// loadConfig reads the config file named by the --config flag and applies
// flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
