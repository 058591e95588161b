package cmd

import (
	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <plan-id>",
		Short: "Show the current state of a plan",
		Args:  cobra.ExactArgs(1),
		RunE:  showStatus,
	}
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := buildApp(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.orch.Summarize(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), summary)
	return nil
}
