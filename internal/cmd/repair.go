package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRepairCommand creates the repair command.
func NewRepairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repair <task-id>",
		Short: "Run one repair pass over a failed task",
		Long: `Run a single repair pass over a failed task: a learned fix when one
is confident enough, otherwise installing the packages the error names,
otherwise a generative rewrite. The repaired code is validated by one
re-execution.`,
		Args: cobra.ExactArgs(1),
		RunE: repairTask,
	}
}

func repairTask(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := buildApp(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	repaired, err := a.orch.RepairFailedTask(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !repaired {
		return fmt.Errorf("task %s could not be repaired", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Task %s repaired\n", args[0])
	return nil
}
