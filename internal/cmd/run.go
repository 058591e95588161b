package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/autoplan/internal/models"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run \"<goal>\"",
		Short: "Decompose a goal into tasks and execute them",
		Long: `Decompose a goal into an ordered task plan, generate code for each
task, and execute the plan in an isolated per-plan environment. Failed
tasks go through the repair chain before giving up.

Examples:
  autoplan run "download the top stories from hacker news and summarize them"
  autoplan run --max-executions 5 "parse sales.csv and plot monthly totals"`,
		Args: cobra.ExactArgs(1),
		RunE: runGoal,
	}

	cmd.Flags().Int("max-executions", 0, "override the per-task execution budget")
	cmd.Flags().String("workspace", "", "override the workspace directory")
	return cmd
}

func runGoal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if n, _ := cmd.Flags().GetInt("max-executions"); n > 0 {
		cfg.MaxExecutions = n
	}
	if dir, _ := cmd.Flags().GetString("workspace"); dir != "" {
		cfg.WorkspaceDir = dir
	}

	a, err := buildApp(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.orch.ExecutePlan(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), summary)
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d task(s) failed", summary.Failed, summary.TotalTasks)
	}
	return nil
}

// printSummary renders a plan summary. Colors degrade to plain text on
// non-TTY writers through the color package.
func printSummary(w io.Writer, s *models.PlanSummary) {
	header := color.New(color.Bold)
	good := color.New(color.FgGreen)
	bad := color.New(color.FgRed)

	fmt.Fprintln(w)
	header.Fprintf(w, "Plan %s\n", s.PlanID)
	fmt.Fprintf(w, "  Goal: %s\n", s.Goal)
	fmt.Fprintf(w, "  Tasks: %d total, ", s.TotalTasks)
	good.Fprintf(w, "%d completed", s.Completed)
	fmt.Fprint(w, ", ")
	bad.Fprintf(w, "%d failed", s.Failed)
	if s.Pending > 0 {
		fmt.Fprintf(w, ", %d pending", s.Pending)
	}
	fmt.Fprintln(w)

	if s.ProjectDir != "" {
		fmt.Fprintf(w, "  Project dir: %s\n", s.ProjectDir)
	}
	if len(s.InstalledPackages) > 0 {
		fmt.Fprintf(w, "  Installed packages: %s\n", strings.Join(s.InstalledPackages, ", "))
	}

	for _, t := range s.CompletedTasks {
		good.Fprintf(w, "  [ok] ")
		fmt.Fprintf(w, "%s: %s\n", t.Description, t.Result)
	}
	for _, t := range s.FailedTasks {
		bad.Fprintf(w, "  [failed] ")
		fmt.Fprintf(w, "%s: %s\n", t.Description, t.Result)
	}

	if s.Insights != nil && s.Insights.TotalModules > 0 {
		fmt.Fprintf(w, "  Learned modules: %d", s.Insights.TotalModules)
		if len(s.Insights.TopCategories) > 0 {
			var cats []string
			for _, c := range s.Insights.TopCategories {
				cats = append(cats, fmt.Sprintf("%s (%d)", c.Category, c.Count))
			}
			fmt.Fprintf(w, " (top: %s)", strings.Join(cats, ", "))
		}
		fmt.Fprintln(w)
	}
}
