package orchestrator

import (
	"context"
	"fmt"

	"github.com/harrison/autoplan/internal/models"
)

// Summarize builds the read-only summary for a plan from the store and
// the pattern store. Used by the status command, where no runtime exists.
func (o *Orchestrator) Summarize(ctx context.Context, planID string) (*models.PlanSummary, error) {
	return o.buildSummary(ctx, planID, nil)
}

func (o *Orchestrator) buildSummary(ctx context.Context, planID string, rt Runtime) (*models.PlanSummary, error) {
	plan, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	tasks, err := o.store.ListTasksByPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("list plan tasks: %w", err)
	}

	summary := &models.PlanSummary{
		PlanID:     planID,
		Goal:       plan.Goal,
		TotalTasks: len(tasks),
	}
	for _, t := range tasks {
		switch t.Status {
		case models.StatusCompleted:
			summary.Completed++
			summary.CompletedTasks = append(summary.CompletedTasks, models.TaskOutcome{
				TaskID:      t.ID,
				Description: t.Description,
				Result:      models.TruncateResult(t.Result, 200),
			})
		case models.StatusFailed:
			summary.Failed++
			summary.FailedTasks = append(summary.FailedTasks, models.TaskOutcome{
				TaskID:      t.ID,
				Description: t.Description,
				Result:      models.TruncateResult(t.Result, 200),
			})
		case models.StatusPending:
			summary.Pending++
		case models.StatusRunning:
			summary.Running++
		case models.StatusCanceled:
			summary.Canceled++
		}
	}

	if rt != nil {
		summary.ProjectDir = rt.Workdir()
		summary.InstalledPackages = rt.InstalledPackages()
	}

	if insights, err := o.patterns.Insights(ctx); err != nil {
		o.logWarn(fmt.Sprintf("Learning insights unavailable: %v", err))
	} else {
		summary.Insights = insights
	}
	return summary, nil
}
