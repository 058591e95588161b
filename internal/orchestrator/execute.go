package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/harrison/autoplan/internal/env"
	"github.com/harrison/autoplan/internal/learning"
	"github.com/harrison/autoplan/internal/models"
)

// ExecutePlan decomposes a goal, materializes the tasks, and drives them
// to a terminal state. The returned summary reflects whatever the plan
// achieved; only plan generation and persistence failures return an error.
func (o *Orchestrator) ExecutePlan(ctx context.Context, goal string) (*models.PlanSummary, error) {
	taskType := models.ClassifyTaskType(goal)

	templateHint := ""
	if tpl, err := o.patterns.GetTaskTemplate(ctx, goal, taskType); err != nil {
		o.logWarn(fmt.Sprintf("Template lookup failed: %v", err))
	} else if tpl != nil {
		o.logInfo(fmt.Sprintf("Using learned %s template (%d prior successes)", taskType, tpl.SuccessCount))
		templateHint = tpl.TemplateCode
	}

	generated, err := o.gen.GeneratePlan(ctx, goal, templateHint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanGeneration, err)
	}
	o.logInfo(fmt.Sprintf("Plan decomposed into %d task(s)", len(generated)))

	planID, err := o.store.CreatePlan(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}

	requiredLibs := make(map[string][]string, len(generated))
	ids := make([]string, 0, len(generated))
	for i, gt := range generated {
		var deps []string
		for _, idx := range gt.Dependencies {
			if idx < 0 || idx >= i {
				o.logWarn(fmt.Sprintf("Task %d references invalid dependency index %d, dropping it", i, idx))
				continue
			}
			deps = append(deps, ids[idx])
		}
		taskID, err := o.store.AddTask(ctx, gt.Description, planID, deps)
		if err != nil {
			return nil, fmt.Errorf("materialize task %d: %w", i, err)
		}
		ids = append(ids, taskID)
		requiredLibs[taskID] = gt.RequiredLibraries
	}

	rt, err := o.envs.Acquire(planID)
	if err != nil {
		return nil, fmt.Errorf("acquire environment: %w", err)
	}

	if err := o.store.SetPlanStatus(ctx, planID, models.StatusRunning); err != nil {
		return nil, fmt.Errorf("mark plan running: %w", err)
	}

	o.runPlanLoop(ctx, planID, rt, requiredLibs)

	if err := o.finishPlan(ctx, planID); err != nil {
		return nil, err
	}
	if err := rt.WriteRequirementsFile(); err != nil {
		o.logWarn(fmt.Sprintf("Could not write requirements file: %v", err))
	}
	return o.buildSummary(ctx, planID, rt)
}

// runPlanLoop repeatedly asks the store which tasks are unblocked and runs
// them, in creation order, until nothing is runnable. Tasks stalled by a
// cycle or a failed dependency simply never become runnable.
func (o *Orchestrator) runPlanLoop(ctx context.Context, planID string, rt Runtime, requiredLibs map[string][]string) {
	scriptIndex := 0
	for {
		runnable, err := o.store.ListRunnableTasks(ctx)
		if err != nil {
			o.logError(fmt.Sprintf("Runnable task query failed: %v", err))
			return
		}

		var batch []*models.Task
		for _, t := range runnable {
			if t.PlanID == planID {
				batch = append(batch, t)
			}
		}
		if len(batch) == 0 {
			break
		}

		progressed := false
		for _, task := range batch {
			scriptIndex++
			if o.runTask(ctx, rt, task, requiredLibs[task.ID], scriptIndex) {
				progressed = true
			}
		}
		if !progressed {
			o.logError("No task reached a terminal state this round, stopping")
			return
		}
	}

	o.diagnoseStalled(ctx, planID)
}

// diagnoseStalled logs why pending tasks can never run. Purely a
// diagnostic: stalled tasks stay pending.
func (o *Orchestrator) diagnoseStalled(ctx context.Context, planID string) {
	tasks, err := o.store.ListTasksByPlan(ctx, planID)
	if err != nil {
		return
	}
	pending := 0
	flat := make([]models.Task, 0, len(tasks))
	for _, t := range tasks {
		flat = append(flat, *t)
		if t.Status == models.StatusPending {
			pending++
		}
	}
	if pending == 0 {
		return
	}
	if models.HasCycle(flat) {
		o.logWarn(fmt.Sprintf("%d task(s) left pending by a dependency cycle", pending))
		return
	}
	o.logWarn(fmt.Sprintf("%d task(s) left pending behind failed dependencies", pending))
}

// runTask drives one task to completed or failed. Reports whether a
// terminal status was persisted.
func (o *Orchestrator) runTask(ctx context.Context, rt Runtime, task *models.Task, libs []string, scriptIndex int) bool {
	o.logInfo(fmt.Sprintf("Running task %s: %s", task.ID, models.TruncateResult(task.Description, 80)))
	if err := o.store.SetTaskStatus(ctx, task.ID, models.StatusRunning, ""); err != nil {
		o.logError(fmt.Sprintf("Could not mark task running: %v", err))
		return false
	}

	if task.Code == "" {
		if !o.generateTaskCode(ctx, task) {
			return true
		}
	}

	if len(libs) > 0 && !rt.InstallAll(ctx, libs) {
		o.logWarn(fmt.Sprintf("Not all declared packages installed for task %s, continuing", task.ID))
	}

	res := rt.ExecuteWithAutoDependencyResolution(ctx, task.Code, o.installAttempts)
	attempts := 1
	repaired := false

	for !res.Success {
		errText := stderrOrDefault(res.Stderr)

		if attempts >= o.maxExecutions {
			o.appendHistory(ctx, task.ID, errText, "", false)
			break
		}

		o.logWarn(fmt.Sprintf("Task %s failed (%s), attempting repair",
			task.ID, models.ClassifyError(errText)))

		chainRes, executions, attempted := o.repairChain(ctx, rt, task, errText, o.maxExecutions-attempts)
		attempts += executions
		if !attempted {
			o.appendHistory(ctx, task.ID, errText, "", false)
			break
		}

		repaired = true
		res = chainRes
	}

	if !res.Success {
		o.failTask(ctx, task, stderrOrDefault(res.Stderr))
		return true
	}

	o.completeTask(ctx, rt, task, res, !repaired, scriptIndex)
	return true
}

// generateTaskCode fills in task code from the generator, seeding the
// prompt with relevant learned modules. Returns false when the task was
// failed instead.
func (o *Orchestrator) generateTaskCode(ctx context.Context, task *models.Task) bool {
	var moduleCode []string
	if modules, err := o.patterns.GetRelevantModules(ctx, task.Description); err != nil {
		o.logWarn(fmt.Sprintf("Module lookup failed: %v", err))
	} else {
		for _, m := range modules {
			moduleCode = append(moduleCode, m.Code)
		}
	}

	code, err := o.gen.GenerateCode(ctx, task.Description, moduleCode)
	if err != nil {
		o.failTask(ctx, task, fmt.Sprintf("code generation failed: %v", err))
		return false
	}
	o.setTaskCode(ctx, task, code)
	return true
}

// completeTask persists success, saves the final script, and on a clean
// first-attempt success harvests the code for future reuse. Harvest
// failures are logged and swallowed.
func (o *Orchestrator) completeTask(ctx context.Context, rt Runtime, task *models.Task, res env.ExecResult, firstTry bool, scriptIndex int) {
	result := strings.TrimSpace(res.Stdout)
	if result == "" {
		result = "(no output)"
	}
	if err := o.store.SetTaskStatus(ctx, task.ID, models.StatusCompleted, models.TruncateResult(result, 2000)); err != nil {
		o.logError(fmt.Sprintf("Could not mark task completed: %v", err))
	}
	o.logInfo(fmt.Sprintf("Task %s completed", task.ID))

	if _, err := rt.SaveScript(ctx, fmt.Sprintf("task_%02d.py", scriptIndex), task.Code); err != nil {
		o.logWarn(fmt.Sprintf("Could not save task script: %v", err))
	}

	if !firstTry {
		return
	}
	taskType := models.ClassifyTaskType(task.Description)
	keywords := models.ExtractKeywords(task.Description, 5)
	if err := o.patterns.StoreTaskTemplate(ctx, taskType, task.Description, task.Code, keywords); err != nil {
		o.logWarn(fmt.Sprintf("Could not store task template: %v", err))
	}
	for _, m := range learning.ExtractFunctions(task.Code, taskType) {
		if err := o.patterns.StoreCodeModule(ctx, m); err != nil {
			o.logWarn(fmt.Sprintf("Could not store code module %s: %v", m.Name, err))
		}
	}
}

func (o *Orchestrator) failTask(ctx context.Context, task *models.Task, errText string) {
	if err := o.store.SetTaskStatus(ctx, task.ID, models.StatusFailed, models.TruncateResult(errText, 2000)); err != nil {
		o.logError(fmt.Sprintf("Could not mark task failed: %v", err))
	}
	o.logWarn(fmt.Sprintf("Task %s failed: %s", task.ID, models.TruncateResult(errText, 120)))
}

func (o *Orchestrator) setTaskCode(ctx context.Context, task *models.Task, code string) {
	if err := o.store.SetTaskCode(ctx, task.ID, code); err != nil {
		o.logError(fmt.Sprintf("Could not persist task code: %v", err))
	}
	task.Code = code
}

func (o *Orchestrator) appendHistory(ctx context.Context, taskID, errText, attemptedFix string, success bool) {
	if _, err := o.store.AppendErrorHistory(ctx, taskID, errText, attemptedFix, success); err != nil {
		o.logWarn(fmt.Sprintf("Could not append error history: %v", err))
	}
}

// finishPlan sets the terminal plan status: completed only when every
// task completed.
func (o *Orchestrator) finishPlan(ctx context.Context, planID string) error {
	tasks, err := o.store.ListTasksByPlan(ctx, planID)
	if err != nil {
		return fmt.Errorf("list plan tasks: %w", err)
	}
	status := models.StatusCompleted
	for _, t := range tasks {
		if t.Status != models.StatusCompleted {
			status = models.StatusFailed
			break
		}
	}
	if err := o.store.SetPlanStatus(ctx, planID, status); err != nil {
		return fmt.Errorf("set plan status: %w", err)
	}
	return nil
}

func stderrOrDefault(stderr string) string {
	if strings.TrimSpace(stderr) == "" {
		return "execution failed with no error output"
	}
	return stderr
}
