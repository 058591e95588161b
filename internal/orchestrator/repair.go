package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/autoplan/internal/env"
	"github.com/harrison/autoplan/internal/models"
)

const (
	strategyLearnedFix = "learned_fix"
	strategyDependency = "dependency_fix"
	strategyGenerative = "generative_repair"
)

// repairStrategies is the fixed order of the repair chain.
var repairStrategies = []string{strategyLearnedFix, strategyDependency, strategyGenerative}

// learnedFixThreshold is the confidence a learned fix must strictly
// exceed before it is applied.
const learnedFixThreshold = 0.75

// missingPackageType labels patterns repaired purely by installing
// packages, with the code untouched.
const missingPackageType = "missing_package"

// repairChain works through the strategies in order against the failure
// in errText: a learned fix above the confidence threshold, then
// installing the packages the error names, then a generative rewrite.
// Each applied candidate is validated by one re-execution; a failed
// validation restores the original code and falls through to the next
// strategy, and the first success ends the chain. Every strategy gets at
// most one attempt, and at most budget validation executions run.
// Returns the last execution result, the executions consumed, and
// whether any strategy was applied.
func (o *Orchestrator) repairChain(ctx context.Context, rt Runtime, task *models.Task, errText string, budget int) (env.ExecResult, int, bool) {
	errType := models.ClassifyError(errText)
	originalCode := task.Code
	res := env.ExecResult{Stderr: errText}
	executions := 0
	attempted := false

	for _, strategy := range repairStrategies {
		if executions >= budget {
			break
		}
		if task.Code != originalCode {
			o.setTaskCode(ctx, task, originalCode)
		}
		if !o.applyStrategy(ctx, rt, task, errText, strategy) {
			continue
		}

		attempted = true
		time.Sleep(o.cooldown)
		res = rt.ExecuteWithAutoDependencyResolution(ctx, task.Code, o.installAttempts)
		executions++
		o.appendHistory(ctx, task.ID, errText, strategy, res.Success)

		if res.Success {
			o.recordRepairSuccess(ctx, task, errText, errType, strategy, originalCode)
			return res, executions, true
		}

		o.logWarn(fmt.Sprintf("Repair via %s did not resolve task %s", strategy, task.ID))
		if strategy == strategyLearnedFix {
			if err := o.patterns.RecordFixFailure(ctx, errText, string(errType)); err != nil {
				o.logWarn(fmt.Sprintf("Could not record fix failure: %v", err))
			}
		}
	}
	return res, executions, attempted
}

// applyStrategy stages one repair candidate for the error. Reports
// whether the strategy applied; a staged candidate still needs a
// validating execution.
func (o *Orchestrator) applyStrategy(ctx context.Context, rt Runtime, task *models.Task, errText, strategy string) bool {
	switch strategy {
	case strategyLearnedFix:
		fix, err := o.patterns.GetRecommendedFix(ctx, errText, task.Code, task.Description)
		if err != nil {
			o.logWarn(fmt.Sprintf("Learned fix lookup failed: %v", err))
			return false
		}
		if fix == nil {
			return false
		}
		if fix.Confidence <= learnedFixThreshold {
			o.logDebug(fmt.Sprintf("Learned fix confidence %.2f not above %.2f, skipping",
				fix.Confidence, learnedFixThreshold))
			return false
		}
		o.logInfo(fmt.Sprintf("Applying learned fix (confidence %.2f, %d prior successes)",
			fix.Confidence, fix.SuccessCount))
		o.setTaskCode(ctx, task, fix.FixedCode)
		return true

	case strategyDependency:
		missing := rt.ExtractMissingPackages(errText)
		if len(missing) == 0 {
			return false
		}
		o.logInfo(fmt.Sprintf("Installing missing packages: %s", strings.Join(missing, ", ")))
		if !rt.InstallAll(ctx, missing) {
			o.logWarn("Missing package installation failed")
			return false
		}
		// Code unchanged: the failure was purely environmental.
		return true

	case strategyGenerative:
		fixed, err := o.gen.AnalyzeError(ctx, errText, task.Code)
		if err != nil {
			o.logWarn(fmt.Sprintf("Generative repair failed: %v", err))
			return false
		}
		o.logInfo("Applying generated repair")
		o.setTaskCode(ctx, task, fixed)
		return true
	}
	return false
}

// recordRepairSuccess feeds a validated repair back into the pattern
// store. Failures here are logged, never propagated: learning is
// best-effort.
func (o *Orchestrator) recordRepairSuccess(ctx context.Context, task *models.Task, errText string, errType models.ErrorType, strategy, prevCode string) {
	patternType := string(errType)
	if strategy == strategyDependency {
		patternType = missingPackageType
	}
	if err := o.patterns.StoreErrorPattern(ctx, errText, patternType, prevCode, task.Code, task.Description); err != nil {
		o.logWarn(fmt.Sprintf("Could not store error pattern: %v", err))
	}
}

// RepairFailedTask runs one repair pass over a failed task: the chain
// falls through the strategies until a validating execution succeeds.
// Returns true when the task ends completed.
func (o *Orchestrator) RepairFailedTask(ctx context.Context, taskID string) (bool, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != models.StatusFailed {
		return false, fmt.Errorf("task %s is %s, only failed tasks can be repaired", taskID, task.Status)
	}

	errText := task.Result
	if history, err := o.store.GetErrorHistory(ctx, taskID); err == nil && len(history) > 0 {
		errText = history[0].ErrorMessage
	}
	errText = stderrOrDefault(errText)

	rt, err := o.envs.Acquire(task.PlanID)
	if err != nil {
		return false, fmt.Errorf("acquire environment: %w", err)
	}

	res, _, attempted := o.repairChain(ctx, rt, task, errText, len(repairStrategies))
	if !attempted {
		o.logInfo(fmt.Sprintf("No repair strategy applied to task %s", taskID))
		return false, nil
	}
	if !res.Success {
		o.failTask(ctx, task, stderrOrDefault(res.Stderr))
		return false, nil
	}

	result := strings.TrimSpace(res.Stdout)
	if result == "" {
		result = "(no output)"
	}
	if err := o.store.SetTaskStatus(ctx, taskID, models.StatusCompleted, models.TruncateResult(result, 2000)); err != nil {
		return false, fmt.Errorf("mark task completed: %w", err)
	}
	o.logInfo(fmt.Sprintf("Task %s repaired", taskID))
	return true, nil
}
