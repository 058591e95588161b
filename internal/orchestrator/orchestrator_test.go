package orchestrator

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/autoplan/internal/env"
	"github.com/harrison/autoplan/internal/learning"
	"github.com/harrison/autoplan/internal/models"
	"github.com/harrison/autoplan/internal/store"
)

type fakeGenerator struct {
	plan    []models.GeneratedTask
	planErr error

	code    map[string]string
	codeErr error

	repairCode  string
	repairErr   error
	repairCalls int
}

func (g *fakeGenerator) GeneratePlan(ctx context.Context, goal, templateHint string) ([]models.GeneratedTask, error) {
	return g.plan, g.planErr
}

func (g *fakeGenerator) GenerateCode(ctx context.Context, description string, moduleCode []string) (string, error) {
	if g.codeErr != nil {
		return "", g.codeErr
	}
	if code, ok := g.code[description]; ok {
		return code, nil
	}
	return "print('generated')", nil
}

func (g *fakeGenerator) AnalyzeError(ctx context.Context, errorText, currentCode string) (string, error) {
	g.repairCalls++
	return g.repairCode, g.repairErr
}

type storedPattern struct {
	errorType string
	fixedCode string
}

type fakePatterns struct {
	fix      *learning.RecommendedFix
	template *learning.TaskTemplate
	modules  []learning.CodeModule

	stored          []storedPattern
	fixFailures     int
	storedTemplates int
	storedModules   []learning.CodeModule
}

func (p *fakePatterns) GetRecommendedFix(ctx context.Context, errorMessage, originalCode, taskContext string) (*learning.RecommendedFix, error) {
	return p.fix, nil
}

func (p *fakePatterns) StoreErrorPattern(ctx context.Context, errorMessage, errorType, originalCode, fixedCode, taskContext string) error {
	p.stored = append(p.stored, storedPattern{errorType: errorType, fixedCode: fixedCode})
	return nil
}

func (p *fakePatterns) RecordFixFailure(ctx context.Context, errorMessage, errorType string) error {
	p.fixFailures++
	return nil
}

func (p *fakePatterns) GetTaskTemplate(ctx context.Context, description, taskType string) (*learning.TaskTemplate, error) {
	return p.template, nil
}

func (p *fakePatterns) StoreTaskTemplate(ctx context.Context, taskType, description, templateCode string, keywords []string) error {
	p.storedTemplates++
	return nil
}

func (p *fakePatterns) GetRelevantModules(ctx context.Context, description string) ([]learning.CodeModule, error) {
	return p.modules, nil
}

func (p *fakePatterns) StoreCodeModule(ctx context.Context, m learning.CodeModule) error {
	p.storedModules = append(p.storedModules, m)
	return nil
}

func (p *fakePatterns) Insights(ctx context.Context) (*models.LearningInsights, error) {
	return &models.LearningInsights{TotalModules: len(p.storedModules)}, nil
}

var fakeNoModuleRe = regexp.MustCompile(`No module named '([^']+)'`)

type fakeRuntime struct {
	mu sync.Mutex

	// results maps code to a queue of outcomes; the queue's last entry
	// repeats once drained. Codes with no queue use defaultRes.
	results    map[string][]env.ExecResult
	defaultRes env.ExecResult

	installOK bool
	aliases   map[string]string

	execCodes []string
	installed [][]string
	saved     map[string]string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		results:    make(map[string][]env.ExecResult),
		defaultRes: env.ExecResult{Success: true, Stdout: "ok"},
		installOK:  true,
		aliases:    map[string]string{"bs4": "beautifulsoup4"},
		saved:      make(map[string]string),
	}
}

func (r *fakeRuntime) ExecuteWithAutoDependencyResolution(ctx context.Context, code string, maxAttempts int) env.ExecResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execCodes = append(r.execCodes, code)
	queue, ok := r.results[code]
	if !ok || len(queue) == 0 {
		return r.defaultRes
	}
	res := queue[0]
	if len(queue) > 1 {
		r.results[code] = queue[1:]
	}
	return res
}

func (r *fakeRuntime) ExtractMissingPackages(errorText string) []string {
	var missing []string
	for _, m := range fakeNoModuleRe.FindAllStringSubmatch(errorText, -1) {
		pkg := m[1]
		if alias, ok := r.aliases[pkg]; ok {
			pkg = alias
		}
		missing = append(missing, pkg)
	}
	return missing
}

func (r *fakeRuntime) InstallAll(ctx context.Context, names []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installed = append(r.installed, names)
	return r.installOK
}

func (r *fakeRuntime) InstalledPackages() []string {
	var all []string
	for _, batch := range r.installed {
		all = append(all, batch...)
	}
	return all
}

func (r *fakeRuntime) SaveScript(ctx context.Context, name, code string) (string, error) {
	r.saved[name] = code
	return "/fake/" + name, nil
}

func (r *fakeRuntime) WriteRequirementsFile() error { return nil }

func (r *fakeRuntime) Workdir() string { return "/fake" }

// execCount reports how many times one code string was executed.
func (r *fakeRuntime) execCount(code string) int {
	n := 0
	for _, c := range r.execCodes {
		if c == code {
			n++
		}
	}
	return n
}

type capturedLogs struct {
	mu       sync.Mutex
	messages []string
}

func (l *capturedLogs) log(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *capturedLogs) LogDebug(msg string) { l.log(msg) }
func (l *capturedLogs) LogInfo(msg string)  { l.log(msg) }
func (l *capturedLogs) LogWarn(msg string)  { l.log(msg) }
func (l *capturedLogs) LogError(msg string) { l.log(msg) }

func (l *capturedLogs) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

type fixture struct {
	orch     *Orchestrator
	store    *store.Store
	gen      *fakeGenerator
	patterns *fakePatterns
	runtime  *fakeRuntime
	logs     *capturedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:    s,
		gen:      &fakeGenerator{code: make(map[string]string)},
		patterns: &fakePatterns{},
		runtime:  newFakeRuntime(),
		logs:     &capturedLogs{},
	}
	provider := EnvironmentProviderFunc(func(planID string) (Runtime, error) {
		return f.runtime, nil
	})
	f.orch = New(s, provider, f.gen, f.patterns,
		WithLogger(f.logs), WithCooldown(0))
	return f
}

func TestExecutePlanHappyPath(t *testing.T) {
	f := newFixture(t)
	f.gen.plan = []models.GeneratedTask{
		{Description: "fetch the data", RequiredLibraries: []string{"requests"}},
		{Description: "summarize the data", Dependencies: []int{0}},
	}
	f.gen.code["fetch the data"] = "print('fetch')"
	f.gen.code["summarize the data"] = "print('summary')"

	summary, err := f.orch.ExecutePlan(context.Background(), "fetch and summarize")
	require.NoError(t, err)

	assert.Equal(t, 2, summary.TotalTasks)
	assert.Equal(t, 2, summary.Completed)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, []string{"print('fetch')", "print('summary')"}, f.runtime.execCodes)
	assert.Contains(t, f.runtime.installed, []string{"requests"})
	assert.Contains(t, f.runtime.saved, "task_01.py")
	assert.Contains(t, f.runtime.saved, "task_02.py")
	assert.Equal(t, 2, f.patterns.storedTemplates)

	plan, err := f.store.GetPlan(context.Background(), summary.PlanID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, plan.Status)
}

func TestExecutePlanGenerationFailure(t *testing.T) {
	f := newFixture(t)
	f.gen.planErr = errors.New("model unavailable")

	_, err := f.orch.ExecutePlan(context.Background(), "impossible goal")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPlanGeneration)
}

func TestExecutePlanDropsInvalidDependencyIndex(t *testing.T) {
	f := newFixture(t)
	f.gen.plan = []models.GeneratedTask{
		{Description: "only task", Dependencies: []int{0, 5, -1}},
	}

	summary, err := f.orch.ExecutePlan(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
	assert.True(t, f.logs.contains("invalid dependency index"))
}

func TestLearnedFixAppliedAboveThreshold(t *testing.T) {
	f := newFixture(t)
	f.gen.plan = []models.GeneratedTask{{Description: "the task"}}
	f.gen.code["the task"] = "bad code"
	f.runtime.results["bad code"] = []env.ExecResult{
		{Success: false, Stderr: "NameError: name 'x' is not defined"},
	}
	f.patterns.fix = &learning.RecommendedFix{
		FixedCode: "good code", Confidence: 0.9, SuccessCount: 4,
	}

	summary, err := f.orch.ExecutePlan(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)

	// Fixed code was persisted and re-executed.
	assert.Equal(t, []string{"bad code", "good code"}, f.runtime.execCodes)
	tasks, err := f.store.ListTasksByPlan(context.Background(), summary.PlanID)
	require.NoError(t, err)
	assert.Equal(t, "good code", tasks[0].Code)

	// Reinforcement: the validated fix went back into the pattern store.
	require.Len(t, f.patterns.stored, 1)
	assert.Equal(t, "name", f.patterns.stored[0].errorType)
	assert.Zero(t, f.gen.repairCalls)
}

func TestLearnedFixBelowThresholdSkipped(t *testing.T) {
	f := newFixture(t)
	f.gen.plan = []models.GeneratedTask{{Description: "the task"}}
	f.gen.code["the task"] = "bad code"
	f.gen.repairCode = "regenerated code"
	f.runtime.results["bad code"] = []env.ExecResult{
		{Success: false, Stderr: "ValueError: bad value"},
	}
	// 0.6 is not above the 0.75 threshold; equality would not be either.
	f.patterns.fix = &learning.RecommendedFix{FixedCode: "stale fix", Confidence: 0.6}

	summary, err := f.orch.ExecutePlan(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)

	// The chain fell through to generative repair.
	assert.Equal(t, 1, f.gen.repairCalls)
	assert.Zero(t, f.runtime.execCount("stale fix"))
	assert.Equal(t, 1, f.runtime.execCount("regenerated code"))
}

func TestFailedLearnedFixFallsThroughWithinBudget(t *testing.T) {
	f := newFixture(t)
	f.gen.plan = []models.GeneratedTask{{Description: "the task"}}
	f.gen.code["the task"] = "bad code"
	f.gen.repairCode = "rewritten code"
	f.runtime.results["bad code"] = []env.ExecResult{
		{Success: false, Stderr: "NameError: name 'x' is not defined"},
	}
	// Confident but wrong: its validation fails and must not eat the rest
	// of the budget re-applying itself.
	f.patterns.fix = &learning.RecommendedFix{FixedCode: "stale fix", Confidence: 0.9}
	f.runtime.results["stale fix"] = []env.ExecResult{
		{Success: false, Stderr: "NameError: name 'x' is not defined"},
	}

	summary, err := f.orch.ExecutePlan(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)

	// Three executions total, one per chain step, ending in the
	// generative rewrite.
	assert.Equal(t, []string{"bad code", "stale fix", "rewritten code"}, f.runtime.execCodes)
	assert.Equal(t, 1, f.patterns.fixFailures)
	assert.Equal(t, 1, f.gen.repairCalls)

	tasks, err := f.store.ListTasksByPlan(context.Background(), summary.PlanID)
	require.NoError(t, err)
	assert.Equal(t, "rewritten code", tasks[0].Code)
}

func TestDependencyFixInstallsAndRetriesUnchangedCode(t *testing.T) {
	f := newFixture(t)
	f.gen.plan = []models.GeneratedTask{{Description: "scrape the site"}}
	f.gen.code["scrape the site"] = "import bs4"
	f.runtime.results["import bs4"] = []env.ExecResult{
		{Success: false, Stderr: "ModuleNotFoundError: No module named 'bs4'"},
		{Success: true, Stdout: "scraped"},
	}

	summary, err := f.orch.ExecutePlan(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)

	// The import name was aliased to the installable package and the code
	// re-ran unchanged.
	assert.Contains(t, f.runtime.installed, []string{"beautifulsoup4"})
	assert.Equal(t, 2, f.runtime.execCount("import bs4"))
	require.Len(t, f.patterns.stored, 1)
	assert.Equal(t, "missing_package", f.patterns.stored[0].errorType)
	assert.Zero(t, f.gen.repairCalls)
}

func TestExecutionBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	f.gen.plan = []models.GeneratedTask{{Description: "doomed task"}}
	f.gen.code["doomed task"] = "broken"
	f.gen.repairCode = "still broken"
	f.runtime.defaultRes = env.ExecResult{Success: false, Stderr: "TypeError: nope"}

	summary, err := f.orch.ExecutePlan(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Completed)

	// Three executions total: the original plus two repaired retries.
	assert.Len(t, f.runtime.execCodes, 3)

	tasks, err := f.store.ListTasksByPlan(context.Background(), summary.PlanID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, tasks[0].Status)
	history, err := f.store.GetErrorHistory(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.NotEmpty(t, history)

	plan, err := f.store.GetPlan(context.Background(), summary.PlanID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, plan.Status)
}

func TestFailedDependencyBlocksDependent(t *testing.T) {
	f := newFixture(t)
	f.gen.plan = []models.GeneratedTask{
		{Description: "first step"},
		{Description: "second step", Dependencies: []int{0}},
	}
	f.gen.code["first step"] = "fails"
	f.gen.code["second step"] = "never runs"
	f.gen.repairErr = errors.New("no repair available")
	f.runtime.results["fails"] = []env.ExecResult{
		{Success: false, Stderr: "RuntimeError: boom"},
	}
	f.runtime.defaultRes = env.ExecResult{Success: false, Stderr: "RuntimeError: boom"}

	summary, err := f.orch.ExecutePlan(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Pending)
	assert.Zero(t, f.runtime.execCount("never runs"))
	assert.True(t, f.logs.contains("failed dependencies"))
}

func TestNoRepairStrategyAppliesStopsEarly(t *testing.T) {
	f := newFixture(t)
	f.gen.plan = []models.GeneratedTask{{Description: "the task"}}
	f.gen.code["the task"] = "broken"
	f.gen.repairErr = errors.New("generator down")
	f.runtime.defaultRes = env.ExecResult{Success: false, Stderr: "KeyError: 'k'"}

	summary, err := f.orch.ExecutePlan(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	// Only the initial execution: the chain produced no candidate.
	assert.Len(t, f.runtime.execCodes, 1)
}

func TestCodeGenerationFailureFailsTask(t *testing.T) {
	f := newFixture(t)
	f.gen.plan = []models.GeneratedTask{{Description: "the task"}}
	f.gen.codeErr = errors.New("generator down")

	summary, err := f.orch.ExecutePlan(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, f.runtime.execCodes)
}

func TestModuleHarvestOnFirstTrySuccess(t *testing.T) {
	f := newFixture(t)
	f.gen.plan = []models.GeneratedTask{{Description: "download report data"}}
	f.gen.code["download report data"] = "def download_report(url):\n    return url\n\nprint(download_report('x'))\n"

	_, err := f.orch.ExecutePlan(context.Background(), "goal")
	require.NoError(t, err)

	require.Len(t, f.patterns.storedModules, 1)
	assert.Equal(t, "download_report", f.patterns.storedModules[0].Name)
}

func TestRepairFailedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	planID, err := f.store.CreatePlan(ctx, "goal")
	require.NoError(t, err)
	taskID, err := f.store.AddTask(ctx, "the task", planID, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.SetTaskCode(ctx, taskID, "bad code"))
	require.NoError(t, f.store.SetTaskStatus(ctx, taskID, models.StatusFailed,
		"NameError: name 'x' is not defined"))

	f.patterns.fix = &learning.RecommendedFix{FixedCode: "good code", Confidence: 0.95}

	repaired, err := f.orch.RepairFailedTask(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, repaired)

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, "good code", task.Code)

	history, err := f.store.GetErrorHistory(ctx, taskID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.True(t, history[0].Success)
	assert.Equal(t, strategyLearnedFix, history[0].AttemptedFix)
}

func TestRepairFailedTaskValidationFailureFallsThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	planID, err := f.store.CreatePlan(ctx, "goal")
	require.NoError(t, err)
	taskID, err := f.store.AddTask(ctx, "the task", planID, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.SetTaskCode(ctx, taskID, "bad code"))
	require.NoError(t, f.store.SetTaskStatus(ctx, taskID, models.StatusFailed, "TypeError: nope"))

	f.patterns.fix = &learning.RecommendedFix{FixedCode: "worse code", Confidence: 0.9}
	f.runtime.results["worse code"] = []env.ExecResult{
		{Success: false, Stderr: "TypeError: still nope"},
	}
	f.gen.repairCode = "rewritten code"
	f.runtime.results["rewritten code"] = []env.ExecResult{
		{Success: false, Stderr: "TypeError: nope again"},
	}

	repaired, err := f.orch.RepairFailedTask(ctx, taskID)
	require.NoError(t, err)
	assert.False(t, repaired)
	assert.Equal(t, 1, f.patterns.fixFailures)

	// The failed learned fix fell through to the generative strategy; no
	// missing-package signature, so the dependency strategy was skipped.
	assert.Equal(t, 1, f.gen.repairCalls)
	assert.Empty(t, f.runtime.installed)
	assert.Equal(t, []string{"worse code", "rewritten code"}, f.runtime.execCodes)

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, task.Status)
}

func TestRepairFailedTaskFallsThroughToDependencyFix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	planID, err := f.store.CreatePlan(ctx, "goal")
	require.NoError(t, err)
	taskID, err := f.store.AddTask(ctx, "scrape the site", planID, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.SetTaskCode(ctx, taskID, "import bs4"))
	require.NoError(t, f.store.SetTaskStatus(ctx, taskID, models.StatusFailed,
		"ModuleNotFoundError: No module named 'bs4'"))

	// A confident learned fix that does not actually resolve the error.
	f.patterns.fix = &learning.RecommendedFix{FixedCode: "confident rewrite", Confidence: 0.9}
	f.runtime.results["confident rewrite"] = []env.ExecResult{
		{Success: false, Stderr: "ModuleNotFoundError: No module named 'bs4'"},
	}

	repaired, err := f.orch.RepairFailedTask(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, repaired)

	// The chain moved on to installing the package and re-ran the
	// original code unchanged.
	assert.Contains(t, f.runtime.installed, []string{"beautifulsoup4"})
	assert.Equal(t, 1, f.patterns.fixFailures)
	assert.Zero(t, f.gen.repairCalls)

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, "import bs4", task.Code)

	require.Len(t, f.patterns.stored, 1)
	assert.Equal(t, "missing_package", f.patterns.stored[0].errorType)
}

func TestRepairFailedTaskRequiresFailedStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	planID, err := f.store.CreatePlan(ctx, "goal")
	require.NoError(t, err)
	taskID, err := f.store.AddTask(ctx, "the task", planID, nil)
	require.NoError(t, err)

	_, err = f.orch.RepairFailedTask(ctx, taskID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only failed tasks")
}

func TestSummarizeWithoutRuntime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	planID, err := f.store.CreatePlan(ctx, "goal")
	require.NoError(t, err)
	a, err := f.store.AddTask(ctx, "done task", planID, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.SetTaskStatus(ctx, a, models.StatusCompleted, "fine"))
	_, err = f.store.AddTask(ctx, "waiting task", planID, nil)
	require.NoError(t, err)

	summary, err := f.orch.Summarize(ctx, planID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalTasks)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Pending)
	assert.Empty(t, summary.ProjectDir)
}
