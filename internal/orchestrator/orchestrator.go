// Package orchestrator drives plans end to end: goal decomposition, code
// generation, sandboxed execution, and the repair chain that turns
// failures into retries backed by learned patterns.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/harrison/autoplan/internal/env"
	"github.com/harrison/autoplan/internal/learning"
	"github.com/harrison/autoplan/internal/models"
	"github.com/harrison/autoplan/internal/store"
)

// ErrPlanGeneration marks a goal the generator could not decompose.
// Nothing is persisted when this is returned.
var ErrPlanGeneration = errors.New("plan generation failed")

// Generator produces plans, task code, and repaired code.
type Generator interface {
	GeneratePlan(ctx context.Context, goal, templateHint string) ([]models.GeneratedTask, error)
	GenerateCode(ctx context.Context, description string, moduleCode []string) (string, error)
	AnalyzeError(ctx context.Context, errorText, currentCode string) (string, error)
}

// PatternStore records repair outcomes and serves them back as learned
// fixes, task templates, and reusable code modules.
type PatternStore interface {
	GetRecommendedFix(ctx context.Context, errorMessage, originalCode, taskContext string) (*learning.RecommendedFix, error)
	StoreErrorPattern(ctx context.Context, errorMessage, errorType, originalCode, fixedCode, taskContext string) error
	RecordFixFailure(ctx context.Context, errorMessage, errorType string) error
	GetTaskTemplate(ctx context.Context, description, taskType string) (*learning.TaskTemplate, error)
	StoreTaskTemplate(ctx context.Context, taskType, description, templateCode string, keywords []string) error
	GetRelevantModules(ctx context.Context, description string) ([]learning.CodeModule, error)
	StoreCodeModule(ctx context.Context, m learning.CodeModule) error
	Insights(ctx context.Context) (*models.LearningInsights, error)
}

// Runtime is the per-plan execution sandbox.
type Runtime interface {
	ExecuteWithAutoDependencyResolution(ctx context.Context, code string, maxAttempts int) env.ExecResult
	ExtractMissingPackages(errorText string) []string
	InstallAll(ctx context.Context, names []string) bool
	InstalledPackages() []string
	SaveScript(ctx context.Context, name, code string) (string, error)
	WriteRequirementsFile() error
	Workdir() string
}

// EnvironmentProvider hands out the runtime for a plan, creating it on
// first use.
type EnvironmentProvider interface {
	Acquire(planID string) (Runtime, error)
}

// EnvironmentProviderFunc adapts a function to EnvironmentProvider.
type EnvironmentProviderFunc func(planID string) (Runtime, error)

func (f EnvironmentProviderFunc) Acquire(planID string) (Runtime, error) {
	return f(planID)
}

// Logger is the minimal logging surface the orchestrator needs. A nil
// logger discards everything.
type Logger interface {
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger attaches a logger.
func WithLogger(l Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMaxExecutions bounds the total execution attempts per task,
// including post-repair retries. Defaults to 3.
func WithMaxExecutions(n int) Option {
	return func(o *Orchestrator) { o.maxExecutions = n }
}

// WithCooldown sets the pause between a failed execution and the repair
// attempt. Defaults to one second.
func WithCooldown(d time.Duration) Option {
	return func(o *Orchestrator) { o.cooldown = d }
}

// Orchestrator coordinates the store, the generation port, the pattern
// store, and per-plan runtimes.
type Orchestrator struct {
	store    *store.Store
	envs     EnvironmentProvider
	gen      Generator
	patterns PatternStore
	logger   Logger

	maxExecutions   int
	cooldown        time.Duration
	installAttempts int
}

// New wires an orchestrator with defaults: 3 executions per task, 1s
// cooldown between failed rounds.
func New(s *store.Store, envs EnvironmentProvider, gen Generator, patterns PatternStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:           s,
		envs:            envs,
		gen:             gen,
		patterns:        patterns,
		maxExecutions:   3,
		cooldown:        time.Second,
		installAttempts: 2,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) logDebug(msg string) {
	if o.logger != nil {
		o.logger.LogDebug(msg)
	}
}

func (o *Orchestrator) logInfo(msg string) {
	if o.logger != nil {
		o.logger.LogInfo(msg)
	}
}

func (o *Orchestrator) logWarn(msg string) {
	if o.logger != nil {
		o.logger.LogWarn(msg)
	}
}

func (o *Orchestrator) logError(msg string) {
	if o.logger != nil {
		o.logger.LogError(msg)
	}
}
