package cmd

import (
	"fmt"
	"io"

	"github.com/harrison/autoplan/internal/config"
	"github.com/harrison/autoplan/internal/env"
	"github.com/harrison/autoplan/internal/genai"
	"github.com/harrison/autoplan/internal/learning"
	"github.com/harrison/autoplan/internal/logger"
	"github.com/harrison/autoplan/internal/orchestrator"
	"github.com/harrison/autoplan/internal/store"
)

// app holds the wired subsystems for one CLI invocation.
type app struct {
	cfg      *config.Config
	store    *store.Store
	patterns *learning.Store
	orch     *orchestrator.Orchestrator
	log      logger.Logger

	fileLog *logger.FileLogger
}

// buildApp assembles the store, learning store, environment manager,
// generator, and orchestrator from configuration. Console output goes to
// out; file logging is added when the config names a log directory.
func buildApp(cfg *config.Config, out io.Writer) (*app, error) {
	console := logger.NewConsoleLogger(out, cfg.LogLevel)
	var logs logger.Logger = console
	var fileLog *logger.FileLogger
	if cfg.LogDir != "" {
		fl, err := logger.NewFileLogger(cfg.LogDir, cfg.LogLevel)
		if err != nil {
			console.LogWarn(fmt.Sprintf("File logging disabled: %v", err))
		} else {
			fileLog = fl
			logs = logger.NewMulti(console, fl)
		}
	}

	s, err := store.NewStore(cfg.TaskDBPath)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	patterns, err := learning.NewStore(cfg.LearningDBPath)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open learning store: %w", err)
	}

	manager := env.NewManager(cfg.WorkspaceDir,
		env.WithPython(cfg.PythonBin),
		env.WithScriptTimeout(cfg.ScriptTimeout),
		env.WithLogger(logs))

	gen := genai.NewGenerator(&genai.Invoker{
		BinaryPath: cfg.GenerationBinary,
		Timeout:    cfg.GenerationTimeout,
	})

	provider := orchestrator.EnvironmentProviderFunc(func(planID string) (orchestrator.Runtime, error) {
		e, err := manager.Acquire(planID)
		if err != nil {
			return nil, err
		}
		return e, nil
	})

	orch := orchestrator.New(s, provider, gen, patterns,
		orchestrator.WithLogger(logs),
		orchestrator.WithMaxExecutions(cfg.MaxExecutions),
		orchestrator.WithCooldown(cfg.RepairCooldown))

	return &app{
		cfg:      cfg,
		store:    s,
		patterns: patterns,
		orch:     orch,
		log:      logs,
		fileLog:  fileLog,
	}, nil
}

// Close releases the stores and the run log.
func (a *app) Close() {
	if a.fileLog != nil {
		a.fileLog.Close()
	}
	a.patterns.Close()
	a.store.Close()
}
