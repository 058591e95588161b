// Package env manages one isolated execution context per plan: a Python
// virtual environment, an installed-package set persisted across runs, and
// script execution primitives with layered fallback strategies.
package env

import (
	"sync"
	"time"
)

// Logger is the minimal logging surface env needs. A nil logger discards
// all messages.
type Logger interface {
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
}

// Option configures a Manager.
type Option func(*Manager)

// WithPython sets the host Python binary used to create virtual
// environments and as the degraded-mode runtime. Defaults to "python3".
func WithPython(bin string) Option {
	return func(m *Manager) { m.pythonBin = bin }
}

// WithScriptTimeout bounds every script execution. A hung generated script
// is killed and reported as a failure instead of blocking the run forever.
// Defaults to 5 minutes; zero disables the bound.
func WithScriptTimeout(d time.Duration) Option {
	return func(m *Manager) { m.scriptTimeout = d }
}

// WithLogger attaches a logger to the manager and every environment it
// creates.
func WithLogger(l Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager is an explicit registry of per-plan environments. Exactly one
// Environment exists per plan id for the life of the process; no two plans
// share one.
type Manager struct {
	workspaceDir  string
	pythonBin     string
	scriptTimeout time.Duration
	logger        Logger

	mu   sync.Mutex
	envs map[string]*Environment
}

// NewManager creates a registry rooted at workspaceDir.
func NewManager(workspaceDir string, opts ...Option) *Manager {
	m := &Manager{
		workspaceDir:  workspaceDir,
		pythonBin:     "python3",
		scriptTimeout: 5 * time.Minute,
		envs:          make(map[string]*Environment),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire returns the environment for the plan, creating it on first use.
// Creation failures degrade to running against the host runtime directly;
// Acquire only errors when even the project directory cannot be created.
func (m *Manager) Acquire(planID string) (*Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.envs[planID]; ok {
		return e, nil
	}

	e, err := newEnvironment(m.workspaceDir, planID, m.pythonBin, m.scriptTimeout, m.logger)
	if err != nil {
		return nil, err
	}
	m.envs[planID] = e
	return e, nil
}
