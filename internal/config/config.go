// Package config loads and validates autoplan configuration from YAML,
// layering file values over defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the autoplan system.
type Config struct {
	// WorkspaceDir is the root under which per-plan project directories
	// are created.
	WorkspaceDir string `yaml:"workspace_dir"`

	// TaskDBPath is the SQLite file holding plans and tasks.
	TaskDBPath string `yaml:"task_db_path"`

	// LearningDBPath is the SQLite file holding learned patterns.
	LearningDBPath string `yaml:"learning_db_path"`

	// LogLevel sets verbosity: trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogDir is where run log files are written. Empty disables file
	// logging.
	LogDir string `yaml:"log_dir"`

	// PythonBin is the host interpreter used to create environments.
	PythonBin string `yaml:"python_bin"`

	// ScriptTimeout bounds each script execution. Zero disables the
	// bound.
	ScriptTimeout time.Duration `yaml:"-"`

	// MaxExecutions is the per-task execution budget, repairs included.
	MaxExecutions int `yaml:"max_executions"`

	// RepairCooldown is the pause between a failed execution and the
	// repair attempt.
	RepairCooldown time.Duration `yaml:"-"`

	// GenerationBinary is the CLI used for plan and code generation.
	GenerationBinary string `yaml:"generation_binary"`

	// GenerationTimeout bounds each generation call.
	GenerationTimeout time.Duration `yaml:"-"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		WorkspaceDir:      ".autoplan/workspace",
		TaskDBPath:        ".autoplan/tasks.db",
		LearningDBPath:    ".autoplan/learning.db",
		LogLevel:          "info",
		LogDir:            ".autoplan/logs",
		PythonBin:         "python3",
		ScriptTimeout:     5 * time.Minute,
		MaxExecutions:     3,
		RepairCooldown:    time.Second,
		GenerationBinary:  "claude",
		GenerationTimeout: 5 * time.Minute,
	}
}

// yamlConfig mirrors Config with durations as strings so the file can say
// "5m" or "90s".
type yamlConfig struct {
	WorkspaceDir      string `yaml:"workspace_dir"`
	TaskDBPath        string `yaml:"task_db_path"`
	LearningDBPath    string `yaml:"learning_db_path"`
	LogLevel          string `yaml:"log_level"`
	LogDir            string `yaml:"log_dir"`
	PythonBin         string `yaml:"python_bin"`
	ScriptTimeout     string `yaml:"script_timeout"`
	MaxExecutions     *int   `yaml:"max_executions"`
	RepairCooldown    string `yaml:"repair_cooldown"`
	GenerationBinary  string `yaml:"generation_binary"`
	GenerationTimeout string `yaml:"generation_timeout"`
}

// LoadConfig reads a YAML config file over the defaults. A missing file is
// not an error; a malformed one is.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if yc.WorkspaceDir != "" {
		cfg.WorkspaceDir = yc.WorkspaceDir
	}
	if yc.TaskDBPath != "" {
		cfg.TaskDBPath = yc.TaskDBPath
	}
	if yc.LearningDBPath != "" {
		cfg.LearningDBPath = yc.LearningDBPath
	}
	if yc.LogLevel != "" {
		cfg.LogLevel = yc.LogLevel
	}
	if yc.LogDir != "" {
		cfg.LogDir = yc.LogDir
	}
	if yc.PythonBin != "" {
		cfg.PythonBin = yc.PythonBin
	}
	if yc.GenerationBinary != "" {
		cfg.GenerationBinary = yc.GenerationBinary
	}
	if yc.MaxExecutions != nil {
		cfg.MaxExecutions = *yc.MaxExecutions
	}
	if err := overrideDuration(&cfg.ScriptTimeout, yc.ScriptTimeout, "script_timeout"); err != nil {
		return nil, err
	}
	if err := overrideDuration(&cfg.RepairCooldown, yc.RepairCooldown, "repair_cooldown"); err != nil {
		return nil, err
	}
	if err := overrideDuration(&cfg.GenerationTimeout, yc.GenerationTimeout, "generation_timeout"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overrideDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	*dst = d
	return nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.WorkspaceDir == "" {
		return fmt.Errorf("workspace_dir is required")
	}
	if c.TaskDBPath == "" {
		return fmt.Errorf("task_db_path is required")
	}
	if c.LearningDBPath == "" {
		return fmt.Errorf("learning_db_path is required")
	}
	if c.MaxExecutions < 1 {
		return fmt.Errorf("max_executions must be at least 1, got %d", c.MaxExecutions)
	}
	if c.ScriptTimeout < 0 {
		return fmt.Errorf("script_timeout cannot be negative")
	}
	if c.RepairCooldown < 0 {
		return fmt.Errorf("repair_cooldown cannot be negative")
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of trace, debug, info, warn, error; got %q", c.LogLevel)
	}
	return nil
}

// DefaultPath is where autoplan looks for its config file when no --config
// flag is given.
func DefaultPath() string {
	return filepath.Join(".autoplan", "config.yaml")
}
