package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `workspace_dir: /srv/plans
log_level: debug
python_bin: python3.12
script_timeout: 90s
max_executions: 5
repair_cooldown: 250ms
generation_binary: claude-next
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/plans", cfg.WorkspaceDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "python3.12", cfg.PythonBin)
	assert.Equal(t, 90*time.Second, cfg.ScriptTimeout)
	assert.Equal(t, 5, cfg.MaxExecutions)
	assert.Equal(t, 250*time.Millisecond, cfg.RepairCooldown)
	assert.Equal(t, "claude-next", cfg.GenerationBinary)

	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultConfig().TaskDBPath, cfg.TaskDBPath)
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workspace_dir: [unclosed"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("script_timeout: fast\n"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "script_timeout")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"zero executions", func(c *Config) { c.MaxExecutions = 0 }, "max_executions"},
		{"empty workspace", func(c *Config) { c.WorkspaceDir = "" }, "workspace_dir"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"negative cooldown", func(c *Config) { c.RepairCooldown = -time.Second }, "repair_cooldown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}
