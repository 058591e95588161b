package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/autoplan/internal/models"
)

func TestRootCommandStructure(t *testing.T) {
	root := NewRootCommand()
	assert.Equal(t, "autoplan", root.Name())

	var names []string
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "repair")
	assert.Contains(t, names, "status")

	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("log-level"))
}

func TestRunCommandRequiresGoal(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"run"})
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))

	err := root.Execute()
	require.Error(t, err)
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, &models.PlanSummary{
		PlanID:     "plan-123",
		Goal:       "do the thing",
		TotalTasks: 3,
		Completed:  2,
		Failed:     1,
		CompletedTasks: []models.TaskOutcome{
			{TaskID: "a", Description: "step one", Result: "42"},
		},
		FailedTasks: []models.TaskOutcome{
			{TaskID: "b", Description: "step two", Result: "SyntaxError"},
		},
		ProjectDir:        "/tmp/project_plan-123",
		InstalledPackages: []string{"pandas"},
		Insights: &models.LearningInsights{
			TotalModules: 4,
			TopCategories: []models.CategoryCount{
				{Category: "data_analysis", Count: 3},
			},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "plan-123")
	assert.Contains(t, out, "do the thing")
	assert.Contains(t, out, "2 completed")
	assert.Contains(t, out, "1 failed")
	assert.Contains(t, out, "step one: 42")
	assert.Contains(t, out, "step two: SyntaxError")
	assert.Contains(t, out, "pandas")
	assert.Contains(t, out, "data_analysis (3)")
}

func TestLoadConfigFlagOverridesLevel(t *testing.T) {
	root := NewRootCommand()
	require.NoError(t, root.PersistentFlags().Set("log-level", "debug"))

	cfg, err := loadConfig(root)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}
