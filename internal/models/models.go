// Package models defines the core data types shared across the autoplan
// system: plans, tasks, error history, and the classification tables used
// to label failures and goals.
package models

import (
	"errors"
	"time"
)

// TaskStatus represents the lifecycle state of a Plan or Task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCanceled  TaskStatus = "canceled"
)

// Valid reports whether s is one of the known status values.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether s is a final state that no execution loop
// will transition out of.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Plan is a goal decomposed into an ordered, possibly dependent set of tasks.
// A plan is created once per goal and owns zero or more tasks.
type Plan struct {
	ID        string
	Goal      string
	Status    TaskStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Task is one unit of generated, executable work inside a plan.
// Code is empty until code generation succeeds and may be overwritten by a
// repair attempt. Dependencies reference other task ids in the same plan.
type Task struct {
	ID           string
	PlanID       string
	Description  string
	Code         string
	Dependencies []string
	Status       TaskStatus
	Result       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks the fields required before a task can be persisted.
func (t *Task) Validate() error {
	if t.Description == "" {
		return errors.New("task description is required")
	}
	if t.PlanID == "" {
		return errors.New("task plan id is required")
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return errors.New("task cannot depend on itself")
		}
	}
	return nil
}

// ErrorHistoryEntry is one append-only audit record of a repair attempt.
// Entries are only ever inserted, never mutated.
type ErrorHistoryEntry struct {
	ID           int64
	TaskID       string
	ErrorMessage string
	AttemptedFix string
	Success      bool
	Timestamp    time.Time
}

// GeneratedTask is the planner's description of a task before it is
// materialized into the store. Dependencies are 0-based indices into the
// same generated batch and must refer to earlier entries.
type GeneratedTask struct {
	Description       string   `json:"description"`
	Dependencies      []int    `json:"dependencies"`
	RequiredLibraries []string `json:"required_libraries"`
}

// TaskOutcome is a summary line for one finished task. Result holds the
// success payload or the last error text, truncated for display.
type TaskOutcome struct {
	TaskID      string
	Description string
	Result      string
}

// LearningInsights carries optional analytics from the pattern learning
// store for inclusion in a plan summary.
type LearningInsights struct {
	TotalModules  int
	TopCategories []CategoryCount
}

// CategoryCount pairs a module category with the number of modules in it.
type CategoryCount struct {
	Category string
	Count    int
}

// PlanSummary is the read-only aggregation returned after a plan run.
type PlanSummary struct {
	PlanID            string
	Goal              string
	TotalTasks        int
	Completed         int
	Failed            int
	Pending           int
	Running           int
	Canceled          int
	CompletedTasks    []TaskOutcome
	FailedTasks       []TaskOutcome
	ProjectDir        string
	InstalledPackages []string
	Insights          *LearningInsights
}

// TruncateResult shortens a result or error string for summary display.
func TruncateResult(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
