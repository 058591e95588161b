package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harrison/autoplan/internal/models"
)

// GenerationError wraps any failure of the generation CLI or of parsing
// its output.
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (%s): %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Generator turns goals into task plans, task descriptions into code, and
// failures into repaired code.
type Generator struct {
	Invoker *Invoker
}

// NewGenerator wraps an invoker; a nil invoker gets the defaults.
func NewGenerator(inv *Invoker) *Generator {
	if inv == nil {
		inv = NewInvoker()
	}
	return &Generator{Invoker: inv}
}

// GeneratePlan decomposes a goal into an ordered task list. Dependencies
// reference earlier tasks by position in the returned slice.
func (g *Generator) GeneratePlan(ctx context.Context, goal, templateHint string) ([]models.GeneratedTask, error) {
	payload, err := g.Invoker.Invoke(ctx, buildPlanPrompt(goal, templateHint))
	if err != nil {
		return nil, &GenerationError{Op: "generate plan", Err: err}
	}

	tasks, err := parsePlanPayload(payload)
	if err != nil {
		return nil, &GenerationError{Op: "parse plan", Err: err}
	}
	if len(tasks) == 0 {
		return nil, &GenerationError{Op: "parse plan", Err: fmt.Errorf("empty task list")}
	}
	return tasks, nil
}

// GenerateCode produces a complete script for one task description.
// moduleCode holds reusable fragments the generator may incorporate.
func (g *Generator) GenerateCode(ctx context.Context, description string, moduleCode []string) (string, error) {
	payload, err := g.Invoker.Invoke(ctx, buildCodePrompt(description, moduleCode))
	if err != nil {
		return "", &GenerationError{Op: "generate code", Err: err}
	}

	code := ExtractFencedBlock(payload, "python", "py")
	if strings.TrimSpace(code) == "" {
		return "", &GenerationError{Op: "generate code", Err: fmt.Errorf("empty code response")}
	}
	return code, nil
}

// AnalyzeError asks the generator for a corrected version of code that
// failed with the given error.
func (g *Generator) AnalyzeError(ctx context.Context, errorText, currentCode string) (string, error) {
	payload, err := g.Invoker.Invoke(ctx, buildRepairPrompt(errorText, currentCode))
	if err != nil {
		return "", &GenerationError{Op: "analyze error", Err: err}
	}

	code := ExtractFencedBlock(payload, "python", "py")
	if strings.TrimSpace(code) == "" {
		return "", &GenerationError{Op: "analyze error", Err: fmt.Errorf("empty repair response")}
	}
	return code, nil
}

// parsePlanPayload accepts either a bare JSON array of tasks or an object
// wrapping one under "tasks", with an optional fenced json block around
// either.
func parsePlanPayload(payload string) ([]models.GeneratedTask, error) {
	raw := ExtractFencedBlock(payload, "json")

	var tasks []models.GeneratedTask
	if err := json.Unmarshal([]byte(raw), &tasks); err == nil {
		return tasks, nil
	}

	var wrapped struct {
		Tasks []models.GeneratedTask `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
		return nil, fmt.Errorf("unmarshal task list: %w", err)
	}
	return wrapped.Tasks, nil
}

func buildPlanPrompt(goal, templateHint string) string {
	var b strings.Builder
	b.WriteString("Decompose the following goal into a minimal ordered list of Python tasks.\n\n")
	b.WriteString("Goal: ")
	b.WriteString(goal)
	b.WriteString("\n\n")
	if templateHint != "" {
		b.WriteString("A proven code template for this kind of task:\n```python\n")
		b.WriteString(templateHint)
		b.WriteString("\n```\n\n")
	}
	b.WriteString(`Respond with a JSON array. Each element:
{"description": "<what the task does>", "dependencies": [<0-based indexes of earlier tasks this depends on>], "required_libraries": ["<pip package>", ...]}
Dependencies may only reference earlier positions in the array.`)
	return b.String()
}

func buildCodePrompt(description string, moduleCode []string) string {
	var b strings.Builder
	b.WriteString("Write a complete, self-contained Python script for this task.\n\n")
	b.WriteString("Task: ")
	b.WriteString(description)
	b.WriteString("\n\n")
	if len(moduleCode) > 0 {
		b.WriteString("Reusable functions you may incorporate:\n")
		for _, code := range moduleCode {
			b.WriteString("```python\n")
			b.WriteString(code)
			b.WriteString("\n```\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("The script must print its final result to stdout. Respond with a single fenced python code block.")
	return b.String()
}

func buildRepairPrompt(errorText, currentCode string) string {
	var b strings.Builder
	b.WriteString("The following Python script failed. Fix it.\n\n")
	b.WriteString("Error:\n```\n")
	b.WriteString(errorText)
	b.WriteString("\n```\n\nScript:\n```python\n")
	b.WriteString(currentCode)
	b.WriteString("\n```\n\nRespond with the complete corrected script in a single fenced python code block.")
	return b.String()
}
