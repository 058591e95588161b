// Package genai generates task plans, task code, and error repairs through
// an external generation CLI invoked as a subprocess.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// DefaultSystemPrompt keeps the generator's output machine-parseable: the
// orchestrator consumes raw JSON or fenced code blocks, never prose.
const DefaultSystemPrompt = "You are a code generation assistant. Respond with exactly what is asked for: raw JSON when JSON is requested, a single fenced code block when code is requested. No explanations."

// Invoker is a reusable client for the generation CLI. Create once, use
// many times; safe for concurrent use.
type Invoker struct {
	// BinaryPath is the CLI binary, defaulting to "claude" in PATH.
	BinaryPath string

	// Timeout bounds each invocation. Zero means the caller's context is
	// the only bound.
	Timeout time.Duration

	// SystemPrompt overrides DefaultSystemPrompt when non-empty.
	SystemPrompt string
}

// NewInvoker returns an Invoker with default settings.
func NewInvoker() *Invoker {
	return &Invoker{BinaryPath: "claude"}
}

// cliEnvelope is the JSON wrapper the CLI emits with --output-format json.
type cliEnvelope struct {
	Result           string          `json:"result"`
	StructuredOutput json.RawMessage `json:"structured_output"`
	IsError          bool            `json:"is_error"`
}

// Invoke runs one prompt through the CLI and returns the payload text:
// the structured output when present, otherwise the result field, or the
// raw output when it is not the expected envelope.
func (inv *Invoker) Invoke(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	systemPrompt := inv.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	binary := inv.BinaryPath
	if binary == "" {
		binary = "claude"
	}

	args := []string{
		"--system-prompt", systemPrompt,
		"-p", prompt,
		"--output-format", "json",
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("generation CLI failed: %w (output: %s)", err, string(output))
	}

	var envelope cliEnvelope
	if jsonErr := json.Unmarshal(output, &envelope); jsonErr != nil {
		// Not the envelope; treat stdout as the payload directly.
		return string(output), nil
	}
	if envelope.IsError {
		return "", fmt.Errorf("generation CLI reported error: %s", envelope.Result)
	}
	if len(envelope.StructuredOutput) > 0 {
		return string(envelope.StructuredOutput), nil
	}
	return envelope.Result, nil
}
