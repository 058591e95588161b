package env

import (
	"context"
	"os"
	"strings"
)

// FormatCode runs generated code through the external formatter when
// available, falls back to a line-based indentation heuristic when the
// formatter fails, and returns the code unchanged when both fail. This is
// cosmetic post-processing and never blocks execution.
func (e *Environment) FormatCode(ctx context.Context, code string) string {
	tmp, err := os.CreateTemp(e.ProjectDir, "fmt_*.py")
	if err != nil {
		return code
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(code); err != nil {
		tmp.Close()
		return code
	}
	if err := tmp.Close(); err != nil {
		return code
	}

	res := e.runCommand(ctx, e.PythonPath(), []string{"-m", "black", "-q", tmpPath})
	if res.Success {
		formatted, err := os.ReadFile(tmpPath)
		if err == nil && len(formatted) > 0 {
			return string(formatted)
		}
		return code
	}

	e.logDebug("Formatter unavailable, applying indentation heuristic")
	return reindent(code)
}

// blockKeywords open or continue a block at the current indent level.
var blockKeywords = []string{
	"def ", "class ", "if ", "else:", "elif ", "for ", "while ",
	"try:", "except ", "except:", "finally:", "with ",
}

// reindent applies a simple indentation heuristic: a line ending in a
// colon opens a block, block keywords re-anchor to the enclosing level.
// Good enough to rescue flattened generated code; not a parser.
func reindent(code string) string {
	lines := strings.Split(code, "\n")
	fixed := make([]string, 0, len(lines))
	level := 0

	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			fixed = append(fixed, "")
			continue
		}

		isBlockKeyword := false
		for _, kw := range blockKeywords {
			if strings.HasPrefix(stripped, kw) {
				isBlockKeyword = true
				break
			}
		}

		switch {
		case strings.HasSuffix(stripped, ":"):
			if isBlockKeyword && level > 0 && !strings.HasPrefix(line, "    ") {
				level--
			}
			fixed = append(fixed, strings.Repeat("    ", level)+stripped)
			level++
		case isBlockKeyword:
			if level > 0 && !strings.HasPrefix(line, "    ") {
				level--
			}
			fixed = append(fixed, strings.Repeat("    ", level)+stripped)
		default:
			fixed = append(fixed, strings.Repeat("    ", level)+stripped)
		}
	}
	return strings.Join(fixed, "\n")
}
