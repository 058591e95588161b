// Package logger provides the logging implementations used across the
// autoplan system: a leveled console logger with optional color and a
// per-run file logger. All implementations are safe for concurrent use.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

const (
	levelTrace = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
)

// ConsoleLogger writes timestamped, level-filtered messages to a writer.
// Output to a TTY is colored by level; everything else stays plain.
type ConsoleLogger struct {
	writer   io.Writer
	logLevel int
	useColor bool
	mu       sync.Mutex
}

// NewConsoleLogger creates a ConsoleLogger for the writer. A nil writer
// discards everything. Invalid or empty levels default to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:   writer,
		logLevel: parseLevel(logLevel),
		useColor: isTerminal(writer),
	}
}

func parseLevel(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func levelName(level int) string {
	switch level {
	case levelTrace:
		return "TRACE"
	case levelDebug:
		return "DEBUG"
	case levelWarn:
		return "WARN"
	case levelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// isTerminal reports whether the writer is an interactive terminal.
// NO_COLOR is honored through the color package.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) && !color.NoColor
}

var levelColors = map[int]*color.Color{
	levelTrace: color.New(color.FgHiBlack),
	levelDebug: color.New(color.FgHiBlack),
	levelWarn:  color.New(color.FgYellow),
	levelError: color.New(color.FgRed),
	levelInfo:  color.New(color.FgCyan),
}

func (cl *ConsoleLogger) log(level int, message string) {
	if cl.writer == nil || level < cl.logLevel {
		return
	}

	ts := time.Now().Format("15:04:05")
	tag := fmt.Sprintf("[%s]", levelName(level))
	if cl.useColor {
		tag = levelColors[level].Sprint(tag)
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	fmt.Fprintf(cl.writer, "[%s] %s %s\n", ts, tag, message)
}

func (cl *ConsoleLogger) LogTrace(message string) { cl.log(levelTrace, message) }
func (cl *ConsoleLogger) LogDebug(message string) { cl.log(levelDebug, message) }
func (cl *ConsoleLogger) LogInfo(message string)  { cl.log(levelInfo, message) }
func (cl *ConsoleLogger) LogWarn(message string)  { cl.log(levelWarn, message) }
func (cl *ConsoleLogger) LogError(message string) { cl.log(levelError, message) }
