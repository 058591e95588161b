package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileLogger appends timestamped messages to a per-run log file and keeps
// a latest.log symlink pointing at the newest run.
type FileLogger struct {
	logDir   string
	runFile  string
	logLevel int

	mu  sync.Mutex
	out *os.File
}

// NewFileLogger opens a run-YYYYMMDD-HHMMSS.log in logDir, creating the
// directory when needed.
func NewFileLogger(logDir, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", time.Now().Format("20060102-150405")))
	out, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}

	// Best-effort symlink; some filesystems refuse them.
	symlink := filepath.Join(logDir, "latest.log")
	os.Remove(symlink)
	os.Symlink(filepath.Base(runFile), symlink)

	return &FileLogger{
		logDir:   logDir,
		runFile:  runFile,
		logLevel: parseLevel(logLevel),
		out:      out,
	}, nil
}

// Path returns the current run log file path.
func (fl *FileLogger) Path() string {
	return fl.runFile
}

// Close flushes and closes the run log.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.out == nil {
		return nil
	}
	err := fl.out.Close()
	fl.out = nil
	return err
}

func (fl *FileLogger) log(level int, message string) {
	if level < fl.logLevel {
		return
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.out == nil {
		return
	}
	fmt.Fprintf(fl.out, "[%s] [%s] %s\n",
		time.Now().Format("15:04:05"), levelName(level), message)
}

func (fl *FileLogger) LogTrace(message string) { fl.log(levelTrace, message) }
func (fl *FileLogger) LogDebug(message string) { fl.log(levelDebug, message) }
func (fl *FileLogger) LogInfo(message string)  { fl.log(levelInfo, message) }
func (fl *FileLogger) LogWarn(message string)  { fl.log(levelWarn, message) }
func (fl *FileLogger) LogError(message string) { fl.log(levelError, message) }
