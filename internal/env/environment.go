package env

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Environment is the isolated execution context for one plan: a project
// directory, a virtual environment, and the set of packages installed into
// it. The package set only grows; nothing is ever uninstalled.
type Environment struct {
	PlanID     string
	ProjectDir string
	VenvDir    string

	hostPython    string
	scriptTimeout time.Duration
	logger        Logger

	// degraded means venv creation failed and scripts run on the host
	// runtime directly.
	degraded bool

	mu        sync.Mutex
	installed map[string]bool
}

// newEnvironment creates the project directory and virtual environment for
// a plan. A venv creation failure is logged and leaves the environment in
// degraded host-runtime mode rather than failing the plan.
func newEnvironment(workspaceDir, planID, hostPython string, scriptTimeout time.Duration, logger Logger) (*Environment, error) {
	projectDir := filepath.Join(workspaceDir, "default_project")
	if planID != "" {
		projectDir = filepath.Join(workspaceDir, "project_"+planID)
	}
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		return nil, fmt.Errorf("create project directory: %w", err)
	}

	e := &Environment{
		PlanID:        planID,
		ProjectDir:    projectDir,
		VenvDir:       filepath.Join(projectDir, "venv"),
		hostPython:    hostPython,
		scriptTimeout: scriptTimeout,
		logger:        logger,
		installed:     make(map[string]bool),
	}

	if _, err := os.Stat(e.VenvDir); os.IsNotExist(err) {
		e.logInfo(fmt.Sprintf("Creating virtual environment at %s", e.VenvDir))
		cmd := exec.Command(hostPython, "-m", "venv", e.VenvDir)
		if out, err := cmd.CombinedOutput(); err != nil {
			e.degraded = true
			e.logWarn(fmt.Sprintf("Virtual environment creation failed, using host runtime: %v (%s)",
				err, strings.TrimSpace(string(out))))
		}
	}

	if err := e.loadInstalledPackages(); err != nil {
		e.logWarn(fmt.Sprintf("Could not load installed package list: %v", err))
	}
	return e, nil
}

// Degraded reports whether the environment fell back to the host runtime.
func (e *Environment) Degraded() bool {
	return e.degraded
}

// Workdir returns the project directory scripts execute in.
func (e *Environment) Workdir() string {
	return e.ProjectDir
}

// PythonPath returns the interpreter to execute scripts with: the venv
// interpreter when present, otherwise the host Python.
func (e *Environment) PythonPath() string {
	if !e.degraded {
		for _, name := range []string{"python", "python3"} {
			p := filepath.Join(e.VenvDir, "bin", name)
			if isExecutable(p) {
				return p
			}
		}
	}
	return e.hostPython
}

// pipPath returns the venv pip binary, or empty when none exists.
func (e *Environment) pipPath() string {
	for _, name := range []string{"pip", "pip3"} {
		p := filepath.Join(e.VenvDir, "bin", name)
		if isExecutable(p) {
			return p
		}
	}
	return ""
}

// sitePackagesDir locates the venv's site-packages directory for install
// strategies that bypass the venv pip.
func (e *Environment) sitePackagesDir() string {
	matches, _ := filepath.Glob(filepath.Join(e.VenvDir, "lib", "python*", "site-packages"))
	if len(matches) > 0 {
		return matches[0]
	}
	return filepath.Join(e.VenvDir, "lib", "python3", "site-packages")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0111 != 0
}

// ExecResult is the outcome of a script or code execution. Failures are
// values, never panics: a non-zero exit or an exec error resolves to
// Success=false with the captured stderr.
type ExecResult struct {
	Success bool
	Stdout  string
	Stderr  string
}

// ExecuteScript runs the script under the environment's interpreter with
// the project directory as working directory. Execution is bounded by the
// configured script timeout. When the interpreter binary is missing, the
// script text is extracted and run inline through the host runtime with
// the same working directory.
func (e *Environment) ExecuteScript(ctx context.Context, scriptPath string, args []string) ExecResult {
	absPath, err := filepath.Abs(scriptPath)
	if err != nil {
		return ExecResult{Stderr: fmt.Sprintf("resolve script path: %v", err)}
	}

	python := e.PythonPath()
	cmdArgs := append([]string{absPath}, args...)
	res := e.runCommand(ctx, python, cmdArgs)
	if res.Success {
		return res
	}

	// Interpreter missing entirely: re-run the script text inline through
	// the host runtime, preserving working directory semantics.
	if interpreterMissing(res.Stderr) {
		content, readErr := os.ReadFile(absPath)
		if readErr != nil {
			res.Stderr = res.Stderr + "\nfallback failed: " + readErr.Error()
			return res
		}
		e.logWarn(fmt.Sprintf("Interpreter %s missing, executing inline via %s", python, e.hostPython))
		inlineArgs := append([]string{"-c", string(content)}, args...)
		return e.runCommand(ctx, e.hostPython, inlineArgs)
	}
	return res
}

// interpreterMissing reports whether stderr describes a missing
// interpreter binary rather than a script failure.
func interpreterMissing(stderr string) bool {
	return strings.Contains(stderr, "no such file or directory") ||
		strings.Contains(stderr, "executable file not found")
}

// runCommand executes one process with captured output and the bounded
// timeout. All failure paths land in the result; no error escapes.
func (e *Environment) runCommand(ctx context.Context, bin string, args []string) ExecResult {
	if e.scriptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.scriptTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = e.ProjectDir
	// Orphaned children holding the output pipes must not stall the run
	// after the process itself is killed.
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{
		Success: err == nil,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			res.Stderr = fmt.Sprintf("execution timed out after %s\n%s", e.scriptTimeout, res.Stderr)
		} else if res.Stderr == "" {
			res.Stderr = err.Error()
		}
	}
	return res
}

// ExecuteCode writes code to a temporary script in the project directory,
// executes it, and removes the script. Stdout carries the success payload.
func (e *Environment) ExecuteCode(ctx context.Context, code string) ExecResult {
	script, err := os.CreateTemp(e.ProjectDir, "task_*.py")
	if err != nil {
		return ExecResult{Stderr: fmt.Sprintf("create temp script: %v", err)}
	}
	scriptPath := script.Name()
	defer os.Remove(scriptPath)

	if _, err := script.WriteString(code); err != nil {
		script.Close()
		return ExecResult{Stderr: fmt.Sprintf("write temp script: %v", err)}
	}
	if err := script.Close(); err != nil {
		return ExecResult{Stderr: fmt.Sprintf("close temp script: %v", err)}
	}

	return e.ExecuteScript(ctx, scriptPath, nil)
}

// ExecuteWithAutoDependencyResolution executes code and, when the failure
// is a missing-module error, installs the identified packages and retries,
// up to maxAttempts executions. A failure with no missing-module signature
// is terminal and returned immediately. A failed installation still counts
// against the attempt budget.
func (e *Environment) ExecuteWithAutoDependencyResolution(ctx context.Context, code string, maxAttempts int) ExecResult {
	var last ExecResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		last = e.ExecuteCode(ctx, code)
		if last.Success {
			return last
		}

		missing := e.ExtractMissingPackages(last.Stderr)
		if len(missing) == 0 {
			// Not a dependency problem; retrying would repeat the failure.
			return last
		}

		e.logInfo(fmt.Sprintf("Detected missing packages: %s", strings.Join(missing, ", ")))
		if !e.InstallAll(ctx, missing) && attempt == maxAttempts {
			// Keep the real execution stderr; classification downstream
			// needs the missing-module line, not just the install note.
			last.Stderr = fmt.Sprintf("%s\nfailed to install required packages: %s",
				strings.TrimSpace(last.Stderr), strings.Join(missing, ", "))
			return last
		}
	}
	return last
}

// IsPackageInstalled checks the local cache first and then probes the
// interpreter with an import, so a stale cache never produces a false
// positive.
func (e *Environment) IsPackageInstalled(ctx context.Context, name string) bool {
	e.mu.Lock()
	cached := e.installed[name]
	e.mu.Unlock()
	if cached {
		return true
	}

	res := e.runCommand(ctx, e.PythonPath(), []string{"-c", "import " + importName(name)})
	return res.Success
}

// InstallPackage installs one package, trying strategies in fixed priority
// order until one succeeds: the venv pip, the host Python targeting the
// venv's site-packages, then a direct shell pip invocation. A success is
// recorded in the installed set and persisted immediately. Returns false
// only after every strategy is exhausted.
func (e *Environment) InstallPackage(ctx context.Context, name string) bool {
	if e.IsPackageInstalled(ctx, name) {
		e.markInstalled(name)
		return true
	}

	e.logInfo(fmt.Sprintf("Installing package %q into environment for plan %s", name, e.PlanID))

	strategies := []func(context.Context, string) bool{
		e.installWithVenvPip,
		e.installWithHostPython,
		e.installWithShell,
	}
	for i, strategy := range strategies {
		if strategy(ctx, name) {
			e.markInstalled(name)
			return true
		}
		e.logDebug(fmt.Sprintf("Install strategy %d failed for %q", i+1, name))
	}

	e.logWarn(fmt.Sprintf("All install strategies exhausted for %q", name))
	return false
}

// installWithVenvPip uses the isolated runtime's own package manager.
func (e *Environment) installWithVenvPip(ctx context.Context, name string) bool {
	pip := e.pipPath()
	if pip == "" {
		return false
	}
	return e.runCommand(ctx, pip, []string{"install", name}).Success
}

// installWithHostPython targets the venv's library path from the host
// package manager.
func (e *Environment) installWithHostPython(ctx context.Context, name string) bool {
	args := []string{"-m", "pip", "install", "--target", e.sitePackagesDir(), name}
	return e.runCommand(ctx, e.hostPython, args).Success
}

// installWithShell is the last resort: invoke pip through the shell.
func (e *Environment) installWithShell(ctx context.Context, name string) bool {
	cmdline := fmt.Sprintf("pip install --target %s %s", e.sitePackagesDir(), name)
	return e.runCommand(ctx, "sh", []string{"-c", cmdline}).Success
}

// InstallAll installs each package sequentially. The overall result is
// true only when every install succeeded; packages installed before a
// failure are kept, not rolled back.
func (e *Environment) InstallAll(ctx context.Context, names []string) bool {
	ok := true
	for _, name := range names {
		if !e.InstallPackage(ctx, name) {
			ok = false
		}
	}
	return ok
}

// InstalledPackages returns a sorted copy of the installed package set.
func (e *Environment) InstalledPackages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.installed))
	for name := range e.installed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SaveScript formats code best-effort and writes it into the project
// directory under the given name, returning the script path.
func (e *Environment) SaveScript(ctx context.Context, name, code string) (string, error) {
	path := filepath.Join(e.ProjectDir, name)
	formatted := e.FormatCode(ctx, code)
	if err := os.WriteFile(path, []byte(formatted), 0644); err != nil {
		return "", fmt.Errorf("write script %s: %w", name, err)
	}
	return path, nil
}

// WriteRequirementsFile writes the installed package set to the project's
// requirements.txt.
func (e *Environment) WriteRequirementsFile() error {
	var b strings.Builder
	for _, name := range e.InstalledPackages() {
		b.WriteString(name)
		b.WriteString("\n")
	}
	path := filepath.Join(e.ProjectDir, "requirements.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write requirements file: %w", err)
	}
	return nil
}

func (e *Environment) logDebug(msg string) {
	if e.logger != nil {
		e.logger.LogDebug(msg)
	}
}

func (e *Environment) logInfo(msg string) {
	if e.logger != nil {
		e.logger.LogInfo(msg)
	}
}

func (e *Environment) logWarn(msg string) {
	if e.logger != nil {
		e.logger.LogWarn(msg)
	}
}
