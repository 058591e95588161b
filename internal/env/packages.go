package env

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/harrison/autoplan/internal/filelock"
)

// packagesFileName holds the persisted installed-package set inside each
// project directory. It is rewritten after every successful install so a
// crash never loses the record of what is already present.
const packagesFileName = "installed_packages.json"

var noModulePattern = regexp.MustCompile(`No module named '([^']+)'`)

// packageAliases maps import names to the installable package name where
// the two differ.
var packageAliases = map[string]string{
	"bs4":     "beautifulsoup4",
	"PIL":     "pillow",
	"cv2":     "opencv-python",
	"sklearn": "scikit-learn",
	"yaml":    "pyyaml",
	"dotenv":  "python-dotenv",
}

// importAliases is the reverse mapping, used when probing whether an
// installable package can actually be imported.
var importAliases = func() map[string]string {
	rev := make(map[string]string, len(packageAliases))
	for imp, pkg := range packageAliases {
		rev[pkg] = imp
	}
	return rev
}()

// stdlibModules are import names that ship with the runtime and must never
// be treated as installable packages.
var stdlibModules = map[string]bool{
	"os": true, "sys": true, "math": true, "random": true, "datetime": true,
	"time": true, "json": true, "csv": true, "re": true, "collections": true,
	"itertools": true, "functools": true, "io": true, "pathlib": true,
	"shutil": true, "glob": true, "argparse": true, "logging": true,
	"unittest": true, "threading": true, "multiprocessing": true,
	"subprocess": true, "socket": true, "email": true, "smtplib": true,
	"urllib": true, "http": true, "xml": true, "html": true, "tkinter": true,
	"sqlite3": true, "hashlib": true, "uuid": true, "tempfile": true,
	"copy": true, "traceback": true, "gc": true, "inspect": true,
	"warnings": true, "string": true, "textwrap": true, "statistics": true,
}

// importName returns the module to import when probing for an installable
// package.
func importName(pkg string) string {
	if imp, ok := importAliases[pkg]; ok {
		return imp
	}
	return pkg
}

// ExtractMissingPackages parses a "module not found" style error message
// into the list of installable packages it implies. Submodule paths are
// stripped to the root module, import-name aliases are applied, and
// standard-library names are excluded.
func (e *Environment) ExtractMissingPackages(errorText string) []string {
	var missing []string
	seen := make(map[string]bool)

	for _, match := range noModulePattern.FindAllStringSubmatch(errorText, -1) {
		module := match[1]
		if i := strings.IndexByte(module, '.'); i >= 0 {
			module = module[:i]
		}
		if stdlibModules[module] {
			continue
		}
		pkg := module
		if alias, ok := packageAliases[module]; ok {
			pkg = alias
		}
		if !seen[pkg] {
			seen[pkg] = true
			missing = append(missing, pkg)
		}
	}
	return missing
}

// markInstalled records a package in the cache and persists the set.
// Persistence failures are logged, not fatal: the package is installed
// either way.
func (e *Environment) markInstalled(name string) {
	e.mu.Lock()
	if e.installed[name] {
		e.mu.Unlock()
		return
	}
	e.installed[name] = true
	names := make([]string, 0, len(e.installed))
	for n := range e.installed {
		names = append(names, n)
	}
	e.mu.Unlock()

	if err := e.saveInstalledPackages(names); err != nil {
		e.logWarn(fmt.Sprintf("Could not persist installed package list: %v", err))
	}
}

// saveInstalledPackages writes the package set atomically under a file
// lock so concurrent plans sharing a workspace never corrupt each other.
func (e *Environment) saveInstalledPackages(names []string) error {
	data, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("marshal package list: %w", err)
	}
	return filelock.LockAndWrite(filepath.Join(e.ProjectDir, packagesFileName), data)
}

// loadInstalledPackages restores the persisted set; a missing file means a
// fresh environment.
func (e *Environment) loadInstalledPackages() error {
	data, err := os.ReadFile(filepath.Join(e.ProjectDir, packagesFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read package list: %w", err)
	}

	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("parse package list: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range names {
		e.installed[name] = true
	}
	return nil
}
