package paths

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// StateDirName is the per-project state directory
	StateDirName = ".packwise"
	// LogsSubdir holds the CLI log and per-session logs
	LogsSubdir = "logs"
	// DatabaseFile stores session history
	DatabaseFile = "sessions.db"
	// LockFile marks an output directory owned by an active job
	LockFile = ".packwise.lock"
)

// CanonicalizePath converts an absolute path to a project-relative path
// with forward slashes. Symlinks are resolved when the path exists.
func CanonicalizePath(absolutePath string, projectRoot string) (string, error) {
	resolved, err := filepath.EvalSymlinks(absolutePath)
	if err != nil {
		if os.IsNotExist(err) {
			resolved = absolutePath
		} else {
			return "", err
		}
	}

	rootResolved, err := filepath.EvalSymlinks(projectRoot)
	if err != nil {
		if os.IsNotExist(err) {
			rootResolved = projectRoot
		} else {
			return "", err
		}
	}

	rel, err := filepath.Rel(rootResolved, resolved)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// IsWithinProject checks if a path is inside the project root
func IsWithinProject(path string, projectRoot string) bool {
	canonical, err := CanonicalizePath(path, projectRoot)
	if err != nil {
		return false
	}
	return canonical != ".." && !strings.HasPrefix(canonical, "../")
}

// StateDir returns <projectRoot>/.packwise
func StateDir(projectRoot string) string {
	return filepath.Join(projectRoot, StateDirName)
}

// DatabasePath returns the session database location
func DatabasePath(projectRoot string) string {
	return filepath.Join(StateDir(projectRoot), DatabaseFile)
}

// LogsDir returns <projectRoot>/.packwise/logs
func LogsDir(projectRoot string) string {
	return filepath.Join(StateDir(projectRoot), LogsSubdir)
}

// CLILogPath returns the rotating CLI log location
func CLILogPath(projectRoot string) string {
	return filepath.Join(LogsDir(projectRoot), "packwise.log")
}

// SessionLogPath returns the full log of one build session
func SessionLogPath(projectRoot, sessionID string) string {
	return filepath.Join(LogsDir(projectRoot), "session-"+sessionID+".log")
}

// LockPath returns the lock file guarding an output directory
func LockPath(outputDir string) string {
	return filepath.Join(outputDir, LockFile)
}

// EnsureLogsDir creates the logs directory if needed
func EnsureLogsDir(projectRoot string) (string, error) {
	dir := LogsDir(projectRoot)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// EnsureStateDir creates the state directory if needed
func EnsureStateDir(projectRoot string) (string, error) {
	dir := StateDir(projectRoot)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
