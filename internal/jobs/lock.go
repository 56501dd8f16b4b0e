//go:build !windows

package jobs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	perrors "packwise/internal/errors"
	"packwise/internal/paths"
)

// Lock is an exclusive, cross-process lock on an output directory.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock takes the output directory lock without blocking. It fails
// with JobConflict when another process holds it.
func AcquireLock(outputDir string) (*Lock, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, perrors.New(perrors.ResourceError, fmt.Sprintf("cannot create output directory %s", outputDir), err)
	}

	path := paths.LockPath(outputDir)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, perrors.New(perrors.ResourceError, "cannot open lock file", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		msg := fmt.Sprintf("output directory %s is in use by another packwise process", filepath.Clean(outputDir))
		if content, readErr := os.ReadFile(path); readErr == nil && len(content) > 0 {
			msg = fmt.Sprintf("%s (PID %s)", msg, strings.TrimSpace(string(content)))
		}
		return nil, perrors.New(perrors.JobConflict, msg, err)
	}

	// Write our PID to the lock file
	if err := file.Truncate(0); err != nil {
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		_ = file.Close()
		return nil, fmt.Errorf("truncating lock file: %w", err)
	}
	if _, err := file.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		_ = file.Close()
		return nil, fmt.Errorf("writing PID to lock file: %w", err)
	}

	return &Lock{path: path, file: file}, nil
}

// Release releases the lock. The file stays so that every process locks
// the same inode.
func (l *Lock) Release() {
	if l == nil || l.file == nil {
		return
	}
	_ = l.file.Truncate(0)
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
}
