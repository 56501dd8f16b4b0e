//go:build windows

package jobs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	perrors "packwise/internal/errors"
	"packwise/internal/paths"
)

// Lock is an exclusive lock on an output directory. On Windows the lock
// file is created exclusively; a stale file from a crashed process must be
// removed by hand.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock takes the output directory lock. It fails with JobConflict
// when the lock file already exists.
func AcquireLock(outputDir string) (*Lock, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, perrors.New(perrors.ResourceError, fmt.Sprintf("cannot create output directory %s", outputDir), err)
	}

	path := paths.LockPath(outputDir)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, perrors.New(perrors.JobConflict,
				fmt.Sprintf("output directory %s is in use by another packwise process (remove %s if it is stale)", filepath.Clean(outputDir), path), err)
		}
		return nil, perrors.New(perrors.ResourceError, "cannot open lock file", err)
	}

	if _, err := file.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing PID to lock file: %w", err)
	}

	return &Lock{path: path, file: file}, nil
}

// Release releases the lock and removes the lock file.
func (l *Lock) Release() {
	if l == nil || l.file == nil {
		return
	}
	l.file.Close()
	os.Remove(l.path)
	l.file = nil
}
