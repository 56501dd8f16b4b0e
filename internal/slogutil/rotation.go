package slogutil

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

var sizeUnits = []struct {
	suffix string
	mult   float64
}{
	// longest suffixes first so "MB" is not read as "B"
	{"KIB", 1 << 10}, {"MIB", 1 << 20}, {"GIB", 1 << 30},
	{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30},
	{"K", 1 << 10}, {"M", 1 << 20}, {"G", 1 << 30},
	{"B", 1},
}

// ParseSize reads a size such as "10MB", "512k" or "1.5GiB". Units are
// binary and case-insensitive; a bare number is bytes. Empty or malformed
// input is 0.
func ParseSize(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0
	}
	mult := 1.0
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s, mult = strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), u.mult
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return int64(v * mult)
}

// Rotation limits the size of one log file. A zero MaxBytes never rotates.
type Rotation struct {
	MaxBytes int64
	// Keep is how many rotated copies (log.1 newest .. log.Keep) survive.
	Keep int
}

// RotationFrom builds a Rotation from the logging config values.
func RotationFrom(maxSize string, keep int) Rotation {
	if keep < 0 {
		keep = 0
	}
	return Rotation{MaxBytes: ParseSize(maxSize), Keep: keep}
}

// LogFile is an append-only log that rolls over to numbered copies when it
// would grow past its limit. It backs both packwise.log and the session
// logs, so a runaway engine cannot fill the disk.
type LogFile struct {
	path string
	rot  Rotation

	mu      sync.Mutex
	f       *os.File
	written int64
}

// OpenLogFile opens path for appending, creating its directory.
func OpenLogFile(path string, rot Rotation) (*LogFile, error) {
	lf := &LogFile{path: path, rot: rot}
	if err := lf.open(); err != nil {
		return nil, err
	}
	return lf, nil
}

// Path returns the live file's path.
func (l *LogFile) Path() string {
	return l.path
}

func (l *LogFile) open() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f, l.written = f, fi.Size()
	return nil
}

// Write appends p, rolling the file over first when p would not fit. A
// failed rollover keeps writing to the current file.
func (l *LogFile) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return 0, fs.ErrClosed
	}
	if l.rot.MaxBytes > 0 && l.written > 0 && l.written+int64(len(p)) > l.rot.MaxBytes {
		if err := l.rollover(); err != nil && l.f == nil {
			return 0, err
		}
	}
	n, err := l.f.Write(p)
	l.written += int64(n)
	return n, err
}

// Close closes the live file.
func (l *LogFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func (l *LogFile) rollover() error {
	if err := l.f.Close(); err != nil {
		return err
	}
	l.f = nil

	// the oldest copy falls off, the rest move up by one
	_ = os.Remove(backupName(l.path, l.rot.Keep))
	for n := l.rot.Keep - 1; n >= 1; n-- {
		_ = os.Rename(backupName(l.path, n), backupName(l.path, n+1))
	}
	if l.rot.Keep > 0 {
		_ = os.Rename(l.path, backupName(l.path, 1))
	} else {
		_ = os.Remove(l.path)
	}
	return l.open()
}

func backupName(path string, n int) string {
	if n <= 0 {
		return path
	}
	return fmt.Sprintf("%s.%d", path, n)
}

// RemoveLog deletes path and every rotated copy of it, and returns the
// number of bytes freed. A log that does not exist is not an error.
func RemoveLog(path string) (int64, error) {
	copies, err := filepath.Glob(path + ".*")
	if err != nil {
		return 0, err
	}
	var freed int64
	var errs []error
	for _, p := range append([]string{path}, copies...) {
		if p != path {
			if _, err := strconv.Atoi(strings.TrimPrefix(p, path+".")); err != nil {
				continue
			}
		}
		fi, err := os.Stat(p)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if err := os.Remove(p); err != nil {
			errs = append(errs, err)
			continue
		}
		freed += fi.Size()
	}
	return freed, errors.Join(errs...)
}

// NewRotatingLogger returns a logger over a LogFile at path. The caller
// closes the returned file.
func NewRotatingLogger(path string, level slog.Level, rot Rotation) (*slog.Logger, *LogFile, error) {
	lf, err := OpenLogFile(path, rot)
	if err != nil {
		return nil, nil, err
	}
	return NewLogger(lf, level), lf, nil
}
