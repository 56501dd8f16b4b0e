package slogutil

import (
	"errors"
	"io"
	"log/slog"

	"packwise/internal/config"
	"packwise/internal/paths"
)

// LoggerFactory builds the CLI logger and per-session loggers for one
// project. CLI verbosity wins over the configured level.
type LoggerFactory struct {
	projectRoot string
	config      *config.Config
	cliLevel    slog.Level
	cliSet      bool
	closers     []io.Closer
}

// NewLoggerFactory creates a new logger factory. cliSet reports whether
// cliLevel came from an explicit flag.
func NewLoggerFactory(projectRoot string, cfg *config.Config, cliLevel slog.Level, cliSet bool) *LoggerFactory {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &LoggerFactory{
		projectRoot: projectRoot,
		config:      cfg,
		cliLevel:    cliLevel,
		cliSet:      cliSet,
	}
}

// CLILogger writes to stderr at the CLI level and tees into the rotating
// project log at the configured level. Falls back to stderr only when the
// log file cannot be opened.
func (f *LoggerFactory) CLILogger(stderr io.Writer) *slog.Logger {
	console := NewLineHandler(stderr, &slog.HandlerOptions{Level: f.cliLevel})
	if f.projectRoot == "" {
		return slog.New(console)
	}
	if _, err := paths.EnsureLogsDir(f.projectRoot); err != nil {
		return slog.New(console)
	}

	file, lf, err := NewRotatingLogger(paths.CLILogPath(f.projectRoot), f.fileLevel(), f.rotation())
	if err != nil {
		return slog.New(console)
	}
	f.closers = append(f.closers, lf)

	return NewTeeLogger(console, file.Handler())
}

// SessionLog opens the full log of one session. The returned writer
// receives raw engine output and attempt delimiters; the logger writes
// structured lines into the same file. Session logs rotate like the CLI
// log.
func (f *LoggerFactory) SessionLog(sessionID string) (*slog.Logger, io.Writer, error) {
	if f.projectRoot == "" {
		return NewDiscardLogger(), io.Discard, nil
	}
	logger, lf, err := NewRotatingLogger(paths.SessionLogPath(f.projectRoot, sessionID), slog.LevelDebug, f.rotation())
	if err != nil {
		return nil, nil, err
	}
	f.closers = append(f.closers, lf)
	return logger, lf, nil
}

// RemoveSessionLogs deletes the logs of the given sessions, rotated copies
// included, and returns the bytes freed.
func (f *LoggerFactory) RemoveSessionLogs(sessionIDs []string) (int64, error) {
	if f.projectRoot == "" {
		return 0, nil
	}
	var freed int64
	var errs []error
	for _, id := range sessionIDs {
		n, err := RemoveLog(paths.SessionLogPath(f.projectRoot, id))
		freed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return freed, errors.Join(errs...)
}

func (f *LoggerFactory) rotation() Rotation {
	return RotationFrom(f.config.Logging.MaxSize, f.config.Logging.MaxBackups)
}

func (f *LoggerFactory) fileLevel() slog.Level {
	if f.cliSet && f.cliLevel < LevelFromString(f.config.Logging.Level) {
		return f.cliLevel
	}
	return LevelFromString(f.config.Logging.Level)
}

// Close closes all open log files.
func (f *LoggerFactory) Close() error {
	var firstErr error
	for _, c := range f.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.closers = nil
	return firstErr
}
