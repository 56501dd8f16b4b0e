// Package procexec runs external tools (the interpreter, packaging engines,
// built artifacts) under a hard deadline. Output is streamed line by line
// while it arrives, and cancellation kills the whole process group.
package procexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultWaitDelay bounds how long Run waits for output pipes to drain
// after the process group was killed.
const DefaultWaitDelay = 2 * time.Second

// Spec describes one subprocess.
type Spec struct {
	Name string
	Args []string
	Dir  string
	// Env replaces the inherited environment when non-nil.
	Env []string
	// Timeout is the hard deadline. Zero means none beyond ctx.
	Timeout time.Duration
	// OnLine receives each line of combined stdout/stderr as it arrives,
	// without the trailing newline.
	OnLine func(line string)
}

// Result is what was observed of a finished subprocess.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
	// TimedOut is set when the process was killed at Spec.Timeout.
	TimedOut bool
	// Cancelled is set when the caller's context ended first.
	Cancelled bool
}

// Killed reports whether the process was terminated by packwise rather
// than exiting on its own.
func (r *Result) Killed() bool {
	return r.TimedOut || r.Cancelled
}

// Argv returns the command line as a single string for logs.
func (s Spec) Argv() string {
	return strings.Join(append([]string{s.Name}, s.Args...), " ")
}

// Run starts the process and waits for it. The returned error is non-nil
// only when the process could not be started; a nonzero exit, a timeout
// or a cancellation are reported through Result.
func Run(ctx context.Context, spec Spec) (*Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = DefaultWaitDelay

	out := &lineWriter{onLine: spec.OnLine}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}
	waitErr := cmd.Wait()
	out.flush()

	res := &Result{
		ExitCode: -1,
		Output:   out.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	switch {
	case ctx.Err() != nil:
		res.Cancelled = true
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
	}
	if waitErr != nil && res.ExitCode == 0 && !res.Killed() {
		// I/O error after a clean exit, e.g. WaitDelay expired
		res.ExitCode = -1
	}
	return res, nil
}

// LookPath resolves a tool name against PATH.
func LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// lineWriter collects combined output and emits complete lines. exec
// serialises writes when Stdout and Stderr are the same writer.
type lineWriter struct {
	mu      sync.Mutex
	all     strings.Builder
	partial []byte
	onLine  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.all.Write(p)
	if w.onLine == nil {
		return len(p), nil
	}
	w.partial = append(w.partial, p...)
	for {
		i := indexNewline(w.partial)
		if i < 0 {
			break
		}
		w.onLine(strings.TrimRight(string(w.partial[:i]), "\r"))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.onLine != nil && len(w.partial) > 0 {
		w.onLine(strings.TrimRight(string(w.partial), "\r"))
	}
	w.partial = nil
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.all.String()
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}
