// Package tracer runs the entry script under the real interpreter with an
// import-recording shim and classifies how far the run got.
package tracer

import (
	"bufio"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"

	perrors "packwise/internal/errors"
	"packwise/internal/modules"
	"packwise/internal/procexec"
)

//go:embed shim.py
var shimSource []byte

// Outcome classifies a traced run.
type Outcome string

const (
	// OutcomeComplete means the script exited cleanly before the deadline.
	OutcomeComplete Outcome = "complete"
	// OutcomePartial means the run was cut short but its trace is usable.
	OutcomePartial Outcome = "partial"
	// OutcomeUntraceable means the trace is not used; resolution falls back
	// to static analysis plus the knowledge base.
	OutcomeUntraceable Outcome = "untraceable"
)

const tracebackMarker = "Traceback (most recent call last):"

// ignoredNames are interpreter and environment hooks that show up in every
// trace.
var ignoredNames = map[string]bool{
	"__main__":        true,
	"__mp_main__":     true,
	"sitecustomize":   true,
	"usercustomize":   true,
	"_virtualenv":     true,
	"_distutils_hack": true,
}

// Options configures a Tracer.
type Options struct {
	Interpreter string
	ProjectRoot string
	Timeout     time.Duration
	// AcceptThreshold is the number of distinct third-party roots a crashed
	// run must have recorded for its trace to be kept.
	AcceptThreshold int
	// Env is added on top of the inherited environment and the project's
	// .env file.
	Env map[string]string
	// IsLocal reports project-local roots, which are dropped from the trace.
	IsLocal func(root string) bool
	// OnLine receives the script's output as it runs.
	OnLine func(line string)
}

// Result is a classified trace.
type Result struct {
	Outcome  Outcome       `json:"outcome"`
	Reason   string        `json:"reason"`
	Modules  []string      `json:"modules"`
	Duration time.Duration `json:"duration"`
	ExitCode int           `json:"exitCode"`
	Log      string        `json:"log,omitempty"`
	// Diagnostic explains a timeout or crash. It is informational: tracing
	// problems never fail a session.
	Diagnostic *perrors.PackError `json:"diagnostic,omitempty"`
}

// Accepted reports whether the trace should feed resolution.
func (r *Result) Accepted() bool {
	return r != nil && r.Outcome != OutcomeUntraceable
}

// Roots returns the sorted distinct root packages of the traced modules.
func (r *Result) Roots() []string {
	if r == nil {
		return nil
	}
	return distinctRoots(r.Modules)
}

// Tracer runs instrumented traces.
type Tracer struct {
	opts   Options
	logger *slog.Logger
}

// New creates a tracer.
func New(opts Options, logger *slog.Logger) *Tracer {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.IsLocal == nil {
		opts.IsLocal = func(string) bool { return false }
	}
	return &Tracer{opts: opts, logger: logger}
}

// observation is what the process run told us, before classification.
type observation struct {
	Started   bool
	ExitCode  int
	TimedOut  bool
	EndReason string
	Traceback bool
}

// Trace runs entry and classifies the run. The only error returned is
// cancellation; every other failure is an untraceable Result.
func (t *Tracer) Trace(ctx context.Context, entry string) (*Result, error) {
	absEntry, err := filepath.Abs(entry)
	if err != nil {
		return nil, perrors.New(perrors.InvalidInput, "cannot resolve entry script", err)
	}
	root := t.opts.ProjectRoot
	if root == "" {
		root = filepath.Dir(absEntry)
	}

	tmp, err := os.MkdirTemp("", "packwise-trace-")
	if err != nil {
		return nil, perrors.New(perrors.ResourceError, "cannot create trace directory", err).At(perrors.StageTrace, 0)
	}
	defer os.RemoveAll(tmp)

	shimPath := filepath.Join(tmp, "packwise_trace_shim.py")
	tracePath := filepath.Join(tmp, "imports.txt")
	if err := os.WriteFile(shimPath, shimSource, 0644); err != nil {
		return nil, perrors.New(perrors.ResourceError, "cannot write trace shim", err).At(perrors.StageTrace, 0)
	}

	spec := procexec.Spec{
		Name:    t.opts.Interpreter,
		Args:    []string{shimPath, absEntry},
		Dir:     root,
		Env:     t.environment(root, tracePath),
		Timeout: t.opts.Timeout,
		OnLine:  t.opts.OnLine,
	}
	t.logger.Info("Tracing entry script",
		"entry", absEntry,
		"interpreter", t.opts.Interpreter,
		"timeout", t.opts.Timeout,
	)

	start := time.Now()
	res, runErr := procexec.Run(ctx, spec)
	if runErr != nil {
		t.logger.Warn("Interpreter could not be started", "error", runErr)
		return &Result{
			Outcome:    OutcomeUntraceable,
			Reason:     "start-failed",
			Modules:    []string{},
			Duration:   time.Since(start),
			ExitCode:   -1,
			Log:        runErr.Error(),
			Diagnostic: perrors.New(perrors.TraceCrash, "interpreter could not be started", runErr).At(perrors.StageTrace, 0),
		}, nil
	}
	if res.Cancelled {
		return nil, perrors.New(perrors.Cancelled, "trace cancelled", ctx.Err()).At(perrors.StageTrace, 0).WithLog(res.Output, 20)
	}

	names, endReason, err := readTrace(tracePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.logger.Warn("Trace file unreadable", "error", err)
	}
	mods := t.filter(names)

	obs := observation{
		Started:   true,
		ExitCode:  res.ExitCode,
		TimedOut:  res.TimedOut,
		EndReason: endReason,
		Traceback: strings.Contains(res.Output, tracebackMarker),
	}
	outcome, reason := classify(obs, len(distinctRoots(mods)), t.opts.AcceptThreshold)

	result := &Result{
		Outcome:  outcome,
		Reason:   reason,
		Modules:  mods,
		Duration: res.Duration,
		ExitCode: res.ExitCode,
		Log:      res.Output,
	}
	switch {
	case obs.TimedOut || endReason == "deadline":
		result.Diagnostic = perrors.New(perrors.TraceTimeout,
			fmt.Sprintf("script still running after %s", t.opts.Timeout), nil).
			At(perrors.StageTrace, 0).WithLog(res.Output, 20)
	case outcome != OutcomeComplete:
		result.Diagnostic = perrors.New(perrors.TraceCrash,
			fmt.Sprintf("script exited with code %d", res.ExitCode), nil).
			At(perrors.StageTrace, 0).WithLog(res.Output, 20)
	}

	t.logger.Info("Trace finished",
		"outcome", outcome,
		"reason", reason,
		"modules", len(mods),
		"duration", res.Duration,
	)
	return result, nil
}

// classify applies the acceptance rules to a finished run.
func classify(obs observation, roots, threshold int) (Outcome, string) {
	if !obs.Started {
		return OutcomeUntraceable, "start-failed"
	}
	deadline := obs.TimedOut || obs.EndReason == "deadline"
	if deadline && !obs.Traceback {
		// long-running script, typically a GUI event loop
		return OutcomePartial, "timeout"
	}
	if !deadline && obs.ExitCode == 0 {
		if obs.EndReason == "gui-loop" {
			return OutcomeComplete, "gui-loop"
		}
		return OutcomeComplete, "exit"
	}
	reason := fmt.Sprintf("exit %d", obs.ExitCode)
	if deadline {
		reason = "timeout-with-traceback"
	}
	if roots >= threshold {
		return OutcomePartial, reason
	}
	return OutcomeUntraceable, reason
}

// environment merges, lowest first: the project's .env, the inherited
// environment, Options.Env, then the shim's own variables.
func (t *Tracer) environment(root, tracePath string) []string {
	env := make(map[string]string)
	dotenvPath := filepath.Join(root, ".env")
	if vars, err := godotenv.Read(dotenvPath); err == nil {
		for k, v := range vars {
			env[k] = v
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		t.logger.Warn("Ignoring unreadable .env", "path", dotenvPath, "error", err)
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	for k, v := range t.opts.Env {
		env[k] = v
	}

	pythonPath := root
	if existing := env["PYTHONPATH"]; existing != "" {
		pythonPath = root + string(os.PathListSeparator) + existing
	}
	env["PYTHONPATH"] = pythonPath
	env["PYTHONUNBUFFERED"] = "1"
	env["PYTHONDONTWRITEBYTECODE"] = "1"
	env["PACKWISE_TRACE_FILE"] = tracePath
	env["PACKWISE_TRACE_DEADLINE"] = fmt.Sprintf("%.3f", softDeadline(t.opts.Timeout).Seconds())

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// softDeadline ends the run from inside the shim shortly before the hard
// kill, so the trace gets its closing marker.
func softDeadline(timeout time.Duration) time.Duration {
	margin := timeout / 4
	if margin > 2*time.Second {
		margin = 2 * time.Second
	}
	return timeout - margin
}

// readTrace returns the recorded names in order and the "#end" reason, if
// the shim got to write one.
func readTrace(path string) ([]string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var names []string
	end := ""
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "#end "):
			end = strings.TrimPrefix(line, "#end ")
		case strings.HasPrefix(line, "#"):
		default:
			names = append(names, line)
		}
	}
	return names, end, sc.Err()
}

// filter keeps third-party module names, canonical and sorted.
func (t *Tracer) filter(names []string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, n := range names {
		n = modules.Canonical(n)
		if !modules.IsValidName(n) || seen[n] {
			continue
		}
		root := modules.Root(n)
		if ignoredNames[root] || modules.IsStdlib(n) || t.opts.IsLocal(root) {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func distinctRoots(names []string) []string {
	seen := make(map[string]bool)
	var roots []string
	for _, n := range names {
		r := modules.Root(n)
		if !seen[r] {
			seen[r] = true
			roots = append(roots, r)
		}
	}
	sort.Strings(roots)
	return roots
}
