package packager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	perrors "packwise/internal/errors"
	"packwise/internal/procexec"
	"packwise/internal/resolver"
)

// Outcome is what one engine run produced.
type Outcome struct {
	ExitCode     int           `json:"exitCode"`
	Log          string        `json:"-"`
	ArtifactPath string        `json:"artifactPath,omitempty"`
	Duration     time.Duration `json:"duration"`
	Argv         string        `json:"argv"`
}

// Succeeded reports a zero exit with an artifact.
func (o *Outcome) Succeeded() bool {
	return o != nil && o.ExitCode == 0 && o.ArtifactPath != ""
}

// Orchestrator runs one engine for a project.
type Orchestrator struct {
	engine      Engine
	interpreter string
	logger      *slog.Logger
	run         RunFunc
	timeout     time.Duration
	self        string
	keepFiles   bool

	preflightOnce sync.Once
	preflightErr  error
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithRunner replaces the subprocess runner.
func WithRunner(run RunFunc) Option {
	return func(o *Orchestrator) { o.run = run }
}

// WithTimeout bounds each engine run. Zero means no bound beyond ctx.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithKeepBuildFiles leaves intermediate engine files in place after a
// successful build.
func WithKeepBuildFiles(keep bool) Option {
	return func(o *Orchestrator) { o.keepFiles = keep }
}

// NewOrchestrator creates an orchestrator for engine.
func NewOrchestrator(engine Engine, interpreter string, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:      engine,
		interpreter: interpreter,
		logger:      logger,
		run:         procexec.Run,
	}
	if self, err := os.Executable(); err == nil {
		o.self = self
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Engine returns the orchestrated engine.
func (o *Orchestrator) Engine() Engine {
	return o.engine
}

// Preflight checks the engine once per orchestrator.
func (o *Orchestrator) Preflight(ctx context.Context) error {
	o.preflightOnce.Do(func() {
		o.preflightErr = o.engine.Preflight(ctx, o.run, o.interpreter)
	})
	return o.preflightErr
}

// Build runs the engine for spec. Each output line is passed to sink as it
// arrives. On failure the Outcome is still returned alongside a
// *errors.PackError: BuildFailed for a nonzero exit or missing artifact,
// ResourceError when the engine or output directory is unusable, and
// Cancelled when ctx ended.
func (o *Orchestrator) Build(ctx context.Context, spec *resolver.BuildSpec, attempt int, sink func(string)) (*Outcome, error) {
	if err := o.Preflight(ctx); err != nil {
		if pe, ok := err.(*perrors.PackError); ok {
			return nil, pe.At(perrors.StageBuild, attempt)
		}
		return nil, err
	}
	if err := checkWritable(spec.OutputDir); err != nil {
		return nil, perrors.New(perrors.ResourceError, fmt.Sprintf("output directory %s is not writable", spec.OutputDir), err).
			At(perrors.StageBuild, attempt)
	}

	for _, p := range NonASCIIPaths(spec) {
		o.logger.Warn("Build path contains non-ASCII characters; engines may fail on it", "path", p)
		if sink != nil {
			sink("packwise: warning: non-ASCII characters in " + p + "; move the project to an ASCII-only path if the build fails")
		}
	}
	if prep, ok := o.engine.(Preparer); ok {
		if err := prep.Prepare(spec); err != nil {
			return nil, perrors.New(perrors.ResourceError, "cannot write build files", err).At(perrors.StageBuild, attempt)
		}
	}

	cmd := o.engine.Command(spec, o.interpreter)
	cmd.Timeout = o.timeout
	cmd.OnLine = sink
	argv := cmd.Argv()
	o.logger.Info("Starting engine", "engine", o.engine.Name(), "attempt", attempt, "directives", len(spec.Directives))
	o.logger.Debug("Engine command", "argv", argv)

	// file systems with coarse timestamps can round down
	start := time.Now().Add(-2 * time.Second)
	res, err := o.run(ctx, cmd)
	if err != nil {
		return nil, perrors.New(perrors.ResourceError, fmt.Sprintf("failed to start %s", o.engine.Name()), err).
			At(perrors.StageBuild, attempt)
	}

	out := &Outcome{
		ExitCode: res.ExitCode,
		Log:      res.Output,
		Duration: res.Duration,
		Argv:     argv,
	}
	if res.Cancelled {
		return out, perrors.New(perrors.Cancelled, "build cancelled", ctx.Err()).
			At(perrors.StageBuild, attempt).
			WithLog(res.Output, 40)
	}
	if res.TimedOut {
		return out, perrors.New(perrors.BuildFailed, fmt.Sprintf("%s timed out after %s", o.engine.Name(), o.timeout), nil).
			At(perrors.StageBuild, attempt).
			WithLog(res.Output, 40)
	}
	if res.ExitCode != 0 {
		o.logger.Warn("Engine failed", "engine", o.engine.Name(), "attempt", attempt, "exitCode", res.ExitCode)
		return out, perrors.New(perrors.BuildFailed, fmt.Sprintf("%s exited with code %d", o.engine.Name(), res.ExitCode), nil).
			At(perrors.StageBuild, attempt).
			WithLog(res.Output, 40)
	}

	out.ArtifactPath = o.findArtifact(spec, start)
	if out.ArtifactPath == "" {
		return out, perrors.New(perrors.BuildFailed, fmt.Sprintf("%s finished but no artifact was found", o.engine.Name()), nil).
			At(perrors.StageBuild, attempt).
			WithLog(res.Output, 40)
	}
	if !o.keepFiles {
		o.cleanup(spec, out.ArtifactPath)
	}
	o.logger.Info("Engine finished", "engine", o.engine.Name(), "attempt", attempt, "artifact", out.ArtifactPath, "duration", res.Duration.Round(time.Millisecond))
	return out, nil
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".packwise-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
