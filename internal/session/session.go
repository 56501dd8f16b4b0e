// Package session runs one build job end to end: scan and trace, resolve,
// then the build, verify and retry loop, then the optimization report.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"packwise/internal/analyzer"
	perrors "packwise/internal/errors"
	"packwise/internal/knowledge"
	"packwise/internal/modules"
	"packwise/internal/resolver"
	"packwise/internal/tracer"
	"packwise/internal/verifier"
)

// Inventory locates installed packages for the resolver and the analyzer.
type Inventory interface {
	resolver.Inventory
	analyzer.Sizer
}

// ScanFunc runs the static scan of an entry script.
type ScanFunc func(ctx context.Context, entry string) (*modules.ScanResult, error)

// TraceFunc runs the dynamic trace of an entry script. onLine receives the
// script's output.
type TraceFunc func(ctx context.Context, entry string, onLine func(string)) (*tracer.Result, error)

// Deps are the collaborators of a session.
type Deps struct {
	Scan ScanFunc
	// Trace is optional; nil disables tracing.
	Trace     TraceFunc
	KB        *knowledge.Base
	Inventory Inventory
	Builder   verifier.Builder
	Smoker    verifier.Smoker
	Extractor *verifier.Extractor
}

// Options describe what one session builds.
type Options struct {
	ID          string
	Entry       string
	ProjectRoot string
	OutputDir   string
	Name        string
	OutputMode  string
	Console     bool
	IconPath    string
	Engine      string
	VersionInfo *resolver.VersionInfo
	// Forced are modules the user asked to include up front.
	Forced []string
	// Declared are the import roots named by the project's manifests.
	Declared []string
}

// Result is everything a finished session produced.
type Result struct {
	ID           string                `json:"session_id" yaml:"session_id"`
	Build        *verifier.BuildResult `json:"build" yaml:"build"`
	Spec         *resolver.BuildSpec   `json:"spec,omitempty" yaml:"spec,omitempty"`
	Report       *analyzer.Report      `json:"report,omitempty" yaml:"report,omitempty"`
	TraceOutcome tracer.Outcome        `json:"trace_outcome,omitempty" yaml:"trace_outcome,omitempty"`
	Duration     time.Duration         `json:"duration" yaml:"duration"`
}

// Session is one build job. It is not reusable.
type Session struct {
	opts   Options
	deps   Deps
	logger *slog.Logger

	logMu sync.Mutex
	log   io.Writer

	// OnAttempt is called after each attempt completes.
	OnAttempt func(a verifier.Attempt)
}

// New creates a session. log receives the raw session log; nil discards it.
func New(opts Options, deps Deps, logger *slog.Logger, log io.Writer) *Session {
	if log == nil {
		log = io.Discard
	}
	return &Session{opts: opts, deps: deps, logger: logger, log: log}
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.opts.ID
}

func (s *Session) writeLine(line string) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	_, _ = io.WriteString(s.log, line+"\n")
}

// Plan is the resolved state of a project before anything is built.
type Plan struct {
	Scan   *modules.ScanResult `json:"scan" yaml:"scan"`
	Trace  *tracer.Result      `json:"trace,omitempty" yaml:"trace,omitempty"`
	Spec   *resolver.BuildSpec `json:"spec" yaml:"spec"`
	Report *analyzer.Report    `json:"report" yaml:"report"`

	resolve verifier.ResolveFunc
	sizer   analyzer.Sizer
}

// Plan scans and traces the entry script and resolves the first BuildSpec.
func (s *Session) Plan(ctx context.Context) (*Plan, error) {
	scan, trace, err := s.analyze(ctx)
	if err != nil {
		return nil, err
	}

	p := &Plan{Scan: scan, Trace: trace}
	var inv resolver.Inventory
	if s.deps.Inventory != nil {
		inv, p.sizer = s.deps.Inventory, s.deps.Inventory
	}
	ropts := resolver.Options{
		EntryPath:   s.opts.Entry,
		ProjectRoot: s.opts.ProjectRoot,
		OutputDir:   s.opts.OutputDir,
		Name:        s.opts.Name,
		OutputMode:  s.opts.OutputMode,
		Console:     s.opts.Console,
		IconPath:    s.opts.IconPath,
		Engine:      s.opts.Engine,
		VersionInfo: s.opts.VersionInfo,
	}
	p.resolve = func(forced []string) *resolver.BuildSpec {
		all := make([]string, 0, len(s.opts.Forced)+len(forced))
		all = append(all, s.opts.Forced...)
		all = append(all, forced...)
		return resolver.Resolve(resolver.Input{
			Scan:      scan,
			Trace:     trace,
			KB:        s.deps.KB,
			Forced:    all,
			Inventory: inv,
			Options:   ropts,
		})
	}
	p.Spec = p.resolve(nil)
	p.Report = s.report(p, p.Spec)
	return p, nil
}

func (s *Session) report(p *Plan, spec *resolver.BuildSpec) *analyzer.Report {
	return analyzer.Analyze(analyzer.Input{
		Spec:     spec,
		Scan:     p.Scan,
		Declared: s.opts.Declared,
		Sizer:    p.sizer,
	})
}

// Run executes the session. A non-nil Result is returned whenever the loop
// ran, together with the terminal error when the build did not succeed.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	s.writeLine(fmt.Sprintf("packwise session %s: %s (%s)", s.opts.ID, s.opts.Entry, s.opts.Engine))

	plan, err := s.Plan(ctx)
	if err != nil {
		return nil, err
	}

	loop := verifier.NewLoop(plan.resolve, s.deps.Builder, s.deps.Smoker, s.deps.Extractor, s.logger)
	loop.Sink = s.writeLine
	for _, f := range s.opts.Forced {
		loop.Preforced = append(loop.Preforced, modules.Canonical(f))
	}
	loop.OnAttempt = func(a verifier.Attempt) {
		s.logger.Info("Attempt finished",
			"attempt", a.Number,
			"state", a.State,
			"missing", a.MissingModule,
			"duration", a.Duration,
		)
		if s.OnAttempt != nil {
			s.OnAttempt(a)
		}
	}
	build := loop.Run(ctx)

	final := plan.Spec
	if n := len(build.History); n > 0 && build.History[n-1].Spec != nil {
		final = build.History[n-1].Spec
	}
	report := s.report(plan, final)

	result := &Result{
		ID:       s.opts.ID,
		Build:    build,
		Spec:     final,
		Report:   report,
		Duration: time.Since(start),
	}
	if plan.Trace != nil {
		result.TraceOutcome = plan.Trace.Outcome
	}

	s.writeLine(fmt.Sprintf("===== result: %s after %d attempt(s) =====", build.State, build.Attempts))
	if build.Success {
		s.logger.Info("Build succeeded",
			"artifact", build.ArtifactPath,
			"attempts", build.Attempts,
			"reviewCandidates", len(report.ReviewCandidates()),
		)
		return result, nil
	}
	if build.Error == nil {
		return result, perrors.New(perrors.RetryExhausted, "build did not succeed", nil).At(perrors.StageSession, build.Attempts)
	}
	s.logger.Error("Build failed",
		"code", build.Error.Code,
		"attempts", build.Attempts,
	)
	return result, build.Error
}

// analyze runs the static scan and the trace concurrently. A scan failure
// ends the session; a trace failure only loses the trace.
func (s *Session) analyze(ctx context.Context) (*modules.ScanResult, *tracer.Result, error) {
	var scan *modules.ScanResult
	var trace *tracer.Result

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := s.deps.Scan(gctx, s.opts.Entry)
		if err != nil {
			return err
		}
		scan = res
		return nil
	})
	if s.deps.Trace != nil {
		g.Go(func() error {
			res, err := s.deps.Trace(gctx, s.opts.Entry, func(line string) {
				s.writeLine("[trace] " + line)
			})
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				if gctx.Err() != nil {
					// the scan failed first
					return nil
				}
				s.logger.Warn("Trace failed, continuing with static analysis", "error", err.Error())
				return nil
			}
			trace = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, nil, perrors.New(perrors.Cancelled, "session cancelled", ctx.Err()).At(perrors.StageSession, 0)
		}
		var pe *perrors.PackError
		if errors.As(err, &pe) {
			return nil, nil, pe
		}
		return nil, nil, perrors.New(perrors.ScanError, "static scan failed", err).At(perrors.StageScan, 0)
	}

	if trace != nil {
		s.writeLine(fmt.Sprintf("trace: %s (%s), %d modules", trace.Outcome, trace.Reason, len(trace.Modules)))
		if trace.Diagnostic != nil {
			s.logger.Warn("Trace incomplete", "code", trace.Diagnostic.Code, "message", trace.Diagnostic.Message, "accepted", trace.Accepted())
		}
	}
	s.writeLine(fmt.Sprintf("scan: %d files, %d imports, %d unresolved dynamic imports",
		len(scan.Files), len(scan.Records), len(scan.Unresolved)))
	return scan, trace, nil
}
