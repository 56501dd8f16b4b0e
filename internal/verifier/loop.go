package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	perrors "packwise/internal/errors"
	"packwise/internal/packager"
	"packwise/internal/resolver"
)

// MaxAttempts is the attempt ceiling of one session: two retries.
const MaxAttempts = 3

// State is a retry loop state.
type State string

const (
	StateAttemptRunning State = "ATTEMPT_RUNNING"
	StateSuccess        State = "SUCCESS"
	StateBuildFailed    State = "BUILD_FAILED"
	StateRuntimeFailed  State = "RUNTIME_FAILED"
	StateRetryPending   State = "RETRY_PENDING"
	StateExhausted      State = "EXHAUSTED"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateExhausted
}

// Builder runs one packaging attempt.
type Builder interface {
	Build(ctx context.Context, spec *resolver.BuildSpec, attempt int, sink func(string)) (*packager.Outcome, error)
}

// ResolveFunc produces the BuildSpec for the accumulated forced set.
type ResolveFunc func(forced []string) *resolver.BuildSpec

// Attempt is the record of one finished attempt. It is not changed after
// the loop moves on.
type Attempt struct {
	Number        int                 `json:"number"`
	Spec          *resolver.BuildSpec `json:"spec"`
	State         State               `json:"state"`
	ExitCode      int                 `json:"exitCode"`
	ArtifactPath  string              `json:"artifactPath,omitempty"`
	BuildLog      string              `json:"-"`
	RuntimeLog    string              `json:"-"`
	MissingModule string              `json:"missingModule,omitempty"`
	Duration      time.Duration       `json:"duration"`
	Error         *perrors.PackError  `json:"error,omitempty"`
}

// Log returns the build and runtime output of the attempt.
func (a Attempt) Log() string {
	if a.RuntimeLog == "" {
		return a.BuildLog
	}
	return a.BuildLog + "\n----- smoke test -----\n" + a.RuntimeLog
}

// BuildResult is the outcome of a whole session.
type BuildResult struct {
	Success                bool               `json:"success" yaml:"success"`
	Attempts               int                `json:"attempts" yaml:"attempts"`
	ArtifactPath           string             `json:"artifact_path" yaml:"artifact_path"`
	MissingModulesResolved []string           `json:"missing_modules_resolved" yaml:"missing_modules_resolved"`
	FinalLog               string             `json:"final_log" yaml:"final_log"`
	State                  State              `json:"state" yaml:"state"`
	Error                  *perrors.PackError `json:"error,omitempty" yaml:"error,omitempty"`
	History                []Attempt          `json:"-" yaml:"-"`
}

// Delimiter is the log line that opens attempt n.
func Delimiter(n, max int) string {
	return fmt.Sprintf("===== attempt %d/%d =====", n, max)
}

// Loop is the bounded build, verify and retry cycle. It owns the forced
// set; each attempt builds from a fresh BuildSpec.
type Loop struct {
	resolve     ResolveFunc
	builder     Builder
	smoker      Smoker
	extractor   *Extractor
	logger      *slog.Logger
	maxAttempts int

	forced []string
	state  State

	// Preforced are modules the user forced before the first attempt. The
	// resolve function already includes them, so they never count as new
	// and are not reported as resolved.
	Preforced []string

	// Sink receives every log line of every attempt, delimiters included.
	Sink func(line string)
	// OnAttempt is called after each attempt completes.
	OnAttempt func(a Attempt)
	// OnTransition is called on every state change.
	OnTransition func(from, to State)
}

// NewLoop creates a loop with the MaxAttempts ceiling.
func NewLoop(resolve ResolveFunc, builder Builder, smoker Smoker, extractor *Extractor, logger *slog.Logger) *Loop {
	return &Loop{
		resolve:     resolve,
		builder:     builder,
		smoker:      smoker,
		extractor:   extractor,
		logger:      logger,
		maxAttempts: MaxAttempts,
	}
}

// Forced returns a copy of the forced set.
func (l *Loop) Forced() []string {
	return append([]string(nil), l.forced...)
}

// State returns the current state.
func (l *Loop) State() State {
	return l.state
}

func (l *Loop) transition(to State) {
	from := l.state
	l.state = to
	l.logger.Debug("Retry loop transition", "from", from, "to", to)
	if l.OnTransition != nil {
		l.OnTransition(from, to)
	}
}

func (l *Loop) emit(line string, log *strings.Builder) {
	log.WriteString(line)
	log.WriteByte('\n')
	if l.Sink != nil {
		l.Sink(line)
	}
}

// Run executes attempts until SUCCESS or EXHAUSTED. It never runs more
// than MaxAttempts attempts.
func (l *Loop) Run(ctx context.Context) *BuildResult {
	result := &BuildResult{MissingModulesResolved: []string{}}
	var full strings.Builder

	finish := func(state State, err *perrors.PackError) *BuildResult {
		l.transition(state)
		result.State = state
		result.Success = state == StateSuccess
		result.Error = err
		result.FinalLog = full.String()
		result.MissingModulesResolved = l.Forced()
		return result
	}

	for n := 1; n <= l.maxAttempts; n++ {
		spec := l.resolve(l.Forced())
		l.transition(StateAttemptRunning)
		l.emit(Delimiter(n, l.maxAttempts), &full)
		l.logger.Info("Starting attempt", "attempt", n, "max", l.maxAttempts, "forced", strings.Join(l.forced, ","))

		a := l.attempt(ctx, n, spec, &full)
		result.Attempts = n
		result.History = append(result.History, a)
		if l.OnAttempt != nil {
			l.OnAttempt(a)
		}

		switch a.State {
		case StateSuccess:
			result.ArtifactPath = a.ArtifactPath
			return finish(StateSuccess, nil)
		case StateExhausted:
			// not a dependency gap: resource problems and cancellation
			return finish(StateExhausted, a.Error)
		}
		l.transition(a.State)

		if a.MissingModule == "" {
			if a.State == StateBuildFailed {
				return finish(StateExhausted, a.Error)
			}
			return finish(StateExhausted, perrors.New(perrors.RetryExhausted,
				"artifact fails with a missing module that is already forced; no new module to add", nil).
				At(perrors.StageSmoke, n).WithLog(a.Log(), 40))
		}
		if n == l.maxAttempts {
			return finish(StateExhausted, perrors.New(perrors.RetryExhausted,
				fmt.Sprintf("still missing %s after %d attempts", a.MissingModule, n), nil).
				At(perrors.StageSmoke, n).WithLog(a.Log(), 40).
				WithDetails(map[string]interface{}{"missing": a.MissingModule, "forced": l.Forced()}))
		}

		l.forced = append(l.forced, a.MissingModule)
		l.transition(StateRetryPending)
		l.logger.Info("Retrying with forced module", "module", a.MissingModule, "nextAttempt", n+1)
	}
	// unreachable with maxAttempts >= 1
	return finish(StateExhausted, perrors.New(perrors.RetryExhausted, "no attempts were made", nil))
}

// attempt runs one build and, on success, the smoke test. The returned
// State is SUCCESS, BUILD_FAILED, RUNTIME_FAILED, or EXHAUSTED for
// failures that must not be retried.
func (l *Loop) attempt(ctx context.Context, n int, spec *resolver.BuildSpec, full *strings.Builder) Attempt {
	a := Attempt{Number: n, Spec: spec}
	start := time.Now()

	sink := func(line string) { l.emit(line, full) }
	out, err := l.builder.Build(ctx, spec, n, sink)
	if out != nil {
		a.ExitCode = out.ExitCode
		a.BuildLog = out.Log
		a.ArtifactPath = out.ArtifactPath
	}
	if err != nil {
		pe := asPackError(err, perrors.StageBuild, n)
		a.Error = pe
		if pe.Code != perrors.BuildFailed {
			a.State = StateExhausted
			a.Duration = time.Since(start)
			return a
		}
		a.State = StateBuildFailed
		// a name the spec already includes broke the build; forcing it again changes nothing
		a.MissingModule = l.firstNew(without(l.extractor.Extract(a.BuildLog), spec.IncludeSet()))
		if a.MissingModule != "" {
			a.Error = perrors.New(perrors.RuntimeMissingModule,
				fmt.Sprintf("build could not find module %s", a.MissingModule), err).
				At(perrors.StageBuild, n).WithLog(a.BuildLog, 40)
		}
		a.Duration = time.Since(start)
		return a
	}

	l.emit("----- smoke test -----", full)
	smoke, err := l.smoker.Smoke(ctx, out.ArtifactPath)
	if smoke != nil {
		a.RuntimeLog = smoke.Output
		for _, line := range strings.Split(strings.TrimRight(smoke.Output, "\n"), "\n") {
			if line != "" {
				l.emit(line, full)
			}
		}
	}
	if err != nil {
		a.Error = asPackError(err, perrors.StageSmoke, n)
		a.State = StateExhausted
		a.Duration = time.Since(start)
		return a
	}
	if smoke.Passed {
		a.State = StateSuccess
		a.Duration = time.Since(start)
		return a
	}

	a.State = StateRuntimeFailed
	// runtime output first, then the build log
	names := append(append([]string(nil), smoke.Missing...), l.extractor.Extract(a.BuildLog)...)
	a.MissingModule = l.firstNew(names)
	a.Error = perrors.New(perrors.RuntimeMissingModule,
		fmt.Sprintf("artifact failed to import %s", strings.Join(smoke.Missing, ", ")), nil).
		At(perrors.StageSmoke, n).WithLog(smoke.Output, 40)
	a.Duration = time.Since(start)
	return a
}

// firstNew returns the first name not already forced.
func (l *Loop) firstNew(names []string) string {
	for _, name := range names {
		if !contains(l.forced, name) && !contains(l.Preforced, name) {
			return name
		}
	}
	return ""
}

func asPackError(err error, stage perrors.Stage, attempt int) *perrors.PackError {
	var pe *perrors.PackError
	if errors.As(err, &pe) {
		if pe.Attempt == 0 {
			pe.At(stage, attempt)
		}
		return pe
	}
	return perrors.New(perrors.InternalError, err.Error(), err).At(stage, attempt)
}

func without(names, drop []string) []string {
	var out []string
	for _, n := range names {
		if !contains(drop, n) {
			out = append(out, n)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
