package verifier

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	perrors "packwise/internal/errors"
	"packwise/internal/modules"
	"packwise/internal/packager"
	"packwise/internal/procexec"
	"packwise/internal/resolver"
	"packwise/internal/slogutil"
)

// fakeBuilder replays one scripted outcome per attempt.
type fakeBuilder struct {
	steps []buildStep
	specs []*resolver.BuildSpec
}

type buildStep struct {
	exit int
	log  string
	err  perrors.ErrorCode
}

func (f *fakeBuilder) Build(ctx context.Context, spec *resolver.BuildSpec, attempt int, sink func(string)) (*packager.Outcome, error) {
	f.specs = append(f.specs, spec)
	step := f.steps[len(f.specs)-1]
	for _, line := range strings.Split(strings.TrimSpace(step.log), "\n") {
		sink(line)
	}
	out := &packager.Outcome{ExitCode: step.exit, Log: step.log}
	if step.err != "" {
		return out, perrors.New(step.err, "scripted failure", nil).At(perrors.StageBuild, attempt)
	}
	out.ArtifactPath = filepath.Join("dist", "app")
	return out, nil
}

// fakeSmoker replays one scripted runtime output per smoke test.
type fakeSmoker struct {
	outputs []string
	calls   int
	ex      *Extractor
}

func (f *fakeSmoker) Smoke(ctx context.Context, artifact string) (*SmokeResult, error) {
	out := f.outputs[f.calls]
	f.calls++
	missing := f.ex.Extract(out)
	return &SmokeResult{Passed: len(missing) == 0, Output: out, Missing: missing}, nil
}

func newTestLoop(t *testing.T, b *fakeBuilder, runtime []string) (*Loop, *fakeSmoker) {
	t.Helper()
	ex, err := NewExtractor(nil)
	if err != nil {
		t.Fatal(err)
	}
	scan := &modules.ScanResult{Records: []modules.ImportRecord{{Name: "requests", Kind: modules.KindStatic}}}
	resolve := func(forced []string) *resolver.BuildSpec {
		return resolver.Resolve(resolver.Input{Scan: scan, Forced: forced})
	}
	smoker := &fakeSmoker{outputs: runtime, ex: ex}
	return NewLoop(resolve, b, smoker, ex, slogutil.NewDiscardLogger()), smoker
}

func missing(name string) string {
	return "Traceback (most recent call last):\nModuleNotFoundError: No module named '" + name + "'\n"
}

// The first attempt builds but the artifact cannot import lxml; the
// second attempt forces it and succeeds.
func TestLoop_RuntimeRecovery(t *testing.T) {
	b := &fakeBuilder{steps: []buildStep{{log: "building 1"}, {log: "building 2"}}}
	loop, _ := newTestLoop(t, b, []string{missing("lxml"), "ok\n"})

	res := loop.Run(context.Background())
	if !res.Success || res.State != StateSuccess {
		t.Fatalf("Run() = %+v, want SUCCESS", res)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if !reflect.DeepEqual(res.MissingModulesResolved, []string{"lxml"}) {
		t.Errorf("MissingModulesResolved = %v, want [lxml]", res.MissingModulesResolved)
	}
	if res.ArtifactPath == "" {
		t.Error("ArtifactPath empty on success")
	}
	if _, ok := b.specs[0].Directive("lxml"); ok {
		t.Error("first BuildSpec already contains lxml")
	}
	d, ok := b.specs[1].Directive("lxml")
	if !ok || !d.Forced() {
		t.Errorf("second BuildSpec lxml directive = %+v, %v, want forced", d, ok)
	}
	if !strings.Contains(res.FinalLog, Delimiter(1, MaxAttempts)) || !strings.Contains(res.FinalLog, Delimiter(2, MaxAttempts)) {
		t.Errorf("FinalLog lacks attempt delimiters:\n%s", res.FinalLog)
	}
	if res.History[0].State != StateRuntimeFailed || res.History[0].MissingModule != "lxml" {
		t.Errorf("first attempt = %+v", res.History[0])
	}
}

// The third attempt reports a module that is already forced: the loop is
// exhausted at attempt 3 and never runs a fourth.
func TestLoop_ExhaustedAtCeiling(t *testing.T) {
	b := &fakeBuilder{steps: []buildStep{{log: "b1"}, {log: "b2"}, {log: "b3"}, {log: "b4"}}}
	loop, smoker := newTestLoop(t, b, []string{missing("a"), missing("b"), missing("b"), "ok"})

	res := loop.Run(context.Background())
	if res.Success || res.State != StateExhausted {
		t.Fatalf("Run() state = %s, want EXHAUSTED", res.State)
	}
	if res.Attempts != 3 || len(b.specs) != 3 || smoker.calls != 3 {
		t.Errorf("attempts = %d, builds = %d, smokes = %d, want 3", res.Attempts, len(b.specs), smoker.calls)
	}
	if res.Error == nil || res.Error.Code != perrors.RetryExhausted {
		t.Errorf("Error = %v, want RETRY_EXHAUSTED", res.Error)
	}
	if !reflect.DeepEqual(res.MissingModulesResolved, []string{"a", "b"}) {
		t.Errorf("MissingModulesResolved = %v", res.MissingModulesResolved)
	}
	if !strings.Contains(res.FinalLog, "No module named 'b'") {
		t.Error("FinalLog should carry the complete diagnostic output")
	}
}

func TestLoop_NoNewNameStopsEarly(t *testing.T) {
	b := &fakeBuilder{steps: []buildStep{{log: "b1"}, {log: "b2"}, {log: "b3"}}}
	loop, _ := newTestLoop(t, b, []string{missing("a"), missing("a"), "ok"})

	res := loop.Run(context.Background())
	if res.State != StateExhausted || res.Attempts != 2 {
		t.Errorf("Run() = %s after %d attempts, want EXHAUSTED after 2", res.State, res.Attempts)
	}
}

func TestLoop_BuildFailures(t *testing.T) {
	t.Run("missing module in build log is retried", func(t *testing.T) {
		b := &fakeBuilder{steps: []buildStep{
			{exit: 1, log: "FATAL: Error, failed to locate module 'plugin.extras' you asked to include.", err: perrors.BuildFailed},
			{log: "ok"},
		}}
		loop, _ := newTestLoop(t, b, []string{"ok"})
		res := loop.Run(context.Background())
		if !res.Success || res.Attempts != 2 {
			t.Fatalf("Run() = %s after %d, want SUCCESS after 2", res.State, res.Attempts)
		}
		if res.History[0].State != StateBuildFailed {
			t.Errorf("first attempt state = %s, want BUILD_FAILED", res.History[0].State)
		}
		if !reflect.DeepEqual(res.MissingModulesResolved, []string{"plugin.extras"}) {
			t.Errorf("MissingModulesResolved = %v", res.MissingModulesResolved)
		}
	})

	t.Run("no extractable name surfaces immediately", func(t *testing.T) {
		b := &fakeBuilder{steps: []buildStep{{exit: 1, log: "error: syntax error in main.py", err: perrors.BuildFailed}}}
		loop, smoker := newTestLoop(t, b, nil)
		res := loop.Run(context.Background())
		if res.State != StateExhausted || res.Attempts != 1 {
			t.Fatalf("Run() = %s after %d, want EXHAUSTED after 1", res.State, res.Attempts)
		}
		if res.Error == nil || res.Error.Code != perrors.BuildFailed {
			t.Errorf("Error = %v, want BUILD_FAILED", res.Error)
		}
		if smoker.calls != 0 {
			t.Error("smoke test ran after a failed build")
		}
	})

	t.Run("module the spec already includes is not forced again", func(t *testing.T) {
		b := &fakeBuilder{steps: []buildStep{
			{exit: 1, log: "FATAL: Error, failed to locate module 'requests' you asked to include.", err: perrors.BuildFailed},
			{log: "ok"},
		}}
		loop, _ := newTestLoop(t, b, []string{"ok"})
		res := loop.Run(context.Background())
		if res.State != StateExhausted || res.Attempts != 1 {
			t.Fatalf("Run() = %s after %d, want EXHAUSTED after 1", res.State, res.Attempts)
		}
		if res.Error == nil || res.Error.Code != perrors.BuildFailed {
			t.Errorf("Error = %v, want BUILD_FAILED", res.Error)
		}
		if len(res.MissingModulesResolved) != 0 {
			t.Errorf("MissingModulesResolved = %v, want none", res.MissingModulesResolved)
		}
	})

	t.Run("resource error is not retried", func(t *testing.T) {
		b := &fakeBuilder{steps: []buildStep{{err: perrors.ResourceError, log: "No module named 'PyInstaller'"}}}
		loop, _ := newTestLoop(t, b, nil)
		res := loop.Run(context.Background())
		if res.Attempts != 1 || res.Error == nil || res.Error.Code != perrors.ResourceError {
			t.Errorf("Run() = %+v, want RESOURCE_ERROR after 1 attempt", res)
		}
	})
}

// A module the user forced up front that the artifact still cannot import
// gives the loop nothing new to try.
func TestLoop_UserForcedModuleIsNotNew(t *testing.T) {
	b := &fakeBuilder{steps: []buildStep{{log: "b1"}, {log: "b2"}, {log: "b3"}}}
	loop, smoker := newTestLoop(t, b, []string{missing("lxml"), missing("lxml"), missing("lxml")})
	scan := &modules.ScanResult{Records: []modules.ImportRecord{{Name: "requests", Kind: modules.KindStatic}}}
	loop.resolve = func(forced []string) *resolver.BuildSpec {
		return resolver.Resolve(resolver.Input{Scan: scan, Forced: append([]string{"lxml"}, forced...)})
	}
	loop.Preforced = []string{"lxml"}

	res := loop.Run(context.Background())
	if res.State != StateExhausted || res.Attempts != 1 || smoker.calls != 1 {
		t.Fatalf("Run() = %s after %d attempts, %d smokes, want EXHAUSTED after 1", res.State, res.Attempts, smoker.calls)
	}
	if res.Error == nil || res.Error.Code != perrors.RetryExhausted {
		t.Errorf("Error = %v, want RETRY_EXHAUSTED", res.Error)
	}
	if len(res.MissingModulesResolved) != 0 {
		t.Errorf("MissingModulesResolved = %v, want none", res.MissingModulesResolved)
	}
}

// For any sequence of reports the loop ends within MaxAttempts and the
// forced set never shrinks.
func TestLoop_TerminationAndMonotonicity(t *testing.T) {
	reports := [][]string{
		{missing("a"), missing("b"), missing("c"), missing("d")},
		{missing("a"), missing("a"), missing("a"), missing("a")},
		{"ok", "ok", "ok", "ok"},
		{missing("x") + missing("y"), missing("x") + missing("y"), missing("z"), "ok"},
		{missing("a"), "ok", "ok", "ok"},
	}
	for i, runtime := range reports {
		b := &fakeBuilder{steps: []buildStep{{log: "1"}, {log: "2"}, {log: "3"}, {log: "4"}}}
		loop, _ := newTestLoop(t, b, runtime)

		var sizes []int
		loop.OnAttempt = func(a Attempt) {
			sizes = append(sizes, len(a.Spec.Forced))
		}
		res := loop.Run(context.Background())

		if !res.State.Terminal() {
			t.Errorf("case %d: final state %s is not terminal", i, res.State)
		}
		if res.Attempts < 1 || res.Attempts > MaxAttempts {
			t.Errorf("case %d: Attempts = %d", i, res.Attempts)
		}
		for j := 1; j < len(sizes); j++ {
			if sizes[j] < sizes[j-1] {
				t.Errorf("case %d: forced set shrank: %v", i, sizes)
			}
		}
	}
}

func TestLoop_Transitions(t *testing.T) {
	b := &fakeBuilder{steps: []buildStep{{log: "1"}, {log: "2"}}}
	loop, _ := newTestLoop(t, b, []string{missing("lxml"), "ok"})
	var states []State
	loop.OnTransition = func(_, to State) { states = append(states, to) }
	var lines []string
	loop.Sink = func(l string) { lines = append(lines, l) }

	loop.Run(context.Background())
	want := []State{StateAttemptRunning, StateRuntimeFailed, StateRetryPending, StateAttemptRunning, StateSuccess}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("transitions = %v, want %v", states, want)
	}
	if len(lines) == 0 || lines[0] != Delimiter(1, MaxAttempts) {
		t.Errorf("first sink line = %v", lines)
	}
	if loop.State() != StateSuccess {
		t.Errorf("State() = %s", loop.State())
	}
}

func TestSmokeTester(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "app")
	if err := os.WriteFile(artifact, []byte("x"), 0755); err != nil {
		t.Fatal(err)
	}
	ex, _ := NewExtractor(nil)

	tests := []struct {
		name       string
		result     procexec.Result
		wantPassed bool
		wantMiss   []string
	}{
		{"clean exit", procexec.Result{ExitCode: 0, Output: "hello\n"}, true, nil},
		{"still running", procexec.Result{ExitCode: -1, TimedOut: true}, true, nil},
		{"missing module", procexec.Result{ExitCode: 1, Output: missing("lxml")}, false, []string{"lxml"}},
		{"other crash", procexec.Result{ExitCode: 2, Output: "ValueError: bad config\n"}, true, nil},
		{"caught missing module while running", procexec.Result{ExitCode: -1, TimedOut: true, Output: "No module named 'ujson'\n"}, true, nil},
		{"caught missing module, clean exit", procexec.Result{ExitCode: 0, Output: "warning: No module named 'ujson'\n"}, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSmokeTester(time.Second, ex, slogutil.NewDiscardLogger())
			s.run = func(ctx context.Context, spec procexec.Spec) (*procexec.Result, error) {
				if spec.Name != artifact || spec.Timeout != time.Second {
					t.Errorf("spec = %+v", spec)
				}
				r := tt.result
				return &r, nil
			}
			got, err := s.Smoke(context.Background(), artifact)
			if err != nil {
				t.Fatalf("Smoke() error = %v", err)
			}
			if got.Passed != tt.wantPassed {
				t.Errorf("Passed = %v, want %v", got.Passed, tt.wantPassed)
			}
			if !reflect.DeepEqual(got.Missing, tt.wantMiss) {
				t.Errorf("Missing = %v, want %v", got.Missing, tt.wantMiss)
			}
		})
	}

	s := NewSmokeTester(0, ex, slogutil.NewDiscardLogger())
	if _, err := s.Smoke(context.Background(), filepath.Join(dir, "absent")); perrors.CodeOf(err) != perrors.ResourceError {
		t.Errorf("Smoke(absent) code = %s, want RESOURCE_ERROR", perrors.CodeOf(err))
	}
	s.run = func(ctx context.Context, spec procexec.Spec) (*procexec.Result, error) {
		return &procexec.Result{ExitCode: -1, Cancelled: true, Output: "partial"}, nil
	}
	got, err := s.Smoke(context.Background(), artifact)
	if perrors.CodeOf(err) != perrors.Cancelled || got == nil || got.Output != "partial" {
		t.Errorf("cancelled Smoke() = %+v, %v", got, err)
	}
}
