package tracer

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	perrors "packwise/internal/errors"
	"packwise/internal/slogutil"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		obs       observation
		roots     int
		threshold int
		want      Outcome
	}{
		{"clean exit", observation{Started: true, ExitCode: 0}, 0, 1, OutcomeComplete},
		{"gui loop blocked", observation{Started: true, ExitCode: 0, EndReason: "gui-loop"}, 3, 1, OutcomeComplete},
		{"hard timeout without traceback", observation{Started: true, ExitCode: -1, TimedOut: true}, 0, 1, OutcomePartial},
		{"soft deadline", observation{Started: true, ExitCode: 0, EndReason: "deadline"}, 0, 1, OutcomePartial},
		{"timeout after traceback, enough roots", observation{Started: true, TimedOut: true, Traceback: true}, 2, 1, OutcomePartial},
		{"timeout after traceback, no roots", observation{Started: true, TimedOut: true, Traceback: true}, 0, 1, OutcomeUntraceable},
		{"crash with substantial trace", observation{Started: true, ExitCode: 1, Traceback: true}, 3, 2, OutcomePartial},
		{"crash immediately", observation{Started: true, ExitCode: 2}, 0, 1, OutcomeUntraceable},
		{"crash below threshold", observation{Started: true, ExitCode: 1}, 1, 2, OutcomeUntraceable},
		{"crash with zero threshold", observation{Started: true, ExitCode: 1}, 0, 0, OutcomePartial},
		{"not started", observation{Started: false}, 5, 0, OutcomeUntraceable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := classify(tt.obs, tt.roots, tt.threshold)
			if got != tt.want {
				t.Errorf("classify() = %q (%s), want %q", got, reason, tt.want)
			}
			if reason == "" {
				t.Error("classify() returned empty reason")
			}
		})
	}
}

func TestReadTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imports.txt")
	content := "requests\nrequests.adapters\n\n# comment\nidna\n#end deadline\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	names, end, err := readTrace(path)
	if err != nil {
		t.Fatalf("readTrace() error = %v", err)
	}
	if want := []string{"requests", "requests.adapters", "idna"}; !reflect.DeepEqual(names, want) {
		t.Errorf("names = %v, want %v", names, want)
	}
	if end != "deadline" {
		t.Errorf("end = %q, want %q", end, "deadline")
	}
}

func TestFilter(t *testing.T) {
	tr := New(Options{IsLocal: func(root string) bool { return root == "myapp" }}, slogutil.NewDiscardLogger())

	got := tr.filter([]string{
		"os", "json.decoder", "requests", "requests.sessions", "myapp.views",
		"__main__", "_distutils_hack", "requests", "not-valid", "_cffi_backend",
	})
	want := []string{"_cffi_backend", "requests", "requests.sessions"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("filter() = %v, want %v", got, want)
	}
}

func TestResultRoots(t *testing.T) {
	r := &Result{Modules: []string{"yaml", "requests.sessions", "requests", "idna.core"}}
	if got, want := r.Roots(), []string{"idna", "requests", "yaml"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Roots() = %v, want %v", got, want)
	}
	var nilResult *Result
	if nilResult.Accepted() {
		t.Error("nil result should not be accepted")
	}
}

func TestSoftDeadline(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		want    time.Duration
	}{
		{20 * time.Second, 18 * time.Second},
		{4 * time.Second, 3 * time.Second},
	}
	for _, tt := range tests {
		if got := softDeadline(tt.timeout); got != tt.want {
			t.Errorf("softDeadline(%v) = %v, want %v", tt.timeout, got, tt.want)
		}
	}
}

func TestEnvironment(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ".env"), []byte("FROM_DOTENV=1\nAPI_KEY=dotenv\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("API_KEY", "process")

	tr := New(Options{Env: map[string]string{"EXTRA": "yes"}}, slogutil.NewDiscardLogger())
	env := tr.environment(root, "/tmp/trace.txt")

	lookup := func(key string) string {
		for _, kv := range env {
			if k, v, ok := strings.Cut(kv, "="); ok && k == key {
				return v
			}
		}
		return ""
	}

	if lookup("FROM_DOTENV") != "1" {
		t.Error(".env variable not loaded")
	}
	if lookup("API_KEY") != "process" {
		t.Errorf("API_KEY = %q, inherited environment should win over .env", lookup("API_KEY"))
	}
	if lookup("EXTRA") != "yes" {
		t.Error("Options.Env not applied")
	}
	if lookup("PACKWISE_TRACE_FILE") != "/tmp/trace.txt" {
		t.Error("trace file variable missing")
	}
	if !strings.HasPrefix(lookup("PYTHONPATH"), root) {
		t.Errorf("PYTHONPATH = %q, want project root first", lookup("PYTHONPATH"))
	}
}

func findPython(t *testing.T) string {
	t.Helper()
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no python interpreter on PATH")
	return ""
}

// fakeSite creates a directory holding an importable third-party package.
func fakeSite(t *testing.T) string {
	t.Helper()
	site := t.TempDir()
	pkg := filepath.Join(site, "fakepkg")
	if err := os.MkdirAll(pkg, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkg, "__init__.py"), []byte("from . import helpers\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkg, "helpers.py"), []byte("X = 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return site
}

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "main.py")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTrace_CompleteRun(t *testing.T) {
	python := findPython(t)
	site := fakeSite(t)
	root := t.TempDir()
	entry := writeScript(t, root, "import json\nimport importlib\nimportlib.import_module('fakepkg')\nprint('done')\n")

	tr := New(Options{
		Interpreter:     python,
		ProjectRoot:     root,
		Timeout:         20 * time.Second,
		AcceptThreshold: 1,
		Env:             map[string]string{"PYTHONPATH": site},
	}, slogutil.NewDiscardLogger())

	res, err := tr.Trace(context.Background(), entry)
	if err != nil {
		t.Fatalf("Trace() error = %v", err)
	}
	if res.Outcome != OutcomeComplete {
		t.Fatalf("Outcome = %q (%s), log: %s", res.Outcome, res.Reason, res.Log)
	}
	for _, want := range []string{"fakepkg", "fakepkg.helpers"} {
		if !contains(res.Modules, want) {
			t.Errorf("Modules = %v, missing %q", res.Modules, want)
		}
	}
	for _, m := range res.Modules {
		if m == "json" || strings.HasPrefix(m, "encodings") {
			t.Errorf("stdlib module %q leaked into trace", m)
		}
	}
}

// An optional import that fails is not a dependency of the script.
func TestTrace_FailedImportNotRecorded(t *testing.T) {
	python := findPython(t)
	site := fakeSite(t)
	root := t.TempDir()
	entry := writeScript(t, root, "try:\n    import ujson_not_installed_xyz\nexcept ImportError:\n    pass\nimport fakepkg\n")

	tr := New(Options{
		Interpreter:     python,
		ProjectRoot:     root,
		Timeout:         20 * time.Second,
		AcceptThreshold: 1,
		Env:             map[string]string{"PYTHONPATH": site},
	}, slogutil.NewDiscardLogger())

	res, err := tr.Trace(context.Background(), entry)
	if err != nil {
		t.Fatalf("Trace() error = %v", err)
	}
	if res.Outcome != OutcomeComplete {
		t.Fatalf("Outcome = %q (%s), log: %s", res.Outcome, res.Reason, res.Log)
	}
	if contains(res.Modules, "ujson_not_installed_xyz") {
		t.Errorf("Modules = %v, failed import should not be recorded", res.Modules)
	}
	if !contains(res.Roots(), "fakepkg") {
		t.Errorf("Roots() = %v, want fakepkg", res.Roots())
	}
}

// A script that never exits on its own is cut off at the deadline and its
// partial trace is still used.
func TestTrace_LongRunningScriptIsPartial(t *testing.T) {
	python := findPython(t)
	site := fakeSite(t)
	root := t.TempDir()
	entry := writeScript(t, root, "import time\nimport fakepkg\nwhile True:\n    time.sleep(0.05)\n")

	tr := New(Options{
		Interpreter:     python,
		ProjectRoot:     root,
		Timeout:         2 * time.Second,
		AcceptThreshold: 1,
		Env:             map[string]string{"PYTHONPATH": site},
	}, slogutil.NewDiscardLogger())

	res, err := tr.Trace(context.Background(), entry)
	if err != nil {
		t.Fatalf("Trace() error = %v", err)
	}
	if res.Outcome != OutcomePartial {
		t.Fatalf("Outcome = %q (%s), want partial", res.Outcome, res.Reason)
	}
	if !res.Accepted() {
		t.Error("partial trace should be accepted")
	}
	if !contains(res.Roots(), "fakepkg") {
		t.Errorf("Roots() = %v, want fakepkg", res.Roots())
	}
	if res.Diagnostic == nil || res.Diagnostic.Code != perrors.TraceTimeout {
		t.Errorf("Diagnostic = %v, want TRACE_TIMEOUT", res.Diagnostic)
	}
}

func TestTrace_CrashUsesThreshold(t *testing.T) {
	python := findPython(t)
	site := fakeSite(t)
	root := t.TempDir()
	entry := writeScript(t, root, "import sys\nimport fakepkg\nif len(sys.argv) < 2:\n    raise SystemExit('usage: main.py FILE')\n")

	tests := []struct {
		threshold int
		want      Outcome
	}{
		{1, OutcomePartial},
		{5, OutcomeUntraceable},
	}

	for _, tt := range tests {
		tr := New(Options{
			Interpreter:     python,
			ProjectRoot:     root,
			Timeout:         20 * time.Second,
			AcceptThreshold: tt.threshold,
			Env:             map[string]string{"PYTHONPATH": site},
		}, slogutil.NewDiscardLogger())

		res, err := tr.Trace(context.Background(), entry)
		if err != nil {
			t.Fatalf("Trace() error = %v", err)
		}
		if res.Outcome != tt.want {
			t.Errorf("threshold %d: Outcome = %q, want %q", tt.threshold, res.Outcome, tt.want)
		}
		if res.ExitCode != 1 {
			t.Errorf("ExitCode = %d, want 1", res.ExitCode)
		}
		if res.Diagnostic == nil || res.Diagnostic.Code != perrors.TraceCrash {
			t.Errorf("Diagnostic = %v, want TRACE_CRASH", res.Diagnostic)
		}
	}
}

func TestTrace_MissingInterpreter(t *testing.T) {
	root := t.TempDir()
	entry := writeScript(t, root, "print('hi')\n")

	tr := New(Options{Interpreter: filepath.Join(root, "no-python"), ProjectRoot: root}, slogutil.NewDiscardLogger())
	res, err := tr.Trace(context.Background(), entry)
	if err != nil {
		t.Fatalf("Trace() error = %v", err)
	}
	if res.Outcome != OutcomeUntraceable {
		t.Errorf("Outcome = %q, want untraceable", res.Outcome)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
