package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"packwise/internal/analyzer"
	perrors "packwise/internal/errors"
	"packwise/internal/jobs"
	"packwise/internal/knowledge"
	"packwise/internal/resolver"
	"packwise/internal/session"
	"packwise/internal/verifier"
)

func TestFormatResponse_JSON(t *testing.T) {
	resp := map[string]interface{}{
		"key": "value",
		"num": 42,
	}

	result, err := FormatResponse(resp, FormatJSON)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(result, `"key": "value"`) {
		t.Error("JSON output missing expected key")
	}
	if !strings.Contains(result, `"num": 42`) {
		t.Error("JSON output missing expected number")
	}
}

func TestFormatResponse_YAML(t *testing.T) {
	resp := &TraceResponseCLI{
		Outcome:  "partial",
		Reason:   "timeout",
		Accepted: true,
		Roots:    []string{"requests", "yaml"},
	}

	result, err := FormatResponse(resp, FormatYAML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{"outcome: partial", "accepted: true", "- requests", "- yaml"} {
		if !strings.Contains(result, want) {
			t.Errorf("YAML output missing %q:\n%s", want, result)
		}
	}
	if strings.HasSuffix(result, "\n") {
		t.Error("YAML output should not end with a newline")
	}
}

func TestFormatResponse_UnsupportedFormat(t *testing.T) {
	resp := map[string]string{"key": "value"}

	_, err := FormatResponse(resp, "xml")
	if err == nil {
		t.Fatal("expected error for unsupported format")
	}
	if !strings.Contains(err.Error(), "unsupported format") {
		t.Errorf("error should mention unsupported format, got: %v", err)
	}
}

func TestFormatHuman_UnknownTypeFallsBackToJSON(t *testing.T) {
	resp := struct {
		Name string `json:"name"`
	}{Name: "test"}

	result, err := formatHuman(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result, `"name": "test"`) {
		t.Errorf("expected JSON fallback, got: %s", result)
	}
}

func TestFormatBuildHuman(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		resp := &BuildResponseCLI{
			SessionID: "3f2a9c1e-0000-4000-8000-000000000000",
			Status:    jobs.JobCompleted,
			LogPath:   "/p/.packwise/logs/3f2a9c1e.log",
			Result: &session.Result{
				Build: &verifier.BuildResult{
					Success:                true,
					Attempts:               2,
					ArtifactPath:           "/p/dist/app",
					MissingModulesResolved: []string{"lxml"},
					State:                  verifier.StateSuccess,
				},
				TraceOutcome: "success",
				Report: &analyzer.Report{
					Entries: []analyzer.Entry{
						{Root: "requests", SizeBytes: 2048, Included: true, Installed: true},
						{Root: "pytest", SizeBytes: 4096, Included: true, Installed: true,
							Rationale: analyzer.RationaleReviewCandidate, EstimatedSavingsBytes: 4096},
					},
					IncludedBytes: 6144,
				},
			},
		}

		out := formatBuildHuman(resp)
		for _, want := range []string{
			"Build succeeded after 2 attempt(s)",
			"Artifact: /p/dist/app",
			"Forced modules: lxml",
			"Bundle: 6.0 KiB in 2 package(s)",
			"packwise report --session 3f2a9c1e",
			"Log: /p/.packwise/logs/3f2a9c1e.log",
		} {
			if !strings.Contains(out, want) {
				t.Errorf("formatBuildHuman() missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		pe := perrors.New(perrors.RetryExhausted, "artifact still fails", nil).At(perrors.StageSmoke, 3)
		resp := &BuildResponseCLI{
			SessionID: "abc",
			Status:    jobs.JobFailed,
			Result: &session.Result{
				Build: &verifier.BuildResult{
					Attempts: 3,
					State:    verifier.StateExhausted,
					Error:    pe,
				},
			},
		}

		out := formatBuildHuman(resp)
		if !strings.Contains(out, "Build failed after 3 attempt(s) (EXHAUSTED)") {
			t.Errorf("formatBuildHuman() missing failure line:\n%s", out)
		}
		if !strings.Contains(out, "[RETRY_EXHAUSTED] smoke (attempt 3) artifact still fails") {
			t.Errorf("formatBuildHuman() missing error:\n%s", out)
		}
	})

	t.Run("no result", func(t *testing.T) {
		resp := &BuildResponseCLI{
			SessionID: "abc",
			Status:    jobs.JobFailed,
			ErrorCode: string(perrors.JobConflict),
			Error:     "output directory is locked",
		}

		out := formatBuildHuman(resp)
		if !strings.Contains(out, "[JOB_CONFLICT] output directory is locked") {
			t.Errorf("formatBuildHuman() = %q, want job error", out)
		}
	})
}

func TestFormatError(t *testing.T) {
	pe := perrors.New(perrors.BuildFailed, "pyinstaller exited with 1", errors.New("exit status 1")).
		At(perrors.StageBuild, 1).
		WithLog("line one\nline two", 10)

	out := formatError(pe)
	tests := []string{
		"Error: [BUILD_FAILED] build (attempt 1) pyinstaller exited with 1: exit status 1",
		"    | line one",
		"    | line two",
	}
	for _, want := range tests {
		if !strings.Contains(out, want) {
			t.Errorf("formatError() missing %q:\n%s", want, out)
		}
	}
	if len(pe.SuggestedFixes) > 0 && !strings.Contains(out, "Suggested fixes:") {
		t.Errorf("formatError() missing suggested fixes:\n%s", out)
	}
}

func TestFormatResolveHuman(t *testing.T) {
	resp := &ResolveResponseCLI{
		Spec: &resolver.BuildSpec{
			EntryPath:  "app.py",
			Name:       "app",
			Engine:     "pyinstaller",
			OutputMode: "onefile",
			Directives: []resolver.Directive{
				{Root: "requests", Strategy: knowledge.StrategyNone, Source: resolver.SourceGenericFallback},
				{Root: "lxml", Strategy: knowledge.StrategyNone, Source: resolver.SourceGenericFallback,
					HiddenImports: []string{"lxml.etree"}},
			},
			Excludes: []string{"tkinter"},
		},
		Fingerprint: "0123456789abcdef0123",
		Command:     "pyinstaller --onefile app.py",
	}

	out := formatResolveHuman(resp)
	for _, want := range []string{
		"app.py -> app (pyinstaller, onefile)",
		"Fingerprint: 0123456789ab\n",
		"lxml.etree",
		"Excluded: tkinter",
		"pyinstaller --onefile app.py",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("formatResolveHuman() missing %q:\n%s", want, out)
		}
	}
}

func TestFormatSessionsHuman(t *testing.T) {
	if got := formatSessionsHuman(&SessionsListResponseCLI{}); got != "No sessions found." {
		t.Errorf("formatSessionsHuman(empty) = %q, want %q", got, "No sessions found.")
	}

	resp := &SessionsListResponseCLI{
		Sessions: []jobs.JobSummary{
			{ID: "3f2a9c1e-aaaa", Entry: "app.py", Engine: "nuitka", Status: jobs.JobFailed,
				Attempts: 3, CreatedAt: time.Now(), ErrorCode: "RETRY_EXHAUSTED"},
		},
		TotalCount: 5,
	}
	out := formatSessionsHuman(resp)
	for _, want := range []string{"3f2a9c1e ", "failed*", "nuitka", "app.py", "(1 of 5 shown)"} {
		if !strings.Contains(out, want) {
			t.Errorf("formatSessionsHuman() missing %q:\n%s", want, out)
		}
	}
}

func TestFormatKBEntryHuman(t *testing.T) {
	e := &knowledge.Entry{
		Root:          "PyQt6",
		Strategy:      knowledge.StrategyCollectAll,
		HiddenImports: []string{"PyQt6.sip"},
		Frameworks:    []string{"pyqt6"},
	}

	out := formatKBEntryHuman(e)
	for _, want := range []string{"PyQt6\n", "Strategy: collect-all", "Hidden imports:", "- PyQt6.sip", "Plugins:"} {
		if !strings.Contains(out, want) {
			t.Errorf("formatKBEntryHuman() missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Excludes:") {
		t.Errorf("formatKBEntryHuman() should omit empty sections:\n%s", out)
	}
}

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 * 1024 * 1024 * 1024, "3.0 GiB"},
	}

	for _, tt := range tests {
		if got := humanBytes(tt.n); got != tt.want {
			t.Errorf("humanBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain", errors.New("boom"), 1},
		{"invalid input", perrors.New(perrors.InvalidInput, "bad", nil), 2},
		{"conflict", perrors.New(perrors.JobConflict, "locked", nil), 3},
		{"resource", perrors.New(perrors.ResourceError, "no python", nil), 4},
		{"cancelled", perrors.New(perrors.Cancelled, "interrupted", nil), 130},
		{"exhausted", perrors.New(perrors.RetryExhausted, "still failing", nil), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
