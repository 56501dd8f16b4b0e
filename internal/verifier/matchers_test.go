package verifier

import (
	"reflect"
	"testing"
)

func TestExtract(t *testing.T) {
	ex, err := NewExtractor(nil)
	if err != nil {
		t.Fatalf("NewExtractor() error = %v", err)
	}

	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "module not found",
			text: "Traceback (most recent call last):\n  File \"main.py\", line 3\nModuleNotFoundError: No module named 'lxml'\n",
			want: []string{"lxml"},
		},
		{
			name: "dotted name",
			text: "ModuleNotFoundError: No module named 'PIL._tkinter_finder'",
			want: []string{"PIL._tkinter_finder"},
		},
		{
			name: "legacy import error",
			text: "ImportError: No module named yaml",
			want: []string{"yaml"},
		},
		{
			name: "generic wording",
			text: "[PYI-1234:ERROR] No module named \"babel.numbers\"",
			want: []string{"babel.numbers"},
		},
		{
			name: "nuitka locate",
			text: "FATAL: Error, failed to locate module 'plugin.extras' you asked to include.",
			want: []string{"plugin.extras"},
		},
		{
			name: "nuitka in package",
			text: "Nuitka: Cannot find 'backend_tkagg' in package 'matplotlib.backends' as absolute import.",
			want: []string{"matplotlib.backends.backend_tkagg"},
		},
		{
			name: "dll load failed",
			text: "ImportError: DLL load failed while importing _ssl: The specified module could not be found.",
			want: []string{"_ssl"},
		},
		{
			name: "order of appearance and unique",
			text: "No module named 'b'\nModuleNotFoundError: No module named 'a'\nNo module named 'b'\n",
			want: []string{"b", "a"},
		},
		{
			name: "trailing period trimmed",
			text: "ImportError: No module named foo.",
			want: []string{"foo"},
		},
		{
			name: "nothing",
			text: "Building EXE from EXE-00.toc completed successfully.",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ex.Extract(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Extract() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewExtractor_Extra(t *testing.T) {
	ex, err := NewExtractor([]string{`missing plugin: ([a-z_.]+)`})
	if err != nil {
		t.Fatalf("NewExtractor() error = %v", err)
	}
	if n := len(ex.Matchers()); n != len(DefaultMatchers)+1 {
		t.Errorf("len(Matchers()) = %d, want %d", n, len(DefaultMatchers)+1)
	}
	if got := ex.Extract("warning: missing plugin: qtawesome.fonts"); !reflect.DeepEqual(got, []string{"qtawesome.fonts"}) {
		t.Errorf("Extract() = %v", got)
	}

	if _, err := NewExtractor([]string{`no group`}); err == nil {
		t.Error("NewExtractor() should reject a pattern without a capture group")
	}
	if _, err := NewExtractor([]string{`(unclosed`}); err == nil {
		t.Error("NewExtractor() should reject an invalid pattern")
	}
}
