package modules

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"packwise/internal/slogutil"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestScanner(root string) *Scanner {
	return NewScanner(ScanOptions{ProjectRoot: root, Ignore: []string{"venv"}}, slogutil.NewDiscardLogger())
}

func recordNames(res *ScanResult) []string {
	var names []string
	for _, r := range res.Records {
		names = append(names, r.Name)
	}
	return names
}

func TestScanner_FollowsLocalModules(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"main.py": `import os
import requests
from app import views
import helpers
`,
		"helpers.py":        "import yaml\n",
		"app/__init__.py":   "from .models import User\n",
		"app/views.py":      "import flask\nfrom . import util\n",
		"app/models.py":     "import sqlalchemy\n",
		"app/util.py":       "import requests\nimport click\n",
		"unreached.py":      "import never_seen\n",
		"venv/lib/junk.py":  "import junk\n",
	})

	res, err := newTestScanner(root).Scan(context.Background(), filepath.Join(root, "main.py"))
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	wantRecords := []string{"requests", "flask", "yaml", "sqlalchemy", "click"}
	if got := recordNames(res); !reflect.DeepEqual(got, wantRecords) {
		t.Errorf("records = %v, want %v", got, wantRecords)
	}

	wantFiles := []string{"main.py", "app/__init__.py", "app/views.py", "helpers.py", "app/models.py", "app/util.py"}
	if !reflect.DeepEqual(res.Files, wantFiles) {
		t.Errorf("files = %v, want %v", res.Files, wantFiles)
	}

	if !reflect.DeepEqual(res.LocalModules, []string{"app", "helpers"}) {
		t.Errorf("LocalModules = %v", res.LocalModules)
	}
	if res.HasRoot("never_seen") {
		t.Error("unreached module should not be scanned")
	}
}

func TestScanner_KindsAndUpgrade(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"main.py": `try:
    import ujson
except ImportError:
    ujson = None
import importlib
plugin = importlib.import_module("lxml.etree")
target = "x"
driver = importlib.import_module(target)
import other
`,
		"other.py": "import ujson\n",
	})

	res, err := newTestScanner(root).Scan(context.Background(), filepath.Join(root, "main.py"))
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if len(res.Records) != 2 {
		t.Fatalf("records = %+v, want ujson and lxml.etree", res.Records)
	}
	if res.Records[0].Name != "ujson" || res.Records[0].Kind != KindStatic {
		t.Errorf("ujson record = %+v, want upgraded to static", res.Records[0])
	}
	if res.Records[0].Line != 2 || res.Records[0].File != "main.py" {
		t.Errorf("ujson should keep first position, got %s:%d", res.Records[0].File, res.Records[0].Line)
	}
	if res.Records[1].Name != "lxml.etree" || res.Records[1].Kind != KindDynamicLiteral {
		t.Errorf("lxml record = %+v", res.Records[1])
	}
	if res.Records[1].Confidence != 0.9 {
		t.Errorf("dynamic-literal confidence = %v, want 0.9", res.Records[1].Confidence)
	}

	if len(res.Unresolved) != 1 {
		t.Fatalf("unresolved = %+v, want 1 site", res.Unresolved)
	}
	if u := res.Unresolved[0]; u.Expression != "target" || u.Line != 8 || u.File != "main.py" {
		t.Errorf("unresolved site = %+v", u)
	}
}

func TestScanner_ConditionalOnly(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"main.py": "if WINDOWS:\n    import win32api\n",
	})

	res, err := newTestScanner(root).Scan(context.Background(), filepath.Join(root, "main.py"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 1 || res.Records[0].Kind != KindStaticConditional {
		t.Fatalf("records = %+v, want one static-conditional", res.Records)
	}
}

func TestScanner_SkipsBadFiles(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"main.py":   "import broken\nimport big\nimport requests\n",
		"broken.py": "import a\x00\n",
		"big.py":    "# " + strings.Repeat("x", 2048) + "\nimport hidden\n",
	})

	s := NewScanner(ScanOptions{ProjectRoot: root, MaxFileSizeBytes: 1024}, slogutil.NewDiscardLogger())
	res, err := s.Scan(context.Background(), filepath.Join(root, "main.py"))
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if len(res.Failed) != 2 {
		t.Fatalf("Failed = %+v, want 2 entries", res.Failed)
	}
	if got := recordNames(res); !reflect.DeepEqual(got, []string{"requests"}) {
		t.Errorf("records = %v, want [requests]", got)
	}
}

func TestScanner_Deterministic(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"main.py": "import b_mod\nimport a_mod\nimport zeta\nimport alpha\n",
		"b_mod.py": "import numpy\n",
		"a_mod.py": "import pandas\n",
	})

	var first []string
	for i := 0; i < 5; i++ {
		res, err := newTestScanner(root).Scan(context.Background(), filepath.Join(root, "main.py"))
		if err != nil {
			t.Fatal(err)
		}
		got := recordNames(res)
		if i == 0 {
			first = got
			continue
		}
		if !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d records = %v, want %v", i, got, first)
		}
	}
	if !reflect.DeepEqual(first, []string{"zeta", "alpha", "numpy", "pandas"}) {
		t.Errorf("records = %v", first)
	}
}

func TestScanner_Frameworks(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"main.py": "import tkinter\nfrom PySide6 import QtWidgets\nimport PyQt5\nimport numpy\n",
	})

	res, err := newTestScanner(root).Scan(context.Background(), filepath.Join(root, "main.py"))
	if err != nil {
		t.Fatal(err)
	}
	want := []Framework{FrameworkNumpy, FrameworkPySide6, FrameworkTkinter}
	if !reflect.DeepEqual(res.Frameworks, want) {
		t.Errorf("Frameworks = %v, want %v", res.Frameworks, want)
	}
}

func TestScanner_MissingEntry(t *testing.T) {
	_, err := newTestScanner(t.TempDir()).Scan(context.Background(), "/does/not/exist.py")
	if err == nil {
		t.Fatal("expected error for missing entry")
	}
}

func TestScanner_Cancelled(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"main.py": "import requests\n"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTestScanner(root).Scan(ctx, filepath.Join(root, "main.py")); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
