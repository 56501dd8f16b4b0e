package packager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	perrors "packwise/internal/errors"
	"packwise/internal/knowledge"
	"packwise/internal/procexec"
	"packwise/internal/resolver"
	"packwise/internal/slogutil"
)

func testSpec(t *testing.T) *resolver.BuildSpec {
	t.Helper()
	root := t.TempDir()
	return &resolver.BuildSpec{
		EntryPath:   filepath.Join(root, "main.py"),
		ProjectRoot: root,
		OutputDir:   filepath.Join(root, "dist"),
		Name:        "app",
		OutputMode:  ModeOneFile,
		Console:     false,
		IconPath:    filepath.Join(root, "icon.ico"),
		Directives: []resolver.Directive{
			{Root: "customtkinter", Strategy: knowledge.StrategyCollectAll, HiddenImports: []string{"customtkinter.windows"}},
			{Root: "plugin", Strategy: knowledge.StrategyIncludePackage, HiddenImports: []string{"plugin.utils"}},
			{Root: "requests", Strategy: knowledge.StrategyNone, HiddenImports: []string{"certifi", "urllib3"}},
		},
		Excludes:   []string{"numpy.tests", "pytest"},
		Frameworks: []string{"tkinter", "numpy"},
	}
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func TestPyInstallerCommand(t *testing.T) {
	spec := testSpec(t)
	cmd := PyInstaller{}.Command(spec, "/usr/bin/python3")

	if cmd.Name != "/usr/bin/python3" || cmd.Args[0] != "-m" || cmd.Args[1] != "PyInstaller" {
		t.Fatalf("Command() = %s, want python -m PyInstaller", cmd.Argv())
	}
	if last := cmd.Args[len(cmd.Args)-1]; last != spec.EntryPath {
		t.Errorf("last arg = %s, want entry script", last)
	}
	want := []string{
		"--onefile",
		"--windowed",
		"--icon=" + spec.IconPath,
		"--collect-all=customtkinter",
		"--hidden-import=customtkinter.windows",
		"--collect-submodules=plugin",
		"--hidden-import=plugin.utils",
		"--hidden-import=requests",
		"--hidden-import=certifi",
		"--hidden-import=urllib3",
		"--exclude-module=numpy.tests",
		"--exclude-module=pytest",
	}
	for _, w := range want {
		if !hasArg(cmd.Args, w) {
			t.Errorf("Command() missing %s in %s", w, cmd.Argv())
		}
	}
	for _, a := range cmd.Args {
		if strings.HasPrefix(a, "--enable-plugin") || strings.HasPrefix(a, "--include-module") {
			t.Errorf("PyInstaller command contains Nuitka flag %s", a)
		}
	}

	spec.OutputMode = ModeOneDir
	spec.Console = true
	cmd = PyInstaller{}.Command(spec, "python")
	if !hasArg(cmd.Args, "--onedir") || hasArg(cmd.Args, "--windowed") {
		t.Errorf("onedir console command = %s", cmd.Argv())
	}
}

func TestNuitkaCommand(t *testing.T) {
	spec := testSpec(t)
	cmd := Nuitka{}.Command(spec, "python3")

	if cmd.Args[0] != "-m" || cmd.Args[1] != "nuitka" {
		t.Fatalf("Command() = %s, want python -m nuitka", cmd.Argv())
	}
	want := []string{
		"--onefile",
		"--windows-console-mode=disable",
		"--enable-plugin=tk-inter",
		"--include-package=customtkinter",
		"--include-package-data=customtkinter",
		"--include-package=plugin",
		"--include-module=requests",
		"--include-module=certifi",
		"--include-module=urllib3",
		"--nofollow-import-to=numpy.tests",
		"--nofollow-import-to=pytest",
	}
	for _, w := range want {
		if !hasArg(cmd.Args, w) {
			t.Errorf("Command() missing %s in %s", w, cmd.Argv())
		}
	}
	// same-root names are covered by the package include
	for _, bad := range []string{"--include-module=plugin.utils", "--include-module=customtkinter.windows"} {
		if hasArg(cmd.Args, bad) {
			t.Errorf("Command() contains %s", bad)
		}
	}
	for _, a := range cmd.Args {
		if strings.HasPrefix(a, "--hidden-import") || strings.HasPrefix(a, "--collect-") {
			t.Errorf("Nuitka command contains PyInstaller flag %s", a)
		}
		if strings.HasPrefix(a, "--enable-plugin=numpy") {
			t.Errorf("numpy should not enable a plugin")
		}
	}

	spec.OutputMode = ModeOneDir
	cmd = Nuitka{}.Command(spec, "python3")
	if !hasArg(cmd.Args, "--standalone") || hasArg(cmd.Args, "--onefile") {
		t.Errorf("onedir command = %s", cmd.Argv())
	}
}

func TestExpectedArtifacts(t *testing.T) {
	spec := testSpec(t)
	spec.Console = true
	exe := exeName("app")

	tests := []struct {
		engine Engine
		mode   string
		want   string
	}{
		{PyInstaller{}, ModeOneFile, filepath.Join(spec.OutputDir, exe)},
		{PyInstaller{}, ModeOneDir, filepath.Join(spec.OutputDir, "app", exe)},
		{Nuitka{}, ModeOneFile, filepath.Join(spec.OutputDir, exe)},
		{Nuitka{}, ModeOneDir, filepath.Join(spec.OutputDir, "main.dist", exe)},
	}
	for _, tt := range tests {
		t.Run(tt.engine.Name()+"/"+tt.mode, func(t *testing.T) {
			spec.OutputMode = tt.mode
			got := tt.engine.ExpectedArtifacts(spec)
			if len(got) == 0 || got[0] != tt.want {
				t.Errorf("ExpectedArtifacts() = %v, want %s first", got, tt.want)
			}
		})
	}
}

func TestNewEngine(t *testing.T) {
	for _, name := range []string{"pyinstaller", "PyInstaller", "nuitka"} {
		if _, err := NewEngine(name); err != nil {
			t.Errorf("NewEngine(%s) error = %v", name, err)
		}
	}
	_, err := NewEngine("cx_freeze")
	if perrors.CodeOf(err) != perrors.InvalidInput {
		t.Errorf("NewEngine(unknown) code = %s, want INVALID_INPUT", perrors.CodeOf(err))
	}
}

// fakeRunner answers the preflight check and simulates the engine run.
type fakeRunner struct {
	preflightExit int
	buildExit     int
	lines         []string
	// writes are created relative to nothing; full paths
	writes []string
	calls  int
}

func (f *fakeRunner) run(ctx context.Context, spec procexec.Spec) (*procexec.Result, error) {
	f.calls++
	if hasArg(spec.Args, "--version") {
		return &procexec.Result{ExitCode: f.preflightExit, Output: "No module named PyInstaller\n"}, nil
	}
	if ctx.Err() != nil {
		return &procexec.Result{ExitCode: -1, Cancelled: true}, nil
	}
	for _, l := range f.lines {
		if spec.OnLine != nil {
			spec.OnLine(l)
		}
	}
	for _, p := range f.writes {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, []byte("binary"), 0755); err != nil {
			return nil, err
		}
	}
	return &procexec.Result{
		ExitCode: f.buildExit,
		Output:   strings.Join(f.lines, "\n") + "\n",
		Duration: time.Millisecond,
	}, nil
}

func TestOrchestratorBuild_Success(t *testing.T) {
	spec := testSpec(t)
	artifact := filepath.Join(spec.OutputDir, exeName("app"))
	fake := &fakeRunner{lines: []string{"INFO: building", "INFO: done"}, writes: []string{artifact}}
	o := NewOrchestrator(PyInstaller{}, "python3", slogutil.NewDiscardLogger(), WithRunner(fake.run))

	var streamed []string
	out, err := o.Build(context.Background(), spec, 1, func(l string) { streamed = append(streamed, l) })
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !out.Succeeded() || out.ArtifactPath != artifact {
		t.Errorf("Build() = %+v, want artifact %s", out, artifact)
	}
	if len(streamed) != 2 || streamed[0] != "INFO: building" {
		t.Errorf("streamed = %v", streamed)
	}
	if !strings.Contains(out.Argv, "PyInstaller") {
		t.Errorf("Argv = %s", out.Argv)
	}

	// preflight runs once per orchestrator
	before := fake.calls
	if _, err := o.Build(context.Background(), spec, 2, nil); err != nil {
		t.Fatalf("second Build() error = %v", err)
	}
	if fake.calls != before+1 {
		t.Errorf("second Build() made %d calls, want 1", fake.calls-before)
	}
}

func TestOrchestratorBuild_Failures(t *testing.T) {
	t.Run("engine missing", func(t *testing.T) {
		spec := testSpec(t)
		fake := &fakeRunner{preflightExit: 1}
		o := NewOrchestrator(PyInstaller{}, "python3", slogutil.NewDiscardLogger(), WithRunner(fake.run))
		_, err := o.Build(context.Background(), spec, 1, nil)
		var pe *perrors.PackError
		if !errors.As(err, &pe) || pe.Code != perrors.ResourceError {
			t.Fatalf("Build() error = %v, want RESOURCE_ERROR", err)
		}
		if pe.Recoverable() {
			t.Error("ResourceError must not be recoverable")
		}
	})

	t.Run("output dir not writable", func(t *testing.T) {
		spec := testSpec(t)
		// a file where the directory should be
		if err := os.WriteFile(spec.OutputDir, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		fake := &fakeRunner{}
		o := NewOrchestrator(Nuitka{}, "python3", slogutil.NewDiscardLogger(), WithRunner(fake.run))
		_, err := o.Build(context.Background(), spec, 1, nil)
		if perrors.CodeOf(err) != perrors.ResourceError {
			t.Errorf("Build() code = %s, want RESOURCE_ERROR", perrors.CodeOf(err))
		}
	})

	t.Run("nonzero exit", func(t *testing.T) {
		spec := testSpec(t)
		fake := &fakeRunner{buildExit: 1, lines: []string{"FATAL: failed to locate module 'foo'"}}
		o := NewOrchestrator(Nuitka{}, "python3", slogutil.NewDiscardLogger(), WithRunner(fake.run))
		out, err := o.Build(context.Background(), spec, 2, nil)
		var pe *perrors.PackError
		if !errors.As(err, &pe) || pe.Code != perrors.BuildFailed {
			t.Fatalf("Build() error = %v, want BUILD_FAILED", err)
		}
		if pe.Attempt != 2 || pe.Stage != perrors.StageBuild {
			t.Errorf("Attempt/Stage = %d/%s", pe.Attempt, pe.Stage)
		}
		if out == nil || !strings.Contains(out.Log, "failed to locate module") {
			t.Errorf("Outcome log not retained: %+v", out)
		}
	})

	t.Run("no artifact", func(t *testing.T) {
		spec := testSpec(t)
		fake := &fakeRunner{}
		o := NewOrchestrator(PyInstaller{}, "python3", slogutil.NewDiscardLogger(), WithRunner(fake.run))
		out, err := o.Build(context.Background(), spec, 1, nil)
		if perrors.CodeOf(err) != perrors.BuildFailed || out.Succeeded() {
			t.Errorf("Build() = %+v, %v, want BUILD_FAILED", out, err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		spec := testSpec(t)
		fake := &fakeRunner{}
		o := NewOrchestrator(PyInstaller{}, "python3", slogutil.NewDiscardLogger(), WithRunner(fake.run))
		if err := o.Preflight(context.Background()); err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := o.Build(ctx, spec, 1, nil)
		if perrors.CodeOf(err) != perrors.Cancelled {
			t.Errorf("Build() code = %s, want CANCELLED", perrors.CodeOf(err))
		}
	})
}

func TestFindArtifact_Fallbacks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bit detection is unix-only")
	}

	t.Run("work dir", func(t *testing.T) {
		spec := testSpec(t)
		spec.OutputMode = ModeOneDir
		p := filepath.Join(spec.OutputDir, "main.onefile-build", "app")
		fake := &fakeRunner{writes: []string{p}}
		o := NewOrchestrator(Nuitka{}, "python3", slogutil.NewDiscardLogger(), WithRunner(fake.run))
		out, err := o.Build(context.Background(), spec, 1, nil)
		if err != nil || out.ArtifactPath != p {
			t.Errorf("Build() = %+v, %v, want artifact %s", out, err, p)
		}
	})

	t.Run("project root scan", func(t *testing.T) {
		spec := testSpec(t)
		p := filepath.Join(spec.ProjectRoot, "build", "out", "app")
		decoy := filepath.Join(spec.ProjectRoot, "build", "out", "helper.sh")
		fake := &fakeRunner{writes: []string{decoy, p}}
		o := NewOrchestrator(PyInstaller{}, "python3", slogutil.NewDiscardLogger(), WithRunner(fake.run))
		out, err := o.Build(context.Background(), spec, 1, nil)
		if err != nil || out.ArtifactPath != p {
			t.Errorf("Build() = %+v, %v, want artifact %s", out, err, p)
		}
	})

	t.Run("stale files ignored", func(t *testing.T) {
		spec := testSpec(t)
		stale := filepath.Join(spec.ProjectRoot, "old", "app")
		if err := os.MkdirAll(filepath.Dir(stale), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(stale, []byte("x"), 0755); err != nil {
			t.Fatal(err)
		}
		old := time.Now().Add(-time.Hour)
		if err := os.Chtimes(stale, old, old); err != nil {
			t.Fatal(err)
		}
		o := NewOrchestrator(PyInstaller{}, "python3", slogutil.NewDiscardLogger(), WithRunner((&fakeRunner{}).run))
		if got := o.findArtifact(spec, time.Now().Add(-time.Minute)); got != "" {
			t.Errorf("findArtifact() = %s, want none", got)
		}
	})
}

func TestWindowsVersion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "0.0.0.0"},
		{"1.2", "1.2.0.0"},
		{"2.0.1-beta", "2.0.1.0"},
		{"v3", "3.0.0.0"},
		{"1.2.3.4", "1.2.3.4"},
		{"1.99999", "1.0.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := WindowsVersion(tt.in); got != tt.want {
				t.Errorf("WindowsVersion(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestVersionInfo(t *testing.T) {
	vi := &resolver.VersionInfo{Version: "1.4", Company: "Acme", Copyright: "(c) O'Neil"}

	t.Run("pyinstaller", func(t *testing.T) {
		spec := testSpec(t)
		spec.VersionInfo = vi
		path := versionFilePath(spec)
		cmd := PyInstaller{}.Command(spec, "python3")
		if !hasArg(cmd.Args, "--version-file="+path) {
			t.Errorf("Command() missing --version-file in %s", cmd.Argv())
		}
		if err := (PyInstaller{}).Prepare(spec); err != nil {
			t.Fatalf("Prepare() error = %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		for _, w := range []string{"filevers=(1, 4, 0, 0)", "u'CompanyName', u'Acme'", `u'(c) O\'Neil'`, "u'ProductName', u'app'"} {
			if !strings.Contains(string(data), w) {
				t.Errorf("version file missing %s:\n%s", w, data)
			}
		}
	})

	t.Run("nuitka", func(t *testing.T) {
		spec := testSpec(t)
		spec.VersionInfo = vi
		cmd := Nuitka{}.Command(spec, "python3")
		for _, w := range []string{"--product-name=app", "--file-version=1.4.0.0", "--product-version=1.4.0.0", "--company-name=Acme"} {
			if !hasArg(cmd.Args, w) {
				t.Errorf("Command() missing %s in %s", w, cmd.Argv())
			}
		}
		for _, a := range cmd.Args {
			if strings.HasPrefix(a, "--file-description") {
				t.Errorf("unset description produced %s", a)
			}
		}
	})

	t.Run("unset", func(t *testing.T) {
		spec := testSpec(t)
		if err := (PyInstaller{}).Prepare(spec); err != nil {
			t.Fatalf("Prepare() error = %v", err)
		}
		if _, err := os.Stat(versionFilePath(spec)); !os.IsNotExist(err) {
			t.Error("version file written without version info")
		}
		for _, a := range (PyInstaller{}).Command(spec, "python3").Args {
			if strings.HasPrefix(a, "--version-file") {
				t.Errorf("Command() contains %s", a)
			}
		}
	})
}

func TestNonASCIIPaths(t *testing.T) {
	spec := &resolver.BuildSpec{
		EntryPath:   "/home/ana/projekt/main.py",
		ProjectRoot: "/home/ana/projekt",
		OutputDir:   "/home/ana/Área de trabalho/dist",
	}
	got := NonASCIIPaths(spec)
	if len(got) != 1 || got[0] != spec.OutputDir {
		t.Errorf("NonASCIIPaths() = %v, want [%s]", got, spec.OutputDir)
	}
	spec.OutputDir = "/tmp/dist"
	if got := NonASCIIPaths(spec); len(got) != 0 {
		t.Errorf("NonASCIIPaths() = %v, want none", got)
	}
}

func TestOrchestratorBuild_Cleanup(t *testing.T) {
	tests := []struct {
		name      string
		keep      bool
		wantScrap bool
	}{
		{"removes build files", false, false},
		{"keeps build files when asked", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := testSpec(t)
			artifact := filepath.Join(spec.OutputDir, exeName("app"))
			scrap := filepath.Join(workRoot(spec), "pyinstaller", "app.pkg")
			fake := &fakeRunner{writes: []string{scrap, artifact}}
			o := NewOrchestrator(PyInstaller{}, "python3", slogutil.NewDiscardLogger(),
				WithRunner(fake.run), WithKeepBuildFiles(tt.keep))

			out, err := o.Build(context.Background(), spec, 1, nil)
			if err != nil || !out.Succeeded() {
				t.Fatalf("Build() = %+v, %v", out, err)
			}
			if _, err := os.Stat(artifact); err != nil {
				t.Errorf("artifact removed: %v", err)
			}
			_, err = os.Stat(workRoot(spec))
			if gotScrap := err == nil; gotScrap != tt.wantScrap {
				t.Errorf("work dir exists = %v, want %v", gotScrap, tt.wantScrap)
			}
		})
	}
}

func TestCleanup_KeepsArtifactDir(t *testing.T) {
	spec := testSpec(t)
	spec.OutputMode = ModeOneDir
	artifact := filepath.Join(spec.OutputDir, "main.build", "app")
	scrap := filepath.Join(spec.OutputDir, "main.onefile-build", "tmp")
	for _, p := range []string{artifact, scrap} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0755); err != nil {
			t.Fatal(err)
		}
	}

	o := NewOrchestrator(Nuitka{}, "python3", slogutil.NewDiscardLogger())
	o.cleanup(spec, artifact)

	if _, err := os.Stat(artifact); err != nil {
		t.Errorf("artifact removed: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(scrap)); !os.IsNotExist(err) {
		t.Error("onefile build dir should be removed")
	}
}
