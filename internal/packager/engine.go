// Package packager turns a BuildSpec into a packaging engine invocation,
// runs it, and finds the artifact it produced. Engine flag vocabulary
// lives only in this package.
package packager

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	perrors "packwise/internal/errors"
	"packwise/internal/procexec"
	"packwise/internal/resolver"
)

// Output modes.
const (
	ModeOneFile = "onefile"
	ModeOneDir  = "onedir"
)

// preflightTimeout bounds the engine version probe.
const preflightTimeout = 60 * time.Second

// Engine knows one packaging tool's command line and output layout.
type Engine interface {
	// Name is the engine identifier used in configuration.
	Name() string
	// Preflight verifies the engine is installed for interpreter.
	Preflight(ctx context.Context, run RunFunc, interpreter string) error
	// Command builds the engine invocation for spec.
	Command(spec *resolver.BuildSpec, interpreter string) procexec.Spec
	// ExpectedArtifacts are the paths the artifact is normally written to.
	ExpectedArtifacts(spec *resolver.BuildSpec) []string
	// WorkDirs are temporary build directories worth searching when the
	// expected paths are empty.
	WorkDirs(spec *resolver.BuildSpec) []string
	// Scratch are intermediate paths removed after a successful build.
	Scratch(spec *resolver.BuildSpec) []string
}

// RunFunc runs a subprocess. procexec.Run in production.
type RunFunc func(ctx context.Context, spec procexec.Spec) (*procexec.Result, error)

// NewEngine returns the engine registered under name.
func NewEngine(name string) (Engine, error) {
	switch strings.ToLower(name) {
	case "pyinstaller":
		return PyInstaller{}, nil
	case "nuitka":
		return Nuitka{}, nil
	}
	return nil, perrors.New(perrors.InvalidInput, fmt.Sprintf("unknown packaging engine %q (supported: pyinstaller, nuitka)", name), nil)
}

// probeModule runs "interpreter -m module --version" and maps failure to
// a ResourceError.
func probeModule(ctx context.Context, run RunFunc, interpreter, module, engine string) error {
	res, err := run(ctx, procexec.Spec{
		Name:    interpreter,
		Args:    []string{"-m", module, "--version"},
		Timeout: preflightTimeout,
	})
	if err != nil {
		return perrors.New(perrors.ResourceError, fmt.Sprintf("cannot run %s", interpreter), err).At(perrors.StageBuild, 0)
	}
	if res.Cancelled {
		return perrors.New(perrors.Cancelled, "cancelled during engine preflight", ctx.Err()).At(perrors.StageBuild, 0)
	}
	if res.ExitCode != 0 {
		return perrors.New(perrors.ResourceError,
			fmt.Sprintf("%s is not installed for %s; install it with: %s -m pip install %s", engine, interpreter, interpreter, engine), nil).
			At(perrors.StageBuild, 0).
			WithLog(res.Output, 20)
	}
	return nil
}

// exeName adds the platform executable suffix.
func exeName(name string) string {
	if runtime.GOOS == "windows" && !strings.HasSuffix(strings.ToLower(name), ".exe") {
		return name + ".exe"
	}
	return name
}

func entryStem(spec *resolver.BuildSpec) string {
	base := filepath.Base(spec.EntryPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// workRoot is where engines keep intermediate files.
func workRoot(spec *resolver.BuildSpec) string {
	return filepath.Join(spec.OutputDir, ".packwise-work")
}
