package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	perrors "packwise/internal/errors"
	"packwise/internal/procexec"
)

// DefaultSmokeTimeout is how long an artifact runs before it counts as
// started.
const DefaultSmokeTimeout = 10 * time.Second

// SmokeResult is what one trial run of an artifact showed.
type SmokeResult struct {
	Passed   bool
	ExitCode int
	TimedOut bool
	Output   string
	// Missing are module names found in Output.
	Missing  []string
	Duration time.Duration
}

// Smoker runs a built artifact.
type Smoker interface {
	Smoke(ctx context.Context, artifact string) (*SmokeResult, error)
}

// SmokeTester runs artifacts for a bounded time and looks for
// missing-module signatures in their output.
type SmokeTester struct {
	timeout   time.Duration
	extractor *Extractor
	logger    *slog.Logger
	run       func(context.Context, procexec.Spec) (*procexec.Result, error)
}

// NewSmokeTester creates a tester. A zero timeout uses DefaultSmokeTimeout.
func NewSmokeTester(timeout time.Duration, extractor *Extractor, logger *slog.Logger) *SmokeTester {
	if timeout <= 0 {
		timeout = DefaultSmokeTimeout
	}
	return &SmokeTester{timeout: timeout, extractor: extractor, logger: logger, run: procexec.Run}
}

// Smoke runs artifact. Being killed at the timeout or exiting 0 passes even
// when the output mentions a missing module, since the artifact caught it.
// Only an artifact that exits nonzero on its own is searched for
// missing-module signatures; any other nonzero exit passes with a warning.
func (s *SmokeTester) Smoke(ctx context.Context, artifact string) (*SmokeResult, error) {
	exe, err := launchPath(artifact)
	if err != nil {
		return nil, perrors.New(perrors.ResourceError, "artifact cannot be launched", err).At(perrors.StageSmoke, 0)
	}

	res, err := s.run(ctx, procexec.Spec{
		Name:    exe,
		Dir:     filepath.Dir(exe),
		Timeout: s.timeout,
	})
	if err != nil {
		return nil, perrors.New(perrors.ResourceError, "failed to start artifact", err).At(perrors.StageSmoke, 0)
	}
	if res.Cancelled {
		return &SmokeResult{ExitCode: res.ExitCode, Output: res.Output, Duration: res.Duration},
			perrors.New(perrors.Cancelled, "smoke test cancelled", ctx.Err()).At(perrors.StageSmoke, 0).WithLog(res.Output, 40)
	}

	out := &SmokeResult{
		ExitCode: res.ExitCode,
		TimedOut: res.TimedOut,
		Output:   res.Output,
		Duration: res.Duration,
	}
	switch {
	case res.TimedOut:
		out.Passed = true
		s.logger.Debug("Smoke test still running at timeout", "artifact", exe, "timeout", s.timeout)
	case res.ExitCode == 0:
		out.Passed = true
	default:
		out.Missing = s.extractor.Extract(res.Output)
		if len(out.Missing) > 0 {
			s.logger.Warn("Smoke test found missing modules", "artifact", exe, "missing", strings.Join(out.Missing, ","))
			break
		}
		out.Passed = true
		s.logger.Warn("Artifact exited with an error unrelated to missing modules", "artifact", exe, "exitCode", res.ExitCode)
	}
	return out, nil
}

// launchPath maps a macOS .app bundle to its executable.
func launchPath(artifact string) (string, error) {
	fi, err := os.Stat(artifact)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return artifact, nil
	}
	if runtime.GOOS == "darwin" && strings.HasSuffix(artifact, ".app") {
		name := strings.TrimSuffix(filepath.Base(artifact), ".app")
		exe := filepath.Join(artifact, "Contents", "MacOS", name)
		if _, err := os.Stat(exe); err == nil {
			return exe, nil
		}
	}
	return "", fmt.Errorf("%s is a directory", artifact)
}
