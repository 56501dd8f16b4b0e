package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	perrors "packwise/internal/errors"
	"packwise/internal/modules"
	"packwise/internal/project"
	"packwise/internal/tracer"
)

var (
	traceFormat     string
	traceTimeout    int
	traceShowOutput bool
)

var traceCmd = &cobra.Command{
	Use:   "trace [project-dir | entry.py]",
	Short: "Run the entry script and record the modules it imports",
	Long: `Run the entry script under an import recorder for a bounded time. A GUI
application is expected to still be running at the deadline; the modules
recorded until then are kept.

Examples:
  packwise trace
  packwise trace --timeout 40 --show-output`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTrace,
}

func init() {
	traceCmd.Flags().StringVar(&traceFormat, "format", "human", "Output format (human, json, yaml)")
	traceCmd.Flags().IntVar(&traceTimeout, "timeout", 0, "Trace timeout in seconds (default: config tracer.timeoutSeconds)")
	traceCmd.Flags().BoolVar(&traceShowOutput, "show-output", false, "Echo the script's output while it runs")
	rootCmd.AddCommand(traceCmd)
}

func runTrace(cmd *cobra.Command, args []string) error {
	a, err := openApp(targetArg(args), true)
	if err != nil {
		return err
	}
	defer a.close()

	interpreter, err := project.Interpreter(a.cfg.Python)
	if err != nil {
		return perrors.New(perrors.ResourceError, "no Python interpreter found", err)
	}
	timeout := time.Duration(a.cfg.Tracer.TimeoutSeconds) * time.Second
	if traceTimeout > 0 {
		timeout = time.Duration(traceTimeout) * time.Second
	}

	opts := tracer.Options{
		Interpreter:     interpreter,
		ProjectRoot:     a.root,
		Timeout:         timeout,
		AcceptThreshold: a.cfg.Tracer.AcceptThreshold,
		IsLocal:         modules.LocalRootChecker(a.root, a.cfg.Scan.Ignore),
	}
	if traceShowOutput {
		opts.OnLine = func(line string) { fmt.Fprintln(os.Stderr, line) }
	}

	ctx, stop := newContext()
	defer stop()

	result, err := tracer.New(opts, a.logger).Trace(ctx, a.project.Entry)
	if err != nil {
		return err
	}
	return printResponse(convertTraceResponse(result), traceFormat)
}

// TraceResponseCLI is the output of the trace command.
type TraceResponseCLI struct {
	Outcome    tracer.Outcome     `json:"outcome" yaml:"outcome"`
	Reason     string             `json:"reason" yaml:"reason"`
	Accepted   bool               `json:"accepted" yaml:"accepted"`
	Roots      []string           `json:"roots" yaml:"roots"`
	Modules    []string           `json:"modules" yaml:"modules"`
	ExitCode   int                `json:"exit_code" yaml:"exit_code"`
	DurationMs int64              `json:"duration_ms" yaml:"duration_ms"`
	Diagnostic *perrors.PackError `json:"diagnostic,omitempty" yaml:"diagnostic,omitempty"`
}

func convertTraceResponse(r *tracer.Result) *TraceResponseCLI {
	roots := r.Roots()
	if roots == nil {
		roots = []string{}
	}
	return &TraceResponseCLI{
		Outcome:    r.Outcome,
		Reason:     r.Reason,
		Accepted:   r.Accepted(),
		Roots:      roots,
		Modules:    r.Modules,
		ExitCode:   r.ExitCode,
		DurationMs: r.Duration.Milliseconds(),
		Diagnostic: r.Diagnostic,
	}
}
