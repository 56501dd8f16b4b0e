package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	perrors "packwise/internal/errors"
	"packwise/internal/jobs"
	"packwise/internal/paths"
	"packwise/internal/session"
)

var (
	buildFormat   string
	buildEngine   string
	buildOutput   string
	buildMode     string
	buildName     string
	buildWindowed bool
	buildIcon     string
	buildForce    []string
	buildNoTrace  bool
)

var buildCmd = &cobra.Command{
	Use:   "build [project-dir | entry.py]",
	Short: "Package a Python application into an executable",
	Long: `Scan and trace the application, resolve its dependencies, run the
packaging engine and smoke-test the artifact. When the artifact fails to
import a module, that module is forced into the next attempt. At most 3
attempts are made.

Examples:
  packwise build
  packwise build app/main.py --engine nuitka --mode onedir
  packwise build --force lxml.etree --force pkg_resources.extern
  packwise build --format json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildFormat, "format", "human", "Output format (human, json, yaml)")
	buildCmd.Flags().StringVar(&buildEngine, "engine", "", "Packaging engine: pyinstaller or nuitka (default: config engine)")
	buildCmd.Flags().StringVarP(&buildOutput, "output", "o", "", "Output directory (default: config output.dir)")
	buildCmd.Flags().StringVar(&buildMode, "mode", "", "Output mode: onefile or onedir (default: config output.mode)")
	buildCmd.Flags().StringVar(&buildName, "name", "", "Executable name (default: entry script name)")
	buildCmd.Flags().BoolVar(&buildWindowed, "windowed", false, "Build a GUI executable without a console")
	buildCmd.Flags().StringVar(&buildIcon, "icon", "", "Icon file for the executable")
	buildCmd.Flags().StringSliceVar(&buildForce, "force", nil, "Module to include up front (repeatable)")
	buildCmd.Flags().BoolVar(&buildNoTrace, "no-trace", false, "Skip the instrumented run of the entry script")
	rootCmd.AddCommand(buildCmd)
}

// exitError ends the process with code after the command printed its own
// report.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func runBuild(cmd *cobra.Command, args []string) error {
	start := time.Now()
	a, err := openApp(targetArg(args), true)
	if err != nil {
		return err
	}
	defer a.close()

	if err := applyBuildFlags(cmd, a); err != nil {
		return err
	}

	ctx, stop := newContext()
	defer stop()

	env, err := a.environment(ctx)
	if err != nil {
		return err
	}
	store, err := a.store()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runner := jobs.NewRunner(store, a.logger, jobs.DefaultRunnerConfig(), session.JobHandler(env.NewSession))
	runner.Start()
	defer func() { _ = runner.Stop(30 * time.Second) }()
	if n := runner.RecoverInterrupted(); n > 0 {
		a.logger.Warn("Marked sessions of exited processes as failed", "count", n)
	}

	outDir := a.cfg.Output.Dir
	if !filepath.IsAbs(outDir) {
		outDir = filepath.Join(a.root, outDir)
	}
	job, err := runner.Submit(jobs.Request{
		ProjectRoot: a.root,
		Entry:       a.project.Entry,
		OutputDir:   outDir,
		Engine:      a.cfg.Engine,
		Forced:      buildForce,
	})
	if err != nil {
		return err
	}
	if buildFormat == "human" {
		fmt.Fprintf(os.Stderr, "Session %s: building %s with %s\n", job.ID, a.project.Entry, a.cfg.Engine)
	}

	go func() {
		<-ctx.Done()
		if err := runner.Cancel(job.ID); err == nil {
			fmt.Fprintln(os.Stderr, "Cancelling; the running engine is being stopped")
		}
	}()

	done, err := runner.Wait(context.Background(), job.ID)
	if err != nil {
		return err
	}
	resp, err := convertBuildResponse(a.root, done)
	if err != nil {
		return err
	}
	if err := printResponse(resp, buildFormat); err != nil {
		return err
	}

	a.logger.Debug("Build command completed", "session", job.ID, "status", done.Status,
		"duration", time.Since(start).String(), "runner", runner.Stats())
	if done.Status != jobs.JobCompleted {
		failure := perrors.New(perrors.ErrorCode(done.ErrorCode), done.Error, nil)
		return &exitError{code: exitCode(failure), err: failure}
	}
	return nil
}

// applyBuildFlags overrides config values with the flags that were set.
func applyBuildFlags(cmd *cobra.Command, a *app) error {
	flags := cmd.Flags()
	if flags.Changed("engine") {
		a.cfg.Engine = buildEngine
	}
	if flags.Changed("output") {
		a.cfg.Output.Dir = buildOutput
	}
	if flags.Changed("mode") {
		a.cfg.Output.Mode = buildMode
	}
	if flags.Changed("name") {
		a.cfg.Output.Name = buildName
	}
	if flags.Changed("windowed") {
		a.cfg.Output.Console = !buildWindowed
	}
	if flags.Changed("icon") {
		icon, err := filepath.Abs(buildIcon)
		if err != nil {
			return perrors.New(perrors.InvalidInput, "cannot resolve icon path", err)
		}
		if _, err := os.Stat(icon); err != nil {
			return perrors.New(perrors.InvalidInput, "icon file not found", err)
		}
		a.cfg.Output.Icon = icon
	}
	if buildNoTrace {
		a.cfg.Tracer.Enabled = false
	}
	if err := a.cfg.Validate(); err != nil {
		return perrors.New(perrors.InvalidInput, "invalid build options", err)
	}
	return nil
}

// BuildResponseCLI is the outcome of a build command.
type BuildResponseCLI struct {
	SessionID string          `json:"session_id" yaml:"session_id"`
	Status    jobs.JobStatus  `json:"status" yaml:"status"`
	LogPath   string          `json:"log_path" yaml:"log_path"`
	Result    *session.Result `json:"result,omitempty" yaml:"result,omitempty"`
	ErrorCode string          `json:"error_code,omitempty" yaml:"error_code,omitempty"`
	Error     string          `json:"error,omitempty" yaml:"error,omitempty"`
}

func convertBuildResponse(root string, job *jobs.Job) (*BuildResponseCLI, error) {
	resp := &BuildResponseCLI{
		SessionID: job.ID,
		Status:    job.Status,
		LogPath:   paths.SessionLogPath(root, job.ID),
		ErrorCode: job.ErrorCode,
		Error:     job.Error,
	}
	if job.Result != "" {
		var res session.Result
		if err := json.Unmarshal([]byte(job.Result), &res); err != nil {
			return nil, fmt.Errorf("corrupt session result: %w", err)
		}
		resp.Result = &res
	}
	return resp, nil
}
