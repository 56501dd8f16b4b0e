package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"packwise/internal/packager"
	"packwise/internal/resolver"
	"packwise/internal/session"
)

var (
	resolveFormat  string
	resolveEngine  string
	resolveForce   []string
	resolveNoTrace bool
	resolveCommand bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [project-dir | entry.py]",
	Short: "Show the build spec the first attempt would use",
	Long: `Scan and trace the application and print the resolved build spec: one
directive per root package, the excludes, the forced modules and the engine
plugins. Nothing is built.

Examples:
  packwise resolve
  packwise resolve --engine nuitka --command
  packwise resolve --force lxml --format json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveFormat, "format", "human", "Output format (human, json, yaml)")
	resolveCmd.Flags().StringVar(&resolveEngine, "engine", "", "Packaging engine: pyinstaller or nuitka (default: config engine)")
	resolveCmd.Flags().StringSliceVar(&resolveForce, "force", nil, "Module to include up front (repeatable)")
	resolveCmd.Flags().BoolVar(&resolveNoTrace, "no-trace", false, "Skip the instrumented run of the entry script")
	resolveCmd.Flags().BoolVar(&resolveCommand, "command", false, "Also show the engine command line")
	rootCmd.AddCommand(resolveCmd)
}

// ResolveResponseCLI is the output of the resolve command.
type ResolveResponseCLI struct {
	Spec        *resolver.BuildSpec `json:"spec" yaml:"spec"`
	Fingerprint string              `json:"fingerprint" yaml:"fingerprint"`
	Command     string              `json:"command,omitempty" yaml:"command,omitempty"`
}

func runResolve(cmd *cobra.Command, args []string) error {
	a, err := openApp(targetArg(args), true)
	if err != nil {
		return err
	}
	defer a.close()
	if cmd.Flags().Changed("engine") {
		a.cfg.Engine = resolveEngine
	}

	ctx, stop := newContext()
	defer stop()

	env, err := a.environment(ctx)
	if err != nil {
		return err
	}
	plan, err := env.Preview(previewOptions(a, resolveForce), a.cfg.Tracer.Enabled && !resolveNoTrace).Plan(ctx)
	if err != nil {
		return err
	}

	resp := &ResolveResponseCLI{Spec: plan.Spec, Fingerprint: plan.Spec.Fingerprint()}
	if resolveCommand {
		engine, err := packager.NewEngine(plan.Spec.Engine)
		if err != nil {
			return err
		}
		resp.Command = engine.Command(plan.Spec, env.Interpreter).Argv()
	}
	return printResponse(resp, resolveFormat)
}

// previewOptions are the session options of a plan-only run.
func previewOptions(a *app, forced []string) session.Options {
	outDir := a.cfg.Output.Dir
	if !filepath.IsAbs(outDir) {
		outDir = filepath.Join(a.root, outDir)
	}
	return session.Options{
		Entry:       a.project.Entry,
		ProjectRoot: a.root,
		OutputDir:   outDir,
		Name:        a.cfg.Output.Name,
		OutputMode:  a.cfg.Output.Mode,
		Console:     a.cfg.Output.Console,
		IconPath:    a.cfg.Output.Icon,
		Engine:      a.cfg.Engine,
		VersionInfo: session.VersionInfo(a.cfg.Output.VersionInfo),
		Forced:      forced,
	}
}
