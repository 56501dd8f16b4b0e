package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"packwise/internal/config"
	perrors "packwise/internal/errors"
	"packwise/internal/jobs"
	"packwise/internal/project"
	"packwise/internal/session"
	"packwise/internal/slogutil"
)

// app is what a command needs about the project it works on.
type app struct {
	root    string
	cfg     *config.Config
	project *project.Project
	logs    *slogutil.LoggerFactory
	logger  *slog.Logger
}

// openApp loads config and logging for target, a project directory or an
// entry script. With detect set the entry script is located too.
func openApp(target string, detect bool) (*app, error) {
	if target == "" {
		target = "."
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, perrors.New(perrors.InvalidInput, "cannot resolve path", err)
	}

	a := &app{root: abs}
	if detect {
		proj, err := project.Detect(abs)
		if err != nil {
			return nil, err
		}
		a.project = proj
		a.root = proj.Root
	} else if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		a.root = filepath.Dir(abs)
	}

	cfg, cfgErr := config.LoadConfig(a.root)
	if cfgErr != nil {
		cfg = config.DefaultConfig()
	}
	if pythonFlag != "" {
		cfg.Python = pythonFlag
	}
	a.cfg = cfg

	level := slogutil.LevelFromVerbosity(verbosity, quiet)
	cliSet := rootCmd.PersistentFlags().Changed("verbose") || quiet
	a.logs = slogutil.NewLoggerFactory(a.root, cfg, level, cliSet)
	a.logger = a.logs.CLILogger(os.Stderr)

	if cfgErr != nil {
		a.logger.Warn("Failed to load config, using defaults", "error", cfgErr.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, perrors.New(perrors.InvalidInput, "invalid configuration", err)
	}
	if a.project != nil {
		for _, m := range a.project.Manifests {
			a.logger.Debug("Read manifest", "path", m)
		}
	}
	return a, nil
}

// close releases the log files.
func (a *app) close() {
	_ = a.logs.Close()
}

// environment prepares the interpreter, knowledge base and inventory.
func (a *app) environment(ctx context.Context) (*session.Environment, error) {
	return session.NewEnvironment(ctx, a.cfg, a.project, a.logs, a.logger)
}

// store opens the session database of the project.
func (a *app) store() (*jobs.Store, error) {
	store, err := jobs.OpenStore(a.root, a.logger)
	if err != nil {
		return nil, perrors.New(perrors.ResourceError, "cannot open session database", err)
	}
	return store, nil
}

// newContext returns a context cancelled on Ctrl+C or SIGTERM.
func newContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// printResponse formats v and writes it to stdout.
func printResponse(v interface{}, format string) error {
	out, err := FormatResponse(v, OutputFormat(format))
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Println(out)
	return nil
}

// targetArg returns the optional positional path argument.
func targetArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}
