package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"packwise/internal/analyzer"
	"packwise/internal/config"
	perrors "packwise/internal/errors"
	"packwise/internal/jobs"
	"packwise/internal/knowledge"
	"packwise/internal/modules"
	"packwise/internal/packager"
	"packwise/internal/project"
	"packwise/internal/resolver"
	"packwise/internal/slogutil"
	"packwise/internal/tracer"
	"packwise/internal/verifier"
)

// Environment holds what every session of one project shares: the
// interpreter, the knowledge base and the site-packages inventory.
type Environment struct {
	Config      *config.Config
	Project     *project.Project
	Interpreter string
	KB          *knowledge.Base
	Locator     *analyzer.Locator
	Extractor   *verifier.Extractor

	logs   *slogutil.LoggerFactory
	logger *slog.Logger
}

// NewEnvironment prepares the shared collaborators. A missing site-packages
// inventory is logged and tolerated; sizes are then reported as zero.
func NewEnvironment(ctx context.Context, cfg *config.Config, proj *project.Project, logs *slogutil.LoggerFactory, logger *slog.Logger) (*Environment, error) {
	interpreter, err := project.Interpreter(cfg.Python)
	if err != nil {
		return nil, perrors.New(perrors.ResourceError, "no Python interpreter found", err)
	}
	kb, err := knowledge.Load(cfg.KnowledgeBase.Path)
	if err != nil {
		return nil, perrors.New(perrors.InvalidInput, "cannot load knowledge base", err)
	}
	extractor, err := verifier.NewExtractor(cfg.Verifier.ExtraPatterns)
	if err != nil {
		return nil, perrors.New(perrors.InvalidInput, "invalid verifier.extraPatterns", err)
	}

	locator, err := analyzer.DiscoverLocator(ctx, interpreter)
	if err != nil {
		logger.Warn("Cannot locate site-packages, sizes will be unknown", "interpreter", interpreter, "error", err.Error())
		locator = nil
	}

	logger.Debug("Environment ready",
		"interpreter", interpreter,
		"knowledgeBaseVersion", kb.Version(),
		"knowledgeBaseEntries", kb.Len(),
	)
	return &Environment{
		Config:      cfg,
		Project:     proj,
		Interpreter: interpreter,
		KB:          kb,
		Locator:     locator,
		Extractor:   extractor,
		logs:        logs,
		logger:      logger,
	}, nil
}

// Declared returns the import roots named by the project's manifests.
func (e *Environment) Declared() []string {
	if e.Project == nil {
		return nil
	}
	return project.DeclaredRoots(e.Project.Declared, e.KB.Alias)
}

// Scanner returns the static scanner configured for the project.
func (e *Environment) Scanner(logger *slog.Logger) *modules.Scanner {
	return modules.NewScanner(modules.ScanOptions{
		ProjectRoot:      e.Project.Root,
		MaxFileSizeBytes: e.Config.Scan.MaxFileSizeBytes,
		Ignore:           e.Config.Scan.Ignore,
	}, logger)
}

// Tracer returns a tracer configured for the project.
func (e *Environment) Tracer(logger *slog.Logger, onLine func(string)) *tracer.Tracer {
	return tracer.New(tracer.Options{
		Interpreter:     e.Interpreter,
		ProjectRoot:     e.Project.Root,
		Timeout:         time.Duration(e.Config.Tracer.TimeoutSeconds) * time.Second,
		AcceptThreshold: e.Config.Tracer.AcceptThreshold,
		IsLocal:         modules.LocalRootChecker(e.Project.Root, e.Config.Scan.Ignore),
		OnLine:          onLine,
	}, logger)
}

// Inventory returns the locator as an Inventory, or nil without one.
func (e *Environment) Inventory() Inventory {
	if e.Locator == nil {
		return nil
	}
	return e.Locator
}

// NewSession builds the session that runs job. The session log goes to
// .packwise/logs/session-<id>.log and its structured lines are teed into
// the CLI logger.
func (e *Environment) NewSession(job *jobs.Job) (*Session, error) {
	name := job.Request.Engine
	if name == "" {
		name = e.Config.Engine
	}
	engine, err := packager.NewEngine(name)
	if err != nil {
		return nil, err
	}

	logger := e.logger
	var logw io.Writer
	if e.logs != nil {
		fileLogger, w, err := e.logs.SessionLog(job.ID)
		if err != nil {
			e.logger.Warn("Cannot open session log", "session", job.ID, "error", err.Error())
		} else {
			logger = slogutil.NewTeeLogger(e.logger.Handler(), fileLogger.Handler())
			logw = w
		}
	}
	logger = logger.With("session", shortID(job.ID))

	orchestrator := packager.NewOrchestrator(engine, e.Interpreter, logger,
		packager.WithKeepBuildFiles(e.Config.Output.KeepBuildFiles))
	smoker := verifier.NewSmokeTester(time.Duration(e.Config.Verifier.SmokeTimeoutSeconds)*time.Second, e.Extractor, logger)
	scanner := e.Scanner(logger)

	deps := Deps{
		Scan:      scanner.Scan,
		KB:        e.KB,
		Inventory: e.Inventory(),
		Builder:   orchestrator,
		Smoker:    smoker,
		Extractor: e.Extractor,
	}
	if e.Config.Tracer.Enabled {
		deps.Trace = func(ctx context.Context, entry string, onLine func(string)) (*tracer.Result, error) {
			return e.Tracer(logger, onLine).Trace(ctx, entry)
		}
	}

	root := job.Request.ProjectRoot
	if root == "" {
		root = e.Project.Root
	}
	entry := job.Request.Entry
	if entry == "" {
		entry = e.Project.Entry
	}
	opts := Options{
		ID:          job.ID,
		Entry:       entry,
		ProjectRoot: root,
		OutputDir:   job.Request.OutputDir,
		Name:        e.Config.Output.Name,
		OutputMode:  e.Config.Output.Mode,
		Console:     e.Config.Output.Console,
		IconPath:    e.Config.Output.Icon,
		Engine:      engine.Name(),
		VersionInfo: VersionInfo(e.Config.Output.VersionInfo),
		Forced:      job.Request.Forced,
		Declared:    e.Declared(),
	}
	return New(opts, deps, logger, logw), nil
}

// Preview builds a session that can only Plan: it has no builder and logs
// to the environment logger.
func (e *Environment) Preview(opts Options, trace bool) *Session {
	if opts.Engine == "" {
		opts.Engine = e.Config.Engine
	}
	if opts.Declared == nil {
		opts.Declared = e.Declared()
	}
	deps := Deps{
		Scan:      e.Scanner(e.logger).Scan,
		KB:        e.KB,
		Inventory: e.Inventory(),
		Extractor: e.Extractor,
	}
	if trace {
		deps.Trace = func(ctx context.Context, entry string, onLine func(string)) (*tracer.Result, error) {
			return e.Tracer(e.logger, onLine).Trace(ctx, entry)
		}
	}
	return New(opts, deps, e.logger, nil)
}

// VersionInfo converts the configured version resource; nil when no
// version is set.
func VersionInfo(c config.VersionInfoConfig) *resolver.VersionInfo {
	if c.Version == "" {
		return nil
	}
	return &resolver.VersionInfo{
		Version:     c.Version,
		Company:     c.Company,
		Description: c.Description,
		Copyright:   c.Copyright,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// String describes the environment for diagnostics.
func (e *Environment) String() string {
	return fmt.Sprintf("interpreter=%s kb=v%d site-packages=%v", e.Interpreter, e.KB.Version(), e.Locator != nil)
}
