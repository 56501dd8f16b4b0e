package modules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	perrors "packwise/internal/errors"
	"packwise/internal/paths"
)

// ScanOptions configures a static scan.
type ScanOptions struct {
	// ProjectRoot anchors local module resolution. Defaults to the entry
	// script's directory.
	ProjectRoot      string
	MaxFileSizeBytes int
	// Ignore lists directory names never treated as project modules.
	Ignore []string
}

// Scanner extracts third-party imports reachable from an entry script.
type Scanner struct {
	opts   ScanOptions
	parser fileParser
	logger *slog.Logger
}

// NewScanner creates a scanner using tree-sitter where available.
func NewScanner(opts ScanOptions, logger *slog.Logger) *Scanner {
	if opts.MaxFileSizeBytes <= 0 {
		opts.MaxFileSizeBytes = 1000000
	}
	return &Scanner{opts: opts, parser: newDefaultParser(), logger: logger}
}

// scanState carries the per-scan bookkeeping.
type scanState struct {
	root    string
	result  *ScanResult
	index   map[string]int
	queued  map[string]bool
	queue   []string
	locals  map[string]bool
	stdlib  map[string]bool
	ignored map[string]bool
}

// Scan walks the entry script and every local module it reaches,
// breadth-first. Unreadable or unparsable files are logged, recorded in
// Failed and skipped.
func (s *Scanner) Scan(ctx context.Context, entry string) (*ScanResult, error) {
	absEntry, err := filepath.Abs(entry)
	if err != nil {
		return nil, perrors.New(perrors.InvalidInput, "cannot resolve entry script", err)
	}
	info, err := os.Stat(absEntry)
	if err != nil {
		return nil, perrors.New(perrors.InvalidInput, "entry script not found", err)
	}
	if info.IsDir() {
		return nil, perrors.New(perrors.InvalidInput, "entry script is a directory", nil)
	}

	root := s.opts.ProjectRoot
	if root == "" {
		root = filepath.Dir(absEntry)
	}
	if root, err = filepath.Abs(root); err != nil {
		return nil, perrors.New(perrors.InvalidInput, "cannot resolve project root", err)
	}

	st := &scanState{
		root: root,
		result: &ScanResult{
			Entry:       absEntry,
			ProjectRoot: root,
			Records:     []ImportRecord{},
			Unresolved:  []UnresolvedSite{},
		},
		index:   make(map[string]int),
		queued:  map[string]bool{absEntry: true},
		queue:   []string{absEntry},
		locals:  make(map[string]bool),
		stdlib:  make(map[string]bool),
		ignored: toSet(s.opts.Ignore),
	}

	for len(st.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, perrors.New(perrors.Cancelled, "scan cancelled", err).At(perrors.StageScan, 0)
		}
		file := st.queue[0]
		st.queue = st.queue[1:]
		s.scanFile(ctx, st, file)
	}

	st.result.LocalModules = make([]string, 0, len(st.locals))
	for m := range st.locals {
		st.result.LocalModules = append(st.result.LocalModules, m)
	}
	sort.Strings(st.result.LocalModules)

	roots := st.result.Roots()
	for r := range st.stdlib {
		roots = append(roots, r)
	}
	st.result.Frameworks = DetectFrameworks(roots)

	s.logger.Info("Static scan complete",
		"files", len(st.result.Files),
		"imports", len(st.result.Records),
		"unresolved", len(st.result.Unresolved),
		"failed", len(st.result.Failed),
	)
	return st.result, nil
}

func (s *Scanner) scanFile(ctx context.Context, st *scanState, file string) {
	rel := s.rel(st, file)

	imports, err := s.parseFile(ctx, file)
	if err != nil {
		scanErr := perrors.New(perrors.ScanError, "skipping file", err).At(perrors.StageScan, 0)
		s.logger.Warn("Skipping file", "file", rel, "error", scanErr)
		st.result.Failed = append(st.result.Failed, FileError{File: rel, Error: err.Error()})
		return
	}
	st.result.Files = append(st.result.Files, rel)

	pkg := s.packageOf(st, file)
	for _, imp := range imports {
		if imp.Expr != "" {
			st.result.Unresolved = append(st.result.Unresolved, UnresolvedSite{
				File:       rel,
				Line:       imp.Line,
				Expression: imp.Expr,
			})
			s.logger.Debug("Unresolved dynamic import", "file", rel, "line", imp.Line, "expr", imp.Expr)
			continue
		}

		name := imp.Module
		if strings.HasPrefix(name, ".") {
			anchor := pkg
			if imp.Dynamic && imp.Package != "" {
				anchor = imp.Package
			}
			resolved, ok := resolveRelative(name, anchor)
			if !ok {
				s.logger.Debug("Relative import escapes project", "file", rel, "line", imp.Line, "module", name)
				continue
			}
			// Only a dynamic import anchored on another package can leave
			// the project.
			if !imp.Dynamic || imp.Package == "" || s.isLocalRoot(st, Root(resolved)) {
				s.followLocal(st, resolved, imp.Names)
				continue
			}
			name = resolved
		}

		name = Canonical(name)
		if !IsValidName(name) {
			continue
		}
		if IsStdlib(name) {
			st.stdlib[Root(name)] = true
			continue
		}
		if s.isLocalRoot(st, Root(name)) {
			s.followLocal(st, name, imp.Names)
			continue
		}

		kind := KindStatic
		switch {
		case imp.Dynamic:
			kind = KindDynamicLiteral
		case imp.Conditional:
			kind = KindStaticConditional
		}
		st.add(ImportRecord{Name: name, Kind: kind, Confidence: kind.Confidence(), File: rel, Line: imp.Line})
	}
}

func (s *Scanner) parseFile(ctx context.Context, file string) ([]rawImport, error) {
	info, err := os.Stat(file)
	if err != nil {
		return nil, err
	}
	if info.Size() > int64(s.opts.MaxFileSizeBytes) {
		return nil, fmt.Errorf("file too large (%d bytes)", info.Size())
	}
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return s.parser.Parse(ctx, src)
}

// add records name once, upgrading the kind of an earlier record when a
// stronger one turns up.
func (st *scanState) add(rec ImportRecord) {
	if i, ok := st.index[rec.Name]; ok {
		if rec.Kind.rank() > st.result.Records[i].Kind.rank() {
			st.result.Records[i].Kind = rec.Kind
			st.result.Records[i].Confidence = rec.Confidence
		}
		return
	}
	st.index[rec.Name] = len(st.result.Records)
	st.result.Records = append(st.result.Records, rec)
}

// followLocal queues the files behind a local module, its parent
// packages and, for from-imports, any submodules named in the import list.
func (s *Scanner) followLocal(st *scanState, name string, names []string) {
	if name != "" {
		st.locals[Root(name)] = true
		parts := strings.Split(name, ".")
		for i := range parts {
			s.enqueue(st, strings.Join(parts[:i+1], "."))
		}
	}
	for _, n := range names {
		if n == "*" {
			continue
		}
		full := n
		if name != "" {
			full = name + "." + n
		}
		if s.enqueue(st, full) && name == "" {
			st.locals[n] = true
		}
	}
}

// enqueue schedules the file for name and reports whether one exists.
func (s *Scanner) enqueue(st *scanState, name string) bool {
	file := s.localFile(st, name)
	if file == "" {
		return false
	}
	if !st.queued[file] {
		st.queued[file] = true
		st.queue = append(st.queue, file)
	}
	return true
}

// localFile maps a dotted name to a/b.py or a/b/__init__.py under the
// project root.
func (s *Scanner) localFile(st *scanState, name string) string {
	rel := filepath.Join(strings.Split(name, ".")...)
	for _, cand := range []string{rel + ".py", filepath.Join(rel, "__init__.py")} {
		p := filepath.Join(st.root, cand)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

// isLocalRoot reports whether root is a module or package directory
// directly under the project root.
func (s *Scanner) isLocalRoot(st *scanState, root string) bool {
	if root == "" || st.ignored[root] {
		return false
	}
	return st.locals[root] || localRootExists(st.root, root)
}

// LocalRootChecker returns a predicate reporting whether a root package
// name refers to a module of the project rather than an installed package.
func LocalRootChecker(projectRoot string, ignore []string) func(root string) bool {
	ignored := toSet(ignore)
	return func(root string) bool {
		return root != "" && !ignored[root] && localRootExists(projectRoot, root)
	}
}

func localRootExists(projectRoot, root string) bool {
	if fi, err := os.Stat(filepath.Join(projectRoot, root+".py")); err == nil && fi.Mode().IsRegular() {
		return true
	}
	dir := filepath.Join(projectRoot, root)
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".py") {
			return true
		}
	}
	return false
}

// packageOf returns the dotted package containing file, relative to the
// project root ("" for top-level files).
func (s *Scanner) packageOf(st *scanState, file string) string {
	rel, err := filepath.Rel(st.root, filepath.Dir(file))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return strings.ReplaceAll(filepath.ToSlash(rel), "/", ".")
}

func (s *Scanner) rel(st *scanState, file string) string {
	rel, err := paths.CanonicalizePath(file, st.root)
	if err != nil {
		return filepath.ToSlash(file)
	}
	return rel
}

// resolveRelative turns "..a.b" imported from package pkg into an absolute
// dotted name. One dot is pkg itself; each extra dot goes up a level.
func resolveRelative(name, pkg string) (string, bool) {
	level := len(name) - len(strings.TrimLeft(name, "."))
	rest := name[level:]

	var parts []string
	if pkg != "" {
		parts = strings.Split(pkg, ".")
	}
	if level-1 > len(parts) {
		return "", false
	}
	parts = parts[:len(parts)-(level-1)]
	if rest != "" {
		parts = append(parts, rest)
	}
	return strings.Join(parts, "."), true
}
