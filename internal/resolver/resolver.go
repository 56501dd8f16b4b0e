// Package resolver merges static imports, traced imports, the knowledge
// base and the retry loop's forced modules into a BuildSpec.
package resolver

import (
	"path/filepath"
	"sort"
	"strings"

	"packwise/internal/knowledge"
	"packwise/internal/modules"
	"packwise/internal/tracer"
)

// FallbackFragments are submodule names commonly loaded indirectly by
// packages the knowledge base does not know.
var FallbackFragments = []string{
	"utils", "core", "base", "main", "api", "models",
	"config", "exceptions", "helpers", "common", "_internal",
}

// singleFileModules are plain modules; widening them with submodules would
// only produce import errors.
var singleFileModules = map[string]bool{
	"img2pdf": true, "pyperclip": true, "keyboard": true, "mouse": true,
	"pynput": true, "colorama": true, "tqdm": true, "click": true,
	"six": true, "typing_extensions": true,
}

// denylist holds development and packaging tools that never belong in an
// artifact unless the project imports them itself.
var denylist = map[string]bool{
	"pytest": true, "_pytest": true, "nose": true, "tox": true,
	"coverage": true, "black": true, "flake8": true, "pylint": true,
	"mypy": true, "isort": true, "autopep8": true, "yapf": true,
	"bandit": true, "safety": true, "pip": true, "setuptools": true,
	"wheel": true, "twine": true, "sphinx": true, "IPython": true,
	"jupyter": true, "notebook": true, "ipykernel": true, "ipywidgets": true,
}

// Denylist returns the denylisted roots, sorted.
func Denylist() []string {
	out := make([]string, 0, len(denylist))
	for r := range denylist {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// IsDenylisted reports whether the root of name is on the denylist.
func IsDenylisted(name string) bool {
	return denylist[modules.Root(name)]
}

// Inventory knows which submodules an installed package really has.
type Inventory interface {
	// Submodules returns the immediate child module names of root. known
	// is false when the package could not be located.
	Submodules(root string) (children []string, known bool)
}

// Options are the output settings copied into every BuildSpec.
type Options struct {
	EntryPath   string
	ProjectRoot string
	OutputDir   string
	Name        string
	OutputMode  string
	Console     bool
	IconPath    string
	Engine      string
	// VersionInfo is copied into the spec when its Version is set.
	VersionInfo *VersionInfo
}

// Input is everything one resolution depends on.
type Input struct {
	Scan *modules.ScanResult
	// Trace is used only when accepted.
	Trace     *tracer.Result
	KB        *knowledge.Base
	Forced    []string
	Inventory Inventory
	Options   Options
}

// rootState accumulates what is known about one root.
type rootState struct {
	origins map[modules.SourceKind]bool
	names   map[string]bool
}

// Resolve builds the BuildSpec for in. It is a pure function of its input
// and cannot fail: the worst case is a broader include set.
func Resolve(in Input) *BuildSpec {
	roots := make(map[string]*rootState)
	touch := func(root string, kind modules.SourceKind) *rootState {
		st, ok := roots[root]
		if !ok {
			st = &rootState{origins: make(map[modules.SourceKind]bool), names: make(map[string]bool)}
			roots[root] = st
		}
		st.origins[kind] = true
		return st
	}

	if in.Scan != nil {
		for _, rec := range in.Scan.Records {
			touch(rec.Root(), rec.Kind)
		}
	}
	if in.Trace.Accepted() {
		for _, m := range in.Trace.Modules {
			root := modules.Root(m)
			if in.Scan.IsLocal(root) || modules.IsStdlib(root) {
				continue
			}
			st := touch(root, modules.KindTrace)
			if m != root {
				st.names[m] = true
			}
		}
	}
	forced := canonicalSet(in.Forced)
	for _, f := range forced {
		st := touch(modules.Root(f), modules.KindForced)
		if f != modules.Root(f) {
			st.names[f] = true
		}
	}

	// decided roots are those the project or the retry loop asked for
	decided := func(root string) bool {
		st := roots[root]
		return in.Scan.HasRoot(root) || (st != nil && st.origins[modules.KindForced])
	}

	// a conditional import that an accepted trace never loaded is left out
	unloaded := func(root string) bool {
		st := roots[root]
		if !in.Trace.Accepted() || len(st.origins) != 1 {
			return false
		}
		return st.origins[modules.KindStaticConditional]
	}

	var decidedRoots, allRoots []string
	for r := range roots {
		allRoots = append(allRoots, r)
		if decided(r) && !unloaded(r) {
			decidedRoots = append(decidedRoots, r)
		}
	}
	sort.Strings(allRoots)
	sort.Strings(decidedRoots)
	primaryQt := modules.PrimaryQtBinding(decidedRoots)
	if primaryQt == "" {
		primaryQt = modules.PrimaryQtBinding(allRoots)
	}

	excludes := make(map[string]bool)
	for r := range denylist {
		if !decided(r) {
			excludes[r] = true
		}
	}

	spec := &BuildSpec{
		EntryPath:            in.Options.EntryPath,
		ProjectRoot:          in.Options.ProjectRoot,
		OutputDir:            in.Options.OutputDir,
		Name:                 in.Options.Name,
		OutputMode:           in.Options.OutputMode,
		Console:              in.Options.Console,
		IconPath:             in.Options.IconPath,
		Engine:               in.Options.Engine,
		Directives:           []Directive{},
		Forced:               forced,
		Unloaded:             []string{},
		KnowledgeBaseVersion: in.KB.Version(),
	}
	if vi := in.Options.VersionInfo; vi != nil && vi.Version != "" {
		cp := *vi
		spec.VersionInfo = &cp
	}
	if spec.Name == "" && spec.EntryPath != "" {
		spec.Name = strings.TrimSuffix(filepath.Base(spec.EntryPath), filepath.Ext(spec.EntryPath))
	}

	frameworks := make(map[string]bool)
	if in.Scan != nil {
		for _, fw := range in.Scan.Frameworks {
			frameworks[string(fw)] = true
		}
	}

	for _, root := range allRoots {
		st := roots[root]
		if excludes[root] {
			continue
		}
		if unloaded(root) {
			spec.Unloaded = append(spec.Unloaded, root)
			continue
		}
		if isQtRoot(root) && root != primaryQt && !decided(root) {
			excludes[root] = true
			continue
		}

		d := Directive{Root: root, Origins: sortedKinds(st.origins)}
		var hidden []string
		if entry, ok := in.KB.Lookup(root); ok {
			d.Source = SourceKnowledgeBase
			d.Strategy = entry.Strategy
			hidden = append(hidden, entry.HiddenImports...)
			for _, e := range entry.Excludes {
				excludes[e] = true
			}
			for _, fw := range entry.Frameworks {
				frameworks[fw] = true
			}
		} else if modules.IsStdlib(root) {
			// only reachable through a forced name
			d.Source = SourceStdlib
			d.Strategy = knowledge.StrategyNone
		} else {
			d.Source = SourceGenericFallback
			d.Strategy = knowledge.StrategyIncludePackage
			hidden = append(hidden, fallbackImports(root, in.Inventory)...)
		}
		for n := range st.names {
			hidden = append(hidden, n)
		}
		d.HiddenImports = sortedUnique(hidden)
		spec.Directives = append(spec.Directives, d)
	}

	for _, fw := range modules.DetectFrameworks(spec.Roots()) {
		frameworks[string(fw)] = true
	}
	spec.Frameworks = pickFrameworks(frameworks, primaryQt)

	// nothing forced may be excluded
	for e := range excludes {
		for _, f := range forced {
			if f == e || strings.HasPrefix(f, e+".") {
				delete(excludes, e)
			}
		}
	}
	spec.Excludes = sortedKeys(excludes)
	return spec
}

// fallbackImports widens an unknown root with the common fragments. When
// the inventory knows the package only fragments that exist are used.
func fallbackImports(root string, inv Inventory) []string {
	if singleFileModules[root] {
		return nil
	}
	var existing map[string]bool
	if inv != nil {
		if children, known := inv.Submodules(root); known {
			existing = make(map[string]bool, len(children))
			for _, c := range children {
				existing[c] = true
			}
		}
	}
	var out []string
	for _, frag := range FallbackFragments {
		if existing != nil && !existing[frag] {
			continue
		}
		out = append(out, root+"."+frag)
	}
	return out
}

func pickFrameworks(set map[string]bool, primaryQt string) []string {
	primary := ""
	if primaryQt != "" {
		primary = strings.ToLower(primaryQt)
	}
	out := []string{}
	for fw := range set {
		if isQtFramework(fw) && fw != primary {
			continue
		}
		out = append(out, fw)
	}
	sort.Strings(out)
	return out
}

func isQtRoot(root string) bool {
	for _, b := range modules.QtBindings {
		if b == root {
			return true
		}
	}
	return false
}

func isQtFramework(fw string) bool {
	for _, b := range modules.QtBindings {
		if strings.ToLower(b) == fw {
			return true
		}
	}
	return false
}

func canonicalSet(names []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range names {
		n = modules.Canonical(n)
		if !modules.IsValidName(n) || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := []string{}
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKinds(m map[modules.SourceKind]bool) []modules.SourceKind {
	out := make([]modules.SourceKind, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
