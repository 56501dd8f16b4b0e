// Package knowledge holds the curated table of packages whose runtime
// imports cannot be found by reading their source: root package name to
// hidden imports, collection strategy and known-safe excludes.
package knowledge

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

//go:embed knowledge.toml
var embedded []byte

// Strategy is how exhaustively a package's submodules are bundled.
type Strategy string

const (
	StrategyNone           Strategy = "none"
	StrategyIncludePackage Strategy = "include-package"
	StrategyCollectAll     Strategy = "collect-all"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyNone, StrategyIncludePackage, StrategyCollectAll:
		return true
	}
	return false
}

// Stronger returns the more exhaustive of two strategies.
func Stronger(a, b Strategy) Strategy {
	if strategyRank(b) > strategyRank(a) {
		return b
	}
	return a
}

func strategyRank(s Strategy) int {
	switch s {
	case StrategyCollectAll:
		return 2
	case StrategyIncludePackage:
		return 1
	}
	return 0
}

// Entry is one curated package.
type Entry struct {
	Root          string   `json:"root" toml:"root" yaml:"root"`
	HiddenImports []string `json:"hiddenImports,omitempty" toml:"hidden" yaml:"hidden_imports,omitempty"`
	Strategy      Strategy `json:"strategy" toml:"strategy" yaml:"strategy"`
	// Excludes are submodules safe to leave out when Root is bundled.
	Excludes []string `json:"excludes,omitempty" toml:"excludes" yaml:"excludes,omitempty"`
	// Frameworks names engine plugins the package needs.
	Frameworks []string `json:"frameworks,omitempty" toml:"frameworks" yaml:"frameworks,omitempty"`
}

// document is the on-disk shape of knowledge.toml.
type document struct {
	Version  int               `toml:"version"`
	Aliases  map[string]string `toml:"aliases"`
	Packages []Entry           `toml:"package"`
}

// Base is an immutable knowledge table. Build one with Load or New and
// share the pointer; nothing mutates it afterwards.
type Base struct {
	version int
	entries map[string]Entry
	aliases map[string]string
	roots   []string
}

var distNormalizer = regexp.MustCompile(`[-_.]+`)

// Load parses the embedded table and merges the optional user table at
// extraPath over it. The merge is append-only: the user table may add
// roots, hidden imports, excludes and aliases, or raise a strategy, but
// never remove anything.
func Load(extraPath string) (*Base, error) {
	var doc document
	if err := toml.Unmarshal(embedded, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse embedded knowledge base: %w", err)
	}
	b, err := fromDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("embedded knowledge base: %w", err)
	}

	if extraPath == "" {
		return b, nil
	}
	data, err := os.ReadFile(extraPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge base %s: %w", extraPath, err)
	}
	var extra document
	if err := toml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge base %s: %w", extraPath, err)
	}
	if err := b.merge(extra); err != nil {
		return nil, fmt.Errorf("knowledge base %s: %w", extraPath, err)
	}
	return b, nil
}

// New builds a base from explicit entries. Later entries for the same root
// are merged into earlier ones.
func New(entries ...Entry) *Base {
	b := &Base{version: 1, entries: make(map[string]Entry), aliases: make(map[string]string)}
	for _, e := range entries {
		if e.Strategy == "" {
			e.Strategy = StrategyNone
		}
		b.add(e)
	}
	b.index()
	return b
}

func fromDocument(doc document) (*Base, error) {
	b := &Base{version: doc.Version, entries: make(map[string]Entry), aliases: make(map[string]string)}
	if b.version < 1 {
		b.version = 1
	}
	if err := b.merge(doc); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Base) merge(doc document) error {
	for i, e := range doc.Packages {
		if e.Root == "" || strings.Contains(e.Root, ".") {
			return fmt.Errorf("package #%d: root must be a single top-level name, got %q", i+1, e.Root)
		}
		if e.Strategy == "" {
			e.Strategy = StrategyNone
		}
		if !e.Strategy.Valid() {
			return fmt.Errorf("package %s: unknown strategy %q", e.Root, e.Strategy)
		}
		b.add(e)
	}
	for dist, root := range doc.Aliases {
		b.aliases[normalizeDist(dist)] = root
	}
	if doc.Version > b.version {
		b.version = doc.Version
	}
	b.index()
	return nil
}

func (b *Base) add(e Entry) {
	cur, ok := b.entries[e.Root]
	if !ok {
		b.entries[e.Root] = Entry{
			Root:          e.Root,
			HiddenImports: appendUnique(nil, e.HiddenImports...),
			Strategy:      e.Strategy,
			Excludes:      appendUnique(nil, e.Excludes...),
			Frameworks:    appendUnique(nil, e.Frameworks...),
		}
		return
	}
	cur.HiddenImports = appendUnique(cur.HiddenImports, e.HiddenImports...)
	cur.Excludes = appendUnique(cur.Excludes, e.Excludes...)
	cur.Frameworks = appendUnique(cur.Frameworks, e.Frameworks...)
	cur.Strategy = Stronger(cur.Strategy, e.Strategy)
	b.entries[e.Root] = cur
}

func (b *Base) index() {
	b.roots = make([]string, 0, len(b.entries))
	for r := range b.entries {
		b.roots = append(b.roots, r)
	}
	sort.Strings(b.roots)
}

// Lookup returns the entry for an exact root name. Dotted names and
// near-misses never match.
func (b *Base) Lookup(root string) (Entry, bool) {
	if b == nil {
		return Entry{}, false
	}
	e, ok := b.entries[root]
	if !ok {
		return Entry{}, false
	}
	// hand out copies so callers cannot reach the table's slices
	e.HiddenImports = append([]string(nil), e.HiddenImports...)
	e.Excludes = append([]string(nil), e.Excludes...)
	e.Frameworks = append([]string(nil), e.Frameworks...)
	return e, true
}

// Alias maps a distribution name as written in requirements files to its
// import root. Unknown names fall back to the usual lowercase/underscore
// convention.
func (b *Base) Alias(distribution string) string {
	key := normalizeDist(distribution)
	if b != nil {
		if root, ok := b.aliases[key]; ok {
			return root
		}
	}
	return strings.ReplaceAll(key, "-", "_")
}

// Roots returns every known root, sorted.
func (b *Base) Roots() []string {
	if b == nil {
		return nil
	}
	return append([]string(nil), b.roots...)
}

// Version returns the table version.
func (b *Base) Version() int {
	if b == nil {
		return 0
	}
	return b.version
}

// Len returns the number of entries.
func (b *Base) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

func normalizeDist(name string) string {
	return distNormalizer.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		dup := false
		for _, d := range dst {
			if d == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}
