package modules

import (
	"strings"
)

// SourceKind records how an import was discovered.
type SourceKind string

const (
	KindStatic            SourceKind = "static"
	KindStaticConditional SourceKind = "static-conditional"
	KindDynamicLiteral    SourceKind = "dynamic-literal"
	KindTrace             SourceKind = "trace"
	KindForced            SourceKind = "forced"
)

// Confidence returns the default confidence assigned to a kind.
func (k SourceKind) Confidence() float64 {
	switch k {
	case KindStatic, KindTrace, KindForced:
		return 1.0
	case KindDynamicLiteral:
		return 0.9
	case KindStaticConditional:
		return 0.8
	default:
		return 0
	}
}

// rank orders scanner kinds so a repeated import keeps the strongest one.
func (k SourceKind) rank() int {
	switch k {
	case KindForced:
		return 5
	case KindTrace:
		return 4
	case KindStatic:
		return 3
	case KindDynamicLiteral:
		return 2
	case KindStaticConditional:
		return 1
	default:
		return 0
	}
}

// ImportRecord is one third-party module the project refers to.
type ImportRecord struct {
	Name       string     `json:"name"`
	Kind       SourceKind `json:"kind"`
	Confidence float64    `json:"confidence"`
	File       string     `json:"file,omitempty"`
	Line       int        `json:"line,omitempty"`
}

// Root returns the record's root package.
func (r ImportRecord) Root() string {
	return Root(r.Name)
}

// UnresolvedSite is a dynamic import whose argument is not a literal.
type UnresolvedSite struct {
	File       string `json:"file"`
	Line       int    `json:"line"`
	Expression string `json:"expression"`
}

// FileError describes a file the scanner skipped.
type FileError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// ScanResult is the output of a static scan. Records and Files keep
// discovery order so repeated scans diff cleanly.
type ScanResult struct {
	Entry        string           `json:"entry"`
	ProjectRoot  string           `json:"projectRoot"`
	Records      []ImportRecord   `json:"records"`
	Unresolved   []UnresolvedSite `json:"unresolved"`
	LocalModules []string         `json:"localModules"`
	Files        []string         `json:"files"`
	Frameworks   []Framework      `json:"frameworks,omitempty"`
	Failed       []FileError      `json:"failed,omitempty"`
}

// Roots returns the distinct root packages of all records, in discovery
// order.
func (r *ScanResult) Roots() []string {
	if r == nil {
		return nil
	}
	seen := make(map[string]bool, len(r.Records))
	var roots []string
	for _, rec := range r.Records {
		root := rec.Root()
		if !seen[root] {
			seen[root] = true
			roots = append(roots, root)
		}
	}
	return roots
}

// HasRoot reports whether the project itself imports root.
func (r *ScanResult) HasRoot(root string) bool {
	if r == nil {
		return false
	}
	for _, rec := range r.Records {
		if rec.Root() == root {
			return true
		}
	}
	return false
}

// IsLocal reports whether root names a module of the project itself.
func (r *ScanResult) IsLocal(root string) bool {
	if r == nil {
		return false
	}
	for _, m := range r.LocalModules {
		if m == root {
			return true
		}
	}
	return false
}

// Root returns the first dotted segment of a module name.
func Root(name string) string {
	name = Canonical(name)
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// Canonical trims whitespace, stray quotes and empty segments from a dotted
// module name. Relative names must be resolved before canonicalizing.
func Canonical(name string) string {
	name = strings.Trim(strings.TrimSpace(name), `'"`)
	if name == "" {
		return ""
	}
	parts := strings.Split(name, ".")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}

// IsValidName reports whether name is a dotted sequence of identifiers.
func IsValidName(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if !isIdentifier(part) {
			return false
		}
	}
	return true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		case r > 127:
		default:
			return false
		}
	}
	return true
}
