package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"packwise/internal/knowledge"
	"packwise/internal/modules"
)

// Directive sources, also used as report rationales.
const (
	SourceKnowledgeBase   = "knowledge-base"
	SourceGenericFallback = "generic-fallback"
	SourceStdlib          = "stdlib"
)

// Directive says how one root package is bundled.
type Directive struct {
	Root          string             `json:"root"`
	Strategy      knowledge.Strategy `json:"strategy"`
	HiddenImports []string           `json:"hiddenImports"`
	Source        string             `json:"source"`
	// Origins lists how the root was discovered, sorted.
	Origins []modules.SourceKind `json:"origins"`
}

// Forced reports whether the root was added by the retry loop.
func (d Directive) Forced() bool {
	for _, o := range d.Origins {
		if o == modules.KindForced {
			return true
		}
	}
	return false
}

// VersionInfo is the file version resource stamped into Windows
// executables. Empty fields are left out.
type VersionInfo struct {
	Version     string `json:"version"`
	Company     string `json:"company,omitempty"`
	Description string `json:"description,omitempty"`
	Copyright   string `json:"copyright,omitempty"`
}

// BuildSpec is the engine-agnostic description of one build attempt. It is
// never modified after Resolve returns it.
type BuildSpec struct {
	EntryPath   string `json:"entryPath"`
	ProjectRoot string `json:"projectRoot"`
	OutputDir   string `json:"outputDir"`
	Name        string `json:"name"`
	OutputMode  string `json:"outputMode"`
	Console     bool   `json:"console"`
	IconPath    string `json:"iconPath,omitempty"`
	Engine      string `json:"engine"`

	VersionInfo *VersionInfo `json:"versionInfo,omitempty"`

	Directives []Directive `json:"directives"`
	Excludes   []string    `json:"excludes"`
	Forced     []string    `json:"forced"`
	Frameworks []string    `json:"frameworks"`

	// Unloaded are conditionally imported roots that an accepted trace
	// showed were never loaded. They get no directive.
	Unloaded []string `json:"unloaded"`

	KnowledgeBaseVersion int `json:"knowledgeBaseVersion"`
}

// Directive returns the directive for root.
func (s *BuildSpec) Directive(root string) (Directive, bool) {
	i := sort.Search(len(s.Directives), func(i int) bool { return s.Directives[i].Root >= root })
	if i < len(s.Directives) && s.Directives[i].Root == root {
		return s.Directives[i], true
	}
	return Directive{}, false
}

// Roots returns the directive roots in order.
func (s *BuildSpec) Roots() []string {
	out := make([]string, len(s.Directives))
	for i, d := range s.Directives {
		out[i] = d.Root
	}
	return out
}

// IncludeSet returns every directive root plus every hidden import, sorted
// and unique.
func (s *BuildSpec) IncludeSet() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, d := range s.Directives {
		add(d.Root)
		for _, h := range d.HiddenImports {
			add(h)
		}
	}
	sort.Strings(out)
	return out
}

// IsExcluded reports whether name or one of its parents is excluded.
func (s *BuildSpec) IsExcluded(name string) bool {
	for _, e := range s.Excludes {
		if name == e || (len(name) > len(e) && name[:len(e)] == e && name[len(e)] == '.') {
			return true
		}
	}
	return false
}

// JSON returns the canonical encoding of the spec.
func (s *BuildSpec) JSON() ([]byte, error) {
	return json.Marshal(s)
}

// Fingerprint is the hex SHA-256 of the canonical encoding. Two specs
// resolved from identical inputs have the same fingerprint.
func (s *BuildSpec) Fingerprint() string {
	data, err := s.JSON()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
