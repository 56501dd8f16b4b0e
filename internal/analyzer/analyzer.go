// Package analyzer reports what a resolved build will carry and where size
// could be saved. It only reads; a BuildSpec is never changed here.
package analyzer

import (
	"sort"
	"strings"

	"packwise/internal/modules"
	"packwise/internal/resolver"
)

// LargePackageBytes marks packages worth a second look.
const LargePackageBytes = 50 << 20

// Rationale explains why a package is, or is not, in the artifact.
type Rationale string

const (
	RationaleKnowledgeBase   Rationale = "knowledge-base"
	RationaleGenericFallback Rationale = "generic-fallback"
	RationaleStdlib          Rationale = "stdlib"
	RationaleForced          Rationale = "forced"
	RationaleDenylisted      Rationale = "denylisted"
	RationaleReviewCandidate Rationale = "review-candidate"
	RationaleDeclaredUnused  Rationale = "declared-unused"
	RationaleSecondaryQt     Rationale = "secondary-qt-binding"
	RationaleExcludedModule  Rationale = "excluded-submodule"
	RationaleNotLoaded       Rationale = "conditional-not-loaded"
)

// Sizer measures installed packages.
type Sizer interface {
	Size(name string) (int64, bool)
}

// Entry is one line of the report.
type Entry struct {
	Root      string    `json:"root" yaml:"root"`
	SizeBytes int64     `json:"size_bytes" yaml:"size_bytes"`
	Included  bool      `json:"included" yaml:"included"`
	Rationale Rationale `json:"rationale" yaml:"rationale"`
	Installed bool      `json:"installed" yaml:"installed"`
	Large     bool      `json:"large,omitempty" yaml:"large,omitempty"`
	// EstimatedSavingsBytes is set for review candidates.
	EstimatedSavingsBytes int64 `json:"estimated_savings_bytes,omitempty" yaml:"estimated_savings_bytes,omitempty"`
}

// Report is the optimization report of one BuildSpec.
type Report struct {
	Entries            []Entry                  `json:"entries" yaml:"entries"`
	IncludedBytes      int64                    `json:"included_bytes" yaml:"included_bytes"`
	ExcludedBytes      int64                    `json:"excluded_bytes" yaml:"excluded_bytes"`
	ReviewSavingsBytes int64                    `json:"review_savings_bytes" yaml:"review_savings_bytes"`
	Unresolved         []modules.UnresolvedSite `json:"unresolved,omitempty" yaml:"unresolved,omitempty"`
	// ExcludedSubmodules are excluded parts of bundled packages, such as
	// test suites. Entries only ever name package roots.
	ExcludedSubmodules []Entry `json:"excluded_submodules,omitempty" yaml:"excluded_submodules,omitempty"`
}

// ReviewCandidates returns the entries flagged for review.
func (r *Report) ReviewCandidates() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Rationale == RationaleReviewCandidate {
			out = append(out, e)
		}
	}
	return out
}

// Input is what Analyze reads.
type Input struct {
	Spec *resolver.BuildSpec
	Scan *modules.ScanResult
	// Declared are import roots named in requirements.txt or pyproject.toml.
	Declared []string
	Sizer    Sizer
}

// Analyze builds the report. A nil Sizer reports every size as zero.
func Analyze(in Input) *Report {
	rep := &Report{Entries: []Entry{}}
	if in.Spec == nil {
		return rep
	}
	size := func(name string) (int64, bool) {
		if in.Sizer == nil {
			return 0, false
		}
		return in.Sizer.Size(name)
	}

	seen := make(map[string]bool)
	for _, d := range in.Spec.Directives {
		seen[d.Root] = true
		n, ok := size(d.Root)
		e := Entry{Root: d.Root, SizeBytes: n, Included: true, Installed: ok}
		switch {
		case d.Forced():
			e.Rationale = RationaleForced
		case resolver.IsDenylisted(d.Root):
			e.Rationale = RationaleReviewCandidate
			e.EstimatedSavingsBytes = n
			rep.ReviewSavingsBytes += n
		case d.Source == resolver.SourceKnowledgeBase:
			e.Rationale = RationaleKnowledgeBase
		case d.Source == resolver.SourceStdlib:
			e.Rationale = RationaleStdlib
		default:
			e.Rationale = RationaleGenericFallback
		}
		rep.IncludedBytes += n
		rep.Entries = append(rep.Entries, e)
	}

	for _, x := range in.Spec.Excludes {
		if seen[x] {
			continue
		}
		n, ok := size(x)
		if !ok {
			// excluding something that is not installed saves nothing
			continue
		}
		seen[x] = true
		e := Entry{Root: x, SizeBytes: n, Installed: true}
		rep.ExcludedBytes += n
		if strings.Contains(x, ".") {
			e.Rationale = RationaleExcludedModule
			rep.ExcludedSubmodules = append(rep.ExcludedSubmodules, e)
			continue
		}
		if resolver.IsDenylisted(x) {
			e.Rationale = RationaleDenylisted
		} else {
			e.Rationale = RationaleSecondaryQt
		}
		rep.Entries = append(rep.Entries, e)
	}

	for _, root := range in.Spec.Unloaded {
		if seen[root] {
			continue
		}
		seen[root] = true
		n, ok := size(root)
		rep.Entries = append(rep.Entries, Entry{
			Root:      root,
			SizeBytes: n,
			Rationale: RationaleNotLoaded,
			Installed: ok,
		})
	}

	for _, root := range in.Declared {
		root = modules.Root(root)
		if root == "" || seen[root] || modules.IsStdlib(root) {
			continue
		}
		seen[root] = true
		n, ok := size(root)
		rep.Entries = append(rep.Entries, Entry{
			Root:      root,
			SizeBytes: n,
			Rationale: RationaleDeclaredUnused,
			Installed: ok,
		})
	}

	for i := range rep.Entries {
		rep.Entries[i].Large = rep.Entries[i].SizeBytes > LargePackageBytes
	}
	sort.SliceStable(rep.Entries, func(i, j int) bool { return rep.Entries[i].Root < rep.Entries[j].Root })
	sort.SliceStable(rep.ExcludedSubmodules, func(i, j int) bool {
		return rep.ExcludedSubmodules[i].Root < rep.ExcludedSubmodules[j].Root
	})

	if in.Scan != nil && len(in.Scan.Unresolved) > 0 {
		rep.Unresolved = append([]modules.UnresolvedSite(nil), in.Scan.Unresolved...)
	}
	return rep
}
