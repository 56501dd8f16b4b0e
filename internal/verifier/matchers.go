// Package verifier smoke-tests built artifacts, recognises missing-module
// failures in build and runtime output, and drives the bounded retry loop.
package verifier

import (
	"fmt"
	"regexp"
	"sort"

	"packwise/internal/modules"
)

// Matcher recognises one textual form of a missing-module failure.
type Matcher struct {
	Name    string
	Pattern *regexp.Regexp
	// Module builds the module name from a submatch. When nil the first
	// capture group is used.
	Module func(m []string) string
}

func (m Matcher) module(sub []string) string {
	if m.Module != nil {
		return m.Module(sub)
	}
	if len(sub) > 1 {
		return sub[1]
	}
	return ""
}

const moduleName = `[A-Za-z_][A-Za-z0-9_.]*`

// DefaultMatchers are tried in order against every line of output.
//
//	module-not-found     ModuleNotFoundError: No module named 'x.y'
//	import-error-legacy  ImportError: No module named x.y
//	no-module-named      No module named 'x' in any other wrapping
//	nuitka-locate        Nuitka: failed to locate module 'x'
//	nuitka-in-package    Nuitka: Cannot find 'y' in package 'x'
//	dll-load-failed      ImportError: DLL load failed while importing _x
var DefaultMatchers = []Matcher{
	{
		Name:    "module-not-found",
		Pattern: regexp.MustCompile(`ModuleNotFoundError: No module named ['"](` + moduleName + `)['"]`),
	},
	{
		Name:    "import-error-legacy",
		Pattern: regexp.MustCompile(`ImportError: No module named ['"]?(` + moduleName + `)['"]?`),
	},
	{
		Name:    "no-module-named",
		Pattern: regexp.MustCompile(`No module named ['"]?(` + moduleName + `)['"]?`),
	},
	{
		Name:    "nuitka-locate",
		Pattern: regexp.MustCompile(`(?i)failed to locate module ['"]?(` + moduleName + `)['"]?`),
	},
	{
		Name:    "nuitka-in-package",
		Pattern: regexp.MustCompile(`Cannot find ['"](` + moduleName + `)['"] in package ['"](` + moduleName + `)['"]`),
		Module: func(m []string) string {
			return m[2] + "." + m[1]
		},
	},
	{
		Name:    "dll-load-failed",
		Pattern: regexp.MustCompile(`DLL load failed while importing (` + moduleName + `)`),
	},
}

// Extractor finds missing module names in output text.
type Extractor struct {
	matchers []Matcher
}

// NewExtractor returns an extractor using DefaultMatchers followed by the
// extra patterns. Each extra pattern must have one capture group holding
// the module name.
func NewExtractor(extra []string) (*Extractor, error) {
	ms := append([]Matcher(nil), DefaultMatchers...)
	for i, p := range extra {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid verifier pattern %q: %w", p, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("verifier pattern %q has no capture group", p)
		}
		ms = append(ms, Matcher{Name: fmt.Sprintf("extra-%d", i+1), Pattern: re})
	}
	return &Extractor{matchers: ms}, nil
}

// Matchers returns the active matchers in order.
func (e *Extractor) Matchers() []Matcher {
	return append([]Matcher(nil), e.matchers...)
}

// Extract returns the canonical module names found in text, in order of
// first appearance, without duplicates.
func (e *Extractor) Extract(text string) []string {
	type hit struct {
		pos  int
		name string
	}
	var hits []hit
	for _, m := range e.matchers {
		for _, idx := range m.Pattern.FindAllStringSubmatchIndex(text, -1) {
			sub := make([]string, len(idx)/2)
			for i := range sub {
				if idx[2*i] >= 0 {
					sub[i] = text[idx[2*i]:idx[2*i+1]]
				}
			}
			name := modules.Canonical(m.module(sub))
			if modules.IsValidName(name) {
				hits = append(hits, hit{pos: idx[0], name: name})
			}
		}
	}

	// ties keep matcher order
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	seen := make(map[string]bool)
	var out []string
	for _, h := range hits {
		if !seen[h.name] {
			seen[h.name] = true
			out = append(out, h.name)
		}
	}
	return out
}
