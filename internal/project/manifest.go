package project

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Dependency is a distribution named in a manifest.
type Dependency struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// pyproject covers the two dependency tables packwise reads.
type pyproject struct {
	Project struct {
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Dependencies map[string]toml.Primitive `toml:"dependencies"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

var (
	requirementName = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)`)
	eggFragment     = regexp.MustCompile(`[#&]egg=([A-Za-z0-9][A-Za-z0-9._-]*)`)
)

const maxRequirementDepth = 5

// ReadManifests reads requirements.txt and pyproject.toml under root. It
// returns the declared dependencies and the manifests that were present.
func ReadManifests(root string) ([]Dependency, []string, error) {
	var deps []Dependency
	var manifests []string

	req := filepath.Join(root, "requirements.txt")
	if _, err := os.Stat(req); err == nil {
		d, err := ParseRequirements(req)
		if err != nil {
			return nil, nil, err
		}
		deps = append(deps, d...)
		manifests = append(manifests, "requirements.txt")
	}

	py := filepath.Join(root, "pyproject.toml")
	if _, err := os.Stat(py); err == nil {
		d, err := ParsePyproject(py)
		if err != nil {
			return nil, nil, err
		}
		deps = append(deps, d...)
		manifests = append(manifests, "pyproject.toml")
	}
	return dedupe(deps), manifests, nil
}

// ParseRequirements parses a pip requirements file, following -r includes.
func ParseRequirements(path string) ([]Dependency, error) {
	return parseRequirements(path, 0)
}

func parseRequirements(path string, depth int) ([]Dependency, error) {
	if depth > maxRequirementDepth {
		return nil, fmt.Errorf("requirements includes nested too deeply at %s", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer f.Close()

	source := filepath.Base(path)
	var deps []Dependency
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.Index(line, " #"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "-") {
			opt, arg := splitOption(line)
			switch opt {
			case "-r", "--requirement":
				nested := arg
				if !filepath.IsAbs(nested) {
					nested = filepath.Join(filepath.Dir(path), nested)
				}
				d, err := parseRequirements(nested, depth+1)
				if err != nil {
					return nil, err
				}
				deps = append(deps, d...)
			case "-e", "--editable":
				if m := eggFragment.FindStringSubmatch(arg); m != nil {
					deps = append(deps, Dependency{Name: m[1], Source: source})
				}
			}
			continue
		}

		if m := eggFragment.FindStringSubmatch(line); m != nil && strings.Contains(line, "://") && !strings.Contains(line, " @ ") {
			deps = append(deps, Dependency{Name: m[1], Source: source})
			continue
		}
		if name := RequirementName(line); name != "" {
			deps = append(deps, Dependency{Name: name, Source: source})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return deps, nil
}

// ParsePyproject reads [project].dependencies and
// [tool.poetry.dependencies] from a pyproject.toml.
func ParsePyproject(path string) ([]Dependency, error) {
	var doc pyproject
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	var deps []Dependency
	for _, spec := range doc.Project.Dependencies {
		if name := RequirementName(spec); name != "" {
			deps = append(deps, Dependency{Name: name, Source: "pyproject.toml"})
		}
	}
	names := make([]string, 0, len(doc.Tool.Poetry.Dependencies))
	for name := range doc.Tool.Poetry.Dependencies {
		if strings.EqualFold(name, "python") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		deps = append(deps, Dependency{Name: name, Source: "pyproject.toml"})
	}
	return deps, nil
}

// RequirementName extracts the distribution name from a PEP 508
// requirement string, dropping extras, versions, markers and URLs.
func RequirementName(spec string) string {
	m := requirementName.FindStringSubmatch(strings.TrimSpace(spec))
	if m == nil {
		return ""
	}
	return strings.TrimRight(m[1], "._-")
}

func splitOption(line string) (string, string) {
	if i := strings.IndexAny(line, " =\t"); i >= 0 {
		return line[:i], strings.TrimSpace(strings.TrimLeft(line[i:], " =\t"))
	}
	return line, ""
}

func dedupe(deps []Dependency) []Dependency {
	seen := make(map[string]bool)
	var out []Dependency
	for _, d := range deps {
		key := strings.ToLower(d.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}

// DeclaredRoots maps dependencies to import roots with alias, typically
// knowledge.Base.Alias.
func DeclaredRoots(deps []Dependency, alias func(string) string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range deps {
		root := alias(d.Name)
		if i := strings.IndexByte(root, '.'); i >= 0 {
			root = root[:i]
		}
		if root != "" && !seen[root] {
			seen[root] = true
			out = append(out, root)
		}
	}
	sort.Strings(out)
	return out
}
