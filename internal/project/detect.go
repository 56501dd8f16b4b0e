// Package project finds the entry script, interpreter and declared
// dependencies of a Python application.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"packwise/internal/procexec"
)

// entryCandidates are conventional entry script names in priority order.
var entryCandidates = []string{"main.py", "app.py", "__main__.py", "run.py"}

// Project describes the application being packaged.
type Project struct {
	Root  string `json:"root"`
	Entry string `json:"entry"`
	// Manifests lists dependency files found at the root.
	Manifests []string `json:"manifests,omitempty"`
	// Declared are the distributions the manifests name, sorted and unique.
	Declared []Dependency `json:"declared,omitempty"`
}

// Detect resolves path, a project directory or an entry script, into a
// Project. For a directory the entry script is chosen from the
// conventional names, or the only top-level .py file.
func Detect(path string) (*Project, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("cannot access %s: %w", path, err)
	}

	p := &Project{}
	if info.IsDir() {
		p.Root = abs
		entry, err := findEntry(abs)
		if err != nil {
			return nil, err
		}
		p.Entry = entry
	} else {
		if filepath.Ext(abs) != ".py" && filepath.Ext(abs) != ".pyw" {
			return nil, fmt.Errorf("%s is not a Python script", path)
		}
		p.Entry = abs
		p.Root = filepath.Dir(abs)
	}

	deps, manifests, err := ReadManifests(p.Root)
	if err != nil {
		return nil, err
	}
	p.Declared = deps
	p.Manifests = manifests
	return p, nil
}

func findEntry(root string) (string, error) {
	for _, name := range entryCandidates {
		p := filepath.Join(root, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, nil
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}
	var scripts []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if (ext == ".py" || ext == ".pyw") && e.Name() != "setup.py" && !strings.HasPrefix(e.Name(), "test_") {
			scripts = append(scripts, e.Name())
		}
	}
	sort.Strings(scripts)
	switch len(scripts) {
	case 1:
		return filepath.Join(root, scripts[0]), nil
	case 0:
		return "", fmt.Errorf("no Python entry script found in %s", root)
	default:
		return "", fmt.Errorf("cannot choose an entry script in %s (candidates: %s); pass the script path", root, strings.Join(scripts, ", "))
	}
}

// Interpreter returns the configured interpreter, or python3/python from
// PATH.
func Interpreter(configured string) (string, error) {
	if configured != "" {
		if strings.ContainsRune(configured, filepath.Separator) {
			if _, err := os.Stat(configured); err != nil {
				return "", fmt.Errorf("interpreter %s: %w", configured, err)
			}
			return configured, nil
		}
		return procexec.LookPath(configured)
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := procexec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no python interpreter found on PATH; set python in .packwise/config.json")
}
