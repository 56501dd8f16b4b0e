package packager

import (
	"context"
	"path/filepath"
	"runtime"
	"sort"

	"packwise/internal/knowledge"
	"packwise/internal/modules"
	"packwise/internal/procexec"
	"packwise/internal/resolver"
)

// nuitkaPlugins maps detected frameworks to Nuitka plugins. numpy and
// matplotlib are handled by Nuitka without an explicit plugin.
var nuitkaPlugins = map[string]string{
	string(modules.FrameworkTkinter): "tk-inter",
	string(modules.FrameworkPyQt6):   "pyqt6",
	string(modules.FrameworkPySide6): "pyside6",
	string(modules.FrameworkPyQt5):   "pyqt5",
	string(modules.FrameworkPySide2): "pyside2",
}

// Nuitka drives "python -m nuitka".
type Nuitka struct{}

func (Nuitka) Name() string { return "nuitka" }

func (Nuitka) Preflight(ctx context.Context, run RunFunc, interpreter string) error {
	return probeModule(ctx, run, interpreter, "nuitka", "nuitka")
}

func (n Nuitka) Command(spec *resolver.BuildSpec, interpreter string) procexec.Spec {
	args := []string{
		"-m", "nuitka",
		"--assume-yes-for-downloads",
		"--remove-output",
		"--output-dir=" + spec.OutputDir,
		"--output-filename=" + exeName(spec.Name),
	}
	if spec.OutputMode == ModeOneDir {
		args = append(args, "--standalone")
	} else {
		args = append(args, "--onefile")
	}
	if !spec.Console {
		args = append(args, "--windows-console-mode=disable")
	}
	if spec.IconPath != "" {
		switch runtime.GOOS {
		case "windows":
			args = append(args, "--windows-icon-from-ico="+spec.IconPath)
		case "darwin":
			args = append(args, "--macos-app-icon="+spec.IconPath)
		default:
			args = append(args, "--linux-icon="+spec.IconPath)
		}
	}
	if vi := spec.VersionInfo; vi != nil {
		win := WindowsVersion(vi.Version)
		args = append(args, "--product-name="+spec.Name, "--file-version="+win, "--product-version="+win)
		if vi.Company != "" {
			args = append(args, "--company-name="+vi.Company)
		}
		if vi.Description != "" {
			args = append(args, "--file-description="+vi.Description)
		}
		if vi.Copyright != "" {
			args = append(args, "--copyright="+vi.Copyright)
		}
	}
	for _, p := range plugins(spec.Frameworks) {
		args = append(args, "--enable-plugin="+p)
	}

	for _, d := range spec.Directives {
		wholePackage := false
		switch d.Strategy {
		case knowledge.StrategyCollectAll:
			args = append(args, "--include-package="+d.Root, "--include-package-data="+d.Root)
			wholePackage = true
		case knowledge.StrategyIncludePackage:
			args = append(args, "--include-package="+d.Root)
			wholePackage = true
		default:
			args = append(args, "--include-module="+d.Root)
		}
		for _, h := range d.HiddenImports {
			// --include-module of a name that does not exist is fatal in
			// Nuitka; the package include already covers real children.
			if wholePackage && modules.Root(h) == d.Root {
				continue
			}
			args = append(args, "--include-module="+h)
		}
	}
	for _, x := range spec.Excludes {
		args = append(args, "--nofollow-import-to="+x)
	}
	args = append(args, spec.EntryPath)

	return procexec.Spec{Name: interpreter, Args: args, Dir: spec.ProjectRoot}
}

func (Nuitka) ExpectedArtifacts(spec *resolver.BuildSpec) []string {
	if spec.OutputMode == ModeOneDir {
		return []string{filepath.Join(spec.OutputDir, entryStem(spec)+".dist", exeName(spec.Name))}
	}
	out := []string{filepath.Join(spec.OutputDir, exeName(spec.Name))}
	if runtime.GOOS == "darwin" && !spec.Console {
		out = append(out, filepath.Join(spec.OutputDir, spec.Name+".app"))
	}
	return out
}

func (Nuitka) WorkDirs(spec *resolver.BuildSpec) []string {
	stem := entryStem(spec)
	return []string{
		filepath.Join(spec.OutputDir, stem+".dist"),
		filepath.Join(spec.OutputDir, stem+".onefile-build"),
		filepath.Join(spec.OutputDir, stem+".build"),
	}
}

func plugins(frameworks []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range frameworks {
		if p, ok := nuitkaPlugins[f]; ok && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (Nuitka) Scratch(spec *resolver.BuildSpec) []string {
	stem := entryStem(spec)
	out := []string{
		workRoot(spec),
		filepath.Join(spec.OutputDir, stem+".build"),
		filepath.Join(spec.OutputDir, stem+".onefile-build"),
	}
	if spec.OutputMode != ModeOneDir {
		out = append(out, filepath.Join(spec.OutputDir, stem+".dist"))
	}
	return out
}
