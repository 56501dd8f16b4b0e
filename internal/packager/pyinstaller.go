package packager

import (
	"context"
	"os"
	"path/filepath"
	"runtime"

	"packwise/internal/knowledge"
	"packwise/internal/procexec"
	"packwise/internal/resolver"
)

// PyInstaller drives "python -m PyInstaller".
type PyInstaller struct{}

func (PyInstaller) Name() string { return "pyinstaller" }

func (PyInstaller) Preflight(ctx context.Context, run RunFunc, interpreter string) error {
	return probeModule(ctx, run, interpreter, "PyInstaller", "pyinstaller")
}

func (p PyInstaller) Command(spec *resolver.BuildSpec, interpreter string) procexec.Spec {
	work := p.WorkDirs(spec)[0]
	args := []string{
		"-m", "PyInstaller",
		"--noconfirm",
		"--clean",
		"--name", spec.Name,
		"--distpath", spec.OutputDir,
		"--workpath", work,
		"--specpath", work,
		"--paths", spec.ProjectRoot,
	}
	if spec.OutputMode == ModeOneDir {
		args = append(args, "--onedir")
	} else {
		args = append(args, "--onefile")
	}
	if !spec.Console {
		args = append(args, "--windowed")
	}
	if spec.IconPath != "" {
		args = append(args, "--icon="+spec.IconPath)
	}
	if spec.VersionInfo != nil {
		args = append(args, "--version-file="+versionFilePath(spec))
	}

	for _, d := range spec.Directives {
		switch d.Strategy {
		case knowledge.StrategyCollectAll:
			args = append(args, "--collect-all="+d.Root)
		case knowledge.StrategyIncludePackage:
			args = append(args, "--collect-submodules="+d.Root)
		default:
			args = append(args, "--hidden-import="+d.Root)
		}
		for _, h := range d.HiddenImports {
			args = append(args, "--hidden-import="+h)
		}
	}
	for _, x := range spec.Excludes {
		args = append(args, "--exclude-module="+x)
	}
	args = append(args, spec.EntryPath)

	return procexec.Spec{Name: interpreter, Args: args, Dir: spec.ProjectRoot}
}

func (PyInstaller) ExpectedArtifacts(spec *resolver.BuildSpec) []string {
	var out []string
	if spec.OutputMode == ModeOneDir {
		out = append(out, filepath.Join(spec.OutputDir, spec.Name, exeName(spec.Name)))
	} else {
		out = append(out, filepath.Join(spec.OutputDir, exeName(spec.Name)))
	}
	if runtime.GOOS == "darwin" && !spec.Console {
		out = append(out, filepath.Join(spec.OutputDir, spec.Name+".app"))
	}
	return out
}

func (PyInstaller) WorkDirs(spec *resolver.BuildSpec) []string {
	return []string{filepath.Join(workRoot(spec), "pyinstaller")}
}

func (PyInstaller) Scratch(spec *resolver.BuildSpec) []string {
	return []string{workRoot(spec)}
}

// Prepare writes the version resource file Command refers to.
func (PyInstaller) Prepare(spec *resolver.BuildSpec) error {
	if spec.VersionInfo == nil {
		return nil
	}
	path := versionFilePath(spec)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(versionFile(spec.Name, spec.VersionInfo)), 0644)
}
