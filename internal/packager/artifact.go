package packager

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"packwise/internal/resolver"
)

// maxScanDepth bounds the project-root artifact scan.
const maxScanDepth = 4

// skipDirs are never searched for artifacts.
var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".venv":        true,
	"venv":         true,
	"env":          true,
	"__pycache__":  true,
	"node_modules": true,
	".packwise":    true,
	".tox":         true,
}

// nonExecutableExt are files that carry the executable bit without being
// a packaged application.
var nonExecutableExt = map[string]bool{
	".py": true, ".pyw": true, ".pyc": true, ".so": true, ".dylib": true,
	".dll": true, ".pyd": true, ".sh": true, ".bat": true, ".cmd": true,
	".txt": true, ".json": true, ".toml": true,
}

// findArtifact searches the expected paths, then the engine work
// directories, then the project root. Only files modified at or after
// since are accepted outside the expected paths.
func (o *Orchestrator) findArtifact(spec *resolver.BuildSpec, since time.Time) string {
	for _, p := range o.engine.ExpectedArtifacts(spec) {
		if fi, err := os.Stat(p); err == nil && (fi.Mode().IsRegular() || strings.HasSuffix(p, ".app")) {
			return p
		}
	}

	for _, dir := range o.engine.WorkDirs(spec) {
		if p := o.scanForArtifact(dir, spec.Name, since, maxScanDepth); p != "" {
			o.logger.Warn("Artifact found outside the expected location", "path", p)
			return p
		}
	}

	if spec.ProjectRoot != "" {
		if p := o.scanForArtifact(spec.ProjectRoot, spec.Name, since, maxScanDepth); p != "" {
			o.logger.Warn("Artifact found by scanning the project root", "path", p)
			return p
		}
	}
	return ""
}

// scanForArtifact returns the newest executable-like file under root,
// preferring files named after the application.
func (o *Orchestrator) scanForArtifact(root, name string, since time.Time, depth int) string {
	if _, err := os.Stat(root); err != nil {
		return ""
	}
	base := strings.Count(filepath.Clean(root), string(filepath.Separator))

	var named, newest string
	var namedTime, newestTime time.Time
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && (skipDirs[d.Name()] || strings.Count(path, string(filepath.Separator))-base >= depth) {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() || info.ModTime().Before(since) {
			return nil
		}
		if !executableLike(d.Name(), info.Mode()) || o.isSelf(path) {
			return nil
		}
		mt := info.ModTime()
		stem := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		if (d.Name() == name || stem == name) && mt.After(namedTime) {
			named, namedTime = path, mt
		}
		if mt.After(newestTime) {
			newest, newestTime = path, mt
		}
		return nil
	})
	if named != "" {
		return named
	}
	return newest
}

func (o *Orchestrator) isSelf(path string) bool {
	if o.self == "" {
		return false
	}
	a, err1 := filepath.EvalSymlinks(path)
	b, err2 := filepath.EvalSymlinks(o.self)
	if err1 != nil || err2 != nil {
		return filepath.Clean(path) == filepath.Clean(o.self)
	}
	return a == b
}

func executableLike(name string, mode fs.FileMode) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if runtime.GOOS == "windows" {
		return ext == ".exe"
	}
	if nonExecutableExt[ext] {
		return false
	}
	return mode&0111 != 0
}
