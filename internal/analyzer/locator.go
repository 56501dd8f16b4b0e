package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"packwise/internal/procexec"
)

// sitePackagesProbe prints the interpreter's package directories as JSON.
const sitePackagesProbe = `import json, site, sys, sysconfig
paths = []
for fn in (lambda: site.getsitepackages(), lambda: [site.getusersitepackages()]):
    try:
        paths.extend(fn())
    except Exception:
        pass
for key in ("purelib", "platlib"):
    p = sysconfig.get_paths().get(key)
    if p:
        paths.append(p)
print(json.dumps(paths))
`

// extensionSuffixes are compiled module file suffixes.
var extensionSuffixes = []string{".so", ".pyd", ".dylib"}

// Locator finds installed packages in a set of site-packages directories
// and measures them. Directory sizes are cached.
type Locator struct {
	dirs  []string
	sizes *lru.Cache[string, int64]
}

// NewLocator creates a locator over dirs. Missing directories are dropped.
func NewLocator(dirs []string) (*Locator, error) {
	cache, err := lru.New[string, int64](512)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var kept []string
	for _, d := range dirs {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		if fi, err := os.Stat(d); err == nil && fi.IsDir() {
			kept = append(kept, d)
		}
	}
	return &Locator{dirs: kept, sizes: cache}, nil
}

// DiscoverLocator asks interpreter for its site-packages directories.
func DiscoverLocator(ctx context.Context, interpreter string) (*Locator, error) {
	res, err := procexec.Run(ctx, procexec.Spec{
		Name:    interpreter,
		Args:    []string{"-c", sitePackagesProbe},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("site-packages probe exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Output))
	}
	var dirs []string
	out := strings.TrimSpace(res.Output)
	if i := strings.LastIndex(out, "\n"); i >= 0 {
		out = out[i+1:]
	}
	if err := json.Unmarshal([]byte(out), &dirs); err != nil {
		return nil, fmt.Errorf("unexpected site-packages probe output: %w", err)
	}
	return NewLocator(dirs)
}

// Dirs returns the searched directories.
func (l *Locator) Dirs() []string {
	return append([]string(nil), l.dirs...)
}

// Locate returns the installed paths making up a dotted module name: its
// package directory or module file, compiled extensions, and a sibling
// "<root>.libs" directory for top-level names.
func (l *Locator) Locate(name string) []string {
	if l == nil {
		return nil
	}
	parts := strings.Split(name, ".")
	rel := filepath.Join(parts...)
	base := parts[len(parts)-1]

	var found []string
	for _, d := range l.dirs {
		dir := filepath.Join(d, filepath.Dir(rel))
		if fi, err := os.Stat(filepath.Join(d, rel)); err == nil && fi.IsDir() {
			found = append(found, filepath.Join(d, rel))
		}
		if fi, err := os.Stat(filepath.Join(d, rel+".py")); err == nil && fi.Mode().IsRegular() {
			found = append(found, filepath.Join(d, rel+".py"))
		}
		found = append(found, extensionFiles(dir, base)...)
		if len(parts) == 1 {
			libs := filepath.Join(d, name+".libs")
			if fi, err := os.Stat(libs); err == nil && fi.IsDir() {
				found = append(found, libs)
			}
		}
		if len(found) > 0 {
			// first directory on the path wins, like the import system
			break
		}
	}
	return found
}

// Size returns the on-disk size of name and whether it was found.
func (l *Locator) Size(name string) (int64, bool) {
	paths := l.Locate(name)
	if len(paths) == 0 {
		return 0, false
	}
	var total int64
	for _, p := range paths {
		total += l.pathSize(p)
	}
	return total, true
}

// Submodules lists the immediate child modules of an installed root.
func (l *Locator) Submodules(root string) ([]string, bool) {
	paths := l.Locate(root)
	if len(paths) == 0 {
		return nil, false
	}
	children := make(map[string]bool)
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil || !fi.IsDir() || strings.HasSuffix(p, ".libs") {
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			switch {
			case e.IsDir():
				if isPackageDir(filepath.Join(p, name)) {
					children[name] = true
				}
			case strings.HasSuffix(name, ".py") && name != "__init__.py":
				children[strings.TrimSuffix(name, ".py")] = true
			case isExtension(name):
				children[name[:strings.IndexByte(name, '.')]] = true
			}
		}
	}
	out := make([]string, 0, len(children))
	for c := range children {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, true
}

func (l *Locator) pathSize(path string) int64 {
	if v, ok := l.sizes.Get(path); ok {
		return v
	}
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	l.sizes.Add(path, total)
	return total
}

func extensionFiles(dir, base string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		n := e.Name()
		if !e.IsDir() && strings.HasPrefix(n, base+".") && isExtension(n) {
			out = append(out, filepath.Join(dir, n))
		}
	}
	return out
}

func isExtension(name string) bool {
	for _, s := range extensionSuffixes {
		if strings.HasSuffix(name, s) && strings.IndexByte(name, '.') > 0 {
			return true
		}
	}
	return false
}

func isPackageDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && (strings.HasSuffix(e.Name(), ".py") || isExtension(e.Name())) {
			return true
		}
	}
	return false
}
