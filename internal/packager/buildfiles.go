package packager

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"packwise/internal/resolver"
)

// Preparer is implemented by engines that need files written before they
// run.
type Preparer interface {
	Prepare(spec *resolver.BuildSpec) error
}

// WindowsVersion turns a version such as "1.2" or "2.0.1-beta" into the
// four-part numeric form Windows resources require. Non-numeric parts
// become 0.
func WindowsVersion(v string) string {
	parts := [4]int{}
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == '.' })
	for i := 0; i < len(fields) && i < len(parts); i++ {
		digits := strings.TrimLeftFunc(fields[i], func(r rune) bool { return !unicode.IsDigit(r) })
		end := strings.IndexFunc(digits, func(r rune) bool { return !unicode.IsDigit(r) })
		if end >= 0 {
			digits = digits[:end]
		}
		if n, err := strconv.Atoi(digits); err == nil && n >= 0 && n <= 65535 {
			parts[i] = n
		}
	}
	return fmt.Sprintf("%d.%d.%d.%d", parts[0], parts[1], parts[2], parts[3])
}

// versionFilePath is where the PyInstaller version resource is written.
func versionFilePath(spec *resolver.BuildSpec) string {
	return filepath.Join(workRoot(spec), "version_info.txt")
}

// versionFile renders vi in PyInstaller's VSVersionInfo syntax.
func versionFile(name string, vi *resolver.VersionInfo) string {
	win := WindowsVersion(vi.Version)
	tuple := strings.ReplaceAll(win, ".", ", ")
	description := vi.Description
	if description == "" {
		description = name
	}

	var b strings.Builder
	b.WriteString("# UTF-8\nVSVersionInfo(\n")
	fmt.Fprintf(&b, "  ffi=FixedFileInfo(filevers=(%s), prodvers=(%s), mask=0x3f, flags=0x0, OS=0x40004, fileType=0x1, subtype=0x0, date=(0, 0)),\n", tuple, tuple)
	b.WriteString("  kids=[\n    StringFileInfo([StringTable(u'040904B0', [\n")
	strs := [][2]string{
		{"CompanyName", vi.Company},
		{"FileDescription", description},
		{"FileVersion", win},
		{"InternalName", name},
		{"LegalCopyright", vi.Copyright},
		{"OriginalFilename", exeName(name)},
		{"ProductName", name},
		{"ProductVersion", win},
	}
	for i, kv := range strs {
		sep := ","
		if i == len(strs)-1 {
			sep = ""
		}
		fmt.Fprintf(&b, "      StringStruct(u'%s', u'%s')%s\n", kv[0], pyQuote(kv[1]), sep)
	}
	b.WriteString("    ])]),\n    VarFileInfo([VarStruct(u'Translation', [1033, 1200])])\n  ]\n)\n")
	return b.String()
}

func pyQuote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", " ").Replace(s)
}

// NonASCIIPaths returns the build paths containing non-ASCII characters.
// Engines and some native dependencies mishandle them on Windows.
func NonASCIIPaths(spec *resolver.BuildSpec) []string {
	var out []string
	for _, p := range []string{spec.EntryPath, spec.ProjectRoot, spec.OutputDir} {
		for _, r := range p {
			if r > unicode.MaxASCII {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// cleanup removes the engine's intermediate files after a successful
// build. A path holding the artifact is kept.
func (o *Orchestrator) cleanup(spec *resolver.BuildSpec, artifact string) {
	for _, dir := range o.engine.Scratch(spec) {
		if within(artifact, dir) {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			o.logger.Warn("Cannot remove build files", "path", dir, "error", err.Error())
			continue
		}
		o.logger.Debug("Removed build files", "path", dir)
	}
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
