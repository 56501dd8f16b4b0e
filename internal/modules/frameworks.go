package modules

import "sort"

// Framework is a runtime framework that needs engine-specific handling.
type Framework string

const (
	FrameworkPyQt6      Framework = "pyqt6"
	FrameworkPySide6    Framework = "pyside6"
	FrameworkPyQt5      Framework = "pyqt5"
	FrameworkPySide2    Framework = "pyside2"
	FrameworkTkinter    Framework = "tkinter"
	FrameworkNumpy      Framework = "numpy"
	FrameworkMatplotlib Framework = "matplotlib"
)

// QtBindings lists Qt binding roots in preference order. Only one binding
// can be frozen into an artifact.
var QtBindings = []string{"PyQt6", "PySide6", "PyQt5", "PySide2"}

var frameworkByRoot = map[string]Framework{
	"PyQt6":      FrameworkPyQt6,
	"PySide6":    FrameworkPySide6,
	"PyQt5":      FrameworkPyQt5,
	"PySide2":    FrameworkPySide2,
	"tkinter":    FrameworkTkinter,
	"_tkinter":   FrameworkTkinter,
	"numpy":      FrameworkNumpy,
	"matplotlib": FrameworkMatplotlib,
}

// DetectFrameworks maps module roots to frameworks, keeping at most one Qt
// binding (the primary one). The result is sorted.
func DetectFrameworks(roots []string) []Framework {
	primary := PrimaryQtBinding(roots)
	seen := make(map[Framework]bool)
	for _, r := range roots {
		fw, ok := frameworkByRoot[Root(r)]
		if !ok {
			continue
		}
		if isQtBinding(Root(r)) && Root(r) != primary {
			continue
		}
		seen[fw] = true
	}

	out := make([]Framework, 0, len(seen))
	for fw := range seen {
		out = append(out, fw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PrimaryQtBinding returns the preferred Qt binding present in roots, or "".
func PrimaryQtBinding(roots []string) string {
	present := make(map[string]bool, len(roots))
	for _, r := range roots {
		present[Root(r)] = true
	}
	for _, b := range QtBindings {
		if present[b] {
			return b
		}
	}
	return ""
}

func isQtBinding(root string) bool {
	for _, b := range QtBindings {
		if b == root {
			return true
		}
	}
	return false
}
