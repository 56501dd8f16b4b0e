package main

import (
	"github.com/spf13/cobra"

	"packwise/internal/version"
)

var (
	// verbosity is the number of -v flags
	verbosity  int
	quiet      bool
	pythonFlag string
)

var rootCmd = &cobra.Command{
	Use:   "packwise",
	Short: "packwise - dependency-complete Python packaging",
	Long: `packwise turns a Python application into a native executable with
PyInstaller or Nuitka. It finds every module the application needs from a
static scan, an instrumented run and a curated knowledge base, drives the
engine, and retries when the artifact fails to import a module.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("packwise version {{.Version}}\n")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress log output")
	rootCmd.PersistentFlags().StringVar(&pythonFlag, "python", "", "Python interpreter used for tracing and building (default: config python, then python3)")
}
