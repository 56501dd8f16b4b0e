package main

import (
	"time"

	"github.com/spf13/cobra"

	"packwise/internal/modules"
)

var (
	scanFormat string
)

var scanCmd = &cobra.Command{
	Use:   "scan [project-dir | entry.py]",
	Short: "List the imports reachable from the entry script",
	Long: `Statically scan the entry script and every project module it reaches.
Nothing is executed.

Examples:
  packwise scan
  packwise scan app/main.py --format json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanFormat, "format", "human", "Output format (human, json, yaml)")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	start := time.Now()
	a, err := openApp(targetArg(args), true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := newContext()
	defer stop()

	scanner := modules.NewScanner(modules.ScanOptions{
		ProjectRoot:      a.root,
		MaxFileSizeBytes: a.cfg.Scan.MaxFileSizeBytes,
		Ignore:           a.cfg.Scan.Ignore,
	}, a.logger)
	result, err := scanner.Scan(ctx, a.project.Entry)
	if err != nil {
		return err
	}

	if err := printResponse(convertScanResponse(result), scanFormat); err != nil {
		return err
	}
	a.logger.Debug("Scan command completed", "imports", len(result.Records), "duration", time.Since(start).String())
	return nil
}

// ScanResponseCLI is the output of the scan command.
type ScanResponseCLI struct {
	Entry        string                   `json:"entry" yaml:"entry"`
	Roots        []string                 `json:"roots" yaml:"roots"`
	Records      []modules.ImportRecord   `json:"records" yaml:"records"`
	Unresolved   []modules.UnresolvedSite `json:"unresolved" yaml:"unresolved"`
	LocalModules []string                 `json:"local_modules" yaml:"local_modules"`
	Frameworks   []modules.Framework      `json:"frameworks,omitempty" yaml:"frameworks,omitempty"`
	Files        int                      `json:"files" yaml:"files"`
	Failed       []modules.FileError      `json:"failed,omitempty" yaml:"failed,omitempty"`
}

func convertScanResponse(r *modules.ScanResult) *ScanResponseCLI {
	roots := r.Roots()
	if roots == nil {
		roots = []string{}
	}
	return &ScanResponseCLI{
		Entry:        r.Entry,
		Roots:        roots,
		Records:      r.Records,
		Unresolved:   r.Unresolved,
		LocalModules: r.LocalModules,
		Frameworks:   r.Frameworks,
		Files:        len(r.Files),
		Failed:       r.Failed,
	}
}
