package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	reportFormat  string
	reportSession string
	reportNoTrace bool
)

var reportCmd = &cobra.Command{
	Use:   "report [project-dir | entry.py]",
	Short: "Show what the bundle contains and what could be left out",
	Long: `Print the optimization report: the size of every bundled package, why it
is included, which excluded packages save space, which declared
dependencies are never imported, and which large packages deserve review.

Without --session the report is computed for a fresh plan; with it, the
report stored by that build session is shown.

Examples:
  packwise report
  packwise report --session 3f2a9c1e
  packwise report --format yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportFormat, "format", "human", "Output format (human, json, yaml)")
	reportCmd.Flags().StringVar(&reportSession, "session", "", "Show the report of a finished build session (ID or prefix)")
	reportCmd.Flags().BoolVar(&reportNoTrace, "no-trace", false, "Skip the instrumented run of the entry script")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	if reportSession != "" {
		return runStoredReport(targetArg(args))
	}

	a, err := openApp(targetArg(args), true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := newContext()
	defer stop()

	env, err := a.environment(ctx)
	if err != nil {
		return err
	}
	if env.Locator == nil {
		a.logger.Warn("Package sizes are unknown without a site-packages inventory")
	}
	plan, err := env.Preview(previewOptions(a, nil), a.cfg.Tracer.Enabled && !reportNoTrace).Plan(ctx)
	if err != nil {
		return err
	}
	return printResponse(plan.Report, reportFormat)
}

func runStoredReport(target string) error {
	a, err := openApp(target, false)
	if err != nil {
		return err
	}
	defer a.close()

	store, err := a.store()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	job, err := store.GetJob(reportSession)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("session not found: %s", reportSession)
	}
	resp, err := convertBuildResponse(a.root, job)
	if err != nil {
		return err
	}
	if resp.Result == nil || resp.Result.Report == nil {
		return fmt.Errorf("session %s has no report (status %s)", job.ID, job.Status)
	}
	return printResponse(resp.Result.Report, reportFormat)
}
