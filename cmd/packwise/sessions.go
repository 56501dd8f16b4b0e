package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"packwise/internal/jobs"
)

var (
	sessionsFormat  string
	sessionsLimit   int
	sessionsStatus  string
	sessionsPrune   time.Duration
	sessionsAttempt int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect past build sessions",
	Long: `List and inspect build sessions recorded in .packwise/sessions.db.

Examples:
  packwise sessions list
  packwise sessions list --status failed
  packwise sessions show 3f2a9c1e
  packwise sessions show 3f2a9c1e --attempt 2`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list [project-dir]",
	Short: "List recent build sessions",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id> [project-dir]",
	Short: "Show a session and its attempts",
	Long: `Show a build session, its attempts and their outcome. With --attempt the
full log of that attempt is printed.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSessionsShow,
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune [project-dir]",
	Short: "Delete finished sessions older than --older-than",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionsPrune,
}

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsFormat, "format", "human", "Output format (human, json, yaml)")
	sessionsListCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum sessions to return")
	sessionsListCmd.Flags().StringVar(&sessionsStatus, "status", "", "Filter by status (queued, running, completed, failed, cancelled)")

	sessionsShowCmd.Flags().StringVar(&sessionsFormat, "format", "human", "Output format (human, json, yaml)")
	sessionsShowCmd.Flags().IntVar(&sessionsAttempt, "attempt", 0, "Print the full log of this attempt")

	sessionsPruneCmd.Flags().DurationVar(&sessionsPrune, "older-than", 30*24*time.Hour, "Age of the sessions to delete")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsPruneCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openStore(target string) (*app, *jobs.Store, error) {
	a, err := openApp(target, false)
	if err != nil {
		return nil, nil, err
	}
	store, err := a.store()
	if err != nil {
		a.close()
		return nil, nil, err
	}
	return a, store, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	a, store, err := openStore(targetArg(args))
	if err != nil {
		return err
	}
	defer a.close()
	defer func() { _ = store.Close() }()

	opts := jobs.ListJobsOptions{Limit: sessionsLimit}
	if sessionsStatus != "" {
		opts.Status = []jobs.JobStatus{jobs.JobStatus(sessionsStatus)}
	}
	resp, err := store.ListJobs(opts)
	if err != nil {
		return err
	}
	return printResponse(&SessionsListResponseCLI{Sessions: resp.Jobs, TotalCount: resp.TotalCount}, sessionsFormat)
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	target := "."
	if len(args) > 1 {
		target = args[1]
	}
	a, store, err := openStore(target)
	if err != nil {
		return err
	}
	defer a.close()
	defer func() { _ = store.Close() }()

	job, err := store.GetJob(args[0])
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("session not found: %s", args[0])
	}
	attempts, err := store.ListAttempts(job.ID)
	if err != nil {
		return err
	}

	if sessionsAttempt > 0 {
		for _, rec := range attempts {
			if rec.Number == sessionsAttempt {
				fmt.Print(rec.Log)
				if !strings.HasSuffix(rec.Log, "\n") {
					fmt.Println()
				}
				return nil
			}
		}
		return fmt.Errorf("session %s has no attempt %d", job.ID, sessionsAttempt)
	}

	build, err := convertBuildResponse(a.root, job)
	if err != nil {
		return err
	}
	return printResponse(&SessionShowResponseCLI{
		Session:  job.ToSummary(),
		Request:  job.Request,
		Build:    build,
		Attempts: attempts,
	}, sessionsFormat)
}

func runSessionsPrune(cmd *cobra.Command, args []string) error {
	a, store, err := openStore(targetArg(args))
	if err != nil {
		return err
	}
	defer a.close()
	defer func() { _ = store.Close() }()

	ids, err := store.CleanupOldJobs(sessionsPrune)
	if err != nil {
		return err
	}
	freed, err := a.logs.RemoveSessionLogs(ids)
	if err != nil {
		a.logger.Warn("Some session logs could not be removed", "error", err.Error())
	}
	fmt.Printf("Deleted %d session(s), freed %s of logs\n", len(ids), humanBytes(freed))
	return nil
}

// SessionsListResponseCLI is the output of sessions list.
type SessionsListResponseCLI struct {
	Sessions   []jobs.JobSummary `json:"sessions" yaml:"sessions"`
	TotalCount int               `json:"total_count" yaml:"total_count"`
}

// SessionShowResponseCLI is the output of sessions show.
type SessionShowResponseCLI struct {
	Session  jobs.JobSummary      `json:"session" yaml:"session"`
	Request  jobs.Request         `json:"request" yaml:"request"`
	Build    *BuildResponseCLI    `json:"build" yaml:"build"`
	Attempts []jobs.AttemptRecord `json:"attempts" yaml:"attempts"`
}
