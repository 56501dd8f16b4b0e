package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"packwise/internal/jobs"
	"packwise/internal/paths"
)

var (
	logFollow bool
	logLines  int
	logCLI    bool
)

var logCmd = &cobra.Command{
	Use:   "log [session-id]",
	Short: "View session logs",
	Long: `View the full log of a build session: engine output, smoke test output
and the attempt delimiters. Without an ID the most recent session is shown.

Examples:
  packwise log              # Last 50 lines of the latest session
  packwise log 3f2a9c1e -n 200
  packwise log -f           # Follow the latest session
  packwise log --cli        # The packwise.log diagnostics file`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLog,
}

func init() {
	logCmd.Flags().BoolVarP(&logFollow, "follow", "f", false, "Follow log output")
	logCmd.Flags().IntVarP(&logLines, "lines", "n", 50, "Number of lines to show")
	logCmd.Flags().BoolVar(&logCLI, "cli", false, "Show the packwise diagnostics log instead of a session log")
	rootCmd.AddCommand(logCmd)
}

func runLog(cmd *cobra.Command, args []string) error {
	a, err := openApp(".", false)
	if err != nil {
		return err
	}
	defer a.close()

	logPath := paths.CLILogPath(a.root)
	if !logCLI {
		id, err := sessionForLog(a, args)
		if err != nil {
			return err
		}
		if id == "" {
			fmt.Println("No sessions found.")
			fmt.Println()
			fmt.Println("Session logs are created by 'packwise build'.")
			return nil
		}
		logPath = paths.SessionLogPath(a.root, id)
	}

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Println("No logs found.")
		fmt.Println()
		fmt.Printf("Log file location: %s\n", logPath)
		return nil
	}

	if logFollow {
		return followLogFile(logPath)
	}
	return showLogLines(os.Stdout, logPath, logLines)
}

// sessionForLog resolves the session ID argument, or the latest session.
func sessionForLog(a *app, args []string) (string, error) {
	store, err := a.store()
	if err != nil {
		return "", err
	}
	defer func() { _ = store.Close() }()

	if len(args) > 0 {
		job, err := store.GetJob(args[0])
		if err != nil {
			return "", err
		}
		if job == nil {
			return "", fmt.Errorf("session not found: %s", args[0])
		}
		return job.ID, nil
	}
	resp, err := store.ListJobs(jobs.ListJobsOptions{Limit: 1})
	if err != nil {
		return "", err
	}
	if len(resp.Jobs) == 0 {
		return "", nil
	}
	return resp.Jobs[0].ID, nil
}

func showLogLines(w io.Writer, path string, n int) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	// keep the last n lines
	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}

	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	return scanner.Err()
}

func followLogFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	_, _ = file.Seek(0, io.SeekEnd)

	fmt.Printf("Following %s (Ctrl+C to stop)\n\n", path)

	ctx, stop := newContext()
	defer stop()

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			if line != "" {
				fmt.Print(line)
			}
			continue
		}
		fmt.Print(line)
	}
}
