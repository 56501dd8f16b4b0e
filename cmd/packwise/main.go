package main

import (
	"errors"
	"fmt"
	"os"

	perrors "packwise/internal/errors"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		var pe *perrors.PackError
		if errors.As(err, &pe) {
			fmt.Fprint(os.Stderr, formatError(pe))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch perrors.CodeOf(err) {
	case "":
		return 1
	case perrors.InvalidInput:
		return 2
	case perrors.JobConflict:
		return 3
	case perrors.ResourceError:
		return 4
	case perrors.Cancelled:
		return 130
	default:
		return 1
	}
}
