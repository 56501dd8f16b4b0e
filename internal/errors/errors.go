package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// ScanError indicates a single source file could not be scanned
	ScanError ErrorCode = "SCAN_ERROR"
	// TraceTimeout indicates the tracer hit its hard deadline
	TraceTimeout ErrorCode = "TRACE_TIMEOUT"
	// TraceCrash indicates the traced script exited abnormally
	TraceCrash ErrorCode = "TRACE_CRASH"
	// BuildFailed indicates the engine failed without a recoverable cause
	BuildFailed ErrorCode = "BUILD_FAILED"
	// RuntimeMissingModule indicates the artifact could not import a module
	RuntimeMissingModule ErrorCode = "RUNTIME_MISSING_MODULE"
	// RetryExhausted indicates the attempt ceiling was reached
	RetryExhausted ErrorCode = "RETRY_EXHAUSTED"
	// ResourceError indicates missing tools, permissions or disk space
	ResourceError ErrorCode = "RESOURCE_ERROR"
	// JobConflict indicates another job owns the output directory
	JobConflict ErrorCode = "JOB_CONFLICT"
	// Cancelled indicates the job was cancelled by the operator
	Cancelled ErrorCode = "CANCELLED"
	// InvalidInput indicates a bad entry path, icon or option
	InvalidInput ErrorCode = "INVALID_INPUT"
	// InternalError indicates unexpected error
	InternalError ErrorCode = "INTERNAL_ERROR"
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageScan    Stage = "scan"
	StageTrace   Stage = "trace"
	StageResolve Stage = "resolve"
	StageBuild   Stage = "build"
	StageSmoke   Stage = "smoke"
	StageSession Stage = "session"
)

// FixActionType represents the type of fix action
type FixActionType string

const (
	// RunCommand suggests running a command
	RunCommand FixActionType = "run-command"
	// InstallTool suggests installing a tool
	InstallTool FixActionType = "install-tool"
	// EditConfig suggests changing the project configuration
	EditConfig FixActionType = "edit-config"
)

// FixAction represents a suggested fix for an error
type FixAction struct {
	Type        FixActionType `json:"type"`
	Command     string        `json:"command,omitempty"`
	Safe        bool          `json:"safe,omitempty"`
	Description string        `json:"description,omitempty"`
	Tool        string        `json:"tool,omitempty"`
}

// PackError is a failure with enough context for the operator to act
// without re-running the session.
type PackError struct {
	Code           ErrorCode   `json:"code" yaml:"code"`
	Message        string      `json:"message" yaml:"message"`
	Stage          Stage       `json:"stage,omitempty" yaml:"stage,omitempty"`
	Attempt        int         `json:"attempt,omitempty" yaml:"attempt,omitempty"`
	LogExcerpt     string      `json:"logExcerpt,omitempty" yaml:"log_excerpt,omitempty"`
	Details        interface{} `json:"details,omitempty" yaml:"details,omitempty"`
	SuggestedFixes []FixAction `json:"suggestedFixes,omitempty" yaml:"suggested_fixes,omitempty"`
	cause          error       // Underlying error (not exported to JSON)
}

// New creates a PackError with the default fixes for its code.
func New(code ErrorCode, message string, cause error) *PackError {
	return &PackError{
		Code:           code,
		Message:        message,
		cause:          cause,
		SuggestedFixes: GetSuggestedFixes(code),
	}
}

// Error implements the error interface
func (e *PackError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Code)
	if e.Stage != "" {
		if e.Attempt > 0 {
			fmt.Fprintf(&b, " %s (attempt %d)", e.Stage, e.Attempt)
		} else {
			fmt.Fprintf(&b, " %s", e.Stage)
		}
	}
	b.WriteString(" ")
	b.WriteString(e.Message)
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *PackError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *PackError) WithDetails(details interface{}) *PackError {
	e.Details = details
	return e
}

// At records where in the pipeline the error happened.
func (e *PackError) At(stage Stage, attempt int) *PackError {
	e.Stage = stage
	e.Attempt = attempt
	return e
}

// WithLog attaches the tail of a captured log.
func (e *PackError) WithLog(log string, lines int) *PackError {
	e.LogExcerpt = Excerpt(log, lines)
	return e
}

// Recoverable reports whether the session continues past this error.
// Only dependency-resolution gaps and scan/trace degradations qualify.
func (e *PackError) Recoverable() bool {
	switch e.Code {
	case ScanError, TraceTimeout, TraceCrash, RuntimeMissingModule:
		return true
	}
	return false
}

// Excerpt returns the last n non-empty lines of log.
func Excerpt(log string, n int) string {
	if n <= 0 {
		return ""
	}
	lines := strings.Split(strings.TrimRight(log, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// ErrorActions maps error codes to suggested fix actions
var ErrorActions = map[ErrorCode][]FixAction{
	ResourceError: {
		{
			Type:        InstallTool,
			Command:     "python -m pip install pyinstaller",
			Description: "Install the selected packaging engine into the interpreter",
			Tool:        "pyinstaller",
		},
		{
			Type:        InstallTool,
			Command:     "python -m pip install nuitka",
			Description: "Install Nuitka if it is the selected engine",
			Tool:        "nuitka",
		},
	},
	RetryExhausted: {
		{
			Type:        EditConfig,
			Description: "Add the reported module to knowledgeBase.path as a hidden import",
		},
		{
			Type:        RunCommand,
			Command:     "packwise log",
			Safe:        true,
			Description: "Inspect the full session log",
		},
	},
	BuildFailed: {
		{
			Type:        RunCommand,
			Command:     "packwise log",
			Safe:        true,
			Description: "Inspect the engine output",
		},
	},
	JobConflict: {
		{
			Type:        RunCommand,
			Command:     "packwise sessions list",
			Safe:        true,
			Description: "Find the active session for this output directory",
		},
	},
	TraceCrash: {
		{
			Type:        EditConfig,
			Description: "Set tracer.enabled=false if the script needs arguments to start",
		},
	},
}

// GetSuggestedFixes returns suggested fixes for an error code
func GetSuggestedFixes(code ErrorCode) []FixAction {
	if fixes, ok := ErrorActions[code]; ok {
		return fixes
	}
	return nil
}

// CodeOf returns the code of the first PackError in err's chain.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if pe, ok := err.(*PackError); ok {
			return pe.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ""
}
