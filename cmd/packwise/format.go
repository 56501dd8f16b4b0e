package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"packwise/internal/analyzer"
	perrors "packwise/internal/errors"
	"packwise/internal/knowledge"
)

// OutputFormat represents the output format type
type OutputFormat string

const (
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
	FormatHuman OutputFormat = "human"
)

// FormatResponse formats a response according to the specified format
func FormatResponse(resp interface{}, format OutputFormat) (string, error) {
	switch format {
	case FormatJSON:
		return formatJSON(resp)
	case FormatYAML:
		return formatYAML(resp)
	case FormatHuman:
		return formatHuman(resp)
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// formatJSON formats the response as JSON
func formatJSON(resp interface{}) (string, error) {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data), nil
}

// formatYAML formats the response as YAML
func formatYAML(resp interface{}) (string, error) {
	data, err := yaml.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// formatHuman formats the response in human-readable format
func formatHuman(resp interface{}) (string, error) {
	switch v := resp.(type) {
	case *BuildResponseCLI:
		return formatBuildHuman(v), nil
	case *ScanResponseCLI:
		return formatScanHuman(v), nil
	case *TraceResponseCLI:
		return formatTraceHuman(v), nil
	case *ResolveResponseCLI:
		return formatResolveHuman(v), nil
	case *analyzer.Report:
		return formatReportHuman(v), nil
	case *SessionsListResponseCLI:
		return formatSessionsHuman(v), nil
	case *SessionShowResponseCLI:
		return formatSessionShowHuman(v), nil
	case *KBListResponseCLI:
		return formatKBListHuman(v), nil
	case *knowledge.Entry:
		return formatKBEntryHuman(v), nil
	default:
		// For unknown types, fall back to JSON
		return formatJSON(resp)
	}
}

func formatBuildHuman(resp *BuildResponseCLI) string {
	var b strings.Builder
	res := resp.Result
	if res != nil && res.Build != nil {
		build := res.Build
		if build.Success {
			fmt.Fprintf(&b, "Build succeeded after %d attempt(s)\n", build.Attempts)
			fmt.Fprintf(&b, "  Artifact: %s\n", build.ArtifactPath)
		} else {
			fmt.Fprintf(&b, "Build failed after %d attempt(s) (%s)\n", build.Attempts, build.State)
		}
		if len(build.MissingModulesResolved) > 0 {
			fmt.Fprintf(&b, "  Forced modules: %s\n", strings.Join(build.MissingModulesResolved, ", "))
		}
		if res.TraceOutcome != "" {
			fmt.Fprintf(&b, "  Trace: %s\n", res.TraceOutcome)
		}
		if build.Error != nil {
			b.WriteString("\n")
			b.WriteString(formatError(build.Error))
		}
		if res.Report != nil {
			candidates := res.Report.ReviewCandidates()
			fmt.Fprintf(&b, "\nBundle: %s in %d package(s)", humanBytes(res.Report.IncludedBytes), len(res.Report.Entries))
			if len(candidates) > 0 {
				fmt.Fprintf(&b, ", %d to review (packwise report --session %s)", len(candidates), shortSessionID(resp.SessionID))
			}
			b.WriteString("\n")
		}
	} else {
		fmt.Fprintf(&b, "Session %s %s\n", resp.SessionID, resp.Status)
		if resp.Error != "" {
			fmt.Fprintf(&b, "  [%s] %s\n", resp.ErrorCode, resp.Error)
		}
	}
	fmt.Fprintf(&b, "\nSession: %s\nLog: %s", resp.SessionID, resp.LogPath)
	return b.String()
}

// formatError renders a PackError with its log excerpt and fixes.
func formatError(pe *perrors.PackError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error: %s\n", pe.Error())
	if pe.LogExcerpt != "" {
		b.WriteString("  Last output:\n")
		for _, line := range strings.Split(pe.LogExcerpt, "\n") {
			fmt.Fprintf(&b, "    | %s\n", line)
		}
	}
	if len(pe.SuggestedFixes) > 0 {
		b.WriteString("  Suggested fixes:\n")
		for _, fix := range pe.SuggestedFixes {
			if fix.Command != "" {
				fmt.Fprintf(&b, "    - %s\n      $ %s\n", fix.Description, fix.Command)
			} else {
				fmt.Fprintf(&b, "    - %s\n", fix.Description)
			}
		}
	}
	return b.String()
}

func formatScanHuman(resp *ScanResponseCLI) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Entry: %s (%d file(s) scanned)\n\n", resp.Entry, resp.Files)

	if len(resp.Records) == 0 {
		b.WriteString("No third-party imports found.\n")
	} else {
		b.WriteString("Imports:\n")
		for _, r := range resp.Records {
			fmt.Fprintf(&b, "  %-32s %-20s %s:%d\n", r.Name, r.Kind, r.File, r.Line)
		}
	}
	if len(resp.LocalModules) > 0 {
		fmt.Fprintf(&b, "\nProject modules: %s\n", strings.Join(resp.LocalModules, ", "))
	}
	if len(resp.Frameworks) > 0 {
		names := make([]string, len(resp.Frameworks))
		for i, f := range resp.Frameworks {
			names[i] = string(f)
		}
		fmt.Fprintf(&b, "Frameworks: %s\n", strings.Join(names, ", "))
	}
	if len(resp.Unresolved) > 0 {
		b.WriteString("\nDynamic imports that could not be resolved:\n")
		for _, u := range resp.Unresolved {
			fmt.Fprintf(&b, "  %s:%d  %s\n", u.File, u.Line, u.Expression)
		}
	}
	if len(resp.Failed) > 0 {
		b.WriteString("\nSkipped files:\n")
		for _, f := range resp.Failed {
			fmt.Fprintf(&b, "  ! %s: %s\n", f.File, f.Error)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatTraceHuman(resp *TraceResponseCLI) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Trace %s (%s) after %dms, exit code %d\n", resp.Outcome, resp.Reason, resp.DurationMs, resp.ExitCode)
	if !resp.Accepted {
		b.WriteString("The trace will not be used; the build relies on the static scan.\n")
	}
	if len(resp.Roots) > 0 {
		fmt.Fprintf(&b, "\nThird-party packages (%d):\n", len(resp.Roots))
		for _, r := range resp.Roots {
			fmt.Fprintf(&b, "  %s\n", r)
		}
	}
	if resp.Diagnostic != nil {
		b.WriteString("\n")
		b.WriteString(formatError(resp.Diagnostic))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatResolveHuman(resp *ResolveResponseCLI) string {
	var b strings.Builder
	spec := resp.Spec
	fmt.Fprintf(&b, "%s -> %s (%s, %s)\n", spec.EntryPath, spec.Name, spec.Engine, spec.OutputMode)
	fmt.Fprintf(&b, "Fingerprint: %s\n\n", resp.Fingerprint[:min(12, len(resp.Fingerprint))])

	b.WriteString("Packages:\n")
	for _, d := range spec.Directives {
		marker := " "
		if d.Forced() {
			marker = "+"
		}
		fmt.Fprintf(&b, " %s %-24s %-16s %s\n", marker, d.Root, d.Strategy, d.Source)
		for _, h := range d.HiddenImports {
			fmt.Fprintf(&b, "      %s\n", h)
		}
	}
	if len(spec.Excludes) > 0 {
		fmt.Fprintf(&b, "\nExcluded: %s\n", strings.Join(spec.Excludes, ", "))
	}
	if len(spec.Frameworks) > 0 {
		fmt.Fprintf(&b, "Plugins: %s\n", strings.Join(spec.Frameworks, ", "))
	}
	if resp.Command != "" {
		fmt.Fprintf(&b, "\nCommand:\n  %s\n", resp.Command)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatReportHuman(rep *analyzer.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Included: %s   Excluded: %s   Review savings: %s\n\n",
		humanBytes(rep.IncludedBytes), humanBytes(rep.ExcludedBytes), humanBytes(rep.ReviewSavingsBytes))

	fmt.Fprintf(&b, "  %-24s %10s  %-8s %s\n", "PACKAGE", "SIZE", "BUNDLED", "WHY")
	for _, e := range rep.Entries {
		bundled := "no"
		if e.Included {
			bundled = "yes"
		}
		size := humanBytes(e.SizeBytes)
		if !e.Installed {
			size = "-"
		}
		flag := ""
		if e.Large {
			flag = " (large)"
		}
		fmt.Fprintf(&b, "  %-24s %10s  %-8s %s%s\n", e.Root, size, bundled, e.Rationale, flag)
	}

	if len(rep.ExcludedSubmodules) > 0 {
		b.WriteString("\nExcluded parts of bundled packages:\n")
		for _, e := range rep.ExcludedSubmodules {
			fmt.Fprintf(&b, "  - %s (%s)\n", e.Root, humanBytes(e.SizeBytes))
		}
	}
	if candidates := rep.ReviewCandidates(); len(candidates) > 0 {
		b.WriteString("\nReview: these are bundled because the project imports them, but are\nusually build or test tooling:\n")
		for _, e := range candidates {
			fmt.Fprintf(&b, "  - %s (%s)\n", e.Root, humanBytes(e.EstimatedSavingsBytes))
		}
	}
	if len(rep.Unresolved) > 0 {
		b.WriteString("\nDynamic imports that could not be resolved; use --force if one fails at runtime:\n")
		for _, u := range rep.Unresolved {
			fmt.Fprintf(&b, "  %s:%d  %s\n", u.File, u.Line, u.Expression)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatSessionsHuman(resp *SessionsListResponseCLI) string {
	if len(resp.Sessions) == 0 {
		return "No sessions found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-10s %-12s %-8s %-20s %s\n", "ID", "STATUS", "ENGINE", "ATTEMPTS", "CREATED", "ENTRY")
	for _, s := range resp.Sessions {
		status := string(s.Status)
		if s.ErrorCode != "" {
			status += "*"
		}
		fmt.Fprintf(&b, "%-10s %-10s %-12s %-8d %-20s %s\n",
			shortSessionID(s.ID), status, s.Engine, s.Attempts, s.CreatedAt.Local().Format("2006-01-02 15:04:05"), s.Entry)
	}
	if resp.TotalCount > len(resp.Sessions) {
		fmt.Fprintf(&b, "(%d of %d shown)\n", len(resp.Sessions), resp.TotalCount)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatSessionShowHuman(resp *SessionShowResponseCLI) string {
	var b strings.Builder
	s := resp.Session
	fmt.Fprintf(&b, "Session %s\n", s.ID)
	fmt.Fprintf(&b, "  Entry:   %s\n", s.Entry)
	fmt.Fprintf(&b, "  Engine:  %s\n", s.Engine)
	fmt.Fprintf(&b, "  Output:  %s\n", resp.Request.OutputDir)
	fmt.Fprintf(&b, "  Status:  %s\n", s.Status)
	if len(resp.Request.Forced) > 0 {
		fmt.Fprintf(&b, "  Forced:  %s\n", strings.Join(resp.Request.Forced, ", "))
	}

	if len(resp.Attempts) > 0 {
		b.WriteString("\nAttempts:\n")
		for _, a := range resp.Attempts {
			fmt.Fprintf(&b, "  %d. %-15s exit %-4d %6.1fs", a.Number, a.State, a.ExitCode, a.Duration.Seconds())
			if a.MissingModule != "" {
				fmt.Fprintf(&b, "  missing %s", a.MissingModule)
			}
			if a.ErrorCode != "" {
				fmt.Fprintf(&b, "  [%s]", a.ErrorCode)
			}
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "  (packwise sessions show %s --attempt N prints an attempt's log)\n", shortSessionID(s.ID))
	}

	if resp.Build != nil {
		b.WriteString("\n")
		b.WriteString(formatBuildHuman(resp.Build))
	}
	return b.String()
}

func formatKBListHuman(resp *KBListResponseCLI) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Knowledge base v%d, %d package(s)\n\n", resp.Version, len(resp.Entries))
	for _, e := range resp.Entries {
		extra := ""
		if n := len(e.HiddenImports); n > 0 {
			extra = fmt.Sprintf("%d hidden import(s)", n)
		}
		if len(e.Frameworks) > 0 {
			if extra != "" {
				extra += ", "
			}
			extra += "plugins " + strings.Join(e.Frameworks, ",")
		}
		fmt.Fprintf(&b, "  %-24s %-16s %s\n", e.Root, e.Strategy, extra)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatKBEntryHuman(e *knowledge.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n  Strategy: %s\n", e.Root, e.Strategy)
	list := func(label string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "  %s:\n", label)
		for _, it := range items {
			fmt.Fprintf(&b, "    - %s\n", it)
		}
	}
	list("Hidden imports", e.HiddenImports)
	list("Excludes", e.Excludes)
	list("Plugins", e.Frameworks)
	return strings.TrimRight(b.String(), "\n")
}

// humanBytes renders a size with a binary unit.
func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func shortSessionID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
