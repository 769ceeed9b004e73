package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/awslabs/automated-security-helper-sub041/internal/engine"
	"github.com/awslabs/automated-security-helper-sub041/internal/orchestrator"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
)

func progressPrinter(w io.Writer) engine.ProgressListener {
	return func(name string, state engine.JobState, p engine.Progress) {
		fmt.Fprintf(w, "[%d/%d] %-10s %s\n", p.Finished(), p.Total, state, name)
	}
}

func renderJSON(w io.Writer, report *orchestrator.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func renderText(w io.Writer, report *orchestrator.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Run %s against %s: %s (%s)\n\n", report.RunID, report.Target, report.Status, report.Duration.Round(time.Millisecond))

	fmt.Fprintln(tw, "SCANNER\tSTATE\tVERSION\tRAW\tDURATION")
	for _, s := range report.Scanners {
		version := s.Version
		if version == "" {
			version = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.Name, s.State, version, s.RawFindings, s.Duration.Round(time.Millisecond))
	}
	fmt.Fprintln(tw)

	active := report.ActiveFindings()
	if len(active) > 0 {
		fmt.Fprintln(tw, "SEVERITY\tRULE\tLOCATION\tSCANNER\tTITLE")
		for _, f := range active {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.Severity, ruleID(f.Finding), location(f.Finding), f.ScannerName, f.Title)
		}
		fmt.Fprintln(tw)
	}

	var counts []string
	for _, sev := range finding.Severities {
		if n := report.Summary.ActiveBySeverity[sev]; n > 0 {
			counts = append(counts, fmt.Sprintf("%s=%d", sev, n))
		}
	}
	fmt.Fprintf(tw, "Findings: %d total, %d active, %d suppressed", report.Summary.Total, report.Summary.Active, report.Summary.Suppressed)
	if len(counts) > 0 {
		fmt.Fprintf(tw, " (%s)", strings.Join(counts, " "))
	}
	fmt.Fprintln(tw)

	for _, s := range report.Scanners {
		if s.ErrorMessage != "" {
			fmt.Fprintf(tw, "Scanner %s failed: %s\n", s.Name, s.ErrorMessage)
		}
	}
	for _, msg := range report.ValidationErrors {
		fmt.Fprintf(tw, "Dropped: %s\n", msg)
	}
	for _, r := range report.ExpiringSuppressions {
		fmt.Fprintf(tw, "Suppression %s on %s expires %s\n", r.RuleID, r.Path, r.Expiration)
	}
	for _, r := range report.UnusedSuppressions {
		fmt.Fprintf(tw, "Suppression %s on %s matched nothing\n", r.RuleID, r.Path)
	}
	if report.SnapshotError != "" {
		fmt.Fprintf(tw, "Trend snapshot not stored: %s\n", report.SnapshotError)
	}

	return tw.Flush()
}

func ruleID(f finding.Finding) string {
	if f.RuleID == nil {
		return "-"
	}
	return *f.RuleID
}

func location(f finding.Finding) string {
	switch {
	case f.LineStart == nil:
		return f.FilePath
	case f.LineEnd == nil || *f.LineEnd == *f.LineStart:
		return fmt.Sprintf("%s:%d", f.FilePath, *f.LineStart)
	default:
		return fmt.Sprintf("%s:%d-%d", f.FilePath, *f.LineStart, *f.LineEnd)
	}
}
