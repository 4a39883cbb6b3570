package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kalambet/passwright/internal/document"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusColor(s document.JobStatus) string {
	switch s {
	case document.JobCompleted:
		return colorGreen
	case document.JobFailed:
		return colorRed
	case document.JobCancelled, document.JobPaused:
		return colorYellow
	}
	return colorCyan
}

// formatJobLine renders a one-line job summary.
func formatJobLine(j document.Job) string {
	id := j.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s  %-11s  pass %d  %d/%d  %s",
		colorize(colorCyan, id),
		colorize(statusColor(j.Status), string(j.Status)),
		j.CurrentPass,
		j.CompletedSections, j.TotalSections,
		document.Truncate(j.Title, 60),
	)
}

// printAudit writes a readable audit summary to w.
func printAudit(w io.Writer, rec document.AuditRecord) {
	fmt.Fprintf(w, "%s %d (%s)\n", colorize(colorBold, "Final score:"), rec.FinalScore, rec.Verdict)
	fmt.Fprintf(w, "  algorithmic %.1f  compliance %.1f  penalty %d\n", rec.AlgorithmicScore, rec.ComplianceScore, rec.ContradictionPenalty)
	for _, r := range rec.Rules {
		mark := colorize(colorGreen, "pass")
		if !r.Passed {
			mark = colorize(colorRed, "fail")
		}
		fmt.Fprintf(w, "  %s  %s", mark, r.Rule)
		if r.Detail != "" {
			fmt.Fprintf(w, ": %s", r.Detail)
		}
		fmt.Fprintln(w)
		if !r.Passed && r.Hint != "" {
			fmt.Fprintf(w, "        %s\n", r.Hint)
		}
	}
	for _, c := range rec.Contradictions {
		fmt.Fprintf(w, "  %s %s\n", colorize(colorYellow, "contradiction:"), c)
	}
}
