package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/ShayCichocki/buildfix/internal/orchestrator"
	"github.com/ShayCichocki/buildfix/internal/tui"
	"github.com/ShayCichocki/buildfix/pkg/models"
)

var reportTitle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("0")).
	Background(lipgloss.Color("45")).
	Padding(0, 1)

// printStatus prints a status line with a colored symbol.
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

// printEvent prints one scheduler event. Routine events only show with
// verbose output.
func printEvent(ev orchestrator.Event, verbose bool) {
	switch ev.Type {
	case orchestrator.EventUnitCompleted, orchestrator.EventCacheHit:
		printStatus("✓", tui.Describe(ev), color.FgGreen)
	case orchestrator.EventUnitFailed:
		printStatus("✗", tui.Describe(ev), color.FgRed)
	case orchestrator.EventUnitRetry:
		printStatus("↻", tui.Describe(ev), color.FgYellow)
	case orchestrator.EventTaskSkipped:
		printStatus("-", tui.Describe(ev), color.FgHiBlack)
	case orchestrator.EventStall, orchestrator.EventPaused, orchestrator.EventResumed:
		printStatus("⚠", tui.Describe(ev), color.FgYellow)
	case orchestrator.EventRunDone, orchestrator.EventTaskDone:
	default:
		if verbose {
			printStatus("·", tui.Describe(ev), color.FgHiBlack)
		}
	}
}

func statusColor(tr orchestrator.TaskReport) *color.Color {
	switch tr.Status {
	case models.TaskStatusCompleted:
		return color.New(color.FgGreen)
	case models.TaskStatusFailed:
		return color.New(color.FgRed)
	case models.TaskStatusSkipped:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.FgYellow)
	}
}

// printReport writes the terminal report: one row per task with its status
// and attempts, then the run totals.
func printReport(w io.Writer, r *orchestrator.Report) {
	if r == nil {
		return
	}
	fmt.Fprintln(w)
	title := fmt.Sprintf("run %s", r.RunID)
	if r.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintf(w, "%s  mode %s  %s\n\n", reportTitle.Render(title), r.Mode,
		r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tTIER\tATTEMPTS\tDURATION\tSTATUS\tDETAIL")
	for _, t := range r.Tasks {
		status := string(t.Status)
		if r.Interrupted && !t.Status.Final() {
			status = "interrupted"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\n",
			t.Name, t.Tier, t.Attempts, formatDuration(t.Duration),
			statusColor(t).Sprint(status), detail(t))
	}
	tw.Flush()

	fmt.Fprintln(w)
	totals := []string{
		color.GreenString("%d completed", r.Completed),
		color.RedString("%d failed", r.Failed),
		fmt.Sprintf("%d skipped", r.Skipped),
	}
	if r.Pending > 0 {
		totals = append(totals, color.YellowString("%d not finished", r.Pending))
	}
	fmt.Fprintln(w, strings.Join(totals, ", "))

	m := r.Metrics
	fmt.Fprintf(w, "units admitted %d, retries %d, cache %d hit / %d miss, timeouts %d, lost %d\n",
		m.Admitted, m.Retries, m.CacheHits, m.CacheMisses, m.Timeouts, m.LostProcs)
	if r.CheckpointID != "" {
		fmt.Fprintf(w, "checkpoint %s\n", r.CheckpointID)
	}
	if r.Interrupted {
		fmt.Fprintln(w, color.YellowString("interrupted; continue with: buildfix run --resume %s", r.CheckpointID))
	}
}

func detail(t orchestrator.TaskReport) string {
	var parts []string
	if t.Cached {
		parts = append(parts, "cached")
	}
	if t.Chunks != nil {
		parts = append(parts, fmt.Sprintf("chunks %d/%d", t.Chunks.Completed, t.Chunks.Total))
	}
	if t.Status == models.TaskStatusFailed && t.ExitCode != 0 {
		parts = append(parts, fmt.Sprintf("exit %d", t.ExitCode))
	}
	if t.Reason != "" {
		parts = append(parts, t.Reason)
	}
	return strings.Join(parts, ", ")
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}
