package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

// View implements tea.Model.
func (a *RunApp) View() string {
	if a.quitting {
		return ""
	}

	sections := []string{
		a.viewHeader(),
		a.viewProgress(),
		a.viewTasks(),
		a.viewResources(),
		a.viewLogs(),
		a.viewFooter(),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (a *RunApp) viewHeader() string {
	s := a.styles
	title := s.title.Render("buildfix")

	var state string
	switch {
	case a.done && a.err != nil:
		state = s.failed.Render("error")
	case a.done:
		state = s.completed.Render("done")
	case a.stopping || a.status.Stopping:
		state = s.warning.Render(a.spinner.View() + " stopping")
	case a.status.Paused:
		state = s.warning.Render("paused")
	default:
		state = s.running.Render(a.spinner.View() + " running")
	}

	run := a.status.RunID
	if run == "" {
		run = "starting"
	}
	mode := string(a.status.Mode)
	if mode == "" {
		mode = "-"
	}
	return fmt.Sprintf("%s  %s  %s %s  %s %s", title, state,
		s.dim.Render("run"), s.value.Render(run),
		s.dim.Render("mode"), s.value.Render(mode))
}

// counts tallies task statuses for the progress line.
type counts struct {
	total, completed, failed, skipped, running int
}

func tally(tasks []models.TaskState) counts {
	c := counts{total: len(tasks)}
	for _, t := range tasks {
		switch {
		case t.Status == models.TaskStatusCompleted:
			c.completed++
		case t.Status == models.TaskStatusSkipped:
			c.skipped++
		case t.Status == models.TaskStatusFailed && t.Done():
			c.failed++
		case t.Status == models.TaskStatusRunning || t.Status == models.TaskStatusAdmitted:
			c.running++
		}
	}
	return c
}

func (a *RunApp) viewProgress() string {
	s := a.styles
	c := tally(a.status.Tasks)
	finished := c.completed + c.failed + c.skipped

	ratio := 0.0
	if c.total > 0 {
		ratio = float64(finished) / float64(c.total)
	}

	line := fmt.Sprintf("%s %d/%d  %s %d  %s %d  %s %d  %s %d",
		a.progress.ViewAs(ratio), finished, c.total,
		s.completed.Render("ok"), c.completed,
		s.failed.Render("failed"), c.failed,
		s.skipped.Render("skipped"), c.skipped,
		s.running.Render("running"), a.status.Running)
	return "\n" + line
}

func (a *RunApp) viewTasks() string {
	s := a.styles
	var b strings.Builder
	b.WriteString(s.section.Render("Tasks"))
	b.WriteString("\n")

	if len(a.status.Tasks) == 0 {
		b.WriteString(s.dim.Render("  no tasks yet"))
		return b.String()
	}

	for _, t := range a.status.Tasks {
		icon, style := a.statusIcon(t)
		line := fmt.Sprintf("%s %-24s %s", style.Render(icon), truncate(t.ID, 24),
			s.dim.Render(fmt.Sprintf("tier %d", t.Tier)))
		if t.Attempts > 0 {
			line += s.dim.Render(fmt.Sprintf("  attempts %d", t.Attempts))
		}
		if t.Chunks != nil {
			line += s.dim.Render(fmt.Sprintf("  chunks %d/%d", t.Chunks.Completed, t.Chunks.Total))
			if t.Chunks.Failed > 0 {
				line += s.failed.Render(fmt.Sprintf(" (%d failed)", t.Chunks.Failed))
			}
		}
		if t.Cached {
			line += s.completed.Render("  cached")
		}
		if t.Reason != "" && (t.Status == models.TaskStatusFailed || t.Status == models.TaskStatusSkipped) {
			line += "  " + s.dim.Render(truncate(t.Reason, max(30, a.width-50)))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *RunApp) statusIcon(t models.TaskState) (string, lipgloss.Style) {
	s := a.styles
	switch {
	case t.Status == models.TaskStatusCompleted:
		return "✓", s.completed
	case t.Status == models.TaskStatusSkipped:
		return "-", s.skipped
	case t.Status == models.TaskStatusFailed && t.Done():
		return "✗", s.failed
	case t.Status == models.TaskStatusFailed:
		return "↻", s.warning
	case t.Status == models.TaskStatusRunning || t.Status == models.TaskStatusAdmitted:
		return "●", s.running
	default:
		return "○", s.dim
	}
}

func (a *RunApp) viewResources() string {
	s := a.styles
	used, ceiling := a.status.Used, a.status.Ceiling
	var b strings.Builder
	b.WriteString(s.section.Render("Resources"))
	b.WriteString("\n")
	b.WriteString(s.label.Render("cpu"))
	b.WriteString(s.value.Render(fmt.Sprintf("%d/%d shares", used.CPUShares, ceiling.CPUShares)))
	b.WriteString("\n")
	b.WriteString(s.label.Render("memory"))
	b.WriteString(s.value.Render(fmt.Sprintf("%d/%d MB", used.MemoryMB, ceiling.MemoryMB)))
	b.WriteString("\n")
	b.WriteString(s.label.Render("handles"))
	b.WriteString(s.value.Render(fmt.Sprintf("%d/%d", used.FileHandles, ceiling.FileHandles)))
	if len(a.status.OpenBreakers) > 0 {
		b.WriteString("\n")
		b.WriteString(s.label.Render("breakers"))
		b.WriteString(s.failed.Render(strings.Join(a.status.OpenBreakers, ", ")))
	}
	return b.String()
}

func (a *RunApp) viewLogs() string {
	s := a.styles
	var b strings.Builder
	b.WriteString(s.section.Render("Events"))

	start := max(0, len(a.logs)-visibleLogEntries)
	for _, e := range a.logs[start:] {
		b.WriteString("\n")
		ts := "--:--:--"
		if !e.Timestamp.IsZero() {
			ts = e.Timestamp.Format("15:04:05")
		}
		msg := e.Message
		switch e.Level {
		case "ERROR":
			msg = s.failed.Render(msg)
		case "WARN":
			msg = s.warning.Render(msg)
		case "DEBUG":
			msg = s.dim.Render(msg)
		}
		b.WriteString(s.dim.Render(ts) + " " + msg)
	}
	return b.String()
}

func (a *RunApp) viewFooter() string {
	s := a.styles
	key := func(k, desc string) string {
		return s.hintKey.Render(k) + " " + s.hint.Render(desc)
	}

	var hints []string
	if a.done {
		hints = append(hints, key("q", "quit"))
		if a.report != nil {
			hints = append(hints, s.hint.Render(fmt.Sprintf("exit code %d", a.report.ExitCode())))
		}
	} else {
		pause := "pause"
		if a.status.Paused {
			pause = "resume"
		}
		hints = append(hints, key("p", pause), key("s", "stop"), key("q", "quit"))
	}
	return "\n" + strings.Join(hints, s.hint.Render("  •  "))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
