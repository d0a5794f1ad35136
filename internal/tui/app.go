package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/buildfix/internal/orchestrator"
)

const (
	// maxLogEntries bounds the event log kept in memory.
	maxLogEntries = 200
	// visibleLogEntries is how many log lines the view shows.
	visibleLogEntries = 8
	pollInterval      = 250 * time.Millisecond
)

// RunApp is the bubbletea model of the run dashboard.
type RunApp struct {
	ctrl   Controller
	status orchestrator.Status
	logs   []LogEntry

	// done is set once Run returned; report and err hold its result.
	done     bool
	report   *orchestrator.Report
	err      error
	stopping bool
	quitting bool

	width  int
	height int

	progress progress.Model
	spinner  spinner.Model
	styles   styles
}

// NewRunApp creates the dashboard model.
func NewRunApp(ctrl Controller) *RunApp {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = defaultStyles().running

	return &RunApp{
		ctrl: ctrl,
		progress: progress.New(
			progress.WithGradient("#4ECDC4", "#96E6A1"),
			progress.WithWidth(40),
		),
		spinner: sp,
		styles:  defaultStyles(),
		width:   80,
	}
}

// Init implements tea.Model.
func (a *RunApp) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, poll())
}

func poll() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return pollMsg(t) })
}

// Update implements tea.Model.
func (a *RunApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a, a.handleKey(msg.String())

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.progress.Width = max(10, min(60, msg.Width-30))

	case pollMsg:
		if a.ctrl != nil {
			a.status = a.ctrl.Status()
		}
		if !a.done {
			return a, poll()
		}

	case StatusMsg:
		a.status = msg.Status

	case EventMsg:
		a.addEvent(msg.Event)

	case DoneMsg:
		a.done = true
		a.report = msg.Report
		a.err = msg.Err
		if a.ctrl != nil {
			a.status = a.ctrl.Status()
		}
		if msg.Err != nil {
			a.addLog("ERROR", msg.Err.Error())
		} else if msg.Report != nil {
			a.addLog("INFO", fmt.Sprintf("run finished, exit code %d", msg.Report.ExitCode()))
		}

	case spinner.TickMsg:
		if a.done {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}

	return a, nil
}

func (a *RunApp) handleKey(key string) tea.Cmd {
	switch key {
	case "q", "ctrl+c":
		if a.done || a.stopping {
			a.quitting = true
			return tea.Quit
		}
		a.stop()
	case "s":
		if !a.done {
			a.stop()
		}
	case "p":
		if a.done || a.ctrl == nil {
			return nil
		}
		if a.ctrl.IsPaused() {
			a.ctrl.Resume()
			a.addLog("INFO", "admission resumed")
		} else {
			a.ctrl.Pause()
			a.addLog("INFO", "admission paused")
		}
	}
	return nil
}

func (a *RunApp) stop() {
	if a.stopping {
		return
	}
	a.stopping = true
	if a.ctrl != nil {
		a.ctrl.Stop()
	}
	a.addLog("WARN", "stop requested, waiting for running units")
}

func (a *RunApp) addEvent(ev orchestrator.Event) {
	level := "INFO"
	switch ev.Type {
	case orchestrator.EventUnitFailed, orchestrator.EventStall:
		level = "WARN"
	case orchestrator.EventUnitAdmitted, orchestrator.EventUnitStarted, orchestrator.EventCheckpoint:
		level = "DEBUG"
	}
	a.logs = append(a.logs, LogEntry{Timestamp: ev.Timestamp, Level: level, Message: Describe(ev)})
	a.trimLogs()
}

func (a *RunApp) addLog(level, message string) {
	a.logs = append(a.logs, LogEntry{Timestamp: time.Now(), Level: level, Message: message})
	a.trimLogs()
}

func (a *RunApp) trimLogs() {
	if len(a.logs) > maxLogEntries {
		a.logs = a.logs[len(a.logs)-maxLogEntries:]
	}
}

// Done reports whether the run has finished.
func (a *RunApp) Done() bool {
	return a.done
}

// Logs returns a copy of the event log.
func (a *RunApp) Logs() []LogEntry {
	return append([]LogEntry(nil), a.logs...)
}

// Describe renders an event as one log line.
func Describe(ev orchestrator.Event) string {
	unit := ev.UnitID
	if unit == "" {
		unit = ev.TaskID
	}
	switch ev.Type {
	case orchestrator.EventUnitAdmitted:
		return fmt.Sprintf("%s admitted (attempt %d)", unit, ev.Attempt)
	case orchestrator.EventUnitStarted:
		return fmt.Sprintf("%s started, %s", unit, ev.Message)
	case orchestrator.EventUnitCompleted:
		if ev.Duration > 0 {
			return fmt.Sprintf("%s completed in %s", unit, ev.Duration.Round(time.Millisecond))
		}
		return unit + " completed"
	case orchestrator.EventUnitRetry:
		return fmt.Sprintf("%s failed: %s", unit, ev.Message)
	case orchestrator.EventUnitFailed:
		return fmt.Sprintf("%s failed after %d attempt(s): %s", unit, ev.Attempt, ev.Message)
	case orchestrator.EventCacheHit:
		return unit + " restored from cache"
	case orchestrator.EventTaskSkipped:
		return fmt.Sprintf("%s skipped: %s", ev.TaskID, ev.Message)
	case orchestrator.EventTaskDone:
		return fmt.Sprintf("task %s %s", ev.TaskID, ev.Message)
	case orchestrator.EventCheckpoint:
		if ev.Message != "" {
			return "checkpoint " + ev.Message
		}
		return "checkpoint queued"
	case orchestrator.EventStall:
		return ev.Message
	case orchestrator.EventPaused:
		return "paused"
	case orchestrator.EventResumed:
		return "resumed"
	case orchestrator.EventRunDone:
		return "run done, " + ev.Message
	default:
		return fmt.Sprintf("%s %s", ev.Type, ev.Message)
	}
}
