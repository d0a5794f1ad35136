package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/buildfix/internal/orchestrator"
)

// Controller is the part of the orchestrator the dashboard reads and drives.
type Controller interface {
	Status() orchestrator.Status
	Pause()
	Resume()
	Stop()
	IsPaused() bool
}

// EventMsg carries one scheduler event.
type EventMsg struct {
	Event orchestrator.Event
}

// StatusMsg replaces the displayed status.
type StatusMsg struct {
	Status orchestrator.Status
}

// DoneMsg signals that Run returned.
type DoneMsg struct {
	Report *orchestrator.Report
	Err    error
}

// pollMsg triggers a status refresh.
type pollMsg time.Time

// LogEntry is one line of the event log.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Message   string
}

// NewRunProgram creates the dashboard program for ctrl.
func NewRunProgram(ctrl Controller, opts ...tea.ProgramOption) (*tea.Program, *RunApp) {
	app := NewRunApp(ctrl)
	if len(opts) == 0 {
		opts = []tea.ProgramOption{tea.WithAltScreen()}
	}
	return tea.NewProgram(app, opts...), app
}

// Forward relays events to p until the channel is closed.
func Forward(p *tea.Program, events <-chan orchestrator.Event) {
	for ev := range events {
		p.Send(EventMsg{Event: ev})
	}
}
