// Package tui provides the live dashboard shown by "buildfix run --tui".
//
// The dashboard is read-mostly: it polls the orchestrator's published
// Status, shows a progress bar, the task table, resource usage and a
// rolling event log. Three keys act on the run:
//   - p pauses or resumes admission
//   - s stops admission and lets running units drain
//   - q quits once the run is done (the first q on a live run acts like s)
//
// Usage:
//
//	program, app := tui.NewRunProgram(orch)
//	go tui.Forward(program, orch.Events())
//	go func() {
//	    report, err := orch.Run(ctx)
//	    program.Send(tui.DoneMsg{Report: report, Err: err})
//	}()
//	_, err := program.Run()
package tui
