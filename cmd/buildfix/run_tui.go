package main

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/buildfix/internal/orchestrator"
	"github.com/ShayCichocki/buildfix/internal/tui"
)

type runResult struct {
	report *orchestrator.Report
	err    error
}

// runWithTUI runs the orchestrator behind the live dashboard. Quitting the
// dashboard early stops admission and waits for running units to drain.
func runWithTUI(ctx context.Context, orch *orchestrator.Orchestrator) (report *orchestrator.Report, retErr error) {
	program, _ := tui.NewRunProgram(orch)

	done := make(chan runResult, 1)
	go tui.Forward(program, orch.Events())
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("panic in orchestrator: %v", r)}
				program.Quit()
			}
		}()
		report, err := orch.Run(ctx)
		program.Send(tui.DoneMsg{Report: report, Err: err})
		done <- runResult{report: report, err: err}
	}()

	if _, err := program.Run(); err != nil {
		orch.Stop()
		res := <-done
		if res.err != nil {
			return nil, res.err
		}
		return res.report, fmt.Errorf("dashboard: %w", err)
	}

	// The dashboard may exit before the run does.
	orch.Stop()
	res := <-done
	return res.report, res.err
}
