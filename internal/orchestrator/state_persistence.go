package orchestrator

import (
	"fmt"
	"os"
	"time"

	"github.com/ShayCichocki/buildfix/internal/state"
)

// recordRunStart creates or reopens the run record in the state database.
func (o *Orchestrator) recordRunStart() error {
	if o.stateDB == nil {
		return nil // No-op if state DB not configured
	}

	existing, err := o.stateDB.GetRun(o.runID)
	if err != nil {
		return fmt.Errorf("look up run: %w", err)
	}
	if existing != nil {
		existing.Status = state.RunRunning
		existing.PID = os.Getpid()
		existing.EndedAt = time.Time{}
		return o.stateDB.UpdateRun(existing)
	}

	run := &state.Run{
		ID:        o.runID,
		Mode:      o.opts.mode,
		Status:    state.RunRunning,
		PID:       os.Getpid(),
		StartedAt: o.startedAt,
	}
	if o.recovery != nil {
		run.ResumedFrom = o.recovery.ID
	}
	if err := o.stateDB.CreateRun(run); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// recordRunEnd stores the final task table and the run outcome.
func (o *Orchestrator) recordRunEnd(r *Report) error {
	if o.stateDB == nil {
		return nil // No-op if state DB not configured
	}

	if err := o.stateDB.SaveTaskStates(o.runID, o.sortedStates()); err != nil {
		return err
	}

	run, err := o.stateDB.GetRun(o.runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s disappeared", o.runID)
	}
	switch {
	case r.Interrupted:
		run.Status = state.RunInterrupted
	case r.Failed > 0:
		run.Status = state.RunFailed
	default:
		run.Status = state.RunCompleted
	}
	run.Completed = r.Completed
	run.Failed = r.Failed
	run.Skipped = r.Skipped
	run.LastCheckpoint = r.CheckpointID
	run.EndedAt = r.EndedAt
	return o.stateDB.UpdateRun(run)
}
