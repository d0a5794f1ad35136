package state

import (
	"context"
	"fmt"
	"time"

	"github.com/ShayCichocki/buildfix/internal/exec"
)

// RecoveryManager detects runs that ended without recording an outcome.
type RecoveryManager struct {
	db    *DB
	alive func(ctx context.Context, pid int) bool
}

// NewRecoveryManager creates a RecoveryManager for db.
func NewRecoveryManager(db *DB) *RecoveryManager {
	return &RecoveryManager{db: db, alive: exec.Alive}
}

// MarkInterrupted finds runs still marked running whose owning process is
// gone, marks them interrupted and returns them newest first. Runs whose
// process is still alive are left alone.
func (rm *RecoveryManager) MarkInterrupted(ctx context.Context) ([]Run, error) {
	status := RunRunning
	runs, err := rm.db.ListRuns(&status, 0)
	if err != nil {
		return nil, fmt.Errorf("list running runs: %w", err)
	}

	var interrupted []Run
	for _, r := range runs {
		if r.PID > 0 && rm.alive(ctx, r.PID) {
			continue
		}
		r.Status = RunInterrupted
		if r.EndedAt.IsZero() {
			r.EndedAt = time.Now()
		}
		if err := rm.db.UpdateRun(&r); err != nil {
			return nil, fmt.Errorf("mark run %s interrupted: %w", r.ID, err)
		}
		interrupted = append(interrupted, r)
	}
	return interrupted, nil
}
