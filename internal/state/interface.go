package state

import (
	"io"
	"time"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

// RunStore handles run records.
type RunStore interface {
	CreateRun(r *Run) error
	UpdateRun(r *Run) error
	GetRun(id string) (*Run, error)
	ListRuns(status *RunStatus, limit int) ([]Run, error)
}

// TaskStateStore handles the per-run task table.
type TaskStateStore interface {
	SaveTaskStates(runID string, states []models.TaskState) error
	ListTaskStates(runID string) ([]models.TaskState, error)
}

// BreakerStore persists circuit breaker history.
type BreakerStore interface {
	LoadBreakerFailures(since time.Time) (map[string][]time.Time, error)
	AppendBreakerFailure(unitID string, at time.Time) error
	ClearBreakerFailures(unitID string) error
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// StateStore is everything the scheduler persists outside checkpoints.
type StateStore interface {
	io.Closer
	Migrator
	RunStore
	TaskStateStore
	BreakerStore
}

var (
	_ StateStore     = (*DB)(nil)
	_ RunStore       = (*DB)(nil)
	_ TaskStateStore = (*DB)(nil)
	_ BreakerStore   = (*DB)(nil)
)
