package orchestrator

import (
	"time"
)

// EventType represents the type of scheduler event.
type EventType string

const (
	// EventUnitAdmitted indicates a unit passed admission.
	EventUnitAdmitted EventType = "unit_admitted"
	// EventUnitStarted indicates the unit's executor process started.
	EventUnitStarted EventType = "unit_started"
	// EventUnitCompleted indicates a unit finished successfully.
	EventUnitCompleted EventType = "unit_completed"
	// EventUnitRetry indicates a failed unit will be retried.
	EventUnitRetry EventType = "unit_retry"
	// EventUnitFailed indicates a unit failed permanently.
	EventUnitFailed EventType = "unit_failed"
	// EventCacheHit indicates a unit completed from the result cache.
	EventCacheHit EventType = "cache_hit"
	// EventTaskSkipped indicates a task will not run.
	EventTaskSkipped EventType = "task_skipped"
	// EventTaskDone indicates a task reached a terminal status.
	EventTaskDone EventType = "task_done"
	// EventCheckpoint indicates a checkpoint was queued or written.
	EventCheckpoint EventType = "checkpoint"
	// EventStall indicates no progress for the stall timeout.
	EventStall EventType = "stall"
	// EventPaused and EventResumed track admission control.
	EventPaused  EventType = "paused"
	EventResumed EventType = "resumed"
	// EventRunDone indicates the scheduler loop exited.
	EventRunDone EventType = "run_done"
)

// Event is emitted by the scheduler. Subscribers such as the TUI use it to
// follow progress.
type Event struct {
	Type EventType
	// TaskID and UnitID are set for task and unit events.
	TaskID string
	UnitID string
	// Attempt is the attempt number for unit events.
	Attempt  int
	ExitCode int
	// Message provides additional context.
	Message   string
	Timestamp time.Time
	// Duration is the attempt wall time for finished units.
	Duration time.Duration
}
