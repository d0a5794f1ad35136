package models

import (
	"fmt"
	"time"
)

// UnitState tracks one execution unit: a whole task, or one chunk of a
// chunkable task.
type UnitState struct {
	// ID is the unit identity used for caching and circuit breaking.
	ID string `json:"id"`
	// Index is the chunk index, starting at 0.
	Index int `json:"index"`
	// Total is the number of units the parent task was split into.
	Total int `json:"total"`
	// Items is the number of input errors handled by this unit.
	Items int `json:"items"`
	// Status is the current state of the unit.
	Status TaskStatus `json:"status"`
	// Attempts counts executor invocations, including the running one.
	Attempts int `json:"attempts"`
	// LastExitCode is the exit status of the most recent attempt.
	LastExitCode int `json:"last_exit_code"`
	// Fingerprint identifies the unit's input for the result cache.
	Fingerprint string `json:"fingerprint,omitempty"`
	// RetryAt is set while a failed unit waits for its backoff to elapse.
	RetryAt time.Time `json:"retry_at,omitempty"`
	// StartedAt is when the first attempt started.
	StartedAt time.Time `json:"started_at,omitempty"`
	// EndedAt is when the unit reached a final status.
	EndedAt time.Time `json:"ended_at,omitempty"`
	// Reason explains a failure.
	Reason string `json:"reason,omitempty"`
	// Cached is true when the outcome came from the result cache.
	Cached bool `json:"cached,omitempty"`
}

// RetryPending returns true if the unit failed and will be re-admitted.
func (u UnitState) RetryPending() bool {
	return u.Status == TaskStatusFailed && !u.RetryAt.IsZero()
}

// Done returns true if the unit will not change state again.
func (u UnitState) Done() bool {
	return u.Status.Final() && !u.RetryPending()
}

// Transition moves the unit to a new status, enforcing the state machine.
func (u *UnitState) Transition(to TaskStatus) error {
	if !CanTransition(u.Status, to) {
		return fmt.Errorf("unit %s: illegal transition %s -> %s", u.ID, u.Status, to)
	}
	u.Status = to
	return nil
}

// ChunkProgress summarizes a chunked task.
type ChunkProgress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// TaskState is the mutable run state of one task. It is owned by the
// scheduler; everything else sees copies.
type TaskState struct {
	ID           string         `json:"id"`
	Tier         int            `json:"tier"`
	Status       TaskStatus     `json:"status"`
	Attempts     int            `json:"attempts"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
	EndedAt      time.Time      `json:"ended_at,omitempty"`
	LastExitCode int            `json:"last_exit_code"`
	Reason       string         `json:"reason,omitempty"`
	Cached       bool           `json:"cached,omitempty"`
	Units        []UnitState    `json:"units,omitempty"`
	Chunks       *ChunkProgress `json:"chunks,omitempty"`
}

// NewTaskState returns the initial state for a descriptor.
func NewTaskState(d TaskDescriptor) TaskState {
	return TaskState{ID: d.ID, Tier: d.Tier, Status: TaskStatusPending}
}

// Clone returns a deep copy.
func (s TaskState) Clone() TaskState {
	out := s
	if s.Units != nil {
		out.Units = make([]UnitState, len(s.Units))
		copy(out.Units, s.Units)
	}
	if s.Chunks != nil {
		c := *s.Chunks
		out.Chunks = &c
	}
	return out
}

// Chunked returns true if the task was split into chunk units.
func (s TaskState) Chunked() bool {
	return s.Chunks != nil
}

// Done returns true if the task reached a final status with no retry pending.
func (s TaskState) Done() bool {
	if !s.Status.Final() {
		return false
	}
	for _, u := range s.Units {
		if u.RetryPending() {
			return false
		}
	}
	return true
}

// Skip marks a pending task skipped.
func (s *TaskState) Skip(reason string, now time.Time) error {
	if !CanTransition(s.Status, TaskStatusSkipped) {
		return fmt.Errorf("task %s: cannot skip from %s", s.ID, s.Status)
	}
	s.Status = TaskStatusSkipped
	s.Reason = reason
	s.EndedAt = now
	return nil
}

// Refresh recomputes the task-level fields from its units. Statuses only
// move forward along the state machine; a chunked parent stays running
// while any of its chunks is in flight or waiting for a retry.
func (s *TaskState) Refresh(now time.Time) {
	if len(s.Units) == 0 {
		return
	}

	attempts := 0
	for _, u := range s.Units {
		attempts += u.Attempts
	}
	s.Attempts = attempts

	if s.Chunks == nil {
		u := s.Units[0]
		s.Status = u.Status
		s.LastExitCode = u.LastExitCode
		s.Reason = u.Reason
		s.Cached = u.Cached
		if s.StartedAt.IsZero() {
			s.StartedAt = u.StartedAt
		}
		if u.Done() {
			s.EndedAt = u.EndedAt
		}
		return
	}

	var completed, failed, active, admitted int
	cached := true
	var reason string
	for _, u := range s.Units {
		switch {
		case u.Status == TaskStatusCompleted:
			completed++
			if !u.Cached {
				cached = false
			}
		case u.Done():
			failed++
			cached = false
			if reason == "" {
				reason = fmt.Sprintf("chunk %d/%d: %s", u.Index+1, u.Total, u.Reason)
				s.LastExitCode = u.LastExitCode
			}
		case u.Status == TaskStatusAdmitted:
			admitted++
			cached = false
		case u.Status == TaskStatusRunning || u.RetryPending():
			active++
			cached = false
		default:
			cached = false
		}
		if s.StartedAt.IsZero() && !u.StartedAt.IsZero() {
			s.StartedAt = u.StartedAt
		}
	}
	s.Chunks.Total = len(s.Units)
	s.Chunks.Completed = completed
	s.Chunks.Failed = failed

	total := len(s.Units)
	switch {
	case completed == total:
		s.Status = TaskStatusCompleted
		s.Cached = cached
		s.LastExitCode = 0
		s.EndedAt = now
	case completed+failed == total:
		s.Status = TaskStatusFailed
		s.Reason = reason
		s.EndedAt = now
	case active > 0 || completed > 0 || failed > 0:
		s.Status = TaskStatusRunning
	case admitted > 0:
		s.Status = TaskStatusAdmitted
	}
}
