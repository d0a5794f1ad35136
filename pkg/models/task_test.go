package models

import (
	"testing"
	"time"
)

func TestTaskStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status TaskStatus
		want   bool
	}{
		{"pending is valid", TaskStatusPending, true},
		{"admitted is valid", TaskStatusAdmitted, true},
		{"running is valid", TaskStatusRunning, true},
		{"completed is valid", TaskStatusCompleted, true},
		{"failed is valid", TaskStatusFailed, true},
		{"skipped is valid", TaskStatusSkipped, true},
		{"empty string is invalid", TaskStatus(""), false},
		{"unknown status is invalid", TaskStatus("done"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("TaskStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusPending, TaskStatusAdmitted, true},
		{TaskStatusPending, TaskStatusSkipped, true},
		{TaskStatusPending, TaskStatusRunning, false},
		{TaskStatusAdmitted, TaskStatusRunning, true},
		{TaskStatusAdmitted, TaskStatusCompleted, true},
		{TaskStatusRunning, TaskStatusCompleted, true},
		{TaskStatusRunning, TaskStatusFailed, true},
		{TaskStatusFailed, TaskStatusAdmitted, true},
		{TaskStatusFailed, TaskStatusPending, false},
		{TaskStatusCompleted, TaskStatusAdmitted, false},
		{TaskStatusSkipped, TaskStatusAdmitted, false},
		{TaskStatusRunning, TaskStatusSkipped, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestResourceDemand_Exceeds(t *testing.T) {
	ceiling := ResourceDemand{CPUShares: 400, MemoryMB: 1024, FileHandles: 256}

	tests := []struct {
		name   string
		demand ResourceDemand
		want   bool
	}{
		{"zero fits", ResourceDemand{}, false},
		{"equal fits", ceiling, false},
		{"cpu over", ResourceDemand{CPUShares: 401}, true},
		{"memory over", ResourceDemand{MemoryMB: 2048}, true},
		{"handles over", ResourceDemand{FileHandles: 257}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.demand.Exceeds(ceiling); got != tt.want {
				t.Errorf("Exceeds() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResourceDemand_AddSub(t *testing.T) {
	a := ResourceDemand{CPUShares: 100, MemoryMB: 256, FileHandles: 10}
	b := ResourceDemand{CPUShares: 50, MemoryMB: 128, FileHandles: 5}

	sum := a.Add(b)
	if sum != (ResourceDemand{CPUShares: 150, MemoryMB: 384, FileHandles: 15}) {
		t.Errorf("Add() = %+v", sum)
	}
	if back := sum.Sub(b); back != a {
		t.Errorf("Sub() = %+v, want %+v", back, a)
	}
}

func TestTaskState_RefreshSingleUnit(t *testing.T) {
	now := time.Now()
	s := TaskState{ID: "a", Status: TaskStatusPending}
	s.Units = []UnitState{{ID: "a", Total: 1, Status: TaskStatusRunning, Attempts: 1, StartedAt: now}}
	s.Refresh(now)

	if s.Status != TaskStatusRunning {
		t.Fatalf("Status = %s, want running", s.Status)
	}

	s.Units[0].Status = TaskStatusFailed
	s.Units[0].RetryAt = now.Add(time.Second)
	s.Refresh(now)

	if s.Done() {
		t.Error("task with pending retry must not be done")
	}

	s.Units[0].RetryAt = time.Time{}
	s.Refresh(now)
	if !s.Done() {
		t.Error("task failed without retry should be done")
	}
}

func TestTaskState_RefreshChunkFailureFailsParent(t *testing.T) {
	now := time.Now()
	s := TaskState{ID: "fix", Status: TaskStatusRunning, Chunks: &ChunkProgress{}}
	s.Units = []UnitState{
		{ID: "fix#0/3", Index: 0, Total: 3, Status: TaskStatusCompleted},
		{ID: "fix#1/3", Index: 1, Total: 3, Status: TaskStatusFailed, LastExitCode: 2, Reason: "exit 2"},
		{ID: "fix#2/3", Index: 2, Total: 3, Status: TaskStatusCompleted},
	}
	s.Refresh(now)

	if s.Status != TaskStatusFailed {
		t.Fatalf("Status = %s, want failed", s.Status)
	}
	if s.Chunks.Completed != 2 || s.Chunks.Failed != 1 {
		t.Errorf("Chunks = %+v, want 2 completed 1 failed", *s.Chunks)
	}
	if s.LastExitCode != 2 {
		t.Errorf("LastExitCode = %d, want 2", s.LastExitCode)
	}
}

func TestTaskState_RefreshChunkRetryKeepsParentRunning(t *testing.T) {
	now := time.Now()
	s := TaskState{ID: "fix", Status: TaskStatusRunning, Chunks: &ChunkProgress{}}
	s.Units = []UnitState{
		{ID: "fix#0/2", Total: 2, Status: TaskStatusCompleted},
		{ID: "fix#1/2", Index: 1, Total: 2, Status: TaskStatusFailed, RetryAt: now.Add(time.Minute)},
	}
	s.Refresh(now)

	if s.Status != TaskStatusRunning {
		t.Errorf("Status = %s, want running", s.Status)
	}
}

func TestTaskState_CloneIsDeep(t *testing.T) {
	s := TaskState{ID: "a", Units: []UnitState{{ID: "a"}}, Chunks: &ChunkProgress{Total: 1}}
	c := s.Clone()
	c.Units[0].Attempts = 5
	c.Chunks.Total = 9

	if s.Units[0].Attempts != 0 || s.Chunks.Total != 1 {
		t.Error("Clone shares memory with the original")
	}
}

func TestTaskState_Skip(t *testing.T) {
	s := TaskState{ID: "a", Status: TaskStatusPending}
	if err := s.Skip("dependency b failed", time.Now()); err != nil {
		t.Fatalf("Skip() error = %v", err)
	}
	if s.Status != TaskStatusSkipped {
		t.Errorf("Status = %s, want skipped", s.Status)
	}

	running := TaskState{ID: "b", Status: TaskStatusRunning}
	if err := running.Skip("x", time.Now()); err == nil {
		t.Error("expected error skipping a running task")
	}
}
