package models

import "time"

// TaskStatus represents the current state of a task or execution unit.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been admitted yet.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusAdmitted indicates the task holds resources and a concurrency slot.
	TaskStatusAdmitted TaskStatus = "admitted"
	// TaskStatusRunning indicates the task executor is running.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task completed successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the last attempt failed. It is terminal
	// unless a retry is pending.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusSkipped indicates the task will never run in this run.
	TaskStatusSkipped TaskStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusAdmitted, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// Final reports whether the status can end a task's lifecycle.
// Failed counts as final here; callers that care about pending retries
// must also check RetryAt.
func (s TaskStatus) Final() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusSkipped
}

// transitions lists every allowed status edge.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusAdmitted, TaskStatusSkipped},
	// admitted -> completed is the cache-hit short circuit,
	// admitted -> failed covers spawn errors and oversized demands.
	TaskStatusAdmitted: {TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusRunning:  {TaskStatusCompleted, TaskStatusFailed},
	TaskStatusFailed:   {TaskStatusAdmitted},
}

// CanTransition reports whether a status may move from one value to another.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ResourceDemand is the abstract resource footprint of one execution.
type ResourceDemand struct {
	// CPUShares is measured in hundredths of a logical core.
	CPUShares int `json:"cpu_shares" yaml:"cpu_shares"`
	// MemoryMB is the expected peak memory in megabytes.
	MemoryMB int `json:"memory_mb" yaml:"memory_mb"`
	// FileHandles is the expected number of open file descriptors.
	FileHandles int `json:"file_handles" yaml:"file_handles"`
}

// Add returns the element-wise sum of two demands.
func (d ResourceDemand) Add(o ResourceDemand) ResourceDemand {
	return ResourceDemand{
		CPUShares:   d.CPUShares + o.CPUShares,
		MemoryMB:    d.MemoryMB + o.MemoryMB,
		FileHandles: d.FileHandles + o.FileHandles,
	}
}

// Sub returns the element-wise difference of two demands.
func (d ResourceDemand) Sub(o ResourceDemand) ResourceDemand {
	return ResourceDemand{
		CPUShares:   d.CPUShares - o.CPUShares,
		MemoryMB:    d.MemoryMB - o.MemoryMB,
		FileHandles: d.FileHandles - o.FileHandles,
	}
}

// Exceeds returns true if any dimension of d is larger than the ceiling.
func (d ResourceDemand) Exceeds(ceiling ResourceDemand) bool {
	return d.CPUShares > ceiling.CPUShares ||
		d.MemoryMB > ceiling.MemoryMB ||
		d.FileHandles > ceiling.FileHandles
}

// IsZero returns true if the demand asks for nothing.
func (d ResourceDemand) IsZero() bool {
	return d == ResourceDemand{}
}

// Valid returns true if no dimension is negative.
func (d ResourceDemand) Valid() bool {
	return d.CPUShares >= 0 && d.MemoryMB >= 0 && d.FileHandles >= 0
}

// ExecRef is the opaque handle a task executor uses to run a task.
type ExecRef struct {
	// Kind selects the executor implementation ("command", "advisor").
	Kind string `json:"kind" yaml:"kind"`
	// Command is a shell command line for command tasks.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
	// Args are appended to Command.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	// Env holds extra environment variables for the process.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// Prompt is the instruction used by advisor tasks.
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	// Output is where advisor tasks write their suggestions.
	Output string `json:"output,omitempty" yaml:"output,omitempty"`
}

// TaskDescriptor is the immutable declaration of a task, loaded at startup.
type TaskDescriptor struct {
	// ID is the unique identifier for this task.
	ID string `json:"id" yaml:"id"`
	// Name is the display name.
	Name string `json:"name" yaml:"name"`
	// Tier is the priority tier; lower tiers run first. Tiers start at 1.
	Tier int `json:"tier" yaml:"tier"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Demand is the resource footprint of one execution.
	Demand ResourceDemand `json:"demand" yaml:"demand"`
	// Chunkable allows the input error set to be split across executions.
	Chunkable bool `json:"chunkable" yaml:"chunkable"`
	// Ref is handed to the task executor.
	Ref ExecRef `json:"ref" yaml:"ref"`
	// ErrorSource is a file holding the task's input error set, one per line.
	ErrorSource string `json:"error_source,omitempty" yaml:"error_source,omitempty"`
	// Inputs are glob patterns whose contents feed the input fingerprint.
	Inputs []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	// Timeout overrides the configured per-execution timeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (d TaskDescriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Outcome is the result of one execution, as stored in the result cache.
type Outcome struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exit_code"`
	Summary  string `json:"summary,omitempty"`
}
