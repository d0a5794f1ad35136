// Package registry loads task declarations and binds them to executors.
package registry

import (
	"context"
	"time"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

// Invocation is the input to one execution of a task or chunk.
type Invocation struct {
	// WorkDir is the project directory.
	WorkDir string
	// UnitID identifies the unit being executed.
	UnitID string
	// Items is the unit's share of the task's error set. Empty for whole tasks.
	Items []string
	// ChunkFile holds Items, one per line, when the unit is a chunk.
	ChunkFile string
	// Timeout bounds the execution.
	Timeout time.Duration
	// LogPath receives the full executor output.
	LogPath string
	// TailBytes is how much output the result keeps.
	TailBytes int
	// OnStart is called with the PID of a spawned process.
	OnStart func(pid int)
}

// Result is what an execution reports back.
type Result struct {
	ExitCode int
	Output   []byte
	// PID is zero for tasks that run in-process.
	PID      int
	TimedOut bool
	// Summary is a short human-readable outcome stored in the result cache.
	Summary string
}

// Task is a runnable task kind. Execute returns an error only when the
// execution could not be started at all.
type Task interface {
	Descriptor() models.TaskDescriptor
	Chunkable() bool
	ResourceDemand() models.ResourceDemand
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// Factory creates a Task for a descriptor of one kind.
type Factory func(d models.TaskDescriptor) (Task, error)

// Base implements the descriptor-derived methods of Task. Task kinds
// embed it.
type Base struct {
	Desc models.TaskDescriptor
}

func (b Base) Descriptor() models.TaskDescriptor     { return b.Desc }
func (b Base) Chunkable() bool                       { return b.Desc.Chunkable }
func (b Base) ResourceDemand() models.ResourceDemand { return b.Desc.Demand }
