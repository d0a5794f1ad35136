// Package exec runs task executors as child processes.
package exec

import (
	"context"
	"time"
)

// TimeoutExitCode is reported when an attempt is killed for exceeding its
// deadline, matching timeout(1).
const TimeoutExitCode = 124

// Request describes one executor invocation.
type Request struct {
	// WorkDir is the process working directory. Empty means the current one.
	WorkDir string
	// Command is a shell command line run through "sh -c".
	Command string
	// Args are passed to Command as positional parameters.
	Args []string
	// Env holds extra KEY=VALUE pairs appended to the parent environment.
	Env []string
	// Timeout bounds the attempt. Zero means no deadline beyond ctx.
	Timeout time.Duration
	// TailBytes is how much trailing output Result keeps. Zero keeps all.
	TailBytes int
	// LogPath, if set, receives the full combined output.
	LogPath string
	// OnStart is called with the process ID once the process has started.
	OnStart func(pid int)
}

// Result is the outcome of one invocation.
type Result struct {
	ExitCode int
	// Output is the tail of combined stdout and stderr.
	Output   []byte
	PID      int
	Duration time.Duration
	TimedOut bool
}

// CommandRunner runs executor processes. Run returns an error only when the
// process could not be started; a non-zero exit is reported in Result.
type CommandRunner interface {
	Run(ctx context.Context, req Request) (Result, error)
}
