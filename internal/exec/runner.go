package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// waitDelay is how long Wait waits for output pipes after the process
// group was killed.
const waitDelay = 2 * time.Second

// ProcessRunner implements CommandRunner with one process group per attempt,
// so a timeout kills every descendant of the executor.
type ProcessRunner struct {
	// Shell is the interpreter used for Request.Command.
	Shell string
}

// NewRunner creates a ProcessRunner using /bin/sh.
func NewRunner() *ProcessRunner {
	return &ProcessRunner{Shell: "sh"}
}

// Run starts the command and waits for it to exit or time out.
func (r *ProcessRunner) Run(ctx context.Context, req Request) (Result, error) {
	if req.Command == "" {
		return Result{}, errors.New("empty command")
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	// "$@" forwards Args without re-quoting them into the command line.
	script := req.Command
	if len(req.Args) > 0 {
		script += ` "$@"`
	}
	argv := append([]string{"-c", script, "buildfix"}, req.Args...)

	cmd := exec.CommandContext(ctx, r.shell(), argv...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	tail := newTailBuffer(req.TailBytes)
	var out io.Writer = tail
	if req.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(req.LogPath), 0755); err != nil {
			return Result{}, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(req.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return Result{}, fmt.Errorf("open executor log: %w", err)
		}
		defer f.Close()
		out = io.MultiWriter(tail, f)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start executor: %w", err)
	}

	res := Result{PID: cmd.Process.Pid}
	if req.OnStart != nil {
		req.OnStart(res.PID)
	}

	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	res.Output = tail.Bytes()

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = TimeoutExitCode
	case waitErr == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() >= 0 {
			res.ExitCode = exitErr.ExitCode()
		} else {
			// killed by a signal or cancelled
			res.ExitCode = -1
		}
	}

	return res, nil
}

func (r *ProcessRunner) shell() string {
	if r.Shell == "" {
		return "sh"
	}
	return r.Shell
}

// Alive reports whether a process with the given PID still exists.
func Alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

// Verify ProcessRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ProcessRunner)(nil)
