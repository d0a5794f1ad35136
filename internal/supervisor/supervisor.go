package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/buildfix/internal/chunk"
	"github.com/ShayCichocki/buildfix/internal/exec"
	"github.com/ShayCichocki/buildfix/internal/registry"
	"github.com/ShayCichocki/buildfix/pkg/models"
)

// Unit is one attempt's worth of work: a whole task or one chunk.
type Unit struct {
	TaskID string
	ID     string
	// Index and Total locate a chunk within its task. Total is 0 for
	// whole-task units.
	Index int
	Total int
	Items []string
	// Attempt is the 1-based attempt number.
	Attempt int
	// Generation identifies this attempt. Reports carrying an older
	// generation are stale.
	Generation uint64
}

// Chunked reports whether the unit is a chunk of a larger task.
func (u Unit) Chunked() bool {
	return u.Total > 0
}

// Outcome is the result of one attempt.
type Outcome struct {
	TaskID     string
	UnitID     string
	Generation uint64
	Attempt    int
	ExitCode   int
	TimedOut   bool
	Summary    string
	Output     []byte
	PID        int
	Duration   time.Duration
	// Err is set when the executor could not be started.
	Err error
}

// Success reports whether the attempt exited zero.
func (o Outcome) Success() bool {
	return o.Err == nil && o.ExitCode == 0
}

// Options configures a Supervisor.
type Options struct {
	WorkDir      string
	Timeout      time.Duration
	ChunkTimeout time.Duration
	TailBytes    int
	Logger       *zap.Logger
}

// Supervisor executes units through their registry tasks.
type Supervisor struct {
	opts Options
	log  *zap.Logger
	now  func() time.Time
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{opts: opts, log: log, now: time.Now}
}

// ChunkDir returns where chunk files are materialized.
func ChunkDir(workdir string) string {
	return filepath.Join(workdir, ".buildfix", "chunks")
}

// LogDir returns where per-unit executor logs are written.
func LogDir(workdir string) string {
	return filepath.Join(workdir, ".buildfix", "logs")
}

// LogPath returns the executor log file of a unit.
func (s *Supervisor) LogPath(unitID string) string {
	return filepath.Join(LogDir(s.opts.WorkDir), chunk.SafeName(unitID)+".log")
}

// TimeoutFor returns the attempt timeout of a unit. A descriptor timeout
// overrides the configured whole-task timeout; chunks use the chunk
// timeout, capped at the whole-task value.
func (s *Supervisor) TimeoutFor(d models.TaskDescriptor, chunked bool) time.Duration {
	whole := s.opts.Timeout
	if d.Timeout > 0 {
		whole = d.Timeout
	}
	if !chunked {
		return whole
	}
	if s.opts.ChunkTimeout > 0 && (whole <= 0 || s.opts.ChunkTimeout < whole) {
		return s.opts.ChunkTimeout
	}
	return whole
}

// Run performs one attempt of u. onStart, if set, receives the PID as
// soon as the executor process exists.
func (s *Supervisor) Run(ctx context.Context, task registry.Task, u Unit, onStart func(pid int)) Outcome {
	desc := task.Descriptor()
	out := Outcome{TaskID: u.TaskID, UnitID: u.ID, Generation: u.Generation, Attempt: u.Attempt}

	inv := registry.Invocation{
		WorkDir:   s.opts.WorkDir,
		UnitID:    u.ID,
		Items:     u.Items,
		Timeout:   s.TimeoutFor(desc, u.Chunked()),
		TailBytes: s.opts.TailBytes,
		OnStart:   onStart,
	}
	if err := os.MkdirAll(LogDir(s.opts.WorkDir), 0755); err != nil {
		out.ExitCode = -1
		out.Err = fmt.Errorf("create log directory: %w", err)
		return out
	}
	inv.LogPath = s.LogPath(u.ID)

	if u.Chunked() {
		path, err := chunk.Materialize(ChunkDir(s.opts.WorkDir), u.ID, u.Items)
		if err != nil {
			out.ExitCode = -1
			out.Err = err
			return out
		}
		inv.ChunkFile = path
	}

	log := s.log.With(zap.String("task", u.TaskID), zap.String("unit", u.ID), zap.Int("attempt", u.Attempt))
	log.Debug("attempt starting", zap.Duration("timeout", inv.Timeout), zap.Int("items", len(u.Items)))

	start := s.now()
	res, err := task.Execute(ctx, inv)
	out.Duration = s.now().Sub(start)
	if err != nil {
		out.ExitCode = -1
		out.Err = fmt.Errorf("start %s: %w", u.ID, err)
		if errors.Is(err, context.Canceled) {
			log.Debug("attempt cancelled before start")
		} else {
			log.Warn("executor failed to start", zap.Error(err))
		}
		return out
	}

	out.ExitCode = res.ExitCode
	out.TimedOut = res.TimedOut
	out.Summary = res.Summary
	out.Output = res.Output
	out.PID = res.PID
	if out.TimedOut && out.ExitCode == 0 {
		out.ExitCode = exec.TimeoutExitCode
	}

	fields := []zap.Field{zap.Int("exit_code", out.ExitCode), zap.Duration("duration", out.Duration)}
	switch {
	case out.TimedOut:
		log.Warn("attempt timed out", fields...)
	case out.ExitCode != 0:
		log.Info("attempt failed", append(fields, zap.String("summary", out.Summary))...)
	default:
		log.Info("attempt completed", fields...)
	}
	return out
}
