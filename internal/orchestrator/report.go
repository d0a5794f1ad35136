package orchestrator

import (
	"time"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

// Exit codes of a run.
const (
	ExitSuccess     = 0
	ExitFatal       = 1
	ExitUsage       = 2
	ExitInterrupted = 3
	// ExitFailedBase plus the number of failed tasks, capped at 99.
	ExitFailedBase = 10
)

// TaskReport is the final outcome of one task.
type TaskReport struct {
	ID       string                `json:"id"`
	Name     string                `json:"name"`
	Tier     int                   `json:"tier"`
	Status   models.TaskStatus     `json:"status"`
	Attempts int                   `json:"attempts"`
	ExitCode int                   `json:"exit_code"`
	Reason   string                `json:"reason,omitempty"`
	Cached   bool                  `json:"cached,omitempty"`
	Duration time.Duration         `json:"duration"`
	Chunks   *models.ChunkProgress `json:"chunks,omitempty"`
}

// Report summarizes a finished run.
type Report struct {
	RunID        string            `json:"run_id"`
	Mode         models.Mode       `json:"mode"`
	Tasks        []TaskReport      `json:"tasks"`
	Metrics      models.RunMetrics `json:"metrics"`
	Completed    int               `json:"completed"`
	Failed       int               `json:"failed"`
	Skipped      int               `json:"skipped"`
	Pending      int               `json:"pending"`
	Interrupted  bool              `json:"interrupted"`
	DryRun       bool              `json:"dry_run"`
	CheckpointID string            `json:"checkpoint_id,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      time.Time         `json:"ended_at"`
}

// ExitCode maps the report to the process exit status: interrupted runs
// exit 3, runs with failed tasks exit 10 plus the failure count (at most
// 99), anything else exits 0.
func (r *Report) ExitCode() int {
	switch {
	case r.Interrupted:
		return ExitInterrupted
	case r.Failed > 0:
		return ExitFailedBase + min(r.Failed, 99)
	default:
		return ExitSuccess
	}
}

func (o *Orchestrator) buildReport(interrupted bool) *Report {
	r := &Report{
		RunID:       o.runID,
		Mode:        o.opts.mode,
		Metrics:     o.runMetrics,
		Interrupted: interrupted,
		DryRun:      o.opts.dryRun,
		StartedAt:   o.startedAt,
		EndedAt:     o.opts.now(),
	}

	for _, s := range o.sortedStates() {
		tr := TaskReport{
			ID:       s.ID,
			Name:     s.ID,
			Tier:     s.Tier,
			Status:   s.Status,
			Attempts: s.Attempts,
			ExitCode: s.LastExitCode,
			Reason:   s.Reason,
			Cached:   s.Cached,
			Chunks:   s.Chunks,
		}
		if task, ok := o.reg.Task(s.ID); ok {
			tr.Name = task.Descriptor().DisplayName()
		}
		if !s.StartedAt.IsZero() && !s.EndedAt.IsZero() {
			tr.Duration = s.EndedAt.Sub(s.StartedAt)
		}

		switch {
		case s.Status == models.TaskStatusCompleted:
			r.Completed++
		case s.Status == models.TaskStatusSkipped:
			r.Skipped++
		case s.Status == models.TaskStatusFailed && s.Done():
			r.Failed++
		default:
			r.Pending++
		}
		r.Tasks = append(r.Tasks, tr)
	}
	return r
}
