package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/buildfix/internal/cache"
	"github.com/ShayCichocki/buildfix/internal/supervisor"
	"github.com/ShayCichocki/buildfix/pkg/models"
)

// drainEvents applies every attempt report queued since the last tick.
func (o *Orchestrator) drainEvents() {
	for {
		select {
		case ev := <-o.events:
			o.handleEvent(ev)
		default:
			return
		}
	}
}

func (o *Orchestrator) handleEvent(ev supervisor.Event) {
	inf, ok := o.inflight[ev.UnitID]
	if !ok || inf.generation != ev.Generation {
		o.log.Debug("stale attempt report ignored",
			zap.String("unit", ev.UnitID), zap.Uint64("generation", ev.Generation))
		return
	}

	switch ev.Kind {
	case supervisor.EventStarted:
		inf.pid = ev.PID
		o.ledger.SetPID(ev.UnitID, ev.PID)
		s := o.states[inf.taskID]
		if u := unitByID(s, inf.unitID); u != nil && u.Status == models.TaskStatusAdmitted {
			if err := u.Transition(models.TaskStatusRunning); err == nil {
				s.Refresh(o.opts.now())
			}
		}
		o.emit(Event{Type: EventUnitStarted, TaskID: inf.taskID, UnitID: inf.unitID, Attempt: inf.attempt,
			Message: fmt.Sprintf("pid %d", ev.PID)})

	case supervisor.EventFinished:
		delete(o.inflight, ev.UnitID)
		o.ledger.Release(ev.UnitID)
		o.finishAttempt(inf, ev.Outcome)
	}
}

// finishAttempt applies the outcome of a reported attempt.
func (o *Orchestrator) finishAttempt(inf *inflight, out supervisor.Outcome) {
	s := o.states[inf.taskID]
	u := unitByID(s, inf.unitID)
	if u == nil {
		o.log.Error("attempt for unknown unit", zap.String("unit", inf.unitID))
		return
	}
	now := o.opts.now()
	o.metrics.ObserveAttempt(inf.taskID, out.Duration)
	if out.TimedOut {
		o.runMetrics.Timeouts++
	}

	if out.Success() {
		if err := u.Transition(models.TaskStatusCompleted); err != nil {
			o.log.Error("completion rejected", zap.Error(err))
			return
		}
		u.LastExitCode = 0
		u.Reason = ""
		u.EndedAt = now
		u.Cached = false
		if o.cacheEnabled() && u.Fingerprint != "" {
			key := cache.Key{UnitID: u.ID, Fingerprint: u.Fingerprint}
			if err := o.cache.Put(key, models.Outcome{Success: true, Summary: out.Summary}); err != nil {
				o.log.Warn("cache write failed", zap.String("unit", u.ID), zap.Error(err))
			}
		}
		if err := o.breaker.RecordSuccess(u.ID); err != nil {
			o.log.Warn("breaker update failed", zap.String("unit", u.ID), zap.Error(err))
		}
		o.runMetrics.Completed++
		o.metrics.Outcome("completed")
		o.log.Info("unit completed",
			zap.String("task", inf.taskID), zap.String("unit", u.ID),
			zap.Int("attempt", inf.attempt), zap.Duration("duration", out.Duration))
		o.emit(Event{Type: EventUnitCompleted, TaskID: inf.taskID, UnitID: u.ID, Attempt: inf.attempt, Duration: out.Duration})
	} else {
		o.recordFailure(s, u, out.ExitCode, failureReason(out))
	}

	o.settle(s, now)
}

// recordFailure marks a failed attempt and decides between retry and
// permanent failure.
func (o *Orchestrator) recordFailure(s *models.TaskState, u *models.UnitState, exitCode int, reason string) {
	now := o.opts.now()
	if err := u.Transition(models.TaskStatusFailed); err != nil {
		o.log.Error("failure rejected", zap.Error(err))
		return
	}
	u.LastExitCode = exitCode
	u.Reason = reason

	if err := o.breaker.RecordFailure(u.ID); err != nil {
		o.log.Warn("breaker update failed", zap.String("unit", u.ID), zap.Error(err))
	}
	open := o.breaker.IsOpen(u.ID)
	if open {
		o.metrics.BreakerTripped()
	}

	log := o.log.With(zap.String("task", s.ID), zap.String("unit", u.ID),
		zap.Int("attempt", u.Attempts), zap.Int("exit_code", exitCode))

	d := o.opts.retry.Decide(u.Attempts, open)
	if d.Retry {
		u.RetryAt = now.Add(d.Delay)
		o.runMetrics.Retries++
		o.metrics.Retried()
		o.metrics.Outcome("retried")
		log.Info("unit failed, retrying", zap.Duration("delay", d.Delay), zap.String("reason", reason))
		o.emit(Event{Type: EventUnitRetry, TaskID: s.ID, UnitID: u.ID, Attempt: u.Attempts, ExitCode: exitCode,
			Message: fmt.Sprintf("%s; retry in %s", reason, d.Delay)})
		return
	}

	u.RetryAt = time.Time{}
	u.EndedAt = now
	o.runMetrics.Failed++
	o.metrics.Outcome("failed")
	log.Warn("unit failed", zap.String("reason", reason), zap.Bool("breaker_open", open))
	o.emit(Event{Type: EventUnitFailed, TaskID: s.ID, UnitID: u.ID, Attempt: u.Attempts, ExitCode: exitCode, Message: reason})
}

// completeWithoutExecutor completes a unit from the cache or a dry run.
func (o *Orchestrator) completeWithoutExecutor(s *models.TaskState, u *models.UnitState, out models.Outcome, cached bool) {
	now := o.opts.now()
	if err := u.Transition(models.TaskStatusAdmitted); err != nil {
		o.log.Error("admission rejected", zap.Error(err))
		return
	}
	if err := u.Transition(models.TaskStatusCompleted); err != nil {
		o.log.Error("completion rejected", zap.Error(err))
		return
	}
	u.RetryAt = time.Time{}
	u.LastExitCode = out.ExitCode
	u.Reason = ""
	u.Cached = cached
	if u.StartedAt.IsZero() {
		u.StartedAt = now
	}
	u.EndedAt = now
	o.runMetrics.Completed++

	if cached {
		o.metrics.Outcome("cached")
		o.log.Info("unit completed from cache", zap.String("task", s.ID), zap.String("unit", u.ID))
		o.emit(Event{Type: EventCacheHit, TaskID: s.ID, UnitID: u.ID, Message: out.Summary})
	} else {
		o.metrics.Outcome("completed")
		o.log.Info("unit completed without executor", zap.String("task", s.ID), zap.String("unit", u.ID), zap.String("summary", out.Summary))
		o.emit(Event{Type: EventUnitCompleted, TaskID: s.ID, UnitID: u.ID, Message: out.Summary})
	}
	o.settle(s, now)
}

// failUnit fails a unit permanently without running it.
func (o *Orchestrator) failUnit(s *models.TaskState, u *models.UnitState, exitCode int, reason string) {
	now := o.opts.now()
	if err := u.Transition(models.TaskStatusAdmitted); err != nil {
		o.log.Error("admission rejected", zap.Error(err))
		return
	}
	if err := u.Transition(models.TaskStatusFailed); err != nil {
		o.log.Error("failure rejected", zap.Error(err))
		return
	}
	u.RetryAt = time.Time{}
	u.LastExitCode = exitCode
	u.Reason = reason
	u.EndedAt = now
	o.runMetrics.Failed++
	o.metrics.Outcome("failed")
	o.log.Warn("unit cannot run", zap.String("task", s.ID), zap.String("unit", u.ID), zap.String("reason", reason))
	o.emit(Event{Type: EventUnitFailed, TaskID: s.ID, UnitID: u.ID, ExitCode: exitCode, Message: reason})
	o.settle(s, now)
}

// settle refreshes a task after one of its units changed.
func (o *Orchestrator) settle(s *models.TaskState, now time.Time) {
	s.Refresh(now)
	o.progress()
	if s.Done() {
		o.log.Info("task finished",
			zap.String("task", s.ID), zap.String("status", string(s.Status)),
			zap.Int("attempts", s.Attempts), zap.Bool("cached", s.Cached))
		o.emit(Event{Type: EventTaskDone, TaskID: s.ID, ExitCode: s.LastExitCode, Message: string(s.Status)})
	}
}

// checkLiveness fails attempts whose process disappeared without
// reporting. Attempts that never exposed a PID are not checked.
func (o *Orchestrator) checkLiveness(ctx context.Context) {
	now := o.opts.now()
	ids := make([]string, 0, len(o.inflight))
	for id := range o.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		inf := o.inflight[id]
		if inf.pid <= 0 {
			continue
		}
		if o.opts.alive(ctx, inf.pid) {
			inf.missingSince = time.Time{}
			continue
		}
		if inf.missingSince.IsZero() {
			inf.missingSince = now
			continue
		}
		if now.Sub(inf.missingSince) < o.policy.Loop.LivenessGrace {
			continue
		}

		inf.cancel()
		delete(o.inflight, id)
		o.ledger.Release(id)
		o.runMetrics.LostProcs++

		s := o.states[inf.taskID]
		u := unitByID(s, id)
		if u == nil {
			continue
		}
		o.log.Warn("executor process lost", zap.String("unit", id), zap.Int("pid", inf.pid))
		o.recordFailure(s, u, -1, fmt.Sprintf("executor process %d disappeared", inf.pid))
		o.settle(s, now)
	}
}

func unitByID(s *models.TaskState, unitID string) *models.UnitState {
	if s == nil {
		return nil
	}
	for i := range s.Units {
		if s.Units[i].ID == unitID {
			return &s.Units[i]
		}
	}
	return nil
}

func failureReason(out supervisor.Outcome) string {
	switch {
	case out.Err != nil:
		return out.Err.Error()
	case out.TimedOut:
		return "timed out"
	case out.Summary != "":
		return fmt.Sprintf("exit %d: %s", out.ExitCode, out.Summary)
	default:
		return fmt.Sprintf("exit %d", out.ExitCode)
	}
}
