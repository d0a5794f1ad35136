package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/buildfix/internal/checkpoint"
	"github.com/ShayCichocki/buildfix/internal/supervisor"
	"github.com/ShayCichocki/buildfix/pkg/models"
)

// drainTimeout bounds how long an aborted run waits for killed attempts
// to report back.
const drainTimeout = 10 * time.Second

// Run executes the registry until every task is terminal, the run is
// stopped, or ctx is cancelled. Cancellation and stop requests produce a
// report marked interrupted rather than an error.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	if !o.ran.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRun
	}
	defer o.emitter.Close()

	o.startedAt = o.opts.now()
	if err := o.initStates(); err != nil {
		return nil, err
	}
	if o.opts.checkpoints != nil {
		if o.recovery != nil {
			o.ckRun = o.opts.checkpoints.ResumeRun(o.recovery, o.opts.fullEvery)
		} else {
			o.ckRun = o.opts.checkpoints.NewRun(o.runID, o.opts.fullEvery)
		}
		o.writer = checkpoint.NewWriter(o.ckRun, o.log)
		defer o.writer.Close()
	}
	if o.opts.signals {
		sw, err := NewSignalWatcher(o.workDir, o.pause, o.log)
		if err != nil {
			o.log.Warn("signals disabled", zap.Error(err))
		} else {
			o.signals = sw
			defer sw.Close()
		}
	}
	if err := o.recordRunStart(); err != nil {
		return nil, err
	}

	o.log.Info("run starting",
		zap.String("run", o.runID),
		zap.String("mode", string(o.opts.mode)),
		zap.Int("tasks", len(o.states)),
		zap.Int("max_concurrent", o.concurrencyBound()),
		zap.Bool("dry_run", o.opts.dryRun),
		zap.Bool("resumed", o.recovery != nil))

	o.lastProgress = o.startedAt
	o.lastCheckpoint = o.startedAt
	ticker := time.NewTicker(o.policy.Loop.Tick)
	defer ticker.Stop()

	interrupted := false
loop:
	for {
		o.tick(ctx)

		if o.finished() {
			break
		}
		if o.pause.IsStopped() && len(o.inflight) == 0 {
			interrupted = true
			break
		}

		select {
		case <-ctx.Done():
			interrupted = true
			o.abort()
			break loop
		case <-ticker.C:
		}
	}

	return o.finish(interrupted)
}

// tick is one scheduler pass.
func (o *Orchestrator) tick(ctx context.Context) {
	o.tickCount++
	o.drainEvents()
	o.checkLiveness(ctx)
	o.sampleLoad(ctx)
	o.reclaim()
	if o.signals != nil {
		o.signals.Poll()
	}
	o.notePause()
	o.schedule(ctx)
	o.maybeCheckpoint()
	o.checkStall()
	o.publish()
}

// finished reports whether every task is terminal and nothing is running.
func (o *Orchestrator) finished() bool {
	if len(o.inflight) > 0 {
		return false
	}
	for _, s := range o.states {
		if !s.Done() {
			return false
		}
	}
	return true
}

// initStates builds the working task table, from a checkpoint when resuming.
func (o *Orchestrator) initStates() error {
	now := o.opts.now()
	for _, d := range o.reg.Descriptors() {
		s := models.NewTaskState(d)
		o.states[d.ID] = &s
	}

	if o.recovery != nil {
		if err := o.restore(o.recovery, now); err != nil {
			return err
		}
	}

	for _, d := range o.reg.Descriptors() {
		s := o.states[d.ID]
		if s.Status == models.TaskStatusPending && !o.opts.mode.AllowsTier(d.Tier) {
			reason := fmt.Sprintf("mode %s runs tier 1 only", o.opts.mode)
			if err := s.Skip(reason, now); err == nil {
				o.noteSkip(d.ID, reason)
			}
		}
	}
	return nil
}

// restore replaces the working state with a checkpoint. Units that were
// admitted or running when it was taken become interrupted attempts.
func (o *Orchestrator) restore(cp *checkpoint.Checkpoint, now time.Time) error {
	for id := range cp.Tasks {
		if _, ok := o.states[id]; !ok {
			return fmt.Errorf("checkpoint %s references unknown task %q", cp.ID, id)
		}
	}

	for id, saved := range cp.Tasks {
		s := saved.Clone()
		for i := range s.Units {
			u := &s.Units[i]
			if u.Status != models.TaskStatusAdmitted && u.Status != models.TaskStatusRunning {
				continue
			}
			u.Status = models.TaskStatusFailed
			u.Reason = "interrupted"
			if d := o.opts.retry.Decide(u.Attempts, false); d.Retry {
				u.RetryAt = now
			} else {
				u.RetryAt = time.Time{}
				u.EndedAt = now
			}
			o.log.Info("interrupted attempt restored",
				zap.String("task", id), zap.String("unit", u.ID), zap.Int("attempt", u.Attempts))
		}
		s.Refresh(now)
		o.states[id] = &s
	}
	o.runMetrics = cp.Metrics

	if err := o.breaker.Reset(); err != nil {
		o.log.Warn("breaker reset failed", zap.Error(err))
	}
	return nil
}

// abort cancels running attempts and waits for them to report.
func (o *Orchestrator) abort() {
	if len(o.inflight) == 0 {
		return
	}
	o.log.Warn("run interrupted, cancelling attempts", zap.Int("running", len(o.inflight)))
	for _, inf := range o.inflight {
		inf.cancel()
	}

	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	for len(o.inflight) > 0 {
		select {
		case ev := <-o.events:
			if ev.Kind == supervisor.EventFinished {
				// Units stay admitted/running in the final checkpoint so a
				// resume treats them as interrupted attempts.
				if inf, ok := o.inflight[ev.UnitID]; ok && inf.generation == ev.Generation {
					o.ledger.Release(ev.UnitID)
					delete(o.inflight, ev.UnitID)
				}
			}
		case <-deadline.C:
			o.log.Warn("attempts did not stop in time", zap.Int("remaining", len(o.inflight)))
			return
		}
	}
}

// finish writes the final checkpoint, records the run and builds the report.
func (o *Orchestrator) finish(interrupted bool) (*Report, error) {
	o.publish()
	report := o.buildReport(interrupted)

	if o.writer != nil {
		id, err := o.writer.Flush(o.snapshot())
		if err != nil {
			o.log.Error("final checkpoint failed", zap.Error(err))
		} else {
			report.CheckpointID = id
			o.emit(Event{Type: EventCheckpoint, Message: id})
		}
	}
	if err := o.recordRunEnd(report); err != nil {
		o.log.Warn("recording run outcome failed", zap.Error(err))
	}

	o.log.Info("run finished",
		zap.String("run", o.runID),
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Bool("interrupted", interrupted),
		zap.Duration("duration", report.EndedAt.Sub(report.StartedAt)))
	o.emit(Event{Type: EventRunDone, Message: fmt.Sprintf("exit %d", report.ExitCode())})
	return report, nil
}

// maybeCheckpoint queues a snapshot once per checkpoint interval.
func (o *Orchestrator) maybeCheckpoint() {
	if o.writer == nil {
		return
	}
	now := o.opts.now()
	if now.Sub(o.lastCheckpoint) < o.policy.Checkpoint.Interval {
		return
	}
	o.lastCheckpoint = now
	o.writer.Submit(o.snapshot())
	o.emit(Event{Type: EventCheckpoint})
}

// checkStall warns once when nothing has progressed for the stall timeout.
func (o *Orchestrator) checkStall() {
	if o.stallWarned {
		return
	}
	idle := o.opts.now().Sub(o.lastProgress)
	if idle < o.policy.Loop.StallTimeout {
		return
	}
	o.stallWarned = true
	o.log.Warn("no progress",
		zap.Duration("idle", idle),
		zap.Int("running", len(o.inflight)),
		zap.Strings("open_breakers", o.breaker.Open()))
	o.emit(Event{Type: EventStall, Message: fmt.Sprintf("no progress for %s", idle.Round(time.Second))})
}

// progress records that some unit changed state.
func (o *Orchestrator) progress() {
	o.lastProgress = o.opts.now()
	o.stallWarned = false
}

// notePause emits an event when the pause state flips.
func (o *Orchestrator) notePause() {
	paused := o.pause.IsPaused()
	if paused == o.wasPaused {
		return
	}
	o.wasPaused = paused
	if paused {
		o.emit(Event{Type: EventPaused})
	} else {
		o.emit(Event{Type: EventResumed})
	}
}

// sampleLoad adjusts the ledger ceiling from host load.
func (o *Orchestrator) sampleLoad(ctx context.Context) {
	if o.opts.probe == nil || o.tickCount%o.policy.Resources.SampleEvery != 0 {
		return
	}
	load, err := o.opts.probe.Load(ctx)
	if err != nil {
		o.log.Debug("load sample failed", zap.Error(err))
		return
	}
	before := o.ledger.Effective()
	o.ledger.Sample(load)
	if after := o.ledger.Effective(); after != before {
		o.log.Info("resource ceiling adjusted",
			zap.Float64("load", load),
			zap.Int("cpu_shares", after.CPUShares),
			zap.Int("memory_mb", after.MemoryMB))
	}
}

// reclaim releases allocations that no running attempt owns.
func (o *Orchestrator) reclaim() {
	stale := o.ledger.Reclaim(func(id string) bool {
		_, ok := o.inflight[id]
		return ok
	})
	if len(stale) > 0 {
		o.log.Warn("reclaimed stale allocations", zap.Strings("units", stale))
	}
}

func (o *Orchestrator) concurrencyBound() int {
	return o.opts.mode.ConcurrencyBound(o.opts.maxConcurrent)
}
