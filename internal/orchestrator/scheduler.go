package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/buildfix/internal/cache"
	"github.com/ShayCichocki/buildfix/internal/chunk"
	"github.com/ShayCichocki/buildfix/internal/supervisor"
	"github.com/ShayCichocki/buildfix/pkg/models"
)

// candidate is a unit eligible for admission this tick.
type candidate struct {
	taskID string
	index  int
}

// schedule resolves dependencies and admits units of the lowest
// unfinished tier.
func (o *Orchestrator) schedule(ctx context.Context) {
	now := o.opts.now()
	ready, skips := o.resolver.Ready(o.states, now)
	for _, s := range skips {
		o.noteSkip(s.TaskID, s.Reason)
	}

	tier, ok := o.currentTier()
	if !ok || !o.pause.Admitting() {
		return
	}

	for _, id := range ready {
		s := o.states[id]
		if s.Tier == tier && len(s.Units) == 0 {
			o.prepare(id)
		}
	}

	for _, c := range o.candidates(tier) {
		if !o.admit(ctx, c) {
			return
		}
	}
}

// currentTier returns the lowest tier that still has unfinished tasks.
func (o *Orchestrator) currentTier() (int, bool) {
	tier, found := 0, false
	for _, s := range o.states {
		if s.Done() {
			continue
		}
		if !found || s.Tier < tier {
			tier, found = s.Tier, true
		}
	}
	return tier, found
}

// prepare splits a task that just became ready into units, or skips it
// when smart mode finds no work.
func (o *Orchestrator) prepare(taskID string) {
	s := o.states[taskID]
	task, _ := o.reg.Task(taskID)
	d := task.Descriptor()
	now := o.opts.now()

	var items []string
	if d.ErrorSource != "" {
		var err error
		items, err = o.errorSet(d)
		if err != nil {
			o.log.Warn("cannot read error set", zap.String("task", taskID), zap.Error(err))
		}
		if len(items) == 0 && o.opts.mode.SkipsIdleWork() {
			reason := "no work detected"
			if err == nil && s.Skip(reason, now) == nil {
				o.noteSkip(taskID, reason)
				return
			}
		}
	}

	if task.Chunkable() && len(items) > 0 {
		parts, err := o.chunksFor(d)
		if err != nil {
			o.log.Error("partition failed", zap.String("task", taskID), zap.Error(err))
			return
		}
		s.Units = make([]models.UnitState, len(parts))
		for i, p := range parts {
			s.Units[i] = models.UnitState{
				ID:     chunk.UnitID(taskID, i, len(parts)),
				Index:  i,
				Total:  len(parts),
				Items:  len(p),
				Status: models.TaskStatusPending,
			}
		}
		s.Chunks = &models.ChunkProgress{Total: len(parts)}
		o.log.Info("task partitioned", zap.String("task", taskID), zap.Int("items", len(items)), zap.Int("chunks", len(parts)))
		return
	}

	s.Units = []models.UnitState{{ID: taskID, Total: 1, Items: len(items), Status: models.TaskStatusPending}}
}

// errorSet reads and memoizes a task's input error set.
func (o *Orchestrator) errorSet(d models.TaskDescriptor) ([]string, error) {
	if items, ok := o.errorSets[d.ID]; ok {
		return items, nil
	}
	path := d.ErrorSource
	if !filepath.IsAbs(path) {
		path = filepath.Join(o.workDir, path)
	}
	items, err := chunk.ReadErrorSet(path)
	if err != nil {
		return nil, err
	}
	o.errorSets[d.ID] = items
	return items, nil
}

// chunksFor returns the memoized partition of a chunkable task.
func (o *Orchestrator) chunksFor(d models.TaskDescriptor) ([][]string, error) {
	if parts, ok := o.chunks[d.ID]; ok {
		return parts, nil
	}
	items, err := o.errorSet(d)
	if err != nil {
		return nil, err
	}
	parts, err := chunk.Partition(items, o.opts.chunkSize)
	if err != nil {
		return nil, err
	}
	o.chunks[d.ID] = parts
	return parts, nil
}

// candidates lists admissible units of the tier in task then chunk order:
// pending units, and failed units whose retry delay has elapsed.
func (o *Orchestrator) candidates(tier int) []candidate {
	now := o.opts.now()
	var ids []string
	for id, s := range o.states {
		if s.Tier == tier && !s.Done() && len(s.Units) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []candidate
	for _, id := range ids {
		for i, u := range o.states[id].Units {
			if _, running := o.inflight[u.ID]; running {
				continue
			}
			switch {
			case u.Status == models.TaskStatusPending:
				out = append(out, candidate{taskID: id, index: i})
			case u.RetryPending() && !now.Before(u.RetryAt):
				out = append(out, candidate{taskID: id, index: i})
			}
		}
	}
	return out
}

// admit runs one unit through admission. It returns false when no further
// unit can be admitted this tick.
func (o *Orchestrator) admit(ctx context.Context, c candidate) bool {
	s := o.states[c.taskID]
	u := &s.Units[c.index]
	task, _ := o.reg.Task(c.taskID)
	d := task.Descriptor()
	log := o.log.With(zap.String("task", c.taskID), zap.String("unit", u.ID), zap.Int("tier", d.Tier))

	items, err := o.unitItems(d, *u)
	if err != nil {
		o.failUnit(s, u, -1, err.Error())
		return true
	}

	// Dry runs ignore breaker history.
	if o.opts.dryRun {
		o.completeWithoutExecutor(s, u, models.Outcome{Success: true, Summary: "dry run"}, false)
		return true
	}

	if o.breaker.IsOpen(u.ID) {
		o.deny("breaker")
		log.Debug("breaker open, deferring unit")
		return true
	}

	if o.cacheEnabled() {
		fp, err := cache.Fingerprint(o.workDir, d, o.fingerprintItems(d, *u, items))
		if err != nil {
			u.Fingerprint = ""
			log.Warn("fingerprint failed, skipping cache", zap.Error(err))
		} else {
			u.Fingerprint = fp
			out, hit, err := o.cache.Get(cache.Key{UnitID: u.ID, Fingerprint: fp})
			if err != nil {
				log.Warn("cache lookup failed", zap.Error(err))
			}
			o.metrics.CacheLookup(hit)
			if hit {
				o.runMetrics.CacheHits++
				o.completeWithoutExecutor(s, u, out, true)
				return true
			}
			o.runMetrics.CacheMisses++
		}
	}

	demand := task.ResourceDemand()
	if !o.ledger.Fits(demand) {
		o.failUnit(s, u, -1, fmt.Sprintf("resource demand %+v exceeds host ceiling %+v", demand, o.ledger.Ceiling()))
		return true
	}
	if len(o.inflight) >= o.concurrencyBound() {
		o.deny("concurrency")
		return false
	}
	if !o.ledger.TryAdmit(u.ID, demand) {
		o.deny("resources")
		log.Debug("resources unavailable", zap.Any("demand", demand), zap.Any("used", o.ledger.Used()))
		return true
	}
	if !o.limiter.Allow() {
		o.ledger.Release(u.ID)
		o.deny("rate")
		return false
	}

	if err := u.Transition(models.TaskStatusAdmitted); err != nil {
		o.ledger.Release(u.ID)
		log.Error("admission rejected", zap.Error(err))
		return true
	}
	now := o.opts.now()
	u.Attempts++
	u.RetryAt = time.Time{}
	u.Reason = ""
	if u.StartedAt.IsZero() {
		u.StartedAt = now
	}
	s.Refresh(now)

	o.generation++
	unit := supervisor.Unit{
		TaskID:     c.taskID,
		ID:         u.ID,
		Attempt:    u.Attempts,
		Generation: o.generation,
	}
	if s.Chunked() {
		unit.Index, unit.Total, unit.Items = u.Index, u.Total, items
	}
	cancel := o.sup.Launch(ctx, task, unit, o.events)
	o.inflight[u.ID] = &inflight{
		taskID:     c.taskID,
		unitID:     u.ID,
		attempt:    u.Attempts,
		generation: o.generation,
		startedAt:  now,
		cancel:     cancel,
	}

	o.runMetrics.Admitted++
	o.metrics.Admitted(tierLabel(d.Tier))
	o.progress()
	log.Info("unit admitted", zap.Int("attempt", u.Attempts))
	o.emit(Event{Type: EventUnitAdmitted, TaskID: c.taskID, UnitID: u.ID, Attempt: u.Attempts})
	return true
}

// unitItems returns the chunk items of a chunk unit, nil for whole tasks.
func (o *Orchestrator) unitItems(d models.TaskDescriptor, u models.UnitState) ([]string, error) {
	if u.Total <= 1 && u.ID == d.ID {
		return nil, nil
	}
	parts, err := o.chunksFor(d)
	if err != nil {
		return nil, err
	}
	if len(parts) != u.Total || u.Index >= len(parts) {
		return nil, fmt.Errorf("error set of %s changed: have %d chunks, unit expects %d", d.ID, len(parts), u.Total)
	}
	return parts[u.Index], nil
}

// fingerprintItems is the actual input of a unit: its chunk, or the whole
// error set for an unchunked task.
func (o *Orchestrator) fingerprintItems(d models.TaskDescriptor, u models.UnitState, items []string) []string {
	if items != nil || d.ErrorSource == "" {
		return items
	}
	set, _ := o.errorSet(d)
	return set
}

func (o *Orchestrator) cacheEnabled() bool {
	return o.cache != nil && !o.opts.noCache && !o.opts.dryRun
}

func (o *Orchestrator) deny(reason string) {
	o.runMetrics.Denials++
	o.metrics.Denied(reason)
}

// noteSkip records a skipped task.
func (o *Orchestrator) noteSkip(taskID, reason string) {
	o.runMetrics.Skipped++
	o.progress()
	o.log.Info("task skipped", zap.String("task", taskID), zap.String("reason", reason))
	o.emit(Event{Type: EventTaskSkipped, TaskID: taskID, Message: reason})
}
