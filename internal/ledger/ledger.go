// Package ledger tracks resource grants against host capacity.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

// DefaultStepPercent is how far one Sample moves the effective ceiling,
// as a percentage of the original ceiling.
const DefaultStepPercent = 10

// minCeilingPercent is the lowest the effective ceiling is throttled to.
const minCeilingPercent = 10

// Options controls adaptive throttling.
type Options struct {
	// HighWater is the load percentage above which the ceiling is lowered.
	HighWater float64
	// LowWater is the load percentage below which the ceiling is raised.
	LowWater float64
	// StepPercent overrides DefaultStepPercent.
	StepPercent int
	// Now is the clock used for GrantedAt. Defaults to time.Now.
	Now func() time.Time
}

// Ledger is the resource admission ledger. The sum of granted demands never
// exceeds the original ceiling on any dimension.
type Ledger struct {
	mu        sync.Mutex
	original  models.ResourceDemand
	effective models.ResourceDemand
	used      models.ResourceDemand
	allocs    map[string]models.ResourceAllocation

	highWater float64
	lowWater  float64
	step      int
	now       func() time.Time
}

// New creates a ledger with the given ceiling.
func New(ceiling models.ResourceDemand, opts Options) *Ledger {
	if opts.StepPercent <= 0 {
		opts.StepPercent = DefaultStepPercent
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HighWater == 0 {
		opts.HighWater = 100
	}
	return &Ledger{
		original:  ceiling,
		effective: ceiling,
		allocs:    make(map[string]models.ResourceAllocation),
		highWater: opts.HighWater,
		lowWater:  opts.LowWater,
		step:      opts.StepPercent,
		now:       opts.Now,
	}
}

// Fits reports whether demand could ever be granted.
func (l *Ledger) Fits(demand models.ResourceDemand) bool {
	return demand.Valid() && !demand.Exceeds(l.original)
}

// TryAdmit grants demand to id if it fits under the effective ceiling.
// A demand within the original ceiling is always granted when nothing is
// allocated, so throttling alone never blocks all progress. Admitting an id
// that already holds a grant returns true without granting again.
func (l *Ledger) TryAdmit(id string, demand models.ResourceDemand) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.allocs[id]; held {
		return true
	}
	if !demand.Valid() || demand.Exceeds(l.original) {
		return false
	}

	next := l.used.Add(demand)
	if next.Exceeds(l.effective) && len(l.allocs) > 0 {
		return false
	}

	l.used = next
	l.allocs[id] = models.ResourceAllocation{
		UnitID:    id,
		Demand:    demand,
		GrantedAt: l.now(),
	}
	return true
}

// Release returns the grant held by id. Releasing an unknown id is a no-op.
func (l *Ledger) Release(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.allocs[id]
	if !ok {
		return false
	}
	l.used = l.used.Sub(a.Demand)
	delete(l.allocs, id)
	return true
}

// SetPID records the executor PID for an allocation.
func (l *Ledger) SetPID(id string, pid int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if a, ok := l.allocs[id]; ok {
		a.PID = pid
		l.allocs[id] = a
	}
}

// Reclaim releases every allocation for which keep returns false and
// returns the reclaimed IDs, sorted.
func (l *Ledger) Reclaim(keep func(id string) bool) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var reclaimed []string
	for id, a := range l.allocs {
		if keep(id) {
			continue
		}
		l.used = l.used.Sub(a.Demand)
		delete(l.allocs, id)
		reclaimed = append(reclaimed, id)
	}
	sort.Strings(reclaimed)
	return reclaimed
}

// Allocations returns a copy of the current grants, sorted by unit ID.
func (l *Ledger) Allocations() []models.ResourceAllocation {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.ResourceAllocation, 0, len(l.allocs))
	for _, a := range l.allocs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out
}

// Used returns the sum of all grants.
func (l *Ledger) Used() models.ResourceDemand {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// Ceiling returns the original ceiling.
func (l *Ledger) Ceiling() models.ResourceDemand {
	return l.original
}

// Effective returns the current, possibly throttled, ceiling.
func (l *Ledger) Effective() models.ResourceDemand {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.effective
}

// Sample adjusts the effective ceiling from a host load percentage.
// Above the high-water mark it drops one step, below the low-water mark it
// climbs one step, never past the original ceiling.
func (l *Ledger) Sample(load float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stepOf := func(v int) int {
		s := v * l.step / 100
		if s < 1 {
			s = 1
		}
		return s
	}

	switch {
	case load > l.highWater:
		l.effective = models.ResourceDemand{
			CPUShares:   lower(l.effective.CPUShares, stepOf(l.original.CPUShares), l.original.CPUShares),
			MemoryMB:    lower(l.effective.MemoryMB, stepOf(l.original.MemoryMB), l.original.MemoryMB),
			FileHandles: lower(l.effective.FileHandles, stepOf(l.original.FileHandles), l.original.FileHandles),
		}
	case load < l.lowWater:
		l.effective = models.ResourceDemand{
			CPUShares:   min(l.effective.CPUShares+stepOf(l.original.CPUShares), l.original.CPUShares),
			MemoryMB:    min(l.effective.MemoryMB+stepOf(l.original.MemoryMB), l.original.MemoryMB),
			FileHandles: min(l.effective.FileHandles+stepOf(l.original.FileHandles), l.original.FileHandles),
		}
	}
}

func lower(current, step, original int) int {
	floor := original * minCeilingPercent / 100
	return max(current-step, floor)
}
