package graph

import (
	"fmt"
	"sort"
	"time"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

// Skip records a task the resolver moved to skipped.
type Skip struct {
	TaskID string
	Reason string
}

// Resolver computes which tasks may start.
type Resolver struct {
	g *DependencyGraph
}

// NewResolver creates a resolver over a built graph.
func NewResolver(g *DependencyGraph) *Resolver {
	return &Resolver{g: g}
}

// Ready returns the IDs of pending tasks whose dependencies have all
// completed, sorted by ID. Before that, every pending task with a failed
// or skipped dependency is moved to skipped; this repeats until nothing
// changes, so a failure skips its whole downstream closure in one call.
// Skipping is the only change Ready makes to states.
func (r *Resolver) Ready(states map[string]*models.TaskState, now time.Time) ([]string, []Skip) {
	var skips []Skip

	for changed := true; changed; {
		changed = false
		for _, id := range r.g.order {
			s := states[id]
			if s == nil || s.Status != models.TaskStatusPending {
				continue
			}
			if depID, status, blocked := r.blockedBy(id, states); blocked {
				reason := fmt.Sprintf("dependency %s %s", depID, status)
				if err := s.Skip(reason, now); err == nil {
					skips = append(skips, Skip{TaskID: id, Reason: reason})
					changed = true
				}
			}
		}
	}

	var ready []string
	for _, id := range r.g.order {
		s := states[id]
		if s == nil || s.Status != models.TaskStatusPending {
			continue
		}
		if r.depsCompleted(id, states) {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	return ready, skips
}

// blockedBy returns the first dependency that can never complete.
func (r *Resolver) blockedBy(id string, states map[string]*models.TaskState) (string, models.TaskStatus, bool) {
	for _, depID := range r.g.edges[id] {
		dep := states[depID]
		if dep == nil {
			continue
		}
		switch {
		case dep.Status == models.TaskStatusSkipped:
			return depID, dep.Status, true
		case dep.Status == models.TaskStatusFailed && dep.Done():
			return depID, dep.Status, true
		}
	}
	return "", "", false
}

func (r *Resolver) depsCompleted(id string, states map[string]*models.TaskState) bool {
	for _, depID := range r.g.edges[id] {
		dep := states[depID]
		if dep == nil || dep.Status != models.TaskStatusCompleted {
			return false
		}
	}
	return true
}
