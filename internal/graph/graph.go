// Package graph provides the dependency graph and resolver for task scheduling.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph of task dependencies.
// Edges point from a task to the tasks it is blocked by. The graph is
// immutable after Build.
type DependencyGraph struct {
	nodes map[string]models.TaskDescriptor
	edges map[string][]string
	// order holds task IDs sorted by tier, then ID.
	order []string
	log   *zap.Logger
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string]models.TaskDescriptor),
		edges: make(map[string][]string),
		log:   zap.NewNop(),
	}
}

// SetLogger sets the logger used for build diagnostics.
func (g *DependencyGraph) SetLogger(l *zap.Logger) {
	if l != nil {
		g.log = l
	}
}

// Build constructs the graph from task descriptors. It rejects duplicate
// IDs, unknown dependencies, dependencies on a higher tier and cycles.
func (g *DependencyGraph) Build(tasks []models.TaskDescriptor) error {
	g.log.Debug("building graph", zap.Int("tasks", len(tasks)))

	for _, t := range tasks {
		if t.ID == "" {
			return errors.New("task with empty id")
		}
		if _, dup := g.nodes[t.ID]; dup {
			return fmt.Errorf("duplicate task id %s", t.ID)
		}
		g.nodes[t.ID] = t
		g.edges[t.ID] = nil
	}

	for _, t := range tasks {
		for _, depID := range t.DependsOn {
			dep, exists := g.nodes[depID]
			if !exists {
				return fmt.Errorf("task %s depends on unknown task %s", t.ID, depID)
			}
			// A dependency in a later tier could never complete before
			// tier gating admits the dependent.
			if dep.Tier > t.Tier {
				return fmt.Errorf("task %s (tier %d) depends on %s in higher tier %d", t.ID, t.Tier, depID, dep.Tier)
			}
			g.edges[t.ID] = append(g.edges[t.ID], depID)
		}
	}

	if g.hasCycle() {
		return ErrCycleDetected
	}

	g.order = make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		g.order = append(g.order, id)
	}
	sort.Slice(g.order, func(i, j int) bool {
		a, b := g.nodes[g.order[i]], g.nodes[g.order[j]]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		return a.ID < b.ID
	})

	g.log.Debug("graph built", zap.Int("nodes", len(g.nodes)))
	return nil
}

// hasCycle runs a DFS with white/gray/black coloring looking for back edges.
func (g *DependencyGraph) hasCycle() bool {
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalSort returns task IDs so that every dependency comes before
// its dependents. Ties are broken by tier, then ID.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	if g.hasCycle() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.nodes))
	result := make([]string, 0, len(g.nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		deps := append([]string(nil), g.edges[id]...)
		sort.Strings(deps)
		for _, depID := range deps {
			visit(depID)
		}
		result = append(result, id)
	}

	for _, id := range g.order {
		visit(id)
	}
	return result, nil
}

// Task returns the descriptor for id.
func (g *DependencyGraph) Task(id string) (models.TaskDescriptor, bool) {
	t, ok := g.nodes[id]
	return t, ok
}

// IDs returns all task IDs ordered by tier, then ID.
func (g *DependencyGraph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	return len(g.nodes)
}

// Tiers returns the distinct tiers in ascending order.
func (g *DependencyGraph) Tiers() []int {
	var tiers []int
	for _, id := range g.order {
		tier := g.nodes[id].Tier
		if len(tiers) == 0 || tiers[len(tiers)-1] != tier {
			tiers = append(tiers, tier)
		}
	}
	return tiers
}

// GetDependencies returns the IDs of tasks that the given task depends on.
func (g *DependencyGraph) GetDependencies(id string) []string {
	return g.edges[id]
}

// GetDependents returns the IDs of tasks that depend on the given task, sorted.
func (g *DependencyGraph) GetDependents(id string) []string {
	var dependents []string
	for taskID, deps := range g.edges {
		for _, depID := range deps {
			if depID == id {
				dependents = append(dependents, taskID)
				break
			}
		}
	}
	sort.Strings(dependents)
	return dependents
}
