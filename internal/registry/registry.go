package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/buildfix/internal/graph"
	"github.com/ShayCichocki/buildfix/pkg/models"
)

// ErrUnknownKind is returned for a task whose kind has no factory.
var ErrUnknownKind = errors.New("unknown task kind")

// DefaultPath returns the registry file location for a project.
func DefaultPath(workdir string) string {
	return filepath.Join(workdir, ".buildfix", "tasks.yaml")
}

// File is the on-disk registry format.
type File struct {
	Tasks []models.TaskDescriptor `yaml:"tasks"`
}

// Registry is the immutable set of tasks for a run.
type Registry struct {
	tasks map[string]Task
	graph *graph.DependencyGraph
}

// Parse decodes a registry file.
func Parse(data []byte) ([]models.TaskDescriptor, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if len(f.Tasks) == 0 {
		return nil, errors.New("registry declares no tasks")
	}
	return f.Tasks, nil
}

// Load reads and validates the registry at path.
func Load(path string, factories map[string]Factory) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	descs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return New(descs, factories)
}

// New validates descriptors and binds each one to its kind's factory.
func New(descs []models.TaskDescriptor, factories map[string]Factory) (*Registry, error) {
	r := &Registry{tasks: make(map[string]Task, len(descs))}

	for i := range descs {
		d := descs[i]
		if err := validate(d); err != nil {
			return nil, err
		}
		if d.Ref.Kind == "" {
			d.Ref.Kind = KindCommand
		}
		factory, ok := factories[d.Ref.Kind]
		if !ok {
			return nil, fmt.Errorf("task %s: %w %q", d.ID, ErrUnknownKind, d.Ref.Kind)
		}
		t, err := factory(d)
		if err != nil {
			return nil, err
		}
		r.tasks[d.ID] = t
		descs[i] = d
	}

	g := graph.New()
	if err := g.Build(descs); err != nil {
		return nil, fmt.Errorf("invalid task graph: %w", err)
	}
	r.graph = g

	return r, nil
}

func validate(d models.TaskDescriptor) error {
	if d.ID == "" {
		return errors.New("task with empty id")
	}
	if d.Tier < 1 {
		return fmt.Errorf("task %s: tier must be >= 1, got %d", d.ID, d.Tier)
	}
	if !d.Demand.Valid() {
		return fmt.Errorf("task %s: negative resource demand", d.ID)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("task %s: negative timeout", d.ID)
	}
	if d.Chunkable && d.ErrorSource == "" {
		return fmt.Errorf("task %s: chunkable task needs an error_source", d.ID)
	}
	return nil
}

// Task returns the task with the given ID.
func (r *Registry) Task(id string) (Task, bool) {
	t, ok := r.tasks[id]
	return t, ok
}

// Graph returns the validated dependency graph.
func (r *Registry) Graph() *graph.DependencyGraph {
	return r.graph
}

// IDs returns task IDs ordered by tier, then ID.
func (r *Registry) IDs() []string {
	return r.graph.IDs()
}

// Len returns the number of tasks.
func (r *Registry) Len() int {
	return len(r.tasks)
}

// Descriptors returns all descriptors ordered by tier, then ID.
func (r *Registry) Descriptors() []models.TaskDescriptor {
	ids := r.graph.IDs()
	out := make([]models.TaskDescriptor, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.tasks[id].Descriptor())
	}
	return out
}
