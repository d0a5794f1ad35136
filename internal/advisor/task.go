package advisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ShayCichocki/buildfix/internal/chunk"
	"github.com/ShayCichocki/buildfix/internal/registry"
	"github.com/ShayCichocki/buildfix/pkg/models"
)

// Kind is the registry kind handled by this package.
const Kind = "advisor"

const systemPrompt = `You are a build engineer. You receive compiler, linter or test errors from one project.
For each error, name the probable cause and give a concrete, minimal fix.
Answer in Markdown with one section per error. Do not repeat the error text verbatim.`

// Task asks the model for fix suggestions and writes them to a Markdown
// file. It never modifies source files.
type Task struct {
	registry.Base
	completer Completer
}

// Factory returns a registry.Factory for advisor tasks.
func Factory(c Completer) registry.Factory {
	return func(d models.TaskDescriptor) (registry.Task, error) {
		if d.Chunkable && d.ErrorSource == "" {
			return nil, fmt.Errorf("task %s: chunkable advisor needs an error_source", d.ID)
		}
		return &Task{Base: registry.Base{Desc: d}, completer: c}, nil
	}
}

// Execute sends the unit's items to the model. A failed request is
// reported as exit status 1 so the supervisor can retry it.
func (t *Task) Execute(ctx context.Context, inv registry.Invocation) (registry.Result, error) {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	items := inv.Items
	if len(items) == 0 && t.Desc.ErrorSource != "" {
		var err error
		items, err = chunk.ReadErrorSet(filepath.Join(inv.WorkDir, t.Desc.ErrorSource))
		if err != nil {
			return registry.Result{}, err
		}
	}
	if len(items) == 0 {
		return registry.Result{Summary: "no errors to analyze"}, nil
	}

	reply, err := t.completer.Complete(ctx, systemPrompt, buildPrompt(t.Desc.Ref.Prompt, items))
	if err != nil {
		res := registry.Result{ExitCode: 1, Summary: err.Error(), Output: []byte(err.Error())}
		if errors.Is(err, context.DeadlineExceeded) {
			res.TimedOut = true
		}
		return res, nil
	}

	out := t.outputPath(inv)
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return registry.Result{}, fmt.Errorf("create advice directory: %w", err)
	}
	if err := os.WriteFile(out, []byte(reply), 0644); err != nil {
		return registry.Result{}, fmt.Errorf("write advice: %w", err)
	}

	return registry.Result{
		Output:  []byte(reply),
		Summary: fmt.Sprintf("%d suggestions written to %s", len(items), out),
	}, nil
}

func (t *Task) outputPath(inv registry.Invocation) string {
	name := chunk.SafeName(inv.UnitID) + ".md"
	dir := t.Desc.Ref.Output
	if dir == "" {
		dir = filepath.Join(".buildfix", "advice")
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(inv.WorkDir, dir)
	}
	return filepath.Join(dir, name)
}

func buildPrompt(instruction string, items []string) string {
	var b strings.Builder
	if instruction != "" {
		b.WriteString(instruction)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "ERRORS (%d):\n", len(items))
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteByte('\n')
	}
	return b.String()
}

var _ registry.Task = (*Task)(nil)
