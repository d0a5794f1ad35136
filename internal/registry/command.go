package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/buildfix/internal/chunk"
	"github.com/ShayCichocki/buildfix/internal/exec"
	"github.com/ShayCichocki/buildfix/pkg/models"
)

// KindCommand runs a shell command.
const KindCommand = "command"

// CommandTask runs its ExecRef as a shell command in its own process group.
type CommandTask struct {
	Base
	runner exec.CommandRunner
}

// CommandFactory returns a Factory for command tasks.
func CommandFactory(runner exec.CommandRunner) Factory {
	return func(d models.TaskDescriptor) (Task, error) {
		if strings.TrimSpace(d.Ref.Command) == "" {
			return nil, fmt.Errorf("task %s: command task without command", d.ID)
		}
		return &CommandTask{Base: Base{Desc: d}, runner: runner}, nil
	}
}

// Execute runs the command. The chunk file, unit ID and item count are
// exported to the process environment.
func (t *CommandTask) Execute(ctx context.Context, inv Invocation) (Result, error) {
	env := []string{
		"BUILDFIX_TASK_ID=" + t.Desc.ID,
		"BUILDFIX_UNIT_ID=" + inv.UnitID,
		fmt.Sprintf("BUILDFIX_ITEM_COUNT=%d", len(inv.Items)),
	}
	if inv.ChunkFile != "" {
		env = append(env, chunk.EnvFile+"="+inv.ChunkFile)
	}
	keys := make([]string, 0, len(t.Desc.Ref.Env))
	for k := range t.Desc.Ref.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+t.Desc.Ref.Env[k])
	}

	res, err := t.runner.Run(ctx, exec.Request{
		WorkDir:   inv.WorkDir,
		Command:   t.Desc.Ref.Command,
		Args:      t.Desc.Ref.Args,
		Env:       env,
		Timeout:   inv.Timeout,
		TailBytes: inv.TailBytes,
		LogPath:   inv.LogPath,
		OnStart:   inv.OnStart,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		ExitCode: res.ExitCode,
		Output:   res.Output,
		PID:      res.PID,
		TimedOut: res.TimedOut,
		Summary:  summarize(res),
	}, nil
}

// summarize keeps the last non-empty output line.
func summarize(res exec.Result) string {
	if res.TimedOut {
		return fmt.Sprintf("timed out after %s", res.Duration.Round(time.Millisecond))
	}
	lines := strings.Split(strings.TrimSpace(string(res.Output)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if len(last) > 200 {
		last = last[:200]
	}
	if last == "" {
		return fmt.Sprintf("exit %d", res.ExitCode)
	}
	return last
}

var _ Task = (*CommandTask)(nil)
