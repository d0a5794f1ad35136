package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ShayCichocki/buildfix/internal/breaker"
	"github.com/ShayCichocki/buildfix/internal/cache"
	"github.com/ShayCichocki/buildfix/internal/checkpoint"
	"github.com/ShayCichocki/buildfix/internal/chunk"
	"github.com/ShayCichocki/buildfix/internal/ledger"
	"github.com/ShayCichocki/buildfix/internal/orchestrator/policy"
	"github.com/ShayCichocki/buildfix/internal/registry"
	"github.com/ShayCichocki/buildfix/internal/state"
	"github.com/ShayCichocki/buildfix/internal/supervisor"
	"github.com/ShayCichocki/buildfix/pkg/models"
)

const fakeKind = "fake"

// script decides the result of one attempt of a task.
type script func(ctx context.Context, inv registry.Invocation, attempt int) (registry.Result, error)

// span is the wall-clock interval of one attempt.
type span struct {
	start, end time.Time
}

// fakeExecutor records every attempt made through its tasks.
type fakeExecutor struct {
	mu         sync.Mutex
	scripts    map[string]script
	calls      map[string]int
	spans      map[string][]span
	running    int
	maxRunning int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		scripts: make(map[string]script),
		calls:   make(map[string]int),
		spans:   make(map[string][]span),
	}
}

func (f *fakeExecutor) on(taskID string, s script) {
	f.scripts[taskID] = s
}

func (f *fakeExecutor) factory() registry.Factory {
	return func(d models.TaskDescriptor) (registry.Task, error) {
		return &fakeTask{Base: registry.Base{Desc: d}, exec: f}, nil
	}
}

func (f *fakeExecutor) callCount(unitID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[unitID]
}

func (f *fakeExecutor) spansOf(unitID string) []span {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]span(nil), f.spans[unitID]...)
}

type fakeTask struct {
	registry.Base
	exec *fakeExecutor
}

func (t *fakeTask) Execute(ctx context.Context, inv registry.Invocation) (registry.Result, error) {
	f := t.exec
	f.mu.Lock()
	f.calls[inv.UnitID]++
	attempt := f.calls[inv.UnitID]
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	s := f.scripts[t.Desc.ID]
	f.mu.Unlock()

	start := time.Now()
	defer func() {
		f.mu.Lock()
		f.running--
		f.spans[inv.UnitID] = append(f.spans[inv.UnitID], span{start: start, end: time.Now()})
		f.mu.Unlock()
	}()

	if s == nil {
		return registry.Result{Summary: "ok"}, nil
	}
	return s(ctx, inv, attempt)
}

func sleepThen(d time.Duration, exitCode int) script {
	return func(ctx context.Context, _ registry.Invocation, _ int) (registry.Result, error) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return registry.Result{ExitCode: -1}, nil
		}
		return registry.Result{ExitCode: exitCode}, nil
	}
}

func alwaysExit(code int) script {
	return func(context.Context, registry.Invocation, int) (registry.Result, error) {
		return registry.Result{ExitCode: code, Summary: "boom"}, nil
	}
}

func desc(id string, tier int, deps ...string) models.TaskDescriptor {
	return models.TaskDescriptor{ID: id, Tier: tier, DependsOn: deps, Ref: models.ExecRef{Kind: fakeKind}}
}

func testPolicy() *policy.Config {
	p := policy.Default()
	p.Loop.Tick = 2 * time.Millisecond
	p.Loop.LivenessGrace = 10 * time.Millisecond
	p.Spawn.Rate = 1000
	p.Spawn.Burst = 100
	p.Checkpoint.Interval = 5 * time.Millisecond
	return p
}

// newTestOrchestrator builds an orchestrator over fake tasks with fast
// timings. Extra options override the defaults.
func newTestOrchestrator(t *testing.T, workdir string, f *fakeExecutor, descs []models.TaskDescriptor, opts ...Option) *Orchestrator {
	t.Helper()
	reg, err := registry.New(descs, map[string]registry.Factory{fakeKind: f.factory()})
	require.NoError(t, err)

	base := []Option{
		WithLogger(zaptest.NewLogger(t)),
		WithPolicy(testPolicy()),
		WithMode(models.ModeFull),
		WithRetryPolicy(supervisor.RetryPolicy{MaxRetries: 1, Base: time.Millisecond}),
		WithLivenessCheck(func(context.Context, int) bool { return true }),
	}
	o, err := New(RequiredConfig{WorkDir: workdir, Registry: reg}, append(base, opts...)...)
	require.NoError(t, err)
	return o
}

func run(t *testing.T, o *Orchestrator) *Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := o.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, report)
	return report
}

func taskReport(t *testing.T, r *Report, id string) TaskReport {
	t.Helper()
	for _, tr := range r.Tasks {
		if tr.ID == id {
			return tr
		}
	}
	t.Fatalf("task %s not in report", id)
	return TaskReport{}
}

func writeErrorSet(t *testing.T, dir, name string, n int) string {
	t.Helper()
	var lines []byte
	for i := 0; i < n; i++ {
		lines = append(lines, []byte("src/file.go:"+string(rune('a'+i))+": undefined\n")...)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, lines, 0644))
	return name
}

func TestNew_Validation(t *testing.T) {
	f := newFakeExecutor()
	reg, err := registry.New([]models.TaskDescriptor{desc("a", 1)}, map[string]registry.Factory{fakeKind: f.factory()})
	require.NoError(t, err)

	_, err = New(RequiredConfig{WorkDir: t.TempDir()})
	assert.Error(t, err, "missing registry")

	_, err = New(RequiredConfig{Registry: reg})
	assert.Error(t, err, "missing workdir")

	_, err = New(RequiredConfig{WorkDir: t.TempDir(), Registry: reg}, WithMode("turbo"))
	assert.Error(t, err)

	_, err = New(RequiredConfig{WorkDir: t.TempDir(), Registry: reg}, WithChunkSize(0))
	assert.Error(t, err)

	o, err := New(RequiredConfig{WorkDir: t.TempDir(), Registry: reg}, WithRunID("run-1"))
	require.NoError(t, err)
	assert.Equal(t, "run-1", o.RunID())
	assert.Equal(t, models.ModeSmart, o.Mode())
}

func TestNewRunID(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	id := NewRunID(at)
	assert.Regexp(t, `^20260304T050607-[0-9a-f]{8}$`, id)
	assert.NotEqual(t, id, NewRunID(at))
}

func TestRun_AllTasksComplete(t *testing.T) {
	f := newFakeExecutor()
	o := newTestOrchestrator(t, t.TempDir(), f, []models.TaskDescriptor{
		desc("lint", 1),
		desc("types", 1),
		desc("tests", 2, "types"),
	})

	report := run(t, o)

	assert.Equal(t, 3, report.Completed)
	assert.Zero(t, report.Failed)
	assert.False(t, report.Interrupted)
	assert.Equal(t, ExitSuccess, report.ExitCode())
	for _, id := range []string{"lint", "types", "tests"} {
		assert.Equal(t, 1, f.callCount(id), id)
		assert.Equal(t, models.TaskStatusCompleted, taskReport(t, report, id).Status)
	}
	assert.Equal(t, 3, report.Metrics.Admitted)

	_, err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestRun_FailureSkipsDependents(t *testing.T) {
	f := newFakeExecutor()
	f.on("a", alwaysExit(2))
	o := newTestOrchestrator(t, t.TempDir(), f,
		[]models.TaskDescriptor{desc("a", 1), desc("b", 2, "a"), desc("c", 3, "b")},
		WithRetryPolicy(supervisor.RetryPolicy{MaxRetries: 2, Base: time.Millisecond}),
		WithBreaker(breaker.New(10, time.Minute)),
	)

	report := run(t, o)

	a := taskReport(t, report, "a")
	assert.Equal(t, models.TaskStatusFailed, a.Status)
	assert.Equal(t, 2, a.Attempts)
	assert.Equal(t, 2, a.ExitCode)
	assert.Contains(t, a.Reason, "boom")

	b := taskReport(t, report, "b")
	assert.Equal(t, models.TaskStatusSkipped, b.Status)
	assert.Equal(t, "dependency a failed", b.Reason)
	assert.Equal(t, models.TaskStatusSkipped, taskReport(t, report, "c").Status)
	assert.Zero(t, f.callCount("b"))
	assert.Zero(t, f.callCount("c"))

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.Metrics.Retries)
	assert.Equal(t, ExitFailedBase+1, report.ExitCode())
}

func TestRun_ConcurrencyBound(t *testing.T) {
	f := newFakeExecutor()
	for _, id := range []string{"a", "b", "c"} {
		f.on(id, sleepThen(40*time.Millisecond, 0))
	}
	o := newTestOrchestrator(t, t.TempDir(), f,
		[]models.TaskDescriptor{desc("a", 1), desc("b", 1), desc("c", 1)},
		WithMaxConcurrent(2),
	)

	start := time.Now()
	report := run(t, o)
	elapsed := time.Since(start)

	assert.Equal(t, 3, report.Completed)
	assert.Equal(t, 2, f.maxRunning)
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond, "third task must wait for a free slot")
	assert.Less(t, elapsed, 120*time.Millisecond, "two tasks must run side by side")
	assert.Positive(t, report.Metrics.Denials)

	var spans []span
	for _, id := range []string{"a", "b", "c"} {
		require.Len(t, f.spansOf(id), 1)
		spans = append(spans, f.spansOf(id)[0])
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start.Before(spans[j].start) })
	assert.True(t, spans[1].start.Before(spans[0].end), "first two attempts overlap")
	firstFree := spans[0].end
	if spans[1].end.Before(firstFree) {
		firstFree = spans[1].end
	}
	assert.False(t, spans[2].start.Before(firstFree), "third attempt waits for a slot")
}

func TestRun_SequentialModeRunsOneAtATime(t *testing.T) {
	f := newFakeExecutor()
	for _, id := range []string{"a", "b", "c"} {
		f.on(id, sleepThen(5*time.Millisecond, 0))
	}
	o := newTestOrchestrator(t, t.TempDir(), f,
		[]models.TaskDescriptor{desc("a", 1), desc("b", 1), desc("c", 1)},
		WithMode(models.ModeSequential),
		WithMaxConcurrent(8),
	)

	report := run(t, o)

	assert.Equal(t, 3, report.Completed)
	assert.Equal(t, 1, f.maxRunning)
}

func TestRun_DependentStartsAfterDependencyCompletes(t *testing.T) {
	f := newFakeExecutor()
	f.on("build", sleepThen(20*time.Millisecond, 0))
	f.on("lint", sleepThen(30*time.Millisecond, 0))
	o := newTestOrchestrator(t, t.TempDir(), f, []models.TaskDescriptor{
		desc("build", 1),
		desc("lint", 1),
		desc("test", 2, "build"),
	})

	report := run(t, o)
	require.Equal(t, 3, report.Completed)

	build := f.spansOf("build")
	lint := f.spansOf("lint")
	test := f.spansOf("test")
	require.Len(t, build, 1)
	require.Len(t, lint, 1)
	require.Len(t, test, 1)
	assert.False(t, test[0].start.Before(build[0].end), "test started before its dependency finished")
	assert.False(t, test[0].start.Before(lint[0].end), "tier 2 started while tier 1 was unfinished")
}

func TestRun_ChunkFailureFailsParent(t *testing.T) {
	dir := t.TempDir()
	src := writeErrorSet(t, dir, "errors.txt", 5)

	failing := chunk.UnitID("fix", 1, 3)
	f := newFakeExecutor()
	var mu sync.Mutex
	seen := map[string][]string{}
	f.on("fix", func(_ context.Context, inv registry.Invocation, _ int) (registry.Result, error) {
		mu.Lock()
		seen[inv.UnitID] = inv.Items
		mu.Unlock()
		if inv.UnitID == failing {
			return registry.Result{ExitCode: 3}, nil
		}
		return registry.Result{}, nil
	})

	fix := desc("fix", 1)
	fix.Chunkable = true
	fix.ErrorSource = src
	o := newTestOrchestrator(t, dir, f,
		[]models.TaskDescriptor{fix, desc("verify", 2, "fix")},
		WithChunkSize(2),
	)

	report := run(t, o)

	tr := taskReport(t, report, "fix")
	assert.Equal(t, models.TaskStatusFailed, tr.Status)
	require.NotNil(t, tr.Chunks)
	assert.Equal(t, models.ChunkProgress{Total: 3, Completed: 2, Failed: 1}, *tr.Chunks)
	assert.Equal(t, 3, tr.ExitCode)
	assert.Contains(t, tr.Reason, "chunk 2/3")
	assert.Equal(t, models.TaskStatusSkipped, taskReport(t, report, "verify").Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Len(t, seen[chunk.UnitID("fix", 0, 3)], 2)
	assert.Len(t, seen[chunk.UnitID("fix", 2, 3)], 1)
}

func TestRun_SmartModeSkipsIdleTasks(t *testing.T) {
	dir := t.TempDir()
	empty := writeErrorSet(t, dir, "empty.txt", 0)
	busy := writeErrorSet(t, dir, "busy.txt", 2)

	idle := desc("idle", 1)
	idle.ErrorSource = empty
	work := desc("work", 1)
	work.ErrorSource = busy

	f := newFakeExecutor()
	o := newTestOrchestrator(t, dir, f,
		[]models.TaskDescriptor{idle, work, desc("after", 2, "idle")},
		WithMode(models.ModeSmart),
	)

	report := run(t, o)

	tr := taskReport(t, report, "idle")
	assert.Equal(t, models.TaskStatusSkipped, tr.Status)
	assert.Equal(t, "no work detected", tr.Reason)
	assert.Zero(t, f.callCount("idle"))
	assert.Equal(t, 1, f.callCount("work"))
	after := taskReport(t, report, "after")
	assert.Equal(t, models.TaskStatusSkipped, after.Status)
	assert.Equal(t, "dependency idle skipped", after.Reason)
	// Skips are not failures.
	assert.Equal(t, ExitSuccess, report.ExitCode())
}

func TestRun_MinimalModeRunsTierOneOnly(t *testing.T) {
	f := newFakeExecutor()
	o := newTestOrchestrator(t, t.TempDir(), f,
		[]models.TaskDescriptor{desc("a", 1), desc("b", 2), desc("c", 3)},
		WithMode(models.ModeMinimal),
	)

	report := run(t, o)

	assert.Equal(t, models.TaskStatusCompleted, taskReport(t, report, "a").Status)
	assert.Equal(t, models.TaskStatusSkipped, taskReport(t, report, "b").Status)
	assert.Equal(t, models.TaskStatusSkipped, taskReport(t, report, "c").Status)
	assert.Zero(t, f.callCount("b"))
	assert.Equal(t, ExitSuccess, report.ExitCode())
}

func TestRun_DryRunNeverExecutes(t *testing.T) {
	f := newFakeExecutor()
	f.on("a", alwaysExit(1))
	o := newTestOrchestrator(t, t.TempDir(), f,
		[]models.TaskDescriptor{desc("a", 1), desc("b", 2, "a")},
		WithDryRun(true),
	)

	report := run(t, o)

	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.Completed)
	assert.Zero(t, f.callCount("a"))
	assert.Zero(t, f.callCount("b"))
}

func TestRun_DryRunIgnoresOpenBreaker(t *testing.T) {
	brk := breaker.New(1, time.Hour)
	require.NoError(t, brk.RecordFailure("a"))
	require.True(t, brk.IsOpen("a"))

	f := newFakeExecutor()
	o := newTestOrchestrator(t, t.TempDir(), f,
		[]models.TaskDescriptor{desc("a", 1)},
		WithDryRun(true),
		WithBreaker(brk),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report, err := o.Run(ctx)
	require.NoError(t, err)

	assert.False(t, report.Interrupted)
	assert.Equal(t, models.TaskStatusCompleted, taskReport(t, report, "a").Status)
	assert.Equal(t, ExitSuccess, report.ExitCode())
	assert.Zero(t, f.callCount("a"))
}

func TestRun_CacheMakesRerunsIdempotent(t *testing.T) {
	dir := t.TempDir()
	c, err := cache.Open(cache.Path(dir), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	f := newFakeExecutor()
	descs := func() []models.TaskDescriptor {
		return []models.TaskDescriptor{desc("a", 1), desc("b", 2, "a")}
	}

	first := run(t, newTestOrchestrator(t, dir, f, descs(), WithCache(c)))
	assert.Equal(t, 2, first.Completed)
	assert.Equal(t, 2, first.Metrics.CacheMisses)

	second := run(t, newTestOrchestrator(t, dir, f, descs(), WithCache(c)))
	assert.Equal(t, 2, second.Completed)
	assert.Equal(t, 2, second.Metrics.CacheHits)
	assert.True(t, taskReport(t, second, "a").Cached)
	assert.Equal(t, 1, f.callCount("a"), "cached unit must not execute again")
	assert.Equal(t, 1, f.callCount("b"))

	third := run(t, newTestOrchestrator(t, dir, f, descs(), WithCache(c), WithNoCache(true)))
	assert.Equal(t, 2, third.Completed)
	assert.Equal(t, 2, f.callCount("a"))
}

func TestRun_FailuresAreNotCached(t *testing.T) {
	dir := t.TempDir()
	c, err := cache.Open(cache.Path(dir), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	f := newFakeExecutor()
	f.on("a", alwaysExit(1))

	run(t, newTestOrchestrator(t, dir, f, []models.TaskDescriptor{desc("a", 1)}, WithCache(c)))
	run(t, newTestOrchestrator(t, dir, f, []models.TaskDescriptor{desc("a", 1)}, WithCache(c)))

	assert.Equal(t, 2, f.callCount("a"))
	n, err := c.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRun_OpenBreakerStopsRetries(t *testing.T) {
	f := newFakeExecutor()
	f.on("flaky", alwaysExit(1))
	o := newTestOrchestrator(t, t.TempDir(), f,
		[]models.TaskDescriptor{desc("flaky", 1)},
		WithRetryPolicy(supervisor.RetryPolicy{MaxRetries: 5, Base: time.Millisecond}),
		WithBreaker(breaker.New(2, time.Minute)),
	)

	report := run(t, o)

	tr := taskReport(t, report, "flaky")
	assert.Equal(t, models.TaskStatusFailed, tr.Status)
	assert.Equal(t, 2, tr.Attempts)
	assert.Equal(t, 2, f.callCount("flaky"))
	assert.Contains(t, o.Status().OpenBreakers, "flaky")
}

func TestRun_RetrySucceeds(t *testing.T) {
	f := newFakeExecutor()
	f.on("a", func(_ context.Context, _ registry.Invocation, attempt int) (registry.Result, error) {
		if attempt == 1 {
			return registry.Result{ExitCode: 1}, nil
		}
		return registry.Result{}, nil
	})
	o := newTestOrchestrator(t, t.TempDir(), f,
		[]models.TaskDescriptor{desc("a", 1)},
		WithRetryPolicy(supervisor.RetryPolicy{MaxRetries: 3, Base: time.Millisecond}),
	)

	report := run(t, o)

	tr := taskReport(t, report, "a")
	assert.Equal(t, models.TaskStatusCompleted, tr.Status)
	assert.Equal(t, 2, tr.Attempts)
	assert.Equal(t, 1, report.Metrics.Retries)
}

func TestRun_ResourceCeiling(t *testing.T) {
	f := newFakeExecutor()
	f.on("a", sleepThen(15*time.Millisecond, 0))
	f.on("b", sleepThen(15*time.Millisecond, 0))

	a, b, huge := desc("a", 1), desc("b", 1), desc("huge", 1)
	a.Demand = models.ResourceDemand{CPUShares: 60}
	b.Demand = models.ResourceDemand{CPUShares: 60}
	huge.Demand = models.ResourceDemand{CPUShares: 500}

	l := ledger.New(models.ResourceDemand{CPUShares: 100, MemoryMB: 1024, FileHandles: 64}, ledger.Options{})
	o := newTestOrchestrator(t, t.TempDir(), f,
		[]models.TaskDescriptor{a, b, huge},
		WithLedger(l),
	)

	report := run(t, o)

	assert.Equal(t, 1, f.maxRunning, "two 60-share units cannot share a 100-share ceiling")
	assert.Equal(t, models.TaskStatusCompleted, taskReport(t, report, "a").Status)
	assert.Equal(t, models.TaskStatusCompleted, taskReport(t, report, "b").Status)

	tr := taskReport(t, report, "huge")
	assert.Equal(t, models.TaskStatusFailed, tr.Status)
	assert.Contains(t, tr.Reason, "exceeds host ceiling")
	assert.Zero(t, f.callCount("huge"))
	assert.Empty(t, l.Allocations())
}

func TestRun_LostProcessFailsUnit(t *testing.T) {
	f := newFakeExecutor()
	f.on("a", func(ctx context.Context, inv registry.Invocation, _ int) (registry.Result, error) {
		inv.OnStart(424242)
		<-ctx.Done()
		return registry.Result{ExitCode: -1}, nil
	})
	o := newTestOrchestrator(t, t.TempDir(), f,
		[]models.TaskDescriptor{desc("a", 1)},
		WithLivenessCheck(func(context.Context, int) bool { return false }),
	)

	report := run(t, o)

	tr := taskReport(t, report, "a")
	assert.Equal(t, models.TaskStatusFailed, tr.Status)
	assert.Contains(t, tr.Reason, "424242")
	assert.Equal(t, 1, report.Metrics.LostProcs)
}

func TestRun_StopDrainsRunningUnits(t *testing.T) {
	f := newFakeExecutor()
	var o *Orchestrator
	f.on("a", func(context.Context, registry.Invocation, int) (registry.Result, error) {
		o.Stop()
		time.Sleep(10 * time.Millisecond)
		return registry.Result{}, nil
	})
	o = newTestOrchestrator(t, t.TempDir(), f, []models.TaskDescriptor{desc("a", 1), desc("b", 2)})

	report := run(t, o)

	assert.True(t, report.Interrupted)
	assert.Equal(t, models.TaskStatusCompleted, taskReport(t, report, "a").Status)
	assert.Equal(t, models.TaskStatusPending, taskReport(t, report, "b").Status)
	assert.Equal(t, 1, report.Pending)
	assert.Zero(t, f.callCount("b"))
	assert.Equal(t, ExitInterrupted, report.ExitCode())
}

func TestRun_ContextCancelInterrupts(t *testing.T) {
	f := newFakeExecutor()
	started := make(chan struct{})
	f.on("slow", func(ctx context.Context, _ registry.Invocation, _ int) (registry.Result, error) {
		close(started)
		<-ctx.Done()
		return registry.Result{ExitCode: -1}, nil
	})
	o := newTestOrchestrator(t, t.TempDir(), f, []models.TaskDescriptor{desc("slow", 1)})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	report, err := o.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Equal(t, ExitInterrupted, report.ExitCode())
	assert.Empty(t, o.Status().Allocations)
}

func TestRun_PauseHoldsAdmission(t *testing.T) {
	f := newFakeExecutor()
	o := newTestOrchestrator(t, t.TempDir(), f, []models.TaskDescriptor{desc("a", 1)})
	o.Pause()
	assert.True(t, o.IsPaused())

	done := make(chan *Report, 1)
	go func() {
		report, _ := o.Run(context.Background())
		done <- report
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, f.callCount("a"), "paused run admitted a unit")

	o.Resume()
	select {
	case report := <-done:
		assert.Equal(t, 1, report.Completed)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
}

func TestRun_EventsStream(t *testing.T) {
	f := newFakeExecutor()
	o := newTestOrchestrator(t, t.TempDir(), f, []models.TaskDescriptor{desc("a", 1)})

	var got []EventType
	collected := make(chan struct{})
	events := o.Events()
	go func() {
		defer close(collected)
		for ev := range events {
			got = append(got, ev.Type)
		}
	}()

	run(t, o)
	<-collected

	assert.Contains(t, got, EventUnitAdmitted)
	assert.Contains(t, got, EventUnitCompleted)
	assert.Contains(t, got, EventTaskDone)
	require.NotEmpty(t, got)
	assert.Equal(t, EventRunDone, got[len(got)-1])
}

func TestRun_ActivityWithoutSubscriber(t *testing.T) {
	f := newFakeExecutor()
	o := newTestOrchestrator(t, t.TempDir(), f, []models.TaskDescriptor{desc("a", 1), desc("b", 2, "a")})
	run(t, o)

	events := o.Activity(0)
	require.NotEmpty(t, events)
	assert.Equal(t, EventRunDone, events[len(events)-1].Type)

	var done []string
	for _, ev := range events {
		if ev.Type == EventTaskDone {
			done = append(done, ev.TaskID)
		}
	}
	assert.Equal(t, []string{"a", "b"}, done)

	last := o.Activity(1)
	require.Len(t, last, 1)
	assert.Equal(t, EventRunDone, last[0].Type)
}

func TestRun_CheckpointAndResume(t *testing.T) {
	dir := t.TempDir()
	store := checkpoint.NewStore(checkpoint.Dir(dir))
	descs := func() []models.TaskDescriptor {
		return []models.TaskDescriptor{desc("a", 1), desc("b", 1), desc("c", 2, "a")}
	}

	// A run that was killed while "a" was running and "b" had finished.
	now := time.Now()
	seq := store.NewRun("run-1", 5)
	id, err := seq.Save(checkpoint.Snapshot{
		RunID: "run-1",
		Mode:  models.ModeFull,
		Tasks: map[string]models.TaskState{
			"a": {ID: "a", Tier: 1, Status: models.TaskStatusRunning, Attempts: 1, StartedAt: now,
				Units: []models.UnitState{{ID: "a", Total: 1, Status: models.TaskStatusRunning, Attempts: 1, StartedAt: now}}},
			"b": {ID: "b", Tier: 1, Status: models.TaskStatusCompleted, Attempts: 1,
				Units: []models.UnitState{{ID: "b", Total: 1, Status: models.TaskStatusCompleted, Attempts: 1}}},
			"c": {ID: "c", Tier: 2, Status: models.TaskStatusPending},
		},
		Metrics:   models.RunMetrics{Admitted: 2, Completed: 1},
		CreatedAt: now,
	})
	require.NoError(t, err)

	cp, err := store.Load(id)
	require.NoError(t, err)

	// While the retried "a" runs, its own grant is the only one held.
	l := ledger.New(unbounded, ledger.Options{})
	var held []string
	f := newFakeExecutor()
	f.on("a", func(context.Context, registry.Invocation, int) (registry.Result, error) {
		for _, a := range l.Allocations() {
			held = append(held, a.UnitID)
		}
		return registry.Result{}, nil
	})
	o := newTestOrchestrator(t, dir, f, descs(),
		WithResume(cp),
		WithLedger(l),
		WithCheckpoints(store, 5),
		WithRetryPolicy(supervisor.RetryPolicy{MaxRetries: 3, Base: time.Millisecond}),
	)
	assert.Equal(t, "run-1", o.RunID())

	report := run(t, o)
	assert.Equal(t, []string{"a"}, held, "a resumed run starts with no grants")
	assert.Empty(t, l.Allocations())

	assert.Equal(t, 3, report.Completed)
	assert.Equal(t, 2, taskReport(t, report, "a").Attempts, "interrupted attempt counts")
	assert.Zero(t, f.callCount("b"), "completed work must not rerun")
	assert.Equal(t, 1, f.callCount("c"))

	// The final checkpoint continues the run's sequence and is loadable.
	require.NotEmpty(t, report.CheckpointID)
	runID, seqNo, err := checkpoint.ParseID(report.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	assert.Greater(t, seqNo, 1)

	final, err := store.Load(report.CheckpointID)
	require.NoError(t, err)
	require.Len(t, final.Tasks, 3)
	for id, ts := range final.Tasks {
		assert.Equal(t, models.TaskStatusCompleted, ts.Status, id)
	}
}

func TestRun_ResumeRejectsUnknownTask(t *testing.T) {
	cp := &checkpoint.Checkpoint{
		ID:    "run-x-000001",
		RunID: "run-x",
		Tasks: map[string]models.TaskState{"gone": {ID: "gone", Tier: 1}},
	}
	o := newTestOrchestrator(t, t.TempDir(), newFakeExecutor(), []models.TaskDescriptor{desc("a", 1)}, WithResume(cp))

	_, err := o.Run(context.Background())
	assert.ErrorContains(t, err, "unknown task")
}

func TestRun_RecordsRunInStateDB(t *testing.T) {
	dir := t.TempDir()
	db, err := state.OpenProject(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := newFakeExecutor()
	f.on("b", alwaysExit(1))
	o := newTestOrchestrator(t, dir, f,
		[]models.TaskDescriptor{desc("a", 1), desc("b", 1)},
		WithStateDB(db),
		WithRunID("run-db"),
	)

	run(t, o)

	r, err := db.GetRun("run-db")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, state.RunFailed, r.Status)
	assert.Equal(t, 1, r.Completed)
	assert.Equal(t, 1, r.Failed)
	assert.False(t, r.EndedAt.IsZero())

	states, err := db.ListTaskStates("run-db")
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

func TestReport_ExitCode(t *testing.T) {
	tests := []struct {
		name   string
		report Report
		want   int
	}{
		{"success", Report{Completed: 3}, ExitSuccess},
		{"skips only", Report{Skipped: 2}, ExitSuccess},
		{"one failure", Report{Failed: 1}, 11},
		{"capped", Report{Failed: 500}, ExitFailedBase + 99},
		{"interrupted wins", Report{Failed: 2, Interrupted: true}, ExitInterrupted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.report.ExitCode())
		})
	}
}
