package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func snapshot(runID string, at time.Time, tasks ...models.TaskState) Snapshot {
	m := make(map[string]models.TaskState)
	for _, ts := range tasks {
		m[ts.ID] = ts
	}
	return Snapshot{RunID: runID, Mode: models.ModeFull, Tasks: m, CreatedAt: at}
}

func task(id string, status models.TaskStatus, attempts int) models.TaskState {
	return models.TaskState{ID: id, Tier: 1, Status: status, Attempts: attempts}
}

func TestParseID(t *testing.T) {
	id := MakeID("0b7c4f2e-1111-2222-3333-444455556666", 12)
	runID, seq, err := ParseID(id)
	require.NoError(t, err)
	assert.Equal(t, "0b7c4f2e-1111-2222-3333-444455556666", runID)
	assert.Equal(t, 12, seq)

	for _, bad := range []string{"", "nodash", "run-", "run-x", "run-0"} {
		_, _, err := ParseID(bad)
		assert.ErrorIs(t, err, ErrNotFound, bad)
	}
}

func TestRun_FullAndDeltaRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	run := store.NewRun("run1", 3)

	id1, err := run.Save(snapshot("run1", t0,
		task("a", models.TaskStatusPending, 0),
		task("b", models.TaskStatusPending, 0),
	))
	require.NoError(t, err)

	id2, err := run.Save(snapshot("run1", t0.Add(time.Second),
		task("a", models.TaskStatusRunning, 1),
		task("b", models.TaskStatusPending, 0),
	))
	require.NoError(t, err)

	want := snapshot("run1", t0.Add(2*time.Second),
		task("a", models.TaskStatusCompleted, 1),
		task("b", models.TaskStatusFailed, 2),
	)
	id3, err := run.Save(want)
	require.NoError(t, err)

	raw2, err := decodeFile(store.path("run1", 2))
	require.NoError(t, err)
	assert.False(t, raw2.Full)
	assert.Equal(t, id1, raw2.BaseID)
	assert.Len(t, raw2.Tasks, 1, "delta holds only the changed task")

	cp, err := store.Load(id3)
	require.NoError(t, err)
	assert.Equal(t, want.Tasks, cp.Tasks)
	assert.Equal(t, 3, cp.Seq)

	cp2, err := store.Load(id2)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, cp2.Tasks["a"].Status)
	assert.Equal(t, models.TaskStatusPending, cp2.Tasks["b"].Status)

	id4, err := run.Save(want)
	require.NoError(t, err)
	raw4, err := decodeFile(store.path("run1", 4))
	require.NoError(t, err)
	assert.True(t, raw4.Full, "every third checkpoint is full")
	assert.Equal(t, MakeID("run1", 4), id4)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	run := store.NewRun("run1", 10)

	_, err := run.Save(snapshot("run1", t0, task("a", models.TaskStatusPending, 0)))
	require.NoError(t, err)
	id2, err := run.Save(snapshot("run1", t0, task("a", models.TaskStatusRunning, 1)))
	require.NoError(t, err)

	_, err = store.Load(MakeID("run1", 9))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.Remove(store.path("run1", 1)))
	_, err = store.Load(id2)
	assert.ErrorIs(t, err, ErrCorrupt, "missing base")

	require.NoError(t, os.WriteFile(store.path("run1", 2), []byte("{not json"), 0644))
	_, err = store.Load(id2)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLatestAndList(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "checkpoints"))

	_, err := store.Latest()
	assert.ErrorIs(t, err, ErrNotFound)

	older := store.NewRun("older", 5)
	_, err = older.Save(snapshot("older", t0, task("a", models.TaskStatusPending, 0)))
	require.NoError(t, err)

	newer := store.NewRun("newer", 5)
	_, err = newer.Save(snapshot("newer", t0.Add(time.Minute), task("a", models.TaskStatusPending, 0)))
	require.NoError(t, err)
	latestID, err := newer.Save(snapshot("newer", t0.Add(2*time.Minute), task("a", models.TaskStatusCompleted, 1)))
	require.NoError(t, err)

	infos, err := store.List()
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "older", infos[0].RunID)

	cp, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, latestID, cp.ID)
	assert.Equal(t, models.TaskStatusCompleted, cp.Tasks["a"].Status)

	require.NoError(t, store.Clear())
	infos, err = store.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestResumeRun_WritesFullFirst(t *testing.T) {
	store := NewStore(t.TempDir())
	run := store.NewRun("r", 10)
	_, err := run.Save(snapshot("r", t0, task("a", models.TaskStatusPending, 0)))
	require.NoError(t, err)
	id, err := run.Save(snapshot("r", t0, task("a", models.TaskStatusRunning, 1)))
	require.NoError(t, err)

	cp, err := store.Load(id)
	require.NoError(t, err)

	resumed := store.ResumeRun(cp, 10)
	next, err := resumed.Save(snapshot("r", t0.Add(time.Hour), task("a", models.TaskStatusCompleted, 1)))
	require.NoError(t, err)
	assert.Equal(t, MakeID("r", 3), next)

	raw, err := decodeFile(store.path("r", 3))
	require.NoError(t, err)
	assert.True(t, raw.Full)
}

func TestResumeRun_FromOlderCheckpointKeepsLaterOnes(t *testing.T) {
	store := NewStore(t.TempDir())
	run := store.NewRun("r", 10)
	first, err := run.Save(snapshot("r", t0,
		task("a", models.TaskStatusPending, 0), task("b", models.TaskStatusPending, 0)))
	require.NoError(t, err)
	second, err := run.Save(snapshot("r", t0.Add(time.Minute),
		task("a", models.TaskStatusCompleted, 1), task("b", models.TaskStatusPending, 0)))
	require.NoError(t, err)
	third, err := run.Save(snapshot("r", t0.Add(2*time.Minute),
		task("a", models.TaskStatusCompleted, 1), task("b", models.TaskStatusCompleted, 1)))
	require.NoError(t, err)

	cp, err := store.Load(first)
	require.NoError(t, err)
	resumed := store.ResumeRun(cp, 10)
	next, err := resumed.Save(snapshot("r", t0.Add(time.Hour),
		task("a", models.TaskStatusFailed, 2), task("b", models.TaskStatusPending, 0)))
	require.NoError(t, err)
	assert.Equal(t, MakeID("r", 4), next)

	got, err := store.Load(second)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Tasks["a"].Status)
	assert.Equal(t, models.TaskStatusPending, got.Tasks["b"].Status)

	got, err = store.Load(third)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Tasks["a"].Status)
	assert.Equal(t, models.TaskStatusCompleted, got.Tasks["b"].Status)

	got, err = store.Load(next)
	require.NoError(t, err)
	assert.True(t, got.Full)
	assert.Equal(t, models.TaskStatusFailed, got.Tasks["a"].Status)
}

func TestSave_RefusesToReplaceExisting(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.NewRun("r", 1).Save(snapshot("r", t0, task("a", models.TaskStatusPending, 0)))
	require.NoError(t, err)

	_, err = store.NewRun("r", 1).Save(snapshot("r", t0, task("a", models.TaskStatusFailed, 1)))
	require.Error(t, err)

	cp, err := store.Load(MakeID("r", 1))
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, cp.Tasks["a"].Status)
}

func TestWriteFileAtomic_NoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.json")
	require.NoError(t, writeFileAtomic(path, []byte("one"), 0644))
	require.NoError(t, writeFileAtomic(path, []byte("two"), 0644))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}
