package state

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// setupTestDB creates a new temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	nested := filepath.Join(t.TempDir(), "a", "b")
	db, err := Open(filepath.Join(nested, "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(nested); os.IsNotExist(err) {
		t.Errorf("parent directories not created: %s", nested)
	}
}

func TestOpenProject(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenProject(dir)
	if err != nil {
		t.Fatalf("OpenProject failed: %v", err)
	}
	defer db.Close()

	if db.Path() != filepath.Join(dir, ".buildfix", "state.db") {
		t.Errorf("Path() = %q", db.Path())
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	var version int
	if err := db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != 3 {
		t.Errorf("schema version = %d, want 3", version)
	}
}

func TestTransaction_Rollback(t *testing.T) {
	db := setupTestDB(t)
	run := &Run{ID: "r1", Mode: models.ModeSmart, Status: RunRunning, StartedAt: time.Now()}

	sentinel := errors.New("boom")
	err := db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO runs (id, mode, status, started_at) VALUES (?, ?, ?, ?)`,
			run.ID, string(run.Mode), string(run.Status), formatTime(run.StartedAt)); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Transaction error = %v, want sentinel", err)
	}

	got, err := db.GetRun("r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got != nil {
		t.Error("rolled back run should not exist")
	}
}

func TestRuns_CreateUpdateGet(t *testing.T) {
	db := setupTestDB(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	run := &Run{ID: "r1", Mode: models.ModeFull, Status: RunRunning, PID: 42, StartedAt: start}
	if err := db.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	run.Status = RunCompleted
	run.Completed = 3
	run.Skipped = 1
	run.LastCheckpoint = "r1-000004"
	run.EndedAt = start.Add(time.Minute)
	if err := db.UpdateRun(run); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}

	got, err := db.GetRun("r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetRun returned nil")
	}
	if got.Status != RunCompleted || got.Completed != 3 || got.Skipped != 1 {
		t.Errorf("GetRun = %+v", got)
	}
	if got.Mode != models.ModeFull {
		t.Errorf("Mode = %s, want full", got.Mode)
	}
	if got.LastCheckpoint != "r1-000004" {
		t.Errorf("LastCheckpoint = %q", got.LastCheckpoint)
	}
	if !got.StartedAt.Equal(start) || !got.EndedAt.Equal(start.Add(time.Minute)) {
		t.Errorf("times = %v / %v", got.StartedAt, got.EndedAt)
	}
}

func TestRuns_UpdateMissing(t *testing.T) {
	db := setupTestDB(t)
	if err := db.UpdateRun(&Run{ID: "nope", Status: RunFailed}); err == nil {
		t.Error("expected error updating a missing run")
	}
}

func TestListRuns_FilterAndOrder(t *testing.T) {
	db := setupTestDB(t)
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		status := RunCompleted
		if id == "mid" {
			status = RunRunning
		}
		r := &Run{ID: id, Mode: models.ModeSmart, Status: status, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := db.CreateRun(r); err != nil {
			t.Fatalf("CreateRun(%s) failed: %v", id, err)
		}
	}

	all, err := db.ListRuns(nil, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "new" || all[2].ID != "old" {
		t.Errorf("ListRuns order = %v", ids(all))
	}

	running := RunRunning
	filtered, err := db.ListRuns(&running, 0)
	if err != nil {
		t.Fatalf("ListRuns(running) failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "mid" {
		t.Errorf("ListRuns(running) = %v", ids(filtered))
	}

	limited, err := db.ListRuns(nil, 2)
	if err != nil {
		t.Fatalf("ListRuns(limit) failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("ListRuns(limit 2) returned %d", len(limited))
	}
}

func ids(runs []Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}

func TestTaskStates_SaveAndList(t *testing.T) {
	db := setupTestDB(t)
	if err := db.CreateRun(&Run{ID: "r1", Mode: models.ModeSmart, Status: RunRunning, StartedAt: time.Now()}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	states := []models.TaskState{
		{ID: "b", Tier: 2, Status: models.TaskStatusSkipped, Reason: "dependency a failed", EndedAt: now},
		{ID: "a", Tier: 1, Status: models.TaskStatusFailed, Attempts: 3, LastExitCode: 2, StartedAt: now,
			Units: []models.UnitState{{ID: "a", Total: 1, Status: models.TaskStatusFailed, Attempts: 3, LastExitCode: 2}}},
	}
	if err := db.SaveTaskStates("r1", states); err != nil {
		t.Fatalf("SaveTaskStates failed: %v", err)
	}

	states[0].Reason = "updated"
	if err := db.SaveTaskStates("r1", states[:1]); err != nil {
		t.Fatalf("second SaveTaskStates failed: %v", err)
	}

	got, err := db.ListTaskStates("r1")
	if err != nil {
		t.Fatalf("ListTaskStates failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListTaskStates returned %d states, want 2", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("order = %s, %s; want a, b", got[0].ID, got[1].ID)
	}
	if got[0].Attempts != 3 || got[0].LastExitCode != 2 || len(got[0].Units) != 1 {
		t.Errorf("task a = %+v", got[0])
	}
	if got[1].Reason != "updated" {
		t.Errorf("task b reason = %q, want updated", got[1].Reason)
	}
	if !got[0].StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v, want %v", got[0].StartedAt, now)
	}
}

func TestBreakerFailures(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()

	for _, at := range []time.Time{now.Add(-10 * time.Minute), now.Add(-2 * time.Minute), now.Add(-time.Minute)} {
		if err := db.AppendBreakerFailure("lint", at); err != nil {
			t.Fatalf("AppendBreakerFailure failed: %v", err)
		}
	}
	if err := db.AppendBreakerFailure("fix#0/2", now); err != nil {
		t.Fatalf("AppendBreakerFailure failed: %v", err)
	}

	got, err := db.LoadBreakerFailures(now.Add(-5 * time.Minute))
	if err != nil {
		t.Fatalf("LoadBreakerFailures failed: %v", err)
	}
	if len(got["lint"]) != 2 {
		t.Errorf("lint failures in window = %d, want 2", len(got["lint"]))
	}
	if len(got["fix#0/2"]) != 1 {
		t.Errorf("chunk failures = %d, want 1", len(got["fix#0/2"]))
	}

	if err := db.ClearBreakerFailures("lint"); err != nil {
		t.Fatalf("ClearBreakerFailures failed: %v", err)
	}
	got, _ = db.LoadBreakerFailures(time.Time{})
	if _, ok := got["lint"]; ok {
		t.Error("lint history should be cleared")
	}

	n, err := db.PruneBreakerFailures(now.Add(time.Second))
	if err != nil {
		t.Fatalf("PruneBreakerFailures failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
}

func TestClear_KeepsBreakerHistory(t *testing.T) {
	db := setupTestDB(t)
	if err := db.CreateRun(&Run{ID: "r1", Mode: models.ModeSmart, Status: RunCompleted, StartedAt: time.Now()}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := db.AppendBreakerFailure("a", time.Now()); err != nil {
		t.Fatalf("AppendBreakerFailure failed: %v", err)
	}

	if err := db.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	runs, _ := db.ListRuns(nil, 0)
	if len(runs) != 0 {
		t.Errorf("runs after Clear = %d", len(runs))
	}
	history, _ := db.LoadBreakerFailures(time.Time{})
	if len(history["a"]) != 1 {
		t.Error("breaker history should survive Clear")
	}
}

func TestRecoveryManager_MarkInterrupted(t *testing.T) {
	db := setupTestDB(t)
	for _, r := range []*Run{
		{ID: "dead", Mode: models.ModeSmart, Status: RunRunning, PID: 111, StartedAt: time.Now()},
		{ID: "live", Mode: models.ModeSmart, Status: RunRunning, PID: 222, StartedAt: time.Now()},
		{ID: "done", Mode: models.ModeSmart, Status: RunCompleted, PID: 111, StartedAt: time.Now()},
	} {
		if err := db.CreateRun(r); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}

	rm := NewRecoveryManager(db)
	rm.alive = func(_ context.Context, pid int) bool { return pid == 222 }

	got, err := rm.MarkInterrupted(context.Background())
	if err != nil {
		t.Fatalf("MarkInterrupted failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "dead" {
		t.Fatalf("MarkInterrupted = %v, want [dead]", ids(got))
	}

	dead, _ := db.GetRun("dead")
	if dead.Status != RunInterrupted || dead.EndedAt.IsZero() {
		t.Errorf("dead run = %+v", dead)
	}
	live, _ := db.GetRun("live")
	if live.Status != RunRunning {
		t.Errorf("live run status = %s, want running", live.Status)
	}
}
