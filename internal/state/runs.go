package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

// RunStatus is the lifecycle state of a run record.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)

// Run is one invocation of the scheduler.
type Run struct {
	ID             string
	Mode           models.Mode
	Status         RunStatus
	PID            int
	ResumedFrom    string
	LastCheckpoint string
	Completed      int
	Failed         int
	Skipped        int
	StartedAt      time.Time
	EndedAt        time.Time
}

// CreateRun inserts a new run record.
func (db *DB) CreateRun(r *Run) error {
	_, err := db.Exec(`
		INSERT INTO runs (id, mode, status, pid, resumed_from, last_checkpoint, completed, failed, skipped, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, string(r.Mode), string(r.Status), r.PID, r.ResumedFrom, r.LastCheckpoint,
		r.Completed, r.Failed, r.Skipped, formatTime(r.StartedAt), nullTime(r.EndedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun overwrites the mutable fields of a run record.
func (db *DB) UpdateRun(r *Run) error {
	res, err := db.Exec(`
		UPDATE runs
		SET status = ?, pid = ?, last_checkpoint = ?, completed = ?, failed = ?, skipped = ?, ended_at = ?
		WHERE id = ?
	`, string(r.Status), r.PID, r.LastCheckpoint, r.Completed, r.Failed, r.Skipped, nullTime(r.EndedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run not found: %s", r.ID)
	}
	return nil
}

// GetRun returns a run by ID, or nil if it does not exist.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`
		SELECT id, mode, status, pid, resumed_from, last_checkpoint, completed, failed, skipped, started_at, ended_at
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ListRuns returns runs newest first, optionally filtered by status.
// A limit of zero returns all runs.
func (db *DB) ListRuns(status *RunStatus, limit int) ([]Run, error) {
	query := `
		SELECT id, mode, status, pid, resumed_from, last_checkpoint, completed, failed, skipped, started_at, ended_at
		FROM runs`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var mode, status, startedAt string
	var resumedFrom, lastCheckpoint, endedAt sql.NullString
	err := s.Scan(&r.ID, &mode, &status, &r.PID, &resumedFrom, &lastCheckpoint,
		&r.Completed, &r.Failed, &r.Skipped, &startedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.Mode = models.Mode(mode)
	r.Status = RunStatus(status)
	r.ResumedFrom = resumedFrom.String
	r.LastCheckpoint = lastCheckpoint.String
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	r.EndedAt = parseNullableTime(endedAt)
	return &r, nil
}
