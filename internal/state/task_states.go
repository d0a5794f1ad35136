package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

// SaveTaskStates upserts the task table of a run in one transaction.
func (db *DB) SaveTaskStates(runID string, states []models.TaskState) error {
	return db.Transaction(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO task_states (run_id, task_id, tier, status, attempts, last_exit_code, reason, cached, units, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, task_id) DO UPDATE SET
				tier = excluded.tier,
				status = excluded.status,
				attempts = excluded.attempts,
				last_exit_code = excluded.last_exit_code,
				reason = excluded.reason,
				cached = excluded.cached,
				units = excluded.units,
				started_at = excluded.started_at,
				ended_at = excluded.ended_at
		`)
		if err != nil {
			return fmt.Errorf("prepare task state upsert: %w", err)
		}
		defer stmt.Close()

		for _, s := range states {
			units, err := json.Marshal(s.Units)
			if err != nil {
				return fmt.Errorf("encode units of %s: %w", s.ID, err)
			}
			_, err = stmt.Exec(runID, s.ID, s.Tier, string(s.Status), s.Attempts, s.LastExitCode,
				s.Reason, s.Cached, string(units), nullTime(s.StartedAt), nullTime(s.EndedAt))
			if err != nil {
				return fmt.Errorf("save task state %s: %w", s.ID, err)
			}
		}
		return nil
	})
}

// ListTaskStates returns the stored task table of a run ordered by tier and ID.
func (db *DB) ListTaskStates(runID string) ([]models.TaskState, error) {
	rows, err := db.Query(`
		SELECT task_id, tier, status, attempts, last_exit_code, reason, cached, units, started_at, ended_at
		FROM task_states
		WHERE run_id = ?
		ORDER BY tier, task_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list task states: %w", err)
	}
	defer rows.Close()

	var states []models.TaskState
	for rows.Next() {
		var s models.TaskState
		var status string
		var reason, units, startedAt, endedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.Tier, &status, &s.Attempts, &s.LastExitCode,
			&reason, &s.Cached, &units, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan task state: %w", err)
		}
		s.Status = models.TaskStatus(status)
		s.Reason = reason.String
		if units.Valid && units.String != "" && units.String != "null" {
			if err := json.Unmarshal([]byte(units.String), &s.Units); err != nil {
				return nil, fmt.Errorf("decode units of %s: %w", s.ID, err)
			}
		}
		s.StartedAt = parseNullableTime(startedAt)
		s.EndedAt = parseNullableTime(endedAt)
		states = append(states, s)
	}
	return states, rows.Err()
}
