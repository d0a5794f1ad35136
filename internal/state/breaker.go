package state

import (
	"fmt"
	"time"
)

// LoadBreakerFailures returns failure timestamps newer than since, grouped
// by unit and in ascending order.
func (db *DB) LoadBreakerFailures(since time.Time) (map[string][]time.Time, error) {
	rows, err := db.Query(`
		SELECT unit_id, failed_at FROM breaker_failures
		WHERE failed_at > ?
		ORDER BY unit_id, failed_at
	`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("load breaker failures: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]time.Time)
	for rows.Next() {
		var id string
		var at int64
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("scan breaker failure: %w", err)
		}
		out[id] = append(out[id], time.Unix(0, at))
	}
	return out, rows.Err()
}

// AppendBreakerFailure records one failure of a unit.
func (db *DB) AppendBreakerFailure(unitID string, at time.Time) error {
	if _, err := db.Exec(`INSERT INTO breaker_failures (unit_id, failed_at) VALUES (?, ?)`, unitID, at.UnixNano()); err != nil {
		return fmt.Errorf("append breaker failure: %w", err)
	}
	return nil
}

// ClearBreakerFailures removes the history of one unit, or of every unit
// when unitID is empty.
func (db *DB) ClearBreakerFailures(unitID string) error {
	var err error
	if unitID == "" {
		_, err = db.Exec(`DELETE FROM breaker_failures`)
	} else {
		_, err = db.Exec(`DELETE FROM breaker_failures WHERE unit_id = ?`, unitID)
	}
	if err != nil {
		return fmt.Errorf("clear breaker failures: %w", err)
	}
	return nil
}

// PruneBreakerFailures deletes failures older than before and returns the
// number removed.
func (db *DB) PruneBreakerFailures(before time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM breaker_failures WHERE failed_at <= ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune breaker failures: %w", err)
	}
	return res.RowsAffected()
}
