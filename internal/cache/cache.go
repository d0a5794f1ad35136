// Package cache stores execution outcomes keyed by unit identity and
// input fingerprint.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache is closed")

// Key identifies a cached outcome.
type Key struct {
	UnitID      string
	Fingerprint string
}

// Entry is a stored outcome.
type Entry struct {
	Key       Key
	Outcome   models.Outcome
	CreatedAt time.Time
}

// Cache is a SQLite-backed result cache. Entries older than the TTL are
// treated as misses and removed when looked up.
type Cache struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
	ttl  time.Duration
	now  func() time.Time
}

// Path returns the cache database location for a project.
func Path(workdir string) string {
	return filepath.Join(workdir, ".buildfix", "cache.db")
}

// Open opens or creates the cache database at path.
func Open(path string, ttl time.Duration) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS results (
			unit_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			success INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			summary TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (unit_id, fingerprint)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create results table: %w", err)
	}

	return &Cache{db: db, path: path, ttl: ttl, now: time.Now}, nil
}

// SetClock replaces the time source.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the outcome stored under key. Expired entries are deleted
// and reported as misses.
func (c *Cache) Get(key Key) (models.Outcome, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return models.Outcome{}, false, ErrClosed
	}

	var out models.Outcome
	var summary sql.NullString
	var createdAt int64
	err := c.db.QueryRow(`
		SELECT success, exit_code, summary, created_at
		FROM results
		WHERE unit_id = ? AND fingerprint = ?
	`, key.UnitID, key.Fingerprint).Scan(&out.Success, &out.ExitCode, &summary, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Outcome{}, false, nil
	}
	if err != nil {
		return models.Outcome{}, false, fmt.Errorf("read cache entry: %w", err)
	}

	if c.expired(createdAt) {
		if _, err := c.db.Exec(`DELETE FROM results WHERE unit_id = ? AND fingerprint = ?`, key.UnitID, key.Fingerprint); err != nil {
			return models.Outcome{}, false, fmt.Errorf("evict cache entry: %w", err)
		}
		return models.Outcome{}, false, nil
	}

	out.Summary = summary.String
	return out, true, nil
}

// Put stores an outcome, replacing any previous entry for the key.
func (c *Cache) Put(key Key, out models.Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return ErrClosed
	}

	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO results (unit_id, fingerprint, success, exit_code, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, key.UnitID, key.Fingerprint, out.Success, out.ExitCode, out.Summary, c.now().UnixNano())
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Purge removes every expired entry and returns how many were removed.
func (c *Cache) Purge() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return 0, ErrClosed
	}
	if c.ttl <= 0 {
		return 0, nil
	}

	res, err := c.db.Exec(`DELETE FROM results WHERE created_at <= ?`, c.now().Add(-c.ttl).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	return res.RowsAffected()
}

// Clear removes every entry.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return ErrClosed
	}
	if _, err := c.db.Exec(`DELETE FROM results`); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return 0, ErrClosed
	}
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM results`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// A zero or negative TTL never expires.
func (c *Cache) expired(createdAt int64) bool {
	if c.ttl <= 0 {
		return false
	}
	return !time.Unix(0, createdAt).After(c.now().Add(-c.ttl))
}
