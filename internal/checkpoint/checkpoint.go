// Package checkpoint persists run snapshots as full or delta JSON files.
package checkpoint

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

var (
	// ErrNotFound indicates that no checkpoint matches the requested ID.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorrupt indicates that a checkpoint or one of its bases is unreadable.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

// formatVersion is written into every file.
const formatVersion = 1

// Snapshot is the run state handed to the store.
type Snapshot struct {
	RunID     string
	Mode      models.Mode
	Tasks     map[string]models.TaskState
	Metrics   models.RunMetrics
	CreatedAt time.Time
}

// Checkpoint is one stored snapshot. A delta checkpoint holds only the
// tasks that changed since the previous checkpoint of the same run; after
// Load, Tasks is always complete.
type Checkpoint struct {
	Version   int                         `json:"version"`
	ID        string                      `json:"id"`
	RunID     string                      `json:"run_id"`
	Seq       int                         `json:"seq"`
	CreatedAt time.Time                   `json:"created_at"`
	Full      bool                        `json:"full"`
	BaseID    string                      `json:"base_id,omitempty"`
	Mode      models.Mode                 `json:"mode"`
	Tasks     map[string]models.TaskState `json:"tasks"`
	Metrics   models.RunMetrics           `json:"metrics"`
}

// Info summarizes a stored checkpoint for listings.
type Info struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Full      bool      `json:"full"`
	Tasks     int       `json:"tasks"`
}

// MakeID builds a checkpoint ID from a run ID and sequence number.
func MakeID(runID string, seq int) string {
	return fmt.Sprintf("%s-%06d", runID, seq)
}

// ParseID splits a checkpoint ID into run ID and sequence number.
func ParseID(id string) (string, int, error) {
	i := strings.LastIndex(id, "-")
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("%w: malformed id %q", ErrNotFound, id)
	}
	seq, err := strconv.Atoi(id[i+1:])
	if err != nil || seq < 1 {
		return "", 0, fmt.Errorf("%w: malformed id %q", ErrNotFound, id)
	}
	return id[:i], seq, nil
}
