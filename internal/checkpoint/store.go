package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

// Store reads and writes checkpoints under a root directory, one
// subdirectory per run.
type Store struct {
	root string
}

// Dir returns the checkpoint root for a project.
func Dir(workdir string) string {
	return filepath.Join(workdir, ".buildfix", "checkpoints")
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) path(runID string, seq int) string {
	return filepath.Join(s.root, runID, fmt.Sprintf("%06d.json", seq))
}

// Load returns the checkpoint with the given ID with its task table fully
// reconstructed from the nearest full base.
func (s *Store) Load(id string) (*Checkpoint, error) {
	runID, seq, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	target, err := s.read(runID, seq)
	if err != nil {
		return nil, err
	}
	if target.Full {
		return target, nil
	}

	// Walk back to the base, then replay deltas forward.
	chain := []*Checkpoint{target}
	for cur := target; !cur.Full; {
		if cur.Seq <= 1 {
			return nil, fmt.Errorf("%w: %s has no full base", ErrCorrupt, id)
		}
		prev, err := s.read(runID, cur.Seq-1)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: missing base %s for %s", ErrCorrupt, MakeID(runID, cur.Seq-1), id)
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, prev)
		cur = prev
	}

	tasks := make(map[string]models.TaskState)
	for i := len(chain) - 1; i >= 0; i-- {
		for tid, ts := range chain[i].Tasks {
			tasks[tid] = ts
		}
	}

	out := *target
	out.Tasks = tasks
	return &out, nil
}

// Latest returns the most recent checkpoint across all runs.
func (s *Store) Latest() (*Checkpoint, error) {
	infos, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: no checkpoints in %s", ErrNotFound, s.root)
	}
	return s.Load(infos[len(infos)-1].ID)
}

// List returns every stored checkpoint ordered by creation time.
// Unreadable files are skipped.
func (s *Store) List() ([]Info, error) {
	runs, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}

	var infos []Info
	for _, run := range runs {
		if !run.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, run.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			cp, err := decodeFile(filepath.Join(s.root, run.Name(), f.Name()))
			if err != nil {
				continue
			}
			infos = append(infos, Info{
				ID:        cp.ID,
				RunID:     cp.RunID,
				Seq:       cp.Seq,
				CreatedAt: cp.CreatedAt,
				Full:      cp.Full,
				Tasks:     len(cp.Tasks),
			})
		}
	}

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		if infos[i].RunID != infos[j].RunID {
			return infos[i].RunID < infos[j].RunID
		}
		return infos[i].Seq < infos[j].Seq
	})
	return infos, nil
}

// Clear removes every checkpoint.
func (s *Store) Clear() error {
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("clear checkpoints: %w", err)
	}
	return nil
}

func (s *Store) read(runID string, seq int) (*Checkpoint, error) {
	id := MakeID(runID, seq)
	cp, err := decodeFile(s.path(runID, seq))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if cp.ID != id || cp.RunID != runID || cp.Seq != seq {
		return nil, fmt.Errorf("%w: %s: header does not match file", ErrCorrupt, id)
	}
	return cp, nil
}

func decodeFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	if cp.Version != formatVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorrupt, filepath.Base(path), cp.Version)
	}
	return &cp, nil
}

// Run writes the checkpoints of one run. Every fullEvery-th checkpoint is
// full; the rest are deltas against the previous one.
type Run struct {
	mu        sync.Mutex
	store     *Store
	runID     string
	fullEvery int
	seq       int
	last      map[string]models.TaskState
	needFull  bool
}

// NewRun starts a checkpoint sequence for a fresh run.
func (s *Store) NewRun(runID string, fullEvery int) *Run {
	if fullEvery < 1 {
		fullEvery = 1
	}
	return &Run{store: s, runID: runID, fullEvery: fullEvery, needFull: true}
}

// ResumeRun continues the run of a loaded checkpoint. Numbering resumes
// after the highest sequence already stored for the run, so checkpoints
// written after cp are never replaced. The next checkpoint written is full.
func (s *Store) ResumeRun(cp *Checkpoint, fullEvery int) *Run {
	r := s.NewRun(cp.RunID, fullEvery)
	r.seq = max(cp.Seq, s.highestSeq(cp.RunID))
	return r
}

// highestSeq returns the largest sequence number on disk for a run.
func (s *Store) highestSeq(runID string) int {
	files, err := os.ReadDir(filepath.Join(s.root, runID))
	if err != nil {
		return 0
	}
	highest := 0
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		var seq int
		if _, err := fmt.Sscanf(strings.TrimSuffix(name, ".json"), "%d", &seq); err == nil && seq > highest {
			highest = seq
		}
	}
	return highest
}

// RunID returns the run this sequence belongs to.
func (r *Run) RunID() string {
	return r.runID
}

// Save writes a snapshot and returns its checkpoint ID.
func (r *Run) Save(snap Snapshot) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.seq + 1
	full := r.needFull || (seq-1)%r.fullEvery == 0

	cp := Checkpoint{
		Version:   formatVersion,
		ID:        MakeID(r.runID, seq),
		RunID:     r.runID,
		Seq:       seq,
		CreatedAt: snap.CreatedAt.UTC(),
		Full:      full,
		Mode:      snap.Mode,
		Metrics:   snap.Metrics,
		Tasks:     make(map[string]models.TaskState),
	}
	if full {
		for id, ts := range snap.Tasks {
			cp.Tasks[id] = ts
		}
	} else {
		cp.BaseID = MakeID(r.runID, seq-1)
		for id, ts := range snap.Tasks {
			if prev, ok := r.last[id]; !ok || !reflect.DeepEqual(prev, ts) {
				cp.Tasks[id] = ts
			}
		}
	}

	path := r.store.path(r.runID, seq)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("checkpoint %s already exists", cp.ID)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := writeFileAtomic(path, data, 0644); err != nil {
		return "", fmt.Errorf("write checkpoint %s: %w", cp.ID, err)
	}

	r.seq = seq
	r.needFull = false
	r.last = make(map[string]models.TaskState, len(snap.Tasks))
	for id, ts := range snap.Tasks {
		r.last[id] = ts.Clone()
	}
	return cp.ID, nil
}

// writeFileAtomic writes data to a temp file in the same directory, syncs
// it, renames it over path and syncs the directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
