package checkpoint

import (
	"sync"

	"go.uber.org/zap"
)

// Writer saves snapshots on a background goroutine so the scheduler never
// blocks on disk. It holds at most one pending snapshot; a newer Submit
// replaces an older one that has not been written yet.
type Writer struct {
	run *Run
	log *zap.Logger

	// writeMu serializes file writes and orders Flush after any
	// in-flight background write.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending *Snapshot
	lastID  string
	lastErr error

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// NewWriter starts a writer for run.
func NewWriter(run *Run, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Writer{
		run:  run,
		log:  log,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Submit queues a snapshot for writing and returns immediately.
func (w *Writer) Submit(snap Snapshot) {
	w.mu.Lock()
	w.pending = &snap
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Flush discards any pending snapshot and writes snap synchronously.
func (w *Writer) Flush(snap Snapshot) (string, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	w.pending = nil
	w.mu.Unlock()

	id, err := w.run.Save(snap)
	w.record(id, err)
	return id, err
}

// Last returns the ID and error of the most recent write.
func (w *Writer) Last() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastID, w.lastErr
}

// Close writes any pending snapshot and stops the background goroutine.
func (w *Writer) Close() {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
	<-w.done
}

func (w *Writer) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.writePending()
		case <-w.quit:
			w.writePending()
			return
		}
	}
}

func (w *Writer) writePending() {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	snap := w.pending
	w.pending = nil
	w.mu.Unlock()

	if snap == nil {
		return
	}
	id, err := w.run.Save(*snap)
	w.record(id, err)
	if err != nil {
		w.log.Warn("checkpoint write failed", zap.Error(err))
		return
	}
	w.log.Debug("checkpoint written", zap.String("checkpoint", id))
}

func (w *Writer) record(id string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		w.lastID = id
	}
	w.lastErr = err
}
