package orchestrator

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Signal file names inside the signals directory.
const (
	SignalPause  = "pause"
	SignalResume = "resume"
	SignalStop   = "stop"
)

// SignalsDir returns the directory watched for control files.
func SignalsDir(workdir string) string {
	return filepath.Join(workdir, ".buildfix", "signals")
}

// SignalWatcher drives a PauseController from files dropped into the
// signals directory: "pause" pauses admission, "resume" lifts the pause
// and "stop" drains the run. Each file is removed when applied; the pause
// then lives in the controller until any source resumes it.
type SignalWatcher struct {
	dir   string
	pause *PauseController
	log   *zap.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewSignalWatcher creates the signals directory and starts watching it.
// If fsnotify is unavailable the watcher still works through Poll.
func NewSignalWatcher(workdir string, pause *PauseController, log *zap.Logger) (*SignalWatcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dir := SignalsDir(workdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	sw := &SignalWatcher{dir: dir, pause: pause, log: log, done: make(chan struct{})}
	// Stale signals from an earlier run must not affect this one.
	sw.clear()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("signal watcher unavailable, falling back to polling", zap.Error(err))
		return sw, nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		log.Warn("cannot watch signals directory, falling back to polling", zap.Error(err))
		return sw, nil
	}
	sw.watcher = watcher

	sw.wg.Add(1)
	go sw.watch()
	return sw, nil
}

func (sw *SignalWatcher) watch() {
	defer sw.wg.Done()
	for {
		select {
		case <-sw.done:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				sw.apply(filepath.Base(event.Name))
			}
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.log.Debug("signal watcher error", zap.Error(err))
		}
	}
}

// Poll checks the directory directly in case an event was missed.
func (sw *SignalWatcher) Poll() {
	for _, name := range []string{SignalStop, SignalPause, SignalResume} {
		if _, err := os.Stat(filepath.Join(sw.dir, name)); err == nil {
			sw.apply(name)
		}
	}
}

// apply consumes one signal file. A signal acts only if this call removed
// its file, so a watcher event and Poll never apply the same file twice and
// a consumed pause stays lifted once resumed through the controller.
func (sw *SignalWatcher) apply(name string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	switch name {
	case SignalPause, SignalResume, SignalStop:
	default:
		return
	}
	if err := os.Remove(filepath.Join(sw.dir, name)); err != nil {
		return
	}

	switch name {
	case SignalPause:
		sw.pause.Pause()
	case SignalResume:
		sw.pause.Resume()
	case SignalStop:
		sw.pause.Stop()
	}
	sw.log.Info("control signal applied", zap.String("signal", name))
}

func (sw *SignalWatcher) clear() {
	for _, name := range []string{SignalPause, SignalResume, SignalStop} {
		os.Remove(filepath.Join(sw.dir, name))
	}
}

// Send writes a signal file.
func Send(workdir, signal string) error {
	dir := SignalsDir(workdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, signal), nil, 0644)
}

// Close stops watching.
func (sw *SignalWatcher) Close() {
	select {
	case <-sw.done:
		return
	default:
		close(sw.done)
	}
	if sw.watcher != nil {
		sw.watcher.Close()
	}
	sw.wg.Wait()
}
