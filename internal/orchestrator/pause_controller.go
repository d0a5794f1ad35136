package orchestrator

import (
	"sync"

	"go.uber.org/zap"
)

// PauseController holds the admission gate. Pausing stops new admissions
// but lets running units finish; stopping additionally ends the run once
// nothing is running.
type PauseController struct {
	mu      sync.RWMutex
	paused  bool
	stopped bool
	log     *zap.Logger
}

// NewPauseController creates a new PauseController.
func NewPauseController(log *zap.Logger) *PauseController {
	if log == nil {
		log = zap.NewNop()
	}
	return &PauseController{log: log}
}

// Pause stops admission of new units.
func (p *PauseController) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.log.Info("paused, no new units will be admitted")
	}
}

// Resume re-enables admission after a pause.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		p.log.Info("resumed, admission enabled")
	}
}

// Stop ends admission for the rest of the run.
func (p *PauseController) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		p.log.Info("stop requested, draining running units")
	}
}

// IsPaused returns whether admission is paused.
func (p *PauseController) IsPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// IsStopped returns whether a stop was requested.
func (p *PauseController) IsStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}

// Admitting reports whether new units may be admitted.
func (p *PauseController) Admitting() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.paused && !p.stopped
}
