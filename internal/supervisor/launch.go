package supervisor

import (
	"context"

	"github.com/ShayCichocki/buildfix/internal/registry"
)

// EventKind distinguishes attempt lifecycle reports.
type EventKind int

const (
	// EventStarted reports the executor PID.
	EventStarted EventKind = iota
	// EventFinished carries the attempt outcome.
	EventFinished
)

// Event is sent from an attempt goroutine to the scheduler.
type Event struct {
	Kind       EventKind
	UnitID     string
	Generation uint64
	PID        int
	Outcome    Outcome
}

// Launch runs u in its own goroutine and reports on events. Exactly one
// EventFinished is sent per launch, even when the attempt is cancelled.
// The returned function cancels the attempt.
func (s *Supervisor) Launch(ctx context.Context, task registry.Task, u Unit, events chan<- Event) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		onStart := func(pid int) {
			select {
			case events <- Event{Kind: EventStarted, UnitID: u.ID, Generation: u.Generation, PID: pid}:
			case <-ctx.Done():
			}
		}
		out := s.Run(ctx, task, u, onStart)
		events <- Event{Kind: EventFinished, UnitID: u.ID, Generation: u.Generation, PID: out.PID, Outcome: out}
	}()
	return cancel
}
