package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// recentCapacity is how many events the emitter keeps for Recent.
const recentCapacity = 200

// EventEmitter delivers scheduler events to a single subscriber and keeps
// the most recent ones for polling observers.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
	subscribed   atomic.Bool
	log          *zap.Logger
	closeOnce    sync.Once

	recentMu sync.Mutex
	recent   []Event
	next     int
	wrapped  bool
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int, log *zap.Logger) *EventEmitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventEmitter{
		events: make(chan Event, bufferSize),
		log:    log,
		recent: make([]Event, recentCapacity),
	}
}

// Emit sends an event. If the buffer is full it waits briefly for the
// receiver before dropping the event. Without a subscriber a full buffer
// drops immediately.
func (e *EventEmitter) Emit(event Event) {
	e.remember(event)

	select {
	case e.events <- event:
		return
	default:
	}
	if !e.subscribed.Load() {
		e.droppedCount.Add(1)
		return
	}

	select {
	case e.events <- event:
	case <-time.After(50 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			e.log.Warn("event channel full, dropping events",
				zap.Uint64("dropped", count), zap.String("type", string(event.Type)))
		}
	}
}

func (e *EventEmitter) remember(event Event) {
	e.recentMu.Lock()
	e.recent[e.next] = event
	e.next++
	if e.next == len(e.recent) {
		e.next = 0
		e.wrapped = true
	}
	e.recentMu.Unlock()
}

// Recent returns up to limit of the latest events, oldest first. Events
// dropped from the channel are still recorded here.
func (e *EventEmitter) Recent(limit int) []Event {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()

	n := e.next
	if e.wrapped {
		n = len(e.recent)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, limit)
	start := e.next - limit
	if start < 0 {
		start += len(e.recent)
	}
	for i := range out {
		out[i] = e.recent[(start+i)%len(e.recent)]
	}
	return out
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events and marks the emitter as
// having a subscriber.
func (e *EventEmitter) Events() <-chan Event {
	e.subscribed.Store(true)
	return e.events
}

// Close closes the events channel. It is safe to call more than once.
func (e *EventEmitter) Close() {
	e.closeOnce.Do(func() { close(e.events) })
}
