// Package breaker implements a sliding-window circuit breaker keyed by
// execution unit.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// Store persists failure records between runs.
type Store interface {
	// LoadBreakerFailures returns every recorded failure since the given time.
	LoadBreakerFailures(since time.Time) (map[string][]time.Time, error)
	// AppendBreakerFailure records one failure.
	AppendBreakerFailure(unitID string, at time.Time) error
	// ClearBreakerFailures removes the records of one unit, or all when unitID is empty.
	ClearBreakerFailures(unitID string) error
}

// Breaker tracks recent failures per unit. It stores no open flag: a unit
// is open exactly while at least threshold of its failures fall inside the
// window, so it closes again on its own as old failures age out.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	failures  map[string][]time.Time
	store     Store
	now       func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStore makes the breaker write through to a persistent store.
func WithStore(s Store) Option {
	return func(b *Breaker) { b.store = s }
}

// New creates a breaker that opens after threshold failures within window.
func New(threshold int, window time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		threshold: threshold,
		window:    window,
		failures:  make(map[string][]time.Time),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Load replaces in-memory history with the store's records inside the window.
func (b *Breaker) Load() error {
	if b.store == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	records, err := b.store.LoadBreakerFailures(b.now().Add(-b.window))
	if err != nil {
		return fmt.Errorf("load breaker history: %w", err)
	}
	b.failures = make(map[string][]time.Time, len(records))
	for id, ts := range records {
		b.failures[id] = ts
	}
	return nil
}

// IsOpen reports whether the unit has hit the failure threshold within the
// window. Expired failures are dropped.
func (b *Breaker) IsOpen(unitID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trimLocked(unitID) >= b.threshold
}

// Failures returns the number of failures inside the window.
func (b *Breaker) Failures(unitID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trimLocked(unitID)
}

// RecordFailure appends a failure timestamp. The store error, if any, is
// returned after the in-memory record is updated.
func (b *Breaker) RecordFailure(unitID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	at := b.now()
	b.failures[unitID] = append(b.failures[unitID], at)
	if b.store != nil {
		if err := b.store.AppendBreakerFailure(unitID, at); err != nil {
			return fmt.Errorf("persist breaker failure: %w", err)
		}
	}
	return nil
}

// RecordSuccess clears the unit's failure history.
func (b *Breaker) RecordSuccess(unitID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.failures, unitID)
	if b.store != nil {
		if err := b.store.ClearBreakerFailures(unitID); err != nil {
			return fmt.Errorf("clear breaker failures: %w", err)
		}
	}
	return nil
}

// Reset forgets all history, in memory and in the store.
func (b *Breaker) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = make(map[string][]time.Time)
	if b.store != nil {
		if err := b.store.ClearBreakerFailures(""); err != nil {
			return fmt.Errorf("reset breaker: %w", err)
		}
	}
	return nil
}

// Open returns the IDs of all units currently open.
func (b *Breaker) Open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var open []string
	for id := range b.failures {
		if b.trimLocked(id) >= b.threshold {
			open = append(open, id)
		}
	}
	return open
}

// trimLocked drops failures older than the window and returns the rest.
func (b *Breaker) trimLocked(unitID string) int {
	ts := b.failures[unitID]
	if len(ts) == 0 {
		return 0
	}
	cutoff := b.now().Add(-b.window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == len(ts) {
		delete(b.failures, unitID)
		return 0
	}
	if i > 0 {
		b.failures[unitID] = append([]time.Time(nil), ts[i:]...)
	}
	return len(ts) - i
}
