package models

import "fmt"

// Mode represents the scheduling profile of a run.
type Mode string

const (
	// ModeSmart skips tasks whose declared error set is empty.
	ModeSmart Mode = "smart"
	// ModeFull runs every registered task.
	ModeFull Mode = "full"
	// ModeMinimal runs only tier-1 tasks.
	ModeMinimal Mode = "minimal"
	// ModeSequential runs one task at a time.
	ModeSequential Mode = "sequential"
)

// Valid returns true if the mode is a known value.
func (m Mode) Valid() bool {
	switch m {
	case ModeSmart, ModeFull, ModeMinimal, ModeSequential:
		return true
	default:
		return false
	}
}

// ParseMode converts a CLI argument to a Mode. An empty string means smart.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeSmart, nil
	}
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("invalid mode %q: must be smart, full, minimal, or sequential", s)
	}
	return m, nil
}

// AllowsTier reports whether tasks of the given tier may run in this mode.
func (m Mode) AllowsTier(tier int) bool {
	if m == ModeMinimal {
		return tier <= 1
	}
	return true
}

// ConcurrencyBound returns the effective concurrency limit for the mode.
func (m Mode) ConcurrencyBound(configured int) int {
	if m == ModeSequential || configured < 1 {
		return 1
	}
	return configured
}

// SkipsIdleWork reports whether tasks with no detected work are skipped.
func (m Mode) SkipsIdleWork() bool {
	return m == ModeSmart
}
