package models

import "time"

// ResourceAllocation is a grant held by one execution unit.
type ResourceAllocation struct {
	// UnitID is the owner of the grant.
	UnitID string `json:"unit_id"`
	// Demand is the granted amount.
	Demand ResourceDemand `json:"demand"`
	// PID is the executor process, once it has started.
	PID int `json:"pid,omitempty"`
	// GrantedAt is when the ledger admitted the unit.
	GrantedAt time.Time `json:"granted_at"`
}

// RunMetrics aggregates counters for a run. Checkpoints carry a copy.
type RunMetrics struct {
	Admitted    int `json:"admitted"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	Retries     int `json:"retries"`
	CacheHits   int `json:"cache_hits"`
	CacheMisses int `json:"cache_misses"`
	Denials     int `json:"denials"`
	Timeouts    int `json:"timeouts"`
	LostProcs   int `json:"lost_processes"`
}
