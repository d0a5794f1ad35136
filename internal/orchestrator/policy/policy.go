// Package policy defines the tunable parameters of the scheduler loop.
// Values that shape timing live here so tests can shrink them.
package policy

import "time"

// Config contains the scheduler loop policies.
type Config struct {
	Loop       LoopPolicy
	Spawn      SpawnPolicy
	Checkpoint CheckpointPolicy
	Resources  ResourcePolicy
}

// LoopPolicy controls the control loop cadence and health checks.
type LoopPolicy struct {
	// Tick is the fixed sleep between scheduler passes.
	Tick time.Duration

	// StallTimeout is how long the loop may go without progress before a
	// stall warning is logged.
	StallTimeout time.Duration

	// LivenessGrace is how long a unit's process may be missing before the
	// attempt is declared lost.
	LivenessGrace time.Duration
}

// SpawnPolicy paces executor launches.
type SpawnPolicy struct {
	// Rate is the number of spawns allowed per second.
	Rate float64

	// Burst is the number of spawns allowed at once.
	Burst int
}

// CheckpointPolicy controls periodic snapshots.
type CheckpointPolicy struct {
	// Interval is the minimum time between periodic checkpoints.
	Interval time.Duration
}

// ResourcePolicy controls adaptive ledger sampling.
type ResourcePolicy struct {
	// SampleEvery is the number of ticks between host load samples.
	SampleEvery int
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Loop: LoopPolicy{
			Tick:          500 * time.Millisecond,
			StallTimeout:  5 * time.Minute,
			LivenessGrace: 10 * time.Second,
		},
		Spawn: SpawnPolicy{
			Rate:  4,
			Burst: 4,
		},
		Checkpoint: CheckpointPolicy{
			Interval: 30 * time.Second,
		},
		Resources: ResourcePolicy{
			SampleEvery: 10,
		},
	}
}

// Validate replaces out-of-range values with defaults.
func (c *Config) Validate() error {
	d := Default()
	if c.Loop.Tick < time.Millisecond {
		c.Loop.Tick = d.Loop.Tick
	}
	if c.Loop.StallTimeout <= 0 {
		c.Loop.StallTimeout = d.Loop.StallTimeout
	}
	if c.Loop.LivenessGrace <= 0 {
		c.Loop.LivenessGrace = d.Loop.LivenessGrace
	}
	if c.Spawn.Rate <= 0 {
		c.Spawn.Rate = d.Spawn.Rate
	}
	if c.Spawn.Burst < 1 {
		c.Spawn.Burst = d.Spawn.Burst
	}
	if c.Checkpoint.Interval <= 0 {
		c.Checkpoint.Interval = d.Checkpoint.Interval
	}
	if c.Resources.SampleEvery < 1 {
		c.Resources.SampleEvery = d.Resources.SampleEvery
	}
	return nil
}
