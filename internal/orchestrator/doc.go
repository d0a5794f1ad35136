// Package orchestrator runs the scheduler: a single control goroutine that
// owns every task's state and, once per tick, drains attempt reports,
// checks process liveness, resolves dependencies and admits units of the
// lowest unfinished tier.
//
// Admission of a unit passes, in order, the circuit breaker, the result
// cache, the concurrency bound, the resource ledger and the spawn limiter.
// Admitted units run on their own goroutines through the supervisor and
// report back over a single channel.
//
// Example usage:
//
//	o, err := orchestrator.New(orchestrator.RequiredConfig{
//		WorkDir:  dir,
//		Registry: reg,
//	}, orchestrator.WithMode(models.ModeSmart), orchestrator.WithMaxConcurrent(4))
//	report, err := o.Run(ctx)
package orchestrator
