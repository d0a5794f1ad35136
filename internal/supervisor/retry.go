// Package supervisor runs single attempts of execution units and decides
// what happens after a failure.
package supervisor

import "time"

// Decision is the outcome of evaluating a failed attempt.
type Decision struct {
	// Retry is true if the unit should be re-admitted.
	Retry bool
	// Delay is how long to wait before re-admission.
	Delay time.Duration
}

// String returns a human-readable representation of the decision.
func (d Decision) String() string {
	if !d.Retry {
		return "fail"
	}
	return "retry in " + d.Delay.String()
}

// RetryPolicy is a linear backoff policy bounded by a retry count.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
}

// Decide evaluates a failure after the given number of attempts. A unit is
// retried while attempts < MaxRetries and its breaker is closed; the delay
// grows linearly as attempts × Base.
func (p RetryPolicy) Decide(attempts int, breakerOpen bool) Decision {
	if breakerOpen || attempts >= p.MaxRetries {
		return Decision{}
	}
	if attempts < 1 {
		attempts = 1
	}
	return Decision{Retry: true, Delay: time.Duration(attempts) * p.Base}
}
