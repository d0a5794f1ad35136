package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/buildfix/internal/breaker"
	"github.com/ShayCichocki/buildfix/internal/cache"
	"github.com/ShayCichocki/buildfix/internal/checkpoint"
	"github.com/ShayCichocki/buildfix/internal/ledger"
	"github.com/ShayCichocki/buildfix/internal/metrics"
	"github.com/ShayCichocki/buildfix/internal/orchestrator/policy"
	"github.com/ShayCichocki/buildfix/internal/registry"
	"github.com/ShayCichocki/buildfix/internal/state"
	"github.com/ShayCichocki/buildfix/internal/supervisor"
	"github.com/ShayCichocki/buildfix/pkg/models"
)

// RequiredConfig contains the configuration every Orchestrator needs.
type RequiredConfig struct {
	// WorkDir is the project directory executors run in.
	WorkDir string
	// Registry holds the task declarations of the run.
	Registry *registry.Registry
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	mode          models.Mode
	maxConcurrent int
	chunkSize     int
	retry         supervisor.RetryPolicy
	policy        *policy.Config
	logger        *zap.Logger
	dryRun        bool
	noCache       bool
	signals       bool

	supervisor  *supervisor.Supervisor
	ledger      *ledger.Ledger
	probe       ledger.Probe
	breaker     *breaker.Breaker
	cache       *cache.Cache
	checkpoints *checkpoint.Store
	fullEvery   int
	resume      *checkpoint.Checkpoint
	stateDB     state.StateStore
	metrics     *metrics.Metrics
	runID       string

	now   func() time.Time
	alive func(ctx context.Context, pid int) bool
}

// WithMode sets the scheduling profile. Defaults to smart.
func WithMode(m models.Mode) Option {
	return func(o *orchestratorOptions) { o.mode = m }
}

// WithMaxConcurrent sets the maximum number of running units.
func WithMaxConcurrent(n int) Option {
	return func(o *orchestratorOptions) { o.maxConcurrent = n }
}

// WithChunkSize sets the maximum number of items per chunk.
func WithChunkSize(n int) Option {
	return func(o *orchestratorOptions) { o.chunkSize = n }
}

// WithRetryPolicy sets the retry count and backoff base.
func WithRetryPolicy(p supervisor.RetryPolicy) Option {
	return func(o *orchestratorOptions) { o.retry = p }
}

// WithPolicy sets the loop policy configuration.
func WithPolicy(p *policy.Config) Option {
	return func(o *orchestratorOptions) { o.policy = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithDryRun completes units without invoking executors.
func WithDryRun(b bool) Option {
	return func(o *orchestratorOptions) { o.dryRun = b }
}

// WithNoCache disables cache reads and writes for the run.
func WithNoCache(b bool) Option {
	return func(o *orchestratorOptions) { o.noCache = b }
}

// WithSignals enables the signals directory watcher.
func WithSignals(b bool) Option {
	return func(o *orchestratorOptions) { o.signals = b }
}

// WithSupervisor sets the execution supervisor.
func WithSupervisor(s *supervisor.Supervisor) Option {
	return func(o *orchestratorOptions) { o.supervisor = s }
}

// WithLedger sets the resource ledger.
func WithLedger(l *ledger.Ledger) Option {
	return func(o *orchestratorOptions) { o.ledger = l }
}

// WithProbe enables adaptive ceiling sampling from the given host probe.
func WithProbe(p ledger.Probe) Option {
	return func(o *orchestratorOptions) { o.probe = p }
}

// WithBreaker sets the circuit breaker.
func WithBreaker(b *breaker.Breaker) Option {
	return func(o *orchestratorOptions) { o.breaker = b }
}

// WithCache sets the result cache.
func WithCache(c *cache.Cache) Option {
	return func(o *orchestratorOptions) { o.cache = c }
}

// WithCheckpoints enables periodic checkpoints in store. Every fullEvery-th
// checkpoint is full.
func WithCheckpoints(s *checkpoint.Store, fullEvery int) Option {
	return func(o *orchestratorOptions) {
		o.checkpoints = s
		o.fullEvery = fullEvery
	}
}

// WithResume rehydrates the run from a loaded checkpoint.
func WithResume(cp *checkpoint.Checkpoint) Option {
	return func(o *orchestratorOptions) { o.resume = cp }
}

// WithStateDB records the run and its final task table.
func WithStateDB(db state.StateStore) Option {
	return func(o *orchestratorOptions) { o.stateDB = db }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *orchestratorOptions) { o.metrics = m }
}

// WithRunID sets the run ID instead of generating one.
func WithRunID(id string) Option {
	return func(o *orchestratorOptions) { o.runID = id }
}

// WithClock sets the time source for state timestamps and retry delays.
func WithClock(now func() time.Time) Option {
	return func(o *orchestratorOptions) { o.now = now }
}

// WithLivenessCheck replaces the process liveness probe (mainly for testing).
func WithLivenessCheck(alive func(ctx context.Context, pid int) bool) Option {
	return func(o *orchestratorOptions) { o.alive = alive }
}
