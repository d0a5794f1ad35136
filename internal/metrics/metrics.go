// Package metrics exposes Prometheus collectors for scheduler runs.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the scheduler's Prometheus collectors.
type Metrics struct {
	AdmissionsTotal  *prometheus.CounterVec
	DenialsTotal     *prometheus.CounterVec
	OutcomesTotal    *prometheus.CounterVec
	RetriesTotal     prometheus.Counter
	BreakerTrips     prometheus.Counter
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	UnitDuration     *prometheus.HistogramVec
	RunningUnits     prometheus.Gauge
	LedgerUsed       *prometheus.GaugeVec
	LedgerCeiling    *prometheus.GaugeVec
}

// Default returns the process-wide metrics registered on the default
// Prometheus registry. Registration happens once.
func Default() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = New(prometheus.DefaultRegisterer)
	})
	return globalMetrics
}

// New registers a fresh set of collectors on reg.
//
// Metrics:
//   - buildfix_admissions_total{tier}
//   - buildfix_admission_denials_total{reason}: breaker, resources, concurrency, rate
//   - buildfix_unit_outcomes_total{status}: completed, failed, retried, cached
//   - buildfix_retries_total
//   - buildfix_breaker_trips_total
//   - buildfix_cache_hits_total, buildfix_cache_misses_total
//   - buildfix_unit_duration_seconds{task}
//   - buildfix_running_units
//   - buildfix_ledger_used{resource}, buildfix_ledger_ceiling{resource}
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AdmissionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "buildfix_admissions_total",
			Help: "Units admitted for execution",
		}, []string{"tier"}),
		DenialsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "buildfix_admission_denials_total",
			Help: "Admission attempts deferred to a later tick",
		}, []string{"reason"}),
		OutcomesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "buildfix_unit_outcomes_total",
			Help: "Finished unit attempts by result",
		}, []string{"status"}),
		RetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "buildfix_retries_total",
			Help: "Failed attempts scheduled for retry",
		}),
		BreakerTrips: f.NewCounter(prometheus.CounterOpts{
			Name: "buildfix_breaker_trips_total",
			Help: "Failures that left a unit's circuit breaker open",
		}),
		CacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "buildfix_cache_hits_total",
			Help: "Units completed from the result cache",
		}),
		CacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "buildfix_cache_misses_total",
			Help: "Result cache lookups without a usable entry",
		}),
		UnitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "buildfix_unit_duration_seconds",
			Help:    "Wall time of executor attempts",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27m
		}, []string{"task"}),
		RunningUnits: f.NewGauge(prometheus.GaugeOpts{
			Name: "buildfix_running_units",
			Help: "Units currently admitted or running",
		}),
		LedgerUsed: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "buildfix_ledger_used",
			Help: "Resources held by admitted units",
		}, []string{"resource"}),
		LedgerCeiling: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "buildfix_ledger_ceiling",
			Help: "Effective resource ceiling after throttling",
		}, []string{"resource"}),
	}
}

// Nil-safe recorders. A nil *Metrics disables collection.

func (m *Metrics) Admitted(tier string) {
	if m == nil {
		return
	}
	m.AdmissionsTotal.WithLabelValues(tier).Inc()
}

func (m *Metrics) Denied(reason string) {
	if m == nil {
		return
	}
	m.DenialsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) Outcome(status string) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

func (m *Metrics) BreakerTripped() {
	if m == nil {
		return
	}
	m.BreakerTrips.Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.Inc()
	} else {
		m.CacheMissesTotal.Inc()
	}
}

func (m *Metrics) ObserveAttempt(taskID string, d time.Duration) {
	if m == nil {
		return
	}
	m.UnitDuration.WithLabelValues(taskID).Observe(d.Seconds())
}

func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.RunningUnits.Set(float64(n))
}

// SetLedger publishes ledger usage and the effective ceiling.
func (m *Metrics) SetLedger(used, ceiling models.ResourceDemand) {
	if m == nil {
		return
	}
	m.LedgerUsed.WithLabelValues("cpu_shares").Set(float64(used.CPUShares))
	m.LedgerUsed.WithLabelValues("memory_mb").Set(float64(used.MemoryMB))
	m.LedgerUsed.WithLabelValues("file_handles").Set(float64(used.FileHandles))
	m.LedgerCeiling.WithLabelValues("cpu_shares").Set(float64(ceiling.CPUShares))
	m.LedgerCeiling.WithLabelValues("memory_mb").Set(float64(ceiling.MemoryMB))
	m.LedgerCeiling.WithLabelValues("file_handles").Set(float64(ceiling.FileHandles))
}
