// Package metrics holds the Prometheus instruments of the engine.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests and one-shot commands.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "umbra"

// Metrics holds all instruments
type Metrics struct {
	// RunsTotal counts synthesis runs by outcome (ok, busy, too_soon, thermal, cancelled, failed)
	RunsTotal *prometheus.CounterVec

	// RunDurationSeconds measures completed runs
	RunDurationSeconds prometheus.Histogram

	// FragmentsDroppedTotal counts fragments excluded during validation
	FragmentsDroppedTotal *prometheus.CounterVec

	// SignaturesTotal counts promoted signatures
	SignaturesTotal prometheus.Counter

	// ThermalLevel is the last computed thermal level (0 nominal .. 3 critical)
	ThermalLevel prometheus.Gauge

	// ThermalEmergenciesTotal counts emergency cancellations
	ThermalEmergenciesTotal prometheus.Counter

	// CollectorBuffer is the number of fragments held in memory
	CollectorBuffer prometheus.Gauge

	// CollectorEvictedTotal counts fragments evicted on overflow
	CollectorEvictedTotal prometheus.Counter

	// StoreRows is the row count per table
	StoreRows *prometheus.GaugeVec

	// QuotaCleanupsTotal counts aggressive cleanups
	QuotaCleanupsTotal prometheus.Counter
}

// New creates and registers all metrics with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "synthesis",
			Name:      "runs_total",
			Help:      "Synthesis runs by outcome",
		}, []string{"outcome"}),
		RunDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "synthesis",
			Name:      "run_duration_seconds",
			Help:      "Duration of completed synthesis runs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		FragmentsDroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "synthesis",
			Name:      "fragments_dropped_total",
			Help:      "Fragments excluded during validation by reason",
		}, []string{"reason"}),
		SignaturesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "synthesis",
			Name:      "signatures_total",
			Help:      "Surveillance signatures promoted",
		}),
		ThermalLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "thermal",
			Name:      "level",
			Help:      "Thermal level, 0 nominal to 3 critical",
		}),
		ThermalEmergenciesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "thermal",
			Name:      "emergencies_total",
			Help:      "Emergency cancellations issued by the thermal controller",
		}),
		CollectorBuffer: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "buffer_fragments",
			Help:      "Fragments held in memory",
		}),
		CollectorEvictedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "evicted_total",
			Help:      "Fragments evicted on buffer overflow",
		}),
		StoreRows: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "rows",
			Help:      "Rows per table",
		}, []string{"table"}),
		QuotaCleanupsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "quota_cleanups_total",
			Help:      "Aggressive cleanups triggered by the global quota",
		}),
	}
}

// RunFinished records a run outcome
func (m *Metrics) RunFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.RunDurationSeconds.Observe(d.Seconds())
	}
}

// FragmentDropped records one validation drop
func (m *Metrics) FragmentDropped(reason string) {
	if m == nil {
		return
	}
	m.FragmentsDroppedTotal.WithLabelValues(reason).Inc()
}

// SignaturesPromoted adds n promoted signatures
func (m *Metrics) SignaturesPromoted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SignaturesTotal.Add(float64(n))
}

// SetThermalLevel records the current thermal level
func (m *Metrics) SetThermalLevel(level int) {
	if m == nil {
		return
	}
	m.ThermalLevel.Set(float64(level))
}

// ThermalEmergency records an emergency cancellation
func (m *Metrics) ThermalEmergency() {
	if m == nil {
		return
	}
	m.ThermalEmergenciesTotal.Inc()
}

// SetBuffer records the collector buffer size
func (m *Metrics) SetBuffer(n int) {
	if m == nil {
		return
	}
	m.CollectorBuffer.Set(float64(n))
}

// Evicted adds n evicted fragments
func (m *Metrics) Evicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CollectorEvictedTotal.Add(float64(n))
}

// SetRows records the row count of a table
func (m *Metrics) SetRows(table string, n int) {
	if m == nil {
		return
	}
	m.StoreRows.WithLabelValues(table).Set(float64(n))
}

// QuotaCleanup records an aggressive cleanup
func (m *Metrics) QuotaCleanup() {
	if m == nil {
		return
	}
	m.QuotaCleanupsTotal.Inc()
}
