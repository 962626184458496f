// Package metrics holds the Prometheus collectors for the download scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"dlflow/internal/domain"
)

const Namespace = "dlflow"

// Metrics holds all scheduler metrics.
type Metrics struct {
	// Scheduler
	ActiveWorkers    prometheus.Gauge
	QueueDepth       prometheus.Gauge
	ConcurrencyLimit prometheus.Gauge
	AdmissionsTotal  prometheus.Counter

	// Runs
	OutcomesTotal *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec

	// Errors
	WorkerErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "active_workers",
			Help:      "Number of workers with a live process",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Number of tasks waiting for admission",
		}),
		ConcurrencyLimit: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "concurrency_limit",
			Help:      "Current concurrency limit, 0 when unlimited",
		}),
		AdmissionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "admissions_total",
			Help:      "Total number of workers started",
		}),
		OutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "outcomes_total",
			Help:      "Terminal outcomes reported by workers",
		}, []string{"outcome"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one worker run",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
		}, []string{"outcome"}),
		WorkerErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "worker_errors_total",
			Help:      "Errors reported on the error channel, by class",
		}, []string{"class"}),
	}
}

// ObserveRun records a terminal outcome and how long the run took.
func (m *Metrics) ObserveRun(o domain.Outcome, took time.Duration) {
	m.OutcomesTotal.WithLabelValues(string(o)).Inc()
	m.RunDuration.WithLabelValues(string(o)).Observe(took.Seconds())
}

// HandleError counts an error event. It lets Metrics sit on the error channel
// next to the log and webhook sinks.
func (m *Metrics) HandleError(ev domain.ErrorEvent) {
	m.WorkerErrorsTotal.WithLabelValues(string(ev.Class)).Inc()
}

// SetScheduler publishes the scheduler gauges. A limit of 0 means unlimited.
func (m *Metrics) SetScheduler(active, queued, limit int) {
	m.ActiveWorkers.Set(float64(active))
	m.QueueDepth.Set(float64(queued))
	m.ConcurrencyLimit.Set(float64(limit))
}
