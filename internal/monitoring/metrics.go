// Package monitoring exposes engine metrics through Prometheus.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Pipeline metrics
	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	RunsActive     prometheus.Gauge
	BytesForwarded prometheus.Counter

	// State metrics
	StateCommits       prometheus.Counter
	StateCommitErrors  prometheus.Counter
	StateMessagesTotal prometheus.Counter

	// Lock metrics
	LockContention prometheus.Counter
	LockReclaims   prometheus.Counter
}

// NewMetrics creates a metrics collector registered on reg. Passing a
// dedicated registry keeps tests isolated from the default global one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syphon_runs_total",
				Help: "Total pipeline runs by terminal status",
			},
			[]string{"status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "syphon_run_duration_seconds",
				Help:    "Pipeline run duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"status"},
		),
		RunsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "syphon_runs_active",
				Help: "Number of pipeline runs currently executing",
			},
		),
		BytesForwarded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "syphon_bytes_forwarded_total",
				Help: "Bytes copied between pipeline blocks",
			},
		),

		StateCommits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "syphon_state_commits_total",
				Help: "Successful state blob writes",
			},
		),
		StateCommitErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "syphon_state_commit_errors_total",
				Help: "State blob writes that failed",
			},
		),
		StateMessagesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "syphon_state_messages_total",
				Help: "STATE messages observed on consumer input",
			},
		),

		LockContention: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "syphon_lock_contention_total",
				Help: "Run attempts rejected because the pipeline was locked",
			},
		),
		LockReclaims: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "syphon_lock_reclaims_total",
				Help: "Stale locks reclaimed after TTL expiry",
			},
		),
	}
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(status string, duration time.Duration) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(duration.Seconds())
}
