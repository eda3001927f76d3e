package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the broker.
type Metrics struct {
	Registry *prometheus.Registry

	JobsTotal         *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	ActiveJobs        prometheus.Gauge
	JobsSkipped       *prometheus.CounterVec
	ChannelsOpen      prometheus.Gauge
	QuotaBytes        prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
	CodePatterns      *prometheus.CounterVec
	Heartbeats        prometheus.Counter
	HeartbeatFailures prometheus.Counter
	Reclaimed         prometheus.Counter
	ReclaimFailures   prometheus.Counter
	RequestsInFlight  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "jobs_total",
				Help:      "Jobs published, by terminal outcome.",
			},
			[]string{"outcome"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "broker",
				Name:      "job_duration_seconds",
				Help:      "Time from job acceptance to publication.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
			},
			[]string{"outcome"},
		),

		ActiveJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "broker",
				Name:      "active_jobs",
				Help:      "Jobs accepted and not yet published.",
			},
		),

		JobsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "records_skipped_total",
				Help:      "Channel records ignored by intake, by reason.",
			},
			[]string{"reason"},
		),

		ChannelsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "broker",
				Name:      "channels_open",
				Help:      "Request channels this host is watching.",
			},
		),

		QuotaBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "broker",
				Name:      "quota_memory_bytes",
				Help:      "Memory ceiling granted to each sandbox.",
				Buckets:   prometheus.ExponentialBuckets(8<<20, 2, 10),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "broker",
				Name:      "output_size_bytes",
				Help:      "Size of published job output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),

		CodePatterns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "code_patterns_total",
				Help:      "Suspicious patterns seen in submitted code.",
			},
			[]string{"pattern"},
		),

		Heartbeats: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "heartbeats_total",
				Help:      "Host records published to the directory.",
			},
		),

		HeartbeatFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "heartbeat_failures_total",
				Help:      "Host record publishes that failed.",
			},
		),

		Reclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "reclaimed_total",
				Help:      "Stale sandbox processes stopped by the sweep.",
			},
		),

		ReclaimFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "reclaim_failures_total",
				Help:      "Stale sandbox processes the sweep failed to stop.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "broker",
				Subsystem: "ops",
				Name:      "requests_in_flight",
				Help:      "Number of ops HTTP requests currently being processed.",
			},
		),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.JobDuration,
		m.ActiveJobs,
		m.JobsSkipped,
		m.ChannelsOpen,
		m.QuotaBytes,
		m.OutputSizeBytes,
		m.CodePatterns,
		m.Heartbeats,
		m.HeartbeatFailures,
		m.Reclaimed,
		m.ReclaimFailures,
		m.RequestsInFlight,
	)

	return m
}

// RecordJob records metrics for a published job.
func (m *Metrics) RecordJob(outcome string, durationSec float64) {
	m.JobsTotal.WithLabelValues(outcome).Inc()
	m.JobDuration.WithLabelValues(outcome).Observe(durationSec)
}

// RecordSkip records a channel record intake ignored.
func (m *Metrics) RecordSkip(reason string) {
	m.JobsSkipped.WithLabelValues(reason).Inc()
}

// RecordPattern records a suspicious code pattern.
func (m *Metrics) RecordPattern(pattern string) {
	m.CodePatterns.WithLabelValues(pattern).Inc()
}
