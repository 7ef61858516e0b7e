package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AggregatorMetrics contains Prometheus metrics for the periodic aggregator.
type AggregatorMetrics struct {
	Commits        *prometheus.CounterVec
	Skips          *prometheus.CounterVec
	ZeroFills      *prometheus.CounterVec
	PassDuration   *prometheus.HistogramVec
	RecoveredPanic *prometheus.CounterVec
}

// NewAggregatorMetrics creates and registers aggregator metrics.
func NewAggregatorMetrics(namespace string) *AggregatorMetrics {
	m := &AggregatorMetrics{
		Commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregator",
				Name:      "commits_total",
				Help:      "Total number of bucket commits",
			},
			[]string{"pipeline", "status"}, // status: success, error, quota
		),
		Skips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregator",
				Name:      "skips_total",
				Help:      "Total number of bucket writes skipped",
			},
			[]string{"pipeline", "reason"}, // reason: marker, in_flight, stored
		),
		ZeroFills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregator",
				Name:      "zero_fills_total",
				Help:      "Total number of zero readings committed for offline devices",
			},
			[]string{"pipeline"},
		),
		PassDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "aggregator",
				Name:      "pass_duration_seconds",
				Help:      "Duration of an aggregation pass",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pipeline"},
		),
		RecoveredPanic: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregator",
				Name:      "recovered_panics_total",
				Help:      "Total number of panics recovered while processing a device",
			},
			[]string{"pipeline"},
		),
	}

	MustRegister(
		m.Commits,
		m.Skips,
		m.ZeroFills,
		m.PassDuration,
		m.RecoveredPanic,
	)

	return m
}
