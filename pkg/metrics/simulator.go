package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the meter simulator.
type SimulatorMetrics struct {
	FramesSent      *prometheus.CounterVec
	SendFailures    *prometheus.CounterVec
	Reconnects      *prometheus.CounterVec
	ConnectedMeters prometheus.Gauge
}

// NewSimulatorMetrics creates and registers simulator metrics.
func NewSimulatorMetrics(namespace string) *SimulatorMetrics {
	m := &SimulatorMetrics{
		FramesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "frames_sent_total",
				Help:      "Total number of frames sent by simulated meters",
			},
			[]string{"rtu_id"},
		),
		SendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "send_failures_total",
				Help:      "Total number of failed frame sends",
			},
			[]string{"rtu_id"},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "reconnects_total",
				Help:      "Total number of reconnection attempts",
			},
			[]string{"rtu_id"},
		),
		ConnectedMeters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "connected_meters",
				Help:      "Number of simulated meters with an open connection",
			},
		),
	}

	MustRegister(
		m.FramesSent,
		m.SendFailures,
		m.Reconnects,
		m.ConnectedMeters,
	)

	return m
}
