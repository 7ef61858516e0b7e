package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics contains Prometheus metrics for the ingress gateway.
type GatewayMetrics struct {
	FramesReceived       *prometheus.CounterVec
	DecodeErrors         prometheus.Counter
	ActiveSessions       prometheus.Gauge
	ActiveObservers      *prometheus.GaugeVec
	BroadcastDeliveries  prometheus.Counter
	BroadcastDrops       prometheus.Counter
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	GRPCRequestsTotal    *prometheus.CounterVec
	GRPCRequestDuration  *prometheus.HistogramVec
	KnownDevices         prometheus.Gauge
	DailyChecksTriggered prometheus.Counter
}

// NewGatewayMetrics creates and registers gateway metrics.
func NewGatewayMetrics(namespace string) *GatewayMetrics {
	m := &GatewayMetrics{
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingress",
				Name:      "frames_total",
				Help:      "Total number of frames received",
			},
			[]string{"source"}, // source: websocket, push
		),
		DecodeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingress",
				Name:      "decode_errors_total",
				Help:      "Total number of frames that could not be decoded",
			},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingress",
				Name:      "active_sessions",
				Help:      "Number of open WebSocket sessions",
			},
		),
		ActiveObservers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "observers",
				Help:      "Number of subscribed broadcast observers",
			},
			[]string{"kind"},
		),
		BroadcastDeliveries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "deliveries_total",
				Help:      "Total number of frames handed to observers",
			},
		),
		BroadcastDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "drops_total",
				Help:      "Total number of frames skipped for observers that were not ready",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		GRPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "requests_total",
				Help:      "Total number of gRPC requests",
			},
			[]string{"method", "status"}, // status: success, error
		),
		GRPCRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "request_duration_seconds",
				Help:      "Duration of gRPC requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		KnownDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "devices",
				Help:      "Number of RTUs seen since start",
			},
		),
		DailyChecksTriggered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingress",
				Name:      "daily_checks_total",
				Help:      "Total number of daily snapshot checks run from ingress",
			},
		),
	}

	MustRegister(
		m.FramesReceived,
		m.DecodeErrors,
		m.ActiveSessions,
		m.ActiveObservers,
		m.BroadcastDeliveries,
		m.BroadcastDrops,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.KnownDevices,
		m.DailyChecksTriggered,
	)

	return m
}
