// Package ingest processes inbound meter frames: relay first, then decode,
// record and trigger the daily rollup.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"procodus.dev/eems/internal/registry"
	"procodus.dev/eems/pkg/clock"
	"procodus.dev/eems/pkg/metrics"
	"procodus.dev/eems/pkg/telemetry"
)

// Broadcaster relays raw frames to observers.
type Broadcaster interface {
	Broadcast(payload []byte) int
}

// DailySnapshotter runs the daily rollup for one RTU.
type DailySnapshotter interface {
	SnapshotDaily(ctx context.Context, rtuID string, reading *telemetry.Reading, now time.Time)
}

// Config holds the handler configuration.
type Config struct {
	Logger       *slog.Logger
	Hub          Broadcaster
	Registry     *registry.Registry
	Liveness     *registry.Liveness
	Daily        DailySnapshotter // optional
	Clock        clock.Clock      // optional, wall clock when nil
	Metrics      *metrics.GatewayMetrics
	DefaultRTUID string
}

// Handler is shared by every ingress session.
type Handler struct {
	logger       *slog.Logger
	hub          Broadcaster
	registry     *registry.Registry
	liveness     *registry.Liveness
	daily        DailySnapshotter
	clock        clock.Clock
	metrics      *metrics.GatewayMetrics
	defaultRTUID string
}

// New validates cfg and creates a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Hub == nil {
		return nil, errors.New("hub cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if cfg.Liveness == nil {
		return nil, errors.New("liveness cannot be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.DefaultRTUID == "" {
		cfg.DefaultRTUID = telemetry.DefaultRTUID
	}

	return &Handler{
		logger:       cfg.Logger,
		hub:          cfg.Hub,
		registry:     cfg.Registry,
		liveness:     cfg.Liveness,
		daily:        cfg.Daily,
		clock:        cfg.Clock,
		metrics:      cfg.Metrics,
		defaultRTUID: cfg.DefaultRTUID,
	}, nil
}

// HandleFrame broadcasts frame, then decodes and records it. A frame that
// does not decode is still broadcast; the error is logged and returned
// but leaves no state behind.
func (h *Handler) HandleFrame(ctx context.Context, frame []byte) (*telemetry.Reading, error) {
	now := h.clock.Now()
	if h.metrics != nil {
		h.metrics.FramesReceived.WithLabelValues("websocket").Inc()
	}

	h.hub.Broadcast(frame)

	reading, err := telemetry.Decode(frame)
	if err != nil {
		if h.metrics != nil {
			h.metrics.DecodeErrors.Inc()
		}
		h.logger.Warn("invalid frame", "error", err, "bytes", len(frame))
		return nil, err
	}

	rtuID := reading.RTUID(h.defaultRTUID)
	reading = reading.WithReceivedAt(now)

	h.liveness.MarkAlive(rtuID, now)
	h.registry.Record(rtuID, reading)
	if h.metrics != nil {
		h.metrics.KnownDevices.Set(float64(h.registry.Len()))
	}
	h.logger.Debug("reading recorded", "rtu_id", rtuID)

	if h.daily != nil {
		if h.metrics != nil {
			h.metrics.DailyChecksTriggered.Inc()
		}
		h.daily.SnapshotDaily(ctx, rtuID, reading, now)
	}
	return reading, nil
}
