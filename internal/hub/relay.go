package hub

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"procodus.dev/eems/pkg/metrics"
	"procodus.dev/eems/pkg/mq"
)

const (
	defaultRelayBuffer  = 256
	defaultRelayTimeout = 5 * time.Second
)

// RelayConfig holds the relay configuration.
type RelayConfig struct {
	Hub       *Hub
	Publisher mq.Publisher
	Logger    *slog.Logger
	Metrics   *metrics.MQMetrics // optional
	Timeout   time.Duration
	Buffer    int
	Confirm   bool
}

// Relay is a hub observer that republishes every frame to RabbitMQ.
type Relay struct {
	hub       *Hub
	publisher mq.Publisher
	logger    *slog.Logger
	metrics   *metrics.MQMetrics
	timeout   time.Duration
	buffer    int
	confirm   bool
}

// NewRelay validates cfg and creates a Relay.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Hub == nil {
		return nil, errors.New("hub cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRelayTimeout
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultRelayBuffer
	}

	return &Relay{
		hub:       cfg.Hub,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		timeout:   cfg.Timeout,
		buffer:    cfg.Buffer,
		confirm:   cfg.Confirm,
	}, nil
}

// Run subscribes to the hub and publishes frames until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.hub.SubscribeBuffered(KindRelay, r.buffer)
	defer r.hub.Unsubscribe(sub)

	r.logger.Info("relay started")
	defer r.logger.Info("relay stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-sub.C:
			if !ok {
				return nil
			}
			r.publish(ctx, frame)
		}
	}
}

func (r *Relay) publish(ctx context.Context, frame []byte) {
	pushCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var err error
	if r.confirm {
		err = r.publisher.Push(pushCtx, frame)
	} else {
		err = r.publisher.UnsafePush(pushCtx, frame)
	}
	if err != nil {
		if r.metrics != nil {
			r.metrics.RelayDrops.Inc()
		}
		r.logger.Warn("failed to relay frame", "error", err, "bytes", len(frame))
		return
	}
	if r.metrics != nil {
		r.metrics.RelayedFrames.Inc()
	}
}
