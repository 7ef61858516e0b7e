// Package aggregator periodically reduces the latest reading of every known
// RTU into durable time-bucketed documents: ActivePower per ten-minute slot
// and energy counters once per day.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/eems/internal/registry"
	"procodus.dev/eems/internal/store"
	"procodus.dev/eems/pkg/metrics"
	"procodus.dev/eems/pkg/telemetry"
)

const (
	pipelinePower  = "power"
	pipelineEnergy = "energy"
)

// Config holds the aggregator configuration.
type Config struct {
	Logger         *slog.Logger
	Registry       *registry.Registry
	Liveness       *registry.Liveness
	Store          store.Store
	Markers        *Markers      // optional, created when nil
	Reducer        EnergyReducer // optional, RawEnergy when nil
	Location       *time.Location
	Metrics        *metrics.AggregatorMetrics // optional
	DefaultRTUID   string
	OfflineTimeout time.Duration
	DailyWindow    time.Duration
}

// Aggregator runs the power and energy pipelines. Both are driven by ticks;
// the energy pipeline is also triggered by ingress through SnapshotDaily.
type Aggregator struct {
	logger         *slog.Logger
	registry       *registry.Registry
	liveness       *registry.Liveness
	store          store.Store
	markers        *Markers
	reducer        EnergyReducer
	metrics        *metrics.AggregatorMetrics
	schedule       schedule
	defaultRTUID   string
	offlineTimeout time.Duration
}

// New validates cfg and creates an Aggregator.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if cfg.Liveness == nil {
		return nil, errors.New("liveness cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Location == nil {
		loc, err := time.LoadLocation(DefaultLocation)
		if err != nil {
			return nil, fmt.Errorf("load location %s: %w", DefaultLocation, err)
		}
		cfg.Location = loc
	}
	if cfg.Markers == nil {
		cfg.Markers = NewMarkers()
	}
	if cfg.Reducer == nil {
		cfg.Reducer = RawEnergy{}
	}
	if cfg.DefaultRTUID == "" {
		cfg.DefaultRTUID = telemetry.DefaultRTUID
	}
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = registry.DefaultOfflineTimeout
	}
	if cfg.DailyWindow <= 0 {
		cfg.DailyWindow = DefaultDailyWindow
	}

	return &Aggregator{
		logger:         cfg.Logger,
		registry:       cfg.Registry,
		liveness:       cfg.Liveness,
		store:          cfg.Store,
		markers:        cfg.Markers,
		reducer:        cfg.Reducer,
		metrics:        cfg.Metrics,
		schedule:       schedule{loc: cfg.Location, dailyWindow: cfg.DailyWindow},
		defaultRTUID:   cfg.DefaultRTUID,
		offlineTimeout: cfg.OfflineTimeout,
	}, nil
}

// Run calls Tick for every value received from ticks until ctx is cancelled
// or ticks is closed.
func (a *Aggregator) Run(ctx context.Context, ticks <-chan time.Time) error {
	a.logger.Info("aggregator started",
		"location", a.schedule.loc.String(),
		"energy_mode", a.reducer.Name(),
		"offline_timeout", a.offlineTimeout,
	)
	defer a.logger.Info("aggregator stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case now, ok := <-ticks:
			if !ok {
				return nil
			}
			a.Tick(ctx, now)
		}
	}
}

// Tick runs one pass of both pipelines at instant now. Passes outside a
// ten-minute boundary or the daily window do nothing.
func (a *Aggregator) Tick(ctx context.Context, now time.Time) {
	a.pass(pipelinePower, func() { a.snapshotPower(ctx, now) })
	a.pass(pipelineEnergy, func() { a.rollupEnergy(ctx, now) })
}

func (a *Aggregator) pass(pipeline string, fn func()) {
	start := time.Now()
	a.isolate(pipeline, "", fn)
	if a.metrics != nil {
		a.metrics.PassDuration.WithLabelValues(pipeline).Observe(time.Since(start).Seconds())
	}
}

// isolate runs fn and turns a panic into an error log so that one RTU
// cannot stop the others.
func (a *Aggregator) isolate(pipeline, rtuID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("recovered from panic",
				"pipeline", pipeline,
				"rtu_id", rtuID,
				"panic", fmt.Sprint(r),
			)
			if a.metrics != nil {
				a.metrics.RecoveredPanic.WithLabelValues(pipeline).Inc()
			}
		}
	}()
	fn()
}

// pick returns the reading to reduce for rtuID: a zero reading when the
// RTU is offline at now, otherwise fresh or the latest buffered reading.
func (a *Aggregator) pick(pipeline, rtuID string, now time.Time, fresh *telemetry.Reading) *telemetry.Reading {
	if !a.liveness.IsOffline(rtuID, now, a.offlineTimeout) {
		if fresh != nil {
			return fresh
		}
		if latest, ok := a.registry.Latest(rtuID); ok {
			return latest
		}
	}

	customer := a.registry.CustomerName(rtuID)
	a.logger.Warn("device offline, using zero reading", "pipeline", pipeline, "rtu_id", rtuID, "customer", customer)
	if a.metrics != nil {
		a.metrics.ZeroFills.WithLabelValues(pipeline).Inc()
	}
	return telemetry.Zero(rtuID, customer)
}

// commit writes updates and marks the bucket on success. The caller holds
// the claim and releases it.
func (a *Aggregator) commit(ctx context.Context, pipeline, rtuID string, kind Kind, key string, updates []store.Update) bool {
	if err := a.store.Commit(ctx, updates); err != nil {
		a.storeFailed(pipeline, rtuID, key, err)
		return false
	}

	a.markers.Commit(rtuID, kind, key)
	if a.metrics != nil {
		a.metrics.Commits.WithLabelValues(pipeline, "success").Inc()
	}
	return true
}

func (a *Aggregator) storeFailed(pipeline, rtuID, key string, err error) {
	if errors.Is(err, store.ErrQuotaExceeded) {
		a.logger.Warn("store quota exceeded, will retry", "pipeline", pipeline, "rtu_id", rtuID, "bucket", key, "error", err)
		if a.metrics != nil {
			a.metrics.Commits.WithLabelValues(pipeline, "quota").Inc()
		}
		return
	}
	a.logger.Error("store write failed, will retry", "pipeline", pipeline, "rtu_id", rtuID, "bucket", key, "error", err)
	if a.metrics != nil {
		a.metrics.Commits.WithLabelValues(pipeline, "error").Inc()
	}
}

func (a *Aggregator) skipped(pipeline, reason string) {
	if a.metrics != nil {
		a.metrics.Skips.WithLabelValues(pipeline, reason).Inc()
	}
}
