package simulator

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"procodus.dev/eems/pkg/generator"
	"procodus.dev/eems/pkg/metrics"
)

// ServerConfig holds the configuration for the simulator.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.SimulatorMetrics
	// URL is the gateway's WebSocket ingress, e.g. ws://localhost:10000/ws
	URL string
	// Interval is the time between frames of one meter
	Interval time.Duration
	// MeterCount is the number of simulated RTUs
	MeterCount int
	// FirstRTU is the number of the first RTU id
	FirstRTU int
	// Seed makes meter profiles reproducible; 0 picks a random seed
	Seed uint64
}

// Server runs a fleet of simulated meters.
type Server struct {
	logger  *slog.Logger
	config  *ServerConfig
	clients []*Client
	wg      sync.WaitGroup
}

var (
	errInvalidMeterCount = errors.New("meter count must be greater than 0")
	errInvalidInterval   = errors.New("interval must be greater than 0")
	errLoggerRequired    = errors.New("logger is required")
	errInvalidURL        = errors.New("url must be a ws:// or wss:// address")
)

// NewServer creates the simulator with one client per meter.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil || cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	if cfg.MeterCount <= 0 {
		return nil, errInvalidMeterCount
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, errInvalidURL
	}

	if cfg.FirstRTU <= 0 {
		cfg.FirstRTU = 1
	}

	s := &Server{
		logger:  cfg.Logger,
		config:  cfg,
		clients: make([]*Client, 0, cfg.MeterCount),
	}

	for i := range cfg.MeterCount {
		var seed uint64
		if cfg.Seed != 0 {
			seed = cfg.Seed + uint64(i)
		}
		meter := generator.NewMeter(generator.RTUID(cfg.FirstRTU+i), seed)
		s.clients = append(s.clients, NewClient(
			cfg.Logger.With(slog.String("component", "meter")),
			cfg.URL, cfg.Interval, meter, cfg.Metrics,
		))

		s.logger.Info("created simulated meter",
			"rtu_id", meter.Profile.RTUID,
			"customer", meter.Profile.Customer,
			"peak_kw", meter.Profile.PeakLoad,
		)
	}

	return s, nil
}

// Clients returns the simulated meters.
func (s *Server) Clients() []*Client {
	return s.clients
}

// Run starts every meter and blocks until a shutdown signal or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	for _, client := range s.clients {
		s.wg.Go(func() { client.Run(ctx) })
	}

	s.logger.Info("simulator started",
		"meter_count", len(s.clients),
		"interval", s.config.Interval,
		"url", s.config.URL,
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	s.logger.Info("waiting for meters to disconnect...")
	s.wg.Wait()

	s.logger.Info("simulator stopped")
	return nil
}
