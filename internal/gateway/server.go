package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/eems/internal/aggregator"
	"procodus.dev/eems/internal/hub"
	"procodus.dev/eems/internal/ingest"
	"procodus.dev/eems/internal/registry"
	"procodus.dev/eems/internal/store"
	"procodus.dev/eems/pkg/clock"
	"procodus.dev/eems/pkg/metrics"
	"procodus.dev/eems/pkg/mq"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// DefaultPollInterval is how often the aggregator ticks.
const DefaultPollInterval = 10 * time.Second

// Metrics groups the optional collectors handed to each component.
type Metrics struct {
	Gateway    *metrics.GatewayMetrics
	Aggregator *metrics.AggregatorMetrics
	Store      *metrics.StoreMetrics
	MQ         *metrics.MQMetrics
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger  *slog.Logger
	Metrics Metrics
	Clock   clock.Clock // optional

	// Ticks overrides the poll ticker. Used by tests.
	Ticks <-chan time.Time

	// Durable store
	StoreKind  string
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Broadcast relay, disabled when RabbitMQURL is empty
	RabbitMQURL  string
	RelayQueue   string
	RelayConfirm bool

	// Aggregation
	Timezone       string
	EnergyMode     string
	DefaultRTUID   string
	OfflineTimeout time.Duration
	PollInterval   time.Duration
	DailyWindow    time.Duration

	BufferCapacity int
	HubBuffer      int
	DBPort         int
	HTTPPort       int
	GRPCPort       int // 0 disables gRPC
}

// Server wires the pipeline together and serves it.
type Server struct {
	logger     *slog.Logger
	config     *ServerConfig
	store      store.Store
	hub        *hub.Hub
	publisher  *mq.Client
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.GRPCPort < 0 {
		return nil, errors.New("gRPC port cannot be negative")
	}

	switch cfg.StoreKind {
	case StoreMemory:
	case StorePostgres:
		if cfg.DBHost == "" {
			return nil, errors.New("database host cannot be empty")
		}
		if cfg.DBPort <= 0 {
			return nil, errors.New("database port must be positive")
		}
		if cfg.DBUser == "" {
			return nil, errors.New("database user cannot be empty")
		}
		if cfg.DBName == "" {
			return nil, errors.New("database name cannot be empty")
		}
	default:
		return nil, fmt.Errorf("unknown store %q (want %s or %s)", cfg.StoreKind, StorePostgres, StoreMemory)
	}

	if cfg.RabbitMQURL != "" && cfg.RelayQueue == "" {
		return nil, errors.New("relay queue cannot be empty when RabbitMQ is enabled")
	}

	if _, err := aggregator.NewEnergyReducer(cfg.EnergyMode); err != nil {
		return nil, err
	}

	if cfg.Timezone == "" {
		cfg.Timezone = aggregator.DefaultLocation
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

func (s *Server) openStore() (store.Store, error) {
	if s.config.StoreKind == StoreMemory {
		s.logger.Warn("using in-memory store, aggregates will not survive a restart")
		return store.NewMemory(s.logger, s.config.Metrics.Store), nil
	}
	return store.NewPostgres(&store.PostgresConfig{
		Logger:   s.logger,
		Metrics:  s.config.Metrics.Store,
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
	})
}

// Run starts every component and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting gateway server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	loc, err := time.LoadLocation(s.config.Timezone)
	if err != nil {
		return fmt.Errorf("failed to load timezone %s: %w", s.config.Timezone, err)
	}
	reducer, err := aggregator.NewEnergyReducer(s.config.EnergyMode)
	if err != nil {
		return err
	}

	st, err := s.openStore()
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	s.store = st

	reg := registry.New(s.config.BufferCapacity)
	live := registry.NewLiveness()
	s.hub = hub.New(hub.Config{
		Logger:     s.logger.With("component", "hub"),
		Metrics:    s.config.Metrics.Gateway,
		BufferSize: s.config.HubBuffer,
	})

	agg, err := aggregator.New(aggregator.Config{
		Logger:         s.logger.With("component", "aggregator"),
		Registry:       reg,
		Liveness:       live,
		Store:          st,
		Reducer:        reducer,
		Location:       loc,
		Metrics:        s.config.Metrics.Aggregator,
		DefaultRTUID:   s.config.DefaultRTUID,
		OfflineTimeout: s.config.OfflineTimeout,
		DailyWindow:    s.config.DailyWindow,
	})
	if err != nil {
		return s.abort(fmt.Errorf("failed to initialize aggregator: %w", err))
	}

	handler, err := ingest.New(ingest.Config{
		Logger:       s.logger.With("component", "ingest"),
		Hub:          s.hub,
		Registry:     reg,
		Liveness:     live,
		Daily:        agg,
		Clock:        s.config.Clock,
		Metrics:      s.config.Metrics.Gateway,
		DefaultRTUID: s.config.DefaultRTUID,
	})
	if err != nil {
		return s.abort(fmt.Errorf("failed to initialize ingest: %w", err))
	}

	api, err := NewAPI(&APIConfig{
		Logger:   s.logger.With("component", "api"),
		Hub:      s.hub,
		Ingest:   handler,
		Registry: reg,
		Metrics:  s.config.Metrics.Gateway,
	})
	if err != nil {
		return s.abort(fmt.Errorf("failed to initialize API: %w", err))
	}

	var relay *hub.Relay
	if s.config.RabbitMQURL != "" {
		s.publisher, err = mq.New(mq.Config{
			Logger:  s.logger.With("component", "mq"),
			Metrics: s.config.Metrics.MQ,
			URL:     s.config.RabbitMQURL,
			Queue:   s.config.RelayQueue,
			AppID:   "eems",
			Durable: true,
		})
		if err != nil {
			return s.abort(fmt.Errorf("failed to initialize RabbitMQ publisher: %w", err))
		}
		relay, err = hub.NewRelay(hub.RelayConfig{
			Hub:       s.hub,
			Publisher: s.publisher,
			Logger:    s.logger.With("component", "relay"),
			Metrics:   s.config.Metrics.MQ,
			Confirm:   s.config.RelayConfirm,
		})
		if err != nil {
			return s.abort(fmt.Errorf("failed to initialize relay: %w", err))
		}
	}

	serveErr := make(chan error, 2)

	if s.config.GRPCPort > 0 {
		if err := s.startGRPC(reg, serveErr); err != nil {
			return s.abort(err)
		}
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	var workers sync.WaitGroup
	ticks := s.config.Ticks
	if ticks == nil {
		ticker := time.NewTicker(s.config.PollInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	workers.Go(func() { _ = agg.Run(ctx, ticks) })
	if relay != nil {
		workers.Go(func() { _ = relay.Run(ctx) })
	}

	s.logger.Info("gateway server started successfully",
		"http_port", s.config.HTTPPort,
		"grpc_port", s.config.GRPCPort,
		"store", s.config.StoreKind,
		"relay", relay != nil,
	)

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case runErr = <-serveErr:
		s.logger.Error("server error", "error", runErr)
	}

	cancel()
	workers.Wait()

	if err := s.Shutdown(); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func (s *Server) startGRPC(reg *registry.Registry, serveErr chan<- error) error {
	svc, err := NewTelemetryService(s.logger.With("component", "grpc"), reg, s.config.Metrics.Gateway)
	if err != nil {
		return fmt.Errorf("failed to initialize gRPC service: %w", err)
	}

	s.grpcServer = grpc.NewServer()
	RegisterTelemetryServer(s.grpcServer, svc)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(TelemetryServiceName, healthpb.HealthCheckResponse_SERVING)

	grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}

	s.logger.Info("starting gRPC server", "address", grpcAddr)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			serveErr <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()
	return nil
}

// abort releases whatever Run opened before failing with err.
func (s *Server) abort(err error) error {
	if shutdownErr := s.Shutdown(); shutdownErr != nil {
		return errors.Join(err, shutdownErr)
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down gateway server")

	var shutdownErr error
	collect := func(what string, err error) {
		s.logger.Error("failed to stop "+what, "error", err)
		if shutdownErr != nil {
			shutdownErr = fmt.Errorf("%w; %s: %w", shutdownErr, what, err)
		} else {
			shutdownErr = fmt.Errorf("%s: %w", what, err)
		}
	}

	if s.health != nil {
		s.health.Shutdown()
	}

	// Closing every subscription ends WebSocket and SSE handlers, so the
	// HTTP server can drain.
	if s.hub != nil {
		s.hub.Close()
	}

	if s.httpServer != nil {
		s.logger.Info("stopping HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			collect("HTTP server", err)
		}
	}

	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		s.grpcServer.GracefulStop()
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			collect("RabbitMQ publisher", err)
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			collect("store", err)
		}
	}

	if shutdownErr != nil {
		s.logger.Error("gateway server shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("gateway server shutdown completed successfully")
	return nil
}
