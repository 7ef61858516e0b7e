// Package gateway exposes the telemetry pipeline over HTTP, WebSocket, SSE
// and gRPC, and runs it as a server.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"procodus.dev/eems/internal/hub"
	"procodus.dev/eems/internal/registry"
	"procodus.dev/eems/pkg/metrics"
	"procodus.dev/eems/pkg/telemetry"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultReadLimit    = 1 << 20
)

// FrameHandler processes one inbound frame.
type FrameHandler interface {
	HandleFrame(ctx context.Context, frame []byte) (*telemetry.Reading, error)
}

// APIConfig holds the HTTP API configuration.
type APIConfig struct {
	Logger       *slog.Logger
	Hub          *hub.Hub
	Ingest       FrameHandler
	Registry     *registry.Registry
	Metrics      *metrics.GatewayMetrics // optional
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64
}

// API serves the HTTP and WebSocket endpoints.
type API struct {
	logger       *slog.Logger
	hub          *hub.Hub
	ingest       FrameHandler
	registry     *registry.Registry
	metrics      *metrics.GatewayMetrics
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration
	readLimit    int64
}

// NewAPI validates cfg and creates an API.
func NewAPI(cfg *APIConfig) (*API, error) {
	if cfg == nil {
		return nil, errors.New("api config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Hub == nil {
		return nil, errors.New("hub cannot be nil")
	}
	if cfg.Ingest == nil {
		return nil, errors.New("ingest handler cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry cannot be nil")
	}

	a := &API{
		logger:       cfg.Logger,
		hub:          cfg.Hub,
		ingest:       cfg.Ingest,
		registry:     cfg.Registry,
		metrics:      cfg.Metrics,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		readLimit:    cfg.ReadLimit,
	}
	if a.writeTimeout <= 0 {
		a.writeTimeout = defaultWriteTimeout
	}
	if a.pingInterval <= 0 {
		a.pingInterval = defaultPingInterval
	}
	if a.readLimit <= 0 {
		a.readLimit = defaultReadLimit
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Meters and dashboards connect from arbitrary origins.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return a, nil
}

// Handler returns the routed and instrumented HTTP handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /ws", a.handleWebSocket)

	mux.HandleFunc("GET /api/energy/message", a.handleMessages)
	mux.HandleFunc("GET /api/energy/message/{rtu}", a.handleDeviceMessages)
	mux.HandleFunc("POST /api/energy/push", a.handlePush)
	mux.HandleFunc("GET /api/energy/stream", a.handleStream)

	mux.HandleFunc("GET /{$}", a.handleWelcome)

	return a.instrument(mux)
}
