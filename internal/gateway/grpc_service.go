package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/eems/internal/registry"
	"procodus.dev/eems/pkg/metrics"
)

// TelemetryService implements TelemetryServer over the registry.
type TelemetryService struct {
	logger   *slog.Logger
	registry *registry.Registry
	metrics  *metrics.GatewayMetrics // optional
}

// NewTelemetryService creates a TelemetryService.
func NewTelemetryService(logger *slog.Logger, reg *registry.Registry, m *metrics.GatewayMetrics) (*TelemetryService, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if reg == nil {
		return nil, errors.New("registry cannot be nil")
	}
	return &TelemetryService{logger: logger, registry: reg, metrics: m}, nil
}

// GetSnapshot returns {"count": n, "data": {rtu: [readings]}} using the
// same reading encoding as the HTTP API.
func (s *TelemetryService) GetSnapshot(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	const method = "GetSnapshot"
	if s.metrics != nil {
		timer := prometheus.NewTimer(s.metrics.GRPCRequestDuration.WithLabelValues(method))
		defer timer.ObserveDuration()
	}

	snapshot := s.registry.Snapshot()
	if len(snapshot) == 0 {
		s.count(method, "error")
		return nil, status.Error(codes.NotFound, "no data received yet")
	}

	raw, err := json.Marshal(messagesResponse{Success: true, Count: len(snapshot), Data: snapshot})
	if err != nil {
		s.logger.Error("failed to encode snapshot", "error", err)
		s.count(method, "error")
		return nil, status.Errorf(codes.Internal, "failed to encode snapshot: %v", err)
	}

	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		s.logger.Error("failed to convert snapshot", "error", err)
		s.count(method, "error")
		return nil, status.Errorf(codes.Internal, "failed to convert snapshot: %v", err)
	}

	s.count(method, "success")
	return out, nil
}

func (s *TelemetryService) count(method, result string) {
	if s.metrics != nil {
		s.metrics.GRPCRequestsTotal.WithLabelValues(method, result).Inc()
	}
}

var _ TelemetryServer = (*TelemetryService)(nil)
