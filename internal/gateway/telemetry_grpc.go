package gateway

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// TelemetryServiceName is the fully qualified gRPC service name.
const TelemetryServiceName = "eems.v1.Telemetry"

const getSnapshotMethod = "/" + TelemetryServiceName + "/GetSnapshot"

// TelemetryServer is the server API for the Telemetry service.
type TelemetryServer interface {
	// GetSnapshot returns the buffered readings of every RTU.
	GetSnapshot(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

// TelemetryClient is the client API for the Telemetry service.
type TelemetryClient interface {
	GetSnapshot(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type telemetryClient struct {
	cc grpc.ClientConnInterface
}

// NewTelemetryClient creates a Telemetry client on cc.
func NewTelemetryClient(cc grpc.ClientConnInterface) TelemetryClient {
	return &telemetryClient{cc: cc}
}

func (c *telemetryClient) GetSnapshot(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getSnapshotMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterTelemetryServer registers srv on s.
func RegisterTelemetryServer(s grpc.ServiceRegistrar, srv TelemetryServer) {
	s.RegisterService(&telemetryServiceDesc, srv)
}

func getSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelemetryServer).GetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: getSnapshotMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TelemetryServer).GetSnapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var telemetryServiceDesc = grpc.ServiceDesc{
	ServiceName: TelemetryServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetSnapshot",
			Handler:    getSnapshotHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "eems/v1/telemetry.proto",
}
