// internal/nbi/network_service.go
package nbi

import (
	"context"

	"github.com/signalsfoundry/nodal-network-sim/internal/logging"
	"github.com/signalsfoundry/nodal-network-sim/internal/nbi/types"
	sim "github.com/signalsfoundry/nodal-network-sim/internal/sim/state"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// NetworkServiceName is the fully-qualified gRPC service name.
const NetworkServiceName = "nodalnet.nbi.v1.NetworkService"

// Fully-qualified method names.
const (
	NetworkService_ListNodes_FullMethodName     = "/" + NetworkServiceName + "/ListNodes"
	NetworkService_GetNode_FullMethodName       = "/" + NetworkServiceName + "/GetNode"
	NetworkService_ListLinks_FullMethodName     = "/" + NetworkServiceName + "/ListLinks"
	NetworkService_SetLinkDemand_FullMethodName = "/" + NetworkServiceName + "/SetLinkDemand"
	NetworkService_ConnectPort_FullMethodName   = "/" + NetworkServiceName + "/ConnectPort"
	NetworkService_Step_FullMethodName          = "/" + NetworkServiceName + "/Step"
)

// NetworkServiceServer is the server API for the network service. Messages
// are protobuf well-known types; see the types package for their shapes.
type NetworkServiceServer interface {
	ListNodes(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetNode(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListLinks(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SetLinkDemand(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ConnectPort(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Step(context.Context, *durationpb.Duration) (*structpb.Struct, error)
}

// RegisterNetworkServiceServer registers srv on s.
func RegisterNetworkServiceServer(s grpc.ServiceRegistrar, srv NetworkServiceServer) {
	s.RegisterService(&NetworkService_ServiceDesc, srv)
}

// NetworkService implements NetworkServiceServer backed by a NetworkState.
type NetworkService struct {
	state *sim.NetworkState
	log   logging.Logger
}

var _ NetworkServiceServer = (*NetworkService)(nil)

// NewNetworkService constructs a NetworkService bound to state.
func NewNetworkService(state *sim.NetworkState, log logging.Logger) *NetworkService {
	if log == nil {
		log = logging.Noop()
	}
	return &NetworkService{state: state, log: log}
}

// ListNodes returns every node in index order.
func (s *NetworkService) ListNodes(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return types.NodesToStruct(s.state.ListNodes()), nil
}

// GetNode retrieves a node by ID.
func (s *NetworkService) GetNode(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "node id is required")
	}
	node, err := s.state.GetNode(req.GetValue())
	if err != nil {
		return nil, ToStatusError(err)
	}
	return types.NodeToStruct(node), nil
}

// ListLinks returns every link in index order.
func (s *NetworkService) ListLinks(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return types.LinksToStruct(s.state.ListLinks()), nil
}

// SetLinkDemand sets a conductor or source demand, or a manifold's port
// flows. The change applies from the next step.
func (s *NetworkService) SetLinkDemand(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	req, err := types.LinkDemandFromStruct(in)
	if err != nil {
		logging.FromContext(ctx, s.log).Debug(ctx, "SetLinkDemand validation failed",
			logging.String("reason", err.Error()),
		)
		return nil, ToStatusError(err)
	}

	ctx, span := StartChildSpan(ctx, "link/set_demand", "link", req.LinkID)
	defer span.End()

	if req.Demand != nil {
		span.SetAttributes(attribute.Float64("demand", *req.Demand))
		err = s.state.SetLinkDemand(ctx, req.LinkID, *req.Demand)
	} else {
		err = s.state.SetLinkPortFlows(ctx, req.LinkID, req.PortFlows)
	}
	if err != nil {
		span.RecordError(err)
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// ConnectPort rebinds one link port to a different node.
func (s *NetworkService) ConnectPort(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	req, err := types.ConnectPortFromStruct(in)
	if err != nil {
		return nil, ToStatusError(err)
	}

	ctx, span := StartChildSpan(ctx, "link/connect_port", "link", req.LinkID,
		attribute.Int("port", req.Port),
		attribute.String("node_id", req.NodeID),
	)
	defer span.End()

	if err := s.state.ConnectPort(ctx, req.LinkID, req.Port, req.NodeID); err != nil {
		span.RecordError(err)
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// Step advances the network by the requested duration.
func (s *NetworkService) Step(ctx context.Context, in *durationpb.Duration) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	dt, err := ValidateStepDuration(in)
	if err != nil {
		return nil, ToStatusError(err)
	}

	res, err := s.state.Step(ctx, dt)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return types.StepResultToStruct(res), nil
}

func (s *NetworkService) ensureReady() error {
	if s == nil || s.state == nil {
		return status.Error(codes.FailedPrecondition, "network state is not configured")
	}
	return nil
}

//
// ---------- Service descriptor ----------
//

func _NetworkService_ListNodes_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServiceServer).ListNodes(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: NetworkService_ListNodes_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServiceServer).ListNodes(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkService_GetNode_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServiceServer).GetNode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: NetworkService_GetNode_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServiceServer).GetNode(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkService_ListLinks_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServiceServer).ListLinks(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: NetworkService_ListLinks_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServiceServer).ListLinks(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkService_SetLinkDemand_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServiceServer).SetLinkDemand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: NetworkService_SetLinkDemand_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServiceServer).SetLinkDemand(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkService_ConnectPort_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServiceServer).ConnectPort(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: NetworkService_ConnectPort_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServiceServer).ConnectPort(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkService_Step_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(durationpb.Duration)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServiceServer).Step(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: NetworkService_Step_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServiceServer).Step(ctx, req.(*durationpb.Duration))
	}
	return interceptor(ctx, in, info, handler)
}

// NetworkService_ServiceDesc is the grpc.ServiceDesc for the network service.
var NetworkService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: NetworkServiceName,
	HandlerType: (*NetworkServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListNodes", Handler: _NetworkService_ListNodes_Handler},
		{MethodName: "GetNode", Handler: _NetworkService_GetNode_Handler},
		{MethodName: "ListLinks", Handler: _NetworkService_ListLinks_Handler},
		{MethodName: "SetLinkDemand", Handler: _NetworkService_SetLinkDemand_Handler},
		{MethodName: "ConnectPort", Handler: _NetworkService_ConnectPort_Handler},
		{MethodName: "Step", Handler: _NetworkService_Step_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nodalnet/nbi/v1/network.proto",
}
