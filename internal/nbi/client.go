package nbi

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client is a thin NetworkService client over a gRPC connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial opens a plaintext connection to target with OpenTelemetry client
// instrumentation and request ID propagation. Extra options are appended.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, *Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(RequestIDUnaryClientInterceptor()),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, NewClient(conn), nil
}

func (c *Client) ListNodes(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, NetworkService_ListNodes_FullMethodName, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetNode(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, NetworkService_GetNode_FullMethodName, wrapperspb.String(id), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListLinks(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, NetworkService_ListLinks_FullMethodName, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// SetLinkDemand sets the demand of a conductor or flow source.
func (c *Client) SetLinkDemand(ctx context.Context, linkID string, demand float64, opts ...grpc.CallOption) error {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"link_id": structpb.NewStringValue(linkID),
		"demand":  structpb.NewNumberValue(demand),
	}}
	return c.cc.Invoke(ctx, NetworkService_SetLinkDemand_FullMethodName, in, new(emptypb.Empty), opts...)
}

// SetLinkPortFlows sets every port rate of a link.
func (c *Client) SetLinkPortFlows(ctx context.Context, linkID string, flows []float64, opts ...grpc.CallOption) error {
	values := make([]*structpb.Value, len(flows))
	for i, f := range flows {
		values[i] = structpb.NewNumberValue(f)
	}
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"link_id":    structpb.NewStringValue(linkID),
		"port_flows": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
	return c.cc.Invoke(ctx, NetworkService_SetLinkDemand_FullMethodName, in, new(emptypb.Empty), opts...)
}

func (c *Client) ConnectPort(ctx context.Context, linkID string, port int, nodeID string, opts ...grpc.CallOption) error {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"link_id": structpb.NewStringValue(linkID),
		"port":    structpb.NewNumberValue(float64(port)),
		"node_id": structpb.NewStringValue(nodeID),
	}}
	return c.cc.Invoke(ctx, NetworkService_ConnectPort_FullMethodName, in, new(emptypb.Empty), opts...)
}

// Step advances the remote network by dt.
func (c *Client) Step(ctx context.Context, dt time.Duration, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, NetworkService_Step_FullMethodName, durationpb.New(dt), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
