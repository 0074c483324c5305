// internal/nbi/network_service_test.go
package nbi

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/signalsfoundry/nodal-network-sim/core"
	"github.com/signalsfoundry/nodal-network-sim/internal/logging"
	"github.com/signalsfoundry/nodal-network-sim/internal/observability"
	sim "github.com/signalsfoundry/nodal-network-sim/internal/sim/state"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// newLoopState builds the two-tank loop from the scheduler tests: a 1 kg/s
// conductor each way plus a boundary source into tank-a.
func newLoopState(t *testing.T) *sim.NetworkState {
	t.Helper()
	s := sim.NewNetworkState(nil, logging.Noop())
	for _, n := range []*core.FluidNode{
		core.NewFluidNode("tank-a", true, 10, 100),
		core.NewFluidNode("tank-b", true, 10, 100),
		core.NewFluidNode("spill", true, 0, 0.05),
	} {
		if err := s.AddNode(n); err != nil {
			t.Fatalf("AddNode(%q): %v", n.ID, err)
		}
	}
	ab := core.NewConductor("a-to-b", "tank-a", "tank-b")
	ab.SetFlowDemand(1)
	ba := core.NewConductor("b-to-a", "tank-b", "tank-a")
	ba.SetFlowDemand(1)
	for _, l := range []*core.FluidLink{ab, ba, core.NewConductor("overflow", "tank-b", "spill")} {
		if err := s.AddLink(l); err != nil {
			t.Fatalf("AddLink(%q): %v", l.ID, err)
		}
	}
	return s
}

type testServer struct {
	client    *Client
	conn      *grpc.ClientConn
	state     *sim.NetworkState
	collector *observability.NBICollector
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	reg := prometheus.NewRegistry()
	collector, err := observability.NewNBICollector(reg)
	if err != nil {
		t.Fatalf("NewNBICollector: %v", err)
	}
	state := newLoopState(t)

	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RequestIDUnaryServerInterceptor(logging.Noop()),
		TracingUnaryServerInterceptor(),
		collector.UnaryServerInterceptor(),
	))
	RegisterNetworkServiceServer(server, NewNetworkService(state, logging.Noop()))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, client, err := Dial(lis.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &testServer{client: client, conn: conn, state: state, collector: collector}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNetworkServiceQueries(t *testing.T) {
	ts := startTestServer(t)
	ctx := testContext(t)

	nodes, err := ts.client.ListNodes(ctx)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	list := nodes.AsMap()["nodes"].([]interface{})
	if len(list) != 3 {
		t.Fatalf("ListNodes returned %d nodes, want 3", len(list))
	}

	node, err := ts.client.GetNode(ctx, "tank-b")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	got := node.AsMap()
	if got["id"] != "tank-b" || got["index"] != 1.0 || got["mass"] != 10.0 {
		t.Fatalf("GetNode(tank-b) = %v", got)
	}

	links, err := ts.client.ListLinks(ctx)
	if err != nil {
		t.Fatalf("ListLinks: %v", err)
	}
	first := links.AsMap()["links"].([]interface{})[0].(map[string]interface{})
	if diff := cmp.Diff([]interface{}{"tank-a", "tank-b"}, first["port_nodes"]); diff != "" {
		t.Fatalf("first link ports mismatch (-want +got):\n%s", diff)
	}

	if _, err := ts.client.GetNode(ctx, "missing"); status.Code(err) != codes.NotFound {
		t.Fatalf("GetNode(missing) code = %v, want NotFound (err=%v)", status.Code(err), err)
	}
	if _, err := ts.client.GetNode(ctx, ""); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("GetNode(\"\") code = %v, want InvalidArgument (err=%v)", status.Code(err), err)
	}
}

func TestNetworkServiceStepResolvesLoop(t *testing.T) {
	ts := startTestServer(t)
	ctx := testContext(t)

	res, err := ts.client.Step(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	got := res.AsMap()
	if got["step"] != 1.0 || got["rounds"] != 2.0 {
		t.Fatalf("Step result = %v, want step 1 in 2 rounds", got)
	}
	if diff := cmp.Diff([]interface{}{0.0}, got["relaxed_nodes"]); diff != "" {
		t.Fatalf("relaxed nodes mismatch (-want +got):\n%s", diff)
	}

	// Open the overflow link: 1 kg/s into a 0.05 kg node for 0.1 s overflows.
	if err := ts.client.SetLinkDemand(ctx, "overflow", 1); err != nil {
		t.Fatalf("SetLinkDemand: %v", err)
	}
	res, err = ts.client.Step(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if diff := cmp.Diff([]interface{}{"spill"}, res.AsMap()["overflowing"]); diff != "" {
		t.Fatalf("overflowing mismatch (-want +got):\n%s", diff)
	}
	spill, err := ts.state.GetNode("spill")
	if err != nil || !spill.Overflowing {
		t.Fatalf("spill view = %+v, %v, want overflowing", spill, err)
	}

	if got := testutil.ToFloat64(ts.collector.RPCRequests.WithLabelValues("NetworkService", "Step", "OK")); got != 2 {
		t.Fatalf("nbi_requests_total{Step,OK} = %v, want 2", got)
	}
}

func TestNetworkServiceMutatorErrors(t *testing.T) {
	ts := startTestServer(t)
	ctx := testContext(t)

	tests := []struct {
		name string
		call func() error
		code codes.Code
	}{
		{"unknown link", func() error { return ts.client.SetLinkDemand(ctx, "nope", 1) }, codes.NotFound},
		{"flows length", func() error { return ts.client.SetLinkPortFlows(ctx, "a-to-b", []float64{1}) }, codes.InvalidArgument},
		{"port range", func() error { return ts.client.ConnectPort(ctx, "a-to-b", 7, "tank-a") }, codes.InvalidArgument},
		{"unknown node", func() error { return ts.client.ConnectPort(ctx, "a-to-b", 1, "nope") }, codes.NotFound},
		{"negative step", func() error { _, err := ts.client.Step(ctx, -time.Second); return err }, codes.InvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); status.Code(err) != tc.code {
				t.Fatalf("code = %v, want %v (err=%v)", status.Code(err), tc.code, err)
			}
		})
	}

	// Missing fields are rejected before reaching the state.
	bad := &structpb.Struct{Fields: map[string]*structpb.Value{"demand": structpb.NewNumberValue(1)}}
	err := ts.conn.Invoke(ctx, NetworkService_SetLinkDemand_FullMethodName, bad, new(emptypb.Empty))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("SetLinkDemand without link_id code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestNetworkServiceConnectPortChangesTopology(t *testing.T) {
	ts := startTestServer(t)
	ctx := testContext(t)

	// Break the loop: b-to-a now drains tank-b into the spill node.
	if err := ts.client.ConnectPort(ctx, "b-to-a", 1, "spill"); err != nil {
		t.Fatalf("ConnectPort: %v", err)
	}
	link, err := ts.state.GetLink("b-to-a")
	if err != nil {
		t.Fatalf("GetLink: %v", err)
	}
	if diff := cmp.Diff([]string{"tank-b", "spill"}, link.PortNodes); diff != "" {
		t.Fatalf("port nodes mismatch (-want +got):\n%s", diff)
	}

	// Without the loop every link resolves in the first round.
	res, err := ts.client.Step(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	got := res.AsMap()
	if got["rounds"] != 1.0 || got["transported"] != 3.0 {
		t.Fatalf("Step result = %v, want 3 links in 1 round", got)
	}
	if diff := cmp.Diff([]interface{}{0.0, 1.0, 2.0}, got["order"]); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestNetworkServiceStepCycleIsFailedPrecondition(t *testing.T) {
	state := sim.NewNetworkState(nil, logging.Noop())
	for _, id := range []string{"a", "b"} {
		if err := state.AddNode(core.NewFluidNode(id, false, 1, 10)); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
	}
	ab := core.NewConductor("ab", "a", "b")
	ab.SetFlowDemand(1)
	ba := core.NewConductor("ba", "b", "a")
	ba.SetFlowDemand(1)
	for _, l := range []*core.FluidLink{ab, ba} {
		if err := state.AddLink(l); err != nil {
			t.Fatalf("AddLink: %v", err)
		}
	}

	svc := NewNetworkService(state, nil)
	_, err := svc.Step(context.Background(), durationpb.New(100*time.Millisecond))
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("Step code = %v, want FailedPrecondition (err=%v)", status.Code(err), err)
	}
}

func TestNetworkServiceNotConfigured(t *testing.T) {
	var svc *NetworkService
	if _, err := svc.ListNodes(context.Background(), &emptypb.Empty{}); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("nil service code = %v, want FailedPrecondition", status.Code(err))
	}
	svc = NewNetworkService(nil, nil)
	if _, err := svc.GetNode(context.Background(), wrapperspb.String("a")); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("unconfigured service code = %v, want FailedPrecondition", status.Code(err))
	}
}

func TestRequestIDPropagation(t *testing.T) {
	ts := startTestServer(t)
	ctx := logging.ContextWithRequestID(testContext(t), "req-123")

	var header metadata.MD
	if _, err := ts.client.ListLinks(ctx, grpc.Header(&header)); err != nil {
		t.Fatalf("ListLinks: %v", err)
	}
	if got := firstHeader(header, requestIDMetadataKey); got != "req-123" {
		t.Fatalf("response %s = %q, want req-123", requestIDMetadataKey, got)
	}

	header = nil
	if _, err := ts.client.ListLinks(testContext(t), grpc.Header(&header)); err != nil {
		t.Fatalf("ListLinks: %v", err)
	}
	if got := firstHeader(header, requestIDMetadataKey); got == "" {
		t.Fatalf("server did not generate a request id")
	}
}

func TestTracingInterceptorCreatesServerSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	interceptor := TracingUnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: NetworkService_Step_FullMethodName}
	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		_, span := StartChildSpan(ctx, "link/set_demand", "link", "a-to-b")
		span.End()
		return nil, status.Error(codes.NotFound, "missing")
	})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("interceptor error = %v, want NotFound", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	child, server := spans[0], spans[1]
	if server.Name != "NBI/NetworkService/Step" {
		t.Fatalf("server span name = %q, want NBI/NetworkService/Step", server.Name)
	}
	if child.Parent.SpanID() != server.SpanContext.SpanID() {
		t.Fatalf("child span is not parented to the server span")
	}
	if server.Status.Description != "NotFound" {
		t.Fatalf("server span status = %+v, want NotFound error", server.Status)
	}
}
