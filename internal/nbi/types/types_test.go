package types

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/signalsfoundry/nodal-network-sim/core"
	sim "github.com/signalsfoundry/nodal-network-sim/internal/sim/state"
	"google.golang.org/protobuf/types/known/structpb"
)

func mustStruct(t *testing.T, m map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("structpb.NewStruct: %v", err)
	}
	return s
}

func TestNodeToStruct(t *testing.T) {
	got := NodeToStruct(sim.NodeView{
		ID: "tank", Index: 2, Capacitive: true, Mass: 1.5, Capacity: 3, Influx: 0.5, Overflowing: true,
	}).AsMap()
	want := map[string]interface{}{
		"id": "tank", "index": 2.0, "capacitive": true, "mass": 1.5, "capacity": 3.0,
		"influx": 0.5, "outflux": 0.0, "overflowing": true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("NodeToStruct mismatch (-want +got):\n%s", diff)
	}
}

func TestLinkAndStepToStruct(t *testing.T) {
	link := LinkToStruct(sim.LinkView{
		ID: "c1", Index: 0, Kind: core.LinkKindConductor,
		PortNodes: []string{"a", "b"}, PortFlows: []float64{-1, 1},
	}).AsMap()
	wantLink := map[string]interface{}{
		"id": "c1", "index": 0.0, "kind": "conductor",
		"port_nodes": []interface{}{"a", "b"},
		"port_flows": []interface{}{-1.0, 1.0},
	}
	if diff := cmp.Diff(wantLink, link); diff != "" {
		t.Fatalf("LinkToStruct mismatch (-want +got):\n%s", diff)
	}

	step := StepResultToStruct(&core.StepResult{
		Step: 3, SimTime: 0.3, Dt: 0.1,
		Report:      core.StepReport{Rounds: 2, Transported: 5, Order: []int{3, 4, 0, 1, 2}, RelaxedNodes: []int{0}},
		Overflowing: []string{"n2"},
	}).AsMap()
	if step["rounds"] != 2.0 || step["step"] != 3.0 {
		t.Fatalf("step struct = %v, want rounds 2 step 3", step)
	}
	if diff := cmp.Diff([]interface{}{3.0, 4.0, 0.0, 1.0, 2.0}, step["order"]); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]interface{}{"n2"}, step["overflowing"]); diff != "" {
		t.Fatalf("overflowing mismatch (-want +got):\n%s", diff)
	}

	if got := StepResultToStruct(nil); len(got.GetFields()) != 0 {
		t.Fatalf("StepResultToStruct(nil) = %v, want empty", got)
	}
}

func TestLinkDemandFromStruct(t *testing.T) {
	req, err := LinkDemandFromStruct(mustStruct(t, map[string]interface{}{"link_id": "c1", "demand": 2.5}))
	if err != nil {
		t.Fatalf("LinkDemandFromStruct(demand): %v", err)
	}
	if req.LinkID != "c1" || req.Demand == nil || *req.Demand != 2.5 || req.PortFlows != nil {
		t.Fatalf("demand request = %+v", req)
	}

	req, err = LinkDemandFromStruct(mustStruct(t, map[string]interface{}{
		"link_id": "m1", "port_flows": []interface{}{-2, 1, 1},
	}))
	if err != nil {
		t.Fatalf("LinkDemandFromStruct(port_flows): %v", err)
	}
	if diff := cmp.Diff([]float64{-2, 1, 1}, req.PortFlows); diff != "" || req.Demand != nil {
		t.Fatalf("port flows mismatch (-want +got):\n%s", diff)
	}

	bad := []map[string]interface{}{
		{"demand": 1},
		{"link_id": "", "demand": 1},
		{"link_id": 7, "demand": 1},
		{"link_id": "c1"},
		{"link_id": "c1", "demand": "fast"},
		{"link_id": "c1", "demand": 1, "port_flows": []interface{}{1}},
		{"link_id": "c1", "port_flows": "nope"},
		{"link_id": "c1", "port_flows": []interface{}{1, "x"}},
	}
	for _, m := range bad {
		if _, err := LinkDemandFromStruct(mustStruct(t, m)); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("LinkDemandFromStruct(%v) error = %v, want %v", m, err, ErrInvalidRequest)
		}
	}
	if _, err := LinkDemandFromStruct(nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("LinkDemandFromStruct(nil) error = %v, want %v", err, ErrInvalidRequest)
	}
	inf := &structpb.Struct{Fields: map[string]*structpb.Value{
		"link_id": structpb.NewStringValue("c1"),
		"demand":  structpb.NewNumberValue(math.Inf(1)),
	}}
	if _, err := LinkDemandFromStruct(inf); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("LinkDemandFromStruct(inf) error = %v, want %v", err, ErrInvalidRequest)
	}
}

func TestConnectPortFromStruct(t *testing.T) {
	req, err := ConnectPortFromStruct(mustStruct(t, map[string]interface{}{
		"link_id": "c1", "port": 1, "node_id": "tank",
	}))
	if err != nil {
		t.Fatalf("ConnectPortFromStruct: %v", err)
	}
	if diff := cmp.Diff(&ConnectPortRequest{LinkID: "c1", Port: 1, NodeID: "tank"}, req); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}

	bad := []map[string]interface{}{
		{"port": 1, "node_id": "tank"},
		{"link_id": "c1", "port": 1},
		{"link_id": "c1", "node_id": "tank"},
		{"link_id": "c1", "port": 1.5, "node_id": "tank"},
		{"link_id": "c1", "port": -1, "node_id": "tank"},
		{"link_id": "c1", "port": "0", "node_id": "tank"},
	}
	for _, m := range bad {
		if _, err := ConnectPortFromStruct(mustStruct(t, m)); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("ConnectPortFromStruct(%v) error = %v, want %v", m, err, ErrInvalidRequest)
		}
	}
}
