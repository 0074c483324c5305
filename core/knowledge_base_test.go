package core

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestKB(t *testing.T) *KnowledgeBase {
	t.Helper()
	kb := NewKnowledgeBase()
	for _, n := range []*FluidNode{
		NewFluidNode("tank", true, 10, 20),
		NewFluidNode("junction", false, 0, 1),
		NewFluidNode("sink", true, 0, 50),
	} {
		if err := kb.AddNode(n); err != nil {
			t.Fatalf("AddNode(%q) failed: %v", n.ID, err)
		}
	}
	return kb
}

func TestAddNode_Validation(t *testing.T) {
	kb := newTestKB(t)

	tests := []struct {
		name string
		node *FluidNode
		want error
	}{
		{"nil", nil, ErrNodeBadInput},
		{"empty id", NewFluidNode("", true, 0, 1), ErrNodeBadInput},
		{"negative mass", NewFluidNode("a", true, -1, 1), ErrNodeBadInput},
		{"zero capacity", NewFluidNode("a", true, 0, 0), ErrNodeBadInput},
		{"duplicate", NewFluidNode("tank", true, 0, 1), ErrNodeExists},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := kb.AddNode(tc.node); !errors.Is(err, tc.want) {
				t.Fatalf("AddNode() error = %v, want %v", err, tc.want)
			}
		})
	}
	if got := len(kb.GetAllNodes()); got != 3 {
		t.Fatalf("node count = %d, want 3", got)
	}
}

func TestNodeIndexFollowsInsertionOrder(t *testing.T) {
	kb := newTestKB(t)
	for want, id := range []string{"tank", "junction", "sink"} {
		got, ok := kb.NodeIndex(id)
		if !ok || got != want {
			t.Fatalf("NodeIndex(%q) = %d, %v, want %d, true", id, got, ok, want)
		}
	}
	if _, ok := kb.NodeIndex("missing"); ok {
		t.Fatalf("NodeIndex(missing) ok = true")
	}
	if kb.GetNode("missing") != nil {
		t.Fatalf("GetNode(missing) returned a node")
	}
}

func TestAddLink_BindsPorts(t *testing.T) {
	kb := newTestKB(t)
	l := NewConductor("c1", "tank", "sink")
	if err := kb.AddLink(l); err != nil {
		t.Fatalf("AddLink failed: %v", err)
	}
	if diff := cmp.Diff([]int{0, 2}, l.NodeMap()); diff != "" {
		t.Fatalf("NodeMap mismatch (-want +got):\n%s", diff)
	}
	if kb.GetLink("c1") != l {
		t.Fatalf("GetLink(c1) did not return the added link")
	}
}

func TestAddLink_Validation(t *testing.T) {
	kb := newTestKB(t)
	if err := kb.AddLink(NewConductor("c1", "tank", "sink")); err != nil {
		t.Fatalf("AddLink failed: %v", err)
	}
	before := kb.Version()

	tests := []struct {
		name string
		link *FluidLink
		want error
	}{
		{"nil", nil, ErrLinkBadInput},
		{"empty id", NewConductor("", "tank", "sink"), ErrEmptyLinkID},
		{"no ports", NewManifold("m0"), ErrLinkBadInput},
		{"duplicate", NewConductor("c1", "tank", "sink"), ErrLinkExists},
		{"unknown node", NewConductor("c2", "tank", "nowhere"), ErrPortNodeMiss},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := kb.AddLink(tc.link); !errors.Is(err, tc.want) {
				t.Fatalf("AddLink() error = %v, want %v", err, tc.want)
			}
		})
	}
	if kb.Version() != before {
		t.Fatalf("Version changed after rejected links: %d -> %d", before, kb.Version())
	}
	if kb.GetLink("c2") != nil {
		t.Fatalf("rejected link c2 was stored")
	}
}

func TestConnectPort(t *testing.T) {
	kb := newTestKB(t)
	l := NewConductor("c1", "tank", "sink")
	if err := kb.AddLink(l); err != nil {
		t.Fatalf("AddLink failed: %v", err)
	}
	version := kb.Version()

	if err := kb.ConnectPort("c1", 1, "junction"); err != nil {
		t.Fatalf("ConnectPort failed: %v", err)
	}
	if diff := cmp.Diff([]int{0, 1}, l.NodeMap()); diff != "" {
		t.Fatalf("NodeMap mismatch (-want +got):\n%s", diff)
	}
	if l.PortNodes[1] != "junction" {
		t.Fatalf("PortNodes[1] = %q, want junction", l.PortNodes[1])
	}
	if kb.Version() != version {
		t.Fatalf("ConnectPort changed Version")
	}

	tests := []struct {
		name   string
		link   string
		port   int
		nodeID string
		want   error
	}{
		{"empty link", "", 0, "tank", ErrEmptyLinkID},
		{"unknown link", "nope", 0, "tank", ErrLinkNotFound},
		{"negative port", "c1", -1, "tank", ErrPortOutOfRange},
		{"port past end", "c1", 2, "tank", ErrPortOutOfRange},
		{"unknown node", "c1", 0, "nowhere", ErrNodeNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := kb.ConnectPort(tc.link, tc.port, tc.nodeID); !errors.Is(err, tc.want) {
				t.Fatalf("ConnectPort() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSetLinkDemandAndPortFlows(t *testing.T) {
	kb := newTestKB(t)
	c := NewConductor("c1", "tank", "sink")
	m := NewManifold("m1", "tank", "junction", "sink")
	for _, l := range []*FluidLink{c, m} {
		if err := kb.AddLink(l); err != nil {
			t.Fatalf("AddLink(%q) failed: %v", l.ID, err)
		}
	}

	if err := kb.SetLinkDemand("c1", 2.5); err != nil {
		t.Fatalf("SetLinkDemand failed: %v", err)
	}
	if diff := cmp.Diff([]float64{-2.5, 2.5}, c.PortFlows); diff != "" {
		t.Fatalf("conductor PortFlows mismatch (-want +got):\n%s", diff)
	}
	if c.FlowDirectionAtPort(0) != FlowSource || c.FlowDirectionAtPort(1) != FlowSink {
		t.Fatalf("conductor directions = %v, %v, want source, sink", c.FlowDirectionAtPort(0), c.FlowDirectionAtPort(1))
	}

	if err := kb.SetLinkDemand("m1", 1); !errors.Is(err, ErrLinkBadInput) {
		t.Fatalf("SetLinkDemand(manifold) error = %v, want %v", err, ErrLinkBadInput)
	}
	if err := kb.SetLinkDemand("nope", 1); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("SetLinkDemand(nope) error = %v, want %v", err, ErrLinkNotFound)
	}

	if err := kb.SetLinkPortFlows("m1", []float64{-2, 1, 1}); err != nil {
		t.Fatalf("SetLinkPortFlows failed: %v", err)
	}
	if err := kb.SetLinkPortFlows("m1", []float64{-2, 2}); !errors.Is(err, ErrLinkBadInput) {
		t.Fatalf("SetLinkPortFlows(short) error = %v, want %v", err, ErrLinkBadInput)
	}
	if diff := cmp.Diff([]float64{-2, 1, 1}, m.PortFlows); diff != "" {
		t.Fatalf("rejected SetLinkPortFlows changed flows (-want +got):\n%s", diff)
	}
}

func TestTopologyMatchesIndices(t *testing.T) {
	kb := newTestKB(t)
	if err := kb.AddLink(NewFlowSource("in", "tank")); err != nil {
		t.Fatalf("AddLink failed: %v", err)
	}
	if err := kb.AddLink(NewConductor("c1", "tank", "sink")); err != nil {
		t.Fatalf("AddLink failed: %v", err)
	}

	topo := kb.Topology()
	if len(topo.Nodes) != 3 || len(topo.Links) != 2 {
		t.Fatalf("topology sizes = %d nodes, %d links, want 3, 2", len(topo.Nodes), len(topo.Links))
	}
	if diff := cmp.Diff([][]int{{0}, {0, 2}}, topo.LinkNodeMaps); diff != "" {
		t.Fatalf("LinkNodeMaps mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2}, topo.LinkNumPorts); diff != "" {
		t.Fatalf("LinkNumPorts mismatch (-want +got):\n%s", diff)
	}

	// Remaps are visible through the snapshot.
	if err := kb.ConnectPort("c1", 1, "junction"); err != nil {
		t.Fatalf("ConnectPort failed: %v", err)
	}
	if got := topo.LinkNodeMaps[1][1]; got != 1 {
		t.Fatalf("snapshot node map after remap = %d, want 1", got)
	}
}
