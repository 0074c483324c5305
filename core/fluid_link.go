package core

// LinkKind names the reference link models.
type LinkKind string

const (
	LinkKindConductor LinkKind = "conductor"
	LinkKindSource    LinkKind = "source"
	LinkKindManifold  LinkKind = "manifold"
)

// FluidLink moves bulk mass between its port nodes at prescribed per-port
// rates. A negative rate draws from the port's node (FlowSource), a positive
// rate delivers into it (FlowSink).
//
// The rates stand in for the network solver's output; FluidLink performs no
// conductance linearisation of its own.
type FluidLink struct {
	ID        string   `json:"ID"`
	Kind      LinkKind `json:"Kind"`
	PortNodes []string `json:"PortNodes"`

	// PortFlows holds the signed rate per port in kg/s.
	PortFlows []float64 `json:"PortFlows"`

	nodeMap []int
	nodes   []*FluidNode
}

// NewConductor builds a two-port link from node `from` (port 0) to node `to`
// (port 1). Positive demand moves mass from port 0 to port 1.
func NewConductor(id, from, to string) *FluidLink {
	return newFluidLink(id, LinkKindConductor, from, to)
}

// NewFlowSource builds a one-port boundary link. Positive demand injects
// mass into the node, negative demand extracts it.
func NewFlowSource(id, node string) *FluidLink {
	return newFluidLink(id, LinkKindSource, node)
}

// NewManifold builds an N-port link whose rates are set with SetPortFlows.
func NewManifold(id string, ports ...string) *FluidLink {
	return newFluidLink(id, LinkKindManifold, ports...)
}

func newFluidLink(id string, kind LinkKind, ports ...string) *FluidLink {
	l := &FluidLink{
		ID:        id,
		Kind:      kind,
		PortNodes: append([]string(nil), ports...),
		PortFlows: make([]float64, len(ports)),
		nodeMap:   make([]int, len(ports)),
		nodes:     make([]*FluidNode, len(ports)),
	}
	for i := range l.nodeMap {
		l.nodeMap[i] = -1
	}
	return l
}

// SetFlowDemand sets the link's mass flow rate in kg/s.
//
// For a conductor the rate runs from port 0 to port 1; for a flow source it
// is the rate delivered into the node. Manifolds ignore it.
func (l *FluidLink) SetFlowDemand(mdot float64) {
	switch l.Kind {
	case LinkKindConductor:
		l.PortFlows[0] = -mdot
		l.PortFlows[1] = mdot
	case LinkKindSource:
		l.PortFlows[0] = mdot
	}
}

// FlowDemand returns the rate last set by SetFlowDemand.
func (l *FluidLink) FlowDemand() float64 {
	switch l.Kind {
	case LinkKindConductor:
		return l.PortFlows[1]
	case LinkKindSource:
		return l.PortFlows[0]
	default:
		return 0
	}
}

// SetPortFlows replaces all per-port rates. It returns false and leaves the
// link unchanged when the length does not match the port count.
func (l *FluidLink) SetPortFlows(flows []float64) bool {
	if len(flows) != len(l.PortFlows) {
		return false
	}
	copy(l.PortFlows, flows)
	return true
}

// bindPort attaches a port to a node handle and its network index.
func (l *FluidLink) bindPort(port, index int, id string, node *FluidNode) {
	l.PortNodes[port] = id
	l.nodeMap[port] = index
	l.nodes[port] = node
}

func (l *FluidLink) NodeMap() []int { return l.nodeMap }

func (l *FluidLink) NumPorts() int { return len(l.PortNodes) }

func (l *FluidLink) FlowDirectionAtPort(port int) FlowDirection {
	if port < 0 || port >= len(l.PortFlows) {
		return FlowNone
	}
	switch f := l.PortFlows[port]; {
	case f < 0:
		return FlowSource
	case f > 0:
		return FlowSink
	default:
		return FlowNone
	}
}

// Transport withdraws from every source port first, then shares what was
// actually withdrawn among the sink ports in proportion to their rates.
// Ports without a bound node are skipped.
func (l *FluidLink) Transport(dt float64) {
	if dt <= 0 {
		return
	}

	var requested, withdrawn float64
	for port, f := range l.PortFlows {
		if f >= 0 || l.nodes[port] == nil {
			continue
		}
		want := -f * dt
		requested += want
		withdrawn += l.nodes[port].Withdraw(want, dt)
	}

	scale := 1.0
	if requested > 0 {
		scale = withdrawn / requested
	}
	for port, f := range l.PortFlows {
		if f <= 0 || l.nodes[port] == nil {
			continue
		}
		l.nodes[port].Deposit(f*dt*scale, dt)
	}
}
