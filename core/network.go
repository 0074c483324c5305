package core

// FlowDirection classifies a link port for the current step. It is computed
// by the network solver before transport scheduling begins.
type FlowDirection int

const (
	FlowNone   FlowDirection = iota // no flow through the port this step
	FlowSource                      // link draws content from the port's node
	FlowSink                        // link delivers content into the port's node
)

func (d FlowDirection) String() string {
	switch d {
	case FlowSource:
		return "source"
	case FlowSink:
		return "sink"
	default:
		return "none"
	}
}

// Node is a control volume as seen by the transport scheduler.
type Node interface {
	// IsCapacitive reports whether the node may carry a transient imbalance
	// across a step. Non-capacitive nodes must balance within the step.
	IsCapacitive() bool
	// IsOverflowing reports whether inbound transport during a step of
	// length dt exceeded what the node can absorb. It is a post-condition
	// for callers and is never consulted by the scheduler.
	IsOverflowing(dt float64) bool
}

// Link is a graph edge connecting one or more ports to network nodes.
type Link interface {
	// NodeMap returns the node index bound to each port.
	NodeMap() []int
	NumPorts() int
	FlowDirectionAtPort(port int) FlowDirection
	// Transport moves content between the link's port nodes for a step of
	// length dt. The scheduler calls it exactly once per step.
	Transport(dt float64)
}
