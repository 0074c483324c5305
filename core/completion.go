package core

// NodeDependencies describes what still stands between a node and
// completion in the current step. Counts are of pending links, each link
// counted once per node under its strongest attachment (inbound, then
// outbound, then passive).
type NodeDependencies struct {
	Node            int
	Capacitive      bool
	PendingInbound  int // pending links delivering into the node
	PendingOutbound int // pending links only reading from the node
	PendingPassive  int // pending links attached with no flow at the node

	// PendingReads counts pending links drawing from the node through at
	// least one port, including links that also deliver into it.
	PendingReads int

	// CycleBreak is set when the scheduler has stalled and asks whether the
	// node may be released early to break a flow loop.
	CycleBreak bool
	// OnCycle is only computed when CycleBreak is set. It reports whether
	// the node waits, through pending links and incomplete nodes, on itself.
	OnCycle bool
}

// CompletionPolicy decides when a node's content is final for the step and
// may be read by outgoing links.
type CompletionPolicy interface {
	NodeComplete(d NodeDependencies) bool
}

// CompletionFunc adapts a function to CompletionPolicy.
type CompletionFunc func(d NodeDependencies) bool

// NodeComplete calls f(d).
func (f CompletionFunc) NodeComplete(d NodeDependencies) bool { return f(d) }

// DefaultCompletionPolicy is the production completion rule.
//
// A capacitive node completes once nothing pending delivers into it. A
// non-capacitive node cannot hold a same-step imbalance, so it additionally
// waits for every pending no-flow attachment and completes only when the
// links left at it are the ones reading from it.
//
// During cycle breaking only capacitive nodes on a loop of pending links are
// released, including a node feeding a link that loops back into it; any
// inbound transport still to come is absorbed into their stored content.
// Nodes merely downstream of a loop keep waiting for it.
type DefaultCompletionPolicy struct{}

// NodeComplete implements CompletionPolicy.
func (DefaultCompletionPolicy) NodeComplete(d NodeDependencies) bool {
	if d.CycleBreak {
		return d.Capacitive && d.OnCycle && d.PendingReads > 0
	}
	if d.PendingInbound > 0 {
		return false
	}
	if !d.Capacitive && d.PendingPassive > 0 {
		return false
	}
	return true
}
