package core

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNodeExists     = errors.New("node already exists")
	ErrNodeNotFound   = errors.New("node not found")
	ErrNodeBadInput   = errors.New("invalid node")
	ErrLinkExists     = errors.New("link already exists")
	ErrLinkNotFound   = errors.New("link not found")
	ErrLinkBadInput   = errors.New("invalid link")
	ErrEmptyLinkID    = errors.New("empty link ID")
	ErrPortNodeMiss   = errors.New("link port references unknown node")
	ErrPortOutOfRange = errors.New("link port out of range")
)

// KnowledgeBase stores the nodes and links of one network. Nodes and links
// are indexed in insertion order; those indices are what the transport
// scheduler works with.
//
// All access goes through the methods, which are safe for concurrent use.
// Link transport itself mutates node mass without the lock, so stepping
// must be serialised by the owner (see internal/sim/state).
type KnowledgeBase struct {
	mu sync.RWMutex

	nodes     []*FluidNode
	nodeIndex map[string]int
	links     []*FluidLink
	linkIndex map[string]int

	// version is bumped whenever nodes or links are added, so an engine
	// knows to re-assemble its scheduler.
	version uint64
}

// NewKnowledgeBase creates an empty network knowledge base.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		nodeIndex: make(map[string]int),
		linkIndex: make(map[string]int),
	}
}

//
// ---------- Nodes ----------
//

func (kb *KnowledgeBase) AddNode(n *FluidNode) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("%w: nil or empty node", ErrNodeBadInput)
	}
	if n.Mass < 0 || n.Capacity <= 0 {
		return fmt.Errorf("%w: %q has mass %g and capacity %g", ErrNodeBadInput, n.ID, n.Mass, n.Capacity)
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, exists := kb.nodeIndex[n.ID]; exists {
		return fmt.Errorf("%w: %q", ErrNodeExists, n.ID)
	}
	kb.nodeIndex[n.ID] = len(kb.nodes)
	kb.nodes = append(kb.nodes, n)
	kb.version++
	return nil
}

// GetNode returns a node by ID, or nil if not found.
func (kb *KnowledgeBase) GetNode(id string) *FluidNode {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	if i, ok := kb.nodeIndex[id]; ok {
		return kb.nodes[i]
	}
	return nil
}

// NodeIndex returns the scheduler index of a node.
func (kb *KnowledgeBase) NodeIndex(id string) (int, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	i, ok := kb.nodeIndex[id]
	return i, ok
}

// GetAllNodes returns all nodes in index order.
func (kb *KnowledgeBase) GetAllNodes() []*FluidNode {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return append([]*FluidNode(nil), kb.nodes...)
}

//
// ---------- Links ----------
//

// AddLink inserts a link and binds each of its ports to the node named in
// PortNodes.
func (kb *KnowledgeBase) AddLink(link *FluidLink) error {
	if link == nil {
		return fmt.Errorf("%w", ErrLinkBadInput)
	}
	if link.ID == "" {
		return fmt.Errorf("%w", ErrEmptyLinkID)
	}
	if link.NumPorts() == 0 || len(link.PortFlows) != link.NumPorts() {
		return fmt.Errorf("%w: %q has %d ports and %d port flows", ErrLinkBadInput, link.ID, link.NumPorts(), len(link.PortFlows))
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, exists := kb.linkIndex[link.ID]; exists {
		return fmt.Errorf("%w: %q", ErrLinkExists, link.ID)
	}
	for port, nodeID := range link.PortNodes {
		if _, ok := kb.nodeIndex[nodeID]; !ok {
			return fmt.Errorf("%w: link %q port %d -> %q", ErrPortNodeMiss, link.ID, port, nodeID)
		}
	}
	for port, nodeID := range link.PortNodes {
		idx := kb.nodeIndex[nodeID]
		link.bindPort(port, idx, nodeID, kb.nodes[idx])
	}

	kb.linkIndex[link.ID] = len(kb.links)
	kb.links = append(kb.links, link)
	kb.version++
	return nil
}

// GetLink returns a link by ID, or nil if not found.
func (kb *KnowledgeBase) GetLink(id string) *FluidLink {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	if i, ok := kb.linkIndex[id]; ok {
		return kb.links[i]
	}
	return nil
}

// GetAllLinks returns all links in index order.
func (kb *KnowledgeBase) GetAllLinks() []*FluidLink {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return append([]*FluidLink(nil), kb.links...)
}

// ConnectPort remaps one port of a link to a different node. It must only
// be called between steps.
func (kb *KnowledgeBase) ConnectPort(linkID string, port int, nodeID string) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	link, err := kb.linkLocked(linkID)
	if err != nil {
		return err
	}
	if port < 0 || port >= link.NumPorts() {
		return fmt.Errorf("%w: link %q has %d ports, got %d", ErrPortOutOfRange, linkID, link.NumPorts(), port)
	}
	idx, ok := kb.nodeIndex[nodeID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, nodeID)
	}
	link.bindPort(port, idx, nodeID, kb.nodes[idx])
	return nil
}

// SetLinkDemand sets the flow demand of a conductor or flow source link.
func (kb *KnowledgeBase) SetLinkDemand(linkID string, mdot float64) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	link, err := kb.linkLocked(linkID)
	if err != nil {
		return err
	}
	if link.Kind == LinkKindManifold {
		return fmt.Errorf("%w: %q is a manifold; set port flows instead", ErrLinkBadInput, linkID)
	}
	link.SetFlowDemand(mdot)
	return nil
}

// SetLinkPortFlows replaces every per-port rate of a link.
func (kb *KnowledgeBase) SetLinkPortFlows(linkID string, flows []float64) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	link, err := kb.linkLocked(linkID)
	if err != nil {
		return err
	}
	if !link.SetPortFlows(flows) {
		return fmt.Errorf("%w: %q has %d ports, got %d flows", ErrLinkBadInput, linkID, link.NumPorts(), len(flows))
	}
	return nil
}

func (kb *KnowledgeBase) linkLocked(id string) (*FluidLink, error) {
	if id == "" {
		return nil, fmt.Errorf("%w", ErrEmptyLinkID)
	}
	i, ok := kb.linkIndex[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrLinkNotFound, id)
	}
	return kb.links[i], nil
}

// Version changes whenever nodes or links are added.
func (kb *KnowledgeBase) Version() uint64 {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.version
}

// Topology is the parallel-array view of a network consumed by
// FlowTransportScheduler.Initialize.
type Topology struct {
	Links        []Link
	Nodes        []Node
	LinkNodeMaps [][]int
	LinkNumPorts []int
}

// Topology snapshots the current network as scheduler arrays. Node maps are
// shared with the links, so later port remaps remain visible.
func (kb *KnowledgeBase) Topology() Topology {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	t := Topology{
		Links:        make([]Link, len(kb.links)),
		Nodes:        make([]Node, len(kb.nodes)),
		LinkNodeMaps: make([][]int, len(kb.links)),
		LinkNumPorts: make([]int, len(kb.links)),
	}
	for i, l := range kb.links {
		t.Links[i] = l
		t.LinkNodeMaps[i] = l.NodeMap()
		t.LinkNumPorts[i] = l.NumPorts()
	}
	for i, n := range kb.nodes {
		t.Nodes[i] = n
	}
	return t
}
