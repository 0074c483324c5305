// internal/sim/state/state.go
package state

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/nodal-network-sim/core"
	"github.com/signalsfoundry/nodal-network-sim/internal/logging"
)

// Re-export network sentinel errors so callers can depend on state.*
// instead of core.* directly if they want to.
var (
	ErrNodeExists     = core.ErrNodeExists
	ErrNodeNotFound   = core.ErrNodeNotFound
	ErrLinkExists     = core.ErrLinkExists
	ErrLinkNotFound   = core.ErrLinkNotFound
	ErrLinkBadInput   = core.ErrLinkBadInput
	ErrPortOutOfRange = core.ErrPortOutOfRange
)

// NetworkState owns one simulated network and serialises access to it.
//
// Step and every mutator take the write lock, so no caller can change flow
// demands, port bindings or node content while a transport pass runs.
// Queries take the read lock and return copies.
type NetworkState struct {
	mu sync.RWMutex

	kb     *core.KnowledgeBase
	engine *core.SimulationEngine

	engineOpts []core.EngineOption
	last       *core.StepResult

	log     logging.Logger
	metrics NetworkMetricsRecorder
}

// NetworkMetricsRecorder receives count updates for the network.
type NetworkMetricsRecorder interface {
	SetNetworkCounts(nodes, links, steps int)
}

// NodeView is a point-in-time copy of a node.
type NodeView struct {
	ID          string
	Index       int
	Capacitive  bool
	Mass        float64
	Capacity    float64
	Influx      float64
	Outflux     float64
	Overflowing bool // overflowed during the last step
}

// LinkView is a point-in-time copy of a link.
type LinkView struct {
	ID        string
	Index     int
	Kind      core.LinkKind
	PortNodes []string
	PortFlows []float64
}

// NetworkSnapshot captures a consistent view of the whole network.
type NetworkSnapshot struct {
	Step    int
	SimTime float64
	Nodes   []NodeView
	Links   []LinkView
}

// NetworkStateOption customises NetworkState construction.
type NetworkStateOption func(*NetworkState)

// WithMetricsRecorder attaches an optional metrics recorder for network counts.
func WithMetricsRecorder(m NetworkMetricsRecorder) NetworkStateOption {
	return func(s *NetworkState) {
		s.metrics = m
	}
}

// WithEngineOptions passes options through to the simulation engine.
func WithEngineOptions(opts ...core.EngineOption) NetworkStateOption {
	return func(s *NetworkState) {
		s.engineOpts = append(s.engineOpts, opts...)
	}
}

// NewNetworkState wraps kb (a fresh one when nil) with an engine and lock.
func NewNetworkState(kb *core.KnowledgeBase, log logging.Logger, opts ...NetworkStateOption) *NetworkState {
	if log == nil {
		log = logging.Noop()
	}
	if kb == nil {
		kb = core.NewKnowledgeBase()
	}
	s := &NetworkState{kb: kb, log: log}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.engine = s.newEngine()
	s.updateMetricsLocked()
	return s
}

func (s *NetworkState) newEngine() *core.SimulationEngine {
	opts := append([]core.EngineOption{core.WithEngineLogger(s.log)}, s.engineOpts...)
	return core.NewSimulationEngine(s.kb, opts...)
}

// KnowledgeBase exposes the underlying KB. Callers must not mutate it while
// the state is shared.
func (s *NetworkState) KnowledgeBase() *core.KnowledgeBase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kb
}

// WithReadLock runs fn under the state's read lock.
func (s *NetworkState) WithReadLock(fn func() error) error {
	if fn == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn()
}

//
// ---------- Mutators ----------
//

// LoadScenarioFile loads a scenario file into the network.
func (s *NetworkState) LoadScenarioFile(ctx context.Context, path string) (*core.NetworkScenario, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, err := core.LoadNetworkScenarioFile(s.kb, path)
	s.updateMetricsLocked()
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "scenario loaded",
		logging.String("path", path),
		logging.String("scenario", sc.Name),
		logging.Int("nodes", len(sc.NodeIDs)),
		logging.Int("links", len(sc.LinkIDs)),
	)
	return sc, nil
}

func (s *NetworkState) AddNode(n *core.FluidNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kb.AddNode(n); err != nil {
		return err
	}
	s.updateMetricsLocked()
	return nil
}

func (s *NetworkState) AddLink(l *core.FluidLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kb.AddLink(l); err != nil {
		return err
	}
	s.updateMetricsLocked()
	return nil
}

func (s *NetworkState) SetLinkDemand(ctx context.Context, linkID string, mdot float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kb.SetLinkDemand(linkID, mdot); err != nil {
		return err
	}
	logging.FromContext(ctx, s.log).Debug(ctx, "link demand set",
		logging.String("link_id", linkID),
		logging.Float64("demand", mdot),
	)
	return nil
}

func (s *NetworkState) SetLinkPortFlows(ctx context.Context, linkID string, flows []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kb.SetLinkPortFlows(linkID, flows); err != nil {
		return err
	}
	logging.FromContext(ctx, s.log).Debug(ctx, "link port flows set",
		logging.String("link_id", linkID),
		logging.Any("port_flows", flows),
	)
	return nil
}

func (s *NetworkState) ConnectPort(ctx context.Context, linkID string, port int, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kb.ConnectPort(linkID, port, nodeID); err != nil {
		return err
	}
	logging.FromContext(ctx, s.log).Debug(ctx, "link port connected",
		logging.String("link_id", linkID),
		logging.Int("port", port),
		logging.String("node_id", nodeID),
	)
	return nil
}

// Step advances the network by dt seconds.
func (s *NetworkState) Step(ctx context.Context, dt float64) (*core.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.engine.Step(ctx, dt)
	if err != nil {
		logging.FromContext(ctx, s.log).Error(ctx, "network step failed",
			logging.Float64("dt", dt),
			logging.Int("step", s.engine.StepCount()+1),
			logging.Err(err),
		)
		return nil, err
	}
	s.last = res
	s.updateMetricsLocked()
	return res, nil
}

// ClearNetwork discards every node and link and restarts the step counter.
func (s *NetworkState) ClearNetwork(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, links := len(s.kb.GetAllNodes()), len(s.kb.GetAllLinks())
	s.kb = core.NewKnowledgeBase()
	s.engine = s.newEngine()
	s.last = nil
	s.updateMetricsLocked()

	logging.FromContext(ctx, s.log).Info(ctx, "network cleared",
		logging.Int("nodes", nodes),
		logging.Int("links", links),
	)
}

//
// ---------- Queries ----------
//

func (s *NetworkState) GetNode(id string) (NodeView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.kb.GetNode(id)
	if n == nil {
		return NodeView{}, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	idx, _ := s.kb.NodeIndex(id)
	return s.nodeViewLocked(n, idx, s.overflowingLocked()), nil
}

func (s *NetworkState) ListNodes() []NodeView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeViewsLocked()
}

func (s *NetworkState) GetLink(id string) (LinkView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i, l := range s.kb.GetAllLinks() {
		if l.ID == id {
			return linkView(l, i), nil
		}
	}
	return LinkView{}, fmt.Errorf("%w: %q", ErrLinkNotFound, id)
}

func (s *NetworkState) ListLinks() []LinkView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.linkViewsLocked()
}

// LastStep returns the most recent successful step result, or nil.
func (s *NetworkState) LastStep() *core.StepResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	res := *s.last
	res.Overflowing = append([]string(nil), s.last.Overflowing...)
	return &res
}

// Snapshot captures nodes, links and the step counters under one read lock.
func (s *NetworkState) Snapshot() *NetworkSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &NetworkSnapshot{
		Step:    s.engine.StepCount(),
		SimTime: s.engine.SimTime(),
		Nodes:   s.nodeViewsLocked(),
		Links:   s.linkViewsLocked(),
	}
}

func (s *NetworkState) overflowingLocked() map[string]bool {
	out := make(map[string]bool)
	if s.last != nil {
		for _, id := range s.last.Overflowing {
			out[id] = true
		}
	}
	return out
}

func (s *NetworkState) nodeViewsLocked() []NodeView {
	overflowing := s.overflowingLocked()
	nodes := s.kb.GetAllNodes()
	out := make([]NodeView, len(nodes))
	for i, n := range nodes {
		out[i] = s.nodeViewLocked(n, i, overflowing)
	}
	return out
}

func (s *NetworkState) nodeViewLocked(n *core.FluidNode, idx int, overflowing map[string]bool) NodeView {
	return NodeView{
		ID:          n.ID,
		Index:       idx,
		Capacitive:  n.Capacitive,
		Mass:        n.Mass,
		Capacity:    n.Capacity,
		Influx:      n.Influx,
		Outflux:     n.Outflux,
		Overflowing: overflowing[n.ID],
	}
}

func (s *NetworkState) linkViewsLocked() []LinkView {
	links := s.kb.GetAllLinks()
	out := make([]LinkView, len(links))
	for i, l := range links {
		out[i] = linkView(l, i)
	}
	return out
}

func linkView(l *core.FluidLink, idx int) LinkView {
	return LinkView{
		ID:        l.ID,
		Index:     idx,
		Kind:      l.Kind,
		PortNodes: append([]string(nil), l.PortNodes...),
		PortFlows: append([]float64(nil), l.PortFlows...),
	}
}

// OverflowingNodes returns the sorted IDs of nodes that overflowed during
// the last step.
func (s *NetworkState) OverflowingNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for id := range s.overflowingLocked() {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *NetworkState) updateMetricsLocked() {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.SetNetworkCounts(len(s.kb.GetAllNodes()), len(s.kb.GetAllLinks()), s.engine.StepCount())
}
