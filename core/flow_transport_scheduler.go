package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/nodal-network-sim/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/nodal-network-sim/core"

var (
	// ErrSchedulerConfig reports an invalid topology binding. It is fatal
	// for the network instance.
	ErrSchedulerConfig = errors.New("flow transport scheduler configuration error")
	// ErrInvalidTimeStep reports a negative or NaN step length.
	ErrInvalidTimeStep = errors.New("invalid time step")
	// ErrUnresolvableCycle reports that no transport order satisfying the
	// source-before-read rule was found within the round bound.
	ErrUnresolvableCycle = errors.New("unresolvable flow cycle")
)

// NodeState is the per-step completion state of a node.
type NodeState int

const (
	// NodeIncomplete nodes may still receive inbound transport this step.
	NodeIncomplete NodeState = iota
	// NodeComplete nodes hold final content and may be read.
	NodeComplete
)

// String returns "complete" or "incomplete".
func (s NodeState) String() string {
	if s == NodeComplete {
		return "complete"
	}
	return "incomplete"
}

// CycleError is returned by Update when links remain pending after the
// scheduler stopped making progress.
type CycleError struct {
	Scheduler       string
	Rounds          int
	PendingLinks    []int
	IncompleteNodes []int
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s after %d rounds: %d links pending %v, incomplete nodes %v",
		ErrUnresolvableCycle, e.Scheduler, e.Rounds, len(e.PendingLinks), e.PendingLinks, e.IncompleteNodes)
}

// Unwrap returns ErrUnresolvableCycle.
func (e *CycleError) Unwrap() error { return ErrUnresolvableCycle }

// StepReport summarises the last Update.
type StepReport struct {
	Rounds       int
	Transported  int
	Order        []int // link indices in transport order
	RelaxedNodes []int // capacitive nodes released to break a cycle
}

// TransportMetricsRecorder receives one observation per Update.
type TransportMetricsRecorder interface {
	ObserveTransportPass(rounds, relaxations, transported int, elapsed time.Duration, err error)
}

// SchedulerOption customises a FlowTransportScheduler.
type SchedulerOption func(*FlowTransportScheduler)

// WithCompletionPolicy replaces the node completion predicate.
func WithCompletionPolicy(p CompletionPolicy) SchedulerOption {
	return func(s *FlowTransportScheduler) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithSchedulerLogger attaches a logger for round-level debug output.
func WithSchedulerLogger(l logging.Logger) SchedulerOption {
	return func(s *FlowTransportScheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithSchedulerMetrics attaches a recorder for per-step observations.
func WithSchedulerMetrics(m TransportMetricsRecorder) SchedulerOption {
	return func(s *FlowTransportScheduler) {
		s.metrics = m
	}
}

// WithSchedulerTracerProvider overrides the global OpenTelemetry provider.
func WithSchedulerTracerProvider(tp trace.TracerProvider) SchedulerOption {
	return func(s *FlowTransportScheduler) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// touch records how one pending link depends on one node.
type touch struct {
	node  int
	class touchClass
	reads bool // some port of the link draws from the node
}

type touchClass int

const (
	touchPassive  touchClass = iota // attached only through no-flow ports
	touchOutbound                   // link reads from the node
	touchInbound                    // link delivers into the node
)

// FlowTransportScheduler orders the transport calls of a network's links so
// that a node's content is never read by an outgoing link before all of its
// inbound transports for the step have been applied.
//
// Dependencies are resolved by bounded relaxation rounds rather than a static
// topological sort, because flow loops between nodes are legal. When a round
// cannot move any link, one capacitive node on the loop is released: its
// stored content is read as-is and the late inbound transport is absorbed
// into its state. Loops made only of non-capacitive nodes cannot be released
// and fail the step with a *CycleError.
//
// The scheduler is single-threaded; callers must not mutate link flows or
// node content while Update runs.
type FlowTransportScheduler struct {
	name     string
	numLinks int
	numNodes int

	links    []Link
	nodes    []Node
	nodeMaps [][]int
	numPorts []int

	linkDone           []bool
	nodeStates         []NodeState
	numIncompleteLinks int

	// Per-step dependency bookkeeping.
	dirs     [][]FlowDirection
	touches  [][]touch
	inbound  []int
	outbound []int
	passive  []int
	reads    []int

	// Scratch space for cycle membership searches.
	seen  []bool
	stack []int

	initialized bool
	last        StepReport

	policy  CompletionPolicy
	log     logging.Logger
	metrics TransportMetricsRecorder
	tracer  trace.Tracer
}

// NewFlowTransportScheduler sizes a scheduler for a network. Counts are
// validated by Initialize.
func NewFlowTransportScheduler(numLinks, numNodes int, opts ...SchedulerOption) *FlowTransportScheduler {
	s := &FlowTransportScheduler{
		numLinks: numLinks,
		numNodes: numNodes,
		policy:   DefaultCompletionPolicy{},
		log:      logging.Noop(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize binds the network topology. linkNodeMaps[i] maps each port of
// links[i] to a node index and linkNumPorts[i] is its port count.
func (s *FlowTransportScheduler) Initialize(name string, links []Link, nodes []Node, linkNodeMaps [][]int, linkNumPorts []int) error {
	if s.initialized {
		return fmt.Errorf("%w: %s: already initialized", ErrSchedulerConfig, name)
	}
	if s.numLinks <= 0 || s.numNodes <= 0 {
		return fmt.Errorf("%w: %s: non-positive size (links=%d, nodes=%d)", ErrSchedulerConfig, name, s.numLinks, s.numNodes)
	}
	if links == nil || nodes == nil || linkNodeMaps == nil || linkNumPorts == nil {
		return fmt.Errorf("%w: %s: nil topology array", ErrSchedulerConfig, name)
	}
	if len(links) != s.numLinks || len(linkNodeMaps) != s.numLinks || len(linkNumPorts) != s.numLinks {
		return fmt.Errorf("%w: %s: link arrays do not match %d links (links=%d, maps=%d, ports=%d)",
			ErrSchedulerConfig, name, s.numLinks, len(links), len(linkNodeMaps), len(linkNumPorts))
	}
	if len(nodes) != s.numNodes {
		return fmt.Errorf("%w: %s: node array has %d entries, want %d", ErrSchedulerConfig, name, len(nodes), s.numNodes)
	}
	for i, n := range nodes {
		if n == nil {
			return fmt.Errorf("%w: %s: node %d is nil", ErrSchedulerConfig, name, i)
		}
	}
	for i, l := range links {
		if l == nil {
			return fmt.Errorf("%w: %s: link %d is nil", ErrSchedulerConfig, name, i)
		}
		if err := s.checkNodeMap(i, linkNodeMaps[i], linkNumPorts[i]); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrSchedulerConfig, name, err)
		}
	}

	s.name = name
	s.links = links
	s.nodes = nodes
	s.nodeMaps = linkNodeMaps
	s.numPorts = linkNumPorts

	s.linkDone = make([]bool, s.numLinks)
	s.nodeStates = make([]NodeState, s.numNodes)
	s.numIncompleteLinks = s.numLinks
	s.dirs = make([][]FlowDirection, s.numLinks)
	s.touches = make([][]touch, s.numLinks)
	s.inbound = make([]int, s.numNodes)
	s.outbound = make([]int, s.numNodes)
	s.passive = make([]int, s.numNodes)
	s.reads = make([]int, s.numNodes)
	s.seen = make([]bool, s.numNodes)
	s.initialized = true
	return nil
}

func (s *FlowTransportScheduler) checkNodeMap(link int, nodeMap []int, numPorts int) error {
	if numPorts < 1 {
		return fmt.Errorf("link %d has %d ports", link, numPorts)
	}
	if len(nodeMap) < numPorts {
		return fmt.Errorf("link %d node map has %d entries for %d ports", link, len(nodeMap), numPorts)
	}
	for port := 0; port < numPorts; port++ {
		if idx := nodeMap[port]; idx < 0 || idx >= s.numNodes {
			return fmt.Errorf("link %d port %d maps to node %d outside [0, %d)", link, port, idx, s.numNodes)
		}
	}
	return nil
}

// Update transports every link exactly once for a step of length dt, in an
// order that respects the source-before-read rule.
func (s *FlowTransportScheduler) Update(ctx context.Context, dt float64) (err error) {
	if !s.initialized {
		return fmt.Errorf("%w: %s: update before initialize", ErrSchedulerConfig, s.name)
	}
	if dt < 0 || math.IsNaN(dt) {
		return fmt.Errorf("%w: %g", ErrInvalidTimeStep, dt)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := s.tracer.Start(ctx, "FlowTransportScheduler.Update", trace.WithAttributes(
		attribute.String("scheduler.name", s.name),
		attribute.Float64("scheduler.dt", dt),
		attribute.Int("scheduler.links", s.numLinks),
		attribute.Int("scheduler.nodes", s.numNodes),
	))
	start := time.Now()
	defer func() {
		span.SetAttributes(
			attribute.Int("scheduler.rounds", s.last.Rounds),
			attribute.Int("scheduler.transported", s.last.Transported),
			attribute.Int("scheduler.relaxed_nodes", len(s.last.RelaxedNodes)),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if s.metrics != nil {
			s.metrics.ObserveTransportPass(s.last.Rounds, len(s.last.RelaxedNodes), s.last.Transported, time.Since(start), err)
		}
	}()

	if err := s.reset(); err != nil {
		return err
	}

	// Round 1 may move nothing when every link sits on a loop; each later
	// round either transports a link or fails, so numLinks+1 rounds suffice.
	for round := 1; s.numIncompleteLinks > 0; round++ {
		if round > s.numLinks+1 {
			return s.cycleError(ctx, round-1)
		}
		s.last.Rounds = round
		if round > 1 && !s.relax() {
			return s.cycleError(ctx, round)
		}
		moved := s.sweep(dt)
		s.log.Debug(ctx, "transport round",
			logging.String("scheduler", s.name),
			logging.Int("round", round),
			logging.Int("transported", moved),
			logging.Int("pending", s.numIncompleteLinks),
		)
	}

	for n := range s.nodeStates {
		s.nodeStates[n] = NodeComplete
	}
	return nil
}

// reset returns all completion state to its start-of-step values and reads
// the flow directions fixed by the solver for this step.
func (s *FlowTransportScheduler) reset() error {
	s.last = StepReport{Order: s.last.Order[:0], RelaxedNodes: s.last.RelaxedNodes[:0]}
	s.numIncompleteLinks = s.numLinks
	for i := range s.linkDone {
		s.linkDone[i] = false
	}
	for n := range s.nodeStates {
		s.nodeStates[n] = NodeIncomplete
		s.inbound[n] = 0
		s.outbound[n] = 0
		s.passive[n] = 0
		s.reads[n] = 0
	}

	for i, l := range s.links {
		// Ports may have been remapped since the previous step.
		if m := l.NodeMap(); m != nil {
			s.nodeMaps[i] = m
		}
		if err := s.checkNodeMap(i, s.nodeMaps[i], s.numPorts[i]); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrSchedulerConfig, s.name, err)
		}

		np := s.numPorts[i]
		dirs := s.dirs[i][:0]
		touches := s.touches[i][:0]
		for port := 0; port < np; port++ {
			dir := l.FlowDirectionAtPort(port)
			dirs = append(dirs, dir)
			touches = mergeTouch(touches, s.nodeMaps[i][port], classOf(dir))
		}
		s.dirs[i] = dirs
		s.touches[i] = touches
		for _, t := range touches {
			s.count(t, 1)
		}
	}

	for n := range s.nodeStates {
		s.evaluateNode(n)
	}
	return nil
}

func classOf(dir FlowDirection) touchClass {
	switch dir {
	case FlowSink:
		return touchInbound
	case FlowSource:
		return touchOutbound
	default:
		return touchPassive
	}
}

// mergeTouch keeps one entry per node, with inbound taking precedence over
// outbound and outbound over passive.
func mergeTouch(touches []touch, node int, class touchClass) []touch {
	reads := class == touchOutbound
	for i := range touches {
		if touches[i].node == node {
			if class > touches[i].class {
				touches[i].class = class
			}
			touches[i].reads = touches[i].reads || reads
			return touches
		}
	}
	return append(touches, touch{node: node, class: class, reads: reads})
}

func (s *FlowTransportScheduler) count(t touch, delta int) {
	if t.reads {
		s.reads[t.node] += delta
	}
	switch t.class {
	case touchInbound:
		s.inbound[t.node] += delta
	case touchOutbound:
		s.outbound[t.node] += delta
	default:
		s.passive[t.node] += delta
	}
}

func (s *FlowTransportScheduler) dependencies(n int, cycleBreak bool) NodeDependencies {
	d := NodeDependencies{
		Node:            n,
		Capacitive:      s.nodes[n].IsCapacitive(),
		PendingInbound:  s.inbound[n],
		PendingOutbound: s.outbound[n],
		PendingPassive:  s.passive[n],
		PendingReads:    s.reads[n],
		CycleBreak:      cycleBreak,
	}
	if cycleBreak {
		d.OnCycle = s.onCycle(n)
	}
	return d
}

// onCycle reports whether node start waits on itself. A node waits on the
// incomplete source nodes of every pending link delivering into it; a
// non-capacitive node also waits on pending links attached with no flow.
func (s *FlowTransportScheduler) onCycle(start int) bool {
	for n := range s.seen {
		s.seen[n] = false
	}
	s.stack = s.appendWaits(s.stack[:0], start)
	for len(s.stack) > 0 {
		n := s.stack[len(s.stack)-1]
		s.stack = s.stack[:len(s.stack)-1]
		if n == start {
			return true
		}
		if s.seen[n] {
			continue
		}
		s.seen[n] = true
		s.stack = s.appendWaits(s.stack, n)
	}
	return false
}

// appendWaits appends the incomplete nodes that node n waits on.
func (s *FlowTransportScheduler) appendWaits(dst []int, n int) []int {
	capacitive := s.nodes[n].IsCapacitive()
	for i := range s.links {
		if s.linkDone[i] || !s.blocks(i, n, capacitive) {
			continue
		}
		for port, dir := range s.dirs[i] {
			if src := s.nodeMaps[i][port]; dir == FlowSource && s.nodeStates[src] != NodeComplete {
				dst = append(dst, src)
			}
		}
	}
	return dst
}

func (s *FlowTransportScheduler) blocks(i, n int, capacitive bool) bool {
	for _, t := range s.touches[i] {
		if t.node != n {
			continue
		}
		return t.class == touchInbound || (t.class == touchPassive && !capacitive)
	}
	return false
}

func (s *FlowTransportScheduler) evaluateNode(n int) {
	if s.nodeStates[n] == NodeComplete {
		return
	}
	if s.policy.NodeComplete(s.dependencies(n, false)) {
		s.nodeStates[n] = NodeComplete
	}
}

// ready reports whether every source port of a pending link maps to a
// complete node.
func (s *FlowTransportScheduler) ready(i int) bool {
	for port, dir := range s.dirs[i] {
		if dir == FlowSource && s.nodeStates[s.nodeMaps[i][port]] != NodeComplete {
			return false
		}
	}
	return true
}

// sweep transports ready links until a full pass over the pending links
// moves nothing, and returns the number transported.
func (s *FlowTransportScheduler) sweep(dt float64) int {
	total := 0
	for {
		moved := 0
		for i := range s.links {
			if s.linkDone[i] || !s.ready(i) {
				continue
			}
			s.transport(i, dt)
			moved++
		}
		total += moved
		if moved == 0 || s.numIncompleteLinks == 0 {
			return total
		}
	}
}

func (s *FlowTransportScheduler) transport(i int, dt float64) {
	s.links[i].Transport(dt)
	s.linkDone[i] = true
	s.numIncompleteLinks--
	s.last.Transported++
	s.last.Order = append(s.last.Order, i)
	for _, t := range s.touches[i] {
		s.count(t, -1)
	}
	for _, t := range s.touches[i] {
		s.evaluateNode(t.node)
	}
}

// relax releases incomplete nodes that the policy allows to break a cycle,
// in index order, until some pending link becomes ready. Cycle membership is
// re-evaluated after every release. It reports whether a link became ready.
func (s *FlowTransportScheduler) relax() bool {
	for n := range s.nodeStates {
		if s.nodeStates[n] == NodeComplete || !s.policy.NodeComplete(s.dependencies(n, true)) {
			continue
		}
		s.nodeStates[n] = NodeComplete
		s.last.RelaxedNodes = append(s.last.RelaxedNodes, n)
		for i := range s.links {
			if !s.linkDone[i] && s.ready(i) {
				return true
			}
		}
	}
	return false
}

func (s *FlowTransportScheduler) cycleError(ctx context.Context, rounds int) error {
	e := &CycleError{Scheduler: s.name, Rounds: rounds}
	for i, done := range s.linkDone {
		if !done {
			e.PendingLinks = append(e.PendingLinks, i)
		}
	}
	for n, st := range s.nodeStates {
		if st != NodeComplete {
			e.IncompleteNodes = append(e.IncompleteNodes, n)
		}
	}
	s.log.Error(ctx, "flow transport aborted",
		logging.String("scheduler", s.name),
		logging.Int("rounds", rounds),
		logging.Any("pending_links", e.PendingLinks),
		logging.Any("incomplete_nodes", e.IncompleteNodes),
	)
	return e
}

// Name returns the network name given to Initialize.
func (s *FlowTransportScheduler) Name() string { return s.name }

// Initialized reports whether Initialize has bound a topology.
func (s *FlowTransportScheduler) Initialized() bool { return s.initialized }

// NumLinks returns the number of links the scheduler was sized for.
func (s *FlowTransportScheduler) NumLinks() int { return s.numLinks }

// NumNodes returns the number of nodes the scheduler was sized for.
func (s *FlowTransportScheduler) NumNodes() int { return s.numNodes }

// NumIncompleteLinks returns the number of links still pending in the
// current or last step.
func (s *FlowTransportScheduler) NumIncompleteLinks() int { return s.numIncompleteLinks }

// LinkDone reports whether link i has been transported this step.
func (s *FlowTransportScheduler) LinkDone(i int) bool {
	if i < 0 || i >= len(s.linkDone) {
		return false
	}
	return s.linkDone[i]
}

// NodeState returns the completion state of node n.
func (s *FlowTransportScheduler) NodeState(n int) NodeState {
	if n < 0 || n >= len(s.nodeStates) {
		return NodeIncomplete
	}
	return s.nodeStates[n]
}

// HasPendingInboundLink reports whether a pending link still delivers into
// node n this step.
func (s *FlowTransportScheduler) HasPendingInboundLink(n int) bool {
	if n < 0 || n >= len(s.inbound) {
		return false
	}
	return s.inbound[n] > 0
}

// LastStep returns a copy of the report of the most recent Update.
func (s *FlowTransportScheduler) LastStep() StepReport {
	return StepReport{
		Rounds:       s.last.Rounds,
		Transported:  s.last.Transported,
		Order:        append([]int(nil), s.last.Order...),
		RelaxedNodes: append([]int(nil), s.last.RelaxedNodes...),
	}
}
