package core

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/nodal-network-sim/internal/logging"
	"go.opentelemetry.io/otel/trace"
)

// StepResult describes one completed network step.
type StepResult struct {
	Step        int     // 1-based step number
	SimTime     float64 // seconds simulated after this step
	Dt          float64
	Report      StepReport
	Overflowing []string // IDs of nodes that overflowed during the step
}

// OverflowRecorder is optionally implemented by a TransportMetricsRecorder
// that also tracks overflowing nodes.
type OverflowRecorder interface {
	SetOverflowingNodes(n int)
}

// EngineOption customises a SimulationEngine.
type EngineOption func(*SimulationEngine)

func WithEngineLogger(l logging.Logger) EngineOption {
	return func(se *SimulationEngine) {
		if l != nil {
			se.log = l
		}
	}
}

// WithTransportMetrics forwards every scheduler pass to m.
func WithTransportMetrics(m TransportMetricsRecorder) EngineOption {
	return func(se *SimulationEngine) {
		se.metrics = m
	}
}

func WithEngineTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(se *SimulationEngine) {
		se.tracerProvider = tp
	}
}

// WithEngineCompletionPolicy is passed through to every scheduler the
// engine assembles.
func WithEngineCompletionPolicy(p CompletionPolicy) EngineOption {
	return func(se *SimulationEngine) {
		se.policy = p
	}
}

// SimulationEngine steps the network held in a KnowledgeBase. It assembles a
// FlowTransportScheduler from the KB topology and re-assembles it whenever
// nodes or links are added.
type SimulationEngine struct {
	KB   *KnowledgeBase
	Name string

	scheduler *FlowTransportScheduler
	version   uint64
	step      int
	simTime   float64

	tickListeners []func(*StepResult)

	log            logging.Logger
	metrics        TransportMetricsRecorder
	tracerProvider trace.TracerProvider
	policy         CompletionPolicy
}

func NewSimulationEngine(kb *KnowledgeBase, opts ...EngineOption) *SimulationEngine {
	se := &SimulationEngine{
		KB:   kb,
		Name: "network",
		log:  logging.Noop(),
	}
	for _, opt := range opts {
		opt(se)
	}
	return se
}

// RegisterTickListener adds a callback run after every successful step.
func (se *SimulationEngine) RegisterTickListener(fn func(*StepResult)) {
	se.tickListeners = append(se.tickListeners, fn)
}

// StepCount returns the number of completed steps.
func (se *SimulationEngine) StepCount() int { return se.step }

// SimTime returns the simulated time in seconds.
func (se *SimulationEngine) SimTime() float64 { return se.simTime }

// Scheduler returns the currently assembled scheduler, or nil before the
// first step.
func (se *SimulationEngine) Scheduler() *FlowTransportScheduler { return se.scheduler }

// Step advances the network by dt seconds. Scheduler errors are returned
// unchanged and leave the step and time counters untouched.
func (se *SimulationEngine) Step(ctx context.Context, dt float64) (*StepResult, error) {
	if se.KB == nil {
		return nil, fmt.Errorf("%w: engine has no knowledge base", ErrSchedulerConfig)
	}
	if se.scheduler == nil || se.KB.Version() != se.version {
		if err := se.assemble(ctx); err != nil {
			return nil, err
		}
	}

	nodes := se.KB.GetAllNodes()
	for _, n := range nodes {
		n.BeginStep()
	}

	if err := se.scheduler.Update(ctx, dt); err != nil {
		return nil, err
	}

	var overflowing []string
	for _, n := range nodes {
		if n.IsOverflowing(dt) {
			overflowing = append(overflowing, n.ID)
		}
	}
	if r, ok := se.metrics.(OverflowRecorder); ok {
		r.SetOverflowingNodes(len(overflowing))
	}
	if len(overflowing) > 0 {
		se.log.Warn(ctx, "nodes overflowing",
			logging.Strings("nodes", overflowing),
			logging.Float64("dt", dt),
		)
	}

	se.step++
	se.simTime += dt
	res := &StepResult{
		Step:        se.step,
		SimTime:     se.simTime,
		Dt:          dt,
		Report:      se.scheduler.LastStep(),
		Overflowing: overflowing,
	}
	for _, fn := range se.tickListeners {
		fn(res)
	}
	return res, nil
}

// Run performs steps network steps of length dt, stopping at the first
// error or when ctx is done.
func (se *SimulationEngine) Run(ctx context.Context, steps int, dt float64) error {
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := se.Step(ctx, dt); err != nil {
			return err
		}
	}
	return nil
}

// assemble builds a fresh scheduler from the current KB topology.
func (se *SimulationEngine) assemble(ctx context.Context) error {
	version := se.KB.Version()
	topo := se.KB.Topology()

	opts := []SchedulerOption{WithSchedulerLogger(se.log)}
	if se.metrics != nil {
		opts = append(opts, WithSchedulerMetrics(se.metrics))
	}
	if se.tracerProvider != nil {
		opts = append(opts, WithSchedulerTracerProvider(se.tracerProvider))
	}
	if se.policy != nil {
		opts = append(opts, WithCompletionPolicy(se.policy))
	}

	s := NewFlowTransportScheduler(len(topo.Links), len(topo.Nodes), opts...)
	if err := s.Initialize(se.Name, topo.Links, topo.Nodes, topo.LinkNodeMaps, topo.LinkNumPorts); err != nil {
		return err
	}
	se.scheduler = s
	se.version = version
	se.log.Info(ctx, "network assembled",
		logging.String("network", se.Name),
		logging.Int("nodes", len(topo.Nodes)),
		logging.Int("links", len(topo.Links)),
	)
	return nil
}
