package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/nodal-network-sim/core"
)

// TransportCollector exposes flow transport scheduler metrics. It satisfies
// core.TransportMetricsRecorder and core.OverflowRecorder.
type TransportCollector struct {
	gatherer prometheus.Gatherer

	Steps            *prometheus.CounterVec
	RoundsPerStep    prometheus.Histogram
	RelaxationsTotal prometheus.Counter
	TransportsTotal  prometheus.Counter
	StepDuration     prometheus.Histogram
	OverflowingNodes prometheus.Gauge
}

var (
	_ core.TransportMetricsRecorder = (*TransportCollector)(nil)
	_ core.OverflowRecorder         = (*TransportCollector)(nil)
)

// NewTransportCollector registers transport metrics against the provided
// registerer, defaulting to the global registry when nil.
func NewTransportCollector(reg prometheus.Registerer) (*TransportCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	steps, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transport_steps_total",
		Help: "Transport passes run by the scheduler, labeled by result (ok, cycle, error).",
	}, []string{"result"}), "transport_steps_total")
	if err != nil {
		return nil, err
	}

	rounds, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "transport_rounds_per_step",
		Help:    "Scheduling rounds needed to transport every link in a step.",
		Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16, 32},
	}), "transport_rounds_per_step")
	if err != nil {
		return nil, err
	}

	relaxations, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transport_relaxed_nodes_total",
		Help: "Capacitive nodes released early to break flow cycles.",
	}), "transport_relaxed_nodes_total")
	if err != nil {
		return nil, err
	}

	transports, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transport_link_transports_total",
		Help: "Link transport calls performed by the scheduler.",
	}), "transport_link_transports_total")
	if err != nil {
		return nil, err
	}

	duration, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "transport_step_duration_seconds",
		Help:    "Wall-clock duration of a scheduler transport pass.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}), "transport_step_duration_seconds")
	if err != nil {
		return nil, err
	}

	overflowing, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "network_overflowing_nodes",
		Help: "Nodes that overflowed during the last network step.",
	}), "network_overflowing_nodes")
	if err != nil {
		return nil, err
	}

	return &TransportCollector{
		gatherer:         gathererFor(reg),
		Steps:            steps,
		RoundsPerStep:    rounds,
		RelaxationsTotal: relaxations,
		TransportsTotal:  transports,
		StepDuration:     duration,
		OverflowingNodes: overflowing,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *TransportCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes the collector's registry over HTTP.
func (c *TransportCollector) Handler() http.Handler {
	return handlerFor(c.Gatherer())
}

// ObserveTransportPass records one scheduler Update.
func (c *TransportCollector) ObserveTransportPass(rounds, relaxations, transported int, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, core.ErrUnresolvableCycle):
		result = "cycle"
	case err != nil:
		result = "error"
	}
	c.Steps.WithLabelValues(result).Inc()
	c.RelaxationsTotal.Add(float64(relaxations))
	c.TransportsTotal.Add(float64(transported))
	c.StepDuration.Observe(elapsed.Seconds())
	if err == nil {
		c.RoundsPerStep.Observe(float64(rounds))
	}
}

// SetOverflowingNodes updates the overflow gauge.
func (c *TransportCollector) SetOverflowingNodes(n int) {
	if c == nil || c.OverflowingNodes == nil {
		return
	}
	c.OverflowingNodes.Set(float64(n))
}
