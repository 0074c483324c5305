package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// NBICollector bundles Prometheus metrics for the NBI surface and provides
// helpers to wire them into gRPC servers and HTTP handlers.
type NBICollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	NetworkNodes prometheus.Gauge
	NetworkLinks prometheus.Gauge
	NetworkSteps prometheus.Gauge
}

// NewNBICollector registers NBI Prometheus metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewNBICollector(reg prometheus.Registerer) (*NBICollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	requests, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nbi_requests_total",
		Help: "Total number of handled NBI RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "nbi_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nbi_request_duration_seconds",
		Help:    "NBI RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "nbi_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	nodes, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "network_nodes",
		Help: "Current number of nodes in the simulated network.",
	}), "network_nodes")
	if err != nil {
		return nil, err
	}
	links, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "network_links",
		Help: "Current number of links in the simulated network.",
	}), "network_links")
	if err != nil {
		return nil, err
	}
	steps, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "network_steps",
		Help: "Number of completed network steps.",
	}), "network_steps")
	if err != nil {
		return nil, err
	}

	return &NBICollector{
		gatherer:     gathererFor(reg),
		RPCRequests:  requests,
		RPCDurations: durations,
		NetworkNodes: nodes,
		NetworkLinks: links,
		NetworkSteps: steps,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *NBICollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}
		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *NBICollector) Handler() http.Handler {
	return handlerFor(c.gatherer)
}

// SetNetworkCounts lets NetworkState drive the topology gauges directly from
// its mutators.
func (c *NBICollector) SetNetworkCounts(nodes, links, steps int) {
	if c == nil {
		return
	}
	if c.NetworkNodes != nil {
		c.NetworkNodes.Set(float64(nodes))
	}
	if c.NetworkLinks != nil {
		c.NetworkLinks.Set(float64(links))
	}
	if c.NetworkSteps != nil {
		c.NetworkSteps.Set(float64(steps))
	}
}

func handlerFor(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components, returning "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	parts := strings.Split(strings.TrimPrefix(fullMethod, "/"), "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service, method := parts[len(parts)-2], parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}
