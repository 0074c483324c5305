package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/nodal-network-sim/core"
	"github.com/signalsfoundry/nodal-network-sim/internal/logging"
	"github.com/signalsfoundry/nodal-network-sim/internal/nbi"
	"github.com/signalsfoundry/nodal-network-sim/internal/observability"
	sim "github.com/signalsfoundry/nodal-network-sim/internal/sim/state"
	"github.com/signalsfoundry/nodal-network-sim/timectrl"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

// Config holds the server settings parsed from flags.
type Config struct {
	ListenAddress  string
	MetricsAddress string // empty disables the /metrics endpoint

	LogLevel  string
	LogFormat string

	NetworkScenarioPath string

	// TickInterval is both the background step length and, in real-time
	// mode, the wall-clock pacing. Zero disables background stepping.
	TickInterval time.Duration
	Accelerated  bool

	Tracing observability.TracingConfig
}

func main() {
	cfg := Config{}
	flag.StringVar(&cfg.ListenAddress, "grpc-addr", ":50051", "TCP address the NBI gRPC server listens on")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics (empty to disable)")
	flag.StringVar(&cfg.LogLevel, "log-level", envOr("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flag.StringVar(&cfg.LogFormat, "log-format", envOr("LOG_FORMAT", "text"), "Log format: json or text")
	flag.StringVar(&cfg.NetworkScenarioPath, "scenario", "configs/network_scenario.yaml", "Network scenario file (.json, .yaml, .hcl); empty starts with an empty network")
	flag.DurationVar(&cfg.TickInterval, "tick", time.Second, "Background step length; 0 disables background stepping")
	flag.BoolVar(&cfg.Accelerated, "accelerated", false, "Step as fast as possible instead of in real time")
	flag.Parse()
	cfg.Tracing = observability.TracingConfigFromEnv("nbi-server")

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.ListenAddress), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "nbi server failed", logging.Err(err))
		os.Exit(1)
	}
}

// run serves the NBI on lis until ctx is done.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewNBICollector(reg)
	if err != nil {
		return err
	}
	transport, err := observability.NewTransportCollector(reg)
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	state := sim.NewNetworkState(
		core.NewKnowledgeBase(),
		log,
		sim.WithMetricsRecorder(collector),
		sim.WithEngineOptions(core.WithTransportMetrics(transport)),
	)
	if cfg.NetworkScenarioPath != "" {
		if _, err := state.LoadScenarioFile(ctx, cfg.NetworkScenarioPath); err != nil {
			log.Warn(ctx, "skipping scenario load",
				logging.String("path", cfg.NetworkScenarioPath),
				logging.Err(err),
			)
		}
	}

	metricsSrv := serveMetrics(cfg.MetricsAddress, collector, log)

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			nbi.RequestIDUnaryServerInterceptor(log),
			nbi.TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
	)
	nbi.RegisterNetworkServiceServer(server, nbi.NewNetworkService(state, log))

	log.Info(ctx, "starting NBI gRPC server", logging.String("addr", lis.Addr().String()))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(lis)
	}()

	if cfg.TickInterval > 0 && len(state.ListNodes()) > 0 {
		mode := timectrl.RealTime
		if cfg.Accelerated {
			mode = timectrl.Accelerated
		}
		tc := timectrl.NewTimeController(time.Now(), cfg.TickInterval, mode)
		go func() {
			if err := runStepLoop(ctx, tc, state, log); err != nil {
				log.Error(ctx, "background stepping stopped", logging.Err(err))
			}
		}()
	}

	var result error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			result = err
		}
	}

	log.Info(context.Background(), "shutting down NBI server")
	server.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return result
}

// runStepLoop steps the network once per controller tick until ctx is done
// or a step fails.
func runStepLoop(ctx context.Context, tc *timectrl.TimeController, state *sim.NetworkState, log logging.Logger) error {
	tc.AddListener(func(now time.Time, dt time.Duration) error {
		res, err := state.Step(ctx, dt.Seconds())
		if err != nil {
			return err
		}
		if len(res.Overflowing) > 0 {
			log.Debug(ctx, "tick overflow",
				logging.Int("step", res.Step),
				logging.Strings("nodes", res.Overflowing),
			)
		}
		return nil
	})

	err := tc.Run(ctx, 0)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func serveMetrics(addr string, collector *observability.NBICollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
