package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/nodal-network-sim/core"
	"github.com/signalsfoundry/nodal-network-sim/internal/logging"
	"github.com/signalsfoundry/nodal-network-sim/internal/nbi/types"
	"github.com/signalsfoundry/nodal-network-sim/internal/observability"
	"github.com/signalsfoundry/nodal-network-sim/internal/sim/events"
	sim "github.com/signalsfoundry/nodal-network-sim/internal/sim/state"
	"github.com/signalsfoundry/nodal-network-sim/timectrl"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// options collects the simulator flags.
type options struct {
	scenarioPath string
	duration     time.Duration
	tick         time.Duration
	accelerated  bool
	jsonOutput   bool

	// demands maps link IDs to startup demand overrides in kg/s.
	demands map[string]float64
	// changes are demand changes applied once simulation time reaches
	// their offset from the start.
	changes []demandChange
}

type demandChange struct {
	at     time.Duration
	linkID string
	rate   float64
}

func main() {
	opts := options{demands: map[string]float64{}}
	flag.StringVar(&opts.scenarioPath, "scenario", "configs/network_scenario.yaml", "network scenario file (.json, .yaml, .hcl)")
	flag.DurationVar(&opts.duration, "duration", 60*time.Second, "total simulation duration")
	flag.DurationVar(&opts.tick, "tick", 1*time.Second, "tick interval and step length")
	flag.BoolVar(&opts.accelerated, "accelerated", true, "run in accelerated mode (vs real-time)")
	flag.BoolVar(&opts.jsonOutput, "json", false, "print one JSON object per step instead of text")
	flag.Func("demand", "override a link demand at startup as id=kg/s (repeatable)", func(v string) error {
		id, rate, err := parseDemand(v)
		if err != nil {
			return err
		}
		opts.demands[id] = rate
		return nil
	})
	flag.Func("at", "change a link demand during the run as offset:id=kg/s, e.g. 30s:feed=0 (repeatable)", func(v string) error {
		c, err := parseChange(v)
		if err != nil {
			return err
		}
		opts.changes = append(opts.changes, c)
		return nil
	})
	flag.Parse()
	if opts.tick <= 0 {
		fmt.Fprintf(os.Stderr, "invalid -tick %s: must be positive\n", opts.tick)
		os.Exit(2)
	}

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv("simulator"), log)
	if err != nil {
		log.Error(ctx, "tracing setup failed", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	if err := run(ctx, opts, os.Stdout, log); err != nil {
		log.Error(ctx, "simulation failed", logging.Err(err))
		stop()
		os.Exit(1)
	}
}

// run loads the scenario and steps it once per tick for the configured
// duration, writing a report of every step to out.
func run(ctx context.Context, opts options, out io.Writer, log logging.Logger) error {
	state := sim.NewNetworkState(core.NewKnowledgeBase(), log)

	sc, err := state.LoadScenarioFile(ctx, opts.scenarioPath)
	if err != nil {
		return fmt.Errorf("load network scenario %q: %w", opts.scenarioPath, err)
	}
	for id, rate := range opts.demands {
		if err := state.SetLinkDemand(ctx, id, rate); err != nil {
			return fmt.Errorf("override demand of %q: %w", id, err)
		}
	}

	if !opts.jsonOutput {
		fmt.Fprintf(out, "Loaded network scenario %q: %d nodes, %d links\n",
			sc.Name, len(sc.NodeIDs), len(sc.LinkIDs))
	}

	if opts.tick <= 0 {
		return fmt.Errorf("-tick %s: %w", opts.tick, timectrl.ErrInvalidTick)
	}
	mode := timectrl.RealTime
	if opts.accelerated {
		mode = timectrl.Accelerated
	}
	start := time.Now().UTC()
	tc := timectrl.NewTimeController(start, opts.tick, mode)

	schedule := events.NewScheduler(tc)
	for _, c := range opts.changes {
		schedule.Schedule(start.Add(c.at), "demand "+c.linkID, func(ctx context.Context) error {
			if err := state.SetLinkDemand(ctx, c.linkID, c.rate); err != nil {
				return err
			}
			log.Info(ctx, "demand changed",
				logging.String("link", c.linkID),
				logging.Float64("demand", c.rate),
				logging.String("offset", c.at.String()),
			)
			return nil
		})
	}

	marshal := protojson.MarshalOptions{UseProtoNames: true}
	tc.AddListener(func(simTime time.Time, dt time.Duration) error {
		// Changes due by the start of this step's interval apply to it.
		if _, err := schedule.RunUntil(ctx, simTime.Add(-dt)); err != nil {
			return err
		}
		res, err := state.Step(ctx, dt.Seconds())
		if err != nil {
			return err
		}
		if opts.jsonOutput {
			line, err := marshal.Marshal(stepRecord(simTime, res, state.ListNodes()))
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(line))
			return nil
		}
		printStep(out, simTime, res, state.ListNodes())
		return nil
	})

	if !opts.jsonOutput {
		fmt.Fprintf(out, "Starting simulation: duration=%s, tick=%s, accelerated=%v\n", opts.duration, opts.tick, opts.accelerated)
	}
	if err := <-tc.Start(ctx, opts.duration); err != nil {
		return err
	}
	if !opts.jsonOutput {
		fmt.Fprintln(out, "Simulation complete.")
	}
	return nil
}

// stepRecord combines a step result and the node table into one message.
func stepRecord(simTime time.Time, res *core.StepResult, nodes []sim.NodeView) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"time":   structpb.NewStringValue(simTime.Format(time.RFC3339Nano)),
		"result": structpb.NewStructValue(types.StepResultToStruct(res)),
		"nodes":  types.NodesToStruct(nodes).GetFields()["nodes"],
	}}
}

func printStep(out io.Writer, simTime time.Time, res *core.StepResult, nodes []sim.NodeView) {
	fmt.Fprintf(out, "[%s] step %d: %d links in %d rounds, order=%v relaxed=%v\n",
		simTime.Format(time.RFC3339),
		res.Step,
		res.Report.Transported,
		res.Report.Rounds,
		res.Report.Order,
		res.Report.RelaxedNodes,
	)
	for _, n := range nodes {
		mark := ""
		if n.Overflowing {
			mark = " OVERFLOW"
		}
		fmt.Fprintf(out, "↳ Node %-16s mass=%10.3f/%-10.3g kg in=%8.3f out=%8.3f kg/s%s\n",
			n.ID, n.Mass, n.Capacity, n.Influx, n.Outflux, mark)
	}
}

func parseChange(v string) (demandChange, error) {
	offset, demand, ok := strings.Cut(v, ":")
	if !ok {
		return demandChange{}, fmt.Errorf("change %q: want offset:id=rate", v)
	}
	at, err := time.ParseDuration(offset)
	if err != nil || at < 0 {
		return demandChange{}, fmt.Errorf("change %q: bad offset %q", v, offset)
	}
	id, rate, err := parseDemand(demand)
	if err != nil {
		return demandChange{}, err
	}
	return demandChange{at: at, linkID: id, rate: rate}, nil
}

func parseDemand(v string) (string, float64, error) {
	id, raw, ok := strings.Cut(v, "=")
	if !ok || id == "" {
		return "", 0, fmt.Errorf("demand %q: want id=rate", v)
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return "", 0, fmt.Errorf("demand %q: %w", v, err)
	}
	return id, rate, nil
}
