package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/ble-radio-scheduler/core"
	"github.com/signalsfoundry/ble-radio-scheduler/internal/logging"
	"github.com/signalsfoundry/ble-radio-scheduler/internal/observability"
	"github.com/signalsfoundry/ble-radio-scheduler/internal/sim"
	"github.com/signalsfoundry/ble-radio-scheduler/timectrl"
	cli "github.com/urfave/cli/v2"
)

// Set through -ldflags "-X main.version=...".
var (
	version   = "dev"
	gitCommit = "none"
)

var (
	logLevelFlag = &cli.StringFlag{
		Name:    "log-level",
		Usage:   "debug, info, warn or error",
		EnvVars: []string{"SCHEDSIM_LOG_LEVEL"},
		Value:   "info",
	}
	logFormatFlag = &cli.StringFlag{
		Name:    "log-format",
		Usage:   "text or json",
		EnvVars: []string{"SCHEDSIM_LOG_FORMAT"},
		Value:   "text",
	}
	reportFlag = &cli.StringFlag{
		Name:  "report",
		Usage: "write the JSON run report to this path (- for stdout)",
	}
	dumpMetricsFlag = &cli.BoolFlag{
		Name:  "dump-metrics",
		Usage: "print the final Prometheus metrics in text format",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "serve Prometheus /metrics on this address while the scenario runs",
	}
	realTimeFlag = &cli.BoolFlag{
		Name:  "realtime",
		Usage: "pace the baseband clock against the wall clock",
	}
	tracingFlag = &cli.BoolFlag{
		Name:  "tracing",
		Usage: "export one span per scheduler operation (see SCHEDSIM_TRACING_* for exporter settings)",
	}
	tracingExporterFlag = &cli.StringFlag{
		Name:  "tracing-exporter",
		Usage: "stdout or otlp",
	}
	prefPeriodConnFlag = &cli.UintFlag{
		Name:  "pref-period-conn-us",
		Usage: "local preferred connection periodicity",
		Value: uint(core.DefaultConfig().PrefPeriodConnUsec),
	}
	minUnitFlag = &cli.UintFlag{
		Name:  "min-offset-unit-us",
		Usage: "smallest offset unit the depth search may reach",
		Value: uint(core.DefaultConfig().MinOffsetUnitUsec),
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := &cli.App{
		Name:     "schedsim",
		Version:  version,
		Usage:    "BLE radio-time scheduler simulator",
		Commands: []*cli.Command{runCmd, checkCmd, depthCmd, periodicityCmd},
	}
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintf(c.App.Writer, "schedsim %s (commit %s)\n", version, gitCommit)
	}
	return app
}

var runCmd = &cli.Command{
	Name:      "run",
	Usage:     "run a TOML scenario against a fresh scheduler",
	ArgsUsage: "<scenario.toml>",
	Flags: []cli.Flag{
		logLevelFlag,
		logFormatFlag,
		reportFlag,
		dumpMetricsFlag,
		metricsAddrFlag,
		realTimeFlag,
		tracingFlag,
		tracingExporterFlag,
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return fmt.Errorf("run expects exactly one scenario path")
		}
		ctx := cctx.Context
		log := logging.New(logging.Config{
			Level:  cctx.String(logLevelFlag.Name),
			Format: cctx.String(logFormatFlag.Name),
			Output: cctx.App.ErrWriter,
		})

		sc, err := sim.LoadScenario(cctx.Args().First())
		if err != nil {
			return err
		}

		tracingCfg := observability.TracingConfigFromEnv()
		if cctx.IsSet(tracingFlag.Name) {
			tracingCfg.Enabled = cctx.Bool(tracingFlag.Name)
		}
		if cctx.IsSet(tracingExporterFlag.Name) {
			tracingCfg.Exporter = cctx.String(tracingExporterFlag.Name)
		}
		tracingCfg.Scenario = sc.Name
		if cctx.Bool(realTimeFlag.Name) {
			tracingCfg.ClockMode = "realtime"
		}
		if tracingCfg.Exporter == "stdout" && tracingCfg.Writer == nil {
			tracingCfg.Writer = cctx.App.ErrWriter
		}
		shutdown, err := observability.InitTracing(ctx, tracingCfg, log)
		if err != nil {
			return err
		}
		defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

		reg := prometheus.NewRegistry()
		collector, err := observability.NewSchedulerCollector(reg)
		if err != nil {
			return fmt.Errorf("init scheduler metrics: %w", err)
		}
		ops, err := observability.NewOperationCollector(reg)
		if err != nil {
			return fmt.Errorf("init operation metrics: %w", err)
		}
		if addr := cctx.String(metricsAddrFlag.Name); addr != "" {
			srv := serveMetrics(addr, ops, log)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		opts := []sim.Option{
			sim.WithLogger(log),
			sim.WithMetricsRecorder(collector),
			sim.WithOperationCollector(ops),
		}
		if cctx.Bool(realTimeFlag.Name) {
			opts = append(opts, sim.WithRealTime(nil))
		}
		runner, err := sim.NewRunner(sc, opts...)
		if err != nil {
			return err
		}
		rep, err := runner.Run(ctx)
		if err != nil {
			return err
		}

		out := cctx.App.Writer
		printSummary(out, rep)
		if path := cctx.String(reportFlag.Name); path != "" {
			if err := writeReport(path, out, rep); err != nil {
				return err
			}
		}
		if cctx.Bool(dumpMetricsFlag.Name) {
			if err := observability.WriteText(out, reg); err != nil {
				return err
			}
		}
		if rep.Collisions.Bitmask > 0 {
			return fmt.Errorf("scenario %s: %d bitmask collisions", rep.Scenario, rep.Collisions.Bitmask)
		}
		return nil
	},
}

var checkCmd = &cli.Command{
	Name:      "check",
	Usage:     "validate scenario files without running them",
	ArgsUsage: "<scenario.toml>...",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() == 0 {
			return fmt.Errorf("check expects at least one scenario path")
		}
		failed := 0
		for _, path := range cctx.Args().Slice() {
			sc, err := sim.LoadScenario(path)
			if err != nil {
				failed++
				fmt.Fprintf(cctx.App.Writer, "FAIL %v\n", err)
				continue
			}
			fmt.Fprintf(cctx.App.Writer, "ok   %s (%s: %d reservations, %d links)\n",
				path, sc.Name, len(sc.Reservations), len(sc.Links))
		}
		if failed > 0 {
			return fmt.Errorf("%d invalid scenario(s)", failed)
		}
		return nil
	},
}

var depthCmd = &cli.Command{
	Name:      "depth",
	Usage:     "print the power-of-two depth between two intervals",
	ArgsUsage: "<large_us> <small_us>",
	Flags:     []cli.Flag{minUnitFlag},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return fmt.Errorf("depth expects two intervals")
		}
		large, err := parseUsec(cctx.Args().Get(0))
		if err != nil {
			return err
		}
		small, err := parseUsec(cctx.Args().Get(1))
		if err != nil {
			return err
		}
		cfg := core.DefaultConfig()
		cfg.MinOffsetUnitUsec = uint32(cctx.Uint(minUnitFlag.Name))

		depth := cfg.CalculateDepth(large, small)
		if _, exact := cfg.PowerOfTwoDepth(large, small); exact {
			fmt.Fprintf(cctx.App.Writer, "depth %d (exact)\n", depth)
		} else {
			fmt.Fprintf(cctx.App.Writer, "depth %d (not a power-of-two relative)\n", depth)
		}
		return nil
	},
}

var periodicityCmd = &cli.Command{
	Name:      "periodicity",
	Usage:     "print the base periodicity agreed with a peer",
	ArgsUsage: "<peer_period_us>",
	Flags:     []cli.Flag{prefPeriodConnFlag},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return fmt.Errorf("periodicity expects the peer periodicity")
		}
		peer, err := parseUsec(cctx.Args().First())
		if err != nil {
			return err
		}
		cfg := core.DefaultConfig()
		cfg.PrefPeriodConnUsec = uint32(cctx.Uint(prefPeriodConnFlag.Name))
		s := core.NewScheduler(cfg, timectrl.NewBasebandClock(0, 0, timectrl.Accelerated))
		fmt.Fprintf(cctx.App.Writer, "common periodicity %dus\n", s.RM.CalcCommonPeriodicityUsec(peer))
		return nil
	},
}

func parseUsec(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid microsecond value %q: %w", s, err)
	}
	return uint32(v), nil
}

func printSummary(w io.Writer, rep *sim.Report) {
	fmt.Fprintf(w, "scenario %s (run %s): %d events, %d placements, %d rejections\n",
		rep.Scenario, rep.RunID, rep.Events, len(rep.Placements), len(rep.Rejections))
	fmt.Fprintf(w, "collisions: bitmask=%d uncommon=%d topology=%d\n",
		rep.Collisions.Bitmask, rep.Collisions.Uncommon, rep.Collisions.Topology)
	fmt.Fprintf(w, "final: common=%dus depth=%d bitmask=%s capacity=%d%%\n",
		rep.Final.CommonIntervalUsec, rep.Final.Depth, rep.Final.Bitmask, rep.Final.CapacityUsedPercent)
}

func writeReport(path string, stdout io.Writer, rep *sim.Report) error {
	if path == "-" {
		return rep.WriteJSON(stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := rep.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func serveMetrics(addr string, ops *observability.OperationCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", ops.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
