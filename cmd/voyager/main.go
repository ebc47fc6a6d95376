// Voyager runner -- active fault localization over an in-process dataplane.
//
// Loads a topology and its header store, starts the emulated switches and the
// round controller, sweeps the configured fault fractions and prints the
// scored summary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/voyager/internal/config"
	"github.com/dantte-lp/voyager/internal/eval"
	voyagermetrics "github.com/dantte-lp/voyager/internal/metrics"
	"github.com/dantte-lp/voyager/internal/netsim"
	"github.com/dantte-lp/voyager/internal/store"
	"github.com/dantte-lp/voyager/internal/topo"
	appversion "github.com/dantte-lp/voyager/internal/version"
	"github.com/dantte-lp/voyager/internal/voyager"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections.
const shutdownTimeout = 10 * time.Second

// errPartialSweep indicates at least one campaign did not complete.
var errPartialSweep = errors.New("sweep finished with partial campaigns")

// flags holds the command line.
type flags struct {
	configPath string
	legacyPath string
	outPath    string
	version    bool
}

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	var f flags
	flag.StringVar(&f.configPath, "config", "", "path to configuration file (YAML)")
	flag.StringVar(&f.legacyPath, "legacy-config", "", "path to a legacy key=value config")
	flag.StringVar(&f.outPath, "out", "", "write the summary to this file instead of stdout")
	flag.BoolVar(&f.version, "version", false, "print version and exit")
	flag.Parse()

	if f.version {
		fmt.Println(appversion.Full("voyager"))
		return 0
	}

	// 2. Load config.
	cfg, err := loadConfig(f)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("voyager starting",
		slog.String("version", appversion.Version),
		slog.String("topology", cfg.Topology.File),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Load the topology and its header store.
	t, s, err := loadTopology(cfg.Topology)
	if err != nil {
		logger.Error("failed to load topology", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("topology loaded",
		slog.Int("switches", t.NumSwitches()),
		slog.Int("rules", t.NumRules()),
		slog.Int("host_rules_dropped", t.HostRules()),
		slog.Int("paths", len(s.Paths())),
	)

	// 5. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := voyagermetrics.NewCollector(reg)

	// 6. Wire the dataplane, the controller and the sweep.
	app, err := newApp(cfg, t, s, collector, logger)
	if err != nil {
		logger.Error("failed to create controller", slog.String("error", err.Error()))
		return 1
	}

	out, closeOut, err := openOutput(f.outPath)
	if err != nil {
		logger.Error("failed to open output", slog.String("error", err.Error()))
		return 1
	}
	defer closeOut()

	// 7. Run.
	if err := runAll(cfg, app, reg, out, f, logLevel, logger); err != nil {
		logger.Error("voyager exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("voyager stopped")
	return 0
}

// app bundles the long-running components.
type app struct {
	network *netsim.Network
	ctrl    *voyager.Controller
	runner  *eval.Runner
	output  string
}

func newApp(
	cfg *config.Config,
	t *topo.Topology,
	s *store.Store,
	collector *voyagermetrics.Collector,
	logger *slog.Logger,
) (*app, error) {
	marker, err := cfg.Probe.MarkerMode()
	if err != nil {
		return nil, err
	}

	network := netsim.New(t, logger,
		netsim.WithQueueSize(cfg.Netsim.QueueSize),
		netsim.WithLinkDelay(cfg.Netsim.LinkDelay),
		netsim.WithMetrics(collector),
	)

	ctrl, err := voyager.New(t, s, network, logger,
		voyager.WithTimeout(cfg.Probe.Timeout),
		voyager.WithNegativeGrace(cfg.Probe.NegativeGrace),
		voyager.WithSettle(cfg.Eval.Settle),
		voyager.WithMarker(marker),
		voyager.WithMetrics(collector),
		voyager.WithFlowMetrics(collector),
	)
	if err != nil {
		return nil, err
	}

	runner := eval.NewRunner(ctrl, t, logger,
		eval.WithFractions(cfg.Eval.ErrorRates...),
		eval.WithSeed(cfg.Eval.Seed),
		eval.WithStopOnError(cfg.Eval.StopOnError),
		eval.WithTopologyName(filepath.Base(cfg.Topology.File)),
		eval.WithMetrics(collector),
	)

	return &app{network: network, ctrl: ctrl, runner: runner, output: cfg.Eval.Output}, nil
}

// runAll runs the dataplane, the controller, the metrics server and the
// sweep in an errgroup under a signal-aware context. The group is torn down
// once the sweep has rendered its summary.
func runAll(
	cfg *config.Config,
	a *app,
	reg *prometheus.Registry,
	out io.Writer,
	f flags,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return a.ctrl.Run(gCtx)
	})
	g.Go(func() error {
		return a.network.Run(gCtx, a.ctrl)
	})

	if cfg.Metrics.Addr != "" {
		startMetricsServer(gCtx, g, cfg.Metrics, reg, logger)
	}

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, f, logLevel, logger)
		return nil
	})

	g.Go(func() error {
		defer cancel()
		return sweep(gCtx, a, out, logger)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

// sweep runs every configured fraction and renders the summary, including
// the reports of an interrupted sweep.
func sweep(ctx context.Context, a *app, out io.Writer, logger *slog.Logger) error {
	select {
	case <-a.ctrl.Ready():
		logger.Info("all switches connected")
	case <-ctx.Done():
		return nil
	}

	sum, err := a.runner.Sweep(ctx)
	if rerr := eval.Render(out, sum, a.output); rerr != nil {
		err = errors.Join(err, fmt.Errorf("render summary: %w", rerr))
	}

	c := a.network.Counters()
	logger.Info("sweep finished",
		slog.Int("campaigns", len(sum.Reports)),
		slog.Bool("partial", sum.Partial()),
		slog.Uint64("packets_injected", c.Injected),
		slog.Uint64("packets_forwarded", c.Forwarded),
		slog.Uint64("packet_ins", c.PacketIns),
		slog.Uint64("packets_dropped", c.Dropped),
	)

	switch {
	case err != nil:
		return err
	case sum.Partial():
		return errPartialSweep
	default:
		return nil
	}
}

// -------------------------------------------------------------------------
// Metrics server
// -------------------------------------------------------------------------

func startMetricsServer(
	ctx context.Context,
	g *errgroup.Group,
	cfg config.MetricsConfig,
	reg *prometheus.Registry,
	logger *slog.Logger,
) {
	srv := newMetricsServer(cfg, reg)
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Addr),
			slog.String("path", cfg.Path),
		)
		return listenAndServe(ctx, &lc, srv, cfg.Addr)
	})

	g.Go(func() error {
		<-ctx.Done()

		// The parent is cancelled; detach to enforce our own drain timeout.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Config reload
// -------------------------------------------------------------------------

func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	f flags,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading log level")
			reloadLogLevel(f, logLevel, logger)
		}
	}
}

// reloadLogLevel applies log.level from a fresh load. Everything else only
// takes effect on restart.
func reloadLogLevel(f flags, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(f)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Setup helpers
// -------------------------------------------------------------------------

func loadConfig(f flags) (*config.Config, error) {
	if f.legacyPath != "" {
		cfg, err := config.LoadLegacy(f.legacyPath)
		if err != nil {
			return nil, fmt.Errorf("load legacy config from %s: %w", f.legacyPath, err)
		}
		return cfg, nil
	}

	// An empty path still layers VOYAGER_* environment variables on the
	// defaults.
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func loadTopology(cfg config.TopologyConfig) (*topo.Topology, *store.Store, error) {
	t, err := topo.Load(cfg.File)
	if err != nil {
		return nil, nil, fmt.Errorf("load topology: %w", err)
	}
	s, err := store.Load(cfg.StoreDir, cfg.File, t)
	if err != nil {
		return nil, nil, fmt.Errorf("load header store: %w", err)
	}
	return t, s, nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	fh, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", path, err)
	}
	return fh, func() { _ = fh.Close() }, nil
}

// newLoggerWithLevel writes to stderr so the summary owns stdout.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
