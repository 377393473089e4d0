// ristbond daemon -- multi-path RIST bonding: weighted per-packet dispatch
// across bonded links plus an adaptive encoder bitrate control loop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	adminapi "github.com/dantte-lp/ristbond/internal/admin"
	"github.com/dantte-lp/ristbond/internal/bitrate"
	"github.com/dantte-lp/ristbond/internal/config"
	"github.com/dantte-lp/ristbond/internal/dispatch"
	metrics "github.com/dantte-lp/ristbond/internal/metrics"
	"github.com/dantte-lp/ristbond/internal/netio"
	appversion "github.com/dantte-lp/ristbond/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

// ristPort is the UDP destination port used for bonded link senders built
// from declarative link config. Every link uses this one fixed port; the
// link's Transport field is not consulted.
const ristPort = 1968

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("ristbond starting",
		slog.String("version", appversion.Version),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("scheduler", string(cfg.Dispatch.Scheduler)),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	d := dispatch.New(cfg.Dispatch,
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(collector),
	)

	ctrl := bitrate.New(cfg.Bitrate,
		bitrate.TelemetrySourceFunc(d.TelemetrySnapshot),
		bitrate.WithLogger(logger),
		bitrate.WithMetrics(collector),
		bitrate.WithDispatcher(d),
	)

	if err := runServers(cfg, d, ctrl, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("ristbond exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("ristbond stopped")
	return 0
}

// runServers sets up and runs the dispatcher, bitrate controller, admin,
// and metrics servers using an errgroup with signal-aware context for
// graceful shutdown.
func runServers(
	cfg *config.Config,
	d *dispatch.Dispatcher,
	ctrl *bitrate.Controller,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	adminSrv := newAdminServer(cfg.Admin, d, ctrl, logger)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	links := newLinkReconciler(d, logger)
	defer links.closeAll()

	g.Go(func() error {
		return d.Run(gCtx)
	})
	g.Go(func() error {
		return ctrl.Run(gCtx)
	})

	startHTTPServers(gCtx, g, cfg, adminSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, links, logger)

	links.reconcile(cfg.Links)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, fr, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the admin and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	adminSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin server listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(ctx, &lc, adminSrv, cfg.Admin.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	links *linkReconciler,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, links, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured watchdog interval. Exits immediately if no watchdog is set.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + link reconciliation
// -------------------------------------------------------------------------

func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	links *linkReconciler,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, links, logger)
		}
	}
}

// reloadConfig loads a fresh configuration, updates the dynamic log level,
// and reconciles declarative links. Errors are logged but do not stop the
// daemon -- the previous configuration remains in effect.
func reloadConfig(
	configPath string,
	logLevel *slog.LevelVar,
	links *linkReconciler,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
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

	links.reconcile(newCfg.Links)
}

// -------------------------------------------------------------------------
// Link Reconciliation
// -------------------------------------------------------------------------

// linkReconciler diffs the declarative link set from config against the
// dispatcher's currently attached outputs, attaching newly added links and
// detaching removed ones on startup and SIGHUP reload.
type linkReconciler struct {
	mu      sync.Mutex
	dispatc *dispatch.Dispatcher
	logger  *slog.Logger
	byKey   map[string]attachedLink
}

type attachedLink struct {
	handle dispatch.Handle
	sender *netio.RISTSender
}

func newLinkReconciler(d *dispatch.Dispatcher, logger *slog.Logger) *linkReconciler {
	return &linkReconciler{
		dispatc: d,
		logger:  logger,
		byKey:   make(map[string]attachedLink),
	}
}

// reconcile attaches every link in desired not already present, and
// detaches every currently attached link absent from desired.
func (r *linkReconciler) reconcile(desired []config.LinkConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[string]config.LinkConfig, len(desired))
	for _, lc := range desired {
		wanted[lc.LinkKey()] = lc
	}

	for key, cur := range r.byKey {
		if _, ok := wanted[key]; !ok {
			r.dispatc.RemoveOutput(cur.handle)
			if err := cur.sender.Close(); err != nil {
				r.logger.Warn("failed to close removed link sender",
					slog.String("link_key", key), slog.String("error", err.Error()))
			}
			delete(r.byKey, key)
			r.logger.Info("link detached", slog.String("link_key", key))
		}
	}

	for key, lc := range wanted {
		if _, ok := r.byKey[key]; ok {
			continue
		}
		if err := r.attachLocked(key, lc); err != nil {
			r.logger.Error("failed to attach link, skipping",
				slog.String("link_key", key), slog.String("error", err.Error()))
		}
	}
}

func (r *linkReconciler) attachLocked(key string, lc config.LinkConfig) error {
	peer, err := lc.PeerAddr()
	if err != nil {
		return fmt.Errorf("link peer: %w", err)
	}
	local, err := lc.LocalAddr()
	if err != nil {
		return fmt.Errorf("link local: %w", err)
	}

	sender, err := netio.NewRISTSender(local, peer, ristPort, netio.WithSenderLogger(r.logger))
	if err != nil {
		return fmt.Errorf("create rist sender: %w", err)
	}

	handle, err := r.dispatc.AddOutput(sender, peer, local)
	if err != nil {
		_ = sender.Close()
		return fmt.Errorf("add output: %w", err)
	}

	r.byKey[key] = attachedLink{handle: handle, sender: sender}
	r.logger.Info("link attached", slog.String("link_key", key), slog.String("peer", peer.String()))
	return nil
}

func (r *linkReconciler) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, cur := range r.byKey {
		if err := cur.sender.Close(); err != nil {
			r.logger.Warn("failed to close link sender during shutdown",
				slog.String("link_key", key), slog.String("error", err.Error()))
		}
	}
}

// -------------------------------------------------------------------------
// Shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder — Go 1.26 runtime/trace
// -------------------------------------------------------------------------

// startFlightRecorder initializes and starts the Go 1.26 FlightRecorder for
// post-mortem debugging of dispatcher/bitrate anomalies (e.g. a flapping
// link around the time a failover fired).
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

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

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newAdminServer creates the h2c-wrapped HTTP server for the control-plane
// admin API: link state, weight read/write, bitrate, event stream, and
// liveness checking all share this listener (grpchealth included, so
// clients still built against gRPC health checking keep working).
func newAdminServer(cfg config.AdminConfig, d *dispatch.Dispatcher, ctrl *bitrate.Controller, logger *slog.Logger) *http.Server {
	handler := adminapi.New(d, d, d, ctrl, adminapi.WithLogger(logger))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
