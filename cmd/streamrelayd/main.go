// SPDX-License-Identifier: MIT

// Command streamrelayd is the supervised multi-stream RTSP-to-RTMP
// republisher daemon. It loads a stream registry, brings every enabled
// stream back up, and keeps them running under the three control loops
// until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamrelay/streamrelay/internal/config"
	"github.com/streamrelay/streamrelay/internal/control"
	"github.com/streamrelay/streamrelay/internal/controlplane"
	"github.com/streamrelay/streamrelay/internal/health"
	"github.com/streamrelay/streamrelay/internal/lock"
	"github.com/streamrelay/streamrelay/internal/pipeline"
	"github.com/streamrelay/streamrelay/internal/pipeline/rtmp"
	"github.com/streamrelay/streamrelay/internal/pipeline/rtsp"
	"github.com/streamrelay/streamrelay/internal/registry"
	"github.com/streamrelay/streamrelay/internal/supervisor"
	"github.com/streamrelay/streamrelay/internal/util"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

func main() {
	var (
		configPath = flag.String("config", config.ConfigFilePath, "path to configuration file")
		logLevel   = flag.String("log-level", "", "override log level (debug, info, warn, error)")
		showHelp   = flag.Bool("help", false, "show usage and exit")
		showVer    = flag.Bool("version", false, "show version and exit")
	)
	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVer {
		fmt.Printf("streamrelayd %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	cfg := loadConfiguration(*configPath)
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	ctx := setupSignalHandler(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// loadConfiguration loads the configuration file, falling back to defaults
// if the file does not exist so a fresh install can start with zero config.
func loadConfiguration(path string) *config.Config {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("config file not found, using defaults", "path", path)
			return config.DefaultConfig()
		}
		slog.Error("failed to load configuration, using defaults", "path", path, "error", err)
		return config.DefaultConfig()
	}
	return cfg
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	fl, err := lock.NewFileLock(cfg.Registry.DBPath + ".lock")
	if err != nil {
		return fmt.Errorf("create file lock: %w", err)
	}
	if err := fl.Acquire(lock.DefaultAcquireTimeout); err != nil {
		return fmt.Errorf("another streamrelayd instance is already running against this registry: %w", err)
	}
	defer func() { _ = fl.Release() }()

	store, err := registry.Open(cfg.Registry.DBPath)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer func() { _ = store.Close() }()

	factory := pipelineFactory(cfg, logger)
	sup := supervisor.New(store, factory, logger)

	// The dispatcher has to be running before any intent is sent: Intent
	// blocks until the dispatcher accepts the message.
	supErrCh := make(chan error, 1)
	go func() { supErrCh <- sup.Run(ctx) }()

	// Bring every stream the registry says should be running back up before
	// serving any requests (original §7): fatal on failure, since an
	// unreadable registry means the daemon has nothing to supervise.
	if err := control.ResumeOnStart(ctx, store, sup, logger); err != nil {
		return fmt.Errorf("resume on start: %w", err)
	}

	ctlCfg := control.Config{
		MaxRetryCount:    cfg.Publisher.MaxRetryCount,
		IntervalTime:     time.Duration(cfg.Publisher.IntervalTime) * time.Millisecond,
		TaskIntervalTime: time.Duration(cfg.Publisher.TaskIntervalTime) * time.Millisecond,
		StatusInterval:   time.Duration(cfg.Publisher.StatusIntervalSec) * time.Second,
		ResumeWarmup:     time.Duration(cfg.Publisher.ResumeWarmupSec) * time.Second,
	}

	// Both loops run for the life of the process with nothing else watching
	// them; wrap each so an unexpected panic is logged and recovered instead
	// of taking the whole daemon down.
	util.SafeGo("retry-abnormal", io.Discard, func() { control.RetryAbnormal(ctx, store, sup, ctlCfg, logger) }, func(r any, stack []byte) {
		logger.Error("retry-abnormal loop panicked, recovered", "panic", r)
	})
	util.SafeGo("status-check", io.Discard, func() { control.StatusCheck(ctx, store, ctlCfg, logger) }, func(r any, stack []byte) {
		logger.Error("status-check loop panicked, recovered", "panic", r)
	})

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- serveHTTP(ctx, cfg, store, sup, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("http server exited", "error", err)
		}
	case err := <-supErrCh:
		if err != nil {
			logger.Error("supervisor exited", "error", err)
		}
	}

	<-supErrCh
	return nil
}

// pipelineFactory closes over the daemon's static RTSP option defaults and
// wires a fresh rtsp.Demuxer/rtmp.Muxer pair into every pipeline run — the
// registry record only ever supplies the per-stream URLs.
func pipelineFactory(cfg *config.Config, logger *slog.Logger) supervisor.PipelineFactory {
	opts := pipeline.InputOptions{
		ConnectTimeout: cfg.RTSP.ConnectTimeout,
		BufferSize:     cfg.RTSP.BufferSize,
		RTBufSize:      cfg.RTSP.RTBufSize,
		ReadTimeout:    cfg.RTSP.ReadTimeout,
		MaxDelay:       cfg.RTSP.MaxDelay,
		RTSPTransport:  "tcp",
	}
	return func(rec *registry.Record) pipeline.Config {
		return pipeline.Config{
			InputURL:   rec.InputURL,
			OutputURL:  rec.OutputURL,
			Input:      opts,
			NewDemuxer: func() pipeline.Demuxer { return rtsp.New() },
			NewMuxer:   func() pipeline.Muxer { return rtmp.New() },
			Logger:     logger.With("stream", rec.Key),
		}
	}
}

// serveHTTP mounts the control-plane HTTP adapter and the health/metrics
// handler on a single listener.
func serveHTTP(ctx context.Context, cfg *config.Config, store *registry.Store, sup *supervisor.Supervisor, logger *slog.Logger) error {
	svc := controlplane.New(store, sup)
	router := controlplane.NewRouter(svc)

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	healthHandler := health.NewHandler(&statusProvider{store: store, sup: sup}, metricsPath)

	mux := http.NewServeMux()
	mux.Handle("/api/", router)
	mux.Handle("/", healthHandler)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	logger.Info("http listening", "addr", addr)
	return health.ListenAndServe(ctx, addr, mux)
}

// statusProvider adapts the registry and supervisor into health.StatusProvider.
// Neither tracks run uptime or exit counts, so Uptime and Failures are
// always reported as zero.
type statusProvider struct {
	store *registry.Store
	sup   *supervisor.Supervisor
}

func (p *statusProvider) Services() []health.ServiceInfo {
	recs, err := p.store.List(context.Background(), 1, 10000, "")
	if err != nil {
		return nil
	}
	infos := make([]health.ServiceInfo, 0, len(recs))
	for _, rec := range recs {
		running := p.sup.Running(rec.ID)
		si := health.ServiceInfo{
			Name:    rec.Key,
			Retries: rec.RetryCount,
		}
		switch {
		case running:
			si.State = "Muxing"
			si.Healthy = true
		case rec.Enabled == 1:
			si.State = "Opening"
			si.Healthy = false
		default:
			si.State = "Closed"
			si.Healthy = rec.Reason == nil
		}
		if rec.Reason != nil {
			si.Error = *rec.Reason
		}
		infos = append(infos, si)
	}
	return infos
}

// setupSignalHandler cancels the returned context on SIGINT/SIGTERM/SIGHUP.
func setupSignalHandler(logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	return ctx
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `streamrelayd %s

USAGE:
    streamrelayd [OPTIONS]

OPTIONS:
    --config PATH     Path to configuration file (default: %s)
    --log-level LVL   Override log level (debug, info, warn, error)
    --version         Show version information
    --help            Show this help message

BEHAVIOR:
    On startup, every stream marked enabled in the registry is resumed
    (fatal if the registry cannot be read). Two background loops then run
    for the life of the process: one retries streams left in an abnormal
    state up to the configured retry ceiling, the other periodically resets
    healthy streams' retry counters. The control-plane HTTP API and health/
    metrics endpoint are served on the same listener.

    Shutdown is triggered by SIGINT, SIGTERM, or SIGHUP.
`, Version, config.ConfigFilePath)
}
