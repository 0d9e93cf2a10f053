package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsm/cdcsink/internal/config"
	"github.com/lsm/cdcsink/internal/event"
	"github.com/lsm/cdcsink/internal/observability"
	"github.com/lsm/cdcsink/internal/sink/clickhouse"
	"github.com/lsm/cdcsink/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config (defaults to $"+config.PathEnv+")")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (defaults to $"+observability.LogLevelEnv+")")
	recoverSpool := flag.Bool("recover", false, "push spool files left by earlier runs before reading input")
	input := flag.String("input", "-", "JSON lines event file, - for stdin")
	flag.Parse()

	logger := observability.NewLogger("cdcsink", observability.GetLogLevel(*logLevel))
	slog.SetDefault(logger)

	path, err := config.ResolvePath(*configPath)
	if err != nil {
		return err
	}
	loader := config.NewLoader(path, logger)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	health := observability.NewHealthServer()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())

	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("metrics server starting", "addr", cfg.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	traceCfg := tracing.GetConfig("cdcsink")
	traceCfg.Mode = string(cfg.Mode)
	tracer, shutdownTracing, err := tracing.Initialize(ctx, traceCfg, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	app, err := build(ctx, cfg, deps{logger: logger, metrics: metrics, tracer: tracer})
	if err != nil {
		return fmt.Errorf("build %s pipeline: %w", cfg.Mode, err)
	}

	loader.OnChange(func(prev, next *config.Config) { onReload(logger, app, prev, next) })
	watchDone := make(chan struct{})
	go func() {
		if err := loader.Watch(watchDone); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	health.SetReady(true)

	if *recoverSpool {
		if err := app.pipeline.Recover(ctx); err != nil {
			logger.Error("spool recovery incomplete", "error", err)
			health.SetDegraded("spool recovery incomplete")
		}
	}

	in, closeInput, err := openInput(*input)
	if err != nil {
		return err
	}

	logger.Info("cdcsink started", "mode", cfg.Mode, "batch_size", cfg.BatchSize)
	runErr := app.pipeline.Run(ctx, event.NewReader(in), cfg.BatchSize)
	if errors.Is(runErr, clickhouse.ErrFatal) {
		logger.Error("stopping after fatal write failure", "error", runErr)
	}
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	// Graceful shutdown
	health.SetReady(false)
	close(watchDone)
	_ = closeInput()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := app.close(); err != nil {
		logger.Error("sink shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

// onReload applies the settings that can change at runtime. Everything else
// needs a restart.
func onReload(logger *slog.Logger, a *app, prev, next *config.Config) {
	if prev == nil {
		return
	}
	if a.uploader != nil && next.Upload.Token != "" && next.Upload.Token != prev.Upload.Token {
		a.uploader.SetToken(next.Upload.Token)
		logger.Info("upload token rotated")
	}
	if next.Mode != prev.Mode || next.ClickHouse.DSN != prev.ClickHouse.DSN || next.Upload.Host != prev.Upload.Host {
		logger.Warn("config change requires a restart to take effect", "mode", next.Mode)
	}
}

func openInput(name string) (io.Reader, func() error, error) {
	if name == "" || name == "-" {
		return os.Stdin, func() error { return nil }, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, f.Close, nil
}
