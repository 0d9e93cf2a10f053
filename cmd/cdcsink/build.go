package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/cdcsink/internal/config"
	"github.com/lsm/cdcsink/internal/dlq"
	"github.com/lsm/cdcsink/internal/kafka"
	"github.com/lsm/cdcsink/internal/observability"
	"github.com/lsm/cdcsink/internal/pipeline"
	"github.com/lsm/cdcsink/internal/sink"
	"github.com/lsm/cdcsink/internal/sink/clickhouse"
	httpsink "github.com/lsm/cdcsink/internal/sink/http"
	kafkasink "github.com/lsm/cdcsink/internal/sink/kafka"
	"github.com/lsm/cdcsink/internal/spool"
)

type deps struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

type app struct {
	pipeline *pipeline.Pipeline
	uploader *httpsink.Client // nil in direct mode
	closers  []func() error
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func build(ctx context.Context, cfg *config.Config, d deps) (*app, error) {
	switch cfg.Mode {
	case config.ModeDirect:
		return buildDirect(ctx, cfg, d)
	case config.ModeSpool:
		return buildSpooled(cfg, d)
	default:
		return nil, fmt.Errorf("unsupported mode: %s", cfg.Mode)
	}
}

func buildDirect(ctx context.Context, cfg *config.Config, d deps) (*app, error) {
	db, err := clickhouse.Open(ctx, cfg.ClickHouse.DSN)
	if err != nil {
		return nil, err
	}
	w, err := clickhouse.NewWriter(clickhouse.Config{Destination: cfg.Destination}, db,
		clickhouse.WithLogger(d.logger.With("sink", "clickhouse")),
		clickhouse.WithMetrics(d.metrics),
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &app{
		pipeline: pipeline.NewDirect(w, pipeline.WithLogger(d.logger), pipeline.WithMetrics(d.metrics)),
		closers:  []func() error{db.Close},
	}, nil
}

func buildSpooled(cfg *config.Config, d deps) (*app, error) {
	a := &app{}

	uploader, err := httpsink.NewClient(httpsink.Config{
		Host:       cfg.Upload.Host,
		Token:      cfg.Upload.Token,
		Table:      cfg.Upload.Table,
		MaxRetries: cfg.Upload.MaxRetries,
		Unit:       cfg.Upload.Unit,
		RateLimit:  cfg.Upload.RateLimit,
		Timeout:    cfg.Upload.Timeout,
	},
		httpsink.WithLogger(d.logger.With("sink", "upload")),
		httpsink.WithMetrics(d.metrics),
		httpsink.WithTracer(d.tracer),
	)
	if err != nil {
		return nil, fmt.Errorf("upload client: %w", err)
	}
	a.uploader = uploader
	chain := sink.Chain{uploader}

	if cfg.Announce.Enabled() {
		st, err := kafkasink.NewStage(kafkasink.Config{Cluster: &cfg.Announce.ClusterConfig, Topic: cfg.Announce.Topic})
		if err != nil {
			_ = chain.Close()
			return nil, fmt.Errorf("announce stage: %w", err)
		}
		st.SetTracer(d.tracer)
		st.SetLogger(d.logger.With("sink", "announce"))
		chain = append(chain, st)
	}
	a.closers = append(a.closers, chain.Close)

	opts := []spool.Option{
		spool.WithLogger(d.logger.With("stage", "spool")),
		spool.WithMetrics(d.metrics),
	}

	if cfg.DLQ.Enabled() {
		pub, err := kafka.NewPublisher(&cfg.DLQ.ClusterConfig)
		if err != nil {
			_ = a.close()
			return nil, fmt.Errorf("dlq publisher: %w", err)
		}
		h := dlq.NewHandler(pub, dlq.WithTopic(cfg.DLQ.Topic))
		a.closers = append(a.closers, h.Close)
		opts = append(opts, spool.WithReporter(h))
	}

	p, err := pipeline.NewSpooled(pipeline.Config{
		Destination:  cfg.Destination,
		Spool:        cfg.Spool,
		Next:         chain,
		SpoolOptions: opts,
	}, pipeline.WithLogger(d.logger), pipeline.WithMetrics(d.metrics))
	if err != nil {
		_ = a.close()
		return nil, err
	}
	a.pipeline = p
	return a, nil
}
