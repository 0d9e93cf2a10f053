// Package tracing sets up OpenTelemetry for cdcsink and names its spans.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Environment variables read by GetConfig.
const (
	EnabledEnv     = "CDCSINK_OTEL_ENABLED"
	SampleRatioEnv = "CDCSINK_OTEL_SAMPLE_RATIO"
	InsecureEnv    = "CDCSINK_OTEL_INSECURE"
	EndpointEnv    = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Config holds tracing configuration.
type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64 // fraction of root uploads traced, 0 to 1
	ServiceName string
	Mode        string // delivery mode, recorded on the resource
}

// GetConfig reads tracing configuration from the environment. Tracing is off
// unless CDCSINK_OTEL_ENABLED is "true". Every upload is sampled unless
// CDCSINK_OTEL_SAMPLE_RATIO says otherwise.
func GetConfig(serviceName string) Config {
	endpoint := os.Getenv(EndpointEnv)
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ratio := 1.0
	if v, err := strconv.ParseFloat(os.Getenv(SampleRatioEnv), 64); err == nil && v >= 0 && v <= 1 {
		ratio = v
	}
	return Config{
		Enabled:     strings.EqualFold(os.Getenv(EnabledEnv), "true"),
		Endpoint:    endpoint,
		Insecure:    !strings.EqualFold(os.Getenv(InsecureEnv), "false"),
		SampleRatio: ratio,
		ServiceName: serviceName,
	}
}

// Resource describes this process: service name, host and delivery mode.
func Resource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.Mode != "" {
		attrs = append(attrs, attribute.String(AttrMode, cfg.Mode))
	}
	return resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)
}

// Initialize installs an OTLP/gRPC tracer provider, or a no-op tracer when
// tracing is disabled. The returned function flushes and stops the provider.
func Initialize(ctx context.Context, cfg Config, logger *slog.Logger) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.Enabled {
		logger.Info("tracing disabled, using no-op tracer")
		return noop.NewTracerProvider().Tracer(cfg.ServiceName), func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := Resource(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing initialized",
		"endpoint", cfg.Endpoint, "mode", cfg.Mode, "sample_ratio", cfg.SampleRatio)

	return tp.Tracer(cfg.ServiceName), tp.Shutdown, nil
}
