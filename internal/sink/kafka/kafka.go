// Package kafka announces delivered spool files as CloudEvents on a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	cloudevent "github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/cdcsink/internal/kafka"
	"github.com/lsm/cdcsink/internal/sink"
	"github.com/lsm/cdcsink/internal/tracing"
)

// EventType is the CloudEvent type of a spool announcement.
const EventType = "cdcsink.spool.ready"

const defaultSource = "cdcsink"

// publisher abstracts the kafka publisher for testing.
type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// Config holds announce stage configuration.
type Config struct {
	Cluster *kafka.ClusterConfig // required
	Topic   string
	Source  string // CloudEvent source, defaults to "cdcsink"
}

// Announcement is the CloudEvent data of a spool announcement.
type Announcement struct {
	Schema  string   `json:"schema"`
	Table   string   `json:"table"`
	Path    string   `json:"path"`
	Columns []string `json:"columns"`
}

// Stage publishes a descriptor for every file it receives. It implements sink.Stage.
type Stage struct {
	publisher publisher
	topic     string
	source    string
	now       func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewStage creates a new announce stage.
func NewStage(cfg Config) (*Stage, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	pub, err := kafka.NewPublisher(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	return newStage(cfg, pub), nil
}

func newStage(cfg Config, pub publisher) *Stage {
	src := cfg.Source
	if src == "" {
		src = defaultSource
	}
	return &Stage{
		publisher: pub,
		topic:     cfg.Topic,
		source:    src,
		now:       time.Now,
		logger:    slog.Default(),
		tracer:    noop.NewTracerProvider().Tracer("announce"),
	}
}

// SetTracer sets the tracer for the stage.
func (s *Stage) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// SetLogger sets the logger for the stage.
func (s *Stage) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Insert publishes the descriptor keyed by table. Any error is Failed.
func (s *Stage) Insert(ctx context.Context, d sink.Descriptor) sink.Outcome {
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanAnnounce,
		trace.WithAttributes(
			tracing.KafkaTopicAttr(s.topic),
			tracing.TableAttr(d.Table),
			tracing.SpoolPathAttr(d.Path),
		),
	)
	defer span.End()

	value, err := s.envelope(d)
	if err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("cannot build announcement", "path", d.Path, "error", err)
		return sink.Failed
	}

	headers := map[string]string{"content-type": cloudevent.ApplicationCloudEventsJSON}
	if err := s.publisher.Publish(ctx, s.topic, []byte(d.Table), value, headers); err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("announce failed", "path", d.Path, "topic", s.topic, "error", err)
		return sink.Failed
	}

	tracing.SetSpanOK(span)
	s.logger.Info("spool file announced",
		"path", d.Path,
		"topic", s.topic,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return sink.Delivered
}

func (s *Stage) envelope(d sink.Descriptor) ([]byte, error) {
	ce := cloudevent.New()
	ce.SetID(uuid.NewString())
	ce.SetSource(s.source)
	ce.SetType(EventType)
	ce.SetSubject(d.Schema + "." + d.Table)
	ce.SetTime(s.now().UTC())
	if err := ce.SetData(cloudevent.ApplicationJSON, Announcement{
		Schema:  d.Schema,
		Table:   d.Table,
		Path:    d.Path,
		Columns: d.Columns,
	}); err != nil {
		return nil, fmt.Errorf("set data: %w", err)
	}
	if err := ce.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cloudevent: %w", err)
	}
	return json.Marshal(ce)
}

// Close shuts down the Kafka publisher.
func (s *Stage) Close() error {
	return s.publisher.Close()
}
