package kafka

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/cdcsink/internal/tracing"
)

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher sends announcements and dead letters one record at a time and
// waits for the broker to acknowledge each. Records are keyed by destination
// table so a table's records share a partition and stay ordered.
type Publisher struct {
	client     producer
	now        func() time.Time
	propagator propagation.TextMapPropagator
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPropagator sets how trace context is written into record headers.
// Defaults to the global propagator.
func WithPropagator(p propagation.TextMapPropagator) PublisherOption {
	return func(pub *Publisher) { pub.propagator = p }
}

// WithClock sets the record timestamp source.
func WithClock(now func() time.Time) PublisherOption {
	return func(pub *Publisher) { pub.now = now }
}

// NewPublisher creates a publisher for the given cluster.
func NewPublisher(cluster *ClusterConfig, opts ...PublisherOption) (*Publisher, error) {
	kopts, err := ClientOptions(cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher client: %w", err)
	}
	return newPublisher(client, opts...), nil
}

func newPublisher(client producer, opts ...PublisherOption) *Publisher {
	p := &Publisher{client: client, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Publish sends one record keyed by table. Headers are written in key order,
// followed by the trace context of ctx. The partition and offset the broker
// assigned are recorded on the span in ctx.
func (p *Publisher) Publish(ctx context.Context, topic string, table, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic:     topic,
		Key:       table,
		Value:     value,
		Timestamp: p.now(),
	}
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(headers[k])})
	}
	prop := p.propagator
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}
	prop.Inject(ctx, recordCarrier{record})

	acked, err := p.client.ProduceSync(ctx, record).First()
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() && acked != nil {
		span.SetAttributes(
			tracing.KafkaPartitionAttr(acked.Partition),
			tracing.KafkaOffsetAttr(acked.Offset),
		)
	}
	return nil
}

// Close flushes nothing: every Publish already waited for its ack.
func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}

// recordCarrier adapts record headers to propagation.TextMapCarrier.
type recordCarrier struct{ r *kgo.Record }

func (c recordCarrier) Get(key string) string {
	for _, h := range c.r.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c recordCarrier) Set(key, value string) {
	for i, h := range c.r.Headers {
		if h.Key == key {
			c.r.Headers[i].Value = []byte(value)
			return
		}
	}
	c.r.Headers = append(c.r.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c recordCarrier) Keys() []string {
	keys := make([]string, len(c.r.Headers))
	for i, h := range c.r.Headers {
		keys[i] = h.Key
	}
	return keys
}
