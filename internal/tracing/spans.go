package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanUpload   = "cdcsink.upload"
	SpanAnnounce = "cdcsink.announce"
)

// Attribute keys.
const (
	AttrSpoolPath      = "cdcsink.spool.path"
	AttrTable          = "cdcsink.table"
	AttrOutcome        = "cdcsink.outcome"
	AttrAttempts       = "cdcsink.attempts"
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.destination.partition"
	AttrKafkaOffset    = "messaging.kafka.message.offset"
	AttrHTTPStatus     = "http.status_code"
	AttrMode           = "cdcsink.mode"
)

// StartSpan starts a span, or returns the span already in ctx when tracer is nil.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records err on span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks span successful.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

func SpoolPathAttr(path string) attribute.KeyValue  { return attribute.String(AttrSpoolPath, path) }
func TableAttr(table string) attribute.KeyValue     { return attribute.String(AttrTable, table) }
func OutcomeAttr(o string) attribute.KeyValue       { return attribute.String(AttrOutcome, o) }
func AttemptsAttr(n int) attribute.KeyValue         { return attribute.Int(AttrAttempts, n) }
func KafkaTopicAttr(t string) attribute.KeyValue    { return attribute.String(AttrKafkaTopic, t) }
func HTTPStatusAttr(code int) attribute.KeyValue    { return attribute.Int(AttrHTTPStatus, code) }
func KafkaPartitionAttr(p int32) attribute.KeyValue { return attribute.Int(AttrKafkaPartition, int(p)) }
func KafkaOffsetAttr(o int64) attribute.KeyValue    { return attribute.Int64(AttrKafkaOffset, o) }
