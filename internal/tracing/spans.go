package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute key constants for consistent span attributes.
const (
	AttrStream         = "drift.stream"
	AttrSinkID         = "drift.sink.id"
	AttrBatchSize      = "drift.batch.size"
	AttrRetireReason   = "drift.retire.reason"
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrKafkaOffset    = "messaging.kafka.offset"
)

// Span name constants for consistent span naming.
const (
	SpanMessage      = "drift.message"
	SpanDrain        = "drift.drain"
	SpanFlush        = "drift.flush"
	SpanKafkaConsume = "kafka.consume"
)

// StartSpan starts a new span with the given name and options. If tracer is
// nil, returns a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// StreamAttr returns an attribute for the stream name.
func StreamAttr(stream string) attribute.KeyValue {
	return attribute.String(AttrStream, stream)
}

// SinkIDAttr returns an attribute for the sink identity.
func SinkIDAttr(id string) attribute.KeyValue {
	return attribute.String(AttrSinkID, id)
}

// BatchSizeAttr returns an attribute for the flushed batch size.
func BatchSizeAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchSize, n)
}

// RetireReasonAttr returns an attribute for the retirement reason.
func RetireReasonAttr(reason string) attribute.KeyValue {
	return attribute.String(AttrRetireReason, reason)
}

// KafkaTopicAttr returns an attribute for the Kafka topic.
func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

// KafkaPartitionAttr returns an attribute for the Kafka partition.
func KafkaPartitionAttr(partition int32) attribute.KeyValue {
	return attribute.Int64(AttrKafkaPartition, int64(partition))
}

// KafkaOffsetAttr returns an attribute for the Kafka offset.
func KafkaOffsetAttr(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrKafkaOffset, offset)
}
