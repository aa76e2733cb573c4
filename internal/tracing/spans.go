package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanChunkReceived = "lineflow.chunk.receive"
	SpanStreamEnd     = "lineflow.stream.end"
	SpanKafkaConsume  = "kafka.consume"
	SpanKafkaPublish  = "kafka.publish"
	SpanHTTPDeliver   = "http.deliver"
	SpanGRPCDeliver   = "grpc.deliver"
)

// Attribute keys. Transport keys follow the OpenTelemetry semantic
// conventions; the rest live under "lineflow.".
const (
	AttrFlowName       = "lineflow.flow.name"
	AttrStreamID       = "lineflow.stream.id"
	AttrCorrelationID  = "lineflow.correlation_id"
	AttrChunkBytes     = "lineflow.chunk.bytes"
	AttrChunkOffset    = "lineflow.chunk.offset"
	AttrLines          = "lineflow.lines"
	AttrFailedLine     = "lineflow.failed_line"
	AttrErrorType      = "error.type"
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrKafkaOffset    = "messaging.kafka.offset"
	AttrHTTPTarget     = "http.target"
	AttrHTTPMethod     = "http.method"
	AttrGRPCMethod     = "rpc.grpc.method"
)

// StartSpan starts name under tracer. A nil tracer leaves ctx alone and
// returns the span already in it.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records err as an event and marks the span failed.
func SetSpanError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func SetSpanOK(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

func FlowAttr(name string) attribute.KeyValue      { return attribute.String(AttrFlowName, name) }
func StreamAttr(id string) attribute.KeyValue      { return attribute.String(AttrStreamID, id) }
func CorrelationAttr(id string) attribute.KeyValue { return attribute.String(AttrCorrelationID, id) }
func ChunkBytesAttr(n int) attribute.KeyValue      { return attribute.Int(AttrChunkBytes, n) }
func ChunkOffsetAttr(off int64) attribute.KeyValue { return attribute.Int64(AttrChunkOffset, off) }
func LinesAttr(n uint64) attribute.KeyValue        { return attribute.Int64(AttrLines, int64(n)) }
func FailedLineAttr(n uint64) attribute.KeyValue   { return attribute.Int64(AttrFailedLine, int64(n)) }
func ErrorTypeAttr(code string) attribute.KeyValue { return attribute.String(AttrErrorType, code) }

func KafkaTopicAttr(topic string) attribute.KeyValue { return attribute.String(AttrKafkaTopic, topic) }
func KafkaPartitionAttr(p int32) attribute.KeyValue {
	return attribute.Int64(AttrKafkaPartition, int64(p))
}
func KafkaOffsetAttr(off int64) attribute.KeyValue { return attribute.Int64(AttrKafkaOffset, off) }

func HTTPTargetAttr(url string) attribute.KeyValue    { return attribute.String(AttrHTTPTarget, url) }
func HTTPMethodAttr(method string) attribute.KeyValue { return attribute.String(AttrHTTPMethod, method) }
func GRPCMethodAttr(method string) attribute.KeyValue { return attribute.String(AttrGRPCMethod, method) }
