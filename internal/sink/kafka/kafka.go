package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/lineflow/internal/correlation"
	"github.com/lsm/lineflow/internal/sink"
	"github.com/lsm/lineflow/internal/tracing"
)

// Publisher produces records to Kafka. *kafka.PooledPublisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

type Config struct {
	Topic string
}

// Sink writes every output chunk as one record keyed by its stream, so a
// stream lands on one partition in order.
type Sink struct {
	publisher Publisher
	topic     string
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewSink(cfg Config, pub Publisher) (*Sink, error) {
	switch {
	case pub == nil:
		return nil, fmt.Errorf("publisher is required")
	case cfg.Topic == "":
		return nil, fmt.Errorf("topic is required")
	}
	return &Sink{
		publisher: pub,
		topic:     cfg.Topic,
		logger:    slog.Default(),
		tracer:    noop.NewTracerProvider().Tracer("kafka-sink"),
	}, nil
}

func (s *Sink) SetTracer(tracer trace.Tracer) { s.tracer = tracer }

func (s *Sink) SetLogger(logger *slog.Logger) { s.logger = logger }

func (s *Sink) Deliver(ctx context.Context, chunk []byte, headers map[string]string) error {
	start := time.Now()
	stream := headers[sink.HeaderStream]
	corrID := correlation.ExtractOrGenerate(headers)
	log := s.logger.With("stream", stream, "target", s.topic)

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanKafkaPublish,
		trace.WithAttributes(
			tracing.KafkaTopicAttr(s.topic),
			tracing.StreamAttr(stream),
			tracing.CorrelationAttr(corrID.Value),
			tracing.ChunkBytesAttr(len(chunk)),
		),
	)
	defer span.End()

	var key []byte
	if stream != "" {
		key = []byte(stream)
	}
	recordHeaders := correlation.InjectTraceContext(ctx, maps.Clone(headers))

	if err := s.publisher.Publish(ctx, s.topic, key, chunk, recordHeaders); err != nil {
		tracing.SetSpanError(span, err)
		log.ErrorContext(ctx, "delivery failed", "correlation_id", corrID.Value, "error", err)
		return err
	}
	tracing.SetSpanOK(span)
	log.DebugContext(ctx, "chunk delivered", "bytes", len(chunk), "latency_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *Sink) Close() error {
	return s.publisher.Close()
}
