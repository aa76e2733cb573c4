package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/lineflow/internal/correlation"
	"github.com/lsm/lineflow/internal/kafka"
	"github.com/lsm/lineflow/internal/source"
	"github.com/lsm/lineflow/internal/tracing"
)

// HeaderEndOfStream marks a record as the last one of its stream. The
// record value, if any, is delivered before the stream is ended.
const HeaderEndOfStream = "lineflow-end-of-stream"

type Config struct {
	Cluster       *kafka.ClusterConfig
	Topic         string
	ConsumerGroup string
	// StartOffset is "earliest" or "latest" (the default). It only applies
	// when the group has no committed offset.
	StartOffset string
}

func (c Config) validate() error {
	switch {
	case c.Cluster == nil:
		return fmt.Errorf("cluster config is required")
	case c.Topic == "":
		return fmt.Errorf("topic is required")
	case c.ConsumerGroup == "":
		return fmt.Errorf("consumer group is required")
	}
	return nil
}

func (c Config) resetOffset() (kgo.Offset, error) {
	switch c.StartOffset {
	case "", "latest":
		return kgo.NewOffset().AtEnd(), nil
	case "earliest":
		return kgo.NewOffset().AtStart(), nil
	}
	return kgo.Offset{}, fmt.Errorf("startOffset must be earliest or latest, got %q", c.StartOffset)
}

// consumer is the part of *kgo.Client the source uses.
type consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
	Close()
}

// Source turns records of a topic into chunks. The record key names the
// stream, keyless records belong to "topic/partition". A stream ends when a
// record carrying HeaderEndOfStream arrives.
type Source struct {
	client consumer
	topic  string
	logger *slog.Logger
	tracer trace.Tracer

	// positions holds the byte offset reached by every open stream.
	positions map[string]int64
}

func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	reset, err := cfg.resetOffset()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := kafka.ClientOptions(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	client, err := kgo.NewClient(append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
	)...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return newSource(client, cfg.Topic, logger), nil
}

func newSource(client consumer, topic string, logger *slog.Logger) *Source {
	return &Source{
		client:    client,
		topic:     topic,
		logger:    logger,
		tracer:    noop.NewTracerProvider().Tracer("kafka-source"),
		positions: make(map[string]int64),
	}
}

func (s *Source) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// StreamOf returns the stream a record belongs to.
func StreamOf(record *kgo.Record) string {
	if len(record.Key) > 0 {
		return string(record.Key)
	}
	return record.Topic + "/" + strconv.Itoa(int(record.Partition))
}

// Start polls until ctx is done. Every record of a fetch is handled before
// the cancellation is noticed. A record the handler fails on is left
// uncommitted and Start returns, so the group resumes from it on restart.
func (s *Source) Start(ctx context.Context, handler func(context.Context, source.Chunk) error) error {
	s.logger.Info("starting kafka consumer", "topic", s.topic)
	for ctx.Err() == nil {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("fetch error", "topic", topic, "partition", partition, "error", err)
			}
		})
		for iter := fetches.RecordIter(); !iter.Done(); {
			record := iter.Next()
			if err := s.handleRecord(ctx, record, handler); err != nil {
				return fmt.Errorf("record %s/%d@%d: %w", record.Topic, record.Partition, record.Offset, err)
			}
		}
	}
	s.logger.Info("kafka source drained", "topic", s.topic)
	return ctx.Err()
}

// chunks splits a record into the chunk carrying its value and, for the
// last record of a stream, the end marker. It also returns the stream's
// position after the record.
func (s *Source) chunks(stream string, record *kgo.Record, headers map[string]string) ([]source.Chunk, int64) {
	var out []source.Chunk
	pos := s.positions[stream]
	if len(record.Value) > 0 {
		out = append(out, source.Chunk{Stream: stream, Data: record.Value, Headers: headers, Offset: pos})
		pos += int64(len(record.Value))
	}
	if headers[HeaderEndOfStream] == "true" {
		out = append(out, source.Chunk{Stream: stream, Headers: headers, Offset: pos, End: true})
	}
	return out, pos
}

// handleRecord passes the chunks of a record to handler and commits it. It
// returns the handler error unless the stream was stopped, in which case the
// record is committed.
func (s *Source) handleRecord(ctx context.Context, record *kgo.Record, handler func(context.Context, source.Chunk) error) error {
	headers := make(map[string]string, len(record.Headers)+1)
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	corrID := correlation.ExtractOrGenerate(headers)
	headers = correlation.AddToHeaders(headers, corrID)
	stream := StreamOf(record)
	log := s.logger.With("stream", stream, "topic", record.Topic, "partition", record.Partition, "offset", record.Offset)

	recordCtx, span := tracing.StartSpan(correlation.ExtractTraceContext(ctx, headers), s.tracer, tracing.SpanKafkaConsume,
		trace.WithAttributes(
			tracing.KafkaTopicAttr(record.Topic),
			tracing.KafkaPartitionAttr(record.Partition),
			tracing.KafkaOffsetAttr(record.Offset),
			tracing.StreamAttr(stream),
			tracing.CorrelationAttr(corrID.Value),
		),
	)
	defer span.End()
	log.DebugContext(recordCtx, "record received", "correlation_id", corrID.Value, "bytes", len(record.Value))

	chunks, pos := s.chunks(stream, record, headers)
	for _, chunk := range chunks {
		err := handler(recordCtx, chunk)
		if err == nil {
			continue
		}
		tracing.SetSpanError(span, err)
		log.ErrorContext(recordCtx, "handler error", "error", err)
		if !errors.Is(err, source.ErrStreamStopped) {
			return err
		}
	}

	if headers[HeaderEndOfStream] == "true" {
		delete(s.positions, stream)
	} else {
		s.positions[stream] = pos
	}

	s.client.MarkCommitRecords(record)
	if err := s.client.CommitMarkedOffsets(ctx); err != nil {
		// Marks are cumulative, the next commit covers this record.
		tracing.SetSpanError(span, err)
		log.ErrorContext(recordCtx, "commit error", "error", err)
		return nil
	}
	tracing.SetSpanOK(span)
	return nil
}

func (s *Source) Close() error {
	s.client.Close()
	return nil
}
