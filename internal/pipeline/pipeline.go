// Package pipeline runs one flow: chunks from a source are fed through a
// per-stream line transformer and the transformed chunks are delivered to a
// sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/lineflow/internal/config"
	"github.com/lsm/lineflow/internal/correlation"
	"github.com/lsm/lineflow/internal/dlq"
	"github.com/lsm/lineflow/internal/linestream"
	"github.com/lsm/lineflow/internal/observability"
	"github.com/lsm/lineflow/internal/ratelimit"
	"github.com/lsm/lineflow/internal/sink"
	"github.com/lsm/lineflow/internal/source"
	"github.com/lsm/lineflow/internal/tracing"
)

// Config holds pipeline configuration.
type Config struct {
	FlowName string
	// SourceName identifies the upstream in dead-letter records.
	SourceName string
	// OnError is config.OnErrorContinue (default) or config.OnErrorStop.
	OnError string
	// PropagateErrors returns callback failures to the source handler so
	// request/response sources can report them.
	PropagateErrors bool
	// LineOptions configure every stream's line transformer.
	LineOptions []linestream.Option
}

// Option configures optional pipeline collaborators.
type Option func(*Pipeline)

// WithMetrics records Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracer sets the tracer used for chunk spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRateLimit throttles chunk admission per stream.
func WithRateLimit(l *ratelimit.Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

// Pipeline orchestrates the source → line transformer → sink flow.
type Pipeline struct {
	config   Config
	source   source.Source
	callback linestream.Callback
	sink     sink.Sink
	dlq      *dlq.Handler
	limiter  *ratelimit.Limiter
	metrics  *observability.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
	// stopped holds streams dropped under the stop policy until their End.
	stopped map[string]struct{}
}

// stream is the per-stream state. mu serializes the handler goroutine of
// the stream with Shutdown.
type stream struct {
	mu          sync.Mutex
	id          string
	transformer *linestream.Transformer
	out         *sinkStage
	ended       bool
}

// New creates a new Pipeline. A nil callback passes lines through
// unchanged. A nil dlqHandler discards failed chunks.
func New(cfg Config, src source.Source, cb linestream.Callback, sk sink.Sink, dlqHandler *dlq.Handler, opts ...Option) *Pipeline {
	if cb == nil {
		cb = linestream.Identity
	}
	if dlqHandler == nil {
		dlqHandler = dlq.NewHandler(&dlq.NoopPublisher{})
	}
	if cfg.OnError == "" {
		cfg.OnError = config.OnErrorContinue
	}
	p := &Pipeline{
		config:   cfg,
		source:   src,
		callback: cb,
		sink:     sk,
		dlq:      dlqHandler,
		tracer:   noop.NewTracerProvider().Tracer("pipeline"),
		logger:   slog.Default(),
		streams:  make(map[string]*stream),
		stopped:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("flow", cfg.FlowName)
	return p
}

// Run starts the pipeline. Blocks until the source returns.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("starting pipeline", "on_error", p.config.OnError)
	return p.source.Start(ctx, p.HandleChunk)
}

// HandleChunk processes one chunk. It is the handler passed to the source.
func (p *Pipeline) HandleChunk(ctx context.Context, chunk source.Chunk) error {
	if chunk.End {
		return p.endStream(ctx, chunk)
	}
	if p.isStopped(chunk.Stream) {
		return fmt.Errorf("%w: %s", source.ErrStreamStopped, chunk.Stream)
	}
	if err := p.limiter.Wait(ctx, chunk.Stream); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	corrID := chunk.Headers[correlation.HeaderCorrelationID]
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanChunkReceived,
		trace.WithAttributes(
			tracing.FlowAttr(p.config.FlowName),
			tracing.StreamAttr(chunk.Stream),
			tracing.CorrelationAttr(corrID),
			tracing.ChunkBytesAttr(len(chunk.Data)),
			tracing.ChunkOffsetAttr(chunk.Offset),
		),
	)
	defer span.End()

	st, err := p.open(chunk)
	if err != nil {
		tracing.SetSpanError(span, err)
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ended {
		return fmt.Errorf("%w: %s", source.ErrStreamStopped, chunk.Stream)
	}

	start := time.Now()
	before := st.transformer.Lines()
	err = st.transformer.Write(ctx, chunk.Data)
	lines := st.transformer.Lines() - before
	p.observe(start, lines, err)
	span.SetAttributes(tracing.LinesAttr(lines))

	if err != nil {
		tracing.SetSpanError(span, err)
		return p.handleError(ctx, st, chunk, err)
	}
	tracing.SetSpanOK(span)
	return nil
}

// open returns the stream state, creating its transformer on first use.
func (p *Pipeline) open(chunk source.Chunk) (*stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st, ok := p.streams[chunk.Stream]; ok {
		return st, nil
	}

	headers := make(map[string]string, len(chunk.Headers)+1)
	maps.Copy(headers, chunk.Headers)
	headers[sink.HeaderStream] = chunk.Stream

	out := &sinkStage{sink: p.sink, headers: headers}
	opts := append([]linestream.Option{linestream.WithLogger(p.logger)}, p.config.LineOptions...)
	t, err := linestream.New(p.callback, out, opts...)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", chunk.Stream, err)
	}

	st := &stream{id: chunk.Stream, transformer: t, out: out}
	p.streams[chunk.Stream] = st
	if p.metrics != nil {
		p.metrics.OpenStreams.WithLabelValues(p.config.FlowName).Inc()
	}
	p.logger.Debug("stream opened", "stream", chunk.Stream, "correlation_id", chunk.Headers[correlation.HeaderCorrelationID])
	return st, nil
}

// remove detaches a stream. It reports false if the stream was already gone.
func (p *Pipeline) remove(st *stream) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.streams[st.id]; !ok || cur != st {
		return false
	}
	delete(p.streams, st.id)
	if p.metrics != nil {
		p.metrics.OpenStreams.WithLabelValues(p.config.FlowName).Dec()
	}
	return true
}

func (p *Pipeline) isStopped(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.stopped[id]
	return ok
}

// endStream flushes the carry of a stream and ends it.
func (p *Pipeline) endStream(ctx context.Context, chunk source.Chunk) error {
	p.mu.Lock()
	_, wasStopped := p.stopped[chunk.Stream]
	delete(p.stopped, chunk.Stream)
	st, ok := p.streams[chunk.Stream]
	p.mu.Unlock()

	p.limiter.Forget(chunk.Stream)
	if wasStopped || !ok {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanStreamEnd,
		trace.WithAttributes(
			tracing.FlowAttr(p.config.FlowName),
			tracing.StreamAttr(chunk.Stream),
			tracing.ChunkOffsetAttr(chunk.Offset),
		),
	)
	defer span.End()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ended || !p.remove(st) {
		return nil
	}

	err := p.finish(ctx, st)
	if err != nil {
		tracing.SetSpanError(span, err)
		var cbErr *linestream.CallbackError
		if errors.As(err, &cbErr) {
			p.deadLetter(ctx, chunk, []byte(cbErr.Text), cbErr)
			if !p.config.PropagateErrors {
				return nil
			}
		}
		return err
	}
	tracing.SetSpanOK(span)
	p.logger.DebugContext(ctx, "stream ended", "stream", chunk.Stream, "lines", st.transformer.Lines(), "bytes", chunk.Offset)
	return nil
}

// finish ends the transformer of a detached stream. The caller holds st.mu.
func (p *Pipeline) finish(ctx context.Context, st *stream) error {
	st.ended = true
	start := time.Now()
	before := st.transformer.Lines()
	err := st.transformer.End(ctx)
	p.observe(start, st.transformer.Lines()-before, err)
	return err
}

func (p *Pipeline) handleError(ctx context.Context, st *stream, chunk source.Chunk, err error) error {
	var cbErr *linestream.CallbackError
	if !errors.As(err, &cbErr) {
		p.logger.ErrorContext(ctx, "chunk processing failed",
			"stream", chunk.Stream,
			"offset", chunk.Offset,
			"error", err,
		)
		return err
	}

	p.deadLetter(ctx, chunk, chunk.Data, cbErr)

	if p.config.OnError != config.OnErrorStop {
		if p.config.PropagateErrors {
			return err
		}
		return nil
	}

	st.ended = true
	p.mu.Lock()
	p.stopped[chunk.Stream] = struct{}{}
	p.mu.Unlock()
	p.remove(st)
	p.logger.WarnContext(ctx, "stream stopped after transform failure", "stream", chunk.Stream, "line", cbErr.Line)
	return fmt.Errorf("%w: %w", source.ErrStreamStopped, err)
}

func (p *Pipeline) deadLetter(ctx context.Context, chunk source.Chunk, data []byte, cbErr *linestream.CallbackError) {
	corrID := chunk.Headers[correlation.HeaderCorrelationID]
	p.logger.ErrorContext(ctx, "line transform failed, sending chunk to DLQ",
		"stream", chunk.Stream,
		"offset", chunk.Offset,
		"line", cbErr.Line,
		"correlation_id", corrID,
		"error", cbErr.Err,
	)
	if p.metrics != nil {
		p.metrics.CallbackErrors.WithLabelValues(p.config.FlowName).Inc()
	}
	trace.SpanFromContext(ctx).SetAttributes(
		tracing.FailedLineAttr(cbErr.Line),
		tracing.ErrorTypeAttr(dlq.ErrorCodeTransformFailed),
	)

	info := dlq.FailureInfo{
		Source:        p.config.SourceName,
		Stream:        chunk.Stream,
		Offset:        chunk.Offset,
		Line:          cbErr.Line,
		ErrorCode:     dlq.ErrorCodeTransformFailed,
		ErrorMessage:  cbErr.Err.Error(),
		FlowName:      p.config.FlowName,
		CorrelationID: corrID,
	}
	if err := p.dlq.Send(ctx, data, info); err != nil {
		p.logger.ErrorContext(ctx, "failed to send to DLQ", "stream", chunk.Stream, "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.DLQTotal.WithLabelValues(p.config.FlowName).Inc()
	}
}

func (p *Pipeline) observe(start time.Time, lines uint64, err error) {
	if p.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(err, linestream.ErrTransformCallback):
		status = "callback_error"
	case errors.Is(err, errDelivery):
		status = "delivery_error"
		p.metrics.SinkDeliveryErrors.WithLabelValues(p.config.FlowName).Inc()
	case err != nil:
		status = "error"
	}
	p.metrics.ChunksTotal.WithLabelValues(p.config.FlowName, status).Inc()
	p.metrics.LinesTotal.WithLabelValues(p.config.FlowName).Add(float64(lines))
	p.metrics.ChunkDuration.WithLabelValues(p.config.FlowName).Observe(time.Since(start).Seconds())
}

// OpenStreams returns the number of streams with a live transformer.
func (p *Pipeline) OpenStreams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

// Shutdown stops the source, ends every open stream so carried partial
// lines are flushed, and closes the sink, the DLQ and the callback. Returns
// all errors joined.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down pipeline")

	var errs []error

	if err := p.source.Close(); err != nil {
		p.logger.Error("source close error", "error", err)
		errs = append(errs, fmt.Errorf("source close: %w", err))
	}

	p.mu.Lock()
	open := make([]*stream, 0, len(p.streams))
	for _, st := range p.streams {
		open = append(open, st)
	}
	p.mu.Unlock()

	for _, st := range open {
		st.mu.Lock()
		if !st.ended && p.remove(st) {
			if err := p.finish(ctx, st); err != nil {
				p.logger.Error("stream end error", "stream", st.id, "error", err)
				errs = append(errs, fmt.Errorf("end stream %s: %w", st.id, err))
			}
		}
		st.mu.Unlock()
	}

	if err := p.sink.Close(); err != nil {
		p.logger.Error("sink close error", "error", err)
		errs = append(errs, fmt.Errorf("sink close: %w", err))
	}
	if err := p.dlq.Close(); err != nil {
		p.logger.Error("dlq close error", "error", err)
		errs = append(errs, fmt.Errorf("dlq close: %w", err))
	}
	if c, ok := p.callback.(io.Closer); ok {
		if err := c.Close(); err != nil {
			p.logger.Error("callback close error", "error", err)
			errs = append(errs, fmt.Errorf("callback close: %w", err))
		}
	}

	p.logger.Info("pipeline shutdown complete")
	return errors.Join(errs...)
}

// errDelivery marks errors returned by the sink.
var errDelivery = errors.New("sink delivery failed")

// sinkStage is the terminal linestream stage of a stream. Every emitted
// chunk is delivered to the sink with the stream's headers.
type sinkStage struct {
	sink    sink.Sink
	headers map[string]string
}

func (s *sinkStage) Write(ctx context.Context, chunk []byte) error {
	if err := s.sink.Deliver(ctx, chunk, s.headers); err != nil {
		return fmt.Errorf("%w: %w", errDelivery, err)
	}
	return nil
}

func (s *sinkStage) End(context.Context) error { return nil }

// Fail is a no-op; the pipeline handles the error returned by Write.
func (s *sinkStage) Fail(context.Context, error) {}
