package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/lineflow/internal/correlation"
	"github.com/lsm/lineflow/internal/retry"
	"github.com/lsm/lineflow/internal/sink"
	"github.com/lsm/lineflow/internal/tracing"
)

const defaultContentType = "text/plain; charset=utf-8"

// RetryConfig controls retry behavior for failed deliveries.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// HeaderSource supplies headers that may change between requests, such
// as a rotated credential. *secret.Source satisfies it.
type HeaderSource interface {
	Headers() (map[string]string, error)
}

// Config holds the configuration for an HTTP sink.
type Config struct {
	URL     string
	Method  string
	Headers map[string]string
	// Auth headers are applied last and override everything else.
	Auth  HeaderSource
	Retry RetryConfig
}

// Sink sends every output chunk as the body of one HTTP request.
type Sink struct {
	client *http.Client
	config Config
	logger *slog.Logger
	tracer trace.Tracer
}

func NewSink(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = 200 * time.Millisecond
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = 30 * time.Second
	}

	return &Sink{
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		config: cfg,
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("http-sink"),
	}, nil
}

func (s *Sink) SetTracer(tracer trace.Tracer) { s.tracer = tracer }

func (s *Sink) SetLogger(logger *slog.Logger) { s.logger = logger }

// Deliver posts the chunk, retrying transport errors, 5xx and 429 with
// jittered exponential backoff. Other 4xx responses fail at once.
func (s *Sink) Deliver(ctx context.Context, chunk []byte, headers map[string]string) error {
	start := time.Now()
	stream := headers[sink.HeaderStream]
	corrID := correlation.ExtractOrGenerate(headers)
	log := s.logger.With("stream", stream, "target", s.config.URL)

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanHTTPDeliver,
		trace.WithAttributes(
			tracing.HTTPTargetAttr(s.config.URL),
			tracing.HTTPMethodAttr(s.config.Method),
			tracing.StreamAttr(stream),
			tracing.CorrelationAttr(corrID.Value),
			tracing.ChunkBytesAttr(len(chunk)),
		),
	)
	defer span.End()

	var attempts int
	send := func(attempt int) error {
		attempts = attempt
		err := s.send(ctx, chunk, headers)
		if isPermanent(err) {
			return retry.Permanent(err)
		}
		return err
	}
	onRetry := func(attempt int, err error, wait time.Duration) {
		log.WarnContext(ctx, "delivery attempt failed, retrying", "attempt", attempt, "wait_ms", wait.Milliseconds(), "error", err)
	}
	if err := retry.Do(ctx, s.retryConfig(), send, onRetry); err != nil {
		tracing.SetSpanError(span, err)
		log.ErrorContext(ctx, "delivery failed", "correlation_id", corrID.Value, "attempts", attempts, "error", err)
		return fmt.Errorf("http deliver: %w", err)
	}

	tracing.SetSpanOK(span)
	log.DebugContext(ctx, "chunk delivered",
		"bytes", len(chunk),
		"attempts", attempts,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// requestHeaders layers, from lowest to highest precedence: the default
// content type, configured headers, chunk headers, the trace context and
// auth headers.
func (s *Sink) requestHeaders(ctx context.Context, headers map[string]string) (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", defaultContentType)
	for _, layer := range []map[string]string{s.config.Headers, headers, correlation.InjectTraceContext(ctx, nil)} {
		for k, v := range layer {
			h.Set(k, v)
		}
	}
	if s.config.Auth == nil {
		return h, nil
	}
	auth, err := s.config.Auth.Headers()
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("auth headers: %w", err))
	}
	for k, v := range auth {
		h.Set(k, v)
	}
	return h, nil
}

func (s *Sink) send(ctx context.Context, chunk []byte, headers map[string]string) error {
	h, err := s.requestHeaders(ctx, headers)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, s.config.Method, s.config.URL, bytes.NewReader(chunk))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header = h

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (s *Sink) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:     s.config.Retry.MaxAttempts,
		InitialInterval: s.config.Retry.InitialInterval,
		MaxInterval:     s.config.Retry.MaxInterval,
		Jitter:          0.2,
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.Code)
}

// isPermanent reports 4xx responses other than 429.
func isPermanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
}
