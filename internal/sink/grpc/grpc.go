package grpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/lsm/lineflow/internal/correlation"
	"github.com/lsm/lineflow/internal/sink"
	"github.com/lsm/lineflow/internal/tracing"
)

// DefaultMethod is invoked when Config.Method is empty.
const DefaultMethod = "/lineflow.v1.Lines/Deliver"

const defaultTimeout = 30 * time.Second

type Config struct {
	Address string
	Method  string
	// TLS dials with the system roots instead of plaintext.
	TLS     bool
	Timeout time.Duration
}

// Sink makes one unary call per output chunk. The chunk is the raw request
// payload and its headers become call metadata.
type Sink struct {
	conn    *grpc.ClientConn
	method  string
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewSink(cfg Config) (*Sink, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("gRPC address is required")
	}
	creds := insecure.NewCredentials()
	if cfg.TLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(creds),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", cfg.Address, err)
	}
	return newSink(conn, cfg), nil
}

func newSink(conn *grpc.ClientConn, cfg Config) *Sink {
	s := &Sink{
		conn:    conn,
		method:  cfg.Method,
		timeout: cfg.Timeout,
		logger:  slog.Default(),
		tracer:  noop.NewTracerProvider().Tracer("grpc-sink"),
	}
	if s.method == "" {
		s.method = DefaultMethod
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	return s
}

func (s *Sink) SetTracer(tracer trace.Tracer) { s.tracer = tracer }

func (s *Sink) SetLogger(logger *slog.Logger) { s.logger = logger }

// Deliver invokes the configured method with chunk as payload. The response
// payload is ignored.
func (s *Sink) Deliver(ctx context.Context, chunk []byte, headers map[string]string) error {
	start := time.Now()
	stream := headers[sink.HeaderStream]
	corrID := correlation.ExtractOrGenerate(headers)

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanGRPCDeliver,
		trace.WithAttributes(
			tracing.GRPCMethodAttr(s.method),
			tracing.StreamAttr(stream),
			tracing.CorrelationAttr(corrID.Value),
			tracing.ChunkBytesAttr(len(chunk)),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx = metadata.NewOutgoingContext(ctx, callMetadata(ctx, headers))

	var reply []byte
	err := s.conn.Invoke(ctx, s.method, chunk, &reply, grpc.ForceCodec(bytesCodec{}))
	if err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("delivery failed",
			"stream", stream,
			"correlation_id", corrID.Value,
			"target", s.conn.Target(),
			"code", status.Code(err).String(),
			"error", err,
		)
		return fmt.Errorf("grpc deliver: %w", err)
	}

	tracing.SetSpanOK(span)
	s.logger.Debug("chunk delivered",
		"stream", stream,
		"target", s.conn.Target(),
		"bytes", len(chunk),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func callMetadata(ctx context.Context, headers map[string]string) metadata.MD {
	md := metadata.New(headers)
	for k, v := range correlation.InjectTraceContext(ctx, nil) {
		md.Set(k, v)
	}
	return md
}

// IsPermanent reports whether err carries a status code that resending the
// same chunk cannot change.
func IsPermanent(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied,
		codes.FailedPrecondition, codes.OutOfRange, codes.Unimplemented, codes.Unauthenticated:
		return true
	}
	return false
}

func (s *Sink) Close() error {
	return s.conn.Close()
}

// bytesCodec passes []byte payloads through unchanged so no generated
// message types are needed.
type bytesCodec struct{}

func (bytesCodec) Marshal(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return nil, fmt.Errorf("bytes codec: cannot marshal %T", v)
}

func (bytesCodec) Unmarshal(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("bytes codec: cannot unmarshal into %T", v)
	}
	*p = append((*p)[:0], data...)
	return nil
}

func (bytesCodec) Name() string { return "lineflow-bytes" }
