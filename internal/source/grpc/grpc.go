package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/lsm/lineflow/internal/correlation"
	"github.com/lsm/lineflow/internal/source"
)

// MetadataStreamID is the response header carrying the assigned stream ID.
const MetadataStreamID = "lineflow-stream-id"

type Config struct {
	ListenAddr string
}

// Source accepts chunk streams on any gRPC method. One client stream is one
// chunk stream: every request message is a chunk of raw bytes and the
// client half-close ends the stream. A unary call is a one-chunk stream.
type Source struct {
	addr   string
	logger *slog.Logger
	server *grpc.Server

	// ListenAddr is the bound address, set before ready is closed.
	ListenAddr string
	ready      chan struct{}
}

func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("gRPC listen address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{addr: cfg.ListenAddr, logger: logger, ready: make(chan struct{})}, nil
}

// Start serves until ctx is done, then lets open streams finish.
func (s *Source) Start(ctx context.Context, handler func(context.Context, source.Chunk) error) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ListenAddr = lis.Addr().String()
	s.server = grpc.NewServer(
		grpc.ForceServerCodec(bytesCodec{}),
		grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
			return s.serveStream(stream, handler)
		}),
	)

	served := make(chan error, 1)
	go func() { served <- s.server.Serve(lis) }()
	s.logger.Info("grpc source starting", "addr", s.ListenAddr)
	close(s.ready)

	select {
	case <-ctx.Done():
		s.server.GracefulStop()
		return ctx.Err()
	case err := <-served:
		return err
	}
}

func (s *Source) Close() error {
	if s.server != nil {
		s.server.Stop()
	}
	return nil
}

func incomingHeaders(ctx context.Context) map[string]string {
	md, _ := metadata.FromIncomingContext(ctx)
	headers := make(map[string]string, len(md)+1)
	for k, v := range md {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return headers
}

func (s *Source) serveStream(stream grpc.ServerStream, handler func(context.Context, source.Chunk) error) error {
	headers := incomingHeaders(stream.Context())
	corrID := correlation.ExtractOrGenerate(headers)
	headers = correlation.AddToHeaders(headers, corrID)
	id := correlation.NewStreamID()
	ctx := correlation.ExtractTraceContext(stream.Context(), headers)
	log := s.logger.With("stream", id)

	method, _ := grpc.MethodFromServerStream(stream)
	log.InfoContext(ctx, "stream opened", "correlation_id", corrID.Value, "correlation_source", corrID.Source, "method", method)
	_ = stream.SetHeader(metadata.Pairs(MetadataStreamID, id))

	var (
		firstErr error
		offset   int64
	)
	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}
	for {
		var data []byte
		err := stream.RecvMsg(&data)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Error("receive", "error", err)
			fail(fmt.Errorf("receive: %w", err))
			break
		}
		chunk := source.Chunk{Stream: id, Data: data, Headers: headers, Offset: offset}
		offset += int64(len(data))
		if err := handler(ctx, chunk); err != nil {
			log.ErrorContext(ctx, "handler error", "offset", chunk.Offset, "error", err)
			fail(err)
			if errors.Is(err, source.ErrStreamStopped) {
				break
			}
		}
	}

	// The end is processed even when the client went away.
	end := source.Chunk{Stream: id, Headers: headers, Offset: offset, End: true}
	if err := handler(context.WithoutCancel(ctx), end); err != nil {
		log.ErrorContext(ctx, "handler error", "end", true, "error", err)
		fail(err)
	}

	switch {
	case firstErr == nil:
		return stream.SendMsg([]byte("ok"))
	case errors.Is(firstErr, source.ErrStreamStopped):
		return status.Error(codes.Aborted, firstErr.Error())
	default:
		return status.Error(codes.Internal, firstErr.Error())
	}
}

// bytesCodec carries request and response messages as plain bytes.
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
