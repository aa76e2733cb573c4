package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/lsm/lineflow/internal/correlation"
	"github.com/lsm/lineflow/internal/source"
)

// HeaderStreamID is set on every response to the stream ID assigned to the
// request body.
const HeaderStreamID = "Lineflow-Stream-Id"

// Config holds HTTP source configuration.
type Config struct {
	ListenAddr string
	Path       string
	// ChunkSize is the body read size (default 64KiB).
	ChunkSize int
}

// Source receives chunk streams via HTTP POST: every request body is one
// stream, read and dispatched in chunks as it arrives.
type Source struct {
	server     *http.Server
	logger     *slog.Logger
	addr       string
	path       string
	chunkSize  int
	ListenAddr string
	ready      chan struct{}
}

// NewSource creates a new HTTP source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("HTTP listen address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.Path
	if path == "" {
		path = "/"
	}
	return &Source{
		addr:      cfg.ListenAddr,
		path:      path,
		chunkSize: cfg.ChunkSize,
		logger:    logger,
		ready:     make(chan struct{}),
	}, nil
}

// Start begins accepting HTTP requests and dispatching chunks to the handler.
// Blocks until ctx is cancelled.
func (s *Source) Start(ctx context.Context, handler func(context.Context, source.Chunk) error) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, streamHandler(handler, s.chunkSize, s.logger))

	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ListenAddr = lis.Addr().String()

	s.server = &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http source starting", "addr", s.ListenAddr, "path", s.path)
		close(s.ready)
		if err := s.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		if err := s.server.Shutdown(context.Background()); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close stops the HTTP server.
func (s *Source) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// streamHandler turns each POST body into one chunk stream. The response is
// 200 when every chunk and the end of the stream were processed, otherwise
// 500 with the first error. A failed chunk does not end the stream unless
// the handler returns source.ErrStreamStopped.
func streamHandler(handler func(context.Context, source.Chunk) error, chunkSize int, logger *slog.Logger) http.HandlerFunc {
	if chunkSize <= 0 {
		chunkSize = source.DefaultChunkSize
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		headers := make(map[string]string)
		for k, v := range r.Header {
			if len(v) > 0 {
				headers[k] = v[0]
			}
		}
		corrID := correlation.ExtractOrGenerate(headers)
		headers = correlation.AddToHeaders(headers, corrID)
		stream := correlation.NewStreamID()
		ctx := correlation.ExtractTraceContext(r.Context(), headers)

		logger.Info("stream opened",
			"stream", stream,
			"correlation_id", corrID.Value,
			"correlation_source", corrID.Source,
			"path", r.URL.Path,
		)
		w.Header().Set(HeaderStreamID, stream)

		var firstErr error
		var offset int64
		buf := make([]byte, chunkSize)
		for {
			n, rerr := r.Body.Read(buf)
			if n > 0 {
				chunk := source.Chunk{
					Stream:  stream,
					Data:    append([]byte(nil), buf[:n]...),
					Headers: headers,
					Offset:  offset,
				}
				offset += int64(n)
				if err := handler(ctx, chunk); err != nil {
					logger.Error("handler error", "stream", stream, "offset", chunk.Offset, "error", err)
					if firstErr == nil {
						firstErr = err
					}
					if errors.Is(err, source.ErrStreamStopped) {
						break
					}
				}
			}
			if rerr != nil {
				if !errors.Is(rerr, io.EOF) {
					logger.Error("read body", "stream", stream, "error", rerr)
					if firstErr == nil {
						firstErr = fmt.Errorf("read body: %w", rerr)
					}
				}
				break
			}
		}

		if err := handler(ctx, source.Chunk{Stream: stream, Headers: headers, Offset: offset, End: true}); err != nil {
			logger.Error("handler error", "stream", stream, "end", true, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}

		if firstErr != nil {
			http.Error(w, firstErr.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
