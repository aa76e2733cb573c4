// Package file reads a file or standard input as a single chunk stream.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lsm/lineflow/internal/source"
)

const followInterval = 100 * time.Millisecond

// Config holds file source configuration.
type Config struct {
	// Path is the file to read. Empty or "-" reads standard input.
	Path string
	// ChunkSize is the read size (default 64KiB).
	ChunkSize int
	// Follow keeps reading after EOF, like tail -f. The stream ends when
	// the context is cancelled.
	Follow bool
}

// Source delivers a reader's contents as one stream of fixed-size chunks.
type Source struct {
	reader    io.Reader
	closer    io.Closer
	stream    string
	chunkSize int
	follow    bool
	logger    *slog.Logger
}

// NewSource opens the configured file.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.Path == "" || cfg.Path == "-" {
		return NewReaderSource(os.Stdin, "stdin", cfg, logger), nil
	}
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	s := NewReaderSource(f, cfg.Path, cfg, logger)
	s.closer = f
	return s, nil
}

// NewReaderSource reads from r. stream names the single stream it produces.
func NewReaderSource(r io.Reader, stream string, cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.ChunkSize
	if size <= 0 {
		size = source.DefaultChunkSize
	}
	return &Source{
		reader:    r,
		stream:    stream,
		chunkSize: size,
		follow:    cfg.Follow,
		logger:    logger,
	}
}

// Start reads until EOF (or cancellation when following) and then delivers
// the end-of-stream chunk. A handler error aborts the read and is returned.
func (s *Source) Start(ctx context.Context, handler func(context.Context, source.Chunk) error) error {
	s.logger.Info("file source starting", "stream", s.stream, "chunk_size", s.chunkSize, "follow", s.follow)

	buf := make([]byte, s.chunkSize)
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			if s.follow {
				return s.end(ctx, handler, offset)
			}
			return err
		}

		n, err := s.reader.Read(buf)
		if n > 0 {
			chunk := source.Chunk{
				Stream: s.stream,
				Data:   append([]byte(nil), buf[:n]...),
				Offset: offset,
			}
			offset += int64(n)
			if herr := handler(ctx, chunk); herr != nil {
				if errors.Is(herr, source.ErrStreamStopped) {
					s.logger.Warn("stream stopped", "stream", s.stream, "offset", chunk.Offset)
				}
				return fmt.Errorf("chunk at offset %d: %w", chunk.Offset, herr)
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if !s.follow {
				return s.end(ctx, handler, offset)
			}
			select {
			case <-ctx.Done():
			case <-time.After(followInterval):
			}
		default:
			return fmt.Errorf("read %s: %w", s.stream, err)
		}
	}
}

func (s *Source) end(ctx context.Context, handler func(context.Context, source.Chunk) error, offset int64) error {
	s.logger.Info("file source finished", "stream", s.stream, "bytes", offset)
	// The end chunk flushes the last line even when shutting down.
	return handler(context.WithoutCancel(ctx), source.Chunk{Stream: s.stream, Offset: offset, End: true})
}

// Close closes the underlying file, if the source opened one.
func (s *Source) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
