// Package file writes output chunks to a file or stdout.
package file

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Config holds file sink configuration.
type Config struct {
	// Path of the output file, opened in append mode and created if
	// missing. Empty or "-" writes to stdout.
	Path string
}

// Sink appends every output chunk to a single writer. Chunks of different
// streams are serialized but may interleave at chunk granularity.
type Sink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	name   string
	logger *slog.Logger
}

// NewSink opens the configured output.
func NewSink(cfg Config, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" || cfg.Path == "-" {
		return NewWriterSink(os.Stdout, "stdout", logger), nil
	}

	f, err := os.OpenFile(cfg.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	s := NewWriterSink(f, cfg.Path, logger)
	s.closer = f
	return s, nil
}

// NewWriterSink wraps w. The writer is not closed by Close.
func NewWriterSink(w io.Writer, name string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{w: w, name: name, logger: logger}
}

// Deliver writes the chunk.
func (s *Sink) Deliver(ctx context.Context, chunk []byte, _ map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return fmt.Errorf("write %s: %w", s.name, os.ErrClosed)
	}
	if _, err := s.w.Write(chunk); err != nil {
		s.logger.Error("write failed", "target", s.name, "error", err)
		return fmt.Errorf("write %s: %w", s.name, err)
	}
	return nil
}

// Close closes the output file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w = nil
	if s.closer == nil {
		return nil
	}
	c := s.closer
	s.closer = nil
	return c.Close()
}
