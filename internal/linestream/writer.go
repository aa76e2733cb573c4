package linestream

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// Writer adapts a Stage to io.WriteCloser: every Write is one chunk and
// Close ends the stream. It lets a Transformer sit behind io.Copy.
type Writer struct {
	ctx   context.Context
	stage Stage
}

// NewWriter returns a Writer feeding stage. ctx is passed to every call.
func NewWriter(ctx context.Context, stage Stage) *Writer {
	return &Writer{ctx: ctx, stage: stage}
}

// Write delivers p as one chunk.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.stage.Write(w.ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close ends the stream.
func (w *Writer) Close() error {
	return w.stage.End(w.ctx)
}

type flusher interface {
	Flush() error
}

type writerStage struct {
	w io.Writer
}

// WriterStage returns a Stage that writes every chunk to w. End flushes w
// if it has a Flush method; w is never closed.
func WriterStage(w io.Writer) Stage {
	return &writerStage{w: w}
}

func (s *writerStage) Write(_ context.Context, chunk []byte) error {
	_, err := s.w.Write(chunk)
	return err
}

func (s *writerStage) End(context.Context) error {
	if f, ok := s.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

func (s *writerStage) Fail(context.Context, error) {}

// Collector is a Stage that records everything it receives. The CLI uses it
// to hold the output of a dry run until the whole input has succeeded.
type Collector struct {
	mu     sync.Mutex
	chunks [][]byte
	errs   []error
	ended  bool
}

// Write records a copy of chunk. It returns ErrClosed after End.
func (c *Collector) Write(_ context.Context, chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return ErrClosed
	}
	c.chunks = append(c.chunks, bytes.Clone(chunk))
	return nil
}

// End marks the stream ended. A second End returns ErrClosed.
func (c *Collector) End(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return ErrClosed
	}
	c.ended = true
	return nil
}

// Fail records err.
func (c *Collector) Fail(_ context.Context, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

// Chunks returns the received chunks in order.
func (c *Collector) Chunks() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.chunks...)
}

// String returns the concatenation of all received chunks.
func (c *Collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(bytes.Join(c.chunks, nil))
}

// Errors returns the failures reported through Fail.
func (c *Collector) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

// Ended reports whether End was called.
func (c *Collector) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}
