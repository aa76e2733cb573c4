// Package source defines upstream chunk transports. A source delivers one or
// more ordered chunk streams, identified by Chunk.Stream.
package source

import (
	"context"
	"errors"
)

// DefaultChunkSize is the read size used by sources that split byte streams.
const DefaultChunkSize = 64 * 1024

// ErrStreamStopped is returned by a handler when the stream must not
// deliver further data chunks. The source should stop reading and end the
// stream.
var ErrStreamStopped = errors.New("stream stopped")

// Chunk is one fragment of an ordered byte stream. Chunk boundaries carry no
// meaning. A chunk with End set carries no data and marks end-of-input.
type Chunk struct {
	Stream  string
	Data    []byte
	Headers map[string]string
	Offset  int64
	End     bool
}

// Handler processes chunks. Chunks of one stream are delivered sequentially.
type Handler func(context.Context, Chunk) error

// Source consumes chunk streams from an external system.
type Source interface {
	// Start begins consuming. Blocks until ctx is cancelled or the input is
	// exhausted. Chunks are delivered to the handler function.
	Start(ctx context.Context, handler func(context.Context, Chunk) error) error

	// Close performs graceful shutdown.
	Close() error
}
