// Package sink defines downstream destinations for transformed chunks.
package sink

import "context"

// HeaderStream carries the ID of the stream an output chunk belongs to.
const HeaderStream = "lineflow-stream"

// Sink delivers transformed chunks to a destination.
type Sink interface {
	// Deliver sends one output chunk. Chunks of a stream are delivered in
	// order; headers carry the stream ID under HeaderStream and the
	// correlation headers of the source.
	Deliver(ctx context.Context, chunk []byte, headers map[string]string) error

	// Close performs graceful shutdown.
	Close() error
}
