// Package linestream reassembles an arbitrarily fragmented chunk stream into
// newline-delimited lines, applies a per-line callback and re-emits the
// results as an outgoing chunk stream.
//
// A Transformer both consumes and produces the Stage contract, so any number
// of transformers (and sinks implementing Stage) can be chained without
// adaptation. One Transformer serves exactly one ordered chunk stream and is
// not safe for concurrent use.
package linestream

import "context"

// Stage is the chunk-delivery contract shared by every stage of a stream.
type Stage interface {
	// Write delivers the next chunk of the stream. Chunks arrive in order.
	Write(ctx context.Context, chunk []byte) error

	// End signals that no more chunks follow.
	End(ctx context.Context) error

	// Fail reports a processing error for the stream. The caller decides
	// whether the stream continues.
	Fail(ctx context.Context, err error)
}

// Callback transforms a single line. The line never contains the trailing
// newline. Returning an error fails the chunk the line belongs to.
type Callback interface {
	TransformLine(ctx context.Context, line string) (string, error)
}

// LineFunc adapts an ordinary function to the Callback interface.
type LineFunc func(ctx context.Context, line string) (string, error)

// TransformLine calls f(ctx, line).
func (f LineFunc) TransformLine(ctx context.Context, line string) (string, error) {
	return f(ctx, line)
}

// Identity returns every line unchanged.
var Identity Callback = LineFunc(func(_ context.Context, line string) (string, error) {
	return line, nil
})

type lineNumberKey struct{}

func withLineNumber(ctx context.Context, n uint64) context.Context {
	return context.WithValue(ctx, lineNumberKey{}, n)
}

// LineNumber returns the 1-based position in its stream of the line being
// transformed. It is set on the context passed to Callback.TransformLine.
func LineNumber(ctx context.Context) (uint64, bool) {
	n, ok := ctx.Value(lineNumberKey{}).(uint64)
	return n, ok
}
