package linestream

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Option configures a Transformer.
type Option func(*Transformer)

// WithStringEncoding sets the encoding used to decode incoming chunks.
// Defaults to UTF-8.
func WithStringEncoding(name string) Option {
	return func(t *Transformer) {
		t.encoding = name
	}
}

// WithAutomaticNewline controls whether "\n" is appended after every
// transformed line. Defaults to true. When disabled the callback owns all
// line terminators.
func WithAutomaticNewline(enabled bool) Option {
	return func(t *Transformer) {
		t.automaticNewline = enabled
	}
}

// WithEmptyChunks makes the transformer emit a zero-length chunk for input
// chunks that completed no line. By default such chunks are not emitted.
func WithEmptyChunks(enabled bool) Option {
	return func(t *Transformer) {
		t.emitEmpty = enabled
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transformer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transformer is the line reassembly stage. It keeps the unterminated tail
// of the input (the carry) across chunk boundaries and dispatches every
// completed line to its Callback, strictly in input order.
type Transformer struct {
	callback         Callback
	next             Stage
	encoding         string
	automaticNewline bool
	emitEmpty        bool
	logger           *slog.Logger
	decoder          *decoder

	// carry never contains '\n'.
	carry  []byte
	lines  uint64
	closed bool
}

// New creates a Transformer that feeds transformed chunks into next.
func New(cb Callback, next Stage, opts ...Option) (*Transformer, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: callback is required", ErrInvalidArgument)
	}
	if f, ok := cb.(LineFunc); ok && f == nil {
		return nil, fmt.Errorf("%w: callback is required", ErrInvalidArgument)
	}
	if next == nil {
		return nil, fmt.Errorf("%w: next stage is required", ErrInvalidArgument)
	}

	t := &Transformer{
		callback:         cb,
		next:             next,
		encoding:         DefaultEncoding,
		automaticNewline: true,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	enc, err := LookupEncoding(t.encoding)
	if err != nil {
		return nil, err
	}
	t.decoder = newDecoder(enc)
	return t, nil
}

// Write processes one input chunk. All lines the chunk completes are
// transformed and emitted downstream as a single chunk. If the callback
// fails for any of them nothing is emitted for this chunk, the failure is
// reported through next.Fail and returned as a *CallbackError. The carry is
// updated before dispatch, so the stream may continue with the next chunk.
func (t *Transformer) Write(ctx context.Context, chunk []byte) error {
	if t.closed {
		return ErrClosed
	}

	text, err := t.decoder.decode(chunk)
	if err != nil {
		err = fmt.Errorf("decode chunk: %w", err)
		t.next.Fail(ctx, err)
		return err
	}

	out, err := t.transform(ctx, t.split(text))
	if err != nil {
		t.next.Fail(ctx, err)
		return err
	}
	if len(out) == 0 && !t.emitEmpty {
		return nil
	}
	return t.next.Write(ctx, out)
}

// End flushes a non-empty carry as the final line and ends the downstream
// stage. The transformer cannot be used afterwards.
func (t *Transformer) End(ctx context.Context) error {
	if t.closed {
		return ErrClosed
	}
	t.closed = true

	tail, err := t.decoder.flush()
	if err != nil {
		err = fmt.Errorf("decode chunk: %w", err)
		t.next.Fail(ctx, err)
		return err
	}
	lines := t.split(tail)
	if len(t.carry) > 0 {
		lines = append(lines, string(t.carry))
	}
	t.carry = nil

	if len(lines) > 0 {
		out, err := t.transform(ctx, lines)
		if err != nil {
			t.next.Fail(ctx, err)
			return err
		}
		if len(out) > 0 || t.emitEmpty {
			if err := t.next.Write(ctx, out); err != nil {
				return err
			}
		}
	}
	return t.next.End(ctx)
}

// Fail forwards an upstream failure downstream unchanged.
func (t *Transformer) Fail(ctx context.Context, err error) {
	t.next.Fail(ctx, err)
}

// Lines returns the number of complete lines seen so far.
func (t *Transformer) Lines() uint64 {
	return t.lines
}

// Buffered returns the size in bytes of the carried, unterminated tail.
func (t *Transformer) Buffered() int {
	return len(t.carry)
}

// split prepends the carry to text and returns the lines it completes. The
// unterminated remainder becomes the new carry.
func (t *Transformer) split(text string) []string {
	i := strings.LastIndexByte(text, '\n')
	if i < 0 {
		t.carry = append(t.carry, text...)
		return nil
	}
	head := string(t.carry) + text[:i]
	t.carry = append(t.carry[:0], text[i+1:]...)
	return strings.Split(head, "\n")
}

func (t *Transformer) transform(ctx context.Context, lines []string) ([]byte, error) {
	first := t.lines + 1
	t.lines += uint64(len(lines))

	var out bytes.Buffer
	for i, line := range lines {
		n := first + uint64(i)
		res, err := t.call(withLineNumber(ctx, n), line)
		if err != nil {
			t.logger.Debug("line transform failed", "line", n, "error", err)
			return nil, &CallbackError{Line: n, Text: line, Err: err}
		}
		out.WriteString(res)
		if t.automaticNewline {
			out.WriteByte('\n')
		}
	}
	return out.Bytes(), nil
}

func (t *Transformer) call(ctx context.Context, line string) (res string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return t.callback.TransformLine(ctx, line)
}
