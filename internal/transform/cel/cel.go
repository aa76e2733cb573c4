// Package cel transforms lines with a CEL expression.
//
// The expression sees the line text as `line` and its 1-based position in
// the stream as `number`:
//
//	string(number) + ": " + line.upperAscii()
//
// A string result replaces the line as is. Any other result is written as
// JSON, so `{"n": number, "text": line}` turns text lines into JSON lines.
package cel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"

	"github.com/lsm/lineflow/internal/linestream"
)

const (
	defaultTimeout        = 5 * time.Second
	defaultMaxOutputBytes = 1 << 20
)

type Option func(*Transformer)

// WithTimeout bounds the evaluation of a single line.
func WithTimeout(d time.Duration) Option {
	return func(t *Transformer) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithMaxOutputBytes rejects transformed lines larger than n.
func WithMaxOutputBytes(n int) Option {
	return func(t *Transformer) {
		if n > 0 {
			t.maxOutputBytes = n
		}
	}
}

type Transformer struct {
	program        cel.Program
	timeout        time.Duration
	maxOutputBytes int
}

func NewTransformer(expression string, opts ...Option) (*Transformer, error) {
	env, err := cel.NewEnv(
		cel.Variable("line", cel.StringType),
		cel.Variable("number", cel.IntType),
		ext.Strings(),
		ext.Encoders(),
		ext.Math(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, iss := env.Compile(expression)
	if err := iss.Err(); err != nil {
		return nil, fmt.Errorf("cel compile: %w", err)
	}
	// Comprehensions check for cancellation every 100 iterations.
	program, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	t := &Transformer{program: program, timeout: defaultTimeout, maxOutputBytes: defaultMaxOutputBytes}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transformer) TransformLine(ctx context.Context, line string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context error: %w", err)
	}
	number, _ := linestream.LineNumber(ctx)

	evalCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	val, _, err := t.program.ContextEval(evalCtx, map[string]any{"line": line, "number": int64(number)})
	switch {
	case err != nil && evalCtx.Err() != nil:
		return "", fmt.Errorf("transform timeout: %w", evalCtx.Err())
	case err != nil:
		return "", fmt.Errorf("cel eval: %w", err)
	}

	out, ok := val.(types.String)
	if !ok {
		b, err := json.Marshal(native(val))
		if err != nil {
			return "", fmt.Errorf("marshal output: %w", err)
		}
		out = types.String(b)
	}
	if len(out) > t.maxOutputBytes {
		return "", fmt.Errorf("output size %d exceeds max %d bytes", len(out), t.maxOutputBytes)
	}
	return string(out), nil
}

func (t *Transformer) Close() error { return nil }

// native turns a CEL value into something encoding/json understands. Map
// keys are stringified since JSON only has string keys.
func native(val ref.Val) any {
	switch v := val.(type) {
	case traits.Mapper:
		m := map[string]any{}
		for it := v.Iterator(); it.HasNext() == types.True; {
			k := it.Next()
			m[fmt.Sprint(k.Value())] = native(v.Get(k))
		}
		return m
	case traits.Lister:
		list := []any{}
		for it := v.Iterator(); it.HasNext() == types.True; {
			list = append(list, native(it.Next()))
		}
		return list
	case types.Null:
		return nil
	default:
		return v.Value()
	}
}
