package wasm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lsm/lineflow/internal/wasm"
)

const defaultTimeout = 5 * time.Second

// Transformer runs a WASI module once per line. The line is written to the
// module's stdin; its stdout, minus one trailing newline, replaces the line.
type Transformer struct {
	runtime wasm.Runtime
	timeout time.Duration
}

// NewTransformer wraps a runtime. A non-positive timeout selects the default.
func NewTransformer(rt wasm.Runtime, timeout time.Duration) (*Transformer, error) {
	if rt == nil {
		return nil, fmt.Errorf("wasm runtime is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Transformer{runtime: rt, timeout: timeout}, nil
}

// TransformLine invokes the module for one line.
func (t *Transformer) TransformLine(ctx context.Context, line string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out, err := t.runtime.Call(ctx, []byte(line))
	if err != nil {
		return "", fmt.Errorf("wasm call: %w", err)
	}
	return strings.TrimSuffix(string(out), "\n"), nil
}

// Close releases the underlying runtime.
func (t *Transformer) Close() error {
	return t.runtime.Close()
}
