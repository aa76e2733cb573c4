package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Option configures a WazeroRuntime.
type Option func(*wazeroOptions)

type wazeroOptions struct {
	memoryLimitPages uint32
	env              map[string]string
}

// WithMemoryLimitPages caps the module's linear memory.
func WithMemoryLimitPages(pages uint32) Option {
	return func(o *wazeroOptions) {
		o.memoryLimitPages = pages
	}
}

// WithEnv sets environment variables visible to the module.
func WithEnv(env map[string]string) Option {
	return func(o *wazeroOptions) {
		o.env = env
	}
}

// WazeroRuntime implements Runtime using the wazero WebAssembly runtime.
// It compiles the module once and instantiates a fresh copy per Call, so
// calls are independent and safe for concurrent use.
type WazeroRuntime struct {
	rt     wazero.Runtime
	module wazero.CompiledModule
	env    map[string]string
}

// NewWazeroRuntime compiles a WASM module from raw bytes.
// The module must be a WASI binary (wasip1).
func NewWazeroRuntime(ctx context.Context, wasmBytes []byte, opts ...Option) (*WazeroRuntime, error) {
	var o wazeroOptions
	for _, opt := range opts {
		opt(&o)
	}

	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if o.memoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(o.memoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rc)

	// Instantiate WASI so the module can use stdin/stdout.
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}

	return &WazeroRuntime{rt: rt, module: compiled, env: o.env}, nil
}

// Call invokes the WASM module with input on stdin and captures stdout as the result.
// A non-zero exit status is an error carrying the module's stderr.
func (w *WazeroRuntime) Call(ctx context.Context, input []byte) ([]byte, error) {
	var stdout, stderr bytes.Buffer

	cfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithName("") // anonymous module so concurrent calls don't collide

	keys := make([]string, 0, len(w.env))
	for k := range w.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cfg = cfg.WithEnv(k, w.env[k])
	}

	mod, err := w.rt.InstantiateModule(ctx, w.module, cfg)
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			return stdout.Bytes(), nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("wasm execution: %w", ctx.Err())
		}
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("wasm execution: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, fmt.Errorf("wasm execution: %w", err)
	}
	_ = mod.Close(ctx)

	return stdout.Bytes(), nil
}

// Close releases all wazero resources.
func (w *WazeroRuntime) Close() error {
	return w.rt.Close(context.Background())
}
