package wasm

import (
	"context"
	"fmt"
	"os"
)

// Load reads and compiles the module named by cfg.
func Load(ctx context.Context, cfg Config) (*WazeroRuntime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid wasm config: %w", err)
	}
	wasmBytes, err := os.ReadFile(cfg.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	return NewWazeroRuntime(ctx, wasmBytes, WithMemoryLimitPages(cfg.MemoryLimitPages), WithEnv(cfg.Env))
}
