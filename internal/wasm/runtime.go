// Package wasm runs WASI modules as line callbacks. A module reads one
// input line on stdin and writes the replacement line to stdout.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config configures a WASM runtime.
type Config struct {
	// ModulePath is the path to the .wasm file.
	ModulePath string `yaml:"module"`

	// MemoryLimitPages caps linear memory in 64KiB pages (0 = runtime default).
	MemoryLimitPages uint32 `yaml:"memoryLimitPages"`

	// Timeout per invocation.
	Timeout time.Duration `yaml:"timeout"`

	// Environment variables for the WASM module.
	Env map[string]string `yaml:"env"`
}

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	var errs []error
	if c.ModulePath == "" {
		errs = append(errs, errors.New("module path is required"))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", c.Timeout))
	}
	if c.MemoryLimitPages > maxMemoryPages {
		errs = append(errs, fmt.Errorf("memory limit %d exceeds %d pages", c.MemoryLimitPages, maxMemoryPages))
	}
	return errors.Join(errs...)
}

// maxMemoryPages is the wasm32 ceiling (4GiB).
const maxMemoryPages = 65536

// Runtime executes a compiled module.
type Runtime interface {
	// Call invokes the WASM module with input on stdin and returns stdout.
	Call(ctx context.Context, input []byte) ([]byte, error)

	// Close releases runtime resources.
	Close() error
}
