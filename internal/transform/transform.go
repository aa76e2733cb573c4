// Package transform builds the per-line callback of a flow from its
// transform configuration.
package transform

import (
	"context"
	"fmt"
	"io"

	"github.com/lsm/lineflow/internal/config"
	"github.com/lsm/lineflow/internal/linestream"
	celxform "github.com/lsm/lineflow/internal/transform/cel"
	mappingxform "github.com/lsm/lineflow/internal/transform/mapping"
	wasmxform "github.com/lsm/lineflow/internal/transform/wasm"
	"github.com/lsm/lineflow/internal/wasm"
)

// Kind names the callback a config selects.
type Kind string

const (
	KindIdentity Kind = "identity"
	KindCEL      Kind = "cel"
	KindMapping  Kind = "mapping"
	KindWASM     Kind = "wasm"
)

// KindOf reports which callback cfg selects. A nil cfg is identity.
func KindOf(cfg *config.TransformConfig) Kind {
	switch {
	case cfg == nil:
		return KindIdentity
	case cfg.CEL != "":
		return KindCEL
	case len(cfg.Mapping) > 0:
		return KindMapping
	case cfg.WASM != nil:
		return KindWASM
	default:
		return KindIdentity
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the callback configured by cfg. The returned Closer releases
// callback resources (the WASM runtime) and is never nil.
func New(ctx context.Context, cfg *config.TransformConfig) (linestream.Callback, io.Closer, error) {
	switch KindOf(cfg) {
	case KindCEL:
		var opts []celxform.Option
		if cfg.Timeout > 0 {
			opts = append(opts, celxform.WithTimeout(cfg.Timeout))
		}
		t, err := celxform.NewTransformer(cfg.CEL, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("cel transformer: %w", err)
		}
		return t, t, nil

	case KindMapping:
		t, err := mappingxform.NewTransformer(cfg.Mapping)
		if err != nil {
			return nil, nil, fmt.Errorf("mapping transformer: %w", err)
		}
		return t, t, nil

	case KindWASM:
		rt, err := wasm.Load(ctx, wasm.Config{
			ModulePath:       cfg.WASM.Module,
			Timeout:          cfg.WASM.Timeout,
			MemoryLimitPages: cfg.WASM.MemoryLimitPages,
			Env:              cfg.WASM.Env,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wasm runtime: %w", err)
		}
		t, err := wasmxform.NewTransformer(rt, cfg.WASM.Timeout)
		if err != nil {
			_ = rt.Close()
			return nil, nil, fmt.Errorf("wasm transformer: %w", err)
		}
		return t, t, nil

	default:
		return linestream.Identity, nopCloser{}, nil
	}
}
