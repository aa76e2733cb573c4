// Package mapping reshapes JSON lines with a declarative field mapping.
package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lsm/lineflow/internal/jsonpath"
	"github.com/lsm/lineflow/internal/linestream"
)

// Transformer decodes every line as JSON and emits the mapping resolved
// against it as one compact JSON line. Besides "$." references the mapping
// may use $line (the raw line) and $number (its position in the stream).
type Transformer struct {
	mapping map[string]interface{}
}

// NewTransformer returns a Transformer for a non-empty mapping.
func NewTransformer(mapping map[string]interface{}) (*Transformer, error) {
	if len(mapping) == 0 {
		return nil, errors.New("mapping cannot be empty")
	}
	return &Transformer{mapping: mapping}, nil
}

// TransformLine implements linestream.Callback.
func (t *Transformer) TransformLine(ctx context.Context, line string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var root interface{}
	if err := json.Unmarshal([]byte(line), &root); err != nil {
		return "", fmt.Errorf("line is not JSON: %w", err)
	}
	number, _ := linestream.LineNumber(ctx)

	out, err := jsonpath.Env{
		Root: root,
		Vars: map[string]interface{}{"line": line, "number": number},
	}.Map(t.mapping)
	if err != nil {
		return "", err
	}

	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}

// Close is a no-op.
func (t *Transformer) Close() error { return nil }
