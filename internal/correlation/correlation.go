// Package correlation carries request identity through chunk headers: a
// correlation ID for logs and the W3C trace context for spans.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderCorrelationID  = "lineflow-correlation-id"
	HeaderXCorrelationID = "x-correlation-id"
	HeaderXRequestID     = "x-request-id"
	HeaderTraceparent    = "traceparent"
)

type ID struct {
	Value  string
	Source string
}

// ExtractOrGenerate extracts correlation ID from headers or generates a new UUID.
// Header names are matched case-insensitively.
// Priority: lineflow-correlation-id > x-correlation-id > x-request-id > traceparent > new UUID
func ExtractOrGenerate(headers map[string]string) ID {
	if id := lookup(headers, HeaderCorrelationID); id != "" {
		return ID{Value: id, Source: HeaderCorrelationID}
	}
	if id := lookup(headers, HeaderXCorrelationID); id != "" {
		return ID{Value: id, Source: HeaderXCorrelationID}
	}
	if id := lookup(headers, HeaderXRequestID); id != "" {
		return ID{Value: id, Source: HeaderXRequestID}
	}
	if tp := lookup(headers, HeaderTraceparent); tp != "" {
		if traceID := extractTraceID(tp); traceID != "" {
			return ID{Value: traceID, Source: HeaderTraceparent}
		}
	}
	return ID{Value: uuid.New().String(), Source: "generated"}
}

// NewStreamID returns a fresh identifier for a chunk stream.
func NewStreamID() string {
	return uuid.New().String()
}

func lookup(headers map[string]string, key string) string {
	if v := headers[key]; v != "" {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// extractTraceID parses W3C traceparent format: version-traceid-parentid-flags
func extractTraceID(traceparent string) string {
	parts := strings.Split(traceparent, "-")
	if len(parts) >= 2 && len(parts[1]) == 32 {
		return parts[1]
	}
	return ""
}

// AddToHeaders adds correlation ID to headers map (creates map if nil)
func AddToHeaders(headers map[string]string, id ID) map[string]string {
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers[HeaderCorrelationID] = id.Value
	return headers
}

var propagator = propagation.TraceContext{}

// headerCarrier adapts a header map to propagation.TextMapCarrier with
// case-insensitive reads.
type headerCarrier map[string]string

func (c headerCarrier) Get(key string) string { return lookup(c, key) }
func (c headerCarrier) Set(key, value string) {
	if c != nil {
		c[key] = value
	}
}

func (c headerCarrier) Keys() []string {
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// ExtractTraceContext returns ctx carrying the remote span context found in
// headers, if any.
func ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, headerCarrier(headers))
}

// InjectTraceContext writes the span context of ctx into headers (creates
// map if nil). Headers are unchanged when ctx carries no valid span.
func InjectTraceContext(ctx context.Context, headers map[string]string) map[string]string {
	if headers == nil {
		headers = make(map[string]string, 2)
	}
	propagator.Inject(ctx, headerCarrier(headers))
	return headers
}
