// Package dlq publishes chunks whose line transform failed to a dead-letter
// topic, along with where in the stream the failure happened.
package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// ErrorCodeTransformFailed marks a chunk rejected by the line callback.
const ErrorCodeTransformFailed = "TRANSFORM_FAILED"

// Dead-letter record headers.
const (
	HeaderSource        = "lineflow-source"
	HeaderStream        = "lineflow-stream"
	HeaderOffset        = "lineflow-offset"
	HeaderLine          = "lineflow-line"
	HeaderErrorCode     = "lineflow-error-code"
	HeaderErrorMessage  = "lineflow-error-message"
	HeaderRetryCount    = "lineflow-retry-count"
	HeaderFailedAt      = "lineflow-failed-at"
	HeaderFlowName      = "lineflow-flow-name"
	HeaderCorrelationID = "lineflow-correlation-id"
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// FailureInfo describes where and why a chunk failed.
type FailureInfo struct {
	// Source names the upstream, e.g. the Kafka topic or the source type.
	Source string
	Stream string
	// Offset is the byte offset of the chunk within its stream.
	Offset int64
	// Line is the 1-based stream line number of the failed line, 0 if unknown.
	Line          uint64
	ErrorCode     string
	ErrorMessage  string
	RetryCount    int
	FlowName      string
	CorrelationID string
}

// Handler publishes failed chunks to a dead-letter topic.
type Handler struct {
	publisher Publisher
	topicFn   func(flowName string) string
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithTopicFunc overrides the default DLQ topic naming function.
func WithTopicFunc(fn func(flowName string) string) Option {
	return func(h *Handler) {
		h.topicFn = fn
	}
}

// WithTopic publishes every failure to a fixed topic.
func WithTopic(topic string) Option {
	return func(h *Handler) {
		if topic != "" {
			h.topicFn = func(string) string { return topic }
		}
	}
}

// NewHandler creates a new DLQ handler.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		topicFn:   DefaultTopic,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// DefaultTopic returns the dead-letter topic used for a flow when none is
// configured.
func DefaultTopic(flowName string) string {
	return "lineflow-dlq-" + flowName
}

// Send publishes a failed chunk keyed by its stream.
func (h *Handler) Send(ctx context.Context, chunk []byte, info FailureInfo) error {
	topic := h.topicFn(info.FlowName)

	headers := map[string]string{
		HeaderSource:        info.Source,
		HeaderStream:        info.Stream,
		HeaderOffset:        strconv.FormatInt(info.Offset, 10),
		HeaderErrorCode:     info.ErrorCode,
		HeaderErrorMessage:  info.ErrorMessage,
		HeaderRetryCount:    strconv.Itoa(info.RetryCount),
		HeaderFailedAt:      h.now().UTC().Format(time.RFC3339),
		HeaderFlowName:      info.FlowName,
		HeaderCorrelationID: info.CorrelationID,
	}
	if info.Line > 0 {
		headers[HeaderLine] = strconv.FormatUint(info.Line, 10)
	}

	var key []byte
	if info.Stream != "" {
		key = []byte(info.Stream)
	}
	if err := h.publisher.Publish(ctx, topic, key, chunk, headers); err != nil {
		return fmt.Errorf("dlq publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}

// NoopPublisher is a Publisher that discards all messages.
// Used when no dead-letter cluster is configured.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, []byte, []byte, map[string]string) error {
	return nil
}

func (*NoopPublisher) Close() error { return nil }
