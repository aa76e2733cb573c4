// Package guard wraps a sink with retries and a circuit breaker.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lsm/lineflow/internal/circuitbreaker"
	"github.com/lsm/lineflow/internal/retry"
	"github.com/lsm/lineflow/internal/sink"
)

// Config selects the protections applied to a sink.
type Config struct {
	// Retry re-delivers failed chunks. MaxAttempts below 2 disables it.
	Retry retry.Config
	// Breaker, if set, stops calling the sink after repeated failures.
	Breaker *circuitbreaker.Config
	// Permanent classifies errors that are neither retried nor counted
	// by the breaker, e.g. a rejected payload. Errors marked with
	// retry.Permanent are always permanent.
	Permanent func(error) bool
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		s.logger = logger
	}
}

// WithStateChange is called on every breaker transition.
func WithStateChange(fn func(from, to circuitbreaker.State)) Option {
	return func(s *Sink) {
		s.onState = fn
	}
}

// WithRetryHook is called before every retry.
func WithRetryHook(fn retry.Notify) Option {
	return func(s *Sink) {
		s.onRetry = fn
	}
}

// Sink delivers through an inner sink. Chunks are retried in place, so the
// order of a stream's chunks is preserved.
type Sink struct {
	inner     sink.Sink
	retry     retry.Config
	breaker   *circuitbreaker.Breaker
	permanent func(error) bool
	logger    *slog.Logger
	onState   func(from, to circuitbreaker.State)
	onRetry   retry.Notify
}

// New wraps inner. With neither retries nor a breaker configured the
// wrapper only forwards calls.
func New(inner sink.Sink, cfg Config, opts ...Option) *Sink {
	s := &Sink{
		inner:     inner,
		retry:     cfg.Retry,
		permanent: cfg.Permanent,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Breaker != nil {
		s.breaker = circuitbreaker.New(*cfg.Breaker, circuitbreaker.WithStateChange(func(from, to circuitbreaker.State) {
			s.logger.Warn("sink circuit breaker state changed", "from", from.String(), "to", to.String())
			if s.onState != nil {
				s.onState(from, to)
			}
		}))
	}
	return s
}

// Deliver delivers the chunk, retrying transient failures. While the
// breaker is open it fails fast with circuitbreaker.ErrCircuitOpen.
func (s *Sink) Deliver(ctx context.Context, chunk []byte, headers map[string]string) error {
	notify := func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("sink delivery failed, retrying",
			"stream", headers[sink.HeaderStream],
			"attempt", attempt,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
		if s.onRetry != nil {
			s.onRetry(attempt, err, wait)
		}
	}

	return retry.Do(ctx, s.retry, func(int) error {
		err := s.deliverOnce(ctx, chunk, headers)
		if err != nil && s.isPermanent(ctx, err) {
			return retry.Permanent(err)
		}
		return err
	}, notify)
}

func (s *Sink) deliverOnce(ctx context.Context, chunk []byte, headers map[string]string) error {
	if s.breaker == nil {
		return s.inner.Deliver(ctx, chunk, headers)
	}
	return s.breaker.Execute(func() error {
		return s.inner.Deliver(ctx, chunk, headers)
	}, func(err error) bool {
		return s.isPermanent(ctx, err)
	})
}

func (s *Sink) isPermanent(ctx context.Context, err error) bool {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return true
	case ctx.Err() != nil:
		return true
	case retry.IsPermanent(err):
		return true
	case s.permanent != nil:
		return s.permanent(err)
	default:
		return false
	}
}

// State returns the breaker state, Closed when no breaker is configured.
func (s *Sink) State() circuitbreaker.State {
	if s.breaker == nil {
		return circuitbreaker.Closed
	}
	return s.breaker.State()
}

// Close closes the inner sink.
func (s *Sink) Close() error {
	return s.inner.Close()
}
