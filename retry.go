package parley

import (
	"context"
	"log/slog"
	"time"
)

// retryProvider wraps a Provider and retries retriable errors (rate limits,
// transient failures, timeouts) with jittered exponential backoff.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	backoff     BackoffPolicy
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBackoff sets the backoff policy between attempts.
func RetryBackoff(p BackoffPolicy) RetryOption {
	return func(r *retryProvider) { r.backoff = p }
}

// RetryTimeout sets the overall timeout for the entire retry sequence. The
// zero value (default) disables the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN, final failures after exhausting attempts at ERROR. Defaults to a
// no-op logger.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on retriable provider errors.
// Delays follow the backoff policy; when the error carries a Retry-After
// hint the delay is at least that long. Compose with any Provider:
//
//	llm = parley.WithRetry(anthropic.New(apiKey, model))
//	llm = parley.WithRetry(anthropic.New(apiKey, model), parley.RetryMaxAttempts(5))
//
// The Agent loop does its own retrying interleaved with breaker accounting;
// WithRetry is for callers using a Provider outside the loop.
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		backoff:     DefaultBackoff(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Name delegates to the inner provider.
func (r *retryProvider) Name() string { return r.inner.Name() }

// Chat implements Provider with retry.
func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var last error
	for i := 0; i < r.maxAttempts; i++ {
		resp, err := r.inner.Chat(ctx, req)
		if err == nil || !IsRetriable(err) {
			return resp, err
		}
		last = err
		r.logger.Warn("retrying provider call",
			"provider", r.inner.Name(),
			"kind", KindOf(err),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			if err := Sleep(ctx, r.backoff.Delay(i, last)); err != nil {
				return ChatResponse{}, err
			}
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"provider", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", last)
	return ChatResponse{}, last
}

// withTimeout returns a child context with a deadline if r.timeout is set.
// If ctx already has an earlier deadline, it is kept.
func (r *retryProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

var _ Provider = (*retryProvider)(nil)
