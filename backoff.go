package parley

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy describes jittered exponential backoff between retry
// attempts: min(Max, Initial × Multiplier^attempt) × (1 ± Jitter).
type BackoffPolicy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64 // fraction in [0,1); 0 disables jitter
}

// DefaultBackoff returns the standard retry policy.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Initial:    2 * time.Second,
		Multiplier: 2.0,
		Max:        120 * time.Second,
		Jitter:     0.2,
	}
}

// Delay computes the sleep before retry attempt i (0-indexed). When the
// provider supplied a Retry-After hint larger than the computed backoff, the
// hint wins.
func (p BackoffPolicy) Delay(attempt int, err error) time.Duration {
	base := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt))
	if p.Max > 0 && base > float64(p.Max) {
		base = float64(p.Max)
	}
	if p.Jitter > 0 {
		base *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	d := time.Duration(base)
	if ra := retryAfterOf(err); ra > d {
		return ra
	}
	if d < 0 {
		return 0
	}
	return d
}

// retryAfterOf extracts the server's Retry-After hint from a ProviderError, or 0.
func retryAfterOf(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// Sleep blocks for d or until ctx is cancelled, whichever is first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
