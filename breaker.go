package parley

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker gate position.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // fail fast
	BreakerHalfOpen                     // single probe allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Default breaker parameters.
const (
	DefaultFailureThreshold = 5
	DefaultBreakerCooldown  = 60 * time.Second
)

// Breaker is a per-agent three-state circuit breaker over a consecutive
// failure counter and a cooldown timer. Safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	provider string

	threshold int
	cooldown  time.Duration

	state    BreakerState
	failures int
	openedAt time.Time

	now    func() time.Time
	logger *slog.Logger
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// BreakerLogger sets a structured logger; state transitions to open log at WARN.
func BreakerLogger(l *slog.Logger) BreakerOption {
	return func(b *Breaker) { b.logger = l }
}

// BreakerClock overrides the time source. Tests use this to step through the
// cooldown without sleeping.
func BreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// NewBreaker creates a breaker for the named provider. Non-positive threshold
// or cooldown fall back to the defaults.
func NewBreaker(provider string, threshold int, cooldown time.Duration, opts ...BreakerOption) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	b := &Breaker{
		provider:  provider,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    nopLogger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// IsOpen reports whether the gate is open. Observing an elapsed cooldown
// flips the gate to half-open as a side effect, letting one probe through.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return false
	}
	if b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		return false
	}
	return true
}

// RecordSuccess resets the failure count and closes the gate from half-open.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
	}
	b.failures = 0
}

// RecordFailure counts one failure. The half-open probe failing reopens the
// gate immediately; in closed state the gate opens on the threshold-th
// consecutive failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	switch b.state {
	case BreakerHalfOpen:
		b.open()
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.open()
		}
	}
}

// open transitions to OPEN and stamps the cooldown start. Caller holds b.mu.
func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.logger.Warn("circuit breaker opened",
		"provider", b.provider,
		"failures", b.failures,
		"cooldown", b.cooldown)
}

// State returns the current gate position without side effects.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
