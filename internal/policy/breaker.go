package policy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// BreakerState is the state of a Breaker.
type BreakerState int32

const (
	// BreakerClosed admits all writes.
	BreakerClosed BreakerState = iota
	// BreakerOpen refuses writes until the open duration has passed.
	BreakerOpen
	// BreakerHalfOpen admits writes; the next result decides the state.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a circuit breaker around the trace store. FailureThreshold
// consecutive failures open it; after OpenDuration it moves to half-open,
// where one success closes it and one failure reopens it.
type Breaker struct {
	mu        sync.Mutex
	clock     clock.Clock
	threshold int
	openFor   time.Duration

	state     BreakerState
	failures  int
	changedAt time.Time

	onStateChange func(from, to BreakerState)
	logger        *slog.Logger
}

// NewBreaker creates a closed Breaker. A nil clock means the wall clock.
func NewBreaker(threshold int, openFor time.Duration, clk clock.Clock, logger *slog.Logger) *Breaker {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		clock:     clk,
		threshold: threshold,
		openFor:   openFor,
		changedAt: clk.Now(),
		logger:    logger.With("component", "policy.Breaker"),
	}
}

// Allow reports whether a write may be attempted now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.clock.Since(b.changedAt) >= b.openFor {
			b.transitionLocked(BreakerHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// Success records a successful write.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.transitionLocked(BreakerClosed)
	}
}

// Failure records a failed write.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case BreakerHalfOpen:
		b.transitionLocked(BreakerOpen)
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.transitionLocked(BreakerOpen)
		}
	}
}

// State returns the current state without advancing it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reconfigure changes the threshold and open duration.
func (b *Breaker) Reconfigure(threshold int, openFor time.Duration) {
	if threshold < 1 {
		threshold = 1
	}
	b.mu.Lock()
	b.threshold = threshold
	b.openFor = openFor
	b.mu.Unlock()
}

// SetOnStateChange registers a callback run on every transition, with the
// breaker's lock held.
func (b *Breaker) SetOnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

func (b *Breaker) transitionLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.changedAt = b.clock.Now()
	b.failures = 0

	b.logger.Warn("trace store circuit breaker state changed",
		"from", from.String(),
		"to", to.String(),
	)
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
