package client

import (
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy computes the delay inserted before each retry attempt.
// Attempt numbering starts at 1 for the delay preceding the first retry.
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff grows the delay by a constant factor per attempt, with
// optional jitter and a cap.
type ExponentialBackoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	factor       float64
	jitter       float64
	randomSource *rand.Rand
}

// NewExponentialBackoff creates an exponential backoff strategy with factor 2
// and no jitter, so the delay sequence is initialDelay × [1, 2, 4, …].
func NewExponentialBackoff(initialDelay, maxDelay time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		factor:       2.0,
		randomSource: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithFactor sets the exponential factor.
func (b *ExponentialBackoff) WithFactor(factor float64) *ExponentialBackoff {
	b.factor = factor
	return b
}

// WithJitter randomizes each delay by ±(delay × jitter / 2).
func (b *ExponentialBackoff) WithJitter(jitter float64) *ExponentialBackoff {
	b.jitter = jitter
	return b
}

// NextDelay implements BackoffStrategy.
func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := float64(b.initialDelay) * math.Pow(b.factor, float64(attempt-1))
	if b.jitter > 0 {
		jitterRange := delay * b.jitter
		delay += (b.randomSource.Float64() - 0.5) * jitterRange
	}
	if b.maxDelay > 0 && delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}
	return time.Duration(delay)
}

// ConstantBackoff waits the same interval before every retry.
type ConstantBackoff struct {
	delay time.Duration
}

// NewConstantBackoff creates a constant backoff strategy.
func NewConstantBackoff(delay time.Duration) *ConstantBackoff {
	return &ConstantBackoff{delay: delay}
}

// NextDelay implements BackoffStrategy.
func (b *ConstantBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return b.delay
}

// NoBackoff retries immediately.
type NoBackoff struct{}

// NewNoBackoff creates a strategy with zero delay between attempts.
func NewNoBackoff() *NoBackoff { return &NoBackoff{} }

// NextDelay implements BackoffStrategy.
func (b *NoBackoff) NextDelay(int) time.Duration { return 0 }
