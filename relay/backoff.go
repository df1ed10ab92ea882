package relay

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Ensure our backoff strategies implement the backoff.BackOff interface.
var (
	_ backoff.BackOff = (*LinearBackOff)(nil)
	_ backoff.BackOff = (*DecorrelatedJitterBackOff)(nil)
	_ backoff.BackOff = (*ConstantBackOffWithJitter)(nil)
)

// DefaultJitterFactor is the randomization applied to backoff strategies
// that do not set their own.
const DefaultJitterFactor = 0.5

// LinearBackOff grows the delay by a fixed increment per attempt, with
// jitter. The delay for attempt n is InitialInterval + n*Increment, capped at
// MaxInterval, then randomized by JitterFactor. Useful when exponential
// growth reaches the cap too fast for the failure mode at hand.
type LinearBackOff struct {
	// InitialInterval is the first backoff interval.
	// Default: 500ms
	InitialInterval time.Duration

	// Increment is the fixed amount added to each subsequent interval.
	// Default: 500ms
	Increment time.Duration

	// MaxInterval caps the backoff interval.
	// Default: 30s
	MaxInterval time.Duration

	// JitterFactor randomizes each delay within ±factor (0.0-1.0).
	// Default: 0.5
	JitterFactor float64

	currentInterval time.Duration
	attempt         int
}

// NewLinearBackOff returns a LinearBackOff starting at 500ms, growing by
// 500ms per attempt up to 30s, with the default jitter.
func NewLinearBackOff() *LinearBackOff {
	return &LinearBackOff{
		InitialInterval: 500 * time.Millisecond,
		Increment:       500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		JitterFactor:    DefaultJitterFactor,
	}
}

// Reset restarts the sequence at InitialInterval.
func (b *LinearBackOff) Reset() {
	b.currentInterval = b.InitialInterval
	b.attempt = 0
}

// NextBackOff returns the next delay with jitter applied.
func (b *LinearBackOff) NextBackOff() time.Duration {
	if b.currentInterval == 0 {
		b.currentInterval = b.InitialInterval
	}

	interval := applyJitter(b.currentInterval, b.JitterFactor)

	b.attempt++
	b.currentInterval = b.InitialInterval + time.Duration(b.attempt)*b.Increment
	if b.currentInterval > b.MaxInterval {
		b.currentInterval = b.MaxInterval
	}

	return interval
}

// DecorrelatedJitterBackOff implements decorrelated jitter: each delay is
// drawn uniformly from [Base, min(Cap, previous*3)]. Compared to jittered
// exponential backoff it spreads concurrent retriers apart faster, which
// matters when many clients fail against the same origin at once.
//
// See https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
type DecorrelatedJitterBackOff struct {
	// Base is the minimum backoff interval.
	// Default: 500ms
	Base time.Duration

	// Cap is the maximum backoff interval.
	// Default: 30s
	Cap time.Duration

	sleep time.Duration
}

// NewDecorrelatedJitterBackOff returns a DecorrelatedJitterBackOff over
// [500ms, 30s].
func NewDecorrelatedJitterBackOff() *DecorrelatedJitterBackOff {
	return &DecorrelatedJitterBackOff{
		Base: 500 * time.Millisecond,
		Cap:  30 * time.Second,
	}
}

// Reset restarts the sequence at Base.
func (b *DecorrelatedJitterBackOff) Reset() {
	b.sleep = b.Base
}

// NextBackOff draws the next delay from the decorrelated range.
func (b *DecorrelatedJitterBackOff) NextBackOff() time.Duration {
	if b.sleep == 0 {
		b.sleep = b.Base
	}

	upperBound := b.sleep * 3
	if upperBound > b.Cap {
		upperBound = b.Cap
	}

	b.sleep = randomBetween(b.Base, upperBound)
	return b.sleep
}

// ConstantBackOffWithJitter waits a fixed Interval randomized by
// JitterFactor, so concurrent retriers do not fire in lockstep. With
// Interval=1s and JitterFactor=0.25 each wait lands in [750ms, 1.25s].
type ConstantBackOffWithJitter struct {
	// Interval is the base delay between attempts.
	// Default: 1s
	Interval time.Duration

	// JitterFactor randomizes each delay within ±factor (0.0-1.0).
	// Default: 0.5
	JitterFactor float64
}

// NewConstantBackOffWithJitter returns a ConstantBackOffWithJitter waiting
// one jittered second per attempt.
func NewConstantBackOffWithJitter() *ConstantBackOffWithJitter {
	return &ConstantBackOffWithJitter{
		Interval:     1 * time.Second,
		JitterFactor: DefaultJitterFactor,
	}
}

// Reset is a no-op; the strategy is stateless.
func (b *ConstantBackOffWithJitter) Reset() {}

// NextBackOff returns the jittered interval.
func (b *ConstantBackOffWithJitter) NextBackOff() time.Duration {
	return applyJitter(b.Interval, b.JitterFactor)
}

// ExponentialFromRetry creates a cenkalti/backoff ExponentialBackOff matching
// a Retry policy's backoff parameters, for callers that want to drive retry
// loops of their own with the same timing.
func ExponentialFromRetry(r Retry) *backoff.ExponentialBackOff {
	maxInterval := r.BackoffMax
	if maxInterval <= 0 {
		maxInterval = DefaultBackoffMax
	}
	initial := r.BackoffFactor
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}

	jitter := 0.0
	if r.BackoffJitter > 0 {
		jitter = float64(r.BackoffJitter) / float64(initial)
		if jitter > 1 {
			jitter = 1
		}
	}

	return &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: jitter,
		Multiplier:          2,
		MaxInterval:         maxInterval,
	}
}

// applyJitter randomizes interval within ±jitterFactor: a factor of 0.5
// yields a result in [interval*0.5, interval*1.5].
func applyJitter(interval time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return interval
	}
	if jitterFactor > 1 {
		jitterFactor = 1
	}

	delta := float64(interval) * jitterFactor
	minInterval := float64(interval) - delta
	maxInterval := float64(interval) + delta

	//nolint:gosec // intentional weak rand for jitter (not cryptographic)
	return time.Duration(
		minInterval + rand.Float64()*(maxInterval-minInterval),
	)
}

// randomBetween returns a random duration between minDur and maxDur (inclusive).
//
//nolint:gosec // intentional weak rand for jitter (not cryptographic)
func randomBetween(minDur, maxDur time.Duration) time.Duration {
	if minDur >= maxDur {
		return minDur
	}
	return minDur + time.Duration(
		rand.Int64N(int64(maxDur-minDur)),
	)
}
