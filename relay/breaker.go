package relay

import (
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerClassifier determines if an attempt outcome should contribute to
// the circuit breaker trip count. Returns true if the error/response
// indicates a system failure (e.g., 5xx, network error).
type BreakerClassifier func(resp *Response, err error) bool

// BreakerConfig holds the configuration for the per-origin circuit breaker.
//
// Concepts:
//   - Closed: Normal state, requests allowed.
//   - Open: Failing state, requests rejected immediately.
//   - Half-Open: Probing state, limited requests allowed to test recovery.
type BreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is half-open (probing).
	// If 0, the circuit breaker allows 1 request.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state
	// for the CircuitBreaker to clear the internal Counts.
	// If 0, the CircuitBreaker doesn't clear internal Counts during the closed state.
	Interval time.Duration

	// Timeout is the period of the open state,
	// after which the state of the CircuitBreaker becomes half-open.
	Timeout time.Duration

	// FailureThreshold is the minimum number of requests needed before a
	// circuit can be tripped due to failure ratio.
	// Default: 20
	FailureThreshold uint32

	// FailureRatio is the threshold of failure ratio (0.0 - 1.0) to trip the circuit.
	// Default: 0.5 (50% failure rate)
	FailureRatio float64

	// ConsecutiveFailures is the number of consecutive failures that will
	// trip the circuit. If 0, this rule is disabled.
	ConsecutiveFailures uint32

	// Classifier determines which outcomes count as failures.
	// Default: DefaultBreakerClassifier
	Classifier BreakerClassifier

	// OnStateChange is a callback invoked when the circuit breaker state changes.
	OnStateChange func(origin string, from, to gobreaker.State)
}

// DefaultBreakerConfig returns a safe default configuration.
//
// Defaults based on Hystrix and Google SRE best practices:
//   - Interval: 10s
//   - Timeout: 10s (Fail fast, recover fast)
//   - FailureThreshold: 20 (Minimum requests before triggering)
//   - FailureRatio: 0.5 (50% failure rate)
//   - ConsecutiveFailures: 5 (Trip immediately after 5 sequential failures)
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            10 * time.Second,
		Timeout:             10 * time.Second,
		FailureThreshold:    20,
		FailureRatio:        0.5,
		ConsecutiveFailures: 5,
		Classifier:          DefaultBreakerClassifier,
	}
}

// DefaultBreakerClassifier classifies 5xx responses and network errors as
// failures. It ignores 429s as they should be handled by retry logic and
// backoff, not by tripping the breaker.
func DefaultBreakerClassifier(resp *Response, err error) bool {
	if err != nil {
		return isNetworkError(err)
	}
	return resp != nil && resp.StatusCode >= 500
}

// isNetworkError checks for common network errors.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT)
}

// breakerGroup lazily creates one circuit breaker per origin. Failures at
// one origin never open the circuit for another.
type breakerGroup struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[Origin]*gobreaker.CircuitBreaker[*Response]
}

func newBreakerGroup(cfg BreakerConfig) *breakerGroup {
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultBreakerClassifier
	}
	return &breakerGroup{
		cfg:      cfg,
		breakers: make(map[Origin]*gobreaker.CircuitBreaker[*Response]),
	}
}

func (g *breakerGroup) forOrigin(origin Origin) *gobreaker.CircuitBreaker[*Response] {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[origin]; ok {
		return cb
	}

	cfg := g.cfg
	settings := gobreaker.Settings{
		Name:        origin.String(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests < cfg.FailureThreshold {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// Only outcomes the classifier flagged count against the breaker;
			// plain attempt errors (e.g. pool exhaustion) pass through.
			var bf *breakerFailure
			return !errors.As(err, &bf)
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, from, to)
		}
	}

	cb := gobreaker.NewCircuitBreaker[*Response](settings)
	g.breakers[origin] = cb
	return cb
}

// breakerFailure marks an outcome the classifier counted against the
// breaker. The wrapped error may be nil when a response (not an error)
// tripped the classifier.
type breakerFailure struct {
	err error
}

func (e *breakerFailure) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return "relay: breaker-classified failure"
}

func (e *breakerFailure) Unwrap() error { return e.err }
