package relay

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the pool and client.
var (
	// ErrPoolClosed is returned by Acquire after CloseAll has been called.
	ErrPoolClosed = errors.New("relay: pool is closed")

	// ErrConnClosed is returned when I/O is attempted on a closed connection.
	ErrConnClosed = errors.New("relay: connection is closed")

	// ErrRateLimited is returned when a request is rejected by the
	// client-level rate limiter in fail-fast mode.
	ErrRateLimited = errors.New("relay: rate limit exceeded")
)

// ConnectError reports a failure during the connect phase (DNS resolution,
// TCP dial, TLS handshake). No request bytes reached the server, so a
// connect error is always safe to retry against the connect budget.
type ConnectError struct {
	Origin Origin
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("relay: connect %s: %v", e.Origin, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ReadError reports a failure after the connect phase (request write,
// response timeout, truncated or malformed response). The server may have
// partially processed the request, so read errors are only retried for
// methods in the policy's allowed set.
type ReadError struct {
	Origin Origin
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("relay: read %s: %v", e.Origin, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// PoolExhaustedError reports that no connection could be acquired within the
// pool's capacity and timeout constraints. The orchestrator treats it like a
// connect-phase failure for retry-budget purposes.
type PoolExhaustedError struct {
	Origin  Origin
	Waited  time.Duration
	Blocked bool
}

func (e *PoolExhaustedError) Error() string {
	if e.Blocked {
		return fmt.Sprintf("relay: pool for %s exhausted after waiting %s", e.Origin, e.Waited)
	}
	return fmt.Sprintf("relay: pool for %s exhausted", e.Origin)
}

// MaxRetryError is the terminal error when a retry budget would go negative.
// It carries the precipitating error or response and the full attempt
// history so failures are diagnosable without tracing.
type MaxRetryError struct {
	URL      string
	Err      error
	Response *Response
	History  []Attempt
}

func (e *MaxRetryError) Error() string {
	msg := fmt.Sprintf("relay: max retries exceeded for %s (%d attempts)", e.URL, len(e.History))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else if e.Response != nil {
		msg += fmt.Sprintf(": last status %d", e.Response.StatusCode)
	}
	return msg
}

func (e *MaxRetryError) Unwrap() error { return e.Err }

// RedirectError is returned when the redirect budget is exhausted and the
// policy has RaiseOnRedirect set. Response holds the final redirect response.
type RedirectError struct {
	URL      string
	Location string
	Response *Response
	History  []Attempt
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("relay: too many redirects for %s (last location %q)", e.URL, e.Location)
}

// isConnectPhase reports whether err occurred before any request bytes were
// sent. Pool exhaustion counts: from the caller's perspective no connection
// was ever established.
func isConnectPhase(err error) bool {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return true
	}
	var pe *PoolExhaustedError
	return errors.As(err, &pe)
}
