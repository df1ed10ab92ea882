package relay

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Budget is a remaining retry allowance for one failure category. A budget
// below zero is exhausted; Unlimited budgets are never consumed.
type Budget int

// Unlimited marks a budget that never runs out.
const Unlimited Budget = -1 << 30

func (b Budget) decremented() Budget {
	if b == Unlimited {
		return b
	}
	return b - 1
}

func (b Budget) exhausted() bool {
	return b != Unlimited && b < 0
}

// Attempt records one prior try of a logical request: exactly one of Err,
// RedirectLocation, or a bare Status describes its outcome.
type Attempt struct {
	Method           string
	URL              string
	Err              error
	Status           int
	RedirectLocation string
}

// Default values for Retry.
const (
	// DefaultTotalRetries is the default overall retry budget.
	DefaultTotalRetries Budget = 10

	// DefaultBackoffMax caps the computed backoff delay.
	DefaultBackoffMax = 120 * time.Second
)

// defaultAllowedMethods is the set of methods considered safe to retry after
// a read-phase failure: idempotent by definition, so replaying them cannot
// duplicate a side effect.
var defaultAllowedMethods = map[string]bool{
	http.MethodHead:    true,
	http.MethodGet:     true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

// retryAfterStatuses are the statuses whose Retry-After header makes a
// response retry-eligible even outside the forcelist.
var retryAfterStatuses = map[int]bool{
	http.StatusRequestEntityTooLarge: true, // 413
	http.StatusTooManyRequests:       true, // 429
	http.StatusServiceUnavailable:    true, // 503
}

// Retry is an immutable retry policy. Increment never mutates the receiver;
// it returns a fresh value, so one policy can be threaded through concurrent
// requests without shared state.
//
// The policy tracks five budgets. Total is an upper bound across all
// categories; Connect, Read, Redirect and Status bound individual failure
// classes. Exhaustion is reached as soon as any tracked budget drops below
// zero; when Total and a category budget are both finite, the lower of the
// two governs that category.
//
// Construct policies with NewRetry (or the RetryAttempts shorthand) and
// adjust fields on the returned value:
//
//	r := relay.NewRetry(5)
//	r.BackoffFactor = 200 * time.Millisecond
//	r.StatusForcelist = relay.StatusList(502, 503, 504)
type Retry struct {
	// Total bounds retries across all categories. Exhausting Total ends
	// the request regardless of per-category allowances.
	Total Budget

	// Connect bounds retries of connect-phase failures (DNS, dial,
	// TLS handshake, pool exhaustion).
	Connect Budget

	// Read bounds retries of read-phase failures (request write, response
	// timeout, truncated response). Read retries additionally require the
	// method to be in AllowedMethods.
	Read Budget

	// Redirect bounds how many redirects are followed.
	Redirect Budget

	// Status bounds retries triggered by response status codes.
	Status Budget

	// BackoffFactor scales the exponential backoff between attempts.
	// Zero disables computed backoff.
	BackoffFactor time.Duration

	// BackoffMax caps the computed backoff. Zero means DefaultBackoffMax.
	BackoffMax time.Duration

	// BackoffJitter adds a uniformly random delay in [0, BackoffJitter]
	// on top of the computed backoff.
	BackoffJitter time.Duration

	// RetryAfterMax clamps server-supplied Retry-After waits. Zero means
	// no clamp.
	RetryAfterMax time.Duration

	// AllowedMethods is the set of methods eligible for read and status
	// retries. Nil means the idempotent default set.
	AllowedMethods map[string]bool

	// StatusForcelist is the set of status codes always retried (budget
	// permitting) regardless of Retry-After.
	StatusForcelist map[int]bool

	// RaiseOnRedirect turns redirect-budget exhaustion into a
	// *RedirectError instead of returning the redirect response.
	RaiseOnRedirect bool

	// RaiseOnStatus turns status-budget exhaustion into a *MaxRetryError
	// instead of returning the response.
	RaiseOnStatus bool

	// RespectRetryAfter makes the orchestrator sleep for the server's
	// Retry-After value instead of the computed backoff.
	RespectRetryAfter bool

	// History holds every prior attempt, oldest first.
	History []Attempt
}

// NewRetry returns a policy with the given total budget, unlimited category
// budgets, and conservative defaults: redirects and statuses raise on
// exhaustion, Retry-After is respected, and backoff is disabled until a
// factor is set.
func NewRetry(total Budget) Retry {
	return Retry{
		Total:             total,
		Connect:           Unlimited,
		Read:              Unlimited,
		Redirect:          Unlimited,
		Status:            Unlimited,
		BackoffMax:        DefaultBackoffMax,
		RaiseOnRedirect:   true,
		RaiseOnStatus:     true,
		RespectRetryAfter: true,
	}
}

// DefaultRetry returns NewRetry(DefaultTotalRetries).
func DefaultRetry() Retry {
	return NewRetry(DefaultTotalRetries)
}

// RetryAttempts converts a plain attempt count into a policy; it is the
// shorthand for callers that only care about "retry n times".
func RetryAttempts(n int) Retry {
	return NewRetry(Budget(n))
}

// NoRetry returns a policy that never retries and never follows redirects.
func NoRetry() Retry {
	r := NewRetry(0)
	r.Redirect = 0
	return r
}

// StatusList builds a forcelist set from status codes.
func StatusList(codes ...int) map[int]bool {
	set := make(map[int]bool, len(codes))
	for _, code := range codes {
		set[code] = true
	}
	return set
}

// IsExhausted reports whether any tracked budget has dropped below zero.
func (r Retry) IsExhausted() bool {
	return r.Total.exhausted() ||
		r.Connect.exhausted() ||
		r.Read.exhausted() ||
		r.Redirect.exhausted() ||
		r.Status.exhausted()
}

// MethodAllowed reports whether method is eligible for read and status
// retries.
func (r Retry) MethodAllowed(method string) bool {
	methods := r.AllowedMethods
	if methods == nil {
		methods = defaultAllowedMethods
	}
	return methods[strings.ToUpper(method)]
}

// ShouldRetryStatus decides whether a response status warrants another
// attempt: the method must be allowed, and the status must either be in the
// forcelist or carry a Retry-After header while being Retry-After eligible.
// The two status checks are independent, OR'd conditions.
func (r Retry) ShouldRetryStatus(method string, status int, hasRetryAfter bool) bool {
	if !r.MethodAllowed(method) {
		return false
	}
	if r.StatusForcelist[status] {
		return true
	}
	return hasRetryAfter && retryAfterStatuses[status]
}

// BackoffDuration computes the delay before the next attempt.
//
// The first two attempts are immediate. From the third consecutive
// non-redirect attempt on, the delay is BackoffFactor × 2^(n−2) for n
// consecutive attempts, capped at BackoffMax, plus uniform jitter in
// [0, BackoffJitter]. A redirect in the history resets the consecutive
// count: a redirect is not a failure.
func (r Retry) BackoffDuration() time.Duration {
	n := r.consecutiveErrors()
	if n < 3 || r.BackoffFactor <= 0 {
		return r.jittered(0)
	}

	shift := n - 2
	if shift > 32 {
		shift = 32
	}
	d := r.BackoffFactor << shift

	cap := r.BackoffMax
	if cap <= 0 {
		cap = DefaultBackoffMax
	}
	if d > cap || d < 0 {
		d = cap
	}
	return r.jittered(d)
}

func (r Retry) jittered(d time.Duration) time.Duration {
	if r.BackoffJitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(int64(r.BackoffJitter)+1))
}

// consecutiveErrors counts history entries from the tail up to the most
// recent redirect.
func (r Retry) consecutiveErrors() int {
	n := 0
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].RedirectLocation != "" {
			break
		}
		n++
	}
	return n
}

// ParseRetryAfter parses a Retry-After header value: either a non-negative
// integer number of seconds or an HTTP-date. The result is clamped to
// RetryAfterMax when one is set. Negative or unparseable input reports
// ok == false, meaning "no explicit wait", and the caller falls back to
// computed backoff.
func (r Retry) ParseRetryAfter(value string) (wait time.Duration, ok bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		wait = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(value); err == nil {
		wait = time.Until(t)
		if wait < 0 {
			return 0, false
		}
	} else {
		return 0, false
	}

	if r.RetryAfterMax > 0 && wait > r.RetryAfterMax {
		wait = r.RetryAfterMax
	}
	return wait, true
}

// Increment classifies one completed attempt and returns the successor
// policy with the matching budgets consumed and the attempt appended to
// History.
//
// Exactly one category is charged: a connect-phase error consumes Connect, a
// later error consumes Read, a redirect response consumes Redirect, and any
// other response consumes Status. Total is always consumed.
//
// A read-phase error on a method outside AllowedMethods is terminal: the
// request may have reached the server, so replaying it could duplicate a
// side effect. Increment returns the error as-is with the policy unchanged.
//
// When the successor state is exhausted, Increment returns it together with
// a *MaxRetryError; a policy can never be incremented past exhaustion
// silently.
func (r Retry) Increment(method, urlStr string, err error, resp *Response) (Retry, error) {
	if err != nil && !isConnectPhase(err) && !r.MethodAllowed(method) {
		return r, err
	}

	next := r
	next.Total = next.Total.decremented()

	att := Attempt{Method: method, URL: urlStr}
	switch {
	case err != nil && isConnectPhase(err):
		next.Connect = next.Connect.decremented()
		att.Err = err
	case err != nil:
		next.Read = next.Read.decremented()
		att.Err = err
	case resp != nil && resp.IsRedirect():
		next.Redirect = next.Redirect.decremented()
		att.Status = resp.StatusCode
		att.RedirectLocation = resp.Location()
	case resp != nil:
		next.Status = next.Status.decremented()
		att.Status = resp.StatusCode
	}

	history := make([]Attempt, len(r.History), len(r.History)+1)
	copy(history, r.History)
	next.History = append(history, att)

	if next.IsExhausted() {
		return next, &MaxRetryError{
			URL:      urlStr,
			Err:      err,
			Response: resp,
			History:  next.History,
		}
	}
	return next, nil
}
