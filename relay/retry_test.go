package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRetry_Defaults(t *testing.T) {
	t.Parallel()

	r := NewRetry(5)

	assert.Equal(t, Budget(5), r.Total)
	assert.Equal(t, Unlimited, r.Connect)
	assert.Equal(t, Unlimited, r.Read)
	assert.Equal(t, Unlimited, r.Redirect)
	assert.Equal(t, Unlimited, r.Status)
	assert.Equal(t, DefaultBackoffMax, r.BackoffMax)
	assert.True(t, r.RaiseOnRedirect)
	assert.True(t, r.RaiseOnStatus)
	assert.True(t, r.RespectRetryAfter)
	assert.False(t, r.IsExhausted())
}

func TestRetry_IncrementIsImmutable(t *testing.T) {
	t.Parallel()

	r := NewRetry(3)
	next, err := r.Increment("GET", "http://a/", &ReadError{Err: errors.New("boom")}, nil)

	require.NoError(t, err)
	assert.Equal(t, Budget(3), r.Total, "original policy must not change")
	assert.Empty(t, r.History)
	assert.Equal(t, Budget(2), next.Total)
	assert.Len(t, next.History, 1)
}

func TestRetry_IncrementChargesOneCategory(t *testing.T) {
	t.Parallel()

	origin := Origin{Scheme: "http", Host: "a", Port: 80}
	base := NewRetry(10)
	base.Connect = 5
	base.Read = 5
	base.Redirect = 5
	base.Status = 5

	tests := []struct {
		name string
		err  error
		resp *Response
		get  func(Retry) Budget
	}{
		{
			name: "given a connect error, then the connect budget is charged",
			err:  &ConnectError{Origin: origin, Err: errors.New("refused")},
			get:  func(r Retry) Budget { return r.Connect },
		},
		{
			name: "given pool exhaustion, then the connect budget is charged",
			err:  &PoolExhaustedError{Origin: origin},
			get:  func(r Retry) Budget { return r.Connect },
		},
		{
			name: "given a read error, then the read budget is charged",
			err:  &ReadError{Origin: origin, Err: errors.New("timeout")},
			get:  func(r Retry) Budget { return r.Read },
		},
		{
			name: "given a redirect response, then the redirect budget is charged",
			resp: &Response{StatusCode: 302, Header: map[string][]string{"Location": {"/next"}}},
			get:  func(r Retry) Budget { return r.Redirect },
		},
		{
			name: "given a plain status response, then the status budget is charged",
			resp: &Response{StatusCode: 503, Header: map[string][]string{}},
			get:  func(r Retry) Budget { return r.Status },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			next, err := base.Increment("GET", "http://a/", tt.err, tt.resp)
			require.NoError(t, err)

			assert.Equal(t, Budget(9), next.Total)
			assert.Equal(t, Budget(4), tt.get(next))
			assert.Len(t, next.History, 1)
		})
	}
}

func TestRetry_IncrementRejectsReadErrorOnUnsafeMethod(t *testing.T) {
	t.Parallel()

	r := NewRetry(5)
	readErr := &ReadError{Err: errors.New("connection reset")}

	// The POST may have reached the server; the error comes back untouched
	// and no budget is consumed.
	next, err := r.Increment("POST", "http://a/", readErr, nil)
	require.Error(t, err)
	var re *ReadError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, Budget(5), next.Total)
	assert.Empty(t, next.History)

	// Connect-phase failures on the same method are still retryable: no
	// bytes reached the server.
	next, err = r.Increment("POST", "http://a/", &ConnectError{Err: errors.New("refused")}, nil)
	require.NoError(t, err)
	assert.Equal(t, Budget(4), next.Total)

	// A widened whitelist opts POST in.
	r.AllowedMethods = map[string]bool{"POST": true}
	next, err = r.Increment("POST", "http://a/", readErr, nil)
	require.NoError(t, err)
	assert.Equal(t, Budget(4), next.Total)
	assert.Len(t, next.History, 1)
}

func TestRetry_TotalExhaustion(t *testing.T) {
	t.Parallel()

	r := NewRetry(2)
	readErr := &ReadError{Err: errors.New("boom")}

	var err error
	r, err = r.Increment("GET", "http://a/", readErr, nil)
	require.NoError(t, err)
	r, err = r.Increment("GET", "http://a/", readErr, nil)
	require.NoError(t, err)

	// Third failure pushes Total below zero.
	r, err = r.Increment("GET", "http://a/", readErr, nil)
	require.Error(t, err)
	assert.True(t, r.IsExhausted())

	var mre *MaxRetryError
	require.ErrorAs(t, err, &mre)
	assert.Equal(t, "http://a/", mre.URL)
	assert.Len(t, mre.History, 3)
	assert.ErrorIs(t, mre, readErr.Err)
}

func TestRetry_CategoryExhaustionBeatsTotal(t *testing.T) {
	t.Parallel()

	r := NewRetry(10)
	r.Connect = 0

	next, err := r.Increment("GET", "http://a/", &ConnectError{Err: errors.New("refused")}, nil)
	require.Error(t, err)
	assert.True(t, next.IsExhausted())
	assert.Equal(t, Budget(9), next.Total, "total still has allowance; connect governs")
}

func TestRetry_UnlimitedBudgetNeverExhausts(t *testing.T) {
	t.Parallel()

	r := NewRetry(Unlimited)
	readErr := &ReadError{Err: errors.New("boom")}

	for i := 0; i < 100; i++ {
		var err error
		r, err = r.Increment("GET", "http://a/", readErr, nil)
		require.NoError(t, err)
	}
	assert.Len(t, r.History, 100)
	assert.False(t, r.IsExhausted())
}

func TestRetry_BackoffSequence(t *testing.T) {
	t.Parallel()

	r := NewRetry(10)
	r.BackoffFactor = 100 * time.Millisecond
	readErr := &ReadError{Err: errors.New("boom")}

	want := []time.Duration{
		0,                      // after 1st attempt
		0,                      // after 2nd attempt
		200 * time.Millisecond, // factor * 2^1
		400 * time.Millisecond, // factor * 2^2
		800 * time.Millisecond, // factor * 2^3
	}

	for i, w := range want {
		var err error
		r, err = r.Increment("GET", "http://a/", readErr, nil)
		require.NoError(t, err)
		assert.Equal(t, w, r.BackoffDuration(), "attempt %d", i+1)
	}
}

func TestRetry_BackoffCappedAtMax(t *testing.T) {
	t.Parallel()

	r := NewRetry(Unlimited)
	r.BackoffFactor = time.Second
	r.BackoffMax = 3 * time.Second
	readErr := &ReadError{Err: errors.New("boom")}

	for i := 0; i < 20; i++ {
		var err error
		r, err = r.Increment("GET", "http://a/", readErr, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 3*time.Second, r.BackoffDuration())
}

func TestRetry_BackoffJitterBounds(t *testing.T) {
	t.Parallel()

	r := NewRetry(10)
	r.BackoffFactor = 100 * time.Millisecond
	r.BackoffJitter = 50 * time.Millisecond
	readErr := &ReadError{Err: errors.New("boom")}

	for i := 0; i < 3; i++ {
		var err error
		r, err = r.Increment("GET", "http://a/", readErr, nil)
		require.NoError(t, err)
	}

	// Base after three consecutive failures is 200ms.
	for i := 0; i < 50; i++ {
		d := r.BackoffDuration()
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestRetry_RedirectResetsConsecutiveCount(t *testing.T) {
	t.Parallel()

	r := NewRetry(10)
	r.BackoffFactor = 100 * time.Millisecond
	readErr := &ReadError{Err: errors.New("boom")}
	redirect := &Response{StatusCode: 302, Header: map[string][]string{"Location": {"/next"}}}

	var err error
	r, err = r.Increment("GET", "http://a/", readErr, nil)
	require.NoError(t, err)
	r, err = r.Increment("GET", "http://a/", readErr, nil)
	require.NoError(t, err)
	r, err = r.Increment("GET", "http://a/", readErr, nil)
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, r.BackoffDuration())

	// A redirect in between starts the count over.
	r, err = r.Increment("GET", "http://a/", nil, redirect)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), r.BackoffDuration())

	r, err = r.Increment("GET", "http://b/", readErr, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), r.BackoffDuration())
}

func TestRetry_ShouldRetryStatus(t *testing.T) {
	t.Parallel()

	r := NewRetry(10)
	r.StatusForcelist = StatusList(502, 504)

	tests := []struct {
		name          string
		method        string
		status        int
		hasRetryAfter bool
		want          bool
	}{
		{"given a forcelisted status, then retry", "GET", 502, false, true},
		{"given a non-forcelisted status, then no retry", "GET", 500, false, false},
		{"given 503 with Retry-After, then retry", "GET", 503, true, true},
		{"given 503 without Retry-After, then no retry", "GET", 503, false, false},
		{"given 429 with Retry-After, then retry", "GET", 429, true, true},
		{"given 413 with Retry-After, then retry", "PUT", 413, true, true},
		{"given 200 with Retry-After, then no retry", "GET", 200, true, false},
		{"given a non-idempotent method, then no retry", "POST", 502, false, false},
		{"given lowercase method, then matching is case-insensitive", "get", 502, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, r.ShouldRetryStatus(tt.method, tt.status, tt.hasRetryAfter))
		})
	}
}

func TestRetry_MethodAllowedOverride(t *testing.T) {
	t.Parallel()

	r := NewRetry(10)
	r.AllowedMethods = map[string]bool{"POST": true}
	r.StatusForcelist = StatusList(503)

	assert.True(t, r.ShouldRetryStatus("POST", 503, false))
	assert.False(t, r.ShouldRetryStatus("GET", 503, false))
}

func TestRetry_ParseRetryAfter(t *testing.T) {
	t.Parallel()

	r := NewRetry(10)

	tests := []struct {
		name   string
		value  string
		max    time.Duration
		want   time.Duration
		wantOK bool
	}{
		{"given integer seconds, then parsed", "5", 0, 5 * time.Second, true},
		{"given zero, then zero wait", "0", 0, 0, true},
		{"given negative seconds, then ignored", "-3", 0, 0, false},
		{"given garbage, then ignored", "soon", 0, 0, false},
		{"given empty value, then ignored", "", 0, 0, false},
		{"given value above the clamp, then clamped", "100", 10 * time.Second, 10 * time.Second, true},
		{"given value under the clamp, then untouched", "5", 10 * time.Second, 5 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := r
			p.RetryAfterMax = tt.max
			got, ok := p.ParseRetryAfter(tt.value)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRetry_ParseRetryAfterHTTPDate(t *testing.T) {
	t.Parallel()

	r := NewRetry(10)

	future := time.Now().Add(30 * time.Second).UTC().Format(time.RFC1123)
	wait, ok := r.ParseRetryAfter(future)
	require.True(t, ok)
	assert.Greater(t, wait, 25*time.Second)
	assert.LessOrEqual(t, wait, 30*time.Second)

	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC1123)
	_, ok = r.ParseRetryAfter(past)
	assert.False(t, ok)
}

func TestRetry_HistoryRecordsAttempts(t *testing.T) {
	t.Parallel()

	r := NewRetry(10)
	redirect := &Response{StatusCode: 301, Header: map[string][]string{"Location": {"http://b/"}}}

	var err error
	r, err = r.Increment("GET", "http://a/", nil, redirect)
	require.NoError(t, err)
	r, err = r.Increment("GET", "http://b/", nil, &Response{StatusCode: 503, Header: map[string][]string{}})
	require.NoError(t, err)

	require.Len(t, r.History, 2)
	assert.Equal(t, "http://b/", r.History[0].RedirectLocation)
	assert.Equal(t, 301, r.History[0].Status)
	assert.Equal(t, 503, r.History[1].Status)
	assert.Empty(t, r.History[1].RedirectLocation)
}

func TestNoRetry(t *testing.T) {
	t.Parallel()

	r := NoRetry()
	_, err := r.Increment("GET", "http://a/", &ReadError{Err: errors.New("boom")}, nil)
	assert.Error(t, err)
}
