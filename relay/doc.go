// Package relay is an HTTP client core built around explicit connection
// pooling and retry orchestration.
//
// Unlike a transport wrapper, relay owns its connections: each origin
// (scheme, host, port plus transport options) gets a bounded pool of reusable
// connections, pools live in a caller-owned LRU registry, and a retry policy
// decides whether a failed or redirected request is attempted again and how
// long to wait first.
//
// # Quick Start
//
//	client := relay.New(
//	    relay.WithRetry(relay.NewRetry(3)),
//	    relay.WithPoolSize(10),
//	)
//	defer client.Close()
//
//	req, _ := relay.NewRequest(http.MethodGet, "https://api.example.com/users", nil, nil)
//	resp, err := client.Do(ctx, req)
//
// # Connection Pooling
//
// Pools are bounded. In fail-fast mode (the default) an acquisition returns
// *PoolExhaustedError immediately when the pool is full; in blocking mode it
// waits for a connection to be released, up to the configured pool timeout:
//
//	client := relay.New(
//	    relay.WithPoolSize(4),
//	    relay.WithBlocking(),
//	)
//
// The registry keeps at most NumPools pools resident and evicts the least
// recently used one, closing all of its connections, when a new origin is
// first requested:
//
//	client := relay.New(relay.WithNumPools(8))
//
// # Retry Policy
//
// Retry is an immutable value. Every increment produces a new value, so a
// policy can be shared between concurrent requests safely:
//
//	r := relay.NewRetry(5)
//	r.BackoffFactor = 200 * time.Millisecond
//	r.StatusForcelist = relay.StatusList(502, 503)
//
//	client := relay.New(relay.WithRetry(r))
//
// Connect-phase failures (dial, DNS, pool exhaustion) and read-phase failures
// (response timeout, truncated response) consume separate budgets; redirects
// and retryable statuses have budgets of their own. When any budget is
// exhausted the caller receives a *MaxRetryError carrying the full attempt
// history.
//
// # Resilience Extras
//
// A per-origin circuit breaker, client-level rate limiting, and in-flight
// coalescing of idempotent requests are available as options:
//
//	client := relay.New(
//	    relay.WithBreaker(relay.DefaultBreakerConfig()),
//	    relay.WithRateLimit(relay.RateLimitConfig{RequestsPerSecond: 50, Burst: 10}),
//	    relay.WithCoalescing(),
//	)
//
// # Observability
//
// The client emits OpenTelemetry spans for each logical request (with retry
// events) and metrics for request duration, pool acquisition, exhaustion and
// retries. Debug logging goes through zerolog when a logger is supplied with
// WithLogger.
package relay
