package relay

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the metric instruments for client operations.
type metrics struct {
	// === Request Metrics ===

	// requestDuration measures the total logical request duration in
	// seconds, retries and backoff sleeps included.
	requestDuration metric.Float64Histogram

	// activeRequests tracks the number of in-flight logical requests.
	activeRequests metric.Int64UpDownCounter

	// requestErrors counts request errors by error type.
	requestErrors metric.Int64Counter

	// === Connection Pool Metrics ===

	// openConnections tracks the current number of open connections.
	openConnections metric.Int64UpDownCounter

	// acquireDuration measures time spent waiting for a pool slot.
	acquireDuration metric.Float64Histogram

	// poolExhausted counts acquisitions rejected by a saturated pool.
	poolExhausted metric.Int64Counter

	// === Retry Metrics ===

	// retryAttempts counts retry attempts.
	retryAttempts metric.Int64Counter

	// retryExhausted counts requests that exhausted all retries.
	// A high value indicates downstream service issues.
	retryExhausted metric.Int64Counter
}

// newMetrics creates and registers metric instruments.
func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error

	m.requestDuration, err = meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("Duration of logical client requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
		),
	)
	if err != nil {
		return nil, err
	}

	m.activeRequests, err = meter.Int64UpDownCounter(
		"http.client.active_requests",
		metric.WithDescription("Number of active logical client requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.requestErrors, err = meter.Int64Counter(
		"http.client.request.error",
		metric.WithDescription("Number of client request errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.openConnections, err = meter.Int64UpDownCounter(
		"http.client.open_connections",
		metric.WithDescription("Number of open client connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	m.acquireDuration, err = meter.Float64Histogram(
		"http.client.pool.acquire.duration",
		metric.WithDescription("Time spent waiting for a pool connection in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
		),
	)
	if err != nil {
		return nil, err
	}

	m.poolExhausted, err = meter.Int64Counter(
		"http.client.pool.exhausted",
		metric.WithDescription("Number of acquisitions rejected by a saturated pool"),
		metric.WithUnit("{acquisition}"),
	)
	if err != nil {
		return nil, err
	}

	m.retryAttempts, err = meter.Int64Counter(
		"http.client.retry.attempts",
		metric.WithDescription("Number of client retry attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.retryExhausted, err = meter.Int64Counter(
		"http.client.retry.exhausted",
		metric.WithDescription("Number of requests that exhausted all retries"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// recordRequestDuration records the duration of one logical request.
func (m *metrics) recordRequestDuration(
	ctx context.Context,
	duration time.Duration,
	attrs []attribute.KeyValue,
) {
	if m == nil || m.requestDuration == nil {
		return
	}
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// recordActiveRequestStart records a request starting.
func (m *metrics) recordActiveRequestStart(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.activeRequests == nil {
		return
	}
	m.activeRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordActiveRequestEnd records a request completing.
func (m *metrics) recordActiveRequestEnd(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.activeRequests == nil {
		return
	}
	m.activeRequests.Add(ctx, -1, metric.WithAttributes(attrs...))
}

// recordError records a request error.
func (m *metrics) recordError(ctx context.Context, errorType string, attrs []attribute.KeyValue) {
	if m == nil || m.requestErrors == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs, attribute.String("error.type", errorType))
	m.requestErrors.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

// recordConnectionOpened records a connection being opened.
func (m *metrics) recordConnectionOpened(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.openConnections == nil {
		return
	}
	m.openConnections.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordConnectionClosed records a connection being closed.
func (m *metrics) recordConnectionClosed(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.openConnections == nil {
		return
	}
	m.openConnections.Add(ctx, -1, metric.WithAttributes(attrs...))
}

// recordAcquireDuration records time spent waiting for a pool slot.
func (m *metrics) recordAcquireDuration(
	ctx context.Context,
	duration time.Duration,
	attrs []attribute.KeyValue,
) {
	if m == nil || m.acquireDuration == nil {
		return
	}
	m.acquireDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// recordPoolExhausted records an acquisition rejected by a saturated pool.
func (m *metrics) recordPoolExhausted(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.poolExhausted == nil {
		return
	}
	m.poolExhausted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordRetryAttempt records a retry attempt.
func (m *metrics) recordRetryAttempt(ctx context.Context, attrs []attribute.KeyValue, attempt int) {
	if m == nil || m.retryAttempts == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs, attribute.Int("retry.attempt", attempt))
	m.retryAttempts.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

// recordRetryExhausted records when all retries have been exhausted.
func (m *metrics) recordRetryExhausted(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.retryExhausted == nil {
		return
	}
	m.retryExhausted.Add(ctx, 1, metric.WithAttributes(attrs...))
}
