package relay

import (
	"crypto/tls"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// scope is the instrumentation scope name for OpenTelemetry.
	scope = "github.com/stratum-labs/relay-go/relay"
)

// =============================================================================
// ConnOptions - Per-Pool Connection Settings
// =============================================================================

// ConnOptions are the settings that determine whether two requests may share
// a pooled connection. The options participate in pool identity: requests
// with different ConnOptions always use different pools, so a connection
// dialed with one TLS or timeout configuration is never handed to a caller
// expecting another.
//
// The struct is comparable by design; every field is a scalar.
type ConnOptions struct {
	// DialTimeout is the maximum time to establish the TCP connection.
	DialTimeout time.Duration

	// KeepAlive is the TCP keep-alive probe interval.
	KeepAlive time.Duration

	// FallbackDelay is the RFC 6555 "Happy Eyeballs" delay for dual-stack
	// hosts. Negative disables the parallel fallback attempt.
	FallbackDelay time.Duration

	// TLSServerName overrides the SNI name for the TLS handshake.
	// Empty means the origin host.
	TLSServerName string

	// TLSInsecureSkipVerify disables certificate verification. Connections
	// dialed with it set are reported as unverified.
	TLSInsecureSkipVerify bool

	// PoolSize is the maximum number of connections in the origin's pool.
	PoolSize int

	// Blocking makes pool acquisition wait for a free slot instead of
	// failing fast when the pool is full.
	Blocking bool
}

// =============================================================================
// Config - Client Configuration
// =============================================================================

// Config holds the client's tuning parameters. Use DefaultConfig() to get a
// properly initialized configuration, then modify specific fields as needed.
//
// Example:
//
//	cfg := relay.DefaultConfig()
//	cfg.Timeout = 5 * time.Second
//	cfg.PoolSize = 25
//
//	client := relay.New(relay.WithConfig(cfg))
type Config struct {
	// Timeout bounds one logical request end to end, including every
	// retry and redirect hop. Zero means no timeout.
	//
	// Default: 15s
	Timeout time.Duration

	// PoolSize is the maximum number of connections kept per origin.
	//
	// Too low: connection churn, repeated handshakes.
	// Too high: wasted sockets held against idle origins.
	//
	// Default: 10
	PoolSize int

	// NumPools is the maximum number of origin pools kept resident.
	// The least recently used pool is evicted and torn down when a new
	// origin would exceed the limit.
	//
	// Default: 10
	NumPools int

	// Blocking makes acquisition wait for a free connection slot when a
	// pool is saturated. When false a saturated pool fails fast.
	//
	// Default: false
	Blocking bool

	// PoolTimeout bounds how long a blocking acquisition waits.
	// Zero means wait until the request context expires.
	//
	// Default: 0
	PoolTimeout time.Duration

	// DialTimeout is the maximum time to establish a TCP connection.
	//
	// Default: 5s
	DialTimeout time.Duration

	// KeepAlive is the TCP keep-alive probe interval.
	//
	// Default: 30s
	KeepAlive time.Duration

	// FallbackDelay is the RFC 6555 "Happy Eyeballs" delay for dual-stack
	// hosts. 300ms is the RFC recommendation.
	//
	// Default: 300ms
	FallbackDelay time.Duration
}

// DefaultConfig returns a balanced configuration suitable for most use cases.
func DefaultConfig() Config {
	return Config{
		Timeout:       15 * time.Second,
		PoolSize:      10,
		NumPools:      10,
		Blocking:      false,
		DialTimeout:   5 * time.Second,
		KeepAlive:     30 * time.Second,
		FallbackDelay: 300 * time.Millisecond,
	}
}

// HighThroughputConfig returns a configuration optimized for many concurrent
// requests to a small set of origins.
//
// Key differences from DefaultConfig:
//   - Larger per-origin pools for more concurrent connections
//   - Blocking acquisition so bursts queue instead of failing
//
// Best for API gateways and data pipelines.
func HighThroughputConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		PoolSize:      100,
		NumPools:      25,
		Blocking:      true,
		DialTimeout:   5 * time.Second,
		KeepAlive:     30 * time.Second,
		FallbackDelay: 300 * time.Millisecond,
	}
}

// LowLatencyConfig returns a configuration optimized for latency-sensitive
// callers that would rather fail fast than queue.
//
// Key differences from DefaultConfig:
//   - Shorter timeouts to fail fast
//   - Fail-fast acquisition, never queue behind a saturated pool
func LowLatencyConfig() Config {
	return Config{
		Timeout:       5 * time.Second,
		PoolSize:      25,
		NumPools:      10,
		Blocking:      false,
		DialTimeout:   2 * time.Second,
		KeepAlive:     15 * time.Second,
		FallbackDelay: 150 * time.Millisecond,
	}
}

// ConservativeConfig returns a resource-conscious configuration for
// constrained environments such as serverless functions and sidecars.
//
// Key differences from DefaultConfig:
//   - Minimal pools to conserve sockets and memory
//   - Blocking acquisition with a short queue bound
func ConservativeConfig() Config {
	return Config{
		Timeout:       10 * time.Second,
		PoolSize:      2,
		NumPools:      5,
		Blocking:      true,
		PoolTimeout:   2 * time.Second,
		DialTimeout:   5 * time.Second,
		KeepAlive:     30 * time.Second,
		FallbackDelay: 300 * time.Millisecond,
	}
}

// connOptions derives the per-pool connection settings from the config.
func (c Config) connOptions() ConnOptions {
	return ConnOptions{
		DialTimeout:   c.DialTimeout,
		KeepAlive:     c.KeepAlive,
		FallbackDelay: c.FallbackDelay,
		PoolSize:      c.PoolSize,
		Blocking:      c.Blocking,
	}
}

// =============================================================================
// Internal Configuration
// =============================================================================

// internalConfig holds all configuration including transport and
// observability settings.
type internalConfig struct {
	httpConfig Config

	// Retry is the default policy applied to requests that do not carry
	// their own.
	Retry Retry

	// Dialer establishes transports. Defaults to a NetDialer built from
	// the config's dial settings.
	Dialer Dialer

	// Codec frames requests and responses. Defaults to HTTP/1.1.
	Codec Codec

	// BackOff, when set, replaces the policy-computed backoff delay
	// between attempts. Reset once per logical request.
	BackOff func() backoff.BackOff

	// TLSConfig specifies the TLS configuration.
	// If nil, a default configuration is used.
	TLSConfig *tls.Config

	// Breaker enables a per-origin circuit breaker.
	Breaker *BreakerConfig

	// RateLimit enables client-side request rate limiting.
	RateLimit *RateLimitConfig

	// Coalesce collapses concurrent identical idempotent requests into a
	// single in-flight exchange.
	Coalesce bool

	// RequestID stamps an X-Request-Id header on outgoing requests that
	// do not already carry one.
	RequestID bool

	// FollowRedirects enables redirect following. On by default.
	FollowRedirects bool

	// DefaultHeaders are added to every request that does not already set
	// the header.
	DefaultHeaders []HeaderField

	// Logger receives debug-level request and retry events.
	Logger zerolog.Logger

	// === OpenTelemetry Configuration ===

	// TracerProvider is the tracer provider to use.
	// If not set, uses the global provider via otel.GetTracerProvider().
	TracerProvider trace.TracerProvider

	// MeterProvider is the meter provider to use.
	// If not set, uses the global provider via otel.GetMeterProvider().
	MeterProvider metric.MeterProvider

	// Tracer is the tracer instance created from TracerProvider.
	Tracer trace.Tracer

	// Meter is the meter instance created from MeterProvider.
	Meter metric.Meter

	// Metrics holds the metric instruments.
	Metrics *metrics
}

// newConfig creates a new internal config with defaults and applies options.
func newConfig(opts ...Option) *internalConfig {
	cfg := &internalConfig{
		httpConfig:      DefaultConfig(),
		Retry:           DefaultRetry(),
		Codec:           http1Codec{},
		FollowRedirects: true,
		Logger:          zerolog.Nop(),
		TracerProvider:  otel.GetTracerProvider(),
		MeterProvider:   otel.GetMeterProvider(),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Dialer == nil {
		cfg.Dialer = &NetDialer{
			Timeout:       cfg.httpConfig.DialTimeout,
			KeepAlive:     cfg.httpConfig.KeepAlive,
			FallbackDelay: cfg.httpConfig.FallbackDelay,
		}
	}

	// Initialize tracer and meter after options are applied
	cfg.Tracer = cfg.TracerProvider.Tracer(scope)
	cfg.Meter = cfg.MeterProvider.Meter(scope)

	// Initialize metrics (ignore errors, will just be nil if fails)
	cfg.Metrics, _ = newMetrics(cfg.Meter)

	return cfg
}

// =============================================================================
// Options - Functional Options for Client Configuration
// =============================================================================

// Option configures the client.
type Option func(*internalConfig)

// WithConfig sets the client configuration.
// Use DefaultConfig(), HighThroughputConfig(), LowLatencyConfig(), or
// ConservativeConfig() as a starting point, then customize as needed.
//
// Example:
//
//	cfg := relay.DefaultConfig()
//	cfg.PoolSize = 50
//
//	client := relay.New(relay.WithConfig(cfg))
func WithConfig(c Config) Option {
	return func(cfg *internalConfig) {
		cfg.httpConfig = c
	}
}

// WithRetry sets the default retry policy for requests that do not carry
// their own.
//
// Example:
//
//	r := relay.NewRetry(3)
//	r.BackoffFactor = 200 * time.Millisecond
//	r.StatusForcelist = relay.StatusList(502, 503, 504)
//
//	client := relay.New(relay.WithRetry(r))
func WithRetry(r Retry) Option {
	return func(cfg *internalConfig) {
		cfg.Retry = r
	}
}

// WithPoolSize sets the maximum number of connections kept per origin.
func WithPoolSize(n int) Option {
	return func(cfg *internalConfig) {
		cfg.httpConfig.PoolSize = n
	}
}

// WithNumPools sets the maximum number of origin pools kept resident.
// The least recently used pool is torn down when the limit is exceeded.
func WithNumPools(n int) Option {
	return func(cfg *internalConfig) {
		cfg.httpConfig.NumPools = n
	}
}

// WithBlocking makes pool acquisition wait for a free slot instead of
// failing fast when an origin's pool is saturated.
func WithBlocking() Option {
	return func(cfg *internalConfig) {
		cfg.httpConfig.Blocking = true
	}
}

// WithPoolTimeout bounds how long a blocking acquisition waits for a slot.
func WithPoolTimeout(d time.Duration) Option {
	return func(cfg *internalConfig) {
		cfg.httpConfig.PoolTimeout = d
	}
}

// WithTimeout bounds one logical request end to end, retries included.
func WithTimeout(d time.Duration) Option {
	return func(cfg *internalConfig) {
		cfg.httpConfig.Timeout = d
	}
}

// WithDialer sets a custom transport dialer. Use this to route connections
// through a SOCKS proxy, an in-memory pipe for tests, or any transport that
// is not plain TCP.
func WithDialer(d Dialer) Option {
	return func(cfg *internalConfig) {
		cfg.Dialer = d
	}
}

// WithCodec sets a custom wire codec. The default speaks HTTP/1.1.
func WithCodec(c Codec) Option {
	return func(cfg *internalConfig) {
		cfg.Codec = c
	}
}

// WithTLSConfig sets a custom TLS configuration.
// Use this for custom certificate verification, client certificates (mTLS),
// or specific TLS version requirements.
//
// Example - Mutual TLS with client certificate:
//
//	cert, _ := tls.LoadX509KeyPair("client.crt", "client.key")
//	client := relay.New(
//	    relay.WithTLSConfig(&tls.Config{
//	        Certificates: []tls.Certificate{cert},
//	    }),
//	)
func WithTLSConfig(tlsCfg *tls.Config) Option {
	return func(cfg *internalConfig) {
		cfg.TLSConfig = tlsCfg
	}
}

// WithBackOff replaces the retry policy's computed backoff with a custom
// strategy. The factory is invoked once per logical request so concurrent
// requests never share backoff state.
//
// Example - AWS-style decorrelated jitter:
//
//	client := relay.New(
//	    relay.WithBackOff(func() backoff.BackOff {
//	        return relay.NewDecorrelatedJitterBackOff()
//	    }),
//	)
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(cfg *internalConfig) {
		cfg.BackOff = factory
	}
}

// WithBreaker enables a per-origin circuit breaker. While an origin's
// breaker is open, requests to it fail immediately with a connect-phase
// error instead of consuming a connection.
//
// Example:
//
//	client := relay.New(relay.WithBreaker(relay.DefaultBreakerConfig()))
func WithBreaker(bc BreakerConfig) Option {
	return func(cfg *internalConfig) {
		cfg.Breaker = &bc
	}
}

// WithRateLimit enables client-side request rate limiting across all
// origins. In blocking mode requests wait for a token; otherwise a request
// over the limit fails with ErrRateLimited.
func WithRateLimit(rc RateLimitConfig) Option {
	return func(cfg *internalConfig) {
		cfg.RateLimit = &rc
	}
}

// WithCoalescing collapses concurrent identical idempotent requests into a
// single in-flight exchange whose response is shared by all waiters.
// Requests with bodies are never coalesced.
func WithCoalescing() Option {
	return func(cfg *internalConfig) {
		cfg.Coalesce = true
	}
}

// WithRequestID stamps a generated X-Request-Id header on every outgoing
// request that does not already carry one.
func WithRequestID() Option {
	return func(cfg *internalConfig) {
		cfg.RequestID = true
	}
}

// WithoutRedirects disables redirect following entirely; redirect responses
// are returned to the caller as-is.
func WithoutRedirects() Option {
	return func(cfg *internalConfig) {
		cfg.FollowRedirects = false
	}
}

// WithDefaultHeaders adds headers to every request that does not already
// set them.
//
// Example:
//
//	client := relay.New(relay.WithDefaultHeaders(
//	    relay.HeaderField{Name: "User-Agent", Value: "relay/1.0"},
//	    relay.HeaderField{Name: "Accept", Value: "application/json"},
//	))
func WithDefaultHeaders(headers ...HeaderField) Option {
	return func(cfg *internalConfig) {
		cfg.DefaultHeaders = append(cfg.DefaultHeaders, headers...)
	}
}

// WithLogger sets the logger for debug-level request and retry events.
// The default logger discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(cfg *internalConfig) {
		cfg.Logger = l
	}
}

// WithTracerProvider sets a custom OpenTelemetry TracerProvider.
// If not called, the global provider from otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *internalConfig) {
		cfg.TracerProvider = tp
	}
}

// WithMeterProvider sets a custom OpenTelemetry MeterProvider.
// If not called, the global provider from otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *internalConfig) {
		cfg.MeterProvider = mp
	}
}
