package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Client executes logical HTTP requests over pooled connections with retry,
// redirect, and backoff handling.
//
// A Client owns its pools: connections are never shared between clients, and
// Close tears down everything the client created. All methods are safe for
// concurrent use.
//
// Example:
//
//	client := relay.New(
//	    relay.WithRetry(relay.NewRetry(3)),
//	    relay.WithPoolSize(20),
//	)
//	defer client.Close()
//
//	resp, err := client.Get(ctx, "https://api.example.com/items")
type Client struct {
	cfg      *internalConfig
	registry *Registry
	breakers *breakerGroup
	gate     *rateGate
	flight   singleflight.Group
}

// New creates a Client. With no options the client uses DefaultConfig, the
// default retry policy, and the HTTP/1.1 codec over plain TCP/TLS.
func New(opts ...Option) *Client {
	cfg := newConfig(opts...)

	c := &Client{
		cfg:  cfg,
		gate: nil,
	}
	if cfg.RateLimit != nil {
		c.gate = newRateGate(*cfg.RateLimit)
	}
	if cfg.Breaker != nil {
		c.breakers = newBreakerGroup(*cfg.Breaker)
	}

	c.registry = NewRegistry(cfg.httpConfig.NumPools, func(origin Origin, opts ConnOptions) *Pool {
		// A custom dialer is used as-is; the default dialer is rebuilt per
		// pool so per-request ConnOptions take effect.
		dialer := cfg.Dialer
		if _, isDefault := dialer.(*NetDialer); isDefault {
			dialer = &NetDialer{
				Timeout:       opts.DialTimeout,
				KeepAlive:     opts.KeepAlive,
				FallbackDelay: opts.FallbackDelay,
			}
		}
		tlsCfg := tlsConfigFor(cfg.TLSConfig, opts)

		size := opts.PoolSize
		if size < 1 {
			size = 1
		}
		return newPool(origin, size, opts.Blocking, func() *Conn {
			return newConn(origin, dialer, cfg.Codec, tlsCfg)
		})
	})

	return c
}

// tlsConfigFor merges per-pool TLS settings into the client's base config.
func tlsConfigFor(base *tls.Config, opts ConnOptions) *tls.Config {
	cfg := &tls.Config{}
	if base != nil {
		cfg = base.Clone()
	}
	if opts.TLSServerName != "" {
		cfg.ServerName = opts.TLSServerName
	}
	if opts.TLSInsecureSkipVerify {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

// Close tears down every pool and closes all idle connections. Connections
// currently on loan are closed as they are released.
func (c *Client) Close() {
	c.registry.Clear()
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, rawURL string, headers ...HeaderField) (*Response, error) {
	req, err := NewRequest("GET", rawURL, headers, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Head issues a HEAD request.
func (c *Client) Head(ctx context.Context, rawURL string, headers ...HeaderField) (*Response, error) {
	req, err := NewRequest("HEAD", rawURL, headers, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Post issues a POST request with the given content type and body.
func (c *Client) Post(ctx context.Context, rawURL, contentType string, body []byte) (*Response, error) {
	req, err := NewRequest("POST", rawURL, nil, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.SetHeader("Content-Type", contentType)
	}
	return c.Do(ctx, req)
}

// PostJSON issues a POST request with a JSON-encoded body.
func (c *Client) PostJSON(ctx context.Context, rawURL string, v any) (*Response, error) {
	req, err := NewJSONRequest("POST", rawURL, v)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Do executes one logical request: acquire, exchange, and release per
// attempt, retrying and following redirects per the request's policy (or the
// client default). The input request is never mutated.
//
// Do returns a response when the exchange concludes with one the policy does
// not convert into an error; otherwise the terminal error is a
// *MaxRetryError, *RedirectError, or the context's error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if c.cfg.httpConfig.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.httpConfig.Timeout)
		defer cancel()
	}

	if c.cfg.Coalesce && coalescable(req) && req.Retry == nil {
		key := coalesceKey(req.Method, req.URL)
		v, err, _ := c.flight.Do(key, func() (any, error) {
			return c.execute(ctx, req)
		})
		if v == nil {
			return nil, err
		}
		return v.(*Response), err
	}

	return c.execute(ctx, req)
}

// execute runs the retry and redirect loop for one logical request.
func (c *Client) execute(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	cur := req.clone()
	c.prepare(cur)

	retry := c.cfg.Retry
	if req.Retry != nil {
		retry = *req.Retry
	}

	var bo interface{ NextBackOff() time.Duration }
	if c.cfg.BackOff != nil {
		b := c.cfg.BackOff()
		b.Reset()
		bo = b
	}

	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", cur.Method),
		attribute.String("server.address", cur.URL.Hostname()),
	}
	ctx, span := c.cfg.Tracer.Start(ctx, "HTTP "+cur.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	c.cfg.Metrics.recordActiveRequestStart(ctx, attrs)
	defer c.cfg.Metrics.recordActiveRequestEnd(ctx, attrs)
	defer func() {
		c.cfg.Metrics.recordRequestDuration(ctx, time.Since(start), attrs)
	}()

	for {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if err := c.gate.admit(ctx); err != nil {
			c.cfg.Metrics.recordError(ctx, "rate_limited", attrs)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		resp, err := c.attempt(ctx, cur)

		switch {
		case err != nil:
			if !isRetryableError(err) {
				c.cfg.Metrics.recordError(ctx, errorType(err), attrs)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}

			next, incErr := retry.Increment(cur.Method, cur.URL.String(), err, nil)
			if incErr != nil {
				// Increment declines read errors on non-idempotent methods by
				// returning the error itself; only exhaustion is counted.
				var mre *MaxRetryError
				if errors.As(incErr, &mre) {
					c.cfg.Metrics.recordRetryExhausted(ctx, attrs)
				} else {
					c.cfg.Metrics.recordError(ctx, errorType(incErr), attrs)
				}
				span.SetStatus(codes.Error, incErr.Error())
				return nil, incErr
			}
			retry = next

			c.cfg.Logger.Debug().
				Str("method", cur.Method).
				Str("url", cur.URL.String()).
				Err(err).
				Int("attempt", len(retry.History)).
				Msg("retrying after error")
			c.cfg.Metrics.recordRetryAttempt(ctx, attrs, len(retry.History))

			if werr := c.sleep(ctx, backoffFor(retry, bo)); werr != nil {
				return nil, werr
			}

		case resp.IsRedirect() && c.cfg.FollowRedirects:
			next, incErr := retry.Increment(cur.Method, cur.URL.String(), nil, resp)
			if incErr != nil {
				if retry.RaiseOnRedirect {
					var mre *MaxRetryError
					errors.As(incErr, &mre)
					span.SetStatus(codes.Error, "too many redirects")
					return nil, &RedirectError{
						URL:      cur.URL.String(),
						Location: resp.Location(),
						Response: resp,
						History:  mre.History,
					}
				}
				span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
				return resp, nil
			}
			retry = next

			redirected, rerr := redirectedRequest(cur, resp)
			if rerr != nil {
				span.SetStatus(codes.Error, rerr.Error())
				return nil, rerr
			}

			c.cfg.Logger.Debug().
				Str("method", cur.Method).
				Str("url", cur.URL.String()).
				Int("status", resp.StatusCode).
				Str("location", redirected.URL.String()).
				Msg("following redirect")

			cur = redirected

			// Redirects only wait when the server asked for it.
			if wait, ok := retryAfterWait(retry, resp); ok {
				if werr := c.sleep(ctx, wait); werr != nil {
					return nil, werr
				}
			}

		case retry.ShouldRetryStatus(cur.Method, resp.StatusCode, hasRetryAfter(resp)):
			next, incErr := retry.Increment(cur.Method, cur.URL.String(), nil, resp)
			if incErr != nil {
				c.cfg.Metrics.recordRetryExhausted(ctx, attrs)
				if retry.RaiseOnStatus {
					span.SetStatus(codes.Error, incErr.Error())
					return nil, incErr
				}
				span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
				return resp, nil
			}
			retry = next

			c.cfg.Logger.Debug().
				Str("method", cur.Method).
				Str("url", cur.URL.String()).
				Int("status", resp.StatusCode).
				Int("attempt", len(retry.History)).
				Msg("retrying after status")
			c.cfg.Metrics.recordRetryAttempt(ctx, attrs, len(retry.History))

			wait, explicit := retryAfterWait(retry, resp)
			if !explicit {
				wait = backoffFor(retry, bo)
			}
			if werr := c.sleep(ctx, wait); werr != nil {
				return nil, werr
			}

		default:
			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
			if resp.StatusCode >= 500 {
				span.SetStatus(codes.Error, resp.Status)
			}
			return resp, nil
		}
	}
}

// prepare applies default headers and the generated request id.
func (c *Client) prepare(req *Request) {
	for _, f := range c.cfg.DefaultHeaders {
		if req.Header(f.Name) == "" {
			req.Headers = append(req.Headers, f)
		}
	}
	if c.cfg.RequestID && req.Header("X-Request-Id") == "" {
		req.SetHeader("X-Request-Id", uuid.NewString())
	}
}

// attempt performs one wire exchange: acquire a connection, connect lazily,
// send, receive, and return the connection to its pool. When a breaker is
// configured the exchange runs inside it.
func (c *Client) attempt(ctx context.Context, req *Request) (*Response, error) {
	origin, err := OriginOf(req.URL)
	if err != nil {
		return nil, err
	}

	if c.breakers == nil {
		return c.exchange(ctx, origin, req)
	}

	cb := c.breakers.forOrigin(origin)
	resp, err := cb.Execute(func() (*Response, error) {
		resp, aerr := c.exchange(ctx, origin, req)
		if c.breakers.cfg.Classifier(resp, aerr) {
			return resp, &breakerFailure{err: aerr}
		}
		return resp, aerr
	})

	var bf *breakerFailure
	if errors.As(err, &bf) {
		err = bf.err
	}
	// An open or saturated breaker rejects before any bytes are sent, so it
	// consumes the connect budget like a refused dial.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &ConnectError{Origin: origin, Err: err}
	}
	return resp, err
}

// exchange is the breaker-free attempt body.
func (c *Client) exchange(ctx context.Context, origin Origin, req *Request) (*Response, error) {
	opts := c.cfg.httpConfig.connOptions()
	if req.PoolOptions != nil {
		opts = *req.PoolOptions
	}
	pool := c.registry.GetOrCreate(origin, opts)

	attrs := []attribute.KeyValue{attribute.String("server.address", origin.Host)}

	acqCtx := ctx
	if opts.Blocking && c.cfg.httpConfig.PoolTimeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, c.cfg.httpConfig.PoolTimeout)
		defer cancel()
	}

	acqStart := time.Now()
	conn, err := pool.Acquire(acqCtx)
	c.cfg.Metrics.recordAcquireDuration(ctx, time.Since(acqStart), attrs)
	if err != nil {
		var pe *PoolExhaustedError
		if errors.As(err, &pe) {
			c.cfg.Metrics.recordPoolExhausted(ctx, attrs)
		}
		return nil, err
	}

	if !conn.IsOpen() {
		if err := conn.Connect(ctx); err != nil {
			pool.Invalidate(conn)
			return nil, err
		}
		c.cfg.Metrics.recordConnectionOpened(ctx, attrs)
	}

	if err := conn.Send(ctx, req); err != nil {
		pool.Invalidate(conn)
		c.cfg.Metrics.recordConnectionClosed(ctx, attrs)
		return nil, err
	}

	resp, err := conn.Receive(ctx, req)
	if err != nil {
		pool.Invalidate(conn)
		c.cfg.Metrics.recordConnectionClosed(ctx, attrs)
		return nil, err
	}

	if !conn.IsReusable() {
		c.cfg.Metrics.recordConnectionClosed(ctx, attrs)
	}
	pool.Release(conn)
	return resp, nil
}

// sleep waits for d or until ctx is done, whichever comes first.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoffFor returns the delay before the next attempt, preferring a custom
// strategy over the policy's computed backoff.
func backoffFor(retry Retry, bo interface{ NextBackOff() time.Duration }) time.Duration {
	if bo != nil {
		return bo.NextBackOff()
	}
	return retry.BackoffDuration()
}

// retryAfterWait parses the response's Retry-After header when the policy
// respects it.
func retryAfterWait(retry Retry, resp *Response) (time.Duration, bool) {
	if !retry.RespectRetryAfter {
		return 0, false
	}
	v, ok := resp.RetryAfter()
	if !ok {
		return 0, false
	}
	return retry.ParseRetryAfter(v)
}

func hasRetryAfter(resp *Response) bool {
	_, ok := resp.RetryAfter()
	return ok
}

// redirectedRequest builds the follow-up request for a redirect response.
//
// 303 rewrites every method except HEAD to GET; 301 and 302 rewrite only
// POST, matching what browsers actually do. A rewrite to GET drops the body
// and its framing headers. Credential headers are stripped when the redirect
// leaves the current host.
func redirectedRequest(req *Request, resp *Response) (*Request, error) {
	loc := resp.Location()
	target, err := req.URL.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("relay: invalid redirect location %q: %w", loc, err)
	}

	next := req.clone()
	next.URL = target

	switch resp.StatusCode {
	case 303:
		if !strings.EqualFold(next.Method, "HEAD") {
			next.Method = "GET"
		}
	case 301, 302:
		if strings.EqualFold(next.Method, "POST") {
			next.Method = "GET"
		}
	}
	if next.Method == "GET" && len(next.Body) > 0 {
		next.Body = nil
		next.removeHeader("Content-Length")
		next.removeHeader("Content-Type")
		next.removeHeader("Transfer-Encoding")
	}

	if !strings.EqualFold(target.Hostname(), req.URL.Hostname()) {
		next.removeHeader("Authorization")
		next.removeHeader("Proxy-Authorization")
		next.removeHeader("Cookie")
	}
	return next, nil
}

// errorType maps an attempt error to a low-cardinality metric label.
func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case isConnectPhase(err):
		return "connect"
	default:
		return "read"
	}
}
