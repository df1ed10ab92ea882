package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"
)

// Conn is one logical link to an origin. It is created empty by the pool,
// opened lazily on first use, and never resurrected after Close: a dead
// connection is replaced by a fresh Conn object.
//
// Conn is not safe for concurrent use; the pool guarantees a connection is
// checked out to at most one caller at a time.
type Conn struct {
	origin Origin
	dialer Dialer
	codec  Codec
	tlsCfg *tls.Config

	raw net.Conn // nil == closed
	br  *bufio.Reader

	createdAt time.Time
	lastUsed  time.Time
	verified  bool
	reusable  bool
}

func newConn(origin Origin, dialer Dialer, codec Codec, tlsCfg *tls.Config) *Conn {
	return &Conn{
		origin: origin,
		dialer: dialer,
		codec:  codec,
		tlsCfg: tlsCfg,
	}
}

// Origin returns the connection's target.
func (c *Conn) Origin() Origin { return c.origin }

// IsOpen reports whether the transport handle is established.
func (c *Conn) IsOpen() bool { return c.raw != nil }

// Verified reports whether the TLS peer was verified during the handshake.
func (c *Conn) Verified() bool { return c.verified }

// Connect establishes the underlying transport. It is a no-op on an already
// open connection. Failures are reported as *ConnectError: no request bytes
// can have reached the server.
func (c *Conn) Connect(ctx context.Context) error {
	if c.raw != nil {
		return nil
	}

	raw, verified, err := c.dialer.DialContext(ctx, c.origin, c.tlsCfg)
	if err != nil {
		return &ConnectError{Origin: c.origin, Err: err}
	}

	c.raw = raw
	c.br = bufio.NewReader(raw)
	c.verified = verified
	c.createdAt = time.Now()
	c.reusable = true
	return nil
}

// Send writes one framed request. Failures are reported as *ReadError: the
// connect phase succeeded, so the server may have seen part of the request.
func (c *Conn) Send(ctx context.Context, req *Request) error {
	if c.raw == nil {
		return &ReadError{Origin: c.origin, Err: ErrConnClosed}
	}
	c.applyDeadline(ctx)

	if err := c.codec.WriteRequest(c.raw, req); err != nil {
		c.reusable = false
		return &ReadError{Origin: c.origin, Err: err}
	}
	return nil
}

// Receive reads one framed response for the previously sent request.
func (c *Conn) Receive(ctx context.Context, req *Request) (*Response, error) {
	if c.raw == nil {
		return nil, &ReadError{Origin: c.origin, Err: ErrConnClosed}
	}
	c.applyDeadline(ctx)

	resp, err := c.codec.ReadResponse(c.br, req)
	if err != nil {
		c.reusable = false
		return nil, &ReadError{Origin: c.origin, Err: err}
	}

	c.lastUsed = time.Now()
	if resp.WillClose() {
		c.reusable = false
	}
	return resp, nil
}

// IsReusable reports whether the connection may serve another exchange. It
// turns false after an I/O error or when the server signalled close.
func (c *Conn) IsReusable() bool {
	return c.raw != nil && c.reusable
}

// Close releases the transport handle. It is idempotent and never fails on
// an already closed connection.
func (c *Conn) Close() error {
	if c.raw == nil {
		return nil
	}
	err := c.raw.Close()
	c.raw = nil
	c.br = nil
	c.reusable = false
	return err
}

// isAlive probes an idle connection for a silent close by the peer. A
// zero-deadline read either times out (the connection is quiet and alive),
// returns EOF (peer closed), or yields unsolicited bytes (protocol garbage);
// only the timeout case is reusable.
func (c *Conn) isAlive() bool {
	if c.raw == nil {
		return false
	}
	if c.br != nil && c.br.Buffered() > 0 {
		return false
	}

	if err := c.raw.SetReadDeadline(time.Now()); err != nil {
		return false
	}
	var probe [1]byte
	n, err := c.raw.Read(probe[:])
	_ = c.raw.SetReadDeadline(time.Time{})

	if n > 0 {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// applyDeadline maps the context deadline onto the transport so blocking
// reads and writes respect cancellation.
func (c *Conn) applyDeadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.raw.SetDeadline(dl)
	} else {
		_ = c.raw.SetDeadline(time.Time{})
	}
}
