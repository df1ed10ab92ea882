package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Origin identifies a distinct connection target. Scheme and Host are stored
// lowercased; Port is always explicit (default ports are filled in).
type Origin struct {
	Scheme string
	Host   string
	Port   int
}

// OriginOf derives the origin for a parsed URL, normalizing case and
// defaulting the port from the scheme.
func OriginOf(u *url.URL) (Origin, error) {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Origin{}, fmt.Errorf("relay: url %q has no host", u)
	}

	port := 0
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Origin{}, fmt.Errorf("relay: url %q has invalid port", u)
		}
		port = n
	} else {
		switch scheme {
		case "http":
			port = 80
		case "https":
			port = 443
		default:
			return Origin{}, fmt.Errorf("relay: unsupported scheme %q", u.Scheme)
		}
	}

	return Origin{Scheme: scheme, Host: host, Port: port}, nil
}

func (o Origin) String() string {
	return o.Scheme + "://" + o.Addr()
}

// Addr returns the host:port dial target.
func (o Origin) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Dialer opens raw transports for connections. The implementation is chosen
// when the client is constructed; it is never selected by name at runtime.
//
// DialContext returns the established transport and whether the TLS peer was
// verified (always false for cleartext origins).
type Dialer interface {
	DialContext(ctx context.Context, origin Origin, tlsCfg *tls.Config) (net.Conn, bool, error)
}

// NetDialer is the default Dialer: TCP via net.Dialer, with a TLS handshake
// layered on for https origins.
type NetDialer struct {
	// Timeout bounds the TCP connect. Zero means no limit beyond ctx.
	Timeout time.Duration

	// KeepAlive is the TCP keep-alive probe interval.
	KeepAlive time.Duration

	// FallbackDelay is the RFC 6555 dual-stack fallback delay.
	FallbackDelay time.Duration
}

// DialContext implements Dialer.
func (d *NetDialer) DialContext(ctx context.Context, origin Origin, tlsCfg *tls.Config) (net.Conn, bool, error) {
	nd := &net.Dialer{
		Timeout:       d.Timeout,
		KeepAlive:     d.KeepAlive,
		FallbackDelay: d.FallbackDelay,
	}

	raw, err := nd.DialContext(ctx, "tcp", origin.Addr())
	if err != nil {
		return nil, false, err
	}

	if origin.Scheme != "https" {
		return raw, false, nil
	}

	cfg := tlsCfg
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = origin.Host
	}

	tc := tls.Client(raw, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, false, err
	}
	return tc, !cfg.InsecureSkipVerify, nil
}
