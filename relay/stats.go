package relay

// PoolStats is a point-in-time snapshot of one origin pool.
type PoolStats struct {
	// Origin is the pool's target, e.g. "https://api.example.com:443".
	Origin string

	// Capacity is the maximum number of live connections.
	Capacity int

	// Idle is the number of connections parked in the pool.
	Idle int

	// CheckedOut is the number of connections on loan to callers.
	CheckedOut int
}

// Stats is a point-in-time snapshot of the client's resources. Counts are
// read per pool without a global lock, so a snapshot taken under load is
// internally consistent per pool but not across pools.
type Stats struct {
	// NumPools is the number of resident origin pools.
	NumPools int

	// Pools lists per-origin pool snapshots, most recently used first.
	Pools []PoolStats

	// RateLimiter reflects the client-level limiter, zero when disabled.
	RateLimiter RateLimiterStats
}

// Stats returns a snapshot of the client's pools and rate limiter.
func (c *Client) Stats() Stats {
	pools := c.registry.snapshot()
	s := Stats{
		NumPools:    len(pools),
		Pools:       make([]PoolStats, 0, len(pools)),
		RateLimiter: c.gate.stats(),
	}
	for _, p := range pools {
		s.Pools = append(s.Pools, PoolStats{
			Origin:     p.Origin().String(),
			Capacity:   p.Capacity(),
			Idle:       p.Idle(),
			CheckedOut: p.CheckedOut(),
		})
	}
	return s
}
