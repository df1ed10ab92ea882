package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingFactory(created *int) func(Origin, ConnOptions) *Pool {
	return func(origin Origin, _ ConnOptions) *Pool {
		*created++
		return newPool(origin, 1, false, func() *Conn {
			return newConn(origin, &NetDialer{}, http1Codec{}, nil)
		})
	}
}

func TestRegistry_SameKeyReturnsSamePool(t *testing.T) {
	t.Parallel()

	created := 0
	r := NewRegistry(4, countingFactory(&created))
	origin := Origin{Scheme: "http", Host: "a", Port: 80}
	opts := ConnOptions{PoolSize: 1}

	p1 := r.GetOrCreate(origin, opts)
	p2 := r.GetOrCreate(origin, opts)

	assert.Same(t, p1, p2)
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DifferentOptionsGetDifferentPools(t *testing.T) {
	t.Parallel()

	created := 0
	r := NewRegistry(4, countingFactory(&created))
	origin := Origin{Scheme: "https", Host: "a", Port: 443}

	p1 := r.GetOrCreate(origin, ConnOptions{PoolSize: 1})
	p2 := r.GetOrCreate(origin, ConnOptions{PoolSize: 1, TLSInsecureSkipVerify: true})

	assert.NotSame(t, p1, p2)
	assert.Equal(t, 2, created)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	created := 0
	r := NewRegistry(2, countingFactory(&created))
	opts := ConnOptions{PoolSize: 1}

	a := Origin{Scheme: "http", Host: "a", Port: 80}
	b := Origin{Scheme: "http", Host: "b", Port: 80}
	c := Origin{Scheme: "http", Host: "c", Port: 80}

	poolA := r.GetOrCreate(a, opts)
	poolB := r.GetOrCreate(b, opts)

	// Touch A so B becomes least recently used.
	r.GetOrCreate(a, opts)

	poolC := r.GetOrCreate(c, opts)
	assert.Equal(t, 2, r.Len())

	// B was evicted and torn down; A and C survive.
	_, err := poolB.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	conn, err := poolA.Acquire(context.Background())
	require.NoError(t, err)
	poolA.Release(conn)
	conn, err = poolC.Acquire(context.Background())
	require.NoError(t, err)
	poolC.Release(conn)

	// Re-requesting B builds a fresh pool.
	poolB2 := r.GetOrCreate(b, opts)
	assert.NotSame(t, poolB, poolB2)
	assert.Equal(t, 4, created)
}

func TestRegistry_SnapshotIsMRUFirst(t *testing.T) {
	t.Parallel()

	created := 0
	r := NewRegistry(4, countingFactory(&created))
	opts := ConnOptions{PoolSize: 1}

	a := Origin{Scheme: "http", Host: "a", Port: 80}
	b := Origin{Scheme: "http", Host: "b", Port: 80}

	poolA := r.GetOrCreate(a, opts)
	poolB := r.GetOrCreate(b, opts)

	snap := r.snapshot()
	require.Len(t, snap, 2)
	assert.Same(t, poolB, snap[0])
	assert.Same(t, poolA, snap[1])

	// Touching A reorders the snapshot.
	r.GetOrCreate(a, opts)
	snap = r.snapshot()
	assert.Same(t, poolA, snap[0])
}

func TestRegistry_ClearClosesEverything(t *testing.T) {
	t.Parallel()

	created := 0
	r := NewRegistry(4, countingFactory(&created))
	opts := ConnOptions{PoolSize: 1}

	poolA := r.GetOrCreate(Origin{Scheme: "http", Host: "a", Port: 80}, opts)
	poolB := r.GetOrCreate(Origin{Scheme: "http", Host: "b", Port: 80}, opts)

	r.Clear()
	assert.Equal(t, 0, r.Len())

	_, err := poolA.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
	_, err = poolB.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestRegistry_MinimumOnePool(t *testing.T) {
	t.Parallel()

	created := 0
	r := NewRegistry(0, countingFactory(&created))
	opts := ConnOptions{PoolSize: 1}

	p1 := r.GetOrCreate(Origin{Scheme: "http", Host: "a", Port: 80}, opts)
	p2 := r.GetOrCreate(Origin{Scheme: "http", Host: "b", Port: 80}, opts)

	assert.Equal(t, 1, r.Len())
	_, err := p1.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	conn, err := p2.Acquire(context.Background())
	require.NoError(t, err)
	p2.Release(conn)
}
