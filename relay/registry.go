package relay

import (
	"container/list"
	"sync"
)

// poolKey identifies a pool by everything that affects connection
// compatibility. Two requests whose keys differ must never share a pooled
// connection.
type poolKey struct {
	origin Origin
	opts   ConnOptions
}

type registryEntry struct {
	key  poolKey
	pool *Pool
}

// Registry is a bounded, least-recently-used cache of connection pools.
//
// A Registry is owned by the client that constructed it; there is no
// process-global instance. At most numPools pools are resident: when a new
// origin is first requested at capacity, the least recently used pool is
// evicted and all of its connections are closed before GetOrCreate returns.
//
// All methods are safe for concurrent use. The registry lock is never held
// across connection teardown: evicted pools are closed after the lock is
// released.
type Registry struct {
	numPools int
	factory  func(Origin, ConnOptions) *Pool

	mu    sync.Mutex
	pools map[poolKey]*list.Element
	order *list.List // front == most recently used
}

// NewRegistry creates a registry retaining at most numPools pools, using
// factory to build a pool on first reference to an origin.
func NewRegistry(numPools int, factory func(Origin, ConnOptions) *Pool) *Registry {
	if numPools < 1 {
		numPools = 1
	}
	return &Registry{
		numPools: numPools,
		factory:  factory,
		pools:    make(map[poolKey]*list.Element, numPools),
		order:    list.New(),
	}
}

// GetOrCreate returns the pool for the given origin and options, creating it
// on first reference. A hit marks the pool most recently used.
func (r *Registry) GetOrCreate(origin Origin, opts ConnOptions) *Pool {
	key := poolKey{origin: origin, opts: opts}

	r.mu.Lock()
	if el, ok := r.pools[key]; ok {
		r.order.MoveToFront(el)
		pool := el.Value.(*registryEntry).pool
		r.mu.Unlock()
		return pool
	}

	pool := r.factory(origin, opts)
	r.pools[key] = r.order.PushFront(&registryEntry{key: key, pool: pool})

	var evicted []*Pool
	for r.order.Len() > r.numPools {
		back := r.order.Back()
		ent := back.Value.(*registryEntry)
		r.order.Remove(back)
		delete(r.pools, ent.key)
		evicted = append(evicted, ent.pool)
	}
	r.mu.Unlock()

	// Closing is synchronous with eviction but happens outside the lock.
	for _, p := range evicted {
		p.CloseAll()
	}
	return pool
}

// Clear evicts and closes every pool.
func (r *Registry) Clear() {
	r.mu.Lock()
	evicted := make([]*Pool, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		evicted = append(evicted, el.Value.(*registryEntry).pool)
	}
	r.pools = make(map[poolKey]*list.Element, r.numPools)
	r.order.Init()
	r.mu.Unlock()

	for _, p := range evicted {
		p.CloseAll()
	}
}

// Len returns the number of resident pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// snapshot returns the resident pools in MRU-first order.
func (r *Registry) snapshot() []*Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	pools := make([]*Pool, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		pools = append(pools, el.Value.(*registryEntry).pool)
	}
	return pools
}
