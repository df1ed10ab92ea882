package relay

import (
	"context"
	"sync"
	"time"
)

// Pool is a bounded set of reusable connections to a single origin.
//
// Capacity is modelled as a buffered channel of slots, pre-filled with empty
// tokens: acquiring receives a slot (an idle connection, or an empty token
// meaning "create a fresh one") and releasing puts a slot back. A release
// therefore wakes exactly one waiter and can never be lost, and
// idle + checked-out can never exceed capacity.
type Pool struct {
	origin   Origin
	capacity int
	block    bool
	factory  func() *Conn

	slots chan *Conn // nil element == empty slot

	mu         sync.Mutex
	idle       int
	checkedOut int
	closed     bool
}

// newPool creates a pool with the given capacity. In blocking mode Acquire
// waits for a slot; otherwise it fails fast when the pool is full.
func newPool(origin Origin, capacity int, block bool, factory func() *Conn) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	slots := make(chan *Conn, capacity)
	for i := 0; i < capacity; i++ {
		slots <- nil
	}
	return &Pool{
		origin:   origin,
		capacity: capacity,
		block:    block,
		factory:  factory,
		slots:    slots,
	}
}

// Origin returns the pool's target.
func (p *Pool) Origin() Origin { return p.origin }

// Capacity returns the maximum number of live connections.
func (p *Pool) Capacity() int { return p.capacity }

// Idle returns the number of connections currently parked in the pool.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle
}

// CheckedOut returns the number of connections currently on loan.
func (p *Pool) CheckedOut() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkedOut
}

// Acquire returns a connection checked out to the caller. The connection may
// be unopened; callers connect lazily before first use.
//
// An idle connection is probed for a silent peer close before it is handed
// out; dead connections are discarded and replaced with a fresh one without
// failing the acquisition.
//
// In blocking mode Acquire waits for a slot until ctx expires and then
// returns *PoolExhaustedError. In fail-fast mode a full pool returns
// *PoolExhaustedError immediately; it never creates connections beyond
// capacity.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	var conn *Conn
	if p.block {
		start := time.Now()
		select {
		case conn = <-p.slots:
		case <-ctx.Done():
			return nil, &PoolExhaustedError{Origin: p.origin, Waited: time.Since(start), Blocked: true}
		}
	} else {
		select {
		case conn = <-p.slots:
		default:
			return nil, &PoolExhaustedError{Origin: p.origin}
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil, ErrPoolClosed
	}
	if conn != nil {
		p.idle--
	}
	p.checkedOut++
	p.mu.Unlock()

	// Liveness check happens outside the lock: it touches the transport.
	if conn != nil && !conn.isAlive() {
		conn.Close()
		conn = nil
	}
	if conn == nil {
		conn = p.factory()
	}
	return conn, nil
}

// Release returns a checked-out connection. Reusable connections go back to
// the idle set; anything else is closed. The slot is always handed back, so
// exactly one blocked waiter is woken per release.
func (p *Pool) Release(conn *Conn) {
	p.mu.Lock()
	p.checkedOut--
	keep := conn.IsReusable() && !p.closed
	if keep && p.idle >= p.capacity {
		// Guards against capacity races; the slot channel normally makes
		// this unreachable.
		keep = false
	}
	if keep {
		p.idle++
	}
	p.mu.Unlock()

	if !keep {
		conn.Close()
		conn = nil
	}
	p.putSlot(conn)
}

// Invalidate closes and discards a connection without returning it to the
// idle set. Use when a caller decides mid-use the connection is unsafe to
// reuse. The freed slot still wakes a waiter.
func (p *Pool) Invalidate(conn *Conn) {
	conn.Close()
	p.mu.Lock()
	p.checkedOut--
	p.mu.Unlock()
	p.putSlot(nil)
}

// CloseAll closes every idle connection and stops further acquisition.
// Checked-out connections are closed when they are released.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case conn := <-p.slots:
			if conn != nil {
				conn.Close()
				p.mu.Lock()
				p.idle--
				p.mu.Unlock()
			}
		default:
			return
		}
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) putSlot(conn *Conn) {
	select {
	case p.slots <- conn:
	default:
		// Slot count is fixed at capacity; overflow means a double release.
		if conn != nil {
			conn.Close()
		}
	}
}
