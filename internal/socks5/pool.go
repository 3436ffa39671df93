package socks5

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// defaultIdleTimeout is how long an idle tunnel may wait for reuse.
	defaultIdleTimeout = 60 * time.Second

	// defaultMaxLifetime caps a tunnel's total age regardless of use.
	defaultMaxLifetime = 10 * time.Minute
)

// poolKey identifies interchangeable tunnels.
type poolKey struct {
	host string
	port uint16
}

// pooledConn is an idle tunnel with its age bookkeeping.
type pooledConn struct {
	conn     net.Conn
	created  time.Time
	idleFrom time.Time
}

// Tunnel is a SOCKS5 TCP tunnel checked out of the pool. Exactly one flow
// owns it at a time. Release returns a healthy tunnel for reuse; Close
// discards it.
type Tunnel struct {
	net.Conn
	pool    *Pool
	key     poolKey
	created time.Time
	reused  bool
	done    bool
}

// Reused reports whether the tunnel came from the idle pool rather than a
// fresh CONNECT. A flow whose first use of a reused tunnel fails may retry
// once with a fresh one.
func (t *Tunnel) Reused() bool {
	return t.reused
}

// NetConn returns the underlying connection, letting callers reach the TCP
// half-close of the tunnel.
func (t *Tunnel) NetConn() net.Conn {
	return t.Conn
}

// Release hands a still-healthy tunnel back to the pool.
func (t *Tunnel) Release() {
	if t.done {
		return
	}
	t.done = true
	t.pool.put(t.key, t.Conn, t.created)
}

// Close discards the tunnel and frees its capacity slot.
func (t *Tunnel) Close() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.Conn.Close()
	t.pool.sem.Release(1)
	return err
}

// Pool reuses idle SOCKS5 TCP tunnels keyed by (host, port). A weighted
// semaphore bounds active plus idle tunnels. The pool is advisory: callers
// may always bypass it with Client.Connect.
type Pool struct {
	client *Client

	mu   sync.Mutex
	idle map[poolKey][]*pooledConn

	sem *semaphore.Weighted

	idleTimeout time.Duration
	maxLifetime time.Duration

	closed bool
}

// NewPool builds a pool over client with the given total capacity.
func NewPool(client *Client, capacity int) *Pool {
	if capacity <= 0 {
		capacity = 128
	}
	return &Pool{
		client:      client,
		idle:        make(map[poolKey][]*pooledConn),
		sem:         semaphore.NewWeighted(int64(capacity)),
		idleTimeout: defaultIdleTimeout,
		maxLifetime: defaultMaxLifetime,
	}
}

// Get returns a tunnel to (host, port), reusing an idle one when a fresh
// enough candidate exists. Blocks when the pool is at capacity.
func (p *Pool) Get(ctx context.Context, host string, port uint16) (*Tunnel, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	key := poolKey{host: host, port: port}
	if pc := p.takeIdle(key); pc != nil {
		// The idle tunnel still holds its own slot; give back the one just
		// acquired so a reused tunnel counts once.
		p.sem.Release(1)
		return &Tunnel{Conn: pc.conn, pool: p, key: key, created: pc.created, reused: true}, nil
	}

	conn, err := p.client.Connect(ctx, host, port)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return &Tunnel{Conn: conn, pool: p, key: key, created: time.Now()}, nil
}

// GetFresh returns a tunnel from a new CONNECT, skipping the idle list. Used
// for the single retry after a reused tunnel failed its first use.
func (p *Pool) GetFresh(ctx context.Context, host string, port uint16) (*Tunnel, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	conn, err := p.client.Connect(ctx, host, port)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return &Tunnel{Conn: conn, pool: p, key: poolKey{host: host, port: port}, created: time.Now()}, nil
}

// takeIdle pops the most recently used idle tunnel for key, discarding any
// candidate past its idle timeout or max lifetime. The caller already holds
// a capacity slot; discarded tunnels give theirs back.
func (p *Pool) takeIdle(key poolKey) *pooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	list := p.idle[key]
	for len(list) > 0 {
		n := len(list)
		pc := list[n-1]
		list = list[:n-1]

		if now.Sub(pc.idleFrom) > p.idleTimeout || now.Sub(pc.created) > p.maxLifetime {
			pc.conn.Close()
			p.sem.Release(1)
			continue
		}

		p.idle[key] = list
		return pc
	}

	if len(list) == 0 {
		delete(p.idle, key)
	}
	return nil
}

// put returns a tunnel to the idle list. The capacity slot stays held until
// the tunnel is eventually discarded.
func (p *Pool) put(key poolKey, conn net.Conn, created time.Time) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		p.sem.Release(1)
		return
	}
	p.idle[key] = append(p.idle[key], &pooledConn{
		conn:     conn,
		created:  created,
		idleFrom: time.Now(),
	})
	p.mu.Unlock()
}

// Close discards every idle tunnel. Checked-out tunnels are unaffected.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for key, list := range p.idle {
		for _, pc := range list {
			pc.conn.Close()
			p.sem.Release(1)
		}
		delete(p.idle, key)
	}
}
