// Package pool provides a generic connection pool for the participant store
// drivers. Dial, ping and close functions are injected, keeping the pool
// agnostic of the driver it manages.
//
// Waiters suspend cooperatively on a capacity channel until a connection frees
// up or their context ends; there is no polling. A background sweep shrinks
// idle connections past their TTL down to MinSize and evicts connections that
// fail consecutive health probes. The sweep never holds the pool lock across a
// probe, so the transaction hot path is delayed by at most one bounded probe.
package pool

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharedcode/duet"
)

// Now is a lambda expression that returns the current time. Allows unit tests to inject replayable time.Now.
var Now = time.Now

// probeTimeout bounds each background health probe.
const probeTimeout = 2 * time.Second

// Options configures a Pool.
type Options struct {
	// Name shows up in errors, logs and metrics, e.g. "pool/graph".
	Name string
	// MinSize connections are kept open even when idle.
	MinSize int
	// MaxSize is the hard cap on open connections.
	MaxSize int
	// IdleTTL is how long a connection may sit unused before the sweep closes it,
	// down to MinSize. Zero disables shrinking.
	IdleTTL time.Duration
	// AcquireTimeout bounds how long Acquire waits for capacity before giving up
	// with a ResourceExhausted error. Zero means the caller's context is the only bound.
	AcquireTimeout time.Duration
	// HealthInterval is how often the background sweep runs. Zero disables the
	// sweep; IdleTTL then falls back to scheduling it.
	HealthInterval time.Duration
	// MaxFailures is how many consecutive failed probes evict a connection. Defaults to 3.
	MaxFailures int
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Open    int `json:"open"`
	Idle    int `json:"idle"`
	Leased  int `json:"leased"`
	Waiting int `json:"waiting"`
}

type entry[T any] struct {
	conn     T
	lastUsed time.Time
	failures int
}

// Conn is a leased connection. Exactly one of Release or Discard must be called
// when the caller is done with it.
type Conn[T any] struct {
	pool *Pool[T]
	ent  *entry[T]
	done bool
}

// Value returns the underlying driver connection.
func (c *Conn[T]) Value() T {
	return c.ent.conn
}

// Release returns the connection to the pool for reuse.
func (c *Conn[T]) Release() {
	if c.done {
		return
	}
	c.done = true
	c.pool.release(c.ent)
}

// Discard closes the connection instead of returning it, e.g. after a protocol error.
func (c *Conn[T]) Discard(ctx context.Context) {
	if c.done {
		return
	}
	c.done = true
	c.pool.closeEntry(ctx, c.ent)
	<-c.pool.sem
}

// Pool is a generic connection pool with a MaxSize capacity cap.
type Pool[T any] struct {
	opts    Options
	dial    func(ctx context.Context) (T, error)
	ping    func(ctx context.Context, conn T) error
	closeFn func(ctx context.Context, conn T) error

	// sem holds one token per lease; waiters block on it cooperatively.
	sem      chan struct{}
	stop     chan struct{}
	loopDone chan struct{}

	waiting atomic.Int32
	closed  atomic.Bool

	mu    sync.Mutex
	idle  []*entry[T]
	total int
}

// New creates a pool. dial is required; ping and closeFn may be nil when the
// driver needs no health probe or teardown.
func New[T any](opts Options,
	dial func(ctx context.Context) (T, error),
	ping func(ctx context.Context, conn T) error,
	closeFn func(ctx context.Context, conn T) error) (*Pool[T], error) {
	if dial == nil {
		return nil, duet.Error{Code: duet.Validation, Err: fmt.Errorf("pool %s needs a dial function", opts.Name)}
	}
	if opts.MaxSize < 1 {
		return nil, duet.Error{Code: duet.Validation, Err: fmt.Errorf("pool %s needs max size >= 1, got %d", opts.Name, opts.MaxSize)}
	}
	if opts.MinSize < 0 || opts.MinSize > opts.MaxSize {
		return nil, duet.Error{Code: duet.Validation, Err: fmt.Errorf("pool %s min size %d out of range 0..%d", opts.Name, opts.MinSize, opts.MaxSize)}
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}

	p := &Pool[T]{
		opts:     opts,
		dial:     dial,
		ping:     ping,
		closeFn:  closeFn,
		sem:      make(chan struct{}, opts.MaxSize),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	interval := opts.HealthInterval
	if interval <= 0 {
		interval = opts.IdleTTL
	}
	if interval > 0 {
		go p.maintain(interval)
	} else {
		close(p.loopDone)
	}
	return p, nil
}

// Acquire leases a connection, dialing a new one when none is idle and the pool
// is under MaxSize. It suspends until capacity frees up, the acquire timeout
// lapses (ResourceExhausted) or the caller's context ends.
func (p *Pool[T]) Acquire(ctx context.Context) (*Conn[T], error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("%s is closed; create a new pool to use it again", p.opts.Name)
	}

	acquireCtx := ctx
	if p.opts.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.opts.AcquireTimeout)
		defer cancel()
	}

	p.waiting.Add(1)
	select {
	case p.sem <- struct{}{}:
		p.waiting.Add(-1)
	case <-p.stop:
		p.waiting.Add(-1)
		return nil, fmt.Errorf("%s is closed; create a new pool to use it again", p.opts.Name)
	case <-acquireCtx.Done():
		p.waiting.Add(-1)
		if ctx.Err() != nil {
			// The caller's own context ended; not a pool capacity problem.
			return nil, ctx.Err()
		}
		hint := p.opts.AcquireTimeout
		return nil, duet.Error{
			Code:     duet.ResourceExhausted,
			Err:      fmt.Errorf("%s: no connection available within %v (max size %d)", p.opts.Name, p.opts.AcquireTimeout, p.opts.MaxSize),
			UserData: duet.ResourceExhaustedData{Resource: p.opts.Name, RetryAfter: hint},
		}
	}

	// Capacity token held from here on; hand it back on every failure path.
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		ent := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return &Conn[T]{pool: p, ent: ent}, nil
	}
	p.total++
	p.mu.Unlock()

	conn, err := p.dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		<-p.sem
		return nil, duet.Error{Code: duet.TransientBackend, Err: fmt.Errorf("%s: dial: %w", p.opts.Name, err)}
	}
	return &Conn[T]{pool: p, ent: &entry[T]{conn: conn, lastUsed: Now()}}, nil
}

// Warm pre-dials MinSize connections. Useful at startup so the first
// transactions don't pay the dial latency. All MinSize leases are held before
// any is released, otherwise the same connection would just be recycled.
func (p *Pool[T]) Warm(ctx context.Context) error {
	conns := make([]*Conn[T], 0, p.opts.MinSize)
	var err error
	for i := 0; i < p.opts.MinSize; i++ {
		var c *Conn[T]
		c, err = p.Acquire(ctx)
		if err != nil {
			break
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		c.Release()
	}
	return err
}

// Stats returns a snapshot of the pool's connection counts.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Open:    p.total,
		Idle:    len(p.idle),
		Leased:  p.total - len(p.idle),
		Waiting: int(p.waiting.Load()),
	}
}

// Close stops the background sweep and closes idle connections. Leased
// connections are closed as they come back.
func (p *Pool[T]) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stop)
	<-p.loopDone

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, ent := range idle {
		p.closeEntry(ctx, ent)
	}
	return nil
}

func (p *Pool[T]) release(ent *entry[T]) {
	if p.closed.Load() {
		p.closeEntry(context.Background(), ent)
		<-p.sem
		return
	}
	ent.lastUsed = Now()
	ent.failures = 0
	p.mu.Lock()
	p.idle = append(p.idle, ent)
	p.mu.Unlock()
	<-p.sem
}

func (p *Pool[T]) closeEntry(ctx context.Context, ent *entry[T]) {
	if p.closeFn != nil {
		if err := p.closeFn(ctx, ent.conn); err != nil {
			log.Warn("closing pooled connection", "pool", p.opts.Name, "error", err)
		}
	}
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
}

func (p *Pool[T]) maintain(interval time.Duration) {
	defer close(p.loopDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep(context.Background())
		}
	}
}

// sweep takes the idle set out of the pool, applies TTL shrinking and health
// probes without holding the pool lock, then puts survivors back. Connections
// taken out still count against MaxSize, so Acquire may dial replacements in
// the meantime without breaching the cap.
func (p *Pool[T]) sweep(ctx context.Context) {
	p.mu.Lock()
	batch := p.idle
	p.idle = nil
	p.mu.Unlock()

	now := Now()
	var keep []*entry[T]
	for _, ent := range batch {
		if p.opts.IdleTTL > 0 && now.Sub(ent.lastUsed) > p.opts.IdleTTL && p.openCount() > p.opts.MinSize {
			log.Debug("closing idle connection past TTL", "pool", p.opts.Name, "idle", now.Sub(ent.lastUsed))
			p.closeEntry(ctx, ent)
			continue
		}
		if p.ping != nil {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			err := p.ping(probeCtx, ent.conn)
			cancel()
			if err != nil {
				ent.failures++
				log.Warn("health probe failed", "pool", p.opts.Name, "failures", ent.failures, "error", err)
				if ent.failures >= p.opts.MaxFailures {
					p.closeEntry(ctx, ent)
					continue
				}
			} else {
				ent.failures = 0
			}
		}
		keep = append(keep, ent)
	}

	if len(keep) > 0 {
		p.mu.Lock()
		p.idle = append(p.idle, keep...)
		p.mu.Unlock()
	}
}

func (p *Pool[T]) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}
