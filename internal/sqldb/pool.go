/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	applog "github.com/xtexx/fabricia/internal/log"
)

// PoolConfig parameterizes one connection pool instance.
type PoolConfig struct {
	Variant Variant
	DSN     string
	// MaxSize is the hard ceiling of concurrently open connections.
	MaxSize int
	// MinIdle connections are kept warm by the janitor.
	MinIdle int
	// AcquireTimeout bounds how long Acquire waits for a free connection.
	AcquireTimeout time.Duration
	// IdleTimeout is the staleness threshold past which idle connections are closed.
	IdleTimeout time.Duration
}

func (c *PoolConfig) validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("pool: max_size must be positive, got %d", c.MaxSize)
	}
	if c.MinIdle < 0 || c.MinIdle > c.MaxSize {
		return fmt.Errorf("pool: need max_size >= min_idle >= 0, got max_size=%d min_idle=%d", c.MaxSize, c.MinIdle)
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	return nil
}

// pooledConn is one physical connection slot.
type pooledConn struct {
	db        *sql.DB
	idleSince time.Time
}

// Pool owns a bounded set of live backend connections and hands out exclusive
// leases. Excess Acquire calls queue in FIFO order. The mutex guards only
// bookkeeping; it is never held across connection I/O.
type Pool struct {
	cfg PoolConfig
	ad  adapter
	log *slog.Logger

	mu      sync.Mutex
	idle    []*pooledConn      // LIFO free list
	waiters []chan *pooledConn // FIFO; nil delivery means "capacity freed, retry"
	numOpen int
	closed  bool

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// Handle is an exclusively-owned lease on one live backend connection.
// It is not safe for concurrent use; ownership moves with the borrowing scope.
type Handle struct {
	pool       *Pool
	conn       *pooledConn
	acquiredAt time.Time
	tainted    bool
	released   bool
}

// Variant reports the backend variant the leased connection talks to.
func (h *Handle) Variant() Variant { return h.pool.cfg.Variant }

// AcquiredAt reports when the lease was handed out.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Taint marks the underlying connection as unusable; on release it is closed
// instead of returned to the free list.
func (h *Handle) Taint() { h.tainted = true }

// Tainted reports the handle's health state.
func (h *Handle) Tainted() bool { return h.tainted }

// Release returns the lease to the pool. Safe to call more than once; only
// the first call has an effect.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.pool.release(h.conn, h.tainted)
}

// newPool opens MinIdle warm connections up front so construction failures
// surface at startup rather than under load.
func newPool(ctx context.Context, cfg PoolConfig, ad adapter) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:         cfg,
		ad:          ad,
		log:         applog.WithComponent("pool").With(slog.String("variant", string(cfg.Variant))),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	for i := 0; i < cfg.MinIdle; i++ {
		db, err := ad.open(ctx)
		if err != nil {
			_ = p.closeIdleLocked()
			return nil, fmt.Errorf("pool warm-up: %w", err)
		}
		p.idle = append(p.idle, &pooledConn{db: db, idleSince: time.Now()})
		p.numOpen++
	}
	go p.janitor()
	return p, nil
}

// Acquire blocks the calling goroutine until a connection is available or the
// pool's acquire timeout (or ctx) expires. Waiters are served in FIFO order.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()
	for {
		// A retry wakeup can arrive after the deadline; the timeout wins
		// before any further open attempt.
		if actx.Err() != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrPoolTimeout
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		// Reuse the most recently parked connection; drop stale ones.
		for n := len(p.idle); n > 0; n = len(p.idle) {
			pc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			if time.Since(pc.idleSince) > p.cfg.IdleTimeout {
				p.numOpen--
				p.mu.Unlock()
				_ = pc.db.Close()
				p.mu.Lock()
				continue
			}
			p.mu.Unlock()
			return &Handle{pool: p, conn: pc, acquiredAt: time.Now()}, nil
		}
		if p.numOpen < p.cfg.MaxSize {
			p.numOpen++
			p.mu.Unlock()
			db, err := p.ad.open(actx)
			if err != nil {
				p.mu.Lock()
				p.numOpen--
				p.wakeOneLocked()
				p.mu.Unlock()
				// An open cut short by the acquire window is a timeout,
				// not a backend failure.
				if actx.Err() != nil {
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					return nil, ErrPoolTimeout
				}
				return nil, err
			}
			return &Handle{pool: p, conn: &pooledConn{db: db}, acquiredAt: time.Now()}, nil
		}
		// At capacity: queue up.
		ch := make(chan *pooledConn, 1)
		p.waiters = append(p.waiters, ch)
		p.mu.Unlock()
		select {
		case pc := <-ch:
			if pc == nil {
				// capacity freed or pool closing; loop re-checks state
				continue
			}
			return &Handle{pool: p, conn: pc, acquiredAt: time.Now()}, nil
		case <-actx.Done():
			if p.cancelWaiter(ch) {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, ErrPoolTimeout
			}
			// Delivery raced with the timeout; the value is already buffered.
			pc := <-ch
			if pc == nil {
				continue
			}
			if ctx.Err() != nil {
				p.release(pc, false)
				return nil, ctx.Err()
			}
			return &Handle{pool: p, conn: pc, acquiredAt: time.Now()}, nil
		}
	}
}

// cancelWaiter removes ch from the queue; false means a connection (or retry
// signal) was already handed to it.
func (p *Pool) cancelWaiter(ch chan *pooledConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// release returns a connection slot. Tainted connections are closed and their
// capacity offered to the oldest waiter; healthy ones are handed off directly
// or parked on the free list.
func (p *Pool) release(pc *pooledConn, tainted bool) {
	p.mu.Lock()
	if p.closed || tainted {
		p.numOpen--
		if !p.closed {
			p.wakeOneLocked()
		}
		p.mu.Unlock()
		_ = pc.db.Close()
		if tainted {
			p.log.Debug("closed tainted connection")
		}
		return
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		pc.idleSince = time.Time{}
		ch <- pc
		p.mu.Unlock()
		return
	}
	pc.idleSince = time.Now()
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// wakeOneLocked signals the oldest waiter that capacity freed up so it can
// open a replacement connection. Caller holds p.mu.
func (p *Pool) wakeOneLocked() {
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- nil
	}
}

// PoolStats is a snapshot of pool bookkeeping, used by health reporting and tests.
type PoolStats struct {
	Open    int
	Idle    int
	Waiting int
}

// Stats returns current pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Open: p.numOpen, Idle: len(p.idle), Waiting: len(p.waiters)}
}

// janitor periodically reaps stale idle connections down to MinIdle and opens
// replacements to keep MinIdle connections warm.
func (p *Pool) janitor() {
	defer close(p.janitorDone)
	interval := p.cfg.IdleTimeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.janitorStop:
			return
		case <-t.C:
			p.maintain()
		}
	}
}

func (p *Pool) maintain() {
	now := time.Now()
	var stale []*pooledConn
	toOpen := 0
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	keep := p.idle[:0]
	for _, pc := range p.idle {
		if now.Sub(pc.idleSince) > p.cfg.IdleTimeout && len(keep) >= p.cfg.MinIdle {
			stale = append(stale, pc)
			p.numOpen--
			continue
		}
		keep = append(keep, pc)
	}
	p.idle = keep
	if want := p.cfg.MinIdle - len(p.idle); want > 0 {
		if room := p.cfg.MaxSize - p.numOpen; want > room {
			want = room
		}
		toOpen = want
		p.numOpen += toOpen
	}
	p.mu.Unlock()

	for _, pc := range stale {
		_ = pc.db.Close()
	}
	for i := 0; i < toOpen; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
		db, err := p.ad.open(ctx)
		cancel()
		if err != nil {
			// Give back every reservation that will not be opened, this one
			// and the never-attempted rest, and offer each freed slot to a
			// queued waiter.
			p.mu.Lock()
			undone := toOpen - i
			p.numOpen -= undone
			for ; undone > 0; undone-- {
				p.wakeOneLocked()
			}
			p.mu.Unlock()
			p.log.Warn("keep-warm open failed", slog.Any("err", err))
			return
		}
		p.release(&pooledConn{db: db}, false)
	}
}

// Close drains the pool: queued waiters fail with ErrPoolClosed, idle
// connections are closed now, and leased connections are closed as their
// handles are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.numOpen -= len(idle)
	p.mu.Unlock()

	close(p.janitorStop)
	<-p.janitorDone
	for _, ch := range waiters {
		ch <- nil
	}
	var firstErr error
	for _, pc := range idle {
		if err := pc.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// closeIdleLocked is only used during failed construction, before the janitor starts.
func (p *Pool) closeIdleLocked() error {
	var firstErr error
	for _, pc := range p.idle {
		if err := pc.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.idle = nil
	p.numOpen = 0
	return firstErr
}
