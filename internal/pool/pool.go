// Package pool implements a capped connection pool for one remote endpoint
// with a FIFO queue of waiters.
package pool

import (
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// ErrClosed is delivered to waiters when the pool is closed.
var ErrClosed = errors.New("pool: closed")

// DialFunc opens a new connection and reports it through done. done may be
// called from any goroutine.
type DialFunc[C comparable] func(done func(C, error))

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Max     int
	InUse   int
	Idle    int
	Waiting int
}

// Option configures a Pool.
type Option func(*options)

type options struct {
	retryMin      time.Duration
	retryMax      time.Duration
	onChange      func(Stats)
	onDialFailure func(error)
}

// WithRetryBackoff bounds the delay before re-dialing after a failed dial.
func WithRetryBackoff(min, max time.Duration) Option {
	return func(o *options) {
		o.retryMin = min
		o.retryMax = max
	}
}

// WithObserver is called with a snapshot after every state change, outside
// the pool lock.
func WithObserver(fn func(Stats)) Option {
	return func(o *options) { o.onChange = fn }
}

// WithDialFailureHook is called for every failed dial.
func WithDialFailureHook(fn func(error)) Option {
	return func(o *options) { o.onDialFailure = fn }
}

// Pool tracks idle and in-use connections. In-use counts connections handed
// out plus dials in flight, so InUse+Idle never exceeds Max.
type Pool[C comparable] struct {
	dial DialFunc[C]
	opts options

	mu       sync.Mutex
	max      int
	idle     []C
	inUse    int
	waiters  []func(C, error)
	failures int
	backoff  *backoff.Backoff
	closed   bool
}

// New creates a pool holding at most max connections.
func New[C comparable](max int, dial DialFunc[C], opts ...Option) *Pool[C] {
	if max < 1 {
		max = 1
	}
	o := options{retryMin: 50 * time.Millisecond, retryMax: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return &Pool[C]{
		dial: dial,
		opts: o,
		max:  max,
		backoff: &backoff.Backoff{
			Factor: 2,
			Jitter: true,
			Min:    o.retryMin,
			Max:    o.retryMax,
		},
	}
}

// Acquire hands a connection to cb: an idle one immediately, a new one when
// capacity remains, or the next released one otherwise.
func (p *Pool[C]) Acquire(cb func(C, error)) {
	var zero C
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		cb(zero, ErrClosed)
		return
	case len(p.waiters) > 0:
		// Keep FIFO order behind requests already queued.
		p.waiters = append(p.waiters, cb)
		p.mu.Unlock()
	case len(p.idle) > 0:
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.inUse++
		p.mu.Unlock()
		p.changed()
		cb(c, nil)
		return
	case p.inUse+len(p.idle) < p.max:
		p.inUse++
		p.mu.Unlock()
		p.dialFor(cb, 0)
	default:
		p.waiters = append(p.waiters, cb)
		p.mu.Unlock()
	}
	p.changed()
}

// Release returns c for reuse, serving the oldest waiter first. It reports
// false when the pool is closed and the caller must close c.
func (p *Pool[C]) Release(c C) bool {
	p.mu.Lock()
	if p.closed {
		p.inUse--
		p.mu.Unlock()
		p.changed()
		return false
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		p.changed()
		w(c, nil)
		return true
	}
	p.inUse--
	p.idle = append(p.idle, c)
	p.mu.Unlock()
	p.changed()
	return true
}

// Evict forgets a closed connection, whether idle or in use, and dials a
// replacement when waiters are queued.
func (p *Pool[C]) Evict(c C) {
	p.remove(c)
}

// Detach removes a live connection from accounting, for example after a
// protocol upgrade hands it elsewhere.
func (p *Pool[C]) Detach(c C) {
	p.remove(c)
}

func (p *Pool[C]) remove(c C) {
	p.mu.Lock()
	found := false
	for i := range p.idle {
		if p.idle[i] == c {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		p.inUse--
	}
	next := p.nextWaiterLocked()
	delay := p.retryDelayLocked()
	p.mu.Unlock()
	p.changed()
	if next != nil {
		p.dialFor(next, delay)
	}
}

// nextWaiterLocked claims capacity for the head waiter, if any.
func (p *Pool[C]) nextWaiterLocked() func(C, error) {
	if p.closed || len(p.waiters) == 0 || p.inUse+len(p.idle) >= p.max {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.inUse++
	return w
}

func (p *Pool[C]) retryDelayLocked() time.Duration {
	if p.failures == 0 {
		return 0
	}
	return p.backoff.Duration()
}

func (p *Pool[C]) dialFor(cb func(C, error), delay time.Duration) {
	if delay > 0 {
		time.AfterFunc(delay, func() { p.dialFor(cb, 0) })
		return
	}
	p.dial(func(c C, err error) {
		if err == nil {
			p.mu.Lock()
			p.failures = 0
			p.backoff.Reset()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				// The caller still owns c and must close it.
				p.mu.Lock()
				p.inUse--
				p.mu.Unlock()
				cb(c, ErrClosed)
				return
			}
			cb(c, nil)
			return
		}
		if p.opts.onDialFailure != nil {
			p.opts.onDialFailure(err)
		}
		p.mu.Lock()
		p.inUse--
		p.failures++
		next := p.nextWaiterLocked()
		delay := p.retryDelayLocked()
		p.mu.Unlock()
		p.changed()
		var zero C
		cb(zero, err)
		if next != nil {
			p.dialFor(next, delay)
		}
	})
}

// Stats returns a snapshot of the pool.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool[C]) statsLocked() Stats {
	return Stats{Max: p.max, InUse: p.inUse, Idle: len(p.idle), Waiting: len(p.waiters)}
}

func (p *Pool[C]) changed() {
	if p.opts.onChange != nil {
		p.opts.onChange(p.Stats())
	}
}

// Close fails every waiter and returns the idle connections so the caller
// can close them. Connections released afterwards are not kept.
func (p *Pool[C]) Close() []C {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	p.changed()

	var zero C
	for _, w := range waiters {
		w(zero, ErrClosed)
	}
	return idle
}
