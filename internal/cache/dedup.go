package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrProducerPanic wraps a panic recovered from a producer.
var ErrProducerPanic = errors.New("cache: producer panicked")

type call[V any] struct {
	done    chan struct{}
	val     V
	err     error
	waiters int
	cancel  context.CancelFunc

	// abandoned is set once every waiter has left and the producer was cancelled.
	abandoned bool
}

// Group collapses concurrent producers for the same key into one call. The key is claimed
// under the group lock before the producer starts, so two callers can never both become
// producers for a key. The producer runs detached from any single caller: it is cancelled
// only when every waiter has gone away or the timeout fires.
type Group[K ~string, V any] struct {
	mu      sync.Mutex
	calls   map[K]*call[V]
	timeout time.Duration
}

// NewGroup returns a Group whose producers get timeout as a deadline. Zero disables it.
func NewGroup[K ~string, V any](timeout time.Duration) *Group[K, V] {
	return &Group[K, V]{calls: make(map[K]*call[V]), timeout: timeout}
}

// Do runs fn for key unless a call is already in flight, in which case it waits for that
// call. shared reports whether the result came from another caller's call. The
// registration is dropped only when the producer returns and before waiters are released,
// so a caller arriving after settlement always starts a new call. A call whose waiters all
// left keeps the key until its cancelled producer returns; callers arriving meanwhile wait
// for it to unwind and then start a fresh call, so a key never has two producers running.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func(context.Context) (V, error)) (v V, shared bool, err error) {
	g.mu.Lock()
	for {
		c, ok := g.calls[key]
		if !ok {
			break
		}
		if !c.abandoned {
			c.waiters++
			g.mu.Unlock()
			v, err = g.wait(ctx, c)
			return v, true, err
		}
		g.mu.Unlock()
		select {
		case <-c.done:
		case <-ctx.Done():
			var zero V
			return zero, false, ctx.Err()
		}
		g.mu.Lock()
	}

	base := context.WithoutCancel(ctx)
	var (
		pctx   context.Context
		cancel context.CancelFunc
	)
	if g.timeout > 0 {
		pctx, cancel = context.WithTimeout(base, g.timeout)
	} else {
		pctx, cancel = context.WithCancel(base)
	}
	c := &call[V]{done: make(chan struct{}), waiters: 1, cancel: cancel}
	g.calls[key] = c
	g.mu.Unlock()

	go g.run(pctx, key, c, fn)

	v, err = g.wait(ctx, c)
	return v, false, err
}

// InFlight reports the number of keys with a producer running, including cancelled
// producers that have not returned yet.
func (g *Group[K, V]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *Group[K, V]) run(ctx context.Context, key K, c *call[V], fn func(context.Context) (V, error)) {
	defer func() {
		if r := recover(); r != nil {
			var zero V
			c.val = zero
			c.err = fmt.Errorf("%w: %v", ErrProducerPanic, r)
		}
		g.forget(key, c)
		c.cancel()
		close(c.done)
	}()
	c.val, c.err = fn(ctx)
}

func (g *Group[K, V]) wait(ctx context.Context, c *call[V]) (V, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
	}

	g.mu.Lock()
	c.waiters--
	abandoned := c.waiters == 0
	if abandoned {
		c.abandoned = true
	}
	g.mu.Unlock()
	if abandoned {
		c.cancel()
	}

	var zero V
	return zero, ctx.Err()
}

func (g *Group[K, V]) forget(key K, c *call[V]) {
	g.mu.Lock()
	if g.calls[key] == c {
		delete(g.calls, key)
	}
	g.mu.Unlock()
}
