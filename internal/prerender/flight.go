package prerender

import (
	"context"
	"fmt"
	"sync"
)

// flightCall is a render shared by every request that missed the cache for the
// same key while it was running.
type flightCall struct {
	done    chan struct{}
	page    Page
	err     error
	waiters int
	cancel  context.CancelFunc
}

// flightGroup coalesces concurrent renders per key. The render runs on a
// context detached from any single request and is cancelled once the last
// waiter has gone away.
type flightGroup struct {
	mu    sync.Mutex
	calls map[string]*flightCall
}

// Do joins or starts the flight for key. shared reports whether the caller
// joined a flight another request started. When ctx ends before the flight
// completes Do returns ctx.Err().
func (g *flightGroup) Do(
	ctx context.Context,
	key string,
	fn func(context.Context) (Page, error),
) (page Page, shared bool, err error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]*flightCall)
	}
	if c, ok := g.calls[key]; ok {
		c.waiters++
		g.mu.Unlock()
		return g.wait(ctx, key, c, true)
	}
	flightCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &flightCall{done: make(chan struct{}), waiters: 1, cancel: cancel}
	g.calls[key] = c
	g.mu.Unlock()

	go g.run(flightCtx, key, c, fn)
	return g.wait(ctx, key, c, false)
}

func (g *flightGroup) run(ctx context.Context, key string, c *flightCall, fn func(context.Context) (Page, error)) {
	defer func() {
		if r := recover(); r != nil {
			c.err = fmt.Errorf("render flight %s panicked: %v", key, r)
		}
		c.cancel()
		g.forget(key, c)
		close(c.done)
	}()
	c.page, c.err = fn(ctx)
}

func (g *flightGroup) wait(ctx context.Context, key string, c *flightCall, shared bool) (Page, bool, error) {
	select {
	case <-c.done:
		return c.page, shared, c.err
	case <-ctx.Done():
	}

	g.mu.Lock()
	c.waiters--
	abandoned := c.waiters == 0
	if abandoned && g.calls[key] == c {
		delete(g.calls, key)
	}
	g.mu.Unlock()
	if abandoned {
		c.cancel()
	}
	return Page{}, shared, ctx.Err()
}

// forget removes c from the registry unless a newer flight replaced it.
func (g *flightGroup) forget(key string, c *flightCall) {
	g.mu.Lock()
	if g.calls[key] == c {
		delete(g.calls, key)
	}
	g.mu.Unlock()
}

// inFlight reports the number of registered flights.
func (g *flightGroup) inFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}
