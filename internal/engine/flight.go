package engine

import (
	"context"
	"sync"

	"bi-gateway/internal/domain"
)

type flightCall struct {
	done    chan struct{}
	val     *domain.ExecutionOutcome
	err     error
	waiters int
	cancel  context.CancelFunc
}

// flightGroup collapses concurrent executions of the same key. Unlike
// x/sync/singleflight it counts waiters: the shared work keeps running while
// any caller still waits and is cancelled when the last one leaves.
type flightGroup struct {
	mu    sync.Mutex
	calls map[string]*flightCall
}

// Do runs fn once for all concurrent callers of key. fn receives a context
// that carries the first caller's values but not its cancellation.
func (g *flightGroup) Do(ctx context.Context, key string, fn func(context.Context) (*domain.ExecutionOutcome, error)) (*domain.ExecutionOutcome, bool, error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]*flightCall)
	}
	if c, ok := g.calls[key]; ok {
		c.waiters++
		g.mu.Unlock()
		return g.wait(ctx, key, c, true)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &flightCall{done: make(chan struct{}), waiters: 1, cancel: cancel}
	g.calls[key] = c
	g.mu.Unlock()

	go func() {
		defer cancel()
		c.val, c.err = fn(runCtx)
		g.forget(key, c)
		close(c.done)
	}()
	return g.wait(ctx, key, c, false)
}

func (g *flightGroup) wait(ctx context.Context, key string, c *flightCall, shared bool) (*domain.ExecutionOutcome, bool, error) {
	select {
	case <-c.done:
		return c.val, shared, c.err
	case <-ctx.Done():
		g.mu.Lock()
		c.waiters--
		last := c.waiters == 0
		if last && g.calls[key] == c {
			// later arrivals must not join a cancelled call
			delete(g.calls, key)
		}
		g.mu.Unlock()
		if last {
			c.cancel()
		}
		return nil, shared, ctx.Err()
	}
}

func (g *flightGroup) forget(key string, c *flightCall) {
	g.mu.Lock()
	if g.calls[key] == c {
		delete(g.calls, key)
	}
	g.mu.Unlock()
}
