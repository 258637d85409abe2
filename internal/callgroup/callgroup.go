// Package callgroup coalesces concurrent calls that share a key.
//
// While a call for a key is in flight, further callers attach to it and
// receive its result instead of starting their own. A finished key is
// forgotten immediately, so the next call runs the function again. Unlike
// singleflight, the function always runs detached from any caller, so a
// caller can abandon the wait without cancelling the shared work.
package callgroup

import (
	"context"
	"sync"
)

// Group coalesces concurrent function calls by key.
type Group[K comparable] struct {
	mu    sync.Mutex
	calls map[K]*call
}

type call struct {
	done chan struct{}
	err  error
}

func (c *call) wait() <-chan error {
	ch := make(chan error, 1)
	go func() {
		<-c.done
		ch <- c.err
	}()
	return ch
}

// DoChan runs fn unless a call for key is already in flight, in which
// case the returned channel yields that call's result. The channel
// receives exactly one value and is never closed.
func (g *Group[K]) DoChan(key K, fn func() error) <-chan error {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call)
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		return c.wait()
	}

	c := &call{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	go func() {
		c.err = fn()
		close(c.done)

		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
	}()

	return c.wait()
}

// Do runs fn through DoChan and waits for the shared result. A caller
// whose ctx ends while waiting gets the context error; the in-flight
// call keeps running for the callers that remain.
func (g *Group[K]) Do(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case err := <-g.DoChan(key, fn):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
