// Package callgroup collapses concurrent calls that share a key into one
// execution whose error every caller receives. A key is forgotten once
// its call returns.
package callgroup

import (
	"context"
	"sync"
)

// Group deduplicates concurrent calls by key. The zero value is ready.
type Group[K comparable] struct {
	mu    sync.Mutex
	calls map[K]*call
}

type call struct {
	done chan struct{}
	err  error
}

// start returns the in-flight call for key, launching fn when there is
// none.
func (g *Group[K]) start(key K, fn func() error) *call {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call)
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		return c
	}
	c := &call{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	go func() {
		c.err = fn()
		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
		close(c.done)
	}()
	return c
}

// Do runs fn once per key among concurrent callers and waits for it.
// A caller whose ctx ends stops waiting; the shared call keeps running
// for the others, detached from any one caller's cancellation.
func (g *Group[K]) Do(ctx context.Context, key K, fn func(context.Context) error) error {
	detached := context.WithoutCancel(ctx)
	c := g.start(key, func() error { return fn(detached) })
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DoChan is Do without waiting. The channel receives exactly one value.
func (g *Group[K]) DoChan(key K, fn func() error) <-chan error {
	c := g.start(key, fn)
	ch := make(chan error, 1)
	go func() {
		<-c.done
		ch <- c.err
	}()
	return ch
}
