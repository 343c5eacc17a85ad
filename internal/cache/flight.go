package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCoalesceTimeout is returned to a caller that gave up waiting on an
// in-flight fetch. The fetch itself keeps running.
var ErrCoalesceTimeout = errors.New("timed out waiting for in-flight fetch")

// errFetchPanic wraps a panic recovered from a fetch function.
var errFetchPanic = errors.New("fetch panicked")

// flightCall is one upstream fetch that several callers may wait on.
// val and err are written once before done is closed.
type flightCall[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// flightGroup elects one fetcher per key. Later callers for the same key
// wait on the elected fetch instead of starting their own.
type flightGroup[T any] struct {
	mu      sync.Mutex
	calls   map[string]*flightCall[T]
	timeout time.Duration
}

func newFlightGroup[T any](timeout time.Duration) *flightGroup[T] {
	return &flightGroup[T]{
		calls:   make(map[string]*flightCall[T]),
		timeout: timeout,
	}
}

// do runs fn once per key at a time. fn gets a context detached from the
// caller's cancellation so the result still lands if every caller leaves.
// leader reports whether this caller started the fetch. Only waiters are
// bounded by the coalesce timeout; the leader waits on its own ctx.
// joined, when set, runs on the caller's goroutine once it has started or
// joined a fetch and before it waits.
func (g *flightGroup[T]) do(ctx context.Context, key string, fn func(context.Context) (T, error), joined func(leader bool)) (val T, leader bool, err error) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		if joined != nil {
			joined(false)
		}
		val, err = g.wait(ctx, c, g.timeout)
		return val, false, err
	}
	c := &flightCall[T]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	// fn starts only after joined returns, so anything joined records
	// precedes the fetch.
	start := make(chan struct{})
	go g.run(context.WithoutCancel(ctx), key, c, start, fn)
	func() {
		defer close(start)
		if joined != nil {
			joined(true)
		}
	}()

	val, err = g.wait(ctx, c, 0)
	return val, true, err
}

func (g *flightGroup[T]) run(ctx context.Context, key string, c *flightCall[T], start <-chan struct{}, fn func(context.Context) (T, error)) {
	<-start
	defer func() {
		if r := recover(); r != nil {
			var zero T
			c.val = zero
			c.err = fmt.Errorf("%w: %v", errFetchPanic, r)
		}
		// Unregister before waking waiters so a caller arriving after
		// completion starts fresh and re-checks the store.
		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
		close(c.done)
	}()
	c.val, c.err = fn(ctx)
}

func (g *flightGroup[T]) wait(ctx context.Context, c *flightCall[T], limit time.Duration) (T, error) {
	var zero T
	var timeout <-chan time.Time
	if limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timeout:
		return zero, ErrCoalesceTimeout
	}
}

// inFlight reports how many fetches are running.
func (g *flightGroup[T]) inFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}
