// Package pool provides a fixed number of parallel execution slots for
// fan-out work. Submit blocks when every slot is busy, so callers get
// backpressure instead of unbounded goroutine growth.
package pool

import (
	"context"
	"time"
)

// DefaultWidth is the pool width used when none is configured.
const DefaultWidth = 3

// Work is one independent unit of work.
type Work func(ctx context.Context) (any, error)

// Handle tracks one submitted unit until its result is ready.
type Handle struct {
	done   chan struct{}
	result any
	err    error
}

// Await blocks until the work completes, the timeout elapses, or ctx is
// cancelled. A timeout of zero means wait as long as ctx allows.
func (h *Handle) Await(ctx context.Context, timeout time.Duration) (any, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-h.done:
		return h.result, h.err
	case <-timer:
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pool is a bounded set of execution slots.
type Pool struct {
	sem   chan struct{}
	width int
}

// New creates a pool with the given width. Width <= 0 falls back to
// DefaultWidth.
func New(width int) *Pool {
	if width <= 0 {
		width = DefaultWidth
	}
	return &Pool{
		sem:   make(chan struct{}, width),
		width: width,
	}
}

// Width returns the maximum concurrency of the pool.
func (p *Pool) Width() int {
	return p.width
}

// Submit acquires a slot, blocking while the pool is saturated, then runs w
// on its own goroutine. The slot is released when w returns. Submit fails
// only when ctx is cancelled before a slot frees.
func (p *Pool) Submit(ctx context.Context, w Work) (*Handle, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h := &Handle{done: make(chan struct{})}
	go func() {
		defer func() { <-p.sem }()
		h.result, h.err = w(ctx)
		close(h.done)
	}()
	return h, nil
}
