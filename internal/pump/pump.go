// Package pump caps the number of asynchronous operations in flight.
//
// A Pump is a FIFO of running operations with a fixed capacity. Enqueue
// admits a new operation immediately while there is room; at capacity it
// first waits for the oldest operation to finish. Waiting on the oldest
// rather than any operation keeps admission order stable, which makes the
// traversal that feeds the pump easy to reason about.
package pump

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Op is one unit of asynchronous work.
type Op func(ctx context.Context) error

type inflight struct {
	done chan struct{}
	err  error
}

// Pump runs at most Cap operations at once.
//
// Thread-safety: Enqueue and Drain may be called from multiple goroutines,
// but admission order is only defined for a single producer.
type Pump struct {
	capacity int

	mu     sync.Mutex
	queue  []*inflight
	errs   []error
	active sync.WaitGroup
}

// New returns a pump admitting up to capacity concurrent operations.
func New(capacity int) *Pump {
	if capacity < 1 {
		panic(fmt.Sprintf("pump: capacity must be positive, got %d", capacity))
	}
	return &Pump{capacity: capacity, queue: make([]*inflight, 0, capacity)}
}

// Cap returns the pump's capacity.
func (p *Pump) Cap() int {
	return p.capacity
}

// Len returns the number of operations admitted and not yet reaped.
func (p *Pump) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Enqueue starts op, first waiting for the oldest in-flight operation when
// the pump is full. ctx bounds only the wait; the operation itself receives
// ctx as well and is expected to honour it.
//
// Errors returned by operations are collected and reported by Drain. An
// error from Enqueue itself means op was never started.
func (p *Pump) Enqueue(ctx context.Context, op Op) error {
	for {
		p.mu.Lock()
		if len(p.queue) < p.capacity {
			f := &inflight{done: make(chan struct{})}
			p.queue = append(p.queue, f)
			p.active.Add(1)
			p.mu.Unlock()

			go func() {
				defer p.active.Done()
				defer close(f.done)
				f.err = op(ctx)
			}()
			return nil
		}
		oldest := p.queue[0]
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-oldest.done:
		}
		p.reap(oldest)
	}
}

// reap removes f from the front of the queue if it is still there. Another
// producer may have reaped it already.
func (p *Pump) reap(f *inflight) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 || p.queue[0] != f {
		return
	}
	p.queue[0] = nil
	p.queue = p.queue[1:]
	if f.err != nil {
		p.errs = append(p.errs, f.err)
	}
}

// Drain waits for every admitted operation and returns their errors joined.
// The pump is empty and reusable afterwards.
func (p *Pump) Drain(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		p.active.Wait()
		close(finished)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-finished:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, f := range p.queue {
		if f.err != nil {
			p.errs = append(p.errs, f.err)
		}
	}
	err := errors.Join(p.errs...)
	p.queue = p.queue[:0]
	p.errs = nil
	return err
}
