package pump

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPumpBoundsConcurrency(t *testing.T) {
	p := New(3)
	ctx := context.Background()

	var running, peak atomic.Int32
	for range 20 {
		require.NoError(t, p.Enqueue(ctx, func(context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
		assert.LessOrEqual(t, p.Len(), 3)
	}
	require.NoError(t, p.Drain(ctx))

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 0, p.Len())
}

func TestPumpWaitsForOldest(t *testing.T) {
	p := New(2)
	ctx := context.Background()

	first := make(chan struct{})
	second := make(chan struct{})
	require.NoError(t, p.Enqueue(ctx, func(context.Context) error { <-first; return nil }))
	require.NoError(t, p.Enqueue(ctx, func(context.Context) error { <-second; return nil }))

	admitted := make(chan struct{})
	go func() {
		_ = p.Enqueue(ctx, func(context.Context) error { return nil })
		close(admitted)
	}()

	// Finishing the newer operation does not free a slot
	close(second)
	select {
	case <-admitted:
		t.Fatal("admitted before the oldest operation finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(first)
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("not admitted after the oldest operation finished")
	}
	require.NoError(t, p.Drain(ctx))
}

func TestPumpDrainJoinsErrors(t *testing.T) {
	p := New(1)
	ctx := context.Background()
	errA := errors.New("a")
	errB := errors.New("b")

	require.NoError(t, p.Enqueue(ctx, func(context.Context) error { return errA }))
	require.NoError(t, p.Enqueue(ctx, func(context.Context) error { return nil }))
	require.NoError(t, p.Enqueue(ctx, func(context.Context) error { return errB }))

	err := p.Drain(ctx)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)

	// Errors are reported once
	assert.NoError(t, p.Drain(ctx))
}

func TestPumpEnqueueHonoursContext(t *testing.T) {
	p := New(1)
	block := make(chan struct{})
	require.NoError(t, p.Enqueue(context.Background(), func(context.Context) error { <-block; return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	var ran atomic.Bool
	err := p.Enqueue(ctx, func(context.Context) error { ran.Store(true); return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	require.NoError(t, p.Drain(context.Background()))
	assert.False(t, ran.Load())
}

func TestPumpConcurrentProducers(t *testing.T) {
	p := New(4)
	ctx := context.Background()

	var count atomic.Int32
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				assert.NoError(t, p.Enqueue(ctx, func(context.Context) error {
					count.Add(1)
					return nil
				}))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, p.Drain(ctx))
	assert.Equal(t, int32(100), count.Load())
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New(0) })
}
