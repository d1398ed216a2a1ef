// Package circular provides a fixed-size queue that overwrites its oldest
// value when full, the way a socket receive buffer drops datagrams under
// load.
package circular

import (
	"container/ring"
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by LoadOrWait once the buffer is closed.
var ErrClosed = errors.New("circular: buffer closed")

type Buffer[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	in       *ring.Ring
	out      *ring.Ring
	nonEmpty bool
	closed   bool
	dropped  uint64
}

func NewBuffer[T any](n int) *Buffer[T] {
	r := ring.New(n)
	b := &Buffer[T]{in: r, out: r}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Store appends v, overwriting the oldest value if the buffer is full. It
// reports false if the buffer is closed.
func (b *Buffer[T]) Store(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.in.Value = v
	if b.in == b.out && b.nonEmpty {
		b.out = b.out.Next()
		b.dropped++
	}
	b.in = b.in.Next()
	b.nonEmpty = true
	b.cond.Signal()
	return true
}

// LoadOrWait removes and returns the oldest value, waiting for one if the
// buffer is empty.
func (b *Buffer[T]) LoadOrWait(ctx context.Context) (T, error) {
	var zero T
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		defer stop()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.closed {
			return zero, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if b.nonEmpty {
			break
		}
		b.cond.Wait()
	}
	v := b.out.Value.(T)
	b.out.Value = nil
	b.out = b.out.Next()
	if b.in == b.out {
		b.nonEmpty = false
	}
	return v, nil
}

// Close wakes all waiters. Values still buffered are discarded.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Dropped returns the number of values overwritten before being loaded.
func (b *Buffer[T]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
