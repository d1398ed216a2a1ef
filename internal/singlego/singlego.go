// Package singlego coalesces notifications into calls of a function that is
// never run concurrently with itself. Notifications that arrive while the
// function runs fold into one further call.
//
// Similar to golang.org/x/sync/singleflight except we skip the work to obtain
// and pass on return values: the function routes its own results and logs
// its own errors.
package singlego

import (
	"context"
	"sync"
)

type Trigger struct {
	ch   chan struct{}
	done chan struct{}
	once sync.Once
}

// New starts a goroutine calling f once per batch of notifications until ctx
// is done or the trigger is closed.
func New(ctx context.Context, f func()) *Trigger {
	t := &Trigger{
		ch:   make(chan struct{}, 1), // must be buffered
		done: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-t.ch:
				f()
			case <-t.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return t
}

// Notify requests a call of f without blocking.
func (t *Trigger) Notify() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// Close stops the trigger. A call of f in progress is not interrupted.
func (t *Trigger) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}
