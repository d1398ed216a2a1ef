package transport

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync"
	"time"
)

// aLongTimeAgo is a non-zero time, far in the past, used to wake blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

// interrupter unblocks a call on a shared socket when the caller's context is
// done. Socket deadlines apply to every goroutine blocked on the socket, so
// callers woken by someone else's interruption clear the deadline and go back
// to waiting once no interrupted call is still in flight.
type interrupter struct {
	mu      sync.Mutex
	pending int // interrupted calls that have not returned yet
	set     func(time.Time) error
}

func (i *interrupter) do(ctx context.Context, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ctx.Done() != nil {
		interrupted := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			defer close(interrupted)
			i.mu.Lock()
			i.pending++
			i.set(aLongTimeAgo)
			i.mu.Unlock()
		})
		defer func() {
			// stop reports false once the callback has started, which is
			// before it has counted itself.
			if !stop() {
				<-interrupted
				i.mu.Lock()
				i.pending--
				i.mu.Unlock()
			}
		}()
	}
	for {
		err := op()
		if err == nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			return err
		}
		i.mu.Lock()
		waiting := i.pending > 0
		if !waiting {
			i.set(time.Time{})
		}
		i.mu.Unlock()
		if waiting {
			runtime.Gosched()
		}
	}
}
