package bus

import (
	"context"
	"errors"
	"sync"
)

// Runner adapts a blocking consume loop into a Subscription. Backends build
// one per consumer.
type Runner struct {
	cancel  context.CancelFunc
	done    chan struct{}
	release func() error

	mu        sync.Mutex
	err       error
	closing   bool
	closeOnce sync.Once
	closeErr  error
}

// StartRunner runs loop on its own goroutine. Close calls release once the loop
// has returned, including after the loop stopped on its own.
func StartRunner(parent context.Context, loop func(ctx context.Context) error, release func() error) *Runner {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	r := &Runner{cancel: cancel, done: make(chan struct{}), release: release}
	go func() {
		err := loop(ctx)
		r.mu.Lock()
		if !r.closing && err != nil && !errors.Is(err, context.Canceled) {
			r.err = err
		}
		r.mu.Unlock()
		close(r.done)
	}()
	return r
}

func (r *Runner) Done() <-chan struct{} { return r.done }

func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close cancels the loop, waits for it to return (bounded by ctx) and then
// releases the client. Repeated calls return the first result.
func (r *Runner) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closing = true
		r.mu.Unlock()
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			r.closeErr = ctx.Err()
		}
		if r.release != nil {
			r.closeErr = errors.Join(r.closeErr, r.release())
		}
	})
	return r.closeErr
}
