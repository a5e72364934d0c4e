// Package loop provides the single-threaded event loop that owns all chat
// and call state. Every mutation runs to completion before the next posted
// function starts, so the state it touches needs no further locking.
package loop

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("loop")

// ErrStopped is returned when work is posted to a loop that has exited.
var ErrStopped = errors.New("event loop stopped")

// Loop executes posted functions one at a time in post order.
// The queue is unbounded so Post never blocks, including from inside the loop.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// New returns a loop that is not yet running; call Run.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post schedules fn. It reports false if the loop has already stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits until it has run. Never call Do from inside the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		// The loop drains before closing done, so fn may still have run.
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run executes posted functions until ctx is cancelled. Work already queued
// when ctx ends is still executed; later posts are refused.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		batch := l.take()
		for _, fn := range batch {
			l.exec(fn)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			rest := l.pending
			l.pending = nil
			l.mu.Unlock()
			for _, fn := range rest {
				l.exec(fn)
			}
			return
		}
	}
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()
	return batch
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered panic in event loop: %v\n%s", r, debug.Stack())
		}
	}()
	fn()
}
