package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener runs handler for every value submitted to it, one at a time, on
// its own goroutine. Stop cancels the context handed to the running
// handler and waits for it to return.
type Listener[T any] struct {
	name    string
	handler func(ctx context.Context, input T) error
	log     *slog.Logger

	in     chan T
	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel context.CancelFunc
	done   bool
}

var _ Job = (*Listener[struct{}])(nil)

// New creates a listener with a queue of size buf. A buf of 1 turns Submit
// into a coalescing signal: any number of submissions made while the
// handler is busy result in a single further run.
func New[T any](name string, buf int, handler func(context.Context, T) error, log *slog.Logger) *Listener[T] {
	if log == nil {
		log = slog.Default()
	}
	return &Listener[T]{
		name:    name,
		handler: handler,
		log:     log.With("listener", name),
		in:      make(chan T, buf),
		cancel:  func() {},
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case inp := <-l.in:
				l.handle(ctx, inp)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *Listener[T]) handle(ctx context.Context, inp T) {
	err := l.handler(ctx, inp)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		l.log.Debug("handler canceled")
	default:
		l.log.Error("failed to handle input", "error", err)
	}
}

// Submit queues v without blocking. It reports false when the queue is
// full or the listener is stopped.
func (l *Listener[T]) Submit(v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return false
	}
	select {
	case l.in <- v:
		return true
	default:
		return false
	}
}

// Stop cancels the running handler and waits for the goroutine to exit.
// Queued values are dropped. Stop is idempotent.
func (l *Listener[T]) Stop() {
	l.mu.Lock()
	l.done = true
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
}
