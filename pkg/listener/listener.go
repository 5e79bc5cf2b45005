package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var errListenerStopped = errors.New("listener stopped")

// Job is a background worker with an explicit lifecycle.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener drains a channel in a background goroutine, feeding every item to
// the handler. A handler error is treated as unrecoverable.
type Listener[T any] struct {
	handler     func(input T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](in <-chan T, handler func(T) error, stopHandler func()) *Listener[T] {
	if stopHandler == nil {
		stopHandler = func() {}
	}
	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler,
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				panic("channel listener error: " + err.Error())
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp := <-l.in:
		if err := l.handler(inp); err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
