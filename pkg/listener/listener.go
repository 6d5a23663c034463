// Package listener runs a handler over the values of a channel.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

// Listener feeds every value received on a channel to a handler on its own
// goroutine. The loop ends when the context is cancelled or the channel is
// closed and drained.
type Listener[T any] struct {
	handler     func(input T) error
	stopHandler func()
	errHandler  func(input T, err error)

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

// OnError installs fn to receive handler failures. Without it a failure
// panics.
func (l *Listener[T]) OnError(fn func(input T, err error)) *Listener[T] {
	l.errHandler = fn
	return l
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
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		if err := l.handler(inp); err != nil {
			if l.errHandler != nil {
				l.errHandler(inp, err)
				return nil
			}
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Wait blocks until the loop has exited.
func (l *Listener[T]) Wait() {
	l.wg.Wait()
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
