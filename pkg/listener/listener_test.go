package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListenerDrainsClosedChannel(t *testing.T) {
	in := make(chan int, 10)
	var sum atomic.Int64
	var stopped atomic.Bool

	l := New(in, func(v int) error {
		sum.Add(int64(v))
		return nil
	}, func() { stopped.Store(true) })
	l.Start(context.Background())

	for i := 1; i <= 10; i++ {
		in <- i
	}
	close(in)
	l.Wait()
	assert.Equal(t, int64(55), sum.Load())
	assert.False(t, stopped.Load())

	l.Stop()
	assert.True(t, stopped.Load())
}

func TestListenerStopOnCancel(t *testing.T) {
	in := make(chan int)
	l := New(in, func(int) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	cancel()
	l.Wait()
	l.Stop()
}

func TestListenerErrorHandler(t *testing.T) {
	in := make(chan int, 3)
	boom := errors.New("boom")

	var failed []int
	var handled atomic.Int64
	l := New(in, func(v int) error {
		handled.Add(1)
		if v%2 == 0 {
			return boom
		}
		return nil
	}).OnError(func(v int, err error) {
		assert.ErrorIs(t, err, boom)
		failed = append(failed, v)
	})
	l.Start(context.Background())

	in <- 1
	in <- 2
	in <- 3
	close(in)
	l.Wait()

	assert.Equal(t, int64(3), handled.Load())
	assert.Equal(t, []int{2}, failed)
}
