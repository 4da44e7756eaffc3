package loader

import (
	"context"
	"sync"
)

// Future is the eventual result of a load or write.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future that is already settled.
func Completed[T any](val T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Complete(val, err)
	return f
}

// Complete settles the future. Only the first call has an effect.
func (f *Future[T]) Complete(val T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.val = val
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get waits for the result or for ctx to end.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// All settles once every input has, failing with the first error in input order.
func All[T any](futures []*Future[T]) *Future[[]T] {
	out := NewFuture[[]T]()
	if len(futures) == 0 {
		out.Complete(nil, nil)
		return out
	}
	go func() {
		vals := make([]T, len(futures))
		var firstErr error
		for i, f := range futures {
			<-f.done
			if f.err != nil && firstErr == nil {
				firstErr = f.err
			}
			vals[i] = f.val
		}
		if firstErr != nil {
			out.Complete(nil, firstErr)
			return
		}
		out.Complete(vals, nil)
	}()
	return out
}
