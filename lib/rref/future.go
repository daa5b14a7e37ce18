// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rref

import (
	"context"
	"sync"
)

// Future is a single-assignment completion cell. It is completed at
// most once, with either a value or an error, from any goroutine.
// Subscribed callbacks run exactly once: on the completing goroutine,
// or inline in Subscribe if the future is already complete.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	value     T
	err       error
	callbacks []func(T, error)
}

// NewFuture returns an incomplete future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// CompletedFuture returns a future already completed with value.
func CompletedFuture[T any](value T) *Future[T] {
	future := NewFuture[T]()
	future.Complete(value)
	return future
}

// FailedFuture returns a future already failed with err.
func FailedFuture[T any](err error) *Future[T] {
	future := NewFuture[T]()
	future.Fail(err)
	return future
}

// Complete sets the value. Returns false if the future was already
// complete, in which case nothing changes.
func (f *Future[T]) Complete(value T) bool {
	return f.finish(value, nil)
}

// Fail sets the error. Returns false if the future was already
// complete.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.finish(zero, err)
}

func (f *Future[T]) finish(value T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.value = value
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, callback := range callbacks {
		callback(value, err)
	}
	return true
}

// Subscribe registers fn to run once the future completes.
func (f *Future[T]) Subscribe(fn func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	fn(value, err)
}

// Done returns a channel closed when the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Completed reports whether the future has a value or an error.
func (f *Future[T]) Completed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// Result returns the outcome. Before completion it returns the zero
// value and a nil error; check Completed or wait on Done first.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Wait blocks until the future completes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
