// Package scopedlock provides Lock[T], a mutual-exclusion wrapper around a
// mutable value. Access to the value goes through a scoped acquisition that is
// released on every exit path.
//
// Waiters are served in arrival order: the lock is a one-slot channel and
// blocked senders on a Go channel are queued FIFO. Acquisition honours
// context cancellation. The lock is not re-entrant; a holder that acquires
// the same lock again deadlocks until its context ends.
package scopedlock

import (
	"context"
	"sync"
)

// Lock guards a value of type T.
type Lock[T any] struct {
	sem   chan struct{}
	value T
}

// New returns a Lock holding v.
func New[T any](v T) *Lock[T] {
	return &Lock[T]{sem: make(chan struct{}, 1), value: v}
}

// Handle is an exclusive hold on a Lock. It must be released exactly once;
// further Release calls are no-ops.
type Handle[T any] struct {
	l    *Lock[T]
	once sync.Once
}

// Acquire blocks until the lock is held or ctx ends.
func (l *Lock[T]) Acquire(ctx context.Context) (*Handle[T], error) {
	select {
	case l.sem <- struct{}{}:
		return &Handle[T]{l: l}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Value returns the guarded value. For reference types (maps, pointers) the
// result must not be used after Release.
func (h *Handle[T]) Value() T { return h.l.value }

// Set substitutes the guarded value.
func (h *Handle[T]) Set(v T) { h.l.value = v }

// Release gives up the hold.
func (h *Handle[T]) Release() {
	h.once.Do(func() { <-h.l.sem })
}

// With runs fn with exclusive access to the value. The lock is released when
// fn returns, panics or fails.
func (l *Lock[T]) With(ctx context.Context, fn func(v T) error) error {
	h, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h.Value())
}

// Replace substitutes the guarded value wholesale.
func (l *Lock[T]) Replace(ctx context.Context, v T) error {
	h, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	h.Set(v)
	return nil
}

// Peek takes a snapshot of the guarded value through fn. The hold lasts only
// as long as fn, so fn should copy what it needs and return.
func Peek[T, S any](ctx context.Context, l *Lock[T], fn func(v T) S) (S, error) {
	var out S
	err := l.With(ctx, func(v T) error {
		out = fn(v)
		return nil
	})
	return out, err
}
