package ble

import (
	"context"
	"time"
)

type outcome[T any] struct {
	v   T
	err error
}

// withTimeout runs op in its own goroutine and returns its result, or a
// *TimeoutError once budget elapses, or ctx.Err() if ctx ends first.
//
// op is not cancelled when the caller gives up; it keeps running and its
// result is discarded. If release is non-nil it receives any value op
// produces after that point, so late resources can be freed.
func withTimeout[T any](ctx context.Context, budget time.Duration, label string, op func(ctx context.Context) (T, error), release func(T)) (T, error) {
	ch := make(chan outcome[T], 1)
	go func() {
		v, err := op(ctx)
		ch <- outcome[T]{v, err}
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	var zero T
	select {
	case r := <-ch:
		return r.v, r.err
	case <-timer.C:
		drain(ch, release)
		return zero, &TimeoutError{Label: label, After: budget}
	case <-ctx.Done():
		drain(ch, release)
		return zero, ctx.Err()
	}
}

// drain hands a late successful result to release.
func drain[T any](ch <-chan outcome[T], release func(T)) {
	if release == nil {
		return
	}
	go func() {
		if r := <-ch; r.err == nil {
			release(r.v)
		}
	}()
}
