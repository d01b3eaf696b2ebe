package readback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrMapRequestConsumed is returned when a map request is waited on twice.
var ErrMapRequestConsumed = errors.New("readback: map request already consumed")

// MapRequest is the single-shot completion notification of a MapAsync call.
//
// It is resolved by Device.Poll (or by Unmap and teardown) exactly once.
// Its outcome may be received once; a second Wait fails with
// ErrMapRequestConsumed.
type MapRequest struct {
	once     sync.Once
	done     chan mapOutcome
	resolved atomic.Bool
	waited   atomic.Bool
}

type mapOutcome struct {
	status BufferMapAsyncStatus
	detail error
}

func newMapRequest() *MapRequest {
	return &MapRequest{done: make(chan mapOutcome, 1)}
}

// resolve delivers the outcome. Only the first call has an effect; it
// reports whether this call was the one that fired.
func (r *MapRequest) resolve(status BufferMapAsyncStatus, detail error) bool {
	fired := false
	r.once.Do(func() {
		r.done <- mapOutcome{status: status, detail: detail}
		r.resolved.Store(true)
		fired = true
	})
	return fired
}

// Wait blocks until the request is resolved or ctx ends.
//
// A request that fires without a map status (the device was lost, or the
// buffer was unmapped or destroyed first) yields ErrKernelExecutionFailed.
// A failure status yields ErrMapFailed.
func (r *MapRequest) Wait(ctx context.Context) error {
	if !r.waited.CompareAndSwap(false, true) {
		return ErrMapRequestConsumed
	}
	select {
	case out := <-r.done:
		return outcomeError(out)
	case <-ctx.Done():
		// Let a later Wait observe the outcome.
		r.waited.Store(false)
		return ctx.Err()
	}
}

// Done reports whether the request has been resolved.
func (r *MapRequest) Done() bool {
	return r.resolved.Load()
}

func outcomeError(out mapOutcome) error {
	switch out.status {
	case BufferMapAsyncStatusSuccess:
		return nil
	case BufferMapAsyncStatusDeviceLost,
		BufferMapAsyncStatusDestroyedBeforeCallback,
		BufferMapAsyncStatusUnmappedBeforeCallback:
		return gpuError(ErrKernelExecutionFailed, out.detail, "failed to run shader on GPU (%s)", out.status)
	default:
		return gpuError(ErrMapFailed, out.detail, "map readback buffer: %s", out.status)
	}
}
