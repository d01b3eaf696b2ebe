package readback

import (
	"context"
	"errors"

	"github.com/gogpu/gputypes"
)

// RunAndRead submits seq, waits for the kernel and the copy to complete,
// and returns the u32 left in host.
//
// The flow is: submit, request a read mapping of host, poll the device
// until all work has completed, wait for the map notification, copy the
// value out of the mapped view, unmap. Every failure is a *GPUError.
func RunAndRead(ctx context.Context, queue *Queue, dev *Device, seq *CommandSequence, host *HostBuffer) (uint32, error) {
	if _, err := queue.Submit(seq); err != nil {
		var gpuErr *GPUError
		if errors.As(err, &gpuErr) {
			return 0, err
		}
		return 0, gpuError(ErrKernelExecutionFailed, err, "submit")
	}

	req, err := host.MapAsync(gputypes.MapModeRead)
	if err != nil {
		return 0, gpuError(ErrMapFailed, err, "map readback buffer")
	}

	if err := dev.Poll(ctx, PollWait); err != nil {
		_ = host.Unmap()
		return 0, gpuError(ErrKernelExecutionFailed, err, "wait for device")
	}
	if err := req.Wait(ctx); err != nil {
		var gpuErr *GPUError
		if errors.As(err, &gpuErr) {
			return 0, err
		}
		_ = host.Unmap()
		return 0, gpuError(ErrKernelExecutionFailed, err, "wait for readback")
	}

	view, err := host.MappedRange()
	if err != nil {
		return 0, gpuError(ErrMapFailed, err, "read mapped range")
	}
	value, err := view.Uint32(0)
	// The value is a copy; the view dies with the mapping.
	if uerr := host.Unmap(); uerr != nil && err == nil {
		err = uerr
	}
	if err != nil {
		return 0, gpuError(ErrMapFailed, err, "decode result")
	}

	Logger().Debug("readback: result read", "value", value)
	return value, nil
}
