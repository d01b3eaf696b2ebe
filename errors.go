package readback

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure of the pipeline is a *GPUError whose Unwrap
// yields exactly one of these, so callers can classify with errors.Is.
var (
	// ErrNoAdapterFound is returned when no configured backend exposes an adapter.
	ErrNoAdapterFound = errors.New("no adapter found")

	// ErrDeviceRequestFailed is returned when the adapter rejects the device request.
	ErrDeviceRequestFailed = errors.New("device request failed")

	// ErrShaderCompile is returned when the kernel source does not compile.
	ErrShaderCompile = errors.New("shader compilation failed")

	// ErrPipelineCreation is returned when the pipeline, its layout or its
	// resources cannot be created.
	ErrPipelineCreation = errors.New("pipeline creation failed")

	// ErrMapFailed is returned when the map operation reports a failure status.
	ErrMapFailed = errors.New("buffer map failed")

	// ErrKernelExecutionFailed is returned when the completion notification
	// fails without a map status (device lost, buffer torn down).
	ErrKernelExecutionFailed = errors.New("failed to run shader on GPU")
)

// GPUError is the single error type reported by the pipeline.
//
// Message is the human-readable line printed at the top level; Kind is one
// of the Err* sentinels above.
type GPUError struct {
	Kind    error
	Message string
	cause   error
}

// Error returns the message.
func (e *GPUError) Error() string {
	return e.Message
}

// Unwrap returns the kind sentinel and the underlying cause, if any.
func (e *GPUError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.cause}
}

// gpuError builds a GPUError of the given kind. A non-nil cause is appended
// to the message and stays reachable through errors.Is/As.
func gpuError(kind error, cause error, format string, args ...any) *GPUError {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &GPUError{Kind: kind, Message: msg, cause: cause}
}
