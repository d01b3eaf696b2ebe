// Package readback runs one compute kernel on a GPU and reads its result
// back to the host.
//
// # Overview
//
// The pipeline has four stages, each a separate entry point:
//
//	dev, queue, err := readback.AcquireDevice(ctx)      // adapter + device
//	res, err := readback.BuildResources(dev, source)     // pipeline, buffers
//	seq, err := readback.Encode(dev, res)                // dispatch + copy
//	value, err := readback.RunAndRead(ctx, queue, dev, seq, res.HostBuffer)
//
// Run composes them and releases everything on return:
//
//	report, err := readback.Run(ctx, kernels.Source("answer"))
//	fmt.Println("Result:", report.Value) // 42
//
// # Kernels
//
// A kernel is WGSL source compiled with naga. Its binding layout is
// derived from the compiled program: it must declare one read_write
// storage buffer at @group(0) @binding(0) and a compute entry point
// (default "main"). The kernel writes one u32; both buffers hold 4 bytes.
//
// # Readback
//
// The host buffer is mapped asynchronously. MapAsync returns a MapRequest
// that fires exactly once, during Device.Poll, after the submission that
// fills the buffer has completed. The mapped view is valid until Unmap.
//
// # Errors
//
// Every pipeline failure is a *GPUError whose kind can be tested with
// errors.Is against ErrNoAdapterFound, ErrDeviceRequestFailed,
// ErrShaderCompile, ErrPipelineCreation, ErrMapFailed and
// ErrKernelExecutionFailed.
//
// # Backends
//
// Vulkan is registered by default. The noop backend accepts every call and
// executes nothing; it is meant for dry runs and tests.
package readback

// Version is the current version of the module.
const Version = "0.1.0"
