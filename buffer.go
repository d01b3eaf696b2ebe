package readback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// ResultSize is the size in bytes of both pipeline buffers: one u32.
const ResultSize uint64 = 4

// Buffer errors.
var (
	// ErrBufferDestroyed is returned when operating on a destroyed buffer.
	ErrBufferDestroyed = errors.New("readback: buffer has been destroyed")

	// ErrBufferAlreadyMapped is returned when mapping a buffer that is mapped or pending.
	ErrBufferAlreadyMapped = errors.New("readback: buffer is already mapped or mapping is pending")

	// ErrBufferNotMapped is returned when reading an unmapped buffer.
	ErrBufferNotMapped = errors.New("readback: buffer is not mapped")

	// ErrBufferMapPending is returned when reading a buffer whose map has not completed.
	ErrBufferMapPending = errors.New("readback: buffer mapping is pending")

	// ErrInvalidMapMode is returned for map modes other than read.
	ErrInvalidMapMode = errors.New("readback: invalid map mode")

	// ErrMapUsageMismatch is returned when the buffer lacks MapRead usage.
	ErrMapUsageMismatch = errors.New("readback: map mode does not match buffer usage flags")

	// ErrMappedRangeInvalid is returned when reading a view after Unmap.
	ErrMappedRangeInvalid = errors.New("readback: mapped range used after unmap")

	// ErrShortResult is returned when decoding fewer than four bytes.
	ErrShortResult = errors.New("readback: result needs 4 bytes")
)

// BufferMapState represents the mapping state of a host buffer.
type BufferMapState int

const (
	// BufferMapStateUnmapped means the buffer is not mapped.
	BufferMapStateUnmapped BufferMapState = iota
	// BufferMapStatePending means a map operation is pending.
	BufferMapStatePending
	// BufferMapStateMapped means the buffer is mapped and readable.
	BufferMapStateMapped
)

// String returns the string representation of BufferMapState.
func (s BufferMapState) String() string {
	switch s {
	case BufferMapStateUnmapped:
		return "Unmapped"
	case BufferMapStatePending:
		return "Pending"
	case BufferMapStateMapped:
		return "Mapped"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// BufferMapAsyncStatus is the outcome delivered by a map notification.
type BufferMapAsyncStatus int

const (
	// BufferMapAsyncStatusSuccess indicates mapping completed successfully.
	BufferMapAsyncStatusSuccess BufferMapAsyncStatus = iota
	// BufferMapAsyncStatusValidationError indicates a validation error.
	BufferMapAsyncStatusValidationError
	// BufferMapAsyncStatusUnknown indicates an unknown error.
	BufferMapAsyncStatusUnknown
	// BufferMapAsyncStatusDeviceLost indicates the device was lost.
	BufferMapAsyncStatusDeviceLost
	// BufferMapAsyncStatusDestroyedBeforeCallback indicates the buffer was destroyed.
	BufferMapAsyncStatusDestroyedBeforeCallback
	// BufferMapAsyncStatusUnmappedBeforeCallback indicates the buffer was unmapped.
	BufferMapAsyncStatusUnmappedBeforeCallback
)

// String returns the string representation of BufferMapAsyncStatus.
func (s BufferMapAsyncStatus) String() string {
	switch s {
	case BufferMapAsyncStatusSuccess:
		return "Success"
	case BufferMapAsyncStatusValidationError:
		return "ValidationError"
	case BufferMapAsyncStatusUnknown:
		return "Unknown"
	case BufferMapAsyncStatusDeviceLost:
		return "DeviceLost"
	case BufferMapAsyncStatusDestroyedBeforeCallback:
		return "DestroyedBeforeCallback"
	case BufferMapAsyncStatusUnmappedBeforeCallback:
		return "UnmappedBeforeCallback"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// DeviceBuffer is device-resident storage written by the kernel.
type DeviceBuffer struct {
	raw   hal.Buffer
	dev   *Device
	size  uint64
	label string
}

// Size returns the buffer size in bytes.
func (b *DeviceBuffer) Size() uint64 { return b.size }

// Label returns the buffer's debug label.
func (b *DeviceBuffer) Label() string { return b.label }

func (b *DeviceBuffer) destroy() {
	if b == nil || b.raw == nil {
		return
	}
	b.dev.device.DestroyBuffer(b.raw)
	b.raw = nil
}

// HostBuffer is a buffer the host can map for reading.
//
// Lifecycle:
//  1. Created Unmapped by BuildResources
//  2. Filled by a copy command in a submitted CommandSequence
//  3. MapAsync moves it to Pending and returns a MapRequest
//  4. Device.Poll completes the map; the request fires once
//  5. MappedRange gives a read-only view while Mapped
//  6. Unmap returns it to Unmapped and invalidates every view
type HostBuffer struct {
	mu sync.RWMutex

	raw   hal.Buffer
	dev   *Device
	size  uint64
	usage gputypes.BufferUsage
	label string

	mapState BufferMapState
	request  *MapRequest
	// mapped aliases the host-visible memory returned by MapBuffer.
	mapped []byte

	// generation increments on every unmap so that stale views fail.
	generation uint64

	// lastWrite is the latest submission that copies into this buffer.
	lastWrite SubmissionIndex

	destroyed bool
}

// Size returns the buffer size in bytes.
func (b *HostBuffer) Size() uint64 { return b.size }

// Label returns the buffer's debug label.
func (b *HostBuffer) Label() string { return b.label }

// Usage returns the buffer usage flags.
func (b *HostBuffer) Usage() gputypes.BufferUsage { return b.usage }

// MapState returns the current mapping state.
func (b *HostBuffer) MapState() BufferMapState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mapState
}

func (b *HostBuffer) noteWrite(idx SubmissionIndex) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx > b.lastWrite {
		b.lastWrite = idx
	}
}

// MapAsync requests read access to the buffer.
//
// The map completes during a later Device.Poll, once every submission
// that writes this buffer has retired. The returned request fires exactly
// once, with success or failure.
func (b *HostBuffer) MapAsync(mode gputypes.MapMode) (*MapRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return nil, ErrBufferDestroyed
	}
	if b.mapState != BufferMapStateUnmapped {
		return nil, ErrBufferAlreadyMapped
	}
	if mode != gputypes.MapModeRead {
		return nil, fmt.Errorf("%w: only read mapping is supported", ErrInvalidMapMode)
	}
	if !b.usage.Contains(gputypes.BufferUsageMapRead) {
		return nil, fmt.Errorf("%w: buffer does not have MapRead usage", ErrMapUsageMismatch)
	}

	req := newMapRequest()
	b.mapState = BufferMapStatePending
	b.request = req
	after := b.lastWrite
	b.mu.Unlock()

	// The device lock is always taken before the buffer lock.
	err := b.dev.enqueueMap(b, after)

	b.mu.Lock()
	if err != nil {
		if b.request == req {
			b.request = nil
			b.mapState = BufferMapStateUnmapped
		}
		return nil, err
	}
	return req, nil
}

// resolveMap maps the buffer into host memory. The device calls it once
// every submission writing the buffer has retired.
func (b *HostBuffer) resolveMap() {
	b.mu.Lock()
	if b.mapState != BufferMapStatePending || b.request == nil {
		b.mu.Unlock()
		return
	}
	req := b.request
	b.request = nil

	mapping, err := b.dev.device.MapBuffer(b.raw, 0, b.size)
	if err != nil {
		b.mapState = BufferMapStateUnmapped
		b.mu.Unlock()
		req.resolve(BufferMapAsyncStatusUnknown, fmt.Errorf("map %s: %w", b.label, err))
		return
	}
	// Non-coherent memory is invalidated by the backend's MapBuffer.
	b.mapped = unsafe.Slice((*byte)(mapping.Ptr), b.size)
	b.mapState = BufferMapStateMapped
	b.mu.Unlock()

	Logger().Debug("readback: buffer mapped", "buffer", b.label, "coherent", mapping.IsCoherent)
	// Fire outside the lock; a waiter may read the buffer immediately.
	req.resolve(BufferMapAsyncStatusSuccess, nil)
}

// failMap resolves a pending map without mapping. detail explains the
// failure.
func (b *HostBuffer) failMap(status BufferMapAsyncStatus, detail error) {
	b.mu.Lock()
	if b.mapState != BufferMapStatePending || b.request == nil {
		b.mu.Unlock()
		return
	}
	req := b.request
	b.request = nil
	b.mapState = BufferMapStateUnmapped
	b.mu.Unlock()

	req.resolve(status, detail)
}

// MappedRange returns a read-only view of the mapped contents.
//
// It fails unless the map notification has already fired with success.
func (b *HostBuffer) MappedRange() (*MappedRange, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.destroyed {
		return nil, ErrBufferDestroyed
	}
	switch b.mapState {
	case BufferMapStatePending:
		return nil, ErrBufferMapPending
	case BufferMapStateMapped:
		return &MappedRange{buf: b, generation: b.generation}, nil
	default:
		return nil, ErrBufferNotMapped
	}
}

// Unmap returns the buffer to the Unmapped state.
//
// A pending map is cancelled and its request fires with
// UnmappedBeforeCallback. A completed map is released from host memory
// and views obtained from MappedRange become invalid. Unmapping an
// unmapped buffer is a no-op.
func (b *HostBuffer) Unmap() error {
	b.mu.Lock()

	if b.destroyed {
		b.mu.Unlock()
		return ErrBufferDestroyed
	}

	switch b.mapState {
	case BufferMapStatePending:
		req := b.request
		b.request = nil
		b.mapState = BufferMapStateUnmapped
		b.mu.Unlock()
		b.dev.dropMap(b)
		if req != nil {
			req.resolve(BufferMapAsyncStatusUnmappedBeforeCallback, nil)
		}
		return nil
	case BufferMapStateMapped:
		b.mapState = BufferMapStateUnmapped
		b.mapped = nil
		b.generation++
		err := b.dev.device.UnmapBuffer(b.raw)
		b.mu.Unlock()
		if err != nil {
			return fmt.Errorf("unmap %s: %w", b.label, err)
		}
		return nil
	}
	b.mu.Unlock()
	return nil
}

// destroy releases the buffer. A pending map fires with
// DestroyedBeforeCallback. Idempotent.
func (b *HostBuffer) destroy() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	req := b.request
	wasPending := b.mapState == BufferMapStatePending
	wasMapped := b.mapState == BufferMapStateMapped
	raw := b.raw
	b.raw = nil
	b.request = nil
	b.mapped = nil
	b.mapState = BufferMapStateUnmapped
	b.generation++
	b.mu.Unlock()

	if wasPending {
		b.dev.dropMap(b)
		if req != nil {
			req.resolve(BufferMapAsyncStatusDestroyedBeforeCallback, nil)
		}
	}
	if raw != nil {
		if wasMapped {
			_ = b.dev.device.UnmapBuffer(raw)
		}
		b.dev.device.DestroyBuffer(raw)
	}
}

// MappedRange is a read-only view of a mapped HostBuffer. It is valid
// until the buffer is unmapped or destroyed.
type MappedRange struct {
	buf        *HostBuffer
	generation uint64
}

func (r *MappedRange) data() ([]byte, error) {
	b := r.buf
	if b.destroyed {
		return nil, ErrBufferDestroyed
	}
	if b.generation != r.generation || b.mapState != BufferMapStateMapped {
		return nil, ErrMappedRangeInvalid
	}
	return b.mapped, nil
}

// Len returns the number of mapped bytes, or 0 for an invalid view.
func (r *MappedRange) Len() int {
	r.buf.mu.RLock()
	defer r.buf.mu.RUnlock()
	data, err := r.data()
	if err != nil {
		return 0
	}
	return len(data)
}

// CopyTo copies the mapped bytes into dst and returns the count copied.
func (r *MappedRange) CopyTo(dst []byte) (int, error) {
	r.buf.mu.RLock()
	defer r.buf.mu.RUnlock()
	data, err := r.data()
	if err != nil {
		return 0, err
	}
	return copy(dst, data), nil
}

// Uint32 decodes the little-endian u32 at byte offset off.
func (r *MappedRange) Uint32(off int) (uint32, error) {
	r.buf.mu.RLock()
	defer r.buf.mu.RUnlock()
	data, err := r.data()
	if err != nil {
		return 0, err
	}
	if off < 0 || off > len(data) {
		return 0, fmt.Errorf("%w: offset %d outside %d mapped bytes", ErrShortResult, off, len(data))
	}
	return DecodeResult(data[off:])
}

// DecodeResult decodes the first four bytes of b as a little-endian u32.
func DecodeResult(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("%w, got %d", ErrShortResult, len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

// createDeviceBuffer allocates the kernel's storage target and zero-fills it.
func createDeviceBuffer(d *Device, size uint64) (*DeviceBuffer, error) {
	label := d.objectLabel("storage")
	raw, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage buffer: %w", err)
	}
	if err := d.queue.WriteBuffer(raw, 0, make([]byte, size)); err != nil {
		d.device.DestroyBuffer(raw)
		return nil, fmt.Errorf("zero-fill storage buffer: %w", err)
	}
	return &DeviceBuffer{raw: raw, dev: d, size: size, label: label}, nil
}

// createHostBuffer allocates the readback buffer, unmapped.
func createHostBuffer(d *Device, size uint64) (*HostBuffer, error) {
	label := d.objectLabel("readback")
	usage := gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
	raw, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return nil, fmt.Errorf("create readback buffer: %w", err)
	}
	return &HostBuffer{raw: raw, dev: d, size: size, usage: usage, label: label}, nil
}
