package readback

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// scriptedDevice wraps a noop device with controllable idle waits and
// buffer mappings.
type scriptedDevice struct {
	hal.Device

	mu sync.Mutex
	// result is written into the mapped memory, standing in for the copy.
	result  []byte
	idleErr error
	mapErr  error
	idles   int
	maps    int
	unmaps  int
	freed   int
	// events records WaitIdle and FreeCommandBuffer calls in order.
	events []string
}

func (d *scriptedDevice) WaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idles++
	d.events = append(d.events, "idle")
	return d.idleErr
}

func (d *scriptedDevice) FreeCommandBuffer(cb hal.CommandBuffer) {
	d.mu.Lock()
	d.freed++
	d.events = append(d.events, "free")
	d.mu.Unlock()
	d.Device.FreeCommandBuffer(cb)
}

func (d *scriptedDevice) MapBuffer(buffer hal.Buffer, offset, size uint64) (hal.BufferMapping, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maps++
	if d.mapErr != nil {
		return hal.BufferMapping{}, d.mapErr
	}
	m, err := d.Device.MapBuffer(buffer, offset, size)
	if err != nil {
		return m, err
	}
	copy(unsafe.Slice((*byte)(m.Ptr), size), d.result)
	return m, nil
}

func (d *scriptedDevice) UnmapBuffer(buffer hal.Buffer) error {
	d.mu.Lock()
	d.unmaps++
	d.mu.Unlock()
	return d.Device.UnmapBuffer(buffer)
}

// scriptedQueue wraps a noop queue whose completed index trails the
// submitted one by lag.
type scriptedQueue struct {
	hal.Queue

	mu       sync.Mutex
	lag      uint64
	writeErr error
}

func (q *scriptedQueue) PollCompleted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	done := q.Queue.PollCompleted()
	if done < q.lag {
		return 0
	}
	return done - q.lag
}

func (q *scriptedQueue) WriteBuffer(buffer hal.Buffer, offset uint64, data []byte) error {
	q.mu.Lock()
	err := q.writeErr
	q.mu.Unlock()
	if err != nil {
		return err
	}
	return q.Queue.WriteBuffer(buffer, offset, data)
}

// createNoopDevice opens a device on the noop backend.
func createNoopDevice(t *testing.T) (hal.Device, hal.Queue, func()) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	cleanup := func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	return openDev.Device, openDev.Queue, cleanup
}

// newTestDevice returns a Device over scripted noop HAL objects. Mapped
// buffers hold the little-endian encoding of 42 by default.
func newTestDevice(t *testing.T) (*Device, *scriptedDevice, *scriptedQueue) {
	t.Helper()
	halDev, halQueue, cleanup := createNoopDevice(t)
	sd := &scriptedDevice{Device: halDev, result: []byte{0x2A, 0, 0, 0}}
	sq := &scriptedQueue{Queue: halQueue}

	dev := newDevice(sd, sq, AdapterInfo{Name: "test adapter", Backend: BackendNoop, Type: "other"}, defaultOptions())
	dev.shared = true
	t.Cleanup(func() {
		dev.Close()
		cleanup()
	})
	return dev, sd, sq
}

// testProgram is a kernel matching the pipeline shape, without going
// through the compiler.
func testProgram() *KernelProgram {
	return &KernelProgram{
		SPIRV:      []uint32{spirvMagic, 0x00010300, 0, 1, 0},
		EntryPoint: EntryPoint{Name: "main", WorkgroupSize: [3]uint32{1, 1, 1}},
		Bindings:   []Binding{{Group: 0, Binding: 0, Kind: BindingStorage}},
	}
}

// newTestResources builds resources for testProgram on dev.
func newTestResources(t *testing.T, dev *Device) *Resources {
	t.Helper()
	res, err := buildFromProgram(dev, testProgram())
	if err != nil {
		t.Fatalf("buildFromProgram: %v", err)
	}
	t.Cleanup(res.Release)
	return res
}

// failingInstances is an InstanceProvider that never produces an instance.
type failingInstances struct{}

func (failingInstances) CreateInstance(*hal.InstanceDescriptor) (hal.Instance, error) {
	return nil, errors.New("loader not found")
}

// isNotImplemented reports compiler limitations that tests skip over.
func isNotImplemented(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "not yet implemented") ||
		strings.Contains(msg, "not implemented") ||
		strings.Contains(msg, "unsupported")
}
