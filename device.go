package readback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// ErrDeviceClosed is returned when operating on a closed device.
var ErrDeviceClosed = errors.New("readback: device is closed")

// AdapterInfo describes the selected physical accelerator.
type AdapterInfo struct {
	Name    string
	Backend string
	// Type is "discrete", "integrated" or "other".
	Type string
}

// PollMode selects how Device.Poll treats outstanding work.
type PollMode int

const (
	// PollNonBlocking retires whatever has already completed and returns.
	PollNonBlocking PollMode = iota
	// PollWait blocks until every outstanding submission has completed.
	PollWait
)

// SubmissionIndex identifies a queue submission. Indices are assigned by
// the queue and increase monotonically; 0 means "nothing submitted".
type SubmissionIndex uint64

// submission is one in-flight command sequence.
type submission struct {
	index  SubmissionIndex
	cmdBuf hal.CommandBuffer
}

// pendingMap is a host buffer map waiting for a submission to retire.
type pendingMap struct {
	buf   *HostBuffer
	after SubmissionIndex
}

// Device is the logical execution context bound to one adapter.
//
// It owns every resource created through it and tracks in-flight
// submissions and pending buffer maps. Nothing on the device timeline
// progresses from the host's point of view until Poll is called.
type Device struct {
	mu sync.Mutex

	instance hal.Instance // nil for shared devices
	device   hal.Device
	queue    hal.Queue
	info     AdapterInfo
	shared   bool

	label        string
	pollInterval time.Duration

	submitted SubmissionIndex
	completed SubmissionIndex
	inflight  []*submission
	pending   []pendingMap
	lost      error
	closed    bool
}

// Queue is the single ordered submission channel of a Device.
type Queue struct {
	dev *Device
}

// AcquireDevice negotiates an adapter and opens a logical device on it.
//
// Backends are tried in configured order; the first adapter of the first
// backend that exposes one is selected. The returned Queue belongs to the
// Device. Call Device.Close when done.
func AcquireDevice(ctx context.Context, opts ...Option) (*Device, *Queue, error) {
	o := newOptions(opts)
	if o.provider != nil {
		return acquireShared(o.provider, o)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, gpuError(ErrNoAdapterFound, err, "adapter request canceled")
	}

	log := Logger()
	tried := make([]string, 0, len(o.backends))
	for _, b := range o.backends {
		tried = append(tried, b.Name)
		instance, err := b.Instances.CreateInstance(&hal.InstanceDescriptor{})
		if err != nil {
			log.Debug("readback: backend unavailable", "backend", b.Name, "err", err)
			continue
		}
		selected, err := selectAdapter(instance.EnumerateAdapters(nil))
		if err != nil {
			log.Debug("readback: backend has no adapters", "backend", b.Name)
			instance.Destroy()
			continue
		}

		info := adapterInfo(b.Name, selected)
		openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
		if err != nil {
			instance.Destroy()
			return nil, nil, gpuError(ErrDeviceRequestFailed, err, "request device from %s", info.Name)
		}

		dev := newDevice(openDev.Device, openDev.Queue, info, o)
		dev.instance = instance
		log.Info("readback: adapter selected", "adapter", info.Name, "backend", info.Backend, "type", info.Type)
		if o.onAdapter != nil {
			o.onAdapter(info)
		}
		return dev, dev.Queue(), nil
	}

	if len(tried) == 0 {
		return nil, nil, gpuError(ErrNoAdapterFound, nil, "no adapter found: no backend configured")
	}
	return nil, nil, gpuError(ErrNoAdapterFound, nil, "no adapter found (tried %s)", strings.Join(tried, ", "))
}

// AcquireShared adopts the device and queue of a host application.
//
// The provider must expose HalDevice() and HalQueue() returning hal.Device
// and hal.Queue. The adapter is described by the provider's AdapterInfo.
// Close never destroys a shared device.
func AcquireShared(provider gpucontext.DeviceProvider, opts ...Option) (*Device, *Queue, error) {
	return acquireShared(provider, newOptions(opts))
}

func acquireShared(provider gpucontext.DeviceProvider, o options) (*Device, *Queue, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, nil, gpuError(ErrNoAdapterFound, nil, "device provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, nil, gpuError(ErrDeviceRequestFailed, nil, "device provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, nil, gpuError(ErrDeviceRequestFailed, nil, "device provider HalQueue is not hal.Queue")
	}

	info := sharedAdapterInfo(provider.AdapterInfo())
	dev := newDevice(device, queue, info, o)
	dev.shared = true
	Logger().Info("readback: using shared device", "adapter", info.Name, "type", info.Type)
	if o.onAdapter != nil {
		o.onAdapter(info)
	}
	return dev, dev.Queue(), nil
}

// selectAdapter picks the first exposed adapter.
func selectAdapter(adapters []hal.ExposedAdapter) (*hal.ExposedAdapter, error) {
	if len(adapters) == 0 {
		return nil, ErrNoAdapterFound
	}
	return &adapters[0], nil
}

func adapterInfo(backend string, a *hal.ExposedAdapter) AdapterInfo {
	kind := "other"
	switch a.Info.DeviceType {
	case gputypes.DeviceTypeDiscreteGPU:
		kind = "discrete"
	case gputypes.DeviceTypeIntegratedGPU:
		kind = "integrated"
	}
	return AdapterInfo{Name: a.Info.Name, Backend: backend, Type: kind}
}

func sharedAdapterInfo(pi gpucontext.AdapterInfo) AdapterInfo {
	info := AdapterInfo{Name: pi.Name, Backend: "shared", Type: "other"}
	switch pi.Type {
	case gpucontext.AdapterTypeDiscrete:
		info.Type = "discrete"
	case gpucontext.AdapterTypeIntegrated:
		info.Type = "integrated"
	}
	if info.Name == "" {
		info.Name = "shared device"
	}
	return info
}

// EnumerateAdapters lists every adapter of every configured backend
// without opening a device.
func EnumerateAdapters(opts ...Option) []AdapterInfo {
	o := newOptions(opts)
	var out []AdapterInfo
	for _, b := range o.backends {
		instance, err := b.Instances.CreateInstance(&hal.InstanceDescriptor{})
		if err != nil {
			continue
		}
		adapters := instance.EnumerateAdapters(nil)
		for i := range adapters {
			out = append(out, adapterInfo(b.Name, &adapters[i]))
		}
		instance.Destroy()
	}
	return out
}

func newDevice(device hal.Device, queue hal.Queue, info AdapterInfo, o options) *Device {
	return &Device{
		device:       device,
		queue:        queue,
		info:         info,
		label:        o.label,
		pollInterval: o.pollInterval,
	}
}

// Info returns the selected adapter.
func (d *Device) Info() AdapterInfo { return d.info }

// AdapterName returns the human-readable adapter name.
func (d *Device) AdapterName() string { return d.info.Name }

// Queue returns the device's submission queue.
func (d *Device) Queue() *Queue { return &Queue{dev: d} }

// Lost returns the error that made the device unusable, or nil.
func (d *Device) Lost() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

// HAL returns the underlying device handle.
func (d *Device) HAL() hal.Device { return d.device }

func (d *Device) objectLabel(suffix string) string {
	if d.label == "" {
		return suffix
	}
	return d.label + "_" + suffix
}

// Submit hands a recorded command sequence to the device.
//
// Commands of one sequence execute in recorded order. The sequence is
// consumed: submitting it again fails with ErrSequenceConsumed.
func (q *Queue) Submit(seq *CommandSequence) (SubmissionIndex, error) {
	d := q.dev
	cmdBuf, err := seq.take()
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.device.FreeCommandBuffer(cmdBuf)
		return 0, ErrDeviceClosed
	}
	if d.lost != nil {
		d.device.FreeCommandBuffer(cmdBuf)
		return 0, gpuError(ErrKernelExecutionFailed, d.lost, "submit")
	}

	halIdx, err := d.queue.Submit([]hal.CommandBuffer{cmdBuf})
	if err != nil {
		d.device.FreeCommandBuffer(cmdBuf)
		return 0, gpuError(ErrKernelExecutionFailed, err, "submit")
	}

	idx := SubmissionIndex(halIdx)
	d.submitted = idx
	d.inflight = append(d.inflight, &submission{index: idx, cmdBuf: cmdBuf})
	for _, hb := range seq.writes {
		hb.noteWrite(idx)
	}
	Logger().Debug("readback: submitted", "index", uint64(idx), "inflight", len(d.inflight))
	return idx, nil
}

// enqueueMap registers a pending map that resolves once the submission
// `after` has retired.
func (d *Device) enqueueMap(buf *HostBuffer, after SubmissionIndex) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	d.pending = append(d.pending, pendingMap{buf: buf, after: after})
	return nil
}

// dropMap removes a pending map without resolving it.
func (d *Device) dropMap(buf *HostBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range d.pending {
		if p.buf == buf {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return
		}
	}
}

// Poll drives the device forward.
//
// It retires the submissions the queue reports as completed (waiting for
// all of them with PollWait), then completes every pending buffer map
// whose data is ready, firing each map's notification exactly once.
// Device loss is not returned here; it is delivered to the pending maps.
// Poll returns an error only if ctx ends first.
func (d *Device) Poll(ctx context.Context, mode PollMode) error {
	var idle chan error
	var tick *time.Ticker
	defer func() {
		if tick != nil {
			tick.Stop()
		}
	}()

wait:
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.retire(SubmissionIndex(d.queue.PollCompleted())) || mode == PollNonBlocking {
			break
		}
		if idle == nil {
			idle = make(chan error, 1)
			go func() { idle <- d.device.WaitIdle() }()
			tick = time.NewTicker(d.pollInterval)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-idle:
			if err != nil {
				d.markLost(fmt.Errorf("wait for device: %w", err))
				break wait
			}
			d.retire(d.lastSubmitted())
			break wait
		case <-tick.C:
		}
	}

	d.resolveMaps()
	return nil
}

// retire frees every in-flight submission up to and including upTo. It
// reports whether work is still outstanding on a live device.
func (d *Device) retire(upTo SubmissionIndex) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.inflight {
		if s.index > upTo {
			break
		}
		d.device.FreeCommandBuffer(s.cmdBuf)
		d.completed = s.index
		n++
	}
	d.inflight = d.inflight[n:]
	return len(d.inflight) > 0 && !d.closed && d.lost == nil
}

func (d *Device) lastSubmitted() SubmissionIndex {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submitted
}

// drain blocks until the device is idle so in-flight work stops using
// resources about to be destroyed. A lost device is not waited on.
func (d *Device) drain() {
	d.mu.Lock()
	busy := len(d.inflight) > 0 && d.lost == nil
	d.mu.Unlock()
	if !busy {
		return
	}
	if err := d.device.WaitIdle(); err != nil {
		d.markLost(fmt.Errorf("wait for device: %w", err))
		return
	}
	d.retire(d.lastSubmitted())
}

func (d *Device) markLost(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost == nil {
		d.lost = err
		Logger().Warn("readback: device lost", "err", err)
	}
}

// resolveMaps completes the pending maps that are ready. Buffer callbacks
// run without d.mu held.
func (d *Device) resolveMaps() {
	d.mu.Lock()
	var ready []pendingMap
	keep := d.pending[:0]
	for _, p := range d.pending {
		if d.lost != nil || p.after <= d.completed {
			ready = append(ready, p)
		} else {
			keep = append(keep, p)
		}
	}
	d.pending = keep
	lost := d.lost
	d.mu.Unlock()

	for _, p := range ready {
		if lost != nil {
			p.buf.failMap(BufferMapAsyncStatusDeviceLost, lost)
			continue
		}
		p.buf.resolveMap()
	}
}

// Close tears the device down. Pending maps resolve with
// DestroyedBeforeCallback. In-flight work is waited for before its
// command buffers are freed, unless the device is lost. Owned devices
// and instances are destroyed; shared ones are left to their provider.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, p := range pending {
		p.buf.failMap(BufferMapAsyncStatusDestroyedBeforeCallback, nil)
	}
	d.drain()

	d.mu.Lock()
	d.closed = true
	inflight := d.inflight
	d.inflight = nil
	d.mu.Unlock()
	for _, s := range inflight {
		d.device.FreeCommandBuffer(s.cmdBuf)
	}

	if d.shared {
		Logger().Info("readback: released shared device")
		return
	}
	d.device.Destroy()
	if d.instance != nil {
		d.instance.Destroy()
	}
	Logger().Info("readback: device closed", "adapter", d.info.Name)
}
