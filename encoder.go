package readback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/wgpu/hal"
)

// Encoder errors.
var (
	// ErrEncoderLocked is returned when recording outside a pass while a
	// compute pass is open.
	ErrEncoderLocked = errors.New("readback: encoder is locked (pass in progress)")

	// ErrEncoderFinished is returned when recording on a finished encoder.
	ErrEncoderFinished = errors.New("readback: encoder already finished")

	// ErrComputePassEnded is returned when recording on an ended compute pass.
	ErrComputePassEnded = errors.New("readback: compute pass has already ended")

	// ErrNilComputePipeline is returned when SetPipeline is called with nil.
	ErrNilComputePipeline = errors.New("readback: compute pipeline is nil")

	// ErrNilBindGroup is returned when SetBindGroup is called with nil.
	ErrNilBindGroup = errors.New("readback: bind group is nil")

	// ErrPipelineNotSet is returned when dispatching before SetPipeline.
	ErrPipelineNotSet = errors.New("readback: no compute pipeline set")

	// ErrWorkgroupCountZero is returned when any workgroup dimension is zero.
	ErrWorkgroupCountZero = errors.New("readback: workgroup count must be greater than zero")

	// ErrCopyRange is returned when a copy exceeds either buffer.
	ErrCopyRange = errors.New("readback: copy range out of bounds")

	// ErrSequenceConsumed is returned when a command sequence is submitted twice.
	ErrSequenceConsumed = errors.New("readback: command sequence already submitted")
)

// RecorderState is the state of a Recorder.
type RecorderState int

const (
	// RecorderStateRecording accepts commands.
	RecorderStateRecording RecorderState = iota
	// RecorderStatePassOpen has a compute pass in progress.
	RecorderStatePassOpen
	// RecorderStateFinished has produced its CommandSequence.
	RecorderStateFinished
)

// String returns the string representation of RecorderState.
func (s RecorderState) String() string {
	switch s {
	case RecorderStateRecording:
		return "Recording"
	case RecorderStatePassOpen:
		return "PassOpen"
	case RecorderStateFinished:
		return "Finished"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Recorder records GPU commands into a CommandSequence.
//
// State machine:
//
//	Recording -> BeginComputePass -> PassOpen
//	PassOpen  -> ComputePass.End  -> Recording
//	Recording -> Finish           -> Finished
//
// Recorder is NOT safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	dev   *Device
	raw   hal.CommandEncoder
	label string
	state RecorderState

	active *ComputePass
	writes []*HostBuffer
}

// NewRecorder creates a recorder in the Recording state.
func NewRecorder(dev *Device, label string) (*Recorder, error) {
	if label == "" {
		label = dev.objectLabel("encoder")
	}
	raw, err := dev.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	if err := raw.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("begin encoding: %w", err)
	}
	return &Recorder{dev: dev, raw: raw, label: label}, nil
}

// State returns the current recorder state.
func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// checkRecordingLocked returns an error unless the recorder is Recording.
// The caller must hold r.mu.
func (r *Recorder) checkRecordingLocked() error {
	switch r.state {
	case RecorderStateRecording:
		return nil
	case RecorderStatePassOpen:
		return ErrEncoderLocked
	default:
		return ErrEncoderFinished
	}
}

// BeginComputePass opens a compute pass. The recorder is locked until the
// pass ends.
func (r *Recorder) BeginComputePass(label string) (*ComputePass, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRecordingLocked(); err != nil {
		return nil, fmt.Errorf("begin compute pass: %w", err)
	}
	raw := r.raw.BeginComputePass(&hal.ComputePassDescriptor{Label: label})
	pass := &ComputePass{raw: raw, recorder: r}
	r.active = pass
	r.state = RecorderStatePassOpen
	return pass, nil
}

func (r *Recorder) endComputePass(pass *ComputePass) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != pass {
		return fmt.Errorf("end compute pass: wrong pass being ended")
	}
	r.active = nil
	r.state = RecorderStateRecording
	return nil
}

// CopyToHost copies size bytes from src to dst, both at offset 0.
func (r *Recorder) CopyToHost(src *DeviceBuffer, dst *HostBuffer, size uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRecordingLocked(); err != nil {
		return fmt.Errorf("copy buffer to buffer: %w", err)
	}
	if src == nil || dst == nil || src.raw == nil || dst.raw == nil {
		return fmt.Errorf("copy buffer to buffer: %w", ErrBufferDestroyed)
	}
	if size == 0 || size > src.Size() || size > dst.Size() {
		return fmt.Errorf("%w: %d bytes from %d into %d", ErrCopyRange, size, src.Size(), dst.Size())
	}

	r.raw.CopyBufferToBuffer(src.raw, dst.raw, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: size},
	})
	r.writes = append(r.writes, dst)
	return nil
}

// Finish closes the recorder and returns the recorded sequence.
func (r *Recorder) Finish() (*CommandSequence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRecordingLocked(); err != nil {
		return nil, fmt.Errorf("finish: %w", err)
	}
	cmdBuf, err := r.raw.EndEncoding()
	if err != nil {
		r.state = RecorderStateFinished
		return nil, fmt.Errorf("finish: %w", err)
	}
	r.state = RecorderStateFinished
	return &CommandSequence{dev: r.dev, raw: cmdBuf, writes: r.writes, label: r.label}, nil
}

// Discard abandons recording. It is a no-op on a finished recorder.
func (r *Recorder) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RecorderStateFinished {
		return
	}
	if r.active != nil {
		r.active.ended = true
		r.active = nil
	}
	r.raw.DiscardEncoding()
	r.state = RecorderStateFinished
}

// ComputePass records commands inside a compute pass.
type ComputePass struct {
	raw      hal.ComputePassEncoder
	recorder *Recorder

	ended       bool
	pipelineSet bool
	dispatches  int
}

// SetPipeline binds the compute pipeline for subsequent dispatches.
func (p *ComputePass) SetPipeline(pipeline *Pipeline) error {
	if p.ended {
		return ErrComputePassEnded
	}
	if pipeline == nil || pipeline.raw == nil {
		return ErrNilComputePipeline
	}
	p.raw.SetPipeline(pipeline.raw)
	p.pipelineSet = true
	return nil
}

// SetBindGroup binds group at index.
func (p *ComputePass) SetBindGroup(index uint32, group *BindGroup) error {
	if p.ended {
		return ErrComputePassEnded
	}
	if group == nil || group.raw == nil {
		return ErrNilBindGroup
	}
	p.raw.SetBindGroup(index, group.raw, nil)
	return nil
}

// Dispatch records a dispatch of x*y*z workgroups.
func (p *ComputePass) Dispatch(x, y, z uint32) error {
	if p.ended {
		return ErrComputePassEnded
	}
	if !p.pipelineSet {
		return ErrPipelineNotSet
	}
	if x == 0 || y == 0 || z == 0 {
		return fmt.Errorf("%w: (%d, %d, %d)", ErrWorkgroupCountZero, x, y, z)
	}
	p.raw.Dispatch(x, y, z)
	p.dispatches++
	return nil
}

// End closes the pass and unlocks the recorder.
func (p *ComputePass) End() error {
	if p.ended {
		return ErrComputePassEnded
	}
	p.ended = true
	p.raw.End()
	return p.recorder.endComputePass(p)
}

// CommandSequence is a finished, immutable batch of commands. It can be
// submitted exactly once.
type CommandSequence struct {
	mu     sync.Mutex
	dev    *Device
	raw    hal.CommandBuffer
	writes []*HostBuffer
	label  string
	taken  bool
}

// Label returns the sequence's debug label.
func (s *CommandSequence) Label() string { return s.label }

// take hands the command buffer to the queue, once.
func (s *CommandSequence) take() (hal.CommandBuffer, error) {
	if s == nil {
		return nil, ErrSequenceConsumed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taken {
		return nil, ErrSequenceConsumed
	}
	s.taken = true
	return s.raw, nil
}

// Release frees a sequence that was never submitted.
func (s *CommandSequence) Release() {
	cmdBuf, err := s.take()
	if err != nil || cmdBuf == nil {
		return
	}
	s.dev.device.FreeCommandBuffer(cmdBuf)
}

// Encode records the single-dispatch sequence: the compute pass with one
// 1x1x1 dispatch followed by the copy of DeviceBuffer into HostBuffer.
func Encode(dev *Device, res *Resources) (*CommandSequence, error) {
	rec, err := NewRecorder(dev, dev.objectLabel("encoder"))
	if err != nil {
		return nil, gpuError(ErrPipelineCreation, err, "encode dispatch")
	}

	if err := recordDispatch(rec, res); err != nil {
		rec.Discard()
		return nil, gpuError(ErrPipelineCreation, err, "encode dispatch")
	}

	seq, err := rec.Finish()
	if err != nil {
		return nil, gpuError(ErrPipelineCreation, err, "encode dispatch")
	}
	Logger().Debug("readback: dispatch encoded", "workgroups", "1x1x1", "copy_bytes", ResultSize)
	return seq, nil
}

func recordDispatch(rec *Recorder, res *Resources) error {
	pass, err := rec.BeginComputePass(rec.label + "_pass")
	if err != nil {
		return err
	}
	if err := pass.SetPipeline(res.Pipeline); err != nil {
		return err
	}
	if err := pass.SetBindGroup(0, res.BindGroup); err != nil {
		return err
	}
	if err := pass.Dispatch(1, 1, 1); err != nil {
		return err
	}
	if err := pass.End(); err != nil {
		return err
	}
	return rec.CopyToHost(res.DeviceBuffer, res.HostBuffer, ResultSize)
}
