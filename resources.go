package readback

import (
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Pipeline is a compiled compute pipeline together with the layouts it
// was created from.
type Pipeline struct {
	module      hal.ShaderModule
	groupLayout hal.BindGroupLayout
	layout      hal.PipelineLayout
	raw         hal.ComputePipeline
	entryPoint  string
}

// EntryPoint returns the entry point the pipeline invokes.
func (p *Pipeline) EntryPoint() string { return p.entryPoint }

// BindGroup associates DeviceBuffer with binding slot 0 of group 0.
type BindGroup struct {
	raw hal.BindGroup
}

// Resources is everything one dispatch-and-readback needs.
//
// Resources is owned by the Device it was built on and must be released
// before that device is closed.
type Resources struct {
	dev *Device

	Program      *KernelProgram
	Pipeline     *Pipeline
	DeviceBuffer *DeviceBuffer
	HostBuffer   *HostBuffer
	BindGroup    *BindGroup
}

// BuildResources compiles the kernel and creates the pipeline, both
// buffers and the bind group on dev.
//
// Compilation failures are reported as ErrShaderCompile; everything else
// as ErrPipelineCreation. Partially created resources are released.
func BuildResources(dev *Device, kernelSource string, opts ...Option) (*Resources, error) {
	o := newOptions(opts)

	prog, err := CompileKernel(kernelSource, o.entryPoint)
	if err != nil {
		return nil, err
	}
	return buildFromProgram(dev, prog)
}

func buildFromProgram(dev *Device, prog *KernelProgram) (*Resources, error) {
	res := &Resources{dev: dev, Program: prog}
	if err := res.init(); err != nil {
		res.Release()
		return nil, err
	}
	Logger().Debug("readback: resources built",
		"storage_bytes", res.DeviceBuffer.Size(),
		"readback_bytes", res.HostBuffer.Size(),
		"entry_point", prog.EntryPoint.Name)
	return res, nil
}

func (r *Resources) init() error {
	d := r.dev.device
	p := &Pipeline{entryPoint: r.Program.EntryPoint.Name}
	r.Pipeline = p

	module, err := d.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label: r.dev.objectLabel("kernel"),
		Source: hal.ShaderSource{
			SPIRV: r.Program.SPIRV,
		},
	})
	if err != nil {
		return gpuError(ErrPipelineCreation, err, "create shader module")
	}
	p.module = module

	groupLayout, err := d.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   r.dev.objectLabel("bind_layout"),
		Entries: r.Program.layoutEntries(),
	})
	if err != nil {
		return gpuError(ErrPipelineCreation, err, "create bind group layout")
	}
	p.groupLayout = groupLayout

	layout, err := d.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            r.dev.objectLabel("pipeline_layout"),
		BindGroupLayouts: []hal.BindGroupLayout{groupLayout},
	})
	if err != nil {
		return gpuError(ErrPipelineCreation, err, "create pipeline layout")
	}
	p.layout = layout

	pipeline, err := d.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  r.dev.objectLabel("pipeline"),
		Layout: layout,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: p.entryPoint,
		},
	})
	if err != nil {
		return gpuError(ErrPipelineCreation, err, "create compute pipeline")
	}
	p.raw = pipeline

	r.DeviceBuffer, err = createDeviceBuffer(r.dev, ResultSize)
	if err != nil {
		return gpuError(ErrPipelineCreation, err, "allocate buffers")
	}
	r.HostBuffer, err = createHostBuffer(r.dev, ResultSize)
	if err != nil {
		return gpuError(ErrPipelineCreation, err, "allocate buffers")
	}

	bg, err := d.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  r.dev.objectLabel("bind_group"),
		Layout: groupLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{
				Buffer: r.DeviceBuffer.raw.NativeHandle(), Offset: 0, Size: r.DeviceBuffer.Size(),
			}},
		},
	})
	if err != nil {
		return gpuError(ErrPipelineCreation, err, "create bind group")
	}
	r.BindGroup = &BindGroup{raw: bg}
	return nil
}

// Release destroys every resource in reverse creation order. A pending
// map on the host buffer resolves with DestroyedBeforeCallback. Work
// still in flight is waited for first. Safe to call more than once.
func (r *Resources) Release() {
	if r == nil || r.dev == nil {
		return
	}
	r.dev.drain()
	d := r.dev.device

	if r.BindGroup != nil && r.BindGroup.raw != nil {
		d.DestroyBindGroup(r.BindGroup.raw)
		r.BindGroup.raw = nil
	}
	r.HostBuffer.destroy()
	r.DeviceBuffer.destroy()

	if p := r.Pipeline; p != nil {
		if p.raw != nil {
			d.DestroyComputePipeline(p.raw)
			p.raw = nil
		}
		if p.layout != nil {
			d.DestroyPipelineLayout(p.layout)
			p.layout = nil
		}
		if p.groupLayout != nil {
			d.DestroyBindGroupLayout(p.groupLayout)
			p.groupLayout = nil
		}
		if p.module != nil {
			d.DestroyShaderModule(p.module)
			p.module = nil
		}
	}
}
