package readback

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/spirv"
)

// spirvMagic is the first word of every SPIR-V module.
const spirvMagic uint32 = 0x07230203

// BindingKind classifies a resource binding declared by a kernel.
type BindingKind int

const (
	// BindingUniform is a uniform buffer.
	BindingUniform BindingKind = iota
	// BindingStorage is a read-write storage buffer.
	BindingStorage
	// BindingReadOnlyStorage is a read-only storage buffer.
	BindingReadOnlyStorage
	// BindingOpaque is a texture, sampler or other non-buffer resource.
	BindingOpaque
)

// String returns the string representation of BindingKind.
func (k BindingKind) String() string {
	switch k {
	case BindingUniform:
		return "Uniform"
	case BindingStorage:
		return "Storage"
	case BindingReadOnlyStorage:
		return "ReadOnlyStorage"
	case BindingOpaque:
		return "Opaque"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Binding is one resource declared by a kernel.
type Binding struct {
	Group   uint32
	Binding uint32
	Kind    BindingKind
}

// EntryPoint is a compute entry point and its declared workgroup size.
type EntryPoint struct {
	Name          string
	WorkgroupSize [3]uint32
}

// KernelProgram is a compiled compute program and its binding interface.
type KernelProgram struct {
	// SPIRV is the compiled program.
	SPIRV []uint32

	// EntryPoint is the selected compute entry point.
	EntryPoint EntryPoint

	// Bindings are the resources of group 0, sorted by binding.
	Bindings []Binding
}

// CompileKernel compiles WGSL source and derives the binding layout from
// the shader's intermediate representation.
//
// The program must declare a compute entry point named entryPoint and
// exactly one writable storage buffer, at group 0 binding 0.
func CompileKernel(source, entryPoint string) (*KernelProgram, error) {
	if entryPoint == "" {
		entryPoint = DefaultEntryPoint
	}

	ast, err := naga.Parse(source)
	if err != nil {
		return nil, gpuError(ErrShaderCompile, err, "compile kernel")
	}
	mod, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, gpuError(ErrShaderCompile, err, "compile kernel")
	}
	problems, err := naga.Validate(mod)
	if err != nil {
		return nil, gpuError(ErrShaderCompile, err, "validate kernel")
	}
	if len(problems) > 0 {
		return nil, gpuError(ErrShaderCompile, &problems[0], "validate kernel")
	}

	prog, err := reflectModule(mod, entryPoint)
	if err != nil {
		return nil, err
	}

	code, err := naga.GenerateSPIRV(mod, spirv.Options{Version: spirv.Version1_3})
	if err != nil {
		return nil, gpuError(ErrShaderCompile, err, "compile kernel")
	}
	prog.SPIRV, err = spirvWords(code)
	if err != nil {
		return nil, gpuError(ErrShaderCompile, err, "compile kernel")
	}
	return prog, nil
}

// reflectModule validates a lowered module against the pipeline shape.
func reflectModule(mod *ir.Module, entryPoint string) (*KernelProgram, error) {
	ep, ok := computeEntryPoint(mod, entryPoint)
	if !ok {
		return nil, gpuError(ErrPipelineCreation, nil, "kernel has no compute entry point %q", entryPoint)
	}

	bindings := moduleBindings(mod)
	for _, b := range bindings {
		if b.Group != 0 {
			return nil, gpuError(ErrPipelineCreation, nil,
				"kernel binds group %d; only group 0 is provided", b.Group)
		}
	}
	if len(bindings) != 1 || bindings[0].Binding != 0 || bindings[0].Kind != BindingStorage {
		return nil, gpuError(ErrPipelineCreation, nil,
			"kernel must declare exactly one read_write storage buffer at @group(0) @binding(0), found %s",
			describeBindings(bindings))
	}

	Logger().Debug("readback: kernel reflected",
		"entry_point", ep.Name,
		"workgroup_size", fmt.Sprint(ep.WorkgroupSize),
		"bindings", len(bindings))

	return &KernelProgram{EntryPoint: ep, Bindings: bindings}, nil
}

func computeEntryPoint(mod *ir.Module, name string) (EntryPoint, bool) {
	for _, ep := range mod.EntryPoints {
		if ep.Name == name && ep.Stage == ir.StageCompute {
			return EntryPoint{Name: ep.Name, WorkgroupSize: ep.Workgroup}, true
		}
	}
	return EntryPoint{}, false
}

// moduleBindings lists every bound global, sorted by group then binding.
func moduleBindings(mod *ir.Module) []Binding {
	var out []Binding
	for _, gv := range mod.GlobalVariables {
		if gv.Binding == nil {
			continue
		}
		kind := BindingOpaque
		switch gv.Space {
		case ir.SpaceUniform:
			kind = BindingUniform
		case ir.SpaceStorage:
			kind = BindingStorage
			if gv.Access == ir.StorageRead {
				kind = BindingReadOnlyStorage
			}
		}
		out = append(out, Binding{Group: gv.Binding.Group, Binding: gv.Binding.Binding, Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Binding < out[j].Binding
	})
	return out
}

// spirvWords converts the little-endian byte stream emitted by naga into
// the word form the HAL consumes.
func spirvWords(code []byte) ([]uint32, error) {
	if len(code) < 4 || len(code)%4 != 0 {
		return nil, fmt.Errorf("SPIR-V length %d is not a positive multiple of 4", len(code))
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	if words[0] != spirvMagic {
		return nil, fmt.Errorf("bad SPIR-V magic %#08x", words[0])
	}
	return words, nil
}

// layoutEntries converts the kernel's bindings into HAL layout entries.
func (k *KernelProgram) layoutEntries() []gputypes.BindGroupLayoutEntry {
	entries := make([]gputypes.BindGroupLayoutEntry, 0, len(k.Bindings))
	for _, b := range k.Bindings {
		var typ gputypes.BufferBindingType
		switch b.Kind {
		case BindingUniform:
			typ = gputypes.BufferBindingTypeUniform
		case BindingReadOnlyStorage:
			typ = gputypes.BufferBindingTypeReadOnlyStorage
		default:
			typ = gputypes.BufferBindingTypeStorage
		}
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    b.Binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: typ},
		})
	}
	return entries
}

func describeBindings(bs []Binding) string {
	if len(bs) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(bs))
	for _, b := range bs {
		parts = append(parts, fmt.Sprintf("%s@%d/%d", b.Kind, b.Group, b.Binding))
	}
	return strings.Join(parts, ", ")
}
