package readback

import (
	"errors"
	"testing"

	"github.com/gogpu/naga/ir"

	"github.com/gogpu/readback/internal/kernels"
)

func compileOrSkip(t *testing.T, source, entryPoint string) (*KernelProgram, error) {
	t.Helper()
	prog, err := CompileKernel(source, entryPoint)
	if errors.Is(err, ErrShaderCompile) && isNotImplemented(err) {
		t.Skipf("naga limitation: %v", err)
	}
	return prog, err
}

func TestCompileEmbeddedKernels(t *testing.T) {
	for _, name := range kernels.Names() {
		t.Run(name, func(t *testing.T) {
			src, err := kernels.Source(name)
			if err != nil {
				t.Fatalf("Source: %v", err)
			}
			prog, err := compileOrSkip(t, src, "")
			if err != nil {
				t.Fatalf("CompileKernel: %v", err)
			}
			if prog.EntryPoint.Name != DefaultEntryPoint {
				t.Errorf("entry point = %q, want %q", prog.EntryPoint.Name, DefaultEntryPoint)
			}
			if len(prog.Bindings) != 1 {
				t.Fatalf("bindings = %v, want one", prog.Bindings)
			}
			b := prog.Bindings[0]
			if b.Group != 0 || b.Binding != 0 || b.Kind != BindingStorage {
				t.Errorf("binding = %+v, want read_write storage at 0/0", b)
			}
			if prog.EntryPoint.WorkgroupSize != [3]uint32{1, 1, 1} {
				t.Errorf("workgroup size = %v, want [1 1 1]", prog.EntryPoint.WorkgroupSize)
			}
			if len(prog.SPIRV) < 5 || prog.SPIRV[0] != spirvMagic {
				t.Errorf("SPIR-V does not start with the magic number")
			}
			entries := prog.layoutEntries()
			if len(entries) != 1 || entries[0].Buffer == nil {
				t.Fatalf("layout entries = %+v", entries)
			}
		})
	}
}

func TestCompileKernelRejects(t *testing.T) {
	tests := []struct {
		name       string
		source     string
		entryPoint string
		want       error
	}{
		{
			name:   "syntax error",
			source: "this is not wgsl",
			want:   ErrShaderCompile,
		},
		{
			name: "wrong entry point",
			source: `@group(0) @binding(0) var<storage, read_write> out: array<u32, 1>;
@compute @workgroup_size(1)
fn main() { out[0] = 1u; }`,
			entryPoint: "other",
			want:       ErrPipelineCreation,
		},
		{
			name: "read-only storage",
			source: `@group(0) @binding(0) var<storage, read> data: array<u32, 1>;
@group(0) @binding(1) var<storage, read_write> out: array<u32, 1>;
@compute @workgroup_size(1)
fn main() { out[0] = data[0]; }`,
			want: ErrPipelineCreation,
		},
		{
			name: "second group",
			source: `@group(0) @binding(0) var<storage, read_write> out: array<u32, 1>;
@group(1) @binding(0) var<storage, read_write> extra: array<u32, 1>;
@compute @workgroup_size(1)
fn main() { out[0] = extra[0]; }`,
			want: ErrPipelineCreation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compileOrSkip(t, tt.source, tt.entryPoint)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func storageGlobal(group, binding uint32, access ir.StorageAccessMode) ir.GlobalVariable {
	return ir.GlobalVariable{
		Name:    "buf",
		Space:   ir.SpaceStorage,
		Access:  access,
		Binding: &ir.ResourceBinding{Group: group, Binding: binding},
	}
}

func TestReflectModule(t *testing.T) {
	compute := ir.EntryPoint{Name: "main", Stage: ir.StageCompute, Workgroup: [3]uint32{64, 1, 1}}

	tests := []struct {
		name    string
		mod     *ir.Module
		wantErr bool
	}{
		{
			name: "single writable storage buffer",
			mod: &ir.Module{
				GlobalVariables: []ir.GlobalVariable{
					{Name: "scratch", Space: ir.SpacePrivate},
					storageGlobal(0, 0, ir.StorageReadWrite),
				},
				EntryPoints: []ir.EntryPoint{compute},
			},
		},
		{
			name: "vertex entry point only",
			mod: &ir.Module{
				GlobalVariables: []ir.GlobalVariable{storageGlobal(0, 0, ir.StorageReadWrite)},
				EntryPoints:     []ir.EntryPoint{{Name: "main", Stage: ir.StageVertex}},
			},
			wantErr: true,
		},
		{
			name: "read-only storage buffer",
			mod: &ir.Module{
				GlobalVariables: []ir.GlobalVariable{storageGlobal(0, 0, ir.StorageRead)},
				EntryPoints:     []ir.EntryPoint{compute},
			},
			wantErr: true,
		},
		{
			name: "uniform buffer",
			mod: &ir.Module{
				GlobalVariables: []ir.GlobalVariable{{
					Name: "params", Space: ir.SpaceUniform,
					Binding: &ir.ResourceBinding{Group: 0, Binding: 0},
				}},
				EntryPoints: []ir.EntryPoint{compute},
			},
			wantErr: true,
		},
		{
			name: "binding 1",
			mod: &ir.Module{
				GlobalVariables: []ir.GlobalVariable{storageGlobal(0, 1, ir.StorageReadWrite)},
				EntryPoints:     []ir.EntryPoint{compute},
			},
			wantErr: true,
		},
		{
			name:    "no bindings",
			mod:     &ir.Module{EntryPoints: []ir.EntryPoint{compute}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog, err := reflectModule(tt.mod, "main")
			if tt.wantErr {
				if !errors.Is(err, ErrPipelineCreation) {
					t.Errorf("error = %v, want ErrPipelineCreation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("reflectModule: %v", err)
			}
			if prog.EntryPoint.WorkgroupSize != [3]uint32{64, 1, 1} {
				t.Errorf("workgroup size = %v", prog.EntryPoint.WorkgroupSize)
			}
			if len(prog.Bindings) != 1 || prog.Bindings[0].Kind != BindingStorage {
				t.Errorf("bindings = %+v", prog.Bindings)
			}
		})
	}
}

func TestModuleBindingsSorted(t *testing.T) {
	mod := &ir.Module{GlobalVariables: []ir.GlobalVariable{
		storageGlobal(1, 0, ir.StorageReadWrite),
		storageGlobal(0, 2, ir.StorageRead),
		{Name: "tex", Space: ir.SpaceHandle, Binding: &ir.ResourceBinding{Group: 0, Binding: 1}},
		storageGlobal(0, 0, ir.StorageReadWrite),
	}}

	got := moduleBindings(mod)
	want := []Binding{
		{Group: 0, Binding: 0, Kind: BindingStorage},
		{Group: 0, Binding: 1, Kind: BindingOpaque},
		{Group: 0, Binding: 2, Kind: BindingReadOnlyStorage},
		{Group: 1, Binding: 0, Kind: BindingStorage},
	}
	if len(got) != len(want) {
		t.Fatalf("bindings = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("binding %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if s := describeBindings(got[:2]); s != "Storage@0/0, Opaque@0/1" {
		t.Errorf("describeBindings = %q", s)
	}
}

func TestSPIRVWords(t *testing.T) {
	words, err := spirvWords([]byte{0x03, 0x02, 0x23, 0x07, 0x00, 0x03, 0x01, 0x00})
	if err != nil {
		t.Fatalf("spirvWords: %v", err)
	}
	if len(words) != 2 || words[0] != spirvMagic || words[1] != 0x00010300 {
		t.Errorf("words = %#x", words)
	}

	for _, bad := range [][]byte{nil, {0x03, 0x02, 0x23}, {0xEF, 0xBE, 0xAD, 0xDE}} {
		if _, err := spirvWords(bad); err == nil {
			t.Errorf("spirvWords(%x) succeeded", bad)
		}
	}
}

func TestBindingKindString(t *testing.T) {
	if BindingReadOnlyStorage.String() != "ReadOnlyStorage" || BindingKind(9).String() != "Unknown(9)" {
		t.Errorf("unexpected BindingKind strings")
	}
}

func TestBuildResourcesCompileError(t *testing.T) {
	dev, _, _ := newTestDevice(t)
	_, err := BuildResources(dev, "fn broken(")
	if !errors.Is(err, ErrShaderCompile) {
		t.Errorf("error = %v, want ErrShaderCompile", err)
	}
}
