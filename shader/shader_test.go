package shader

import (
	"errors"
	"testing"

	"github.com/gogpu/gfxbridge/gpucore"
)

const copyShader = `
// Copies src into dst, one word per invocation.
@group(0) @binding(0) var<storage, read> src: array<u32>;
@group(0) @binding(1) var<storage, read_write> dst: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    dst[id.x] = src[id.x];
}
`

const textureShader = `
struct Params {
    scale: vec4<f32>,
}

@group(0) @binding(0) var<uniform> params: Params;
@group(1) @binding(1) var samp: sampler;
@binding(0) @group(1) var tex: texture_2d<f32>;
@group(1) @binding(2) var img: texture_storage_2d<rgba8unorm, write>;

struct VOut {
    @builtin(position) pos: vec4<f32>,
    @location(0) uv: vec2<f32>,
}

@vertex
fn vs_main(@builtin(vertex_index) i: u32) -> VOut {
    var out: VOut;
    out.pos = vec4<f32>(0.0, 0.0, 0.0, 1.0);
    out.uv = vec2<f32>(0.0, 0.0);
    return out;
}

@fragment
fn fs_main(in: VOut) -> @location(0) vec4<f32> {
    return textureSample(tex, samp, in.uv) * params.scale;
}
`

func TestReflect_Compute(t *testing.T) {
	refl, err := Reflect(copyShader)
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if len(refl.EntryPoints) != 1 {
		t.Fatalf("entry points = %+v, want 1", refl.EntryPoints)
	}
	ep := refl.EntryPoints[0]
	if ep.Name != "main" || ep.Stage != gpucore.ShaderCompute || ep.WorkgroupSize != [3]uint32{64, 1, 1} {
		t.Errorf("entry point = %+v", ep)
	}

	want := []BindingUsage{
		{Group: 0, Binding: 0, Name: "src", Type: gpucore.BindingReadOnlyStorageBuffer, Stages: gpucore.ShaderCompute},
		{Group: 0, Binding: 1, Name: "dst", Type: gpucore.BindingStorageBuffer, Stages: gpucore.ShaderCompute},
	}
	if len(refl.Bindings) != len(want) {
		t.Fatalf("bindings = %+v", refl.Bindings)
	}
	for i := range want {
		if refl.Bindings[i] != want[i] {
			t.Errorf("binding %d = %+v, want %+v", i, refl.Bindings[i], want[i])
		}
	}
}

func TestReflect_Graphics(t *testing.T) {
	refl, err := Reflect(textureShader)
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if refl.Stages() != gpucore.ShaderGraphics {
		t.Errorf("Stages = %s, want vertex|fragment", refl.Stages())
	}
	if _, ok := refl.EntryPoint("fs_main"); !ok {
		t.Error("fs_main not found")
	}

	types := map[string]gpucore.BindingType{}
	for _, b := range refl.Bindings {
		types[b.Name] = b.Type
	}
	wantTypes := map[string]gpucore.BindingType{
		"params": gpucore.BindingUniformBuffer,
		"samp":   gpucore.BindingSampler,
		"tex":    gpucore.BindingSampledImage,
		"img":    gpucore.BindingStorageImage,
	}
	for name, want := range wantTypes {
		if got, ok := types[name]; !ok || got != want {
			t.Errorf("%s: type = %v (found %v), want %v", name, got, ok, want)
		}
	}
	// Sorted by group then binding.
	if refl.Bindings[0].Name != "params" || refl.Bindings[1].Name != "tex" {
		t.Errorf("binding order = %+v", refl.Bindings)
	}
}

func TestReflect_Unsupported(t *testing.T) {
	_, err := Reflect(`@group(0) @binding(0) var<workgroup> scratch: array<u32, 64>;`)
	if !errors.Is(err, ErrReflection) {
		t.Errorf("error = %v, want ErrReflection", err)
	}
}

func TestNagaCompiler_CompileAndCache(t *testing.T) {
	c := NewNagaCompiler(4, nil)

	m, err := c.Compile("copy", copyShader)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(m.SPIRV) == 0 {
		t.Fatal("empty SPIR-V")
	}
	// SPIR-V magic number.
	if m.SPIRV[0] != 0x07230203 {
		t.Errorf("SPIR-V magic = %#x, want 0x07230203", m.SPIRV[0])
	}
	if len(m.Reflection.Bindings) != 2 {
		t.Errorf("bindings = %d, want 2", len(m.Reflection.Bindings))
	}

	again, err := c.Compile("copy-again", copyShader)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if again.Label != "copy-again" {
		t.Errorf("Label = %q", again.Label)
	}
	if s := c.CacheStats(); s.Hits != 1 || s.Misses != 1 {
		t.Errorf("cache stats = %+v, want 1 hit 1 miss", s)
	}
}

func TestNagaCompiler_Errors(t *testing.T) {
	c := NewNagaCompiler(0, nil)
	if _, err := c.Compile("empty", ""); !errors.Is(err, ErrEmptySource) {
		t.Errorf("empty source error = %v, want ErrEmptySource", err)
	}
	if _, err := c.Compile("broken", "@compute @workgroup_size(1) fn main() { let x: u32 = ; }"); !errors.Is(err, ErrCompile) {
		t.Errorf("broken source error = %v, want ErrCompile", err)
	}
}

func TestPrecompiled(t *testing.T) {
	if _, err := Precompiled("none", nil, Reflection{}); !errors.Is(err, ErrEmptySource) {
		t.Errorf("error = %v, want ErrEmptySource", err)
	}
	m, err := Precompiled("ok", []uint32{0x07230203}, Reflection{EntryPoints: []EntryPoint{{Name: "main", Stage: gpucore.ShaderCompute}}})
	if err != nil || m.Label != "ok" {
		t.Fatalf("Precompiled = %+v, %v", m, err)
	}
}
