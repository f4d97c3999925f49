package gfxbridge

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gfxbridge/backend"
	"github.com/gogpu/gfxbridge/gpucore"
	"github.com/gogpu/gfxbridge/internal/binding"
	"github.com/gogpu/gfxbridge/internal/command"
	"github.com/gogpu/gfxbridge/shader"
)

// ShaderModuleDesc describes a shader module. WGSL source is compiled with
// the device shader compiler; otherwise SPIRV is used as is, together with
// the Reflection its producer reported.
type ShaderModuleDesc struct {
	Label      string
	WGSL       string
	SPIRV      []uint32
	Reflection shader.Reflection
}

// ShaderModule is a compiled shader module.
type ShaderModule struct {
	dev    *Device
	module *shader.Module
	native backend.ShaderModule
}

// Reflection returns the entry points and bindings of the module.
func (m *ShaderModule) Reflection() shader.Reflection { return m.module.Reflection }

// SetLayout is an immutable descriptor set layout.
type SetLayout struct {
	dev    *Device
	label  string
	layout *binding.SetLayout
}

// Entries returns the layout entries sorted by binding.
func (l *SetLayout) Entries() []gpucore.LayoutEntry { return l.layout.Entries() }

// PipelineLayout is an immutable ordered list of set layouts.
type PipelineLayout struct {
	dev    *Device
	label  string
	layout *binding.PipelineLayout
}

// Pipeline is a compute or render pipeline.
type Pipeline struct {
	dev       *Device
	p         *command.Pipeline
	destroyed bool
}

// Label returns the debug label.
func (p *Pipeline) Label() string { return p.p.Label }

// ComputePipelineDesc describes a compute pipeline.
type ComputePipelineDesc struct {
	Label      string
	Layout     *PipelineLayout
	Module     *ShaderModule
	EntryPoint string
}

// RenderPipelineDesc describes a render pipeline.
type RenderPipelineDesc struct {
	Label         string
	Layout        *PipelineLayout
	Vertex        *ShaderModule
	VertexEntry   string
	Fragment      *ShaderModule
	FragmentEntry string
	ColorFormats  []gputypes.TextureFormat
}

// CreateShaderModule compiles or wraps a shader module.
func (d *Device) CreateShaderModule(desc ShaderModuleDesc) (*ShaderModule, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	var (
		m   *shader.Module
		err error
	)
	if desc.WGSL != "" {
		m, err = d.compiler.Compile(desc.Label, desc.WGSL)
	} else {
		m, err = shader.Precompiled(desc.Label, desc.SPIRV, desc.Reflection)
	}
	if err != nil {
		return nil, classify(err)
	}

	var native backend.ShaderModule
	if d.explicit != nil {
		native, err = d.explicit.CreateShaderModule(desc.Label, m.SPIRV)
	} else {
		native, err = d.deferred.CreateShaderModule(desc.Label, m.SPIRV)
	}
	if err != nil {
		return nil, d.nativeErr(err)
	}
	return &ShaderModule{dev: d, module: m, native: native}, nil
}

// DestroyShaderModule destroys m. Pipelines created from m stay valid.
func (d *Device) DestroyShaderModule(m *ShaderModule) error {
	if m == nil || m.dev != d {
		return failf(ErrInvalidHandle, "destroy foreign shader module")
	}
	if m.native == nil {
		return failf(ErrInvalidHandle, "shader module %q already destroyed", m.module.Label)
	}
	if d.explicit != nil {
		d.explicit.DestroyShaderModule(m.native)
	} else {
		d.deferred.DestroyShaderModule(m.native)
	}
	m.native = nil
	return nil
}

// CreateSetLayout creates a set layout. Entries over the native limits fail
// with ErrCapabilityExceeded.
func (d *Device) CreateSetLayout(label string, entries ...gpucore.LayoutEntry) (*SetLayout, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	l, err := d.translator.NewSetLayout(entries)
	if err != nil {
		return nil, classify(err)
	}
	if d.explicit != nil {
		if l.Native, err = d.explicit.CreateSetLayout(label, l.Entries()); err != nil {
			return nil, d.nativeErr(err)
		}
	}
	return &SetLayout{dev: d, label: label, layout: l}, nil
}

// DestroySetLayout destroys l. Sets and pipeline layouts created from l stay
// valid.
func (d *Device) DestroySetLayout(l *SetLayout) error {
	if l == nil || l.dev != d {
		return failf(ErrInvalidHandle, "destroy foreign set layout")
	}
	if native := l.layout.Native; native != nil && d.explicit != nil {
		d.retire(func() { d.explicit.DestroySetLayout(native) })
	}
	return nil
}

// CreatePipelineLayout creates a pipeline layout from sets in index order.
func (d *Device) CreatePipelineLayout(label string, sets ...*SetLayout) (*PipelineLayout, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	layouts := make([]*binding.SetLayout, len(sets))
	for i, s := range sets {
		if s == nil || s.dev != d {
			return nil, failf(ErrInvalidHandle, "pipeline layout %q set %d is foreign", label, i)
		}
		layouts[i] = s.layout
	}
	l, err := d.translator.NewPipelineLayout(layouts)
	if err != nil {
		return nil, classify(err)
	}
	if d.explicit != nil {
		natives := make([]backend.SetLayout, len(layouts))
		for i, s := range layouts {
			natives[i] = s.Native
		}
		if l.Native, err = d.explicit.CreatePipelineLayout(label, natives); err != nil {
			return nil, d.nativeErr(err)
		}
	}
	return &PipelineLayout{dev: d, label: label, layout: l}, nil
}

// DestroyPipelineLayout destroys l. Pipelines created with l stay valid.
func (d *Device) DestroyPipelineLayout(l *PipelineLayout) error {
	if l == nil || l.dev != d {
		return failf(ErrInvalidHandle, "destroy foreign pipeline layout")
	}
	if native := l.layout.Native; native != nil && d.explicit != nil {
		d.retire(func() { d.explicit.DestroyPipelineLayout(native) })
	}
	return nil
}

// checkEntry verifies the module declares a name entry point of stage. Modules
// without reflected entry points are trusted.
func checkEntry(m *ShaderModule, name string, stage gpucore.ShaderStage) error {
	refl := m.module.Reflection
	if len(refl.EntryPoints) == 0 {
		return nil
	}
	ep, ok := refl.EntryPoint(name)
	if !ok {
		return failf(ErrLayoutMismatch, "module %q has no entry point %q", m.module.Label, name)
	}
	if ep.Stage != stage {
		return failf(ErrLayoutMismatch, "entry point %q is a %s shader, want %s", name, ep.Stage, stage)
	}
	return nil
}

func (d *Device) checkStage(l *PipelineLayout, m *ShaderModule, entry string, stage gpucore.ShaderStage) error {
	if m == nil || m.dev != d {
		return failf(ErrInvalidHandle, "foreign shader module")
	}
	if m.native == nil {
		return failf(ErrInvalidHandle, "shader module %q was destroyed", m.module.Label)
	}
	if err := checkEntry(m, entry, stage); err != nil {
		return err
	}
	return classify(binding.Validate(l.layout, m.module.Reflection, stage))
}

// CreateComputePipeline creates a compute pipeline. Shader binding usage is
// checked against the layout; mismatches fail with ErrLayoutMismatch.
func (d *Device) CreateComputePipeline(desc ComputePipelineDesc) (*Pipeline, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	if desc.Layout == nil || desc.Layout.dev != d {
		return nil, failf(ErrInvalidHandle, "pipeline %q has a foreign layout", desc.Label)
	}
	if err := d.checkStage(desc.Layout, desc.Module, desc.EntryPoint, gpucore.ShaderCompute); err != nil {
		return nil, err
	}

	var (
		native backend.Pipeline
		err    error
	)
	if d.explicit != nil {
		native, err = d.explicit.CreateComputePipeline(backend.ComputePipelineDesc{
			Label:      desc.Label,
			Layout:     desc.Layout.layout.Native,
			Module:     desc.Module.native,
			EntryPoint: desc.EntryPoint,
		})
	} else {
		native, err = d.deferred.CreateComputePipeline(desc.Label, desc.Module.native, desc.EntryPoint)
	}
	if err != nil {
		return nil, d.nativeErr(err)
	}
	return &Pipeline{dev: d, p: &command.Pipeline{
		Label:  desc.Label,
		Layout: desc.Layout.layout,
		Stages: gpucore.ShaderCompute,
		Native: native,
	}}, nil
}

// CreateRenderPipeline creates a render pipeline. Devices without
// gpucore.FeatureGraphics fail with ErrUnsupported.
func (d *Device) CreateRenderPipeline(desc RenderPipelineDesc) (*Pipeline, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	if !d.info.Features.Has(gpucore.FeatureGraphics) {
		return nil, failf(ErrUnsupported, "render pipeline %q: device has no graphics", desc.Label)
	}
	if desc.Layout == nil || desc.Layout.dev != d {
		return nil, failf(ErrInvalidHandle, "pipeline %q has a foreign layout", desc.Label)
	}
	if err := d.checkStage(desc.Layout, desc.Vertex, desc.VertexEntry, gpucore.ShaderVertex); err != nil {
		return nil, err
	}
	if err := d.checkStage(desc.Layout, desc.Fragment, desc.FragmentEntry, gpucore.ShaderFragment); err != nil {
		return nil, err
	}

	var (
		native backend.Pipeline
		err    error
	)
	if d.explicit != nil {
		native, err = d.explicit.CreateRenderPipeline(backend.RenderPipelineDesc{
			Label:         desc.Label,
			Layout:        desc.Layout.layout.Native,
			Vertex:        desc.Vertex.native,
			VertexEntry:   desc.VertexEntry,
			Fragment:      desc.Fragment.native,
			FragmentEntry: desc.FragmentEntry,
			ColorFormats:  desc.ColorFormats,
		})
	} else {
		native, err = d.deferred.CreateRenderPipeline(desc.Label,
			desc.Vertex.native, desc.VertexEntry, desc.Fragment.native, desc.FragmentEntry)
	}
	if err != nil {
		return nil, d.nativeErr(err)
	}
	return &Pipeline{dev: d, p: &command.Pipeline{
		Label:  desc.Label,
		Layout: desc.Layout.layout,
		Stages: gpucore.ShaderGraphics,
		Native: native,
	}}, nil
}

// DestroyPipeline destroys p once submitted work that may use it completed.
// Command buffers recorded with p and not yet submitted must not be submitted.
func (d *Device) DestroyPipeline(p *Pipeline) error {
	if p == nil || p.dev != d {
		return failf(ErrInvalidHandle, "destroy foreign pipeline")
	}
	if p.destroyed {
		return failf(ErrInvalidHandle, "pipeline %q already destroyed", p.p.Label)
	}
	p.destroyed = true
	native := p.p.Native
	d.retire(func() {
		if d.explicit != nil {
			d.explicit.DestroyPipeline(native)
			return
		}
		d.deferred.DestroyPipeline(native)
	})
	return nil
}
