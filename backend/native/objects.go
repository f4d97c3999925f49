package native

import (
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gfxbridge/gpucore"
)

// heap only tracks placements; HAL objects are dedicated.
type heap struct {
	size   uint64
	class  gpucore.MemoryClass
	placed int
	alive  bool
}

type buffer struct {
	label string
	size  uint64
	heap  *heap
	raw   hal.Buffer
}

type image struct {
	label  string
	extent gpucore.Extent
	format gputypes.TextureFormat
	heap   *heap
	raw    hal.Texture
	view   hal.TextureView
}

type sampler struct {
	raw hal.Sampler
}

type shaderModule struct {
	label string
	raw   hal.ShaderModule
}

type setLayout struct {
	label   string
	entries []gpucore.LayoutEntry
	raw     hal.BindGroupLayout
}

type pipelineLayout struct {
	label string
	sets  []*setLayout
	raw   hal.PipelineLayout
}

type pipeline struct {
	label   string
	compute bool
	cp      hal.ComputePipeline
	rp      hal.RenderPipeline
}

type set struct {
	label string
	raw   hal.BindGroup
}

type fence struct {
	raw hal.Fence
	// submitted is the highest value queued for signaling.
	submitted uint64
}

func bufferUsage(u gpucore.Usage, class gpucore.MemoryClass) gputypes.BufferUsage {
	var out gputypes.BufferUsage
	if u&gpucore.UsageCopySrc != 0 {
		out |= gputypes.BufferUsageCopySrc
	}
	if u&gpucore.UsageCopyDst != 0 {
		out |= gputypes.BufferUsageCopyDst
	}
	if u&gpucore.UsageVertex != 0 {
		out |= gputypes.BufferUsageVertex
	}
	if u&gpucore.UsageIndex != 0 {
		out |= gputypes.BufferUsageIndex
	}
	if u&gpucore.UsageIndirect != 0 {
		out |= gputypes.BufferUsageIndirect
	}
	if u&gpucore.UsageUniform != 0 {
		out |= gputypes.BufferUsageUniform
	}
	if u&(gpucore.UsageShaderRead|gpucore.UsageShaderWrite) != 0 {
		out |= gputypes.BufferUsageStorage
	}
	if class.Has(gpucore.MemoryHostVisible) || u&(gpucore.UsageHostRead|gpucore.UsageHostWrite) != 0 {
		out |= gputypes.BufferUsageMapRead | gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopyDst
	}
	return out
}

func textureDescriptor(label string, extent gpucore.Extent, format gputypes.TextureFormat, u gpucore.Usage) *hal.TextureDescriptor {
	desc := &hal.TextureDescriptor{
		Label:         label,
		Size:          hal.Extent3D{Width: extent.Width, Height: extent.Height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
	}
	if u&gpucore.UsageCopySrc != 0 {
		desc.Usage |= gputypes.TextureUsageCopySrc
	}
	if u&gpucore.UsageCopyDst != 0 {
		desc.Usage |= gputypes.TextureUsageCopyDst
	}
	if u&gpucore.UsageShaderRead != 0 {
		desc.Usage |= gputypes.TextureUsageTextureBinding
	}
	if u&gpucore.UsageShaderWrite != 0 {
		desc.Usage |= gputypes.TextureUsageStorageBinding
	}
	if u&(gpucore.UsageColorTarget|gpucore.UsageDepthRead|gpucore.UsageDepthWrite) != 0 {
		desc.Usage |= gputypes.TextureUsageRenderAttachment
	}
	return desc
}

// layoutEntry converts a buffer slot. Image and sampler slots report false.
func layoutEntry(e gpucore.LayoutEntry) (gputypes.BindGroupLayoutEntry, bool) {
	out := gputypes.BindGroupLayoutEntry{
		Binding:    e.Binding,
		Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment | gputypes.ShaderStageCompute,
	}
	if e.Stages != 0 {
		out.Visibility = 0
		if e.Stages&gpucore.ShaderVertex != 0 {
			out.Visibility |= gputypes.ShaderStageVertex
		}
		if e.Stages&gpucore.ShaderFragment != 0 {
			out.Visibility |= gputypes.ShaderStageFragment
		}
		if e.Stages&gpucore.ShaderCompute != 0 {
			out.Visibility |= gputypes.ShaderStageCompute
		}
	}
	layout := &gputypes.BufferBindingLayout{}
	switch e.Type {
	case gpucore.BindingUniformBuffer:
		layout.Type = gputypes.BufferBindingTypeUniform
	case gpucore.BindingStorageBuffer:
		layout.Type = gputypes.BufferBindingTypeStorage
	case gpucore.BindingReadOnlyStorageBuffer:
		layout.Type = gputypes.BufferBindingTypeReadOnlyStorage
	default:
		return out, false
	}
	out.Buffer = layout
	return out, true
}
