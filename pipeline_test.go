package gfxbridge

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gfxbridge/backend/host"
	"github.com/gogpu/gfxbridge/gpucore"
	"github.com/gogpu/gfxbridge/internal/command"
	"github.com/gogpu/gfxbridge/shader"
)

// testSPIRV is the smallest word stream the reference devices accept.
var testSPIRV = []uint32{0x07230203, 0x00010000, 0, 1, 0}

var doubleReflection = shader.Reflection{
	EntryPoints: []shader.EntryPoint{{Name: "double", Stage: gpucore.ShaderCompute, WorkgroupSize: [3]uint32{64, 1, 1}}},
	Bindings: []shader.BindingUsage{
		{Group: 0, Binding: 0, Name: "src", Type: gpucore.BindingReadOnlyStorageBuffer, Stages: gpucore.ShaderCompute},
		{Group: 0, Binding: 1, Name: "dst", Type: gpucore.BindingStorageBuffer, Stages: gpucore.ShaderCompute},
	},
}

var doubleEntries = []gpucore.LayoutEntry{
	{Binding: 0, Type: gpucore.BindingReadOnlyStorageBuffer, Stages: gpucore.ShaderCompute},
	{Binding: 1, Type: gpucore.BindingStorageBuffer, Stages: gpucore.ShaderCompute},
}

// slot returns where a kernel finds set/binding on this device.
func (r *rig) slot(t *testing.T, pl *PipelineLayout, set, binding uint32) host.Slot {
	t.Helper()
	if r.dev.explicit != nil {
		return host.Slot{Space: set, Index: binding}
	}
	class, reg, ok := pl.layout.Register(set, binding, 0)
	require.True(t, ok)
	return host.Slot{Space: uint32(class), Index: reg}
}

type computeRig struct {
	*rig
	layout   *SetLayout
	pl       *PipelineLayout
	pipeline *Pipeline
	src, dst Buffer
	set      *Set
}

// newCompute builds a pipeline whose kernel writes twice every src word into dst.
func newCompute(t *testing.T, r *rig) *computeRig {
	t.Helper()
	c := &computeRig{rig: r}
	var err error
	c.layout, err = r.dev.CreateSetLayout("double", doubleEntries...)
	require.NoError(t, err)
	c.pl, err = r.dev.CreatePipelineLayout("double", c.layout)
	require.NoError(t, err)
	mod, err := r.dev.CreateShaderModule(ShaderModuleDesc{Label: "double", SPIRV: testSPIRV, Reflection: doubleReflection})
	require.NoError(t, err)
	c.pipeline, err = r.dev.CreateComputePipeline(ComputePipelineDesc{Label: "double", Layout: c.pl, Module: mod, EntryPoint: "double"})
	require.NoError(t, err)
	require.NoError(t, r.dev.DestroyShaderModule(mod))

	in, out := r.slot(t, c.pl, 0, 0), r.slot(t, c.pl, 0, 1)
	r.native.RegisterKernel("double", func(inv *host.Invocation) error {
		src, dst := inv.Buffer(in.Space, in.Index), inv.Buffer(out.Space, out.Index)
		if src == nil || dst == nil {
			return errors.New("double: unbound buffer")
		}
		for i := 0; i+4 <= len(src) && i+4 <= len(dst); i += 4 {
			binary.LittleEndian.PutUint32(dst[i:], 2*binary.LittleEndian.Uint32(src[i:]))
		}
		return nil
	})

	c.src = r.buffer(t, "src", 256, gpucore.UsageShaderRead)
	c.dst = r.buffer(t, "dst", 256, gpucore.UsageShaderRead|gpucore.UsageShaderWrite)
	c.set, err = r.dev.CreateSet("double", c.layout,
		SetEntry{Binding: 0, Buffer: c.src},
		SetEntry{Binding: 1, Buffer: c.dst})
	require.NoError(t, err)
	return c
}

func (c *computeRig) dispatch(t *testing.T) *CommandBuffer {
	t.Helper()
	return c.record(t, "dispatch", func(cb *CommandBuffer) {
		cb.BindPipeline(c.pipeline)
		cb.BindSet(0, c.set)
		cb.Dispatch(1, 1, 1)
	})
}

func words(vals ...uint32) []byte {
	b := make([]byte, 256)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
	return b
}

func TestComputeDispatch(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		c := newCompute(t, r)
		require.NoError(t, r.dev.WriteBuffer(c.src, 0, words(1, 2, 3, 21)))

		cb := c.dispatch(t)
		r.submit(t, cb)
		assert.Equal(t, words(2, 4, 6, 42), r.read(t, c.dst, 256))

		require.NoError(t, r.dev.WriteBuffer(c.src, 0, words(5)))
		r.submit(t, cb)
		assert.Equal(t, words(10), r.read(t, c.dst, 256))
		assert.Empty(t, r.native.Violations())
	})
}

func TestUpdateSetInvalidatesRecordedBuffers(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		c := newCompute(t, r)
		other := r.buffer(t, "other", 256, gpucore.UsageShaderRead|gpucore.UsageShaderWrite)
		cb := c.dispatch(t)

		require.NoError(t, r.dev.UpdateSet(c.set, SetEntry{Binding: 1, Buffer: other}))
		err := r.dev.Queue().Submit(SubmitInfo{CommandBuffers: []*CommandBuffer{cb}})
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.Equal(t, StateInvalid, cb.State())

		require.NoError(t, r.dev.WriteBuffer(c.src, 0, words(4)))
		require.NoError(t, cb.Reset())
		require.NoError(t, cb.Begin())
		cb.BindPipeline(c.pipeline)
		cb.BindSet(0, c.set)
		cb.Dispatch(1, 1, 1)
		require.NoError(t, cb.End())
		r.submit(t, cb)
		assert.Equal(t, words(8), r.read(t, other, 256))
	})
}

func TestSetValidation(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		c := newCompute(t, r)
		uniformOnly := r.buffer(t, "uniform", 256, gpucore.UsageUniform)
		unbound, err := r.dev.CreateBuffer(BufferDesc{Label: "unbound", Size: 256, Usage: gpucore.UsageShaderRead})
		require.NoError(t, err)

		assert.ErrorIs(t, r.dev.UpdateSet(c.set, SetEntry{Binding: 7, Buffer: c.src}), ErrLayoutMismatch)
		assert.ErrorIs(t, r.dev.UpdateSet(c.set, SetEntry{Binding: 0, Buffer: uniformOnly}), ErrInvalidState)
		assert.ErrorIs(t, r.dev.UpdateSet(c.set, SetEntry{Binding: 0, Buffer: unbound}), ErrInvalidState)
		assert.ErrorIs(t, r.dev.UpdateSet(c.set, SetEntry{Binding: 0, Buffer: c.src, Offset: 4}), ErrInvalidState)
		assert.ErrorIs(t, r.dev.UpdateSet(c.set, SetEntry{Binding: 0, Buffer: c.src, Size: 512}), ErrInvalidState)
		assert.ErrorIs(t, r.dev.UpdateSet(c.set, SetEntry{Binding: 0, Buffer: Buffer{}}), ErrInvalidHandle)

		// A failed update writes nothing.
		require.NoError(t, r.dev.WriteBuffer(c.src, 0, words(3)))
		r.submit(t, c.dispatch(t))
		assert.Equal(t, words(6), r.read(t, c.dst, 256))
	})
}

func TestDestroyedResourceInSet(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		c := newCompute(t, r)
		require.NoError(t, r.dev.DestroyBuffer(c.src))

		cb, err := r.dev.CreateCommandBuffer(CommandBufferDesc{Label: "stale"})
		require.NoError(t, err)
		require.NoError(t, cb.Begin())
		cb.BindPipeline(c.pipeline)
		cb.BindSet(0, c.set)
		cb.Dispatch(1, 1, 1)
		assert.ErrorIs(t, cb.End(), ErrInvalidState)
	})
}

func TestDestroyedResourceAfterRecording(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		c := newCompute(t, r)
		cb := c.dispatch(t)
		require.NoError(t, r.dev.DestroyBuffer(c.dst))
		assert.ErrorIs(t, r.dev.Queue().Submit(SubmitInfo{CommandBuffers: []*CommandBuffer{cb}}), ErrInvalidState)
	})
}

func TestPipelineLayoutMismatch(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		layout, err := r.dev.CreateSetLayout("uniform",
			gpucore.LayoutEntry{Binding: 0, Type: gpucore.BindingUniformBuffer, Stages: gpucore.ShaderCompute})
		require.NoError(t, err)
		pl, err := r.dev.CreatePipelineLayout("uniform", layout)
		require.NoError(t, err)
		mod, err := r.dev.CreateShaderModule(ShaderModuleDesc{Label: "double", SPIRV: testSPIRV, Reflection: doubleReflection})
		require.NoError(t, err)

		_, err = r.dev.CreateComputePipeline(ComputePipelineDesc{Layout: pl, Module: mod, EntryPoint: "double"})
		assert.ErrorIs(t, err, ErrLayoutMismatch)
		_, err = r.dev.CreateComputePipeline(ComputePipelineDesc{Layout: pl, Module: mod, EntryPoint: "missing"})
		assert.ErrorIs(t, err, ErrLayoutMismatch)
		_, err = r.dev.CreateRenderPipeline(RenderPipelineDesc{
			Layout: pl, Vertex: mod, VertexEntry: "double", Fragment: mod, FragmentEntry: "double",
		})
		assert.ErrorIs(t, err, ErrLayoutMismatch)
	})
}

func TestShaderModuleErrors(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		_, err := r.dev.CreateShaderModule(ShaderModuleDesc{Label: "empty"})
		assert.ErrorIs(t, err, ErrInvalidState)
		_, err = r.dev.CreateShaderModule(ShaderModuleDesc{Label: "garbage", SPIRV: []uint32{1, 2, 3, 4, 5}})
		assert.ErrorIs(t, err, ErrUnsupported)

		mod, err := r.dev.CreateShaderModule(ShaderModuleDesc{Label: "ok", SPIRV: testSPIRV})
		require.NoError(t, err)
		require.NoError(t, r.dev.DestroyShaderModule(mod))
		assert.ErrorIs(t, r.dev.DestroyShaderModule(mod), ErrInvalidHandle)
	})
}

// storageEntries declares n storage buffer bindings.
func storageEntries(n int) []gpucore.LayoutEntry {
	entries := make([]gpucore.LayoutEntry, n)
	for i := range entries {
		entries[i] = gpucore.LayoutEntry{Binding: uint32(i), Type: gpucore.BindingStorageBuffer, Stages: gpucore.ShaderCompute}
	}
	return entries
}

func (r *rig) pipelineLayout(entries []gpucore.LayoutEntry) error {
	sl, err := r.dev.CreateSetLayout("limits", entries...)
	if err != nil {
		return err
	}
	_, err = r.dev.CreatePipelineLayout("limits", sl)
	return err
}

func TestLayoutLimits(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		// Both reference devices allow 8 storage buffers per stage.
		require.NoError(t, r.pipelineLayout(storageEntries(8)))
		assert.ErrorIs(t, r.pipelineLayout(storageEntries(9)), ErrCapabilityExceeded)
	})
}

func TestRenderPassClear(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		img, err := r.dev.CreateImage(ImageDesc{
			Label:  "target",
			Extent: gpucore.Extent{Width: 4, Height: 4},
			Format: gputypes.TextureFormatRGBA8Unorm,
			Usage:  gpucore.UsageColorTarget | gpucore.UsageCopySrc,
		})
		require.NoError(t, err)
		require.NoError(t, r.dev.BindImageMemory(img, nil))
		out := r.buffer(t, "readback", 64, gpucore.UsageCopyDst)

		cb := r.record(t, "clear", func(cb *CommandBuffer) {
			cb.BeginRenderPass([]Image{img}, &gpucore.Color{R: 1, A: 1})
			cb.EndRenderPass()
			cb.CopyImageToBuffer(img, out, gpucore.BufferImageCopy{Width: 4, Height: 4})
		})
		r.submit(t, cb)

		got := r.read(t, out, 64)
		for px := 0; px < 16; px++ {
			assert.Equal(t, []byte{255, 0, 0, 255}, got[px*4:px*4+4], "pixel %d", px)
		}
		assert.Empty(t, r.native.Violations())
	})
}

func TestImageUpload(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		img, err := r.dev.CreateImage(ImageDesc{
			Label:  "upload",
			Extent: gpucore.Extent{Width: 2, Height: 2},
			Format: gputypes.TextureFormatRGBA8Unorm,
			Usage:  gpucore.UsageCopyDst | gpucore.UsageCopySrc,
		})
		require.NoError(t, err)
		require.NoError(t, r.dev.BindImageMemory(img, nil))
		staging := r.buffer(t, "staging", 16, gpucore.UsageCopySrc)
		out := r.buffer(t, "readback", 16, gpucore.UsageCopyDst)

		texels := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
		require.NoError(t, r.dev.WriteBuffer(staging, 0, texels))
		region := gpucore.BufferImageCopy{Width: 2, Height: 2}
		r.submit(t, r.record(t, "upload", func(cb *CommandBuffer) {
			cb.CopyBufferToImage(staging, img, region)
			cb.CopyImageToBuffer(img, out, region)
		}))

		assert.Equal(t, texels, r.read(t, out, 16))
		assert.Empty(t, r.native.Violations())
	})
}

func TestRecordingErrorsSurfaceAtEnd(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		buf := r.buffer(t, "small", 16, gpucore.UsageCopyDst)
		cb, err := r.dev.CreateCommandBuffer(CommandBufferDesc{Label: "bad"})
		require.NoError(t, err)

		require.NoError(t, cb.Begin())
		cb.FillBuffer(buf, 0, 64, 0)
		assert.ErrorIs(t, cb.End(), ErrInvalidState)

		require.NoError(t, cb.Reset())
		require.NoError(t, cb.Begin())
		cb.Dispatch(1, 1, 1)
		assert.ErrorIs(t, cb.End(), ErrInvalidState)
	})
}

// barrierSpecs returns every barrier recorded into cb, in order.
func barrierSpecs(cb *CommandBuffer) []gpucore.BarrierSpec {
	var specs []gpucore.BarrierSpec
	for _, cmd := range cb.buf.Commands() {
		if b, ok := cmd.(command.BarrierCommand); ok {
			specs = append(specs, b.Specs...)
		}
	}
	return specs
}

func TestImageReadLayoutTransitions(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		img, err := r.dev.CreateImage(ImageDesc{
			Label:  "sampled",
			Extent: gpucore.Extent{Width: 2, Height: 2},
			Format: gputypes.TextureFormatRGBA8Unorm,
			Usage:  gpucore.UsageCopyDst | gpucore.UsageCopySrc | gpucore.UsageShaderRead,
		})
		require.NoError(t, err)
		require.NoError(t, r.dev.BindImageMemory(img, nil))
		staging := r.buffer(t, "staging", 16, gpucore.UsageCopySrc)
		out := r.buffer(t, "readback", 16, gpucore.UsageCopyDst)
		texels := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
		require.NoError(t, r.dev.WriteBuffer(staging, 0, texels))
		region := gpucore.BufferImageCopy{Width: 2, Height: 2}

		var before, afterRead int
		cb := r.record(t, "layouts", func(cb *CommandBuffer) {
			cb.CopyBufferToImage(staging, img, region)
			cb.CopyImageToBuffer(img, out, region)
			before = cb.Stats().Barriers
			cb.TransitionImage(img, gpucore.UsageShaderRead)
			afterRead = cb.Stats().Barriers
			cb.CopyBufferToImage(staging, img, region)
		})
		assert.Equal(t, before+1, afterRead, "transfer-src -> shader-read needs a layout barrier")

		specs := barrierSpecs(cb)
		require.Len(t, specs, 3)
		layout := specs[1]
		assert.Equal(t, gpucore.HazardLayout, layout.Hazard)
		assert.Equal(t, gpucore.LayoutTransferSrc, layout.OldLayout)
		assert.Equal(t, gpucore.LayoutShaderReadOnly, layout.NewLayout)

		war := specs[2]
		assert.Equal(t, gpucore.HazardWriteAfterRead, war.Hazard)
		assert.NotZero(t, war.SrcStages&gpucore.StageFragmentShader, "write must wait for the shader read")
		assert.Equal(t, gpucore.LayoutShaderReadOnly, war.OldLayout)

		r.submit(t, cb)
		assert.Equal(t, texels, r.read(t, out, 16))
		assert.Empty(t, r.native.Violations())
	})
}
