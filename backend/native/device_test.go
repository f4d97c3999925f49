package native

import (
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gfxbridge/backend"
	"github.com/gogpu/gfxbridge/gpucore"
)

// openNoop creates a noop-backed device for testing.
func openNoop(t *testing.T) *Device {
	t.Helper()
	d, err := OpenNoop()
	if err != nil {
		t.Fatalf("OpenNoop() error = %v", err)
	}
	t.Cleanup(d.Destroy)
	return d
}

func TestOpenNoop(t *testing.T) {
	d := openNoop(t)
	info := d.Info()
	if info.Model != backend.ModelExplicit {
		t.Errorf("Model = %v, want explicit", info.Model)
	}
	if info.Name != "hal noop device" {
		t.Errorf("Name = %q, want %q", info.Name, "hal noop device")
	}
	if !info.Features.Has(gpucore.FeatureTimelineFences | gpucore.FeatureNativeBarriers) {
		t.Errorf("Features = %v, want timeline fences and native barriers", info.Features.Names())
	}
	if info.Features.Has(gpucore.FeatureImageBindings) {
		t.Error("image bindings should not be reported")
	}
}

func TestNoopRegistered(t *testing.T) {
	if !backend.IsRegistered(backend.NameHALNoop) {
		t.Fatalf("%s should be registered", backend.NameHALNoop)
	}
	d, err := backend.Open(backend.NameHALNoop)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer d.Destroy()
	if _, ok := d.(backend.ExplicitDevice); !ok {
		t.Errorf("Open() = %T, want an explicit device", d)
	}
}

func TestNewRejectsNil(t *testing.T) {
	if _, err := New(nil, nil); !errors.Is(err, backend.ErrBackendNotAvailable) {
		t.Errorf("New(nil, nil) error = %v, want ErrBackendNotAvailable", err)
	}
}

func TestPlacement(t *testing.T) {
	d := openNoop(t)
	h, err := d.CreateHeap(4096, gpucore.MemoryUpload)
	if err != nil {
		t.Fatalf("CreateHeap() error = %v", err)
	}
	defer d.DestroyHeap(h)

	desc := backend.BufferDesc{Label: "b", Size: 100, Usage: gpucore.UsageCopyDst}
	size, align := d.BufferRequirements(desc)
	if size != 100 || align != placementAlign {
		t.Errorf("BufferRequirements() = %d, %d", size, align)
	}
	if _, err := d.CreateBuffer(desc, h, 8); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("misaligned CreateBuffer() error = %v, want ErrOutOfRange", err)
	}
	if _, err := d.CreateBuffer(desc, h, 4096); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("CreateBuffer() past the heap error = %v, want ErrOutOfRange", err)
	}
	b, err := d.CreateBuffer(desc, h, 256)
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	if hp := h.(*heap); hp.placed != 1 {
		t.Errorf("placed = %d, want 1", hp.placed)
	}
	d.DestroyBuffer(b)
	if hp := h.(*heap); hp.placed != 0 {
		t.Errorf("placed after destroy = %d, want 0", hp.placed)
	}
}

func TestHostAccess(t *testing.T) {
	d := openNoop(t)
	local, _ := d.CreateHeap(4096, gpucore.MemoryDeviceLocal)
	upload, _ := d.CreateHeap(4096, gpucore.MemoryUpload)
	desc := backend.BufferDesc{Label: "b", Size: 64, Usage: gpucore.UsageCopyDst}

	lb, err := d.CreateBuffer(desc, local, 0)
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	if err := d.WriteBuffer(lb, 0, []byte{1}); !errors.Is(err, ErrNotHostVisible) {
		t.Errorf("WriteBuffer(device-local) error = %v, want ErrNotHostVisible", err)
	}
	ub, err := d.CreateBuffer(desc, upload, 0)
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	if err := d.WriteBuffer(ub, 0, []byte{1, 2, 3, 4}); err != nil {
		t.Errorf("WriteBuffer() error = %v", err)
	}
	if err := d.ReadBuffer(ub, 60, make([]byte, 8)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("ReadBuffer() past the end error = %v, want ErrOutOfRange", err)
	}
}

func TestSetLayoutsBindBuffersOnly(t *testing.T) {
	d := openNoop(t)
	_, err := d.CreateSetLayout("images", []gpucore.LayoutEntry{{Binding: 0, Type: gpucore.BindingSampledImage}})
	if !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("CreateSetLayout(image) error = %v, want ErrUnsupported", err)
	}
	_, err = d.CreateSetLayout("array", []gpucore.LayoutEntry{{Binding: 0, Type: gpucore.BindingStorageBuffer, Count: 2}})
	if !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("CreateSetLayout(array) error = %v, want ErrUnsupported", err)
	}
	l, err := d.CreateSetLayout("buffers", []gpucore.LayoutEntry{
		{Binding: 0, Type: gpucore.BindingUniformBuffer, Stages: gpucore.ShaderCompute},
		{Binding: 1, Type: gpucore.BindingStorageBuffer},
	})
	if err != nil {
		t.Fatalf("CreateSetLayout() error = %v", err)
	}
	defer d.DestroySetLayout(l)

	_, err = d.CreateSet("bad", l, []backend.SetWrite{{Binding: 0, Type: gpucore.BindingSampler}})
	if !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("CreateSet(sampler) error = %v, want ErrUnsupported", err)
	}
}

// recordCopy records a fill and a copy between two placed buffers.
func recordCopy(t *testing.T, d *Device) backend.CommandBuffer {
	t.Helper()
	h, err := d.CreateHeap(1<<16, gpucore.MemoryDeviceLocal)
	if err != nil {
		t.Fatalf("CreateHeap() error = %v", err)
	}
	src, err := d.CreateBuffer(backend.BufferDesc{Label: "src", Size: 256, Usage: gpucore.UsageCopySrc | gpucore.UsageCopyDst}, h, 0)
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	dst, err := d.CreateBuffer(backend.BufferDesc{Label: "dst", Size: 256, Usage: gpucore.UsageCopyDst}, h, 256)
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	cb, err := d.CreateCommandBuffer("copy")
	if err != nil {
		t.Fatalf("CreateCommandBuffer() error = %v", err)
	}
	if err := cb.Begin(); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	cb.FillBuffer(src, 0, 256, 7)
	cb.PipelineBarrier([]backend.BufferBarrier{{Buffer: src, Spec: gpucore.BarrierSpec{
		SrcUsage: gpucore.UsageCopyDst, DstUsage: gpucore.UsageCopySrc,
	}}}, nil)
	cb.CopyBuffer(src, dst, []gpucore.BufferCopy{{Size: 256}})
	if err := cb.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	return cb
}

func TestSubmitSignalsFences(t *testing.T) {
	d := openNoop(t)
	cb := recordCopy(t, d)
	f, err := d.CreateFence()
	if err != nil {
		t.Fatalf("CreateFence() error = %v", err)
	}
	defer d.DestroyFence(f)

	if err := d.Submit([]backend.CommandBuffer{cb}, nil, []backend.FenceValue{{Fence: f, Value: 1}}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	reached, err := d.WaitFence(f, 1, time.Second)
	if err != nil || !reached {
		t.Fatalf("WaitFence() = %v, %v", reached, err)
	}
	if err := d.Submit(nil, []backend.FenceValue{{Fence: f, Value: 1}}, nil); err != nil {
		t.Errorf("Submit() waiting on a queued value error = %v", err)
	}
	if err := d.Submit(nil, []backend.FenceValue{{Fence: f, Value: 5}}, nil); !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("Submit() waiting on an unqueued value error = %v, want ErrUnsupported", err)
	}
	if err := d.WaitIdle(); err != nil {
		t.Errorf("WaitIdle() error = %v", err)
	}
	d.FreeCommandBuffer(cb)
}

func TestCommandBufferStates(t *testing.T) {
	d := openNoop(t)
	cb, _ := d.CreateCommandBuffer("states")
	if err := cb.End(); !errors.Is(err, backend.ErrNotRecording) {
		t.Errorf("End() before Begin error = %v, want ErrNotRecording", err)
	}
	if err := d.Submit([]backend.CommandBuffer{cb}, nil, nil); !errors.Is(err, backend.ErrNotRecording) {
		t.Errorf("Submit(initial) error = %v, want ErrNotRecording", err)
	}
	if err := cb.Begin(); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	cb.Dispatch(1, 1, 1)
	if err := cb.End(); !errors.Is(err, backend.ErrNotRecording) {
		t.Errorf("End() after dispatch without pipeline error = %v, want ErrNotRecording", err)
	}
	if err := cb.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := cb.Begin(); err != nil {
		t.Fatalf("Begin() after Reset error = %v", err)
	}
	if err := cb.End(); err != nil {
		t.Errorf("End() of empty buffer error = %v", err)
	}
	d.FreeCommandBuffer(cb)
	if err := cb.Reset(); !errors.Is(err, backend.ErrNotRecording) {
		t.Errorf("Reset() after free error = %v, want ErrNotRecording", err)
	}
}

func TestRenderPassClear(t *testing.T) {
	d := openNoop(t)
	h, _ := d.CreateHeap(1<<16, gpucore.MemoryDeviceLocal)
	img, err := d.CreateImage(backend.ImageDesc{
		Label:  "target",
		Extent: gpucore.Extent{Width: 4, Height: 4},
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gpucore.UsageColorTarget | gpucore.UsageCopySrc,
	}, h, 0)
	if err != nil {
		t.Fatalf("CreateImage() error = %v", err)
	}
	defer d.DestroyImage(img)

	cb, _ := d.CreateCommandBuffer("clear")
	if err := cb.Begin(); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	cb.BeginRenderPass([]backend.Image{img}, &gpucore.Color{R: 1, A: 1})
	cb.CopyBuffer(nil, nil, nil)
	cb.EndRenderPass()
	if err := cb.End(); !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("End() with a copy inside a pass error = %v, want ErrUnsupported", err)
	}

	if err := cb.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := cb.Begin(); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	cb.BeginRenderPass([]backend.Image{img}, &gpucore.Color{R: 1, A: 1})
	cb.EndRenderPass()
	if err := cb.End(); err != nil {
		t.Errorf("End() error = %v", err)
	}
	d.FreeCommandBuffer(cb)
}

func TestLose(t *testing.T) {
	d := openNoop(t)
	d.Lose(nil)
	if _, err := d.CreateFence(); !errors.Is(err, backend.ErrDeviceLost) {
		t.Errorf("CreateFence() after loss error = %v, want ErrDeviceLost", err)
	}
	if err := d.WaitIdle(); !errors.Is(err, backend.ErrDeviceLost) {
		t.Errorf("WaitIdle() after loss error = %v, want ErrDeviceLost", err)
	}
}
