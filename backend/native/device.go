package native

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gfxbridge/backend"
	"github.com/gogpu/gfxbridge/gpucore"
)

// idleTimeout bounds WaitIdle.
const idleTimeout = 10 * time.Second

const placementAlign = 256

// Errors returned by the HAL adapter.
var (
	// ErrWrongHandle is returned when a handle of another device or type is passed.
	ErrWrongHandle = errors.New("native: handle of wrong type")

	// ErrOutOfRange is returned for placements or host accesses outside an object.
	ErrOutOfRange = errors.New("native: range outside object")

	// ErrNotHostVisible is returned for host access to device-local memory.
	ErrNotHostVisible = errors.New("native: memory is not host visible")
)

// Device adapts a hal.Device and its queue to backend.ExplicitDevice.
//
// Thread safety: Device is safe for concurrent use. Command buffers are
// single-writer.
type Device struct {
	info  backend.AdapterInfo
	log   *slog.Logger
	dev   hal.Device
	queue hal.Queue
	// release tears down what Open created. Nil for borrowed devices.
	release func()

	// submitMu orders submissions and guards the device timeline.
	submitMu sync.Mutex
	timeline hal.Fence
	serial   uint64

	mu   sync.Mutex
	lost error
}

var _ backend.ExplicitDevice = (*Device)(nil)

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the device logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// WithName overrides the adapter name.
func WithName(name string) Option {
	return func(d *Device) { d.info.Name = name }
}

// New wraps an open HAL device and queue. The caller keeps ownership of both;
// Destroy releases only the objects the adapter created.
func New(dev hal.Device, queue hal.Queue, opts ...Option) (*Device, error) {
	if dev == nil || queue == nil {
		return nil, fmt.Errorf("%w: nil HAL device or queue", backend.ErrBackendNotAvailable)
	}
	lim := gputypes.DefaultLimits()
	limits := gpucore.DefaultSetLimits()
	limits.MinPlacementAlign = placementAlign
	if lim.MaxBufferSize > 0 && lim.MaxBufferSize < limits.MaxBufferSize {
		limits.MaxBufferSize = lim.MaxBufferSize
	}
	if lim.MaxTextureDimension2D > 0 {
		limits.MaxImageDimension = lim.MaxTextureDimension2D
	}
	if lim.MaxBindGroups > 0 && lim.MaxBindGroups < limits.MaxBoundSets {
		limits.MaxBoundSets = lim.MaxBindGroups
	}
	d := &Device{
		info: backend.AdapterInfo{
			Name:   "hal device",
			Driver: "gogpu/wgpu hal",
			Model:  backend.ModelExplicit,
			Limits: limits,
			Features: gpucore.FeatureNativeCommandBuffers | gpucore.FeatureNativeBarriers |
				gpucore.FeatureTimelineFences | gpucore.FeatureGraphics,
		},
		log:   slog.New(slog.DiscardHandler),
		dev:   dev,
		queue: queue,
	}
	for _, opt := range opts {
		opt(d)
	}
	tl, err := dev.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("native: create device timeline: %w", err)
	}
	d.timeline = tl
	return d, nil
}

// Open creates an instance of the HAL backend, opens its first discrete or
// integrated adapter (falling back to the first adapter) and wraps it.
func Open(api gputypes.Backend, opts ...Option) (*Device, error) {
	b, ok := hal.GetBackend(api)
	if !ok {
		return nil, fmt.Errorf("%w: HAL backend %v", backend.ErrBackendNotAvailable, api)
	}
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("native: create instance: %w", err)
	}
	return openInstance(instance, opts...)
}

func openInstance(instance hal.Instance, opts ...Option) (*Device, error) {
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("%w: no HAL adapters", backend.ErrBackendNotAvailable)
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("native: open adapter %q: %w", selected.Info.Name, err)
	}
	d, err := New(openDev.Device, openDev.Queue, append([]Option{WithName(selected.Info.Name)}, opts...)...)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	d.release = func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	d.log.Info("hal adapter opened", slog.String("adapter", selected.Info.Name))
	return d, nil
}

// Info implements backend.Device.
func (d *Device) Info() backend.AdapterInfo { return d.info }

// Destroy waits for the queue and releases the adapter's objects, and the HAL
// device itself when Open created it.
func (d *Device) Destroy() {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	if d.timeline == nil {
		return
	}
	if d.serial > 0 && d.lostErr() == nil {
		if _, err := d.dev.Wait(d.timeline, d.serial, idleTimeout); err != nil {
			d.log.Warn("hal device destroy", slog.String("error", err.Error()))
		}
	}
	d.dev.DestroyFence(d.timeline)
	d.timeline = nil
	if d.release != nil {
		d.release()
		d.release = nil
	}
}

// Lose marks the device lost. Every later call fails with backend.ErrDeviceLost.
func (d *Device) Lose(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost != nil {
		return
	}
	if cause == nil {
		cause = backend.ErrDeviceLost
	}
	if !errors.Is(cause, backend.ErrDeviceLost) {
		cause = fmt.Errorf("%w: %w", backend.ErrDeviceLost, cause)
	}
	d.lost = cause
	d.log.Warn("hal device lost", slog.String("cause", cause.Error()))
}

func (d *Device) lostErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// BufferRequirements implements backend.ExplicitDevice.
func (d *Device) BufferRequirements(desc backend.BufferDesc) (size, alignment uint64) {
	return alignUp(desc.Size, 4), placementAlign
}

// ImageRequirements implements backend.ExplicitDevice.
func (d *Device) ImageRequirements(desc backend.ImageDesc) (size, alignment uint64) {
	texel, ok := gpucore.BytesPerTexel(desc.Format)
	if !ok {
		texel = 4
	}
	return alignUp(uint64(desc.Extent.Width)*uint64(desc.Extent.Height)*uint64(texel), placementAlign), placementAlign
}

// CreateHeap implements backend.ExplicitDevice.
func (d *Device) CreateHeap(size uint64, class gpucore.MemoryClass) (backend.Heap, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: zero sized heap", ErrOutOfRange)
	}
	return &heap{size: size, class: class, alive: true}, nil
}

// DestroyHeap implements backend.ExplicitDevice.
func (d *Device) DestroyHeap(h backend.Heap) {
	if hp, ok := h.(*heap); ok {
		if hp.placed > 0 {
			d.log.Warn("heap destroyed with placed resources", slog.Int("placed", hp.placed))
		}
		hp.alive = false
	}
}

func (d *Device) place(h backend.Heap, offset, size, alignment uint64) (*heap, error) {
	hp, ok := h.(*heap)
	if !ok || !hp.alive {
		return nil, fmt.Errorf("%w: heap %T", ErrWrongHandle, h)
	}
	if offset%alignment != 0 {
		return nil, fmt.Errorf("%w: offset %d not aligned to %d", ErrOutOfRange, offset, alignment)
	}
	if offset+size > hp.size || offset+size < offset {
		return nil, fmt.Errorf("%w: [%d, +%d) in heap of %d bytes", ErrOutOfRange, offset, size, hp.size)
	}
	hp.placed++
	return hp, nil
}

// CreateBuffer implements backend.ExplicitDevice.
func (d *Device) CreateBuffer(desc backend.BufferDesc, h backend.Heap, offset uint64) (backend.Buffer, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	if desc.Size == 0 || desc.Size > d.info.Limits.MaxBufferSize {
		return nil, fmt.Errorf("%w: buffer %q size %d", ErrOutOfRange, desc.Label, desc.Size)
	}
	size, align := d.BufferRequirements(desc)
	hp, err := d.place(h, offset, size, align)
	if err != nil {
		return nil, err
	}
	raw, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  size,
		Usage: bufferUsage(desc.Usage, hp.class),
	})
	if err != nil {
		hp.placed--
		return nil, fmt.Errorf("%w: buffer %q: %w", backend.ErrOutOfMemory, desc.Label, err)
	}
	return &buffer{label: desc.Label, size: desc.Size, heap: hp, raw: raw}, nil
}

// DestroyBuffer implements backend.ExplicitDevice.
func (d *Device) DestroyBuffer(b backend.Buffer) {
	if buf, ok := b.(*buffer); ok && buf.heap != nil {
		d.dev.DestroyBuffer(buf.raw)
		buf.heap.placed--
		buf.heap = nil
	}
}

// CreateImage implements backend.ExplicitDevice.
func (d *Device) CreateImage(desc backend.ImageDesc, h backend.Heap, offset uint64) (backend.Image, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	if _, ok := gpucore.BytesPerTexel(desc.Format); !ok {
		return nil, fmt.Errorf("%w: image format %v", backend.ErrUnsupported, desc.Format)
	}
	limit := d.info.Limits.MaxImageDimension
	if desc.Extent.Width == 0 || desc.Extent.Height == 0 || desc.Extent.Width > limit || desc.Extent.Height > limit {
		return nil, fmt.Errorf("%w: image %q extent %dx%d", ErrOutOfRange, desc.Label, desc.Extent.Width, desc.Extent.Height)
	}
	size, align := d.ImageRequirements(desc)
	hp, err := d.place(h, offset, size, align)
	if err != nil {
		return nil, err
	}
	raw, err := d.dev.CreateTexture(textureDescriptor(desc.Label, desc.Extent, desc.Format, desc.Usage))
	if err != nil {
		hp.placed--
		return nil, fmt.Errorf("%w: image %q: %w", backend.ErrOutOfMemory, desc.Label, err)
	}
	view, err := d.dev.CreateTextureView(raw, &hal.TextureViewDescriptor{Label: desc.Label + "_view"})
	if err != nil {
		d.dev.DestroyTexture(raw)
		hp.placed--
		return nil, fmt.Errorf("native: view of image %q: %w", desc.Label, err)
	}
	return &image{label: desc.Label, extent: desc.Extent, format: desc.Format, heap: hp, raw: raw, view: view}, nil
}

// DestroyImage implements backend.ExplicitDevice.
func (d *Device) DestroyImage(i backend.Image) {
	if img, ok := i.(*image); ok && img.heap != nil {
		d.dev.DestroyTextureView(img.view)
		d.dev.DestroyTexture(img.raw)
		img.heap.placed--
		img.heap = nil
	}
}

// CreateSampler implements backend.ExplicitDevice.
func (d *Device) CreateSampler(desc backend.SamplerDesc) (backend.Sampler, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	sd := &hal.SamplerDescriptor{
		Label:        desc.Label,
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
	}
	if desc.Linear {
		sd.MagFilter = gputypes.FilterModeLinear
		sd.MinFilter = gputypes.FilterModeLinear
		sd.MipmapFilter = gputypes.FilterModeLinear
	}
	raw, err := d.dev.CreateSampler(sd)
	if err != nil {
		return nil, fmt.Errorf("native: sampler %q: %w", desc.Label, err)
	}
	return &sampler{raw: raw}, nil
}

// DestroySampler implements backend.ExplicitDevice.
func (d *Device) DestroySampler(s backend.Sampler) {
	if sm, ok := s.(*sampler); ok && sm.raw != nil {
		d.dev.DestroySampler(sm.raw)
		sm.raw = nil
	}
}

func (d *Device) hostBuffer(b backend.Buffer, offset uint64, n int) (*buffer, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	buf, ok := b.(*buffer)
	if !ok || buf.heap == nil {
		return nil, fmt.Errorf("%w: buffer %T", ErrWrongHandle, b)
	}
	if !buf.heap.class.Has(gpucore.MemoryHostVisible) {
		return nil, fmt.Errorf("%w: buffer %q in %s heap", ErrNotHostVisible, buf.label, buf.heap.class)
	}
	if offset+uint64(n) > buf.size {
		return nil, fmt.Errorf("%w: host access [%d, +%d) of buffer %q size %d", ErrOutOfRange, offset, n, buf.label, buf.size)
	}
	return buf, nil
}

// WriteBuffer implements backend.ExplicitDevice.
// The write goes through the HAL queue and lands before the next submission.
func (d *Device) WriteBuffer(b backend.Buffer, offset uint64, data []byte) error {
	buf, err := d.hostBuffer(b, offset, len(data))
	if err != nil {
		return err
	}
	if len(data) > 0 {
		d.queue.WriteBuffer(buf.raw, offset, data)
	}
	return nil
}

// ReadBuffer implements backend.ExplicitDevice.
func (d *Device) ReadBuffer(b backend.Buffer, offset uint64, dst []byte) error {
	buf, err := d.hostBuffer(b, offset, len(dst))
	if err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	if err := d.queue.ReadBuffer(buf.raw, offset, dst); err != nil {
		return fmt.Errorf("native: read buffer %q: %w", buf.label, err)
	}
	return nil
}

// CreateShaderModule implements backend.ExplicitDevice.
func (d *Device) CreateShaderModule(label string, spirv []uint32) (backend.ShaderModule, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	if len(spirv) == 0 {
		return nil, fmt.Errorf("%w: empty SPIR-V for shader module %q", backend.ErrUnsupported, label)
	}
	raw, err := d.dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: shader module %q: %w", backend.ErrUnsupported, label, err)
	}
	return &shaderModule{label: label, raw: raw}, nil
}

// DestroyShaderModule implements backend.ExplicitDevice.
func (d *Device) DestroyShaderModule(m backend.ShaderModule) {
	if sm, ok := m.(*shaderModule); ok && sm.raw != nil {
		d.dev.DestroyShaderModule(sm.raw)
		sm.raw = nil
	}
}

// CreateSetLayout implements backend.ExplicitDevice.
func (d *Device) CreateSetLayout(label string, entries []gpucore.LayoutEntry) (backend.SetLayout, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	out := make([]gputypes.BindGroupLayoutEntry, 0, len(entries))
	for _, e := range entries {
		entry, ok := layoutEntry(e)
		if !ok || e.Elements() > 1 {
			return nil, fmt.Errorf("%w: %s slot %d in set layout %q", backend.ErrUnsupported, e.Type, e.Binding, label)
		}
		out = append(out, entry)
	}
	raw, err := d.dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   label,
		Entries: out,
	})
	if err != nil {
		return nil, fmt.Errorf("native: set layout %q: %w", label, err)
	}
	return &setLayout{label: label, entries: append([]gpucore.LayoutEntry(nil), entries...), raw: raw}, nil
}

// DestroySetLayout implements backend.ExplicitDevice.
func (d *Device) DestroySetLayout(l backend.SetLayout) {
	if sl, ok := l.(*setLayout); ok && sl.raw != nil {
		d.dev.DestroyBindGroupLayout(sl.raw)
		sl.raw = nil
	}
}

// CreatePipelineLayout implements backend.ExplicitDevice.
func (d *Device) CreatePipelineLayout(label string, sets []backend.SetLayout) (backend.PipelineLayout, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	pl := &pipelineLayout{label: label}
	raws := make([]hal.BindGroupLayout, 0, len(sets))
	for i, s := range sets {
		sl, ok := s.(*setLayout)
		if !ok || sl.raw == nil {
			return nil, fmt.Errorf("%w: set layout %d is %T", ErrWrongHandle, i, s)
		}
		pl.sets = append(pl.sets, sl)
		raws = append(raws, sl.raw)
	}
	raw, err := d.dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label,
		BindGroupLayouts: raws,
	})
	if err != nil {
		return nil, fmt.Errorf("native: pipeline layout %q: %w", label, err)
	}
	pl.raw = raw
	return pl, nil
}

// DestroyPipelineLayout implements backend.ExplicitDevice.
func (d *Device) DestroyPipelineLayout(l backend.PipelineLayout) {
	if pl, ok := l.(*pipelineLayout); ok && pl.raw != nil {
		d.dev.DestroyPipelineLayout(pl.raw)
		pl.raw = nil
	}
}

func (d *Device) module(m backend.ShaderModule) (*shaderModule, error) {
	sm, ok := m.(*shaderModule)
	if !ok || sm.raw == nil {
		return nil, fmt.Errorf("%w: shader module %T", ErrWrongHandle, m)
	}
	return sm, nil
}

// CreateComputePipeline implements backend.ExplicitDevice.
func (d *Device) CreateComputePipeline(desc backend.ComputePipelineDesc) (backend.Pipeline, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	pl, ok := desc.Layout.(*pipelineLayout)
	if !ok || pl.raw == nil {
		return nil, fmt.Errorf("%w: pipeline layout %T", ErrWrongHandle, desc.Layout)
	}
	sm, err := d.module(desc.Module)
	if err != nil {
		return nil, err
	}
	raw, err := d.dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  desc.Label,
		Layout: pl.raw,
		Compute: hal.ComputeState{
			Module:     sm.raw,
			EntryPoint: desc.EntryPoint,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("native: compute pipeline %q: %w", desc.Label, err)
	}
	return &pipeline{label: desc.Label, compute: true, cp: raw}, nil
}

// CreateRenderPipeline implements backend.ExplicitDevice.
func (d *Device) CreateRenderPipeline(desc backend.RenderPipelineDesc) (backend.Pipeline, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	pl, ok := desc.Layout.(*pipelineLayout)
	if !ok || pl.raw == nil {
		return nil, fmt.Errorf("%w: pipeline layout %T", ErrWrongHandle, desc.Layout)
	}
	vs, err := d.module(desc.Vertex)
	if err != nil {
		return nil, err
	}
	fs, err := d.module(desc.Fragment)
	if err != nil {
		return nil, err
	}
	targets := make([]gputypes.ColorTargetState, len(desc.ColorFormats))
	for i, f := range desc.ColorFormats {
		targets[i] = gputypes.ColorTargetState{Format: f, WriteMask: gputypes.ColorWriteMaskAll}
	}
	raw, err := d.dev.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  desc.Label,
		Layout: pl.raw,
		Vertex: hal.VertexState{
			Module:     vs.raw,
			EntryPoint: desc.VertexEntry,
		},
		Fragment: &hal.FragmentState{
			Module:     fs.raw,
			EntryPoint: desc.FragmentEntry,
			Targets:    targets,
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("native: render pipeline %q: %w", desc.Label, err)
	}
	return &pipeline{label: desc.Label, rp: raw}, nil
}

// DestroyPipeline implements backend.ExplicitDevice.
func (d *Device) DestroyPipeline(p backend.Pipeline) {
	pp, ok := p.(*pipeline)
	if !ok {
		return
	}
	if pp.cp != nil {
		d.dev.DestroyComputePipeline(pp.cp)
		pp.cp = nil
	}
	if pp.rp != nil {
		d.dev.DestroyRenderPipeline(pp.rp)
		pp.rp = nil
	}
}

// CreateSet implements backend.ExplicitDevice.
func (d *Device) CreateSet(label string, layout backend.SetLayout, writes []backend.SetWrite) (backend.Set, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	sl, ok := layout.(*setLayout)
	if !ok || sl.raw == nil {
		return nil, fmt.Errorf("%w: set layout %T", ErrWrongHandle, layout)
	}
	entries := make([]gputypes.BindGroupEntry, 0, len(writes))
	for _, w := range writes {
		if !w.Type.IsBuffer() {
			return nil, fmt.Errorf("%w: %s write to set %q", backend.ErrUnsupported, w.Type, label)
		}
		buf, ok := w.Buffer.(*buffer)
		if !ok || buf.heap == nil {
			return nil, fmt.Errorf("%w: buffer %T", ErrWrongHandle, w.Buffer)
		}
		if w.Offset+w.Size > buf.size {
			return nil, fmt.Errorf("%w: binding %d range of buffer %q", ErrOutOfRange, w.Binding, buf.label)
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding: w.Binding,
			Resource: gputypes.BufferBinding{
				Buffer: buf.raw.NativeHandle(),
				Offset: w.Offset,
				Size:   w.Size,
			},
		})
	}
	raw, err := d.dev.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   label,
		Layout:  sl.raw,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("native: set %q: %w", label, err)
	}
	return &set{label: label, raw: raw}, nil
}

// DestroySet implements backend.ExplicitDevice.
func (d *Device) DestroySet(s backend.Set) {
	if st, ok := s.(*set); ok && st.raw != nil {
		d.dev.DestroyBindGroup(st.raw)
		st.raw = nil
	}
}

// CreateCommandBuffer implements backend.ExplicitDevice.
func (d *Device) CreateCommandBuffer(label string) (backend.CommandBuffer, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	return &commandBuffer{dev: d, label: label}, nil
}

// FreeCommandBuffer implements backend.ExplicitDevice.
func (d *Device) FreeCommandBuffer(cb backend.CommandBuffer) {
	if c, ok := cb.(*commandBuffer); ok {
		c.discard()
		c.state = cbFreed
	}
}

// CreateFence implements backend.ExplicitDevice.
func (d *Device) CreateFence() (backend.Fence, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	raw, err := d.dev.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("native: create fence: %w", err)
	}
	return &fence{raw: raw}, nil
}

// DestroyFence implements backend.ExplicitDevice.
func (d *Device) DestroyFence(f backend.Fence) {
	if fc, ok := f.(*fence); ok && fc.raw != nil {
		d.dev.DestroyFence(fc.raw)
		fc.raw = nil
	}
}

// WaitFence implements backend.ExplicitDevice.
func (d *Device) WaitFence(f backend.Fence, value uint64, timeout time.Duration) (bool, error) {
	fc, ok := f.(*fence)
	if !ok || fc.raw == nil {
		return false, fmt.Errorf("%w: fence %T", ErrWrongHandle, f)
	}
	if err := d.lostErr(); err != nil {
		return false, err
	}
	reached, err := d.dev.Wait(fc.raw, value, timeout)
	if err != nil {
		d.Lose(err)
		return false, d.lostErr()
	}
	return reached, nil
}

func (d *Device) fences(vals []backend.FenceValue) ([]*fence, error) {
	out := make([]*fence, len(vals))
	for i, v := range vals {
		fc, ok := v.Fence.(*fence)
		if !ok || fc.raw == nil {
			return nil, fmt.Errorf("%w: fence %T", ErrWrongHandle, v.Fence)
		}
		out[i] = fc
	}
	return out, nil
}

// Submit implements backend.ExplicitDevice.
func (d *Device) Submit(cbs []backend.CommandBuffer, waits, signals []backend.FenceValue) error {
	if err := d.lostErr(); err != nil {
		return err
	}
	raws := make([]hal.CommandBuffer, 0, len(cbs))
	for _, cb := range cbs {
		c, ok := cb.(*commandBuffer)
		if !ok {
			return fmt.Errorf("%w: command buffer %T", ErrWrongHandle, cb)
		}
		if c.state != cbExecutable {
			return fmt.Errorf("%w: submit %s command buffer %q", backend.ErrNotRecording, c.state, c.label)
		}
		raws = append(raws, c.raw)
	}
	wf, err := d.fences(waits)
	if err != nil {
		return err
	}
	sf, err := d.fences(signals)
	if err != nil {
		return err
	}

	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	for i, f := range wf {
		if waits[i].Value > f.submitted {
			return fmt.Errorf("%w: wait for fence value %d never queued", backend.ErrUnsupported, waits[i].Value)
		}
	}
	d.serial++
	if err := d.queue.Submit(raws, d.timeline, d.serial); err != nil {
		d.Lose(err)
		return d.lostErr()
	}
	for i, f := range sf {
		if err := d.queue.Submit(nil, f.raw, signals[i].Value); err != nil {
			d.Lose(err)
			return d.lostErr()
		}
		f.submitted = max(f.submitted, signals[i].Value)
	}
	return nil
}

// WaitIdle implements backend.ExplicitDevice.
func (d *Device) WaitIdle() error {
	if err := d.lostErr(); err != nil {
		return err
	}
	d.submitMu.Lock()
	serial := d.serial
	d.submitMu.Unlock()
	if serial == 0 {
		return nil
	}
	reached, err := d.dev.Wait(d.timeline, serial, idleTimeout)
	if err != nil {
		d.Lose(err)
		return d.lostErr()
	}
	if !reached {
		return fmt.Errorf("%w: queue not idle after %v", backend.ErrDeviceLost, idleTimeout)
	}
	return nil
}
