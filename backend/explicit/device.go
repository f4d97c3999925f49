package explicit

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gogpu/gfxbridge/backend"
	"github.com/gogpu/gfxbridge/backend/host"
	"github.com/gogpu/gfxbridge/gpucore"
)

// spirvMagic is the first word of every SPIR-V module.
const spirvMagic = 0x07230203

const imageAlignment = 512

// Errors returned by the explicit reference device.
var (
	// ErrWrongHandle is returned when a handle of another device or type is passed.
	ErrWrongHandle = errors.New("explicit: handle of wrong type")

	// ErrOutOfRange is returned for placements or host accesses outside an object.
	ErrOutOfRange = errors.New("explicit: range outside object")

	// ErrNotHostVisible is returned for host access to device-local memory.
	ErrNotHostVisible = errors.New("explicit: memory is not host visible")

	// ErrRecording is returned for command buffer calls illegal in the
	// current recording state.
	ErrRecording = errors.New("explicit: command buffer recording state")
)

// Device is a host-memory implementation of the explicit native model.
//
// Heaps are byte slices, command buffers record host operations, and a single
// executor goroutine plays the in-order hardware queue. A validation layer
// checks every executed access against the barriers that preceded it and
// records a violation for each missing barrier or wrong image layout.
//
// Thread safety: Device is safe for concurrent use. Command buffers are
// single-writer.
type Device struct {
	info    backend.AdapterInfo
	log     *slog.Logger
	exec    *host.Executor
	kernels host.Kernels

	mu         sync.Mutex
	lost       error
	lostCh     chan struct{}
	violations []string

	// Executor-owned counters, read under mu.
	submissions uint64
	barriers    uint64
}

var _ backend.ExplicitDevice = (*Device)(nil)

// Option configures a Device.
type Option func(*Device)

// WithLimits overrides the reported limits.
func WithLimits(l gpucore.Limits) Option {
	return func(d *Device) { d.info.Limits = l }
}

// WithName overrides the adapter name.
func WithName(name string) Option {
	return func(d *Device) { d.info.Name = name }
}

// WithLogger sets the device logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// New creates a device and starts its queue.
func New(opts ...Option) *Device {
	d := &Device{
		info: backend.AdapterInfo{
			Name:   "explicit reference device",
			Driver: "host memory",
			Model:  backend.ModelExplicit,
			Limits: gpucore.DefaultSetLimits(),
			Features: gpucore.FeatureNativeCommandBuffers | gpucore.FeatureNativeBarriers |
				gpucore.FeatureTimelineFences | gpucore.FeatureGraphics | gpucore.FeatureImageBindings,
		},
		log:    slog.New(slog.DiscardHandler),
		lostCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.exec = host.NewExecutor()
	return d
}

func init() {
	backend.Register(backend.NameExplicit, func() (backend.Device, error) {
		return New(), nil
	})
}

// Info implements backend.Device.
func (d *Device) Info() backend.AdapterInfo { return d.info }

// Destroy stops the queue. Queued work is dropped.
func (d *Device) Destroy() {
	d.exec.Close()
}

// RegisterKernel installs the host implementation of a shader entry point.
func (d *Device) RegisterKernel(entry string, k host.Kernel) {
	d.kernels.Register(entry, k)
}

// Hold pauses the queue before its next submission until release is called.
func (d *Device) Hold() (release func()) { return d.exec.Hold() }

// Lose simulates an unrecoverable device failure.
func (d *Device) Lose(cause error) {
	d.mu.Lock()
	if d.lost != nil {
		d.mu.Unlock()
		return
	}
	if cause == nil {
		cause = backend.ErrDeviceLost
	}
	if !errors.Is(cause, backend.ErrDeviceLost) {
		cause = fmt.Errorf("%w: %w", backend.ErrDeviceLost, cause)
	}
	d.lost = cause
	close(d.lostCh)
	d.mu.Unlock()

	d.exec.Stop()
	d.log.Warn("explicit device lost", slog.String("cause", cause.Error()))
}

func (d *Device) lostErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

// Violations returns the validation messages recorded so far.
func (d *Device) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.violations...)
}

// Submissions returns the number of executed submissions.
func (d *Device) Submissions() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submissions
}

// Barriers returns the number of executed buffer and image barriers.
func (d *Device) Barriers() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.barriers
}

func (d *Device) violate(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.mu.Lock()
	d.violations = append(d.violations, msg)
	d.mu.Unlock()
	d.log.Warn("explicit validation", slog.String("violation", msg))
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// BufferRequirements implements backend.ExplicitDevice.
func (d *Device) BufferRequirements(desc backend.BufferDesc) (size, alignment uint64) {
	return alignUp(desc.Size, 4), d.info.Limits.MinPlacementAlign
}

// ImageRequirements implements backend.ExplicitDevice.
func (d *Device) ImageRequirements(desc backend.ImageDesc) (size, alignment uint64) {
	n, _ := host.ImageSize(desc.Extent, desc.Format)
	return n, imageAlignment
}

// CreateHeap implements backend.ExplicitDevice.
func (d *Device) CreateHeap(size uint64, class gpucore.MemoryClass) (backend.Heap, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: zero sized heap", ErrOutOfRange)
	}
	if size > 4*d.info.Limits.MaxBufferSize {
		return nil, fmt.Errorf("%w: heap of %d bytes", backend.ErrOutOfMemory, size)
	}
	return &heap{size: size, class: class, mem: make([]byte, size)}, nil
}

// DestroyHeap implements backend.ExplicitDevice.
func (d *Device) DestroyHeap(h backend.Heap) {
	hp, ok := h.(*heap)
	if !ok {
		return
	}
	if hp.placed > 0 {
		d.violate("heap destroyed with %d placed resources", hp.placed)
	}
	hp.mem = nil
}

func (d *Device) place(h backend.Heap, offset, size, alignment uint64) (*heap, error) {
	hp, ok := h.(*heap)
	if !ok || hp.mem == nil {
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
	return &buffer{label: desc.Label, size: desc.Size, usage: desc.Usage, heap: hp, offset: offset}, nil
}

// DestroyBuffer implements backend.ExplicitDevice.
func (d *Device) DestroyBuffer(b backend.Buffer) {
	if buf, ok := b.(*buffer); ok && buf.heap != nil {
		buf.heap.placed--
		buf.heap = nil
	}
}

// CreateImage implements backend.ExplicitDevice.
func (d *Device) CreateImage(desc backend.ImageDesc, h backend.Heap, offset uint64) (backend.Image, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	texel, ok := gpucore.BytesPerTexel(desc.Format)
	if !ok {
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
	return &image{label: desc.Label, desc: desc, heap: hp, offset: offset, texel: texel, size: size}, nil
}

// DestroyImage implements backend.ExplicitDevice.
func (d *Device) DestroyImage(i backend.Image) {
	if img, ok := i.(*image); ok && img.heap != nil {
		img.heap.placed--
		img.heap = nil
	}
}

// CreateSampler implements backend.ExplicitDevice.
func (d *Device) CreateSampler(desc backend.SamplerDesc) (backend.Sampler, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	return &sampler{label: desc.Label, linear: desc.Linear}, nil
}

// DestroySampler implements backend.ExplicitDevice.
func (d *Device) DestroySampler(backend.Sampler) {}

func (d *Device) hostBytes(b backend.Buffer, offset uint64, n int) ([]byte, error) {
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
	return buf.bytes()[offset : offset+uint64(n)], nil
}

// WriteBuffer implements backend.ExplicitDevice.
func (d *Device) WriteBuffer(b backend.Buffer, offset uint64, data []byte) error {
	dst, err := d.hostBytes(b, offset, len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// ReadBuffer implements backend.ExplicitDevice.
func (d *Device) ReadBuffer(b backend.Buffer, offset uint64, dst []byte) error {
	src, err := d.hostBytes(b, offset, len(dst))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// CreateShaderModule implements backend.ExplicitDevice.
func (d *Device) CreateShaderModule(label string, spirv []uint32) (backend.ShaderModule, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	if len(spirv) == 0 || spirv[0] != spirvMagic {
		return nil, fmt.Errorf("%w: shader module %q is not SPIR-V", backend.ErrUnsupported, label)
	}
	return &shaderModule{label: label, words: len(spirv)}, nil
}

// DestroyShaderModule implements backend.ExplicitDevice.
func (d *Device) DestroyShaderModule(backend.ShaderModule) {}

// CreateSetLayout implements backend.ExplicitDevice.
func (d *Device) CreateSetLayout(label string, entries []gpucore.LayoutEntry) (backend.SetLayout, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	return &setLayout{label: label, entries: append([]gpucore.LayoutEntry(nil), entries...)}, nil
}

// DestroySetLayout implements backend.ExplicitDevice.
func (d *Device) DestroySetLayout(backend.SetLayout) {}

// CreatePipelineLayout implements backend.ExplicitDevice.
func (d *Device) CreatePipelineLayout(label string, sets []backend.SetLayout) (backend.PipelineLayout, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	pl := &pipelineLayout{label: label}
	for i, s := range sets {
		sl, ok := s.(*setLayout)
		if !ok {
			return nil, fmt.Errorf("%w: set layout %d is %T", ErrWrongHandle, i, s)
		}
		pl.sets = append(pl.sets, sl)
	}
	return pl, nil
}

// DestroyPipelineLayout implements backend.ExplicitDevice.
func (d *Device) DestroyPipelineLayout(backend.PipelineLayout) {}

// CreateComputePipeline implements backend.ExplicitDevice.
func (d *Device) CreateComputePipeline(desc backend.ComputePipelineDesc) (backend.Pipeline, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	pl, ok := desc.Layout.(*pipelineLayout)
	if !ok {
		return nil, fmt.Errorf("%w: pipeline layout %T", ErrWrongHandle, desc.Layout)
	}
	if _, ok := desc.Module.(*shaderModule); !ok {
		return nil, fmt.Errorf("%w: shader module %T", ErrWrongHandle, desc.Module)
	}
	return &pipeline{label: desc.Label, compute: true, layout: pl, entry: desc.EntryPoint}, nil
}

// CreateRenderPipeline implements backend.ExplicitDevice.
func (d *Device) CreateRenderPipeline(desc backend.RenderPipelineDesc) (backend.Pipeline, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	if d.info.Features&gpucore.FeatureGraphics == 0 {
		return nil, fmt.Errorf("%w: render pipelines", backend.ErrUnsupported)
	}
	pl, ok := desc.Layout.(*pipelineLayout)
	if !ok {
		return nil, fmt.Errorf("%w: pipeline layout %T", ErrWrongHandle, desc.Layout)
	}
	for _, m := range []backend.ShaderModule{desc.Vertex, desc.Fragment} {
		if _, ok := m.(*shaderModule); !ok {
			return nil, fmt.Errorf("%w: shader module %T", ErrWrongHandle, m)
		}
	}
	return &pipeline{label: desc.Label, layout: pl, entry: desc.FragmentEntry}, nil
}

// DestroyPipeline implements backend.ExplicitDevice.
func (d *Device) DestroyPipeline(backend.Pipeline) {}

// CreateSet implements backend.ExplicitDevice.
func (d *Device) CreateSet(label string, layout backend.SetLayout, writes []backend.SetWrite) (backend.Set, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	sl, ok := layout.(*setLayout)
	if !ok {
		return nil, fmt.Errorf("%w: set layout %T", ErrWrongHandle, layout)
	}
	for _, w := range writes {
		var entry *gpucore.LayoutEntry
		for i := range sl.entries {
			if sl.entries[i].Binding == w.Binding {
				entry = &sl.entries[i]
				break
			}
		}
		if entry == nil || entry.Type != w.Type || w.Element >= entry.Elements() {
			return nil, fmt.Errorf("%w: set %q write to binding %d element %d", ErrOutOfRange, label, w.Binding, w.Element)
		}
		switch {
		case w.Type == gpucore.BindingSampler:
			if _, ok := w.Sampler.(*sampler); !ok {
				return nil, fmt.Errorf("%w: sampler %T", ErrWrongHandle, w.Sampler)
			}
		case w.Type.IsImage():
			if _, ok := w.Image.(*image); !ok {
				return nil, fmt.Errorf("%w: image %T", ErrWrongHandle, w.Image)
			}
		default:
			buf, ok := w.Buffer.(*buffer)
			if !ok {
				return nil, fmt.Errorf("%w: buffer %T", ErrWrongHandle, w.Buffer)
			}
			if w.Offset+w.Size > buf.size {
				return nil, fmt.Errorf("%w: binding %d range of buffer %q", ErrOutOfRange, w.Binding, buf.label)
			}
		}
	}
	return &set{label: label, layout: sl, writes: append([]backend.SetWrite(nil), writes...)}, nil
}

// DestroySet implements backend.ExplicitDevice.
func (d *Device) DestroySet(backend.Set) {}

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
		c.ops = nil
		c.state = cbFreed
	}
}

// CreateFence implements backend.ExplicitDevice.
func (d *Device) CreateFence() (backend.Fence, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	return &fence{tl: host.NewTimeline()}, nil
}

// DestroyFence implements backend.ExplicitDevice.
func (d *Device) DestroyFence(backend.Fence) {}

// WaitFence implements backend.ExplicitDevice.
func (d *Device) WaitFence(f backend.Fence, value uint64, timeout time.Duration) (bool, error) {
	fc, ok := f.(*fence)
	if !ok {
		return false, fmt.Errorf("%w: fence %T", ErrWrongHandle, f)
	}
	if fc.tl.Wait(value, timeout, d.lostCh) {
		return true, nil
	}
	if err := d.lostErr(); err != nil {
		return false, err
	}
	return false, nil
}

type fenceOp struct {
	tl    *host.Timeline
	value uint64
}

func (d *Device) fenceOps(vals []backend.FenceValue) ([]fenceOp, error) {
	ops := make([]fenceOp, len(vals))
	for i, v := range vals {
		fc, ok := v.Fence.(*fence)
		if !ok {
			return nil, fmt.Errorf("%w: fence %T", ErrWrongHandle, v.Fence)
		}
		ops[i] = fenceOp{tl: fc.tl, value: v.Value}
	}
	return ops, nil
}

// Submit implements backend.ExplicitDevice.
func (d *Device) Submit(cbs []backend.CommandBuffer, waits, signals []backend.FenceValue) error {
	if err := d.lostErr(); err != nil {
		return err
	}
	batch := make([][]op, len(cbs))
	labels := make([]string, len(cbs))
	for i, cb := range cbs {
		c, ok := cb.(*commandBuffer)
		if !ok {
			return fmt.Errorf("%w: command buffer %T", ErrWrongHandle, cb)
		}
		if c.state != cbExecutable {
			return fmt.Errorf("%w: submit %s command buffer %q", ErrRecording, c.state, c.label)
		}
		batch[i], labels[i] = c.ops, c.label
	}
	w, err := d.fenceOps(waits)
	if err != nil {
		return err
	}
	s, err := d.fenceOps(signals)
	if err != nil {
		return err
	}

	job := func() {
		for _, f := range w {
			if !f.tl.Wait(f.value, math.MaxInt64, d.lostCh) {
				return
			}
		}
		for i, ops := range batch {
			x := &execution{dev: d, label: labels[i], sets: make(map[uint32]*set)}
			for _, o := range ops {
				if err := o(x); err != nil {
					d.Lose(fmt.Errorf("command buffer %q: %w", labels[i], err))
					return
				}
			}
		}
		d.mu.Lock()
		d.submissions++
		d.mu.Unlock()
		for _, f := range s {
			f.tl.Signal(f.value)
		}
	}
	if err := d.exec.Submit(job); err != nil {
		if lost := d.lostErr(); lost != nil {
			return lost
		}
		return fmt.Errorf("%w: %w", backend.ErrDeviceLost, err)
	}
	return nil
}

// WaitIdle implements backend.ExplicitDevice.
func (d *Device) WaitIdle() error {
	d.exec.WaitIdle()
	return d.lostErr()
}
