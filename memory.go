package gfxbridge

import (
	"log/slog"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gfxbridge/backend"
	"github.com/gogpu/gfxbridge/gpucore"
	"github.com/gogpu/gfxbridge/internal/alloc"
	"github.com/gogpu/gfxbridge/internal/state"
)

// MemoryStats summarizes device memory pool usage.
type MemoryStats = alloc.Stats

// Memory is a heap created with AllocateMemory. Resources bound to it are
// placed inside it; it is destroyed by FreeMemory only.
type Memory struct {
	dev  *Device
	heap *alloc.Heap
}

// Size returns the heap size in bytes.
func (m *Memory) Size() uint64 { return m.heap.Size() }

// Class returns the heap memory class.
func (m *Memory) Class() gpucore.MemoryClass { return m.heap.Class() }

// Buffer is a handle to a device buffer.
type Buffer struct{ id gpucore.ResourceID }

// ID returns the generation-checked identifier.
func (b Buffer) ID() gpucore.ResourceID { return b.id }

// Image is a handle to a device image.
type Image struct{ id gpucore.ResourceID }

// ID returns the generation-checked identifier.
func (i Image) ID() gpucore.ResourceID { return i.id }

// Sampler is a handle to a device sampler.
type Sampler struct{ id gpucore.ResourceID }

// ID returns the generation-checked identifier.
func (s Sampler) ID() gpucore.ResourceID { return s.id }

// BufferDesc describes a buffer. Class selects the pool memory class used
// when the buffer is bound without an explicit heap; zero means device local.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage gpucore.Usage
	Class gpucore.MemoryClass
}

// ImageDesc describes a 2D image.
type ImageDesc struct {
	Label  string
	Extent gpucore.Extent
	Format gputypes.TextureFormat
	Usage  gpucore.Usage
	Class  gpucore.MemoryClass
}

// SamplerDesc describes a sampler.
type SamplerDesc struct {
	Label  string
	Linear bool
}

// AllocateMemory creates a heap of size bytes. Resources bound to the heap
// keep it alive: FreeMemory fails with ErrStillInUse while any is bound.
func (d *Device) AllocateMemory(size uint64, class gpucore.MemoryClass) (*Memory, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, failf(ErrInvalidState, "allocate empty heap")
	}
	h, err := d.pool.CreateHeap(size, class)
	if err != nil {
		return nil, d.nativeErr(err)
	}
	return &Memory{dev: d, heap: h}, nil
}

// FreeMemory destroys a heap created with AllocateMemory.
func (d *Device) FreeMemory(m *Memory) error {
	if m == nil || m.dev != d {
		return failf(ErrInvalidHandle, "free foreign memory")
	}
	return classify(d.pool.DestroyHeap(m.heap))
}

// CreateBuffer creates an unbound buffer. It must be bound with
// BindBufferMemory before use.
func (d *Device) CreateBuffer(desc BufferDesc) (Buffer, error) {
	if err := d.alive(); err != nil {
		return Buffer{}, err
	}
	if desc.Size == 0 || desc.Usage == gpucore.UsageNone {
		return Buffer{}, failf(ErrInvalidState, "buffer %q needs a size and a usage", desc.Label)
	}
	if limit := d.limits.MaxBufferSize; limit > 0 && desc.Size > limit {
		return Buffer{}, failf(ErrCapabilityExceeded, "buffer %q size %d above limit %d", desc.Label, desc.Size, limit)
	}
	r := &state.Resource{
		Kind:    gpucore.KindBuffer,
		Label:   desc.Label,
		Size:    desc.Size,
		Allowed: desc.Usage,
		Class:   classOrDefault(desc.Class),
	}
	r.ID = d.resources.Insert(r)
	return Buffer{id: r.ID}, nil
}

// CreateImage creates an unbound image. It must be bound with
// BindImageMemory before use.
func (d *Device) CreateImage(desc ImageDesc) (Image, error) {
	if err := d.alive(); err != nil {
		return Image{}, err
	}
	if desc.Extent.Width == 0 || desc.Extent.Height == 0 || desc.Usage == gpucore.UsageNone {
		return Image{}, failf(ErrInvalidState, "image %q needs an extent and a usage", desc.Label)
	}
	if limit := d.limits.MaxImageDimension; limit > 0 && (desc.Extent.Width > limit || desc.Extent.Height > limit) {
		return Image{}, failf(ErrCapabilityExceeded, "image %q extent %dx%d above limit %d",
			desc.Label, desc.Extent.Width, desc.Extent.Height, limit)
	}
	r := &state.Resource{
		Kind:    gpucore.KindImage,
		Label:   desc.Label,
		Extent:  desc.Extent,
		Format:  desc.Format,
		Allowed: desc.Usage,
		Class:   classOrDefault(desc.Class),
	}
	r.ID = d.resources.Insert(r)
	return Image{id: r.ID}, nil
}

// ImportImage wraps a native image owned by a presentation service. The
// image is never freed by the device.
func (d *Device) ImportImage(desc ImageDesc, native backend.Image) (Image, error) {
	if err := d.alive(); err != nil {
		return Image{}, err
	}
	if native == nil {
		return Image{}, failf(ErrInvalidHandle, "import image %q without native image", desc.Label)
	}
	r := &state.Resource{
		Kind:     gpucore.KindImage,
		Label:    desc.Label,
		Extent:   desc.Extent,
		Format:   desc.Format,
		Allowed:  desc.Usage,
		External: true,
	}
	r.Bind(nil, native)
	r.ID = d.resources.Insert(r)
	return Image{id: r.ID}, nil
}

func classOrDefault(c gpucore.MemoryClass) gpucore.MemoryClass {
	if c == 0 {
		return gpucore.MemoryDeviceLocal
	}
	return c
}

// BindBufferMemory places b in mem, or in pool memory of the buffer's class
// when mem is nil. A buffer is bound once.
func (d *Device) BindBufferMemory(b Buffer, mem *Memory) error {
	return d.bind(b.id, gpucore.KindBuffer, mem)
}

// BindImageMemory places i in mem, or in pool memory when mem is nil.
func (d *Device) BindImageMemory(i Image, mem *Memory) error {
	return d.bind(i.id, gpucore.KindImage, mem)
}

func (d *Device) bind(id gpucore.ResourceID, kind gpucore.ResourceKind, mem *Memory) error {
	if err := d.alive(); err != nil {
		return err
	}
	if mem != nil && mem.dev != d {
		return failf(ErrInvalidHandle, "bind to foreign memory")
	}
	r, err := d.lookup(id, kind)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if r.IsBound() {
		return failf(ErrInvalidState, "%s %q is already bound", kind, r.Label)
	}
	size, align := d.requirements(r)
	var a alloc.Allocation
	if mem == nil {
		a, err = d.pool.Allocate(r.Class, size, align)
	} else {
		if !mem.heap.Class().Has(r.Class) {
			return failf(ErrInvalidState, "%s %q wants %s memory, heap is %s", kind, r.Label, r.Class, mem.heap.Class())
		}
		a, err = d.pool.AllocateFrom(mem.heap, size, align)
	}
	if err != nil {
		return classify(err)
	}

	native, err := d.createNative(r, a)
	if err != nil {
		_ = d.pool.Free(a)
		return d.nativeErr(err)
	}
	r.Bind(&a, native)
	d.log.Debug("gfxbridge: resource bound",
		slog.String("kind", kind.String()),
		slog.String("label", r.Label),
		slog.Uint64("heap", a.Heap.ID()),
		slog.Uint64("offset", a.Range.Offset),
		slog.Uint64("size", a.Range.Size))
	return nil
}

// requirements returns the placement size and alignment of r.
func (d *Device) requirements(r *state.Resource) (size, align uint64) {
	if d.explicit != nil {
		if r.Kind == gpucore.KindBuffer {
			return d.explicit.BufferRequirements(bufferDesc(r))
		}
		return d.explicit.ImageRequirements(imageDesc(r))
	}
	align = max(d.limits.MinPlacementAlign, 1)
	if r.Kind == gpucore.KindBuffer {
		return r.Size, align
	}
	bpt, ok := gpucore.BytesPerTexel(r.Format)
	if !ok {
		bpt = 4
	}
	return uint64(r.Extent.Width) * uint64(r.Extent.Height) * uint64(bpt), align
}

func (d *Device) createNative(r *state.Resource, a alloc.Allocation) (any, error) {
	switch {
	case d.explicit != nil && r.Kind == gpucore.KindBuffer:
		return d.explicit.CreateBuffer(bufferDesc(r), a.Heap.Native(), a.Range.Offset)
	case d.explicit != nil:
		return d.explicit.CreateImage(imageDesc(r), a.Heap.Native(), a.Range.Offset)
	case r.Kind == gpucore.KindBuffer:
		return d.deferred.CreateBuffer(bufferDesc(r))
	default:
		return d.deferred.CreateImage(imageDesc(r))
	}
}

func bufferDesc(r *state.Resource) backend.BufferDesc {
	return backend.BufferDesc{Label: r.Label, Size: r.Size, Usage: r.Allowed, Class: r.Class}
}

func imageDesc(r *state.Resource) backend.ImageDesc {
	return backend.ImageDesc{Label: r.Label, Extent: r.Extent, Format: r.Format, Usage: r.Allowed}
}

func (d *Device) lookup(id gpucore.ResourceID, kind gpucore.ResourceKind) (*state.Resource, error) {
	r, err := d.resources.Get(id)
	if err != nil {
		return nil, classify(err)
	}
	if r.Kind != kind {
		return nil, failf(ErrInvalidHandle, "%s is a %s, want %s", id, r.Kind, kind)
	}
	return r, nil
}

// DestroyBuffer destroys b and frees its memory. Buffers referenced by
// submitted work that has not completed are still in use.
func (d *Device) DestroyBuffer(b Buffer) error {
	return d.destroy(b.id, gpucore.KindBuffer)
}

// DestroyImage destroys i. Imported images are forgotten, not freed.
func (d *Device) DestroyImage(i Image) error {
	return d.destroy(i.id, gpucore.KindImage)
}

func (d *Device) destroy(id gpucore.ResourceID, kind gpucore.ResourceKind) error {
	r, err := d.lookup(id, kind)
	if err != nil {
		return err
	}
	d.settle()
	if n := r.Pending(); n > 0 {
		return failf(ErrStillInUse, "%s %q is used by %d pending submissions", kind, r.Label, n)
	}
	if _, err := d.resources.Remove(id); err != nil {
		return classify(err)
	}
	d.release(r)
	return nil
}

// release destroys the native object of a removed resource and frees its memory.
func (d *Device) release(r *state.Resource) {
	native := r.Native()
	if native != nil && !r.External {
		switch {
		case d.explicit != nil && r.Kind == gpucore.KindBuffer:
			d.explicit.DestroyBuffer(native)
		case d.explicit != nil:
			d.explicit.DestroyImage(native)
		case r.Kind == gpucore.KindBuffer:
			d.deferred.DestroyBuffer(native)
		default:
			d.deferred.DestroyImage(native)
		}
	}
	if a := r.Memory(); a != nil {
		_ = d.pool.Free(*a)
	}
	r.Bind(nil, nil)
}

// WriteBuffer copies data into b at offset from the host. On explicit devices
// b must live in host-visible memory. Buffers in use by pending work are
// still in use.
func (d *Device) WriteBuffer(b Buffer, offset uint64, data []byte) error {
	r, err := d.hostAccess(b, offset, uint64(len(data)))
	if err != nil {
		return err
	}
	if d.explicit != nil {
		err = d.explicit.WriteBuffer(r.Native(), offset, data)
	} else {
		d.queue.mu.Lock()
		err = d.deferred.WriteBuffer(r.Native(), offset, data)
		d.queue.mu.Unlock()
	}
	if err != nil {
		return d.nativeErr(err)
	}
	r.SetState(gpucore.UsageHostWrite)
	return nil
}

// ReadBuffer copies len(dst) bytes of b at offset to the host.
func (d *Device) ReadBuffer(b Buffer, offset uint64, dst []byte) error {
	r, err := d.hostAccess(b, offset, uint64(len(dst)))
	if err != nil {
		return err
	}
	if d.explicit != nil {
		err = d.explicit.ReadBuffer(r.Native(), offset, dst)
	} else {
		d.queue.mu.Lock()
		err = d.deferred.ReadBuffer(r.Native(), offset, dst)
		d.queue.mu.Unlock()
	}
	return d.nativeErr(err)
}

func (d *Device) hostAccess(b Buffer, offset, size uint64) (*state.Resource, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	r, err := d.lookup(b.id, gpucore.KindBuffer)
	if err != nil {
		return nil, err
	}
	if !r.IsBound() {
		return nil, failf(ErrInvalidState, "buffer %q is not bound", r.Label)
	}
	if size == 0 || offset+size < offset || offset+size > r.Size {
		return nil, failf(ErrInvalidState, "host access [%d, +%d) of buffer %q size %d", offset, size, r.Label, r.Size)
	}
	if d.explicit != nil {
		if a := r.Memory(); a == nil || !a.Heap.Class().Has(gpucore.MemoryHostVisible) {
			return nil, failf(ErrInvalidState, "buffer %q is not in host-visible memory", r.Label)
		}
	}
	d.settle()
	if n := r.Pending(); n > 0 {
		return nil, failf(ErrStillInUse, "buffer %q is used by %d pending submissions", r.Label, n)
	}
	return r, nil
}

// CreateSampler creates a sampler.
func (d *Device) CreateSampler(desc SamplerDesc) (Sampler, error) {
	if err := d.alive(); err != nil {
		return Sampler{}, err
	}
	nd := backend.SamplerDesc{Label: desc.Label, Linear: desc.Linear}
	var (
		s   backend.Sampler
		err error
	)
	if d.explicit != nil {
		s, err = d.explicit.CreateSampler(nd)
	} else {
		s, err = d.deferred.CreateSampler(nd)
	}
	if err != nil {
		return Sampler{}, d.nativeErr(err)
	}
	return Sampler{id: d.samplers.Insert(s)}, nil
}

// DestroySampler destroys s once submitted work that may use it completed.
func (d *Device) DestroySampler(s Sampler) error {
	native, err := d.samplers.Remove(s.id)
	if err != nil {
		return classify(err)
	}
	d.retire(func() { d.destroySampler(native) })
	return nil
}

func (d *Device) destroySampler(s backend.Sampler) {
	if d.explicit != nil {
		d.explicit.DestroySampler(s)
		return
	}
	d.deferred.DestroySampler(s)
}

// MemoryStats returns pool usage.
func (d *Device) MemoryStats() MemoryStats { return d.pool.Stats() }

// DumpMemoryMap returns a JSON map of every heap and its live and free ranges.
func (d *Device) DumpMemoryMap() ([]byte, error) { return d.pool.DetailedMapJSON() }
