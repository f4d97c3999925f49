package gfxbridge

import (
	"sync"

	"github.com/gogpu/gfxbridge/backend"
	"github.com/gogpu/gfxbridge/gpucore"
	"github.com/gogpu/gfxbridge/internal/binding"
)

// SetEntry writes one descriptor. Buffer slots take Buffer with Offset and
// Size, where a zero Size covers the rest of the buffer. Image slots take
// Image and sampler slots take Sampler.
type SetEntry struct {
	Binding uint32
	Element uint32
	Buffer  Buffer
	Offset  uint64
	Size    uint64
	Image   Image
	Sampler Sampler
}

// Set is a descriptor set. Sets hold resource handles, not resources: a
// resource destroyed while a set references it makes recording the set fail
// with ErrInvalidState.
//
// Updating a set invalidates command buffers recorded with it. A set must not
// be updated while a command buffer records it.
type Set struct {
	dev    *Device
	label  string
	layout *SetLayout

	mu  sync.Mutex
	set *binding.Set
}

// CreateSet creates a set of layout and writes entries into it.
func (d *Device) CreateSet(label string, layout *SetLayout, entries ...SetEntry) (*Set, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	if layout == nil || layout.dev != d {
		return nil, failf(ErrInvalidHandle, "set %q has a foreign layout", label)
	}
	s := &Set{dev: d, label: label, layout: layout, set: binding.NewSet(layout.layout)}
	if err := d.writeSet(s, entries); err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateSet writes entries into s. Entries are validated before any is written.
func (d *Device) UpdateSet(s *Set, entries ...SetEntry) error {
	if err := d.alive(); err != nil {
		return err
	}
	if s == nil || s.dev != d {
		return failf(ErrInvalidHandle, "update foreign set")
	}
	return d.writeSet(s, entries)
}

// DestroySet destroys s once submitted work that may use it completed.
func (d *Device) DestroySet(s *Set) error {
	if s == nil || s.dev != d {
		return failf(ErrInvalidHandle, "destroy foreign set")
	}
	s.mu.Lock()
	native := s.set.Native
	s.set.Native = nil
	s.mu.Unlock()
	if native != nil {
		d.retire(func() { d.explicit.DestroySet(native) })
	}
	return nil
}

func (d *Device) writeSet(s *Set, entries []SetEntry) error {
	if len(entries) == 0 {
		return nil
	}
	descs := make([]binding.Descriptor, len(entries))
	for i, e := range entries {
		desc, err := d.descriptor(s, e)
		if err != nil {
			return err
		}
		descs[i] = desc
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range entries {
		if err := s.set.Write(e.Binding, e.Element, descs[i]); err != nil {
			return classify(err)
		}
	}
	if d.explicit == nil {
		return nil
	}
	native, err := d.nativeSet(s)
	if err != nil {
		return err
	}
	if old := s.set.Native; old != nil {
		d.retire(func() { d.explicit.DestroySet(old) })
	}
	s.set.Native = native
	return nil
}

// descriptor validates one entry against the layout slot and the resource.
func (d *Device) descriptor(s *Set, e SetEntry) (binding.Descriptor, error) {
	le, ok := s.layout.layout.Entry(e.Binding)
	if !ok {
		return binding.Descriptor{}, failf(ErrLayoutMismatch, "set %q has no binding %d", s.label, e.Binding)
	}
	switch {
	case le.Type == gpucore.BindingSampler:
		if !d.samplers.Contains(e.Sampler.id) {
			return binding.Descriptor{}, failf(ErrInvalidHandle, "set %q binding %d: unknown sampler", s.label, e.Binding)
		}
		return binding.Descriptor{Sampler: e.Sampler.id}, nil

	case le.Type.IsImage():
		r, err := d.lookup(e.Image.id, gpucore.KindImage)
		if err != nil {
			return binding.Descriptor{}, err
		}
		if !r.Allowed.Contains(le.Type.Usage()) {
			return binding.Descriptor{}, failf(ErrInvalidState, "set %q binding %d: image %q lacks %s usage",
				s.label, e.Binding, r.Label, le.Type.Usage())
		}
		if !r.IsBound() {
			return binding.Descriptor{}, failf(ErrInvalidState, "set %q binding %d: image %q is not bound", s.label, e.Binding, r.Label)
		}
		return binding.Descriptor{Resource: e.Image.id, Sampler: e.Sampler.id}, nil

	default:
		r, err := d.lookup(e.Buffer.id, gpucore.KindBuffer)
		if err != nil {
			return binding.Descriptor{}, err
		}
		if !r.Allowed.Contains(le.Type.Usage()) {
			return binding.Descriptor{}, failf(ErrInvalidState, "set %q binding %d: buffer %q lacks %s usage",
				s.label, e.Binding, r.Label, le.Type.Usage())
		}
		if !r.IsBound() {
			return binding.Descriptor{}, failf(ErrInvalidState, "set %q binding %d: buffer %q is not bound", s.label, e.Binding, r.Label)
		}
		if align := d.limits.MinBindingOffsetAlign; align > 1 && e.Offset%align != 0 {
			return binding.Descriptor{}, failf(ErrInvalidState, "set %q binding %d: offset %d not aligned to %d",
				s.label, e.Binding, e.Offset, align)
		}
		size := e.Size
		if size == 0 && e.Offset < r.Size {
			size = r.Size - e.Offset
		}
		if size == 0 || e.Offset+size < e.Offset || e.Offset+size > r.Size {
			return binding.Descriptor{}, failf(ErrInvalidState, "set %q binding %d: range [%d, +%d) of buffer %q size %d",
				s.label, e.Binding, e.Offset, e.Size, r.Label, r.Size)
		}
		return binding.Descriptor{Resource: e.Buffer.id, Offset: e.Offset, Size: size}, nil
	}
}

// nativeSet builds a native set holding every written descriptor of s.
func (d *Device) nativeSet(s *Set) (backend.Set, error) {
	var (
		writes []backend.SetWrite
		err    error
	)
	s.set.Each(func(e gpucore.LayoutEntry, element uint32, desc binding.Descriptor) {
		if err != nil {
			return
		}
		w := backend.SetWrite{Binding: e.Binding, Element: element, Type: e.Type, Offset: desc.Offset, Size: desc.Size}
		switch {
		case e.Type == gpucore.BindingSampler:
			w.Sampler, err = d.samplers.Get(desc.Sampler)
		case e.Type.IsImage():
			w.Image, err = d.nativeHandle(desc.Resource)
		default:
			w.Buffer, err = d.nativeHandle(desc.Resource)
		}
		writes = append(writes, w)
	})
	if err != nil {
		return nil, failf(ErrInvalidState, "set %q references a destroyed object: %v", s.label, err)
	}
	native, err := d.explicit.CreateSet(s.label, s.layout.layout.Native, writes)
	if err != nil {
		return nil, d.nativeErr(err)
	}
	return native, nil
}

func (d *Device) nativeHandle(id gpucore.ResourceID) (any, error) {
	r, err := d.resources.Get(id)
	if err != nil {
		return nil, err
	}
	return r.Native(), nil
}
