package binding

import (
	"github.com/pkg/errors"

	"github.com/gogpu/gfxbridge/gpucore"
)

// Descriptor is a non-owning reference written into a set slot.
type Descriptor struct {
	// Resource is the buffer or image, zero for pure sampler slots.
	Resource gpucore.ResourceID
	// Offset and Size select a buffer range. Size zero means to the end of the buffer.
	Offset uint64
	Size   uint64
	// Sampler is the sampler of sampler slots.
	Sampler gpucore.ResourceID
}

// Set is an instance of a set layout holding descriptors.
//
// Sets reference resources by identifier only; a destroyed resource leaves a
// stale identifier behind that binding the set will report.
type Set struct {
	layout  *SetLayout
	slots   map[uint32][]Descriptor
	written map[uint32][]bool
	version uint64

	// Native is the backend descriptor set, nil on register-model devices.
	Native any
}

// NewSet creates an empty set for layout.
func NewSet(layout *SetLayout) *Set {
	s := &Set{
		layout:  layout,
		slots:   make(map[uint32][]Descriptor, len(layout.entries)),
		written: make(map[uint32][]bool, len(layout.entries)),
	}
	for _, e := range layout.entries {
		s.slots[e.Binding] = make([]Descriptor, e.Elements())
		s.written[e.Binding] = make([]bool, e.Elements())
	}
	return s
}

// Layout returns the layout the set was created from.
func (s *Set) Layout() *SetLayout { return s.layout }

// Version increases with every successful Write.
func (s *Set) Version() uint64 { return s.version }

// Write stores a descriptor into one slot element.
func (s *Set) Write(binding, element uint32, d Descriptor) error {
	e, ok := s.layout.Entry(binding)
	if !ok {
		return errors.Wrapf(ErrSlotMismatch, "binding %d not in layout", binding)
	}
	if element >= e.Elements() {
		return errors.Wrapf(ErrSlotMismatch, "binding %d: element %d of %d", binding, element, e.Elements())
	}
	switch {
	case e.Type == gpucore.BindingSampler:
		if !d.Sampler.IsValid() {
			return errors.Wrapf(ErrSlotMismatch, "binding %d: %s slot needs a sampler", binding, e.Type)
		}
	case !d.Resource.IsValid():
		return errors.Wrapf(ErrSlotMismatch, "binding %d: %s slot needs a resource", binding, e.Type)
	}
	s.slots[binding][element] = d
	s.written[binding][element] = true
	s.version++
	return nil
}

// Descriptor returns the descriptor in a slot element.
func (s *Set) Descriptor(binding, element uint32) (Descriptor, bool) {
	d, ok := s.slots[binding]
	if !ok || int(element) >= len(d) || !s.written[binding][element] {
		return Descriptor{}, false
	}
	return d[element], true
}

// Complete reports the first unwritten slot element as an error.
func (s *Set) Complete() error {
	for _, e := range s.layout.entries {
		for i, w := range s.written[e.Binding] {
			if !w {
				return errors.Wrapf(ErrSlotMismatch, "binding %d element %d was never written", e.Binding, i)
			}
		}
	}
	return nil
}

// Each calls fn for every written slot element in binding order.
func (s *Set) Each(fn func(e gpucore.LayoutEntry, element uint32, d Descriptor)) {
	for _, e := range s.layout.entries {
		for i, d := range s.slots[e.Binding] {
			if s.written[e.Binding][i] {
				fn(e, uint32(i), d)
			}
		}
	}
}
