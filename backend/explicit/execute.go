package explicit

import (
	"fmt"

	"github.com/gogpu/gfxbridge/backend/host"
	"github.com/gogpu/gfxbridge/gpucore"
)

// execution is the state of one command buffer while the queue runs it.
// Bound state does not carry over between command buffers.
type execution struct {
	dev      *Device
	label    string
	pipeline *pipeline
	sets     map[uint32]*set
	targets  []*image
}

// access validates one access against the hazard state and records it.
func (x *execution) access(what, label string, h *hazard, usage gpucore.Usage) {
	switch {
	case h.unsyncedWrite && usage.IsWrite():
		x.dev.violate("%s: %s %q written without a barrier after a write (%s)", x.label, what, label, usage)
	case h.unsyncedWrite:
		x.dev.violate("%s: %s %q read without a barrier after a write (%s)", x.label, what, label, usage)
	case h.unsyncedRead && usage.IsWrite():
		x.dev.violate("%s: %s %q written without a barrier after a read (%s)", x.label, what, label, usage)
	}
	if usage.IsWrite() {
		h.unsyncedWrite = true
	} else {
		h.unsyncedRead = true
	}
}

func (x *execution) accessBuffer(b *buffer, usage gpucore.Usage) {
	x.access("buffer", b.label, &b.hazard, usage)
}

func (x *execution) accessImage(i *image, usage gpucore.Usage) {
	if need := gpucore.LayoutFor(usage); i.layout != need && i.layout != gpucore.LayoutGeneral {
		x.dev.violate("%s: image %q used as %s in layout %s, needs %s", x.label, i.label, usage, i.layout, need)
	}
	x.access("image", i.label, &i.hazard, usage)
}

// invoke runs the bound pipeline's kernel over the bound sets.
func (x *execution) invoke(groups [3]uint32) error {
	p := x.pipeline
	inv := &host.Invocation{Entry: p.entry, Groups: groups, Bindings: make(map[host.Slot]host.Binding)}
	for i := range p.layout.sets {
		s, ok := x.sets[uint32(i)]
		if !ok {
			return fmt.Errorf("pipeline %q: set %d not bound", p.label, i)
		}
		for _, w := range s.writes {
			b, err := x.bind(w.Type, w.Buffer, w.Offset, w.Size, w.Image, w.Sampler)
			if err != nil {
				return err
			}
			if w.Element == 0 {
				inv.Bindings[host.Slot{Space: uint32(i), Index: w.Binding}] = b
			}
		}
	}
	for _, t := range x.targets {
		inv.Targets = append(inv.Targets, t.host())
	}
	k := x.dev.kernels.Lookup(p.entry)
	if k == nil {
		return nil
	}
	if err := k(inv); err != nil {
		return fmt.Errorf("kernel %q: %w", p.entry, err)
	}
	return nil
}

func (x *execution) bind(typ gpucore.BindingType, buf any, offset, size uint64, img, smp any) (host.Binding, error) {
	usage := typ.Usage()
	switch {
	case typ == gpucore.BindingSampler:
		return host.Binding{Sampler: smp}, nil
	case typ.IsImage():
		i := img.(*image)
		if i.heap == nil {
			return host.Binding{}, fmt.Errorf("bound image %q was destroyed", i.label)
		}
		x.accessImage(i, usage)
		h := i.host()
		return host.Binding{Data: h.Data, Image: &h}, nil
	default:
		b := buf.(*buffer)
		if b.heap == nil {
			return host.Binding{}, fmt.Errorf("bound buffer %q was destroyed", b.label)
		}
		x.accessBuffer(b, usage)
		return host.Binding{Data: b.rangeOf(offset, size)}, nil
	}
}
