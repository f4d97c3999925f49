package state

import (
	"github.com/gogpu/gfxbridge/gpucore"
)

// Use is the usage of one resource at the boundary of a command buffer.
type Use struct {
	ID    gpucore.ResourceID
	Kind  gpucore.ResourceKind
	Usage gpucore.Usage
}

type entry struct {
	kind    gpucore.ResourceKind
	first   gpucore.Usage
	current gpucore.Usage
}

// Tracker follows resource usage inside one command buffer recording.
//
// The first use of a resource issues no barrier and becomes the buffer's entry
// state for that resource. The queue resolves entry states against the global
// state at submission time, see Resolve.
//
// Tracker is not safe for concurrent use; a command buffer has a single writer.
type Tracker struct {
	entries map[gpucore.ResourceID]*entry
	order   []gpucore.ResourceID
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[gpucore.ResourceID]*entry)}
}

// Transition moves a resource to usage and returns the barrier the move needs.
// The boolean is false when no barrier is required.
func (t *Tracker) Transition(id gpucore.ResourceID, kind gpucore.ResourceKind, usage gpucore.Usage) (gpucore.BarrierSpec, bool) {
	if usage == gpucore.UsageNone {
		return gpucore.BarrierSpec{}, false
	}
	e, ok := t.entries[id]
	if !ok {
		t.entries[id] = &entry{kind: kind, first: usage, current: usage}
		t.order = append(t.order, id)
		return gpucore.BarrierSpec{}, false
	}
	spec, needed := Resolve(id, kind, e.current, usage)
	if needed {
		e.current = usage
	} else {
		e.current = Merge(e.current, usage)
	}
	return spec, needed
}

// Current returns the tracked usage of a resource inside the recording.
func (t *Tracker) Current(id gpucore.ResourceID) (gpucore.Usage, bool) {
	e, ok := t.entries[id]
	if !ok {
		return gpucore.UsageNone, false
	}
	return e.current, true
}

// Entry returns the first usage of every touched resource, in first-touch order.
func (t *Tracker) Entry() []Use {
	uses := make([]Use, 0, len(t.order))
	for _, id := range t.order {
		e := t.entries[id]
		uses = append(uses, Use{ID: id, Kind: e.kind, Usage: e.first})
	}
	return uses
}

// Exit returns the final usage of every touched resource, in first-touch order.
func (t *Tracker) Exit() []Use {
	uses := make([]Use, 0, len(t.order))
	for _, id := range t.order {
		e := t.entries[id]
		uses = append(uses, Use{ID: id, Kind: e.kind, Usage: e.current})
	}
	return uses
}

// Len returns the number of touched resources.
func (t *Tracker) Len() int { return len(t.order) }

// Reset forgets all tracked state.
func (t *Tracker) Reset() {
	clear(t.entries)
	t.order = t.order[:0]
}

// Resolve computes the barrier needed between two consecutive usages.
//
// Reads never barrier against reads, except on images whose layout must change.
// Any sequence involving a write barriers, including a write followed by the
// same write usage.
func Resolve(id gpucore.ResourceID, kind gpucore.ResourceKind, prev, next gpucore.Usage) (gpucore.BarrierSpec, bool) {
	if next == gpucore.UsageNone {
		return gpucore.BarrierSpec{}, false
	}
	spec := gpucore.BarrierSpec{
		Resource:  id,
		Kind:      kind,
		SrcUsage:  prev,
		DstUsage:  next,
		SrcStages: prev.Stages(),
		DstStages: next.Stages(),
	}
	if kind == gpucore.KindImage {
		spec.OldLayout = gpucore.LayoutFor(prev)
		spec.NewLayout = gpucore.LayoutFor(next)
	}
	if spec.SrcStages == 0 {
		spec.SrcStages = gpucore.StageTop
	}

	switch {
	case prev == gpucore.UsageNone:
		if spec.LayoutChange() {
			spec.Hazard = gpucore.HazardLayout
			return spec, true
		}
		return gpucore.BarrierSpec{}, false
	case prev.IsWrite() && next.IsWrite():
		spec.Hazard = gpucore.HazardWriteAfterWrite
	case prev.IsWrite():
		spec.Hazard = gpucore.HazardReadAfterWrite
	case next.IsWrite():
		spec.Hazard = gpucore.HazardWriteAfterRead
	default:
		if kind == gpucore.KindImage && (spec.NewLayout != spec.OldLayout || gpucore.LayoutFor(prev|next) != spec.OldLayout) {
			spec.Hazard = gpucore.HazardLayout
			return spec, true
		}
		return gpucore.BarrierSpec{}, false
	}
	return spec, true
}

// Merge returns the state after a read that needed no barrier. Both reads stay
// in the state so a later write waits for all of them.
func Merge(prev, next gpucore.Usage) gpucore.Usage {
	return prev | next
}
