package binding

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/gogpu/gfxbridge/gpucore"
)

// Binding translator errors.
var (
	// ErrCapabilityExceeded is returned when a layout needs more binding points
	// than the native device offers.
	ErrCapabilityExceeded = errors.New("binding: layout exceeds native binding limits")

	// ErrInvalidEntry is returned for malformed layout entries.
	ErrInvalidEntry = errors.New("binding: invalid layout entry")

	// ErrLayoutMismatch is returned when shader resource usage does not match a layout.
	ErrLayoutMismatch = errors.New("binding: shader usage does not match layout")

	// ErrSlotMismatch is returned for descriptor writes that do not fit the layout slot.
	ErrSlotMismatch = errors.New("binding: descriptor write does not match layout slot")
)

// Model identifies a native binding model.
type Model uint8

const (
	// ModelSets is the set/binding model of explicit native APIs.
	ModelSets Model = iota
	// ModelFlat is the flat register model of deferred-context native APIs.
	ModelFlat
)

func (m Model) String() string {
	if m == ModelFlat {
		return "flat-registers"
	}
	return "sets"
}

// SetLayout is an immutable descriptor set layout.
type SetLayout struct {
	entries []gpucore.LayoutEntry
	index   map[uint32]int
	// perType counts descriptors per binding type.
	perType map[gpucore.BindingType]uint32
	// classCount and classOffset are the flat register assignment within the set.
	classCount  [gpucore.RegisterClassCount]uint32
	classOffset map[uint32]uint32
	stages      [gpucore.RegisterClassCount]gpucore.ShaderStage

	// Native is the backend set layout, nil on register-model devices.
	Native any
}

func newSetLayout(entries []gpucore.LayoutEntry) (*SetLayout, error) {
	sorted := append([]gpucore.LayoutEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Binding < sorted[j].Binding })

	l := &SetLayout{
		entries:     sorted,
		index:       make(map[uint32]int, len(sorted)),
		perType:     make(map[gpucore.BindingType]uint32),
		classOffset: make(map[uint32]uint32, len(sorted)),
	}
	for i, e := range sorted {
		if _, dup := l.index[e.Binding]; dup {
			return nil, errors.Wrapf(ErrInvalidEntry, "binding %d declared twice", e.Binding)
		}
		if e.Type > gpucore.BindingSampler {
			return nil, errors.Wrapf(ErrInvalidEntry, "binding %d: unknown type %d", e.Binding, e.Type)
		}
		if e.Stages == 0 {
			return nil, errors.Wrapf(ErrInvalidEntry, "binding %d: no shader stages", e.Binding)
		}
		l.index[e.Binding] = i
		n := e.Elements()
		l.perType[e.Type] += n

		class := gpucore.ClassFor(e.Type)
		l.classOffset[e.Binding] = l.classCount[class]
		l.classCount[class] += n
		l.stages[class] |= e.Stages
	}
	return l, nil
}

// Entries returns the layout entries sorted by binding number.
func (l *SetLayout) Entries() []gpucore.LayoutEntry { return l.entries }

// Entry returns the entry for a binding number.
func (l *SetLayout) Entry(binding uint32) (gpucore.LayoutEntry, bool) {
	i, ok := l.index[binding]
	if !ok {
		return gpucore.LayoutEntry{}, false
	}
	return l.entries[i], true
}

// Descriptors returns the total number of descriptors in the layout.
func (l *SetLayout) Descriptors() uint32 {
	var n uint32
	for _, c := range l.perType {
		n += c
	}
	return n
}

// ClassCount returns the number of registers of a class the set occupies.
func (l *SetLayout) ClassCount(c gpucore.RegisterClass) uint32 { return l.classCount[c] }

// PipelineLayout is an immutable ordered list of set layouts.
type PipelineLayout struct {
	sets []*SetLayout
	// base is the first register per class for each set, flat model only.
	base [][gpucore.RegisterClassCount]uint32

	// Native is the backend pipeline layout, nil on register-model devices.
	Native any
}

// Sets returns the set layouts in set index order.
func (p *PipelineLayout) Sets() []*SetLayout { return p.sets }

// Set returns the layout at a set index.
func (p *PipelineLayout) Set(index uint32) (*SetLayout, bool) {
	if int(index) >= len(p.sets) {
		return nil, false
	}
	return p.sets[index], true
}

// Register returns the flat register assigned to a binding element.
func (p *PipelineLayout) Register(set, binding, element uint32) (gpucore.RegisterClass, uint32, bool) {
	l, ok := p.Set(set)
	if !ok || int(set) >= len(p.base) {
		return 0, 0, false
	}
	e, ok := l.Entry(binding)
	if !ok || element >= e.Elements() {
		return 0, 0, false
	}
	class := gpucore.ClassFor(e.Type)
	return class, p.base[set][class] + l.classOffset[binding] + element, true
}
