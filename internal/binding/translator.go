package binding

import (
	"github.com/pkg/errors"

	"github.com/gogpu/gfxbridge/gpucore"
	"github.com/gogpu/gfxbridge/shader"
)

// Slot is one resolved descriptor in binding order.
type Slot struct {
	Binding uint32
	Element uint32
	Type    gpucore.BindingType
	Descriptor
	// Written is false for slots the set never filled.
	Written bool
}

// BindOp is one replayable native binding operation.
//
// On the set model there is one op per set carrying the native set. On the flat
// model there is one op per register class with a contiguous register range.
type BindOp struct {
	Set    uint32
	Class  gpucore.RegisterClass
	Stages gpucore.ShaderStage
	Start  uint32
	Slots  []Slot
	Native any
}

// Translator maps portable layouts and sets onto a native binding model.
type Translator interface {
	Model() Model
	Limits() gpucore.Limits
	NewSetLayout(entries []gpucore.LayoutEntry) (*SetLayout, error)
	NewPipelineLayout(sets []*SetLayout) (*PipelineLayout, error)
	Bind(layout *PipelineLayout, index uint32, set *Set) ([]BindOp, error)
}

// New returns the translator for a native binding model.
func New(model Model, limits gpucore.Limits) Translator {
	if model == ModelFlat {
		return &FlatTranslator{limits: limits}
	}
	return &SetTranslator{limits: limits}
}

// SetTranslator implements the set/binding model of explicit native APIs.
type SetTranslator struct {
	limits gpucore.Limits
}

// Model implements Translator.
func (t *SetTranslator) Model() Model { return ModelSets }

// Limits implements Translator.
func (t *SetTranslator) Limits() gpucore.Limits { return t.limits }

// NewSetLayout implements Translator.
func (t *SetTranslator) NewSetLayout(entries []gpucore.LayoutEntry) (*SetLayout, error) {
	l, err := newSetLayout(entries)
	if err != nil {
		return nil, err
	}
	if n := l.Descriptors(); n > t.limits.MaxBindingsPerSet {
		return nil, errors.Wrapf(ErrCapabilityExceeded, "set layout has %d descriptors, limit %d", n, t.limits.MaxBindingsPerSet)
	}
	if err := t.checkPerType(l.perType, "set layout"); err != nil {
		return nil, err
	}
	return l, nil
}

// NewPipelineLayout implements Translator.
func (t *SetTranslator) NewPipelineLayout(sets []*SetLayout) (*PipelineLayout, error) {
	if n := uint32(len(sets)); n > t.limits.MaxBoundSets {
		return nil, errors.Wrapf(ErrCapabilityExceeded, "pipeline layout has %d sets, limit %d", n, t.limits.MaxBoundSets)
	}
	total := make(map[gpucore.BindingType]uint32)
	for _, s := range sets {
		for typ, n := range s.perType {
			total[typ] += n
		}
	}
	if err := t.checkPerType(total, "pipeline layout"); err != nil {
		return nil, err
	}
	return &PipelineLayout{sets: append([]*SetLayout(nil), sets...)}, nil
}

// Bind implements Translator.
func (t *SetTranslator) Bind(layout *PipelineLayout, index uint32, set *Set) ([]BindOp, error) {
	if err := checkCompatible(layout, index, set); err != nil {
		return nil, err
	}
	op := BindOp{
		Set:    index,
		Native: set.Native,
		Slots:  make([]Slot, 0, set.layout.Descriptors()),
	}
	for _, e := range set.layout.entries {
		op.Stages |= e.Stages
		for el := uint32(0); el < e.Elements(); el++ {
			d, ok := set.Descriptor(e.Binding, el)
			op.Slots = append(op.Slots, Slot{Binding: e.Binding, Element: el, Type: e.Type, Descriptor: d, Written: ok})
		}
	}
	return []BindOp{op}, nil
}

func (t *SetTranslator) checkPerType(counts map[gpucore.BindingType]uint32, what string) error {
	limits := map[gpucore.BindingType]uint32{
		gpucore.BindingUniformBuffer:         t.limits.MaxUniformBuffers,
		gpucore.BindingStorageBuffer:         t.limits.MaxStorageBuffers,
		gpucore.BindingReadOnlyStorageBuffer: t.limits.MaxStorageBuffers,
		gpucore.BindingSampledImage:          t.limits.MaxSampledImages,
		gpucore.BindingStorageImage:          t.limits.MaxStorageImages,
		gpucore.BindingSampler:               t.limits.MaxSamplers,
	}
	// Read-only and read-write storage buffers share one native budget.
	storage := counts[gpucore.BindingStorageBuffer] + counts[gpucore.BindingReadOnlyStorageBuffer]
	if storage > t.limits.MaxStorageBuffers {
		return errors.Wrapf(ErrCapabilityExceeded, "%s has %d storage buffers, limit %d", what, storage, t.limits.MaxStorageBuffers)
	}
	for typ, n := range counts {
		if typ == gpucore.BindingStorageBuffer || typ == gpucore.BindingReadOnlyStorageBuffer {
			continue
		}
		if n > limits[typ] {
			return errors.Wrapf(ErrCapabilityExceeded, "%s has %d %s slots, limit %d", what, n, typ, limits[typ])
		}
	}
	return nil
}

// FlatTranslator implements the flat register model of deferred-context native APIs.
//
// Each pipeline layout assigns every set a contiguous register range per class,
// computed once at creation.
type FlatTranslator struct {
	limits gpucore.Limits
}

// Model implements Translator.
func (t *FlatTranslator) Model() Model { return ModelFlat }

// Limits implements Translator.
func (t *FlatTranslator) Limits() gpucore.Limits { return t.limits }

// NewSetLayout implements Translator.
func (t *FlatTranslator) NewSetLayout(entries []gpucore.LayoutEntry) (*SetLayout, error) {
	l, err := newSetLayout(entries)
	if err != nil {
		return nil, err
	}
	for c := gpucore.RegisterClass(0); c < gpucore.RegisterClassCount; c++ {
		if n, limit := l.classCount[c], t.limits.Registers[c]; n > limit {
			return nil, errors.Wrapf(ErrCapabilityExceeded, "set layout needs %d %s registers, limit %d", n, c, limit)
		}
	}
	return l, nil
}

// NewPipelineLayout implements Translator.
func (t *FlatTranslator) NewPipelineLayout(sets []*SetLayout) (*PipelineLayout, error) {
	if n := uint32(len(sets)); t.limits.MaxBoundSets > 0 && n > t.limits.MaxBoundSets {
		return nil, errors.Wrapf(ErrCapabilityExceeded, "pipeline layout has %d sets, limit %d", n, t.limits.MaxBoundSets)
	}
	p := &PipelineLayout{
		sets: append([]*SetLayout(nil), sets...),
		base: make([][gpucore.RegisterClassCount]uint32, len(sets)),
	}
	var next [gpucore.RegisterClassCount]uint32
	for i, s := range sets {
		for c := gpucore.RegisterClass(0); c < gpucore.RegisterClassCount; c++ {
			p.base[i][c] = next[c]
			next[c] += s.classCount[c]
			if next[c] > t.limits.Registers[c] {
				return nil, errors.Wrapf(ErrCapabilityExceeded, "pipeline layout needs %d %s registers, limit %d",
					next[c], c, t.limits.Registers[c])
			}
		}
	}
	return p, nil
}

// Bind implements Translator.
func (t *FlatTranslator) Bind(layout *PipelineLayout, index uint32, set *Set) ([]BindOp, error) {
	if err := checkCompatible(layout, index, set); err != nil {
		return nil, err
	}
	l := set.layout
	var ops []BindOp
	for c := gpucore.RegisterClass(0); c < gpucore.RegisterClassCount; c++ {
		if l.classCount[c] == 0 {
			continue
		}
		ops = append(ops, BindOp{
			Set:    index,
			Class:  c,
			Stages: l.stages[c],
			Start:  layout.base[index][c],
			Slots:  make([]Slot, l.classCount[c]),
		})
	}
	for _, e := range l.entries {
		class := gpucore.ClassFor(e.Type)
		var op *BindOp
		for i := range ops {
			if ops[i].Class == class {
				op = &ops[i]
				break
			}
		}
		for el := uint32(0); el < e.Elements(); el++ {
			d, ok := set.Descriptor(e.Binding, el)
			op.Slots[l.classOffset[e.Binding]+el] = Slot{Binding: e.Binding, Element: el, Type: e.Type, Descriptor: d, Written: ok}
		}
	}
	return ops, nil
}

func checkCompatible(layout *PipelineLayout, index uint32, set *Set) error {
	want, ok := layout.Set(index)
	if !ok {
		return errors.Wrapf(ErrLayoutMismatch, "set index %d outside pipeline layout with %d sets", index, len(layout.sets))
	}
	if want == set.layout {
		return nil
	}
	if len(want.entries) != len(set.layout.entries) {
		return errors.Wrapf(ErrLayoutMismatch, "set %d: layout has %d entries, set has %d", index, len(want.entries), len(set.layout.entries))
	}
	for i, e := range want.entries {
		if got := set.layout.entries[i]; got.Binding != e.Binding || got.Type != e.Type || got.Elements() != e.Elements() {
			return errors.Wrapf(ErrLayoutMismatch, "set %d: binding %d differs from pipeline layout", index, got.Binding)
		}
	}
	return nil
}

// Validate checks the bindings an entry point uses against a pipeline layout.
func Validate(layout *PipelineLayout, refl shader.Reflection, stage gpucore.ShaderStage) error {
	for _, u := range refl.Bindings {
		if u.Stages&stage == 0 {
			continue
		}
		set, ok := layout.Set(u.Group)
		if !ok {
			return errors.Wrapf(ErrLayoutMismatch, "%s uses group %d, layout has %d sets", u.Name, u.Group, len(layout.sets))
		}
		e, ok := set.Entry(u.Binding)
		if !ok {
			return errors.Wrapf(ErrLayoutMismatch, "%s uses @group(%d) @binding(%d), not in layout", u.Name, u.Group, u.Binding)
		}
		if !typeCompatible(u.Type, e.Type) {
			return errors.Wrapf(ErrLayoutMismatch, "%s is %s in the shader but %s in the layout", u.Name, u.Type, e.Type)
		}
		if e.Stages&stage == 0 {
			return errors.Wrapf(ErrLayoutMismatch, "%s is not visible to the %s stage", u.Name, stage)
		}
	}
	return nil
}

func typeCompatible(shaderType, layoutType gpucore.BindingType) bool {
	if shaderType == layoutType {
		return true
	}
	// A read-only shader view may be backed by a read-write slot.
	return shaderType == gpucore.BindingReadOnlyStorageBuffer && layoutType == gpucore.BindingStorageBuffer
}
