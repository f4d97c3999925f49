package gpucore

import "fmt"

// BindingType is the type of a descriptor binding slot.
type BindingType uint8

const (
	BindingUniformBuffer BindingType = iota
	BindingStorageBuffer
	BindingReadOnlyStorageBuffer
	BindingSampledImage
	BindingStorageImage
	BindingSampler
)

var bindingTypeNames = [...]string{
	BindingUniformBuffer:         "uniform-buffer",
	BindingStorageBuffer:         "storage-buffer",
	BindingReadOnlyStorageBuffer: "read-only-storage-buffer",
	BindingSampledImage:          "sampled-image",
	BindingStorageImage:          "storage-image",
	BindingSampler:               "sampler",
}

func (t BindingType) String() string {
	if int(t) < len(bindingTypeNames) {
		return bindingTypeNames[t]
	}
	return fmt.Sprintf("BindingType(%d)", t)
}

// IsBuffer reports whether the slot binds a buffer range.
func (t BindingType) IsBuffer() bool {
	return t == BindingUniformBuffer || t == BindingStorageBuffer || t == BindingReadOnlyStorageBuffer
}

// IsImage reports whether the slot binds an image.
func (t BindingType) IsImage() bool {
	return t == BindingSampledImage || t == BindingStorageImage
}

// Usage returns the access a shader performs through a slot of this type.
func (t BindingType) Usage() Usage {
	switch t {
	case BindingUniformBuffer:
		return UsageUniform
	case BindingStorageBuffer, BindingStorageImage:
		return UsageShaderRead | UsageShaderWrite
	case BindingReadOnlyStorageBuffer, BindingSampledImage:
		return UsageShaderRead
	default:
		return UsageNone
	}
}

// ShaderStage is a bit set of programmable shader stages.
type ShaderStage uint8

const (
	ShaderVertex ShaderStage = 1 << iota
	ShaderFragment
	ShaderCompute
)

// ShaderGraphics covers the vertex and fragment stages.
const ShaderGraphics = ShaderVertex | ShaderFragment

func (s ShaderStage) String() string {
	switch s {
	case ShaderVertex:
		return "vertex"
	case ShaderFragment:
		return "fragment"
	case ShaderCompute:
		return "compute"
	case ShaderGraphics:
		return "vertex|fragment"
	case 0:
		return "none"
	default:
		return fmt.Sprintf("ShaderStage(%#x)", uint8(s))
	}
}

// LayoutEntry declares one binding slot of a descriptor set layout.
type LayoutEntry struct {
	Binding uint32
	Type    BindingType
	// Count is the array size of the slot. Zero is treated as one.
	Count  uint32
	Stages ShaderStage
}

// Elements returns the number of descriptors the slot holds.
func (e LayoutEntry) Elements() uint32 {
	if e.Count == 0 {
		return 1
	}
	return e.Count
}

// RegisterClass is a flat register space of deferred-context native APIs.
type RegisterClass uint8

const (
	// RegisterConstant holds constant (uniform) buffers, written b#.
	RegisterConstant RegisterClass = iota
	// RegisterResource holds read-only shader resources, written t#.
	RegisterResource
	// RegisterSampler holds samplers, written s#.
	RegisterSampler
	// RegisterUnordered holds read-write resources, written u#.
	RegisterUnordered

	// RegisterClassCount is the number of register classes.
	RegisterClassCount
)

func (c RegisterClass) String() string {
	switch c {
	case RegisterConstant:
		return "b"
	case RegisterResource:
		return "t"
	case RegisterSampler:
		return "s"
	case RegisterUnordered:
		return "u"
	default:
		return fmt.Sprintf("RegisterClass(%d)", c)
	}
}

// ClassFor maps a binding type onto its register class.
func ClassFor(t BindingType) RegisterClass {
	switch t {
	case BindingUniformBuffer:
		return RegisterConstant
	case BindingReadOnlyStorageBuffer, BindingSampledImage:
		return RegisterResource
	case BindingSampler:
		return RegisterSampler
	default:
		return RegisterUnordered
	}
}

// Features is a bit set of optional native capabilities.
type Features uint32

const (
	// FeatureNativeCommandBuffers means the device records real command buffers.
	FeatureNativeCommandBuffers Features = 1 << iota
	// FeatureNativeBarriers means pipeline barriers are issued natively.
	FeatureNativeBarriers
	// FeatureTimelineFences means fences carry native 64-bit payloads.
	FeatureTimelineFences
	// FeatureDeferredContexts means command lists can be recorded off the immediate context.
	FeatureDeferredContexts
	// FeatureGraphics means render pipelines and draws are supported.
	FeatureGraphics
	// FeatureImageBindings means images can be bound through descriptor sets.
	FeatureImageBindings
)

var featureNames = []struct {
	bit  Features
	name string
}{
	{FeatureNativeCommandBuffers, "native-command-buffers"},
	{FeatureNativeBarriers, "native-barriers"},
	{FeatureTimelineFences, "timeline-fences"},
	{FeatureDeferredContexts, "deferred-contexts"},
	{FeatureGraphics, "graphics"},
	{FeatureImageBindings, "image-bindings"},
}

// Has reports whether all bits of o are set in f.
func (f Features) Has(o Features) bool { return f&o == o }

// Names returns the names of the set feature bits.
func (f Features) Names() []string {
	var names []string
	for _, n := range featureNames {
		if f&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	return names
}

// Limits are the native limits a device reports.
//
// Set-model devices fill the set and per-type fields, register-model devices the
// register fields. Both fill the buffer and image fields.
type Limits struct {
	MaxBufferSize         uint64
	MaxImageDimension     uint32
	MinPlacementAlign     uint64
	MinBindingOffsetAlign uint64

	MaxBoundSets      uint32
	MaxBindingsPerSet uint32
	MaxUniformBuffers uint32
	MaxStorageBuffers uint32
	MaxSampledImages  uint32
	MaxStorageImages  uint32
	MaxSamplers       uint32

	// Registers holds the per-class register counts of the flat model.
	Registers [RegisterClassCount]uint32
}

// DefaultSetLimits returns conservative limits for set/binding native APIs.
func DefaultSetLimits() Limits {
	return Limits{
		MaxBufferSize:         256 << 20,
		MaxImageDimension:     8192,
		MinPlacementAlign:     256,
		MinBindingOffsetAlign: 256,
		MaxBoundSets:          4,
		MaxBindingsPerSet:     1000,
		MaxUniformBuffers:     12,
		MaxStorageBuffers:     8,
		MaxSampledImages:      16,
		MaxStorageImages:      4,
		MaxSamplers:           16,
	}
}

// DefaultRegisterLimits returns the register budget of deferred-context native APIs.
func DefaultRegisterLimits() Limits {
	return Limits{
		MaxBufferSize:         128 << 20,
		MaxImageDimension:     16384,
		MinPlacementAlign:     16,
		MinBindingOffsetAlign: 256,
		MaxBoundSets:          4,
		Registers: [RegisterClassCount]uint32{
			RegisterConstant:  14,
			RegisterResource:  128,
			RegisterSampler:   16,
			RegisterUnordered: 8,
		},
	}
}
