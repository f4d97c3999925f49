package gpucore

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
)

// ResourceID identifies a buffer or image in a resource table.
// The low 32 bits hold the table index, the high 32 bits the generation.
type ResourceID uint64

// InvalidID represents an invalid or unset resource identifier.
const InvalidID ResourceID = 0

// MakeResourceID packs a table index and a generation into a ResourceID.
func MakeResourceID(index, generation uint32) ResourceID {
	return ResourceID(uint64(generation)<<32 | uint64(index))
}

// Index returns the table index of the resource.
func (id ResourceID) Index() uint32 { return uint32(id) }

// Generation returns the generation counter of the resource.
func (id ResourceID) Generation() uint32 { return uint32(id >> 32) }

// IsValid reports whether the identifier refers to a table slot.
func (id ResourceID) IsValid() bool { return id != InvalidID }

// String returns "index@generation".
func (id ResourceID) String() string {
	if !id.IsValid() {
		return "invalid"
	}
	return fmt.Sprintf("%d@%d", id.Index(), id.Generation())
}

// ResourceKind distinguishes buffers from images.
type ResourceKind uint8

const (
	// KindBuffer is a linear buffer.
	KindBuffer ResourceKind = iota
	// KindImage is a 2D image.
	KindImage
)

func (k ResourceKind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindImage:
		return "image"
	default:
		return fmt.Sprintf("ResourceKind(%d)", k)
	}
}

// MemoryClass is the locality/visibility class of a memory heap.
type MemoryClass uint8

const (
	// MemoryDeviceLocal memory is fastest for device access.
	MemoryDeviceLocal MemoryClass = 1 << iota
	// MemoryHostVisible memory can be mapped by the host.
	MemoryHostVisible
	// MemoryHostCoherent memory needs no explicit flush after host writes.
	MemoryHostCoherent
)

// MemoryUpload is the usual class for staging buffers.
const MemoryUpload = MemoryHostVisible | MemoryHostCoherent

// Has reports whether all bits of o are set in c.
func (c MemoryClass) Has(o MemoryClass) bool { return c&o == o }

func (c MemoryClass) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	if c.Has(MemoryDeviceLocal) {
		parts = append(parts, "device-local")
	}
	if c.Has(MemoryHostVisible) {
		parts = append(parts, "host-visible")
	}
	if c.Has(MemoryHostCoherent) {
		parts = append(parts, "host-coherent")
	}
	return strings.Join(parts, "|")
}

// Extent is the size of a 2D image in texels.
type Extent struct {
	Width  uint32
	Height uint32
}

// BufferCopy is one region of a buffer to buffer copy.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// BufferImageCopy describes a copy between a tightly or explicitly strided buffer region
// and a rectangle of an image.
type BufferImageCopy struct {
	BufferOffset uint64
	// BytesPerRow of the buffer side. Zero means tightly packed.
	BytesPerRow uint32
	X, Y        uint32
	Width       uint32
	Height      uint32
}

// RowPitch returns the buffer row pitch for the given texel size.
func (c BufferImageCopy) RowPitch(bytesPerTexel uint32) uint32 {
	if c.BytesPerRow != 0 {
		return c.BytesPerRow
	}
	return c.Width * bytesPerTexel
}

// Color is a linear RGBA clear color.
type Color struct {
	R, G, B, A float64
}

// BytesPerTexel returns the texel size of the image formats supported by the
// translation layer.
func BytesPerTexel(format gputypes.TextureFormat) (uint32, bool) {
	switch format {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm,
		gputypes.TextureFormatDepth24PlusStencil8:
		return 4, true
	case gputypes.TextureFormatR8Unorm:
		return 1, true
	default:
		return 0, false
	}
}

// IsDepthFormat reports whether format is a depth/stencil format.
func IsDepthFormat(format gputypes.TextureFormat) bool {
	return format == gputypes.TextureFormatDepth24PlusStencil8
}
