package host

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gfxbridge/gpucore"
)

// Image is the host storage of a 2D image, rows tightly packed.
type Image struct {
	Width  uint32
	Height uint32
	Format gputypes.TextureFormat
	Texel  uint32
	Data   []byte
}

// ImageSize returns the bytes a tightly packed image needs.
func ImageSize(e gpucore.Extent, format gputypes.TextureFormat) (uint64, bool) {
	bpt, ok := gpucore.BytesPerTexel(format)
	if !ok {
		return 0, false
	}
	return uint64(e.Width) * uint64(e.Height) * uint64(bpt), true
}

// CopyBufferToImage copies buffer rows into a rectangle of img.
// The region must have been validated against both sides.
func CopyBufferToImage(img Image, buf []byte, c gpucore.BufferImageCopy) {
	pitch := uint64(c.RowPitch(img.Texel))
	row := uint64(c.Width * img.Texel)
	for y := uint32(0); y < c.Height; y++ {
		src := c.BufferOffset + uint64(y)*pitch
		dst := (uint64(c.Y+y)*uint64(img.Width) + uint64(c.X)) * uint64(img.Texel)
		copy(img.Data[dst:dst+row], buf[src:src+row])
	}
}

// CopyImageToBuffer copies a rectangle of img into buffer rows.
func CopyImageToBuffer(buf []byte, img Image, c gpucore.BufferImageCopy) {
	pitch := uint64(c.RowPitch(img.Texel))
	row := uint64(c.Width * img.Texel)
	for y := uint32(0); y < c.Height; y++ {
		src := (uint64(c.Y+y)*uint64(img.Width) + uint64(c.X)) * uint64(img.Texel)
		dst := c.BufferOffset + uint64(y)*pitch
		copy(buf[dst:dst+row], img.Data[src:src+row])
	}
}

// Fill writes value as little-endian 32-bit words over dst.
func Fill(dst []byte, value uint32) {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], value)
	for i := 0; i+4 <= len(dst); i += 4 {
		copy(dst[i:i+4], word[:])
	}
}

func unorm8(v float64) byte {
	return byte(math.Round(math.Max(0, math.Min(1, v)) * 255))
}

// PackColor encodes c as one texel of format.
func PackColor(format gputypes.TextureFormat, c gpucore.Color) ([]byte, bool) {
	switch format {
	case gputypes.TextureFormatRGBA8Unorm:
		return []byte{unorm8(c.R), unorm8(c.G), unorm8(c.B), unorm8(c.A)}, true
	case gputypes.TextureFormatBGRA8Unorm:
		return []byte{unorm8(c.B), unorm8(c.G), unorm8(c.R), unorm8(c.A)}, true
	case gputypes.TextureFormatR8Unorm:
		return []byte{unorm8(c.R)}, true
	default:
		return nil, false
	}
}

// Clear sets every texel of img to c. Formats PackColor cannot encode are
// zeroed.
func Clear(img Image, c gpucore.Color) {
	texel, ok := PackColor(img.Format, c)
	if !ok {
		clear(img.Data)
		return
	}
	for i := 0; i+len(texel) <= len(img.Data); i += len(texel) {
		copy(img.Data[i:], texel)
	}
}
