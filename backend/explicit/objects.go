package explicit

import (
	"github.com/gogpu/gfxbridge/backend"
	"github.com/gogpu/gfxbridge/backend/host"
	"github.com/gogpu/gfxbridge/gpucore"
)

type heap struct {
	size   uint64
	class  gpucore.MemoryClass
	mem    []byte
	placed int
}

// hazard is the validator state of one resource.
type hazard struct {
	// unsyncedWrite is set by a write and cleared by a barrier.
	unsyncedWrite bool
	// unsyncedRead is set by a read and cleared by a barrier.
	unsyncedRead bool
	layout       gpucore.Layout
}

type buffer struct {
	label  string
	size   uint64
	usage  gpucore.Usage
	heap   *heap
	offset uint64
	hazard
}

func (b *buffer) bytes() []byte {
	return b.heap.mem[b.offset : b.offset+b.size]
}

func (b *buffer) rangeOf(offset, size uint64) []byte {
	if size == 0 {
		size = b.size - offset
	}
	return b.bytes()[offset : offset+size]
}

type image struct {
	label  string
	desc   backend.ImageDesc
	heap   *heap
	offset uint64
	texel  uint32
	size   uint64
	hazard
}

func (i *image) host() host.Image {
	return host.Image{
		Width:  i.desc.Extent.Width,
		Height: i.desc.Extent.Height,
		Format: i.desc.Format,
		Texel:  i.texel,
		Data:   i.heap.mem[i.offset : i.offset+i.size],
	}
}

type sampler struct {
	label  string
	linear bool
}

type shaderModule struct {
	label string
	words int
}

type setLayout struct {
	label   string
	entries []gpucore.LayoutEntry
}

type pipelineLayout struct {
	label string
	sets  []*setLayout
}

type pipeline struct {
	label   string
	compute bool
	layout  *pipelineLayout
	entry   string
}

type set struct {
	label  string
	layout *setLayout
	writes []backend.SetWrite
}

type fence struct {
	tl *host.Timeline
}
