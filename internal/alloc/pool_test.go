package alloc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gfxbridge/gpucore"
)

type fakeBacking struct {
	created   int
	destroyed int
	fail      bool
}

func (b *fakeBacking) CreateHeap(size uint64, _ gpucore.MemoryClass) (any, error) {
	if b.fail {
		return nil, errors.New("native heap creation refused")
	}
	b.created++
	return make([]byte, size), nil
}

func (b *fakeBacking) DestroyHeap(any) { b.destroyed++ }

func TestPool_GrowsOnce(t *testing.T) {
	backing := &fakeBacking{}
	p := NewPool(backing, 1024)

	a1, err := p.Allocate(gpucore.MemoryDeviceLocal, 600, 16)
	require.NoError(t, err)
	a2, err := p.Allocate(gpucore.MemoryDeviceLocal, 600, 16)
	require.NoError(t, err)
	assert.NotSame(t, a1.Heap, a2.Heap, "second request must land in a new heap")
	assert.Equal(t, 2, backing.created)

	// A request larger than the preferred size gets a dedicated-size heap.
	big, err := p.Allocate(gpucore.MemoryDeviceLocal, 4096, 256)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, big.Heap.Size(), uint64(4096))

	s := p.Stats()
	assert.Equal(t, 3, s.Heaps)
	assert.Equal(t, 3, s.Grows)
	assert.Equal(t, uint64(600+600+4096), s.UsedBytes)
	assert.Contains(t, s.String(), "heaps=3")
}

func TestPool_ReusesFullestHeap(t *testing.T) {
	p := NewPool(&fakeBacking{}, 1000)

	a1, err := p.Allocate(gpucore.MemoryUpload, 900, 1)
	require.NoError(t, err)
	a2, err := p.Allocate(gpucore.MemoryUpload, 500, 1)
	require.NoError(t, err)
	require.NotSame(t, a1.Heap, a2.Heap)

	a3, err := p.Allocate(gpucore.MemoryUpload, 50, 1)
	require.NoError(t, err)
	assert.Same(t, a1.Heap, a3.Heap, "small request should fill the fullest heap first")
}

func TestPool_ClassesAreSeparate(t *testing.T) {
	backing := &fakeBacking{}
	p := NewPool(backing, 1024)

	a1, err := p.Allocate(gpucore.MemoryDeviceLocal, 16, 1)
	require.NoError(t, err)
	a2, err := p.Allocate(gpucore.MemoryUpload, 16, 1)
	require.NoError(t, err)
	assert.NotSame(t, a1.Heap, a2.Heap)
	assert.Equal(t, gpucore.MemoryUpload, a2.Heap.Class())
}

func TestPool_GrowthFailure(t *testing.T) {
	backing := &fakeBacking{fail: true}
	p := NewPool(backing, 1024)

	_, err := p.Allocate(gpucore.MemoryDeviceLocal, 16, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfMemory), "got %v", err)
}

func TestPool_InvalidAlignmentDoesNotGrow(t *testing.T) {
	backing := &fakeBacking{}
	p := NewPool(backing, 1024)

	_, err := p.Allocate(gpucore.MemoryDeviceLocal, 16, 3)
	require.ErrorIs(t, err, ErrInvalidAlignment)
	assert.Zero(t, backing.created)
	s := p.Stats()
	assert.Zero(t, s.Heaps)
	assert.Zero(t, s.Grows)

	_, err = p.Allocate(gpucore.MemoryDeviceLocal, 16, 0)
	require.NoError(t, err, "zero alignment means one")
}

func TestPool_HeapLifetime(t *testing.T) {
	backing := &fakeBacking{}
	p := NewPool(backing, 1024)

	a1, err := p.Allocate(gpucore.MemoryDeviceLocal, 1024, 1)
	require.NoError(t, err)
	a2, err := p.Allocate(gpucore.MemoryDeviceLocal, 1024, 1)
	require.NoError(t, err)

	// The first empty heap is kept for reuse, the second one is released.
	require.NoError(t, p.Free(a1))
	assert.Equal(t, 2, p.Heaps())
	require.NoError(t, p.Free(a2))
	assert.Equal(t, 1, p.Heaps())
	assert.Equal(t, 1, backing.destroyed)

	assert.Equal(t, 1, p.Trim())
	assert.Equal(t, 0, p.Heaps())

	require.ErrorIs(t, p.Free(a1), ErrUnknownHeap)
}

func TestPool_ExplicitHeap(t *testing.T) {
	backing := &fakeBacking{}
	p := NewPool(backing, 1024)

	h, err := p.CreateHeap(4096, gpucore.MemoryHostVisible)
	require.NoError(t, err)
	assert.True(t, h.Explicit())

	a, err := p.AllocateFrom(h, 1024, 256)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Allocations())

	_, err = p.AllocateFrom(h, 8192, 1)
	require.ErrorIs(t, err, ErrOutOfSpace)

	// Growth never hands out explicit heaps.
	g, err := p.Allocate(gpucore.MemoryHostVisible, 16, 1)
	require.NoError(t, err)
	assert.NotSame(t, h, g.Heap)

	require.ErrorIs(t, p.DestroyHeap(h), ErrHeapInUse)
	require.NoError(t, p.Free(a))
	assert.Equal(t, 0, h.Allocations())

	// Emptied explicit heaps survive until destroyed.
	require.NoError(t, p.DestroyHeap(h))
	require.ErrorIs(t, p.DestroyHeap(h), ErrUnknownHeap)
}

func TestPool_DetailedMapJSON(t *testing.T) {
	p := NewPool(&fakeBacking{}, 1024)
	_, err := p.Allocate(gpucore.MemoryDeviceLocal, 100, 64)
	require.NoError(t, err)
	_, err = p.Allocate(gpucore.MemoryDeviceLocal, 100, 64)
	require.NoError(t, err)

	data, err := p.DetailedMapJSON()
	require.NoError(t, err)

	var doc struct {
		PreferredHeapSize int
		Heaps             map[string]struct {
			Class       string
			Size        int
			Used        int
			Allocations int
			Ranges      []struct {
				Offset int
				Size   int
				Type   string
			}
		}
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 1024, doc.PreferredHeapSize)
	require.Len(t, doc.Heaps, 1)

	heap := doc.Heaps["1"]
	assert.Equal(t, "device-local", heap.Class)
	assert.Equal(t, 200, heap.Used)
	assert.Equal(t, 2, heap.Allocations)
	// [0,100) used, [100,128) padding, [128,228) used, tail free.
	require.Len(t, heap.Ranges, 4)
	assert.Equal(t, "USED", heap.Ranges[0].Type)
	assert.Equal(t, "FREE", heap.Ranges[1].Type)
	assert.Equal(t, 128, heap.Ranges[2].Offset)
	assert.Equal(t, "FREE", heap.Ranges[3].Type)
}
