package gfxbridge

import (
	"encoding/json"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gfxbridge/backend/explicit"
	"github.com/gogpu/gfxbridge/gpucore"
)

func TestCreateBufferValidation(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		_, err := r.dev.CreateBuffer(BufferDesc{Label: "zero", Usage: gpucore.UsageCopyDst})
		assert.ErrorIs(t, err, ErrInvalidState)
		_, err = r.dev.CreateBuffer(BufferDesc{Label: "unused", Size: 16})
		assert.ErrorIs(t, err, ErrInvalidState)

		limit := r.dev.Capabilities().Limits.MaxBufferSize
		_, err = r.dev.CreateBuffer(BufferDesc{Label: "huge", Size: limit + 1, Usage: gpucore.UsageCopyDst})
		assert.ErrorIs(t, err, ErrCapabilityExceeded)

		dim := r.dev.Capabilities().Limits.MaxImageDimension
		_, err = r.dev.CreateImage(ImageDesc{
			Label:  "huge",
			Extent: gpucore.Extent{Width: dim + 1, Height: 1},
			Format: gputypes.TextureFormatRGBA8Unorm,
			Usage:  gpucore.UsageCopyDst,
		})
		assert.ErrorIs(t, err, ErrCapabilityExceeded)
		_, err = r.dev.CreateImage(ImageDesc{Label: "empty", Format: gputypes.TextureFormatRGBA8Unorm, Usage: gpucore.UsageCopyDst})
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestBindMemory(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		mem, err := r.dev.AllocateMemory(1<<20, gpucore.MemoryUpload)
		require.NoError(t, err)
		assert.Equal(t, uint64(1<<20), mem.Size())
		assert.Equal(t, gpucore.MemoryUpload, mem.Class())

		b, err := r.dev.CreateBuffer(BufferDesc{Label: "placed", Size: 4096, Usage: gpucore.UsageCopyDst, Class: gpucore.MemoryUpload})
		require.NoError(t, err)
		require.NoError(t, r.dev.BindBufferMemory(b, mem))
		assert.ErrorIs(t, r.dev.BindBufferMemory(b, mem), ErrInvalidState)

		require.NoError(t, r.dev.WriteBuffer(b, 8, []byte{1, 2, 3, 4}))
		got := make([]byte, 4)
		require.NoError(t, r.dev.ReadBuffer(b, 8, got))
		assert.Equal(t, []byte{1, 2, 3, 4}, got)

		assert.ErrorIs(t, r.dev.FreeMemory(mem), ErrStillInUse)
		require.NoError(t, r.dev.DestroyBuffer(b))
		require.NoError(t, r.dev.FreeMemory(mem))
		assert.ErrorIs(t, r.dev.DestroyBuffer(b), ErrInvalidHandle)
	})
}

func TestBindMemoryClassMismatch(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		mem, err := r.dev.AllocateMemory(1<<16, gpucore.MemoryDeviceLocal)
		require.NoError(t, err)
		b, err := r.dev.CreateBuffer(BufferDesc{Label: "staging", Size: 256, Usage: gpucore.UsageCopySrc, Class: gpucore.MemoryUpload})
		require.NoError(t, err)
		assert.ErrorIs(t, r.dev.BindBufferMemory(b, mem), ErrInvalidState)

		_, err = r.dev.AllocateMemory(0, gpucore.MemoryDeviceLocal)
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestHostAccessValidation(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		unbound, err := r.dev.CreateBuffer(BufferDesc{Label: "unbound", Size: 64, Usage: gpucore.UsageCopyDst})
		require.NoError(t, err)
		assert.ErrorIs(t, r.dev.WriteBuffer(unbound, 0, []byte{1}), ErrInvalidState)

		b := r.buffer(t, "host", 64, gpucore.UsageCopyDst)
		assert.ErrorIs(t, r.dev.WriteBuffer(b, 60, make([]byte, 8)), ErrInvalidState)
		assert.ErrorIs(t, r.dev.ReadBuffer(b, 0, nil), ErrInvalidState)
	})
}

func TestHostAccessNeedsHostVisibleMemory(t *testing.T) {
	dev, err := NewDevice(explicit.New())
	require.NoError(t, err)
	defer dev.Close()

	b, err := dev.CreateBuffer(BufferDesc{Label: "local", Size: 64, Usage: gpucore.UsageCopyDst})
	require.NoError(t, err)
	require.NoError(t, dev.BindBufferMemory(b, nil))
	assert.ErrorIs(t, dev.WriteBuffer(b, 0, []byte{1}), ErrInvalidState)
}

func TestMemoryStatsAndMap(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		before := r.dev.MemoryStats()
		a := r.buffer(t, "a", 1024, gpucore.UsageCopyDst)
		r.buffer(t, "b", 2048, gpucore.UsageCopyDst)

		s := r.dev.MemoryStats()
		assert.Equal(t, before.Allocations+2, s.Allocations)
		assert.GreaterOrEqual(t, s.UsedBytes, before.UsedBytes+3072)
		assert.GreaterOrEqual(t, s.TotalBytes, s.UsedBytes)
		assert.NotEmpty(t, s.String())

		dump, err := r.dev.DumpMemoryMap()
		require.NoError(t, err)
		assert.True(t, json.Valid(dump), "memory map is not JSON: %s", dump)

		require.NoError(t, r.dev.DestroyBuffer(a))
		assert.Equal(t, before.Allocations+1, r.dev.MemoryStats().Allocations)
	})
}

func TestSamplers(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		s, err := r.dev.CreateSampler(SamplerDesc{Label: "linear", Linear: true})
		require.NoError(t, err)
		require.NoError(t, r.dev.DestroySampler(s))
		assert.ErrorIs(t, r.dev.DestroySampler(s), ErrInvalidHandle)
	})
}
