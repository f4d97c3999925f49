package gfxbridge

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gfxbridge/gpucore"
)

func TestCopyRoundTrip(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		src := r.buffer(t, "src", 256, gpucore.UsageCopySrc)
		dst := r.buffer(t, "dst", 256, gpucore.UsageCopyDst)
		cb := r.record(t, "copy", func(cb *CommandBuffer) {
			cb.CopyBuffer(src, dst, gpucore.BufferCopy{Size: 256})
		})

		for run := range 3 {
			data := bytes.Repeat([]byte{byte(run + 1)}, 256)
			require.NoError(t, r.dev.WriteBuffer(src, 0, data))
			r.submit(t, cb)
			assert.Equal(t, data, r.read(t, dst, 256), "run %d", run)
			assert.Equal(t, StateExecutable, cb.State())
		}
		assert.Empty(t, r.native.Violations())
	})
}

func TestFillThenUpdate(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		buf := r.buffer(t, "buf", 16, gpucore.UsageCopyDst)
		cb := r.record(t, "fill", func(cb *CommandBuffer) {
			cb.FillBuffer(buf, 0, 16, 0x04030201)
			cb.UpdateBuffer(buf, 4, []byte{9, 9, 9, 9})
		})
		r.submit(t, cb)

		assert.Equal(t, []byte{1, 2, 3, 4, 9, 9, 9, 9, 1, 2, 3, 4, 1, 2, 3, 4}, r.read(t, buf, 16))
		assert.Empty(t, r.native.Violations())
	})
}

func TestOneShotBuffer(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		buf := r.buffer(t, "buf", 16, gpucore.UsageCopyDst)
		cb, err := r.dev.CreateCommandBuffer(CommandBufferDesc{Label: "once", OneShot: true})
		require.NoError(t, err)
		require.NoError(t, cb.Begin())
		cb.FillBuffer(buf, 0, 16, 1)
		require.NoError(t, cb.End())

		r.submit(t, cb)
		assert.Equal(t, StateInvalid, cb.State())
		assert.ErrorIs(t, r.dev.Queue().Submit(SubmitInfo{CommandBuffers: []*CommandBuffer{cb}}), ErrInvalidState)

		require.NoError(t, cb.Reset())
		assert.Equal(t, StateInitial, cb.State())
		require.NoError(t, cb.Free())
	})
}

func TestSubmitRejectsBadBuffers(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		buf := r.buffer(t, "buf", 16, gpucore.UsageCopyDst)
		cb := r.record(t, "fill", func(cb *CommandBuffer) { cb.FillBuffer(buf, 0, 16, 1) })

		err := r.dev.Queue().Submit(SubmitInfo{CommandBuffers: []*CommandBuffer{cb, cb}})
		assert.ErrorIs(t, err, ErrInvalidState)

		fresh, err := r.dev.CreateCommandBuffer(CommandBufferDesc{Label: "fresh"})
		require.NoError(t, err)
		assert.ErrorIs(t, r.dev.Queue().Submit(SubmitInfo{CommandBuffers: []*CommandBuffer{fresh}}), ErrInvalidState)

		// Rejected submissions leave the buffer executable.
		assert.Equal(t, StateExecutable, cb.State())
		r.submit(t, cb)
	})
}

func TestSemaphoreOrdering(t *testing.T) {
	for _, waiterFirst := range []bool{false, true} {
		t.Run(fmt.Sprintf("waiterFirst=%v", waiterFirst), func(t *testing.T) {
			eachModel(t, func(t *testing.T, r *rig) {
				a := r.buffer(t, "a", 256, gpucore.UsageCopySrc|gpucore.UsageCopyDst)
				b := r.buffer(t, "b", 256, gpucore.UsageCopyDst)
				fill := r.record(t, "fill", func(cb *CommandBuffer) { cb.FillBuffer(a, 0, 256, 0x05050505) })
				copyAB := r.record(t, "copy", func(cb *CommandBuffer) {
					cb.CopyBuffer(a, b, gpucore.BufferCopy{Size: 256})
				})

				sem, err := r.dev.CreateSemaphore("a-ready")
				require.NoError(t, err)
				done, err := r.dev.CreateFence("done")
				require.NoError(t, err)

				q := r.dev.Queue()
				signaler := SubmitInfo{CommandBuffers: []*CommandBuffer{fill}, Signal: []*Semaphore{sem}}
				waiter := SubmitInfo{CommandBuffers: []*CommandBuffer{copyAB}, Wait: []*Semaphore{sem}, Fence: done}
				if waiterFirst {
					require.NoError(t, q.Submit(waiter))
					st, err := r.dev.Poll(done)
					require.NoError(t, err)
					assert.Equal(t, StatusPending, st)
					require.NoError(t, q.Submit(signaler))
				} else {
					require.NoError(t, q.Submit(signaler))
					require.NoError(t, q.Submit(waiter))
				}

				require.NoError(t, r.dev.BlockUntil(done, 5*time.Second))
				assert.Equal(t, bytes.Repeat([]byte{5}, 256), r.read(t, b, 256))
				assert.Empty(t, r.native.Violations())
				require.NoError(t, r.dev.WaitIdle())
			})
		})
	}
}

func TestWaitIdleWithUnsignaledWait(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		buf := r.buffer(t, "buf", 16, gpucore.UsageCopyDst)
		cb := r.record(t, "fill", func(cb *CommandBuffer) { cb.FillBuffer(buf, 0, 16, 1) })
		sem, err := r.dev.CreateSemaphore("never")
		require.NoError(t, err)

		require.NoError(t, r.dev.Queue().Submit(SubmitInfo{CommandBuffers: []*CommandBuffer{cb}, Wait: []*Semaphore{sem}}))
		assert.ErrorIs(t, r.dev.WaitIdle(), ErrInvalidState)
		assert.Equal(t, StatePending, cb.State())
	})
}

func TestPendingWorkIsInUse(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		buf := r.buffer(t, "buf", 64, gpucore.UsageCopyDst)
		cb := r.record(t, "fill", func(cb *CommandBuffer) { cb.FillBuffer(buf, 0, 64, 3) })
		f, err := r.dev.CreateFence("held")
		require.NoError(t, err)

		release := r.native.Hold()
		require.NoError(t, r.dev.Queue().Submit(SubmitInfo{CommandBuffers: []*CommandBuffer{cb}, Fence: f}))

		assert.ErrorIs(t, r.dev.BlockUntil(f, 0), ErrTimedOut)
		st, err := r.dev.Poll(f)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, st)
		assert.Equal(t, StatePending, cb.State())

		assert.ErrorIs(t, r.dev.ResetFence(f), ErrStillInUse)
		assert.ErrorIs(t, r.dev.DestroyPrimitive(f), ErrStillInUse)
		assert.ErrorIs(t, r.dev.DestroyBuffer(buf), ErrStillInUse)
		assert.ErrorIs(t, cb.Reset(), ErrStillInUse)
		assert.ErrorIs(t, cb.Free(), ErrStillInUse)
		assert.ErrorIs(t, r.dev.ReadBuffer(buf, 0, make([]byte, 4)), ErrStillInUse)
		assert.ErrorIs(t, r.dev.Queue().Submit(SubmitInfo{CommandBuffers: []*CommandBuffer{cb}}), ErrStillInUse)

		release()
		require.NoError(t, r.dev.BlockUntil(f, 5*time.Second))
		assert.Equal(t, StateExecutable, cb.State())

		require.NoError(t, r.dev.ResetFence(f))
		st, err = r.dev.Poll(f)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, st)

		assert.Equal(t, bytes.Repeat([]byte{3, 0, 0, 0}, 16), r.read(t, buf, 64))
		require.NoError(t, cb.Reset())
		require.NoError(t, r.dev.DestroyBuffer(buf))
		require.NoError(t, r.dev.DestroyPrimitive(f))
		assert.ErrorIs(t, r.dev.BlockUntil(f, 0), ErrInvalidHandle)
	})
}

func TestFenceReuse(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		buf := r.buffer(t, "buf", 16, gpucore.UsageCopyDst)
		cb := r.record(t, "fill", func(cb *CommandBuffer) { cb.FillBuffer(buf, 0, 16, 1) })
		f, err := r.dev.CreateFence("reused")
		require.NoError(t, err)

		for range 3 {
			require.NoError(t, r.dev.Queue().Submit(SubmitInfo{CommandBuffers: []*CommandBuffer{cb}, Fence: f}))
			require.NoError(t, r.dev.BlockUntil(f, 5*time.Second))
			require.NoError(t, r.dev.ResetFence(f))
		}
	})
}

func TestEvents(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		buf := r.buffer(t, "buf", 16, gpucore.UsageCopyDst)
		ev, err := r.dev.CreateEvent("filled")
		require.NoError(t, err)
		st, err := r.dev.EventStatus(ev)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, st)

		set := r.record(t, "set", func(cb *CommandBuffer) {
			cb.FillBuffer(buf, 0, 16, 1)
			cb.SetEvent(ev)
		})
		r.submit(t, set)
		st, err = r.dev.EventStatus(ev)
		require.NoError(t, err)
		assert.Equal(t, StatusSignaled, st)

		reset := r.record(t, "reset", func(cb *CommandBuffer) { cb.ResetEvent(ev) })
		r.submit(t, reset)
		st, err = r.dev.EventStatus(ev)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, st)

		r.submit(t, set)
		require.NoError(t, r.dev.ResetEvent(ev))
		st, err = r.dev.EventStatus(ev)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, st)
	})
}

func TestConcurrentRecording(t *testing.T) {
	const workers = 8
	eachModel(t, func(t *testing.T, r *rig) {
		bufs := make([]Buffer, workers)
		cbs := make([]*CommandBuffer, workers)
		for i := range bufs {
			bufs[i] = r.buffer(t, fmt.Sprintf("buf-%d", i), 64, gpucore.UsageCopyDst)
			cb, err := r.dev.CreateCommandBuffer(CommandBufferDesc{Label: fmt.Sprintf("worker-%d", i)})
			require.NoError(t, err)
			cbs[i] = cb
		}

		var g errgroup.Group
		for i := range workers {
			g.Go(func() error {
				cb := cbs[i]
				if err := cb.Begin(); err != nil {
					return err
				}
				for j := range 16 {
					cb.FillBuffer(bufs[i], uint64(j)*4, 4, uint32(i))
				}
				return cb.End()
			})
		}
		require.NoError(t, g.Wait())

		r.submit(t, cbs...)
		for i, b := range bufs {
			got := r.read(t, b, 64)
			for off := 0; off < 64; off += 4 {
				assert.Equal(t, uint32(i), binary.LittleEndian.Uint32(got[off:]), "buffer %d offset %d", i, off)
			}
		}
		assert.Empty(t, r.native.Violations())
	})
}

func TestBatchedSubmissions(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		a := r.buffer(t, "a", 64, gpucore.UsageCopySrc|gpucore.UsageCopyDst)
		b := r.buffer(t, "b", 64, gpucore.UsageCopySrc|gpucore.UsageCopyDst)
		first := r.record(t, "first", func(cb *CommandBuffer) { cb.FillBuffer(a, 0, 64, 0x02020202) })
		second := r.record(t, "second", func(cb *CommandBuffer) {
			cb.CopyBuffer(a, b, gpucore.BufferCopy{Size: 64})
		})
		f, err := r.dev.CreateFence("batch")
		require.NoError(t, err)

		require.NoError(t, r.dev.Queue().Submit(
			SubmitInfo{CommandBuffers: []*CommandBuffer{first}},
			SubmitInfo{CommandBuffers: []*CommandBuffer{second}, Fence: f},
		))
		require.NoError(t, r.dev.BlockUntil(f, 5*time.Second))
		assert.Equal(t, bytes.Repeat([]byte{2}, 64), r.read(t, b, 64))
		assert.Empty(t, r.native.Violations())
	})
}

func TestDispatchAfterHazardUnbind(t *testing.T) {
	eachModel(t, func(t *testing.T, r *rig) {
		c := newCompute(t, r)
		dst := r.buffer(t, "dst", 256, gpucore.UsageShaderRead|gpucore.UsageShaderWrite|gpucore.UsageCopySrc)
		other := r.buffer(t, "other", 256, gpucore.UsageCopyDst)
		set, err := r.dev.CreateSet("again", c.layout,
			SetEntry{Binding: 0, Buffer: c.src},
			SetEntry{Binding: 1, Buffer: dst})
		require.NoError(t, err)
		require.NoError(t, r.dev.WriteBuffer(c.src, 0, words(1, 2, 3)))

		cb := r.record(t, "double twice", func(cb *CommandBuffer) {
			cb.BindPipeline(c.pipeline)
			cb.BindSet(0, set)
			cb.Dispatch(1, 1, 1)
			cb.CopyBuffer(dst, other, gpucore.BufferCopy{Size: 256})
			cb.Dispatch(1, 1, 1)
		})
		if r.dev.explicit == nil {
			assert.Positive(t, cb.Stats().Unbinds)
		}
		r.submit(t, cb)

		assert.Equal(t, words(2, 4, 6), r.read(t, other, 256))
		assert.Equal(t, words(2, 4, 6), r.read(t, dst, 256))
		assert.Empty(t, r.native.Violations())
	})
}
