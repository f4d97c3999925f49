package gfxbridge

import (
	"github.com/gogpu/gfxbridge/gpucore"
	"github.com/gogpu/gfxbridge/internal/command"
	"github.com/gogpu/gfxbridge/internal/signal"
)

// CommandBufferState is the lifecycle state of a command buffer.
type CommandBufferState = command.State

// Command buffer states.
const (
	StateInitial    = command.StateInitial
	StateRecording  = command.StateRecording
	StateExecutable = command.StateExecutable
	StatePending    = command.StatePending
	StateInvalid    = command.StateInvalid
)

// RecordingStats counts what recording produced.
type RecordingStats = command.Stats

// CommandBufferDesc describes a command buffer.
type CommandBufferDesc struct {
	Label string
	// OneShot buffers become invalid once their submission completes.
	// Other buffers return to executable and may be submitted again.
	OneShot bool
}

// CommandBuffer records commands for submission to the queue.
//
// A CommandBuffer is single-writer: recording calls must come from one
// goroutine at a time, although different buffers may record concurrently.
// Recording one resource from two buffers at once must be synchronized by
// the caller. Recording calls do not return errors; the first failure is
// reported by End.
type CommandBuffer struct {
	dev *Device
	buf *command.Buffer
}

// CreateCommandBuffer creates a command buffer in the initial state.
func (d *Device) CreateCommandBuffer(desc CommandBufferDesc) (*CommandBuffer, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	b := command.New(desc.Label, command.Config{
		Strategy:   d.strategy,
		Translator: d.translator,
		Resolver:   d,
		Completed:  d.completed,
		OneShot:    desc.OneShot,
	})
	d.mu.Lock()
	d.buffers[b] = struct{}{}
	d.mu.Unlock()
	return &CommandBuffer{dev: d, buf: b}, nil
}

// completed reports whether a command buffer's submission finished. A zero
// point belongs to a submission still held by the queue.
func (d *Device) completed(pt signal.Point) (bool, error) {
	if pt.IsZero() {
		return false, d.mapper.Progress()
	}
	return d.mapper.PollPoint(pt)
}

// Label returns the debug label.
func (c *CommandBuffer) Label() string { return c.buf.Label() }

// State returns the current state, observing completed submissions.
func (c *CommandBuffer) State() CommandBufferState { return c.buf.State() }

// Stats returns recording counters.
func (c *CommandBuffer) Stats() RecordingStats { return c.buf.Stats() }

// Begin starts recording. Only initial buffers can begin; executable ones
// are reset first.
func (c *CommandBuffer) Begin() error {
	if err := c.dev.alive(); err != nil {
		return err
	}
	return classify(c.buf.Begin())
}

// End finishes recording and reports the first recording failure.
func (c *CommandBuffer) End() error { return classify(c.buf.End()) }

// Reset returns the buffer to the initial state. Pending buffers are still
// in use until their submission completes.
func (c *CommandBuffer) Reset() error { return classify(c.buf.Reset()) }

// Free releases the buffer. Pending buffers are still in use.
func (c *CommandBuffer) Free() error {
	if err := c.buf.Free(); err != nil {
		return classify(err)
	}
	c.dev.mu.Lock()
	delete(c.dev.buffers, c.buf)
	c.dev.mu.Unlock()
	return nil
}

// CopyBuffer copies regions from src to dst.
func (c *CommandBuffer) CopyBuffer(src, dst Buffer, regions ...gpucore.BufferCopy) {
	c.buf.CopyBuffer(src.id, dst.id, regions...)
}

// CopyBufferToImage copies buffer rows into an image region.
func (c *CommandBuffer) CopyBufferToImage(src Buffer, dst Image, region gpucore.BufferImageCopy) {
	c.buf.CopyBufferToImage(src.id, dst.id, region)
}

// CopyImageToBuffer copies an image region into buffer rows.
func (c *CommandBuffer) CopyImageToBuffer(src Image, dst Buffer, region gpucore.BufferImageCopy) {
	c.buf.CopyImageToBuffer(src.id, dst.id, region)
}

// FillBuffer fills size bytes of dst at offset with a repeated 32-bit value.
func (c *CommandBuffer) FillBuffer(dst Buffer, offset, size uint64, value uint32) {
	c.buf.FillBuffer(dst.id, offset, size, value)
}

// UpdateBuffer writes inline data into dst at offset.
func (c *CommandBuffer) UpdateBuffer(dst Buffer, offset uint64, data []byte) {
	c.buf.UpdateBuffer(dst.id, offset, data)
}

// TransitionBuffer moves b into usage, recording a barrier when needed.
func (c *CommandBuffer) TransitionBuffer(b Buffer, usage gpucore.Usage) {
	c.buf.Transition(b.id, usage)
}

// TransitionImage moves i into usage, recording a barrier and layout change
// when needed.
func (c *CommandBuffer) TransitionImage(i Image, usage gpucore.Usage) {
	c.buf.Transition(i.id, usage)
}

// Barrier makes every write recorded so far visible to the commands after it.
func (c *CommandBuffer) Barrier() { c.buf.Barrier() }

// SetEvent sets e when the commands recorded before it completed.
func (c *CommandBuffer) SetEvent(e *Event) { c.buf.SetEvent(c.event(e)) }

// ResetEvent resets e when the commands recorded before it completed.
func (c *CommandBuffer) ResetEvent(e *Event) { c.buf.ResetEvent(c.event(e)) }

func (c *CommandBuffer) event(e *Event) *signal.Primitive {
	if e == nil || e.dev != c.dev {
		return nil
	}
	return e.p
}

// BindPipeline binds p for the following dispatches or draws.
func (c *CommandBuffer) BindPipeline(p *Pipeline) {
	if p == nil || p.dev != c.dev || p.destroyed {
		c.buf.BindPipeline(nil)
		return
	}
	c.buf.BindPipeline(p.p)
}

// BindSet binds s at index of the bound pipeline's layout.
func (c *CommandBuffer) BindSet(index uint32, s *Set) {
	if s == nil || s.dev != c.dev {
		c.buf.BindSet(index, nil)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c.buf.BindSet(index, s.set)
}

// Dispatch runs x*y*z workgroups of the bound compute pipeline.
func (c *CommandBuffer) Dispatch(x, y, z uint32) { c.buf.Dispatch(x, y, z) }

// BeginRenderPass starts rendering into targets, clearing them to
// clearColor when it is not nil.
func (c *CommandBuffer) BeginRenderPass(targets []Image, clearColor *gpucore.Color) {
	ids := make([]gpucore.ResourceID, len(targets))
	for i, t := range targets {
		ids[i] = t.id
	}
	c.buf.BeginRenderPass(ids, clearColor)
}

// EndRenderPass ends the open render pass.
func (c *CommandBuffer) EndRenderPass() { c.buf.EndRenderPass() }

// Draw draws with the bound render pipeline.
func (c *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	c.buf.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
}
