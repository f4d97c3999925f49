package native

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gfxbridge/backend"
	"github.com/gogpu/gfxbridge/gpucore"
)

type cbState uint8

const (
	cbInitial cbState = iota
	cbRecording
	cbExecutable
	cbFreed
)

func (s cbState) String() string {
	switch s {
	case cbInitial:
		return "initial"
	case cbRecording:
		return "recording"
	case cbExecutable:
		return "executable"
	default:
		return "freed"
	}
}

// commandBuffer records into a HAL encoder. Each Begin gets a fresh encoder.
// Recording errors surface at End.
type commandBuffer struct {
	dev   *Device
	label string
	state cbState
	err   error

	encoder hal.CommandEncoder
	raw     hal.CommandBuffer
	pass    hal.RenderPassEncoder
	inPass  bool

	pipeline *pipeline
	sets     map[uint32]*set
	// staging holds upload buffers until the next Reset.
	staging []hal.Buffer
}

var _ backend.CommandBuffer = (*commandBuffer)(nil)

func (c *commandBuffer) Begin() error {
	if c.state != cbInitial {
		return fmt.Errorf("%w: begin %s command buffer %q", backend.ErrNotRecording, c.state, c.label)
	}
	enc, err := c.dev.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: c.label})
	if err != nil {
		return fmt.Errorf("native: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(c.label); err != nil {
		return fmt.Errorf("native: begin encoding %q: %w", c.label, err)
	}
	c.encoder = enc
	c.sets = make(map[uint32]*set)
	c.state = cbRecording
	return nil
}

func (c *commandBuffer) End() error {
	if c.state != cbRecording {
		return fmt.Errorf("%w: %q", backend.ErrNotRecording, c.label)
	}
	if c.err == nil && c.inPass {
		c.err = fmt.Errorf("%w: render pass open at end of %q", backend.ErrNotRecording, c.label)
	}
	if c.err != nil {
		c.encoder.DiscardEncoding()
		c.encoder = nil
		return c.err
	}
	raw, err := c.encoder.EndEncoding()
	c.encoder = nil
	if err != nil {
		return fmt.Errorf("native: end encoding %q: %w", c.label, err)
	}
	c.raw = raw
	c.state = cbExecutable
	return nil
}

func (c *commandBuffer) Reset() error {
	if c.state == cbFreed {
		return fmt.Errorf("%w: reset freed command buffer %q", backend.ErrNotRecording, c.label)
	}
	c.discard()
	c.state = cbInitial
	return nil
}

// discard releases everything the last recording created.
func (c *commandBuffer) discard() {
	if c.encoder != nil {
		c.encoder.DiscardEncoding()
		c.encoder = nil
	}
	if c.raw != nil {
		c.dev.dev.FreeCommandBuffer(c.raw)
		c.raw = nil
	}
	for _, b := range c.staging {
		c.dev.dev.DestroyBuffer(b)
	}
	c.staging = nil
	c.pass = nil
	c.inPass = false
	c.pipeline = nil
	c.sets = nil
	c.err = nil
}

func (c *commandBuffer) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// recording reports whether commands may be encoded now.
func (c *commandBuffer) recording() bool {
	if c.state != cbRecording {
		c.fail(fmt.Errorf("%w: command recorded outside Begin/End", backend.ErrNotRecording))
		return false
	}
	return c.err == nil
}

func (c *commandBuffer) outsidePass(what string) bool {
	if c.inPass {
		c.fail(fmt.Errorf("%w: %s inside render pass", backend.ErrUnsupported, what))
		return false
	}
	return true
}

func (c *commandBuffer) buffer(h backend.Buffer) *buffer {
	b, ok := h.(*buffer)
	if !ok || b.heap == nil {
		c.fail(fmt.Errorf("%w: buffer %T", ErrWrongHandle, h))
		return nil
	}
	return b
}

func (c *commandBuffer) image(h backend.Image) *image {
	i, ok := h.(*image)
	if !ok || i.heap == nil {
		c.fail(fmt.Errorf("%w: image %T", ErrWrongHandle, h))
		return nil
	}
	return i
}

// upload creates a staging buffer holding data.
func (c *commandBuffer) upload(data []byte) hal.Buffer {
	raw, err := c.dev.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: c.label + "_staging",
		Size:  alignUp(uint64(len(data)), 4),
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageMapWrite,
	})
	if err != nil {
		c.fail(fmt.Errorf("%w: staging for %q: %w", backend.ErrOutOfMemory, c.label, err))
		return nil
	}
	c.staging = append(c.staging, raw)
	c.dev.queue.WriteBuffer(raw, 0, data)
	return raw
}

func (c *commandBuffer) CopyBuffer(src, dst backend.Buffer, regions []gpucore.BufferCopy) {
	if !c.recording() || !c.outsidePass("copy") {
		return
	}
	s, d := c.buffer(src), c.buffer(dst)
	if s == nil || d == nil {
		return
	}
	copies := make([]hal.BufferCopy, len(regions))
	for i, r := range regions {
		if r.SrcOffset+r.Size > s.size || r.DstOffset+r.Size > d.size {
			c.fail(fmt.Errorf("%w: copy region %+v", ErrOutOfRange, r))
			return
		}
		copies[i] = hal.BufferCopy{SrcOffset: r.SrcOffset, DstOffset: r.DstOffset, Size: r.Size}
	}
	c.encoder.CopyBufferToBuffer(s.raw, d.raw, copies)
}

func (c *commandBuffer) textureCopy(b *buffer, img *image, region gpucore.BufferImageCopy) (hal.BufferTextureCopy, bool) {
	if region.X != 0 || region.Y != 0 {
		c.fail(fmt.Errorf("%w: image copy at origin %d,%d", backend.ErrUnsupported, region.X, region.Y))
		return hal.BufferTextureCopy{}, false
	}
	texel, _ := gpucore.BytesPerTexel(img.format)
	pitch := region.RowPitch(texel)
	if region.Width > img.extent.Width || region.Height > img.extent.Height ||
		region.BufferOffset+uint64(pitch)*uint64(region.Height) > b.size {
		c.fail(fmt.Errorf("%w: image copy %+v", ErrOutOfRange, region))
		return hal.BufferTextureCopy{}, false
	}
	return hal.BufferTextureCopy{
		BufferLayout: hal.ImageDataLayout{Offset: region.BufferOffset, BytesPerRow: pitch, RowsPerImage: region.Height},
		TextureBase:  hal.ImageCopyTexture{Texture: img.raw, MipLevel: 0},
		Size:         hal.Extent3D{Width: region.Width, Height: region.Height, DepthOrArrayLayers: 1},
	}, true
}

func (c *commandBuffer) CopyBufferToImage(src backend.Buffer, dst backend.Image, region gpucore.BufferImageCopy) {
	if !c.recording() || !c.outsidePass("copy") {
		return
	}
	s, d := c.buffer(src), c.image(dst)
	if s == nil || d == nil {
		return
	}
	if cp, ok := c.textureCopy(s, d, region); ok {
		c.encoder.CopyBufferToTexture(s.raw, d.raw, []hal.BufferTextureCopy{cp})
	}
}

func (c *commandBuffer) CopyImageToBuffer(src backend.Image, dst backend.Buffer, region gpucore.BufferImageCopy) {
	if !c.recording() || !c.outsidePass("copy") {
		return
	}
	s, d := c.image(src), c.buffer(dst)
	if s == nil || d == nil {
		return
	}
	if cp, ok := c.textureCopy(d, s, region); ok {
		c.encoder.CopyTextureToBuffer(s.raw, d.raw, []hal.BufferTextureCopy{cp})
	}
}

func (c *commandBuffer) FillBuffer(dst backend.Buffer, offset, size uint64, value uint32) {
	if !c.recording() || !c.outsidePass("fill") {
		return
	}
	d := c.buffer(dst)
	if d == nil {
		return
	}
	if offset%4 != 0 || size%4 != 0 || offset+size > d.size {
		c.fail(fmt.Errorf("%w: fill [%d, +%d) of buffer %q", ErrOutOfRange, offset, size, d.label))
		return
	}
	if size == 0 {
		return
	}
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], value)
	if s := c.upload(bytes.Repeat(word[:], int(size/4))); s != nil {
		c.encoder.CopyBufferToBuffer(s, d.raw, []hal.BufferCopy{{SrcOffset: 0, DstOffset: offset, Size: size}})
	}
}

func (c *commandBuffer) UpdateBuffer(dst backend.Buffer, offset uint64, data []byte) {
	if !c.recording() || !c.outsidePass("update") {
		return
	}
	d := c.buffer(dst)
	if d == nil {
		return
	}
	if offset+uint64(len(data)) > d.size {
		c.fail(fmt.Errorf("%w: update [%d, +%d) of buffer %q", ErrOutOfRange, offset, len(data), d.label))
		return
	}
	if len(data) == 0 {
		return
	}
	if s := c.upload(data); s != nil {
		c.encoder.CopyBufferToBuffer(s, d.raw, []hal.BufferCopy{{SrcOffset: 0, DstOffset: offset, Size: uint64(len(data))}})
	}
}

func (c *commandBuffer) PipelineBarrier(buffers []backend.BufferBarrier, images []backend.ImageBarrier) {
	if !c.recording() || !c.outsidePass("barrier") {
		return
	}
	if len(buffers) > 0 {
		bb := make([]hal.BufferBarrier, 0, len(buffers))
		for _, b := range buffers {
			buf := c.buffer(b.Buffer)
			if buf == nil {
				return
			}
			bb = append(bb, hal.BufferBarrier{
				Buffer: buf.raw,
				Usage: hal.BufferUsageTransition{
					OldUsage: bufferUsage(b.Spec.SrcUsage, 0),
					NewUsage: bufferUsage(b.Spec.DstUsage, 0),
				},
			})
		}
		c.encoder.TransitionBuffers(bb)
	}
	if len(images) > 0 {
		tb := make([]hal.TextureBarrier, 0, len(images))
		for _, i := range images {
			img := c.image(i.Image)
			if img == nil {
				return
			}
			tb = append(tb, hal.TextureBarrier{
				Texture: img.raw,
				Usage: hal.TextureUsageTransition{
					OldUsage: textureDescriptor("", img.extent, img.format, i.Spec.SrcUsage).Usage,
					NewUsage: textureDescriptor("", img.extent, img.format, i.Spec.DstUsage).Usage,
				},
			})
		}
		c.encoder.TransitionTextures(tb)
	}
}

func (c *commandBuffer) BeginRenderPass(targets []backend.Image, clear *gpucore.Color) {
	if !c.recording() || !c.outsidePass("render pass") {
		return
	}
	desc := &hal.RenderPassDescriptor{Label: c.label + "_pass"}
	for _, t := range targets {
		img := c.image(t)
		if img == nil {
			return
		}
		if gpucore.IsDepthFormat(img.format) {
			ds := &hal.RenderPassDepthStencilAttachment{
				View:           img.view,
				DepthLoadOp:    gputypes.LoadOpLoad,
				DepthStoreOp:   gputypes.StoreOpStore,
				StencilLoadOp:  gputypes.LoadOpLoad,
				StencilStoreOp: gputypes.StoreOpStore,
			}
			if clear != nil {
				ds.DepthLoadOp = gputypes.LoadOpClear
				ds.DepthClearValue = 1.0
				ds.StencilLoadOp = gputypes.LoadOpClear
			}
			desc.DepthStencilAttachment = ds
			continue
		}
		att := hal.RenderPassColorAttachment{
			View:    img.view,
			LoadOp:  gputypes.LoadOpLoad,
			StoreOp: gputypes.StoreOpStore,
		}
		if clear != nil {
			att.LoadOp = gputypes.LoadOpClear
			att.ClearValue = gputypes.Color{R: clear.R, G: clear.G, B: clear.B, A: clear.A}
		}
		desc.ColorAttachments = append(desc.ColorAttachments, att)
	}
	c.pass = c.encoder.BeginRenderPass(desc)
	c.inPass = true
}

func (c *commandBuffer) EndRenderPass() {
	if c.state != cbRecording {
		c.fail(fmt.Errorf("%w: command recorded outside Begin/End", backend.ErrNotRecording))
		return
	}
	if !c.inPass {
		c.fail(fmt.Errorf("%w: end of render pass that was not begun", backend.ErrNotRecording))
		return
	}
	c.pass.End()
	c.pass = nil
	c.inPass = false
}

func (c *commandBuffer) BindPipeline(p backend.Pipeline) {
	if !c.recording() {
		return
	}
	pp, ok := p.(*pipeline)
	if !ok || (pp.cp == nil && pp.rp == nil) {
		c.fail(fmt.Errorf("%w: pipeline %T", ErrWrongHandle, p))
		return
	}
	c.pipeline = pp
}

func (c *commandBuffer) BindSet(index uint32, s backend.Set) {
	if !c.recording() {
		return
	}
	st, ok := s.(*set)
	if !ok || st.raw == nil {
		c.fail(fmt.Errorf("%w: set %T", ErrWrongHandle, s))
		return
	}
	c.sets[index] = st
}

func (c *commandBuffer) Dispatch(x, y, z uint32) {
	if !c.recording() || !c.outsidePass("dispatch") {
		return
	}
	if c.pipeline == nil || !c.pipeline.compute {
		c.fail(fmt.Errorf("%w: dispatch without a compute pipeline", backend.ErrNotRecording))
		return
	}
	pass := c.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: c.pipeline.label})
	pass.SetPipeline(c.pipeline.cp)
	for index, st := range c.sets {
		pass.SetBindGroup(index, st.raw, nil)
	}
	pass.Dispatch(x, y, z)
	pass.End()
}

func (c *commandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if !c.recording() {
		return
	}
	if !c.inPass {
		c.fail(fmt.Errorf("%w: draw outside render pass", backend.ErrNotRecording))
		return
	}
	if c.pipeline == nil || c.pipeline.compute {
		c.fail(fmt.Errorf("%w: draw without a render pipeline", backend.ErrNotRecording))
		return
	}
	c.pass.SetPipeline(c.pipeline.rp)
	for index, st := range c.sets {
		c.pass.SetBindGroup(index, st.raw, nil)
	}
	c.pass.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
}
