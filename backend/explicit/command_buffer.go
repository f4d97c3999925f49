package explicit

import (
	"fmt"

	"github.com/gogpu/gfxbridge/backend"
	"github.com/gogpu/gfxbridge/backend/host"
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

// op is one recorded command, run on the queue goroutine.
type op func(x *execution) error

// commandBuffer records host operations. Recording errors surface at End.
type commandBuffer struct {
	dev    *Device
	label  string
	state  cbState
	ops    []op
	err    error
	inPass bool
}

var _ backend.CommandBuffer = (*commandBuffer)(nil)

func (c *commandBuffer) Begin() error {
	if c.state != cbInitial {
		return fmt.Errorf("%w: begin %s command buffer %q", ErrRecording, c.state, c.label)
	}
	c.state = cbRecording
	return nil
}

func (c *commandBuffer) End() error {
	if c.state != cbRecording {
		return fmt.Errorf("%w: %q", backend.ErrNotRecording, c.label)
	}
	if c.err == nil && c.inPass {
		c.err = fmt.Errorf("%w: render pass open at end of %q", ErrRecording, c.label)
	}
	if c.err != nil {
		return c.err
	}
	c.state = cbExecutable
	return nil
}

func (c *commandBuffer) Reset() error {
	if c.state == cbFreed {
		return fmt.Errorf("%w: reset freed command buffer %q", ErrRecording, c.label)
	}
	c.ops = nil
	c.err = nil
	c.inPass = false
	c.state = cbInitial
	return nil
}

func (c *commandBuffer) record(o op) {
	if c.state != cbRecording {
		if c.err == nil {
			c.err = fmt.Errorf("%w: command recorded outside Begin/End", backend.ErrNotRecording)
		}
		return
	}
	c.ops = append(c.ops, o)
}

func (c *commandBuffer) fail(err error) {
	if c.err == nil {
		c.err = err
	}
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

func (c *commandBuffer) CopyBuffer(src, dst backend.Buffer, regions []gpucore.BufferCopy) {
	s, d := c.buffer(src), c.buffer(dst)
	if s == nil || d == nil {
		return
	}
	for _, r := range regions {
		if r.SrcOffset+r.Size > s.size || r.DstOffset+r.Size > d.size {
			c.fail(fmt.Errorf("%w: copy region %+v", ErrOutOfRange, r))
			return
		}
	}
	regions = append([]gpucore.BufferCopy(nil), regions...)
	c.record(func(x *execution) error {
		x.accessBuffer(s, gpucore.UsageCopySrc)
		x.accessBuffer(d, gpucore.UsageCopyDst)
		for _, r := range regions {
			copy(d.bytes()[r.DstOffset:r.DstOffset+r.Size], s.bytes()[r.SrcOffset:r.SrcOffset+r.Size])
		}
		return nil
	})
}

func (c *commandBuffer) CopyBufferToImage(src backend.Buffer, dst backend.Image, region gpucore.BufferImageCopy) {
	s, d := c.buffer(src), c.image(dst)
	if s == nil || d == nil {
		return
	}
	c.record(func(x *execution) error {
		x.accessBuffer(s, gpucore.UsageCopySrc)
		x.accessImage(d, gpucore.UsageCopyDst)
		host.CopyBufferToImage(d.host(), s.bytes(), region)
		return nil
	})
}

func (c *commandBuffer) CopyImageToBuffer(src backend.Image, dst backend.Buffer, region gpucore.BufferImageCopy) {
	s, d := c.image(src), c.buffer(dst)
	if s == nil || d == nil {
		return
	}
	c.record(func(x *execution) error {
		x.accessImage(s, gpucore.UsageCopySrc)
		x.accessBuffer(d, gpucore.UsageCopyDst)
		host.CopyImageToBuffer(d.bytes(), s.host(), region)
		return nil
	})
}

func (c *commandBuffer) FillBuffer(dst backend.Buffer, offset, size uint64, value uint32) {
	d := c.buffer(dst)
	if d == nil {
		return
	}
	if offset+size > d.size {
		c.fail(fmt.Errorf("%w: fill [%d, +%d) of buffer %q", ErrOutOfRange, offset, size, d.label))
		return
	}
	c.record(func(x *execution) error {
		x.accessBuffer(d, gpucore.UsageCopyDst)
		host.Fill(d.bytes()[offset:offset+size], value)
		return nil
	})
}

func (c *commandBuffer) UpdateBuffer(dst backend.Buffer, offset uint64, data []byte) {
	d := c.buffer(dst)
	if d == nil {
		return
	}
	if offset+uint64(len(data)) > d.size {
		c.fail(fmt.Errorf("%w: update [%d, +%d) of buffer %q", ErrOutOfRange, offset, len(data), d.label))
		return
	}
	data = append([]byte(nil), data...)
	c.record(func(x *execution) error {
		x.accessBuffer(d, gpucore.UsageCopyDst)
		copy(d.bytes()[offset:], data)
		return nil
	})
}

func (c *commandBuffer) PipelineBarrier(buffers []backend.BufferBarrier, images []backend.ImageBarrier) {
	if c.inPass {
		c.fail(fmt.Errorf("%w: barrier inside render pass of %q", ErrRecording, c.label))
		return
	}
	bufs := make([]*buffer, 0, len(buffers))
	for _, b := range buffers {
		if buf := c.buffer(b.Buffer); buf != nil {
			bufs = append(bufs, buf)
		}
	}
	type imageBarrier struct {
		img  *image
		spec gpucore.BarrierSpec
	}
	imgs := make([]imageBarrier, 0, len(images))
	for _, b := range images {
		if img := c.image(b.Image); img != nil {
			imgs = append(imgs, imageBarrier{img: img, spec: b.Spec})
		}
	}
	c.record(func(x *execution) error {
		for _, b := range bufs {
			b.hazard = hazard{}
		}
		for _, b := range imgs {
			if b.spec.OldLayout != gpucore.LayoutUndefined && b.spec.OldLayout != b.img.layout {
				x.dev.violate("%s: barrier on image %q expects layout %s, image is %s",
					x.label, b.img.label, b.spec.OldLayout, b.img.layout)
			}
			b.img.hazard = hazard{layout: b.spec.NewLayout}
		}
		x.dev.mu.Lock()
		x.dev.barriers += uint64(len(bufs) + len(imgs))
		x.dev.mu.Unlock()
		return nil
	})
}

func (c *commandBuffer) BeginRenderPass(targets []backend.Image, clearColor *gpucore.Color) {
	if c.inPass {
		c.fail(fmt.Errorf("%w: nested render pass in %q", ErrRecording, c.label))
		return
	}
	imgs := make([]*image, 0, len(targets))
	for _, t := range targets {
		if img := c.image(t); img != nil {
			imgs = append(imgs, img)
		}
	}
	var clr *gpucore.Color
	if clearColor != nil {
		v := *clearColor
		clr = &v
	}
	c.inPass = true
	c.record(func(x *execution) error {
		x.targets = imgs
		for _, img := range imgs {
			x.accessImage(img, gpucore.UsageColorTarget)
			if clr != nil {
				host.Clear(img.host(), *clr)
			}
		}
		return nil
	})
}

func (c *commandBuffer) EndRenderPass() {
	if !c.inPass {
		c.fail(fmt.Errorf("%w: end render pass without begin in %q", ErrRecording, c.label))
		return
	}
	c.inPass = false
	c.record(func(x *execution) error {
		x.targets = nil
		x.pipeline = nil
		return nil
	})
}

func (c *commandBuffer) BindPipeline(p backend.Pipeline) {
	pl, ok := p.(*pipeline)
	if !ok {
		c.fail(fmt.Errorf("%w: pipeline %T", ErrWrongHandle, p))
		return
	}
	if pl.compute == c.inPass {
		c.fail(fmt.Errorf("%w: pipeline %q bound in the wrong pass", ErrRecording, pl.label))
		return
	}
	c.record(func(x *execution) error {
		x.pipeline = pl
		return nil
	})
}

func (c *commandBuffer) BindSet(index uint32, s backend.Set) {
	st, ok := s.(*set)
	if !ok {
		c.fail(fmt.Errorf("%w: set %T", ErrWrongHandle, s))
		return
	}
	c.record(func(x *execution) error {
		x.sets[index] = st
		return nil
	})
}

func (c *commandBuffer) Dispatch(x, y, z uint32) {
	if c.inPass {
		c.fail(fmt.Errorf("%w: dispatch inside render pass of %q", ErrRecording, c.label))
		return
	}
	groups := [3]uint32{x, y, z}
	c.record(func(ex *execution) error {
		if ex.pipeline == nil || !ex.pipeline.compute {
			return fmt.Errorf("dispatch without a compute pipeline")
		}
		return ex.invoke(groups)
	})
}

func (c *commandBuffer) Draw(vertexCount, instanceCount, firstVertex, _ uint32) {
	if !c.inPass {
		c.fail(fmt.Errorf("%w: draw outside render pass of %q", ErrRecording, c.label))
		return
	}
	groups := [3]uint32{vertexCount, instanceCount, firstVertex}
	c.record(func(ex *execution) error {
		if ex.pipeline == nil || ex.pipeline.compute {
			return fmt.Errorf("draw without a render pipeline")
		}
		return ex.invoke(groups)
	})
}
