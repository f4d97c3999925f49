package deferred

import (
	"fmt"
	"sync"

	"github.com/gogpu/gfxbridge/backend"
	"github.com/gogpu/gfxbridge/backend/host"
	"github.com/gogpu/gfxbridge/gpucore"
)

// call is one context method call, run on the queue goroutine.
type call func(st *regState) error

// regState is the pipeline and register state of a context as the queue
// executes it.
type regState struct {
	dev      *Device
	pipeline *pipeline
	views    map[regKey]backend.View
	targets  []*image
}

func newRegState(d *Device) *regState {
	return &regState{dev: d, views: make(map[regKey]backend.View)}
}

func (st *regState) reset() {
	st.pipeline = nil
	clear(st.views)
	st.targets = nil
}

// recorder implements backend.Context by recording calls.
type recorder struct {
	dev   *Device
	mu    sync.Mutex
	calls []call
}

func (r *recorder) add(c call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func (r *recorder) take() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := r.calls
	r.calls = nil
	return calls
}

func (r *recorder) buffer(h backend.Buffer, what string) *buffer {
	b, ok := h.(*buffer)
	if !ok || b.freed {
		r.dev.violate("%s: invalid buffer %T", what, h)
		return nil
	}
	return b
}

func (r *recorder) image(h backend.Image, what string) *image {
	i, ok := h.(*image)
	if !ok || i.freed {
		r.dev.violate("%s: invalid image %T", what, h)
		return nil
	}
	return i
}

func (r *recorder) CopyBufferRegion(dst backend.Buffer, dstOffset uint64, src backend.Buffer, srcOffset, size uint64) {
	d, s := r.buffer(dst, "CopyBufferRegion"), r.buffer(src, "CopyBufferRegion")
	if d == nil || s == nil {
		return
	}
	to, ok1 := d.rangeOf(dstOffset, size)
	from, ok2 := s.rangeOf(srcOffset, size)
	if !ok1 || !ok2 || size == 0 {
		r.dev.violate("CopyBufferRegion: [%d, +%d) -> [%d, +%d) out of range", srcOffset, size, dstOffset, size)
		return
	}
	r.add(func(*regState) error {
		copy(to, from)
		return nil
	})
}

func (r *recorder) CopyBufferToImage(dst backend.Image, src backend.Buffer, region gpucore.BufferImageCopy) {
	d, s := r.image(dst, "CopyBufferToImage"), r.buffer(src, "CopyBufferToImage")
	if d == nil || s == nil {
		return
	}
	r.add(func(*regState) error {
		host.CopyBufferToImage(d.img, s.data, region)
		return nil
	})
}

func (r *recorder) CopyImageToBuffer(dst backend.Buffer, src backend.Image, region gpucore.BufferImageCopy) {
	d, s := r.buffer(dst, "CopyImageToBuffer"), r.image(src, "CopyImageToBuffer")
	if d == nil || s == nil {
		return
	}
	r.add(func(*regState) error {
		host.CopyImageToBuffer(d.data, s.img, region)
		return nil
	})
}

func (r *recorder) UpdateBuffer(dst backend.Buffer, offset uint64, data []byte) {
	d := r.buffer(dst, "UpdateBuffer")
	if d == nil {
		return
	}
	to, ok := d.rangeOf(offset, uint64(len(data)))
	if !ok {
		r.dev.violate("UpdateBuffer: [%d, +%d) of buffer %q out of range", offset, len(data), d.label)
		return
	}
	data = append([]byte(nil), data...)
	r.add(func(*regState) error {
		copy(to, data)
		return nil
	})
}

func (r *recorder) ClearBuffer(dst backend.Buffer, offset, size uint64, value uint32) {
	d := r.buffer(dst, "ClearBuffer")
	if d == nil {
		return
	}
	to, ok := d.rangeOf(offset, size)
	if !ok {
		r.dev.violate("ClearBuffer: [%d, +%d) of buffer %q out of range", offset, size, d.label)
		return
	}
	r.add(func(*regState) error {
		host.Fill(to, value)
		return nil
	})
}

func (r *recorder) SetPipeline(p backend.Pipeline) {
	var pl *pipeline
	if p != nil {
		var ok bool
		if pl, ok = p.(*pipeline); !ok {
			r.dev.violate("SetPipeline: invalid pipeline %T", p)
			return
		}
	}
	r.add(func(st *regState) error {
		st.pipeline = pl
		return nil
	})
}

var stageBits = [...]gpucore.ShaderStage{gpucore.ShaderVertex, gpucore.ShaderFragment, gpucore.ShaderCompute}

func (r *recorder) SetBindings(stages gpucore.ShaderStage, class gpucore.RegisterClass, start uint32, views []backend.View) {
	if class >= gpucore.RegisterClassCount {
		r.dev.violate("SetBindings: register class %d", class)
		return
	}
	if limit := r.dev.info.Limits.Registers[class]; start+uint32(len(views)) > limit {
		r.dev.violate("SetBindings: %s registers [%d, +%d) beyond limit %d", class, start, len(views), limit)
		return
	}
	views = append([]backend.View(nil), views...)
	r.add(func(st *regState) error {
		for _, s := range stageBits {
			if stages&s == 0 {
				continue
			}
			for i, v := range views {
				key := regKey{stage: s, class: class, reg: start + uint32(i)}
				if v == (backend.View{}) {
					delete(st.views, key)
				} else {
					st.views[key] = v
				}
			}
		}
		return nil
	})
}

func (r *recorder) Dispatch(x, y, z uint32) {
	groups := [3]uint32{x, y, z}
	r.add(func(st *regState) error {
		if st.pipeline == nil || !st.pipeline.compute {
			st.dev.violate("Dispatch without a compute pipeline")
			return nil
		}
		return st.invoke(gpucore.ShaderCompute, groups)
	})
}

func (r *recorder) SetRenderTargets(targets []backend.Image) {
	imgs := make([]*image, 0, len(targets))
	for _, t := range targets {
		if img := r.image(t, "SetRenderTargets"); img != nil {
			imgs = append(imgs, img)
		}
	}
	r.add(func(st *regState) error {
		st.targets = imgs
		return nil
	})
}

func (r *recorder) ClearRenderTarget(target backend.Image, c gpucore.Color) {
	img := r.image(target, "ClearRenderTarget")
	if img == nil {
		return
	}
	r.add(func(*regState) error {
		host.Clear(img.img, c)
		return nil
	})
}

func (r *recorder) Draw(vertexCount, instanceCount, firstVertex, _ uint32) {
	groups := [3]uint32{vertexCount, instanceCount, firstVertex}
	r.add(func(st *regState) error {
		if st.pipeline == nil || st.pipeline.compute {
			st.dev.violate("Draw without a render pipeline")
			return nil
		}
		if len(st.targets) == 0 {
			st.dev.violate("Draw without render targets")
			return nil
		}
		return st.invoke(gpucore.ShaderFragment, groups)
	})
}

func (r *recorder) End(q backend.Query) {
	qu, ok := q.(*query)
	if !ok {
		r.dev.violate("End: invalid query %T", q)
		return
	}
	gen := qu.arm()
	r.add(func(*regState) error {
		qu.reach(gen)
		return nil
	})
}

// resourceOf returns the identity of the resource behind a view.
func resourceOf(v backend.View) any {
	if v.Buffer != nil {
		return v.Buffer
	}
	return v.Image
}

// invoke runs the bound pipeline over the registers of stage. A resource bound
// for unordered access or as a render target is forced off every input
// register, and the conflict is reported.
func (st *regState) invoke(stage gpucore.ShaderStage, groups [3]uint32) error {
	outputs := make(map[any]bool)
	for k, v := range st.views {
		if k.class == gpucore.RegisterUnordered {
			outputs[resourceOf(v)] = true
		}
	}
	for _, t := range st.targets {
		outputs[t] = true
	}

	inv := &host.Invocation{Entry: st.pipeline.entry, Groups: groups, Bindings: make(map[host.Slot]host.Binding)}
	for k, v := range st.views {
		if k.stage != stage {
			continue
		}
		input := k.class == gpucore.RegisterConstant || k.class == gpucore.RegisterResource
		if input && outputs[resourceOf(v)] {
			st.dev.violate("%s %s%d: resource bound for output is also bound as input; input forced to null",
				stage, k.class, k.reg)
			continue
		}
		b, ok := bindingOf(v)
		if !ok {
			st.dev.violate("%s %s%d: view outside its resource", stage, k.class, k.reg)
			continue
		}
		inv.Bindings[host.Slot{Space: uint32(k.class), Index: k.reg}] = b
	}
	for _, t := range st.targets {
		inv.Targets = append(inv.Targets, t.img)
	}

	k := st.dev.kernels.Lookup(st.pipeline.entry)
	if k == nil {
		return nil
	}
	if err := k(inv); err != nil {
		return fmt.Errorf("kernel %q: %w", st.pipeline.entry, err)
	}
	return nil
}

func bindingOf(v backend.View) (host.Binding, bool) {
	switch {
	case v.Buffer != nil:
		data, ok := v.Buffer.(*buffer).rangeOf(v.Offset, v.Size)
		return host.Binding{Data: data}, ok
	case v.Image != nil:
		img := v.Image.(*image).img
		return host.Binding{Data: img.Data, Image: &img}, true
	default:
		return host.Binding{Sampler: v.Sampler}, true
	}
}

// deferredContext records calls for a command list.
type deferredContext struct {
	recorder
	released bool
}

var _ backend.DeferredContext = (*deferredContext)(nil)

func (c *deferredContext) FinishCommandList() (backend.CommandList, error) {
	if err := c.dev.lostErr(); err != nil {
		return nil, err
	}
	if c.released {
		return nil, fmt.Errorf("%w: finish on released deferred context", ErrReleased)
	}
	return &commandList{calls: c.take()}, nil
}

func (c *deferredContext) Release() {
	c.released = true
	c.take()
}

// immediateContext batches calls until Flush hands them to the queue.
type immediateContext struct {
	recorder
}

var _ backend.ImmediateContext = (*immediateContext)(nil)

func (c *immediateContext) ExecuteCommandList(list backend.CommandList) error {
	if err := c.dev.lostErr(); err != nil {
		return err
	}
	l, ok := list.(*commandList)
	if !ok {
		return fmt.Errorf("%w: command list %T", ErrWrongHandle, list)
	}
	if l.released {
		return fmt.Errorf("%w: execute released command list", ErrReleased)
	}
	calls := l.calls
	c.add(func(st *regState) error {
		// Lists start from default state and leave the immediate context
		// state cleared.
		st.reset()
		for _, fn := range calls {
			if err := fn(st); err != nil {
				return err
			}
		}
		st.reset()
		st.dev.countList()
		return nil
	})
	return nil
}

func (c *immediateContext) ReleaseCommandList(list backend.CommandList) {
	if l, ok := list.(*commandList); ok {
		l.released = true
		l.calls = nil
	}
}

func (c *immediateContext) Flush() error {
	if err := c.dev.lostErr(); err != nil {
		c.take()
		return err
	}
	calls := c.take()
	if len(calls) == 0 {
		return nil
	}
	d := c.dev
	err := d.exec.Submit(func() {
		for _, fn := range calls {
			if err := fn(d.state); err != nil {
				d.Lose(err)
				return
			}
		}
	})
	if err != nil {
		if lost := d.lostErr(); lost != nil {
			return lost
		}
		return fmt.Errorf("%w: %w", backend.ErrDeviceLost, err)
	}
	return nil
}

func (c *immediateContext) QueryDone(q backend.Query) (bool, error) {
	if err := c.dev.lostErr(); err != nil {
		return false, err
	}
	qu, ok := q.(*query)
	if !ok {
		return false, fmt.Errorf("%w: query %T", ErrWrongHandle, q)
	}
	return qu.isDone(), nil
}
