package command

import (
	"log/slog"

	"github.com/pkg/errors"

	"github.com/gogpu/gfxbridge/backend"
	"github.com/gogpu/gfxbridge/gpucore"
	"github.com/gogpu/gfxbridge/internal/signal"
)

// ExplicitStrategy records near 1:1 into native command buffers.
//
// Patch barriers that reconcile global resource state with a buffer's entry
// state are recorded into pooled transit command buffers submitted just ahead
// of the buffer.
type ExplicitStrategy struct {
	dev backend.ExplicitDevice
	res Resolver

	transit []*transitBuffer
}

type transitBuffer struct {
	cb   backend.CommandBuffer
	done signal.Point
}

// NewExplicitStrategy returns the strategy for explicit devices.
func NewExplicitStrategy(dev backend.ExplicitDevice, res Resolver) *ExplicitStrategy {
	return &ExplicitStrategy{dev: dev, res: res}
}

// Name implements Strategy.
func (s *ExplicitStrategy) Name() string { return "explicit" }

// Begin implements Strategy.
func (s *ExplicitStrategy) Begin(b *Buffer) error {
	cb, ok := recording[backend.CommandBuffer](b)
	if !ok {
		var err error
		if cb, err = s.dev.CreateCommandBuffer(b.label); err != nil {
			return err
		}
		b.native = cb
	}
	return cb.Begin()
}

// End implements Strategy.
func (s *ExplicitStrategy) End(b *Buffer) error {
	cb, ok := recording[backend.CommandBuffer](b)
	if !ok {
		return errors.Wrap(ErrInvalidState, "no native command buffer")
	}
	return cb.End()
}

// Reset implements Strategy.
func (s *ExplicitStrategy) Reset(b *Buffer) error {
	if cb, ok := recording[backend.CommandBuffer](b); ok {
		return cb.Reset()
	}
	return nil
}

// Release implements Strategy.
func (s *ExplicitStrategy) Release(b *Buffer) {
	if cb, ok := recording[backend.CommandBuffer](b); ok {
		s.dev.FreeCommandBuffer(cb)
	}
}

func (s *ExplicitStrategy) native(b *Buffer, id gpucore.ResourceID) any {
	r, err := s.res.Resource(id)
	if err != nil {
		b.fail(err)
		return nil
	}
	n := r.Native()
	if n == nil {
		b.fail(errors.Wrapf(ErrInvalidState, "%s %q has no memory bound", r.Kind, r.Label))
	}
	return n
}

// Record implements Strategy.
func (s *ExplicitStrategy) Record(b *Buffer, cmd Command) {
	cb, ok := recording[backend.CommandBuffer](b)
	if !ok {
		b.fail(errors.Wrap(ErrInvalidState, "no native command buffer"))
		return
	}
	switch c := cmd.(type) {
	case CopyBufferCommand:
		src, dst := s.native(b, c.Src), s.native(b, c.Dst)
		if src != nil && dst != nil {
			cb.CopyBuffer(src, dst, c.Regions)
		}
	case CopyBufferToImageCommand:
		src, dst := s.native(b, c.Src), s.native(b, c.Dst)
		if src != nil && dst != nil {
			cb.CopyBufferToImage(src, dst, c.Region)
		}
	case CopyImageToBufferCommand:
		src, dst := s.native(b, c.Src), s.native(b, c.Dst)
		if src != nil && dst != nil {
			cb.CopyImageToBuffer(src, dst, c.Region)
		}
	case FillBufferCommand:
		if dst := s.native(b, c.Dst); dst != nil {
			cb.FillBuffer(dst, c.Offset, c.Size, c.Value)
		}
	case UpdateBufferCommand:
		if dst := s.native(b, c.Dst); dst != nil {
			cb.UpdateBuffer(dst, c.Offset, c.Data)
		}
	case BarrierCommand:
		bufs, imgs, err := s.barriers(c.Specs)
		if err != nil {
			b.fail(err)
			return
		}
		cb.PipelineBarrier(bufs, imgs)
	case BindPipelineCommand:
		cb.BindPipeline(c.Pipeline.Native)
	case BindSetCommand:
		cb.BindSet(c.Index, c.Set.Native)
	case DispatchCommand:
		cb.Dispatch(c.X, c.Y, c.Z)
	case BeginRenderPassCommand:
		targets := make([]backend.Image, 0, len(c.Targets))
		for _, id := range c.Targets {
			if n := s.native(b, id); n != nil {
				targets = append(targets, n)
			}
		}
		cb.BeginRenderPass(targets, c.Clear)
	case EndRenderPassCommand:
		cb.EndRenderPass()
	case DrawCommand:
		cb.Draw(c.VertexCount, c.InstanceCount, c.FirstVertex, c.FirstInstance)
	case SetEventCommand, ResetEventCommand:
		// Applied by the sync mapper when the submission completes.
	case UnbindCommand:
		// Set-model devices have no registers to clear.
	}
}

func (s *ExplicitStrategy) barriers(specs []gpucore.BarrierSpec) ([]backend.BufferBarrier, []backend.ImageBarrier, error) {
	var (
		bufs []backend.BufferBarrier
		imgs []backend.ImageBarrier
	)
	for _, spec := range specs {
		r, err := s.res.Resource(spec.Resource)
		if err != nil {
			return nil, nil, err
		}
		if spec.Kind == gpucore.KindImage {
			imgs = append(imgs, backend.ImageBarrier{Image: r.Native(), Spec: spec})
		} else {
			bufs = append(bufs, backend.BufferBarrier{Buffer: r.Native(), Spec: spec})
		}
	}
	return bufs, imgs, nil
}

// transitFor returns a recorded transit buffer holding patch.
func (s *ExplicitStrategy) transitFor(patch []gpucore.BarrierSpec, done signal.Point) (backend.CommandBuffer, error) {
	bufs, imgs, err := s.barriers(patch)
	if err != nil {
		return nil, err
	}
	var t *transitBuffer
	for _, cand := range s.transit {
		if cand.done.IsZero() {
			t = cand
			break
		}
		reached, err := s.dev.WaitFence(cand.done.Primitive.Native(), cand.done.Value, 0)
		if err != nil {
			return nil, err
		}
		if reached {
			t = cand
			break
		}
	}
	if t == nil {
		cb, err := s.dev.CreateCommandBuffer("transit")
		if err != nil {
			return nil, err
		}
		t = &transitBuffer{cb: cb}
		s.transit = append(s.transit, t)
	} else if err := t.cb.Reset(); err != nil {
		return nil, err
	}
	if err := t.cb.Begin(); err != nil {
		return nil, err
	}
	t.cb.PipelineBarrier(bufs, imgs)
	if err := t.cb.End(); err != nil {
		return nil, err
	}
	t.done = done
	return t.cb, nil
}

// Execute implements Strategy.
func (s *ExplicitStrategy) Execute(batch []Execution, waits, signals []signal.Point, _ any) error {
	var done signal.Point
	if len(signals) > 0 {
		done = signals[0]
	}
	cbs := make([]backend.CommandBuffer, 0, 2*len(batch))
	for _, e := range batch {
		if len(e.Patch) > 0 {
			t, err := s.transitFor(e.Patch, done)
			if err != nil {
				return errors.WithMessage(err, "record transit barriers")
			}
			cbs = append(cbs, t)
			slogger().Debug("transit barriers",
				slog.String("buffer", e.Buffer.label), slog.Int("barriers", len(e.Patch)))
		}
		cb, ok := recording[backend.CommandBuffer](e.Buffer)
		if !ok {
			return errors.Wrapf(ErrInvalidState, "buffer %q has no native command buffer", e.Buffer.label)
		}
		cbs = append(cbs, cb)
	}
	return s.dev.Submit(cbs, fenceValues(waits), fenceValues(signals))
}

func fenceValues(points []signal.Point) []backend.FenceValue {
	out := make([]backend.FenceValue, len(points))
	for i, pt := range points {
		out[i] = backend.FenceValue{Fence: pt.Primitive.Native(), Value: pt.Value}
	}
	return out
}

// Close frees the transit buffers. The device must be idle.
func (s *ExplicitStrategy) Close() {
	for _, t := range s.transit {
		s.dev.FreeCommandBuffer(t.cb)
	}
	s.transit = nil
}
