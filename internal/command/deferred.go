package command

import (
	"github.com/pkg/errors"

	"github.com/gogpu/gfxbridge/backend"
	"github.com/gogpu/gfxbridge/gpucore"
	"github.com/gogpu/gfxbridge/internal/binding"
	"github.com/gogpu/gfxbridge/internal/signal"
)

// applier replays command records onto a native context.
type applier struct {
	res Resolver
}

func (a applier) native(id gpucore.ResourceID) (any, error) {
	r, err := a.res.Resource(id)
	if err != nil {
		return nil, err
	}
	if n := r.Native(); n != nil {
		return n, nil
	}
	return nil, errors.Wrapf(ErrInvalidState, "%s %q has no native object", r.Kind, r.Label)
}

func (a applier) views(op binding.BindOp) ([]backend.View, error) {
	views := make([]backend.View, len(op.Slots))
	for i, s := range op.Slots {
		if !s.Written {
			continue
		}
		if s.Type == gpucore.BindingSampler {
			smp, err := a.res.Sampler(s.Sampler)
			if err != nil {
				return nil, errors.Wrapf(ErrInvalidState, "binding %d: sampler destroyed: %v", s.Binding, err)
			}
			views[i].Sampler = smp
			continue
		}
		n, err := a.native(s.Resource)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidState, "binding %d references destroyed resource %s: %v", s.Binding, s.Resource, err)
		}
		if s.Type.IsImage() {
			views[i].Image = n
		} else {
			views[i].Buffer = n
			views[i].Offset = s.Offset
			views[i].Size = s.Size
		}
	}
	return views, nil
}

// apply issues one command on ctx. Barriers need no native call: context
// calls execute in order and hazards on registers are cleared by Unbind.
func (a applier) apply(ctx backend.Context, cmd Command) error {
	switch c := cmd.(type) {
	case CopyBufferCommand:
		src, err := a.native(c.Src)
		if err != nil {
			return err
		}
		dst, err := a.native(c.Dst)
		if err != nil {
			return err
		}
		for _, r := range c.Regions {
			ctx.CopyBufferRegion(dst, r.DstOffset, src, r.SrcOffset, r.Size)
		}
	case CopyBufferToImageCommand:
		src, err := a.native(c.Src)
		if err != nil {
			return err
		}
		dst, err := a.native(c.Dst)
		if err != nil {
			return err
		}
		ctx.CopyBufferToImage(dst, src, c.Region)
	case CopyImageToBufferCommand:
		src, err := a.native(c.Src)
		if err != nil {
			return err
		}
		dst, err := a.native(c.Dst)
		if err != nil {
			return err
		}
		ctx.CopyImageToBuffer(dst, src, c.Region)
	case FillBufferCommand:
		dst, err := a.native(c.Dst)
		if err != nil {
			return err
		}
		ctx.ClearBuffer(dst, c.Offset, c.Size, c.Value)
	case UpdateBufferCommand:
		dst, err := a.native(c.Dst)
		if err != nil {
			return err
		}
		ctx.UpdateBuffer(dst, c.Offset, c.Data)
	case UnbindCommand:
		ctx.SetBindings(c.Stages, c.Class, c.Register, []backend.View{{}})
	case BindPipelineCommand:
		ctx.SetPipeline(c.Pipeline.Native)
	case BindSetCommand:
		for _, op := range c.Ops {
			views, err := a.views(op)
			if err != nil {
				return err
			}
			ctx.SetBindings(op.Stages, op.Class, op.Start, views)
		}
	case DispatchCommand:
		ctx.Dispatch(c.X, c.Y, c.Z)
	case BeginRenderPassCommand:
		targets := make([]backend.Image, len(c.Targets))
		for i, id := range c.Targets {
			n, err := a.native(id)
			if err != nil {
				return err
			}
			targets[i] = n
		}
		ctx.SetRenderTargets(targets)
		if c.Clear != nil {
			for _, t := range targets {
				ctx.ClearRenderTarget(t, *c.Clear)
			}
		}
	case EndRenderPassCommand:
		ctx.SetRenderTargets(nil)
	case DrawCommand:
		ctx.Draw(c.VertexCount, c.InstanceCount, c.FirstVertex, c.FirstInstance)
	case BarrierCommand, SetEventCommand, ResetEventCommand:
	}
	return nil
}

// finish ends a submission on the immediate context with its completion query.
func finish(imm backend.ImmediateContext, token any) error {
	if token != nil {
		imm.End(token)
	}
	return imm.Flush()
}

type deferredRecording struct {
	ctx  backend.DeferredContext
	list backend.CommandList
}

// DeferredContextStrategy records into native deferred contexts and executes
// the finished command lists on the immediate context.
type DeferredContextStrategy struct {
	dev backend.DeferredDevice
	applier
}

// NewDeferredContextStrategy returns the strategy for deferred devices that
// support deferred contexts.
func NewDeferredContextStrategy(dev backend.DeferredDevice, res Resolver) *DeferredContextStrategy {
	return &DeferredContextStrategy{dev: dev, applier: applier{res: res}}
}

// Name implements Strategy.
func (s *DeferredContextStrategy) Name() string { return "deferred-context" }

// Begin implements Strategy.
func (s *DeferredContextStrategy) Begin(b *Buffer) error {
	if _, ok := recording[*deferredRecording](b); ok {
		return nil
	}
	ctx, err := s.dev.CreateDeferredContext()
	if err != nil {
		return err
	}
	b.native = &deferredRecording{ctx: ctx}
	return nil
}

// Record implements Strategy.
func (s *DeferredContextStrategy) Record(b *Buffer, cmd Command) {
	rec, ok := recording[*deferredRecording](b)
	if !ok {
		b.fail(errors.Wrap(ErrInvalidState, "no deferred context"))
		return
	}
	if err := s.apply(rec.ctx, cmd); err != nil {
		b.fail(err)
	}
}

// End implements Strategy.
func (s *DeferredContextStrategy) End(b *Buffer) error {
	rec, ok := recording[*deferredRecording](b)
	if !ok {
		return errors.Wrap(ErrInvalidState, "no deferred context")
	}
	list, err := rec.ctx.FinishCommandList()
	if err != nil {
		return err
	}
	rec.list = list
	return nil
}

// Reset implements Strategy.
func (s *DeferredContextStrategy) Reset(b *Buffer) error {
	if rec, ok := recording[*deferredRecording](b); ok && rec.list != nil {
		s.dev.Immediate().ReleaseCommandList(rec.list)
		rec.list = nil
	}
	return nil
}

// Release implements Strategy.
func (s *DeferredContextStrategy) Release(b *Buffer) {
	if rec, ok := recording[*deferredRecording](b); ok {
		if rec.list != nil {
			s.dev.Immediate().ReleaseCommandList(rec.list)
		}
		rec.ctx.Release()
	}
}

// Execute implements Strategy.
func (s *DeferredContextStrategy) Execute(batch []Execution, _, _ []signal.Point, token any) error {
	imm := s.dev.Immediate()
	for _, e := range batch {
		rec, ok := recording[*deferredRecording](e.Buffer)
		if !ok || rec.list == nil {
			return errors.Wrapf(ErrInvalidState, "buffer %q has no command list", e.Buffer.label)
		}
		if err := imm.ExecuteCommandList(rec.list); err != nil {
			return err
		}
	}
	return finish(imm, token)
}

// ReplayStrategy keeps commands in host memory and replays them onto the
// immediate context at submission. It needs nothing but the immediate context.
type ReplayStrategy struct {
	dev backend.DeferredDevice
	applier
}

// NewReplayStrategy returns the fallback strategy for deferred devices.
func NewReplayStrategy(dev backend.DeferredDevice, res Resolver) *ReplayStrategy {
	return &ReplayStrategy{dev: dev, applier: applier{res: res}}
}

// Name implements Strategy.
func (s *ReplayStrategy) Name() string { return "replay" }

// Begin implements Strategy.
func (s *ReplayStrategy) Begin(*Buffer) error { return nil }

// Record implements Strategy. The buffer's command stream is the recording.
func (s *ReplayStrategy) Record(*Buffer, Command) {}

// End implements Strategy.
func (s *ReplayStrategy) End(*Buffer) error { return nil }

// Reset implements Strategy.
func (s *ReplayStrategy) Reset(*Buffer) error { return nil }

// Release implements Strategy.
func (s *ReplayStrategy) Release(*Buffer) {}

// Execute implements Strategy.
func (s *ReplayStrategy) Execute(batch []Execution, _, _ []signal.Point, token any) error {
	imm := s.dev.Immediate()
	for _, e := range batch {
		for _, cmd := range e.Buffer.commands {
			if err := s.apply(imm, cmd); err != nil {
				return errors.WithMessagef(err, "replay %s of buffer %q", cmd.Type(), e.Buffer.label)
			}
		}
		clearUnordered(imm, e.Buffer.commands)
	}
	return finish(imm, token)
}

// clearUnordered unbinds the unordered registers a replayed buffer bound, so
// the next buffer starts without output bindings that would hide its inputs.
func clearUnordered(ctx backend.Context, cmds []Command) {
	for _, cmd := range cmds {
		c, ok := cmd.(BindSetCommand)
		if !ok {
			continue
		}
		for _, op := range c.Ops {
			if op.Class == gpucore.RegisterUnordered {
				ctx.SetBindings(op.Stages, op.Class, op.Start, make([]backend.View, len(op.Slots)))
			}
		}
	}
}
