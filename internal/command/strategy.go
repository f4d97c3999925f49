package command

import (
	"github.com/gogpu/gfxbridge/backend"
	"github.com/gogpu/gfxbridge/gpucore"
	"github.com/gogpu/gfxbridge/internal/binding"
	"github.com/gogpu/gfxbridge/internal/signal"
	"github.com/gogpu/gfxbridge/internal/state"
)

// Resolver looks up device objects referenced by commands.
type Resolver interface {
	Resource(id gpucore.ResourceID) (*state.Resource, error)
	Sampler(id gpucore.ResourceID) (backend.Sampler, error)
}

// Pipeline is a created pipeline together with its layout.
type Pipeline struct {
	Label  string
	Layout *binding.PipelineLayout
	// Stages is gpucore.ShaderCompute for compute pipelines and
	// gpucore.ShaderGraphics for render pipelines.
	Stages gpucore.ShaderStage
	Native backend.Pipeline
}

// IsCompute reports whether p is a compute pipeline.
func (p *Pipeline) IsCompute() bool { return p.Stages == gpucore.ShaderCompute }

// Execution is one buffer of a submission with the patch barriers that bring
// the resources it uses from their global state to its entry state.
type Execution struct {
	Buffer *Buffer
	Patch  []gpucore.BarrierSpec
}

// Strategy maps portable recording onto one native execution model.
// A device picks one strategy at construction and never switches.
type Strategy interface {
	Name() string
	// Begin prepares native recording for b.
	Begin(b *Buffer) error
	// Record translates one appended command. Failures are reported through
	// b.Fail and surface at End.
	Record(b *Buffer, cmd Command)
	// End finishes native recording.
	End(b *Buffer) error
	// Reset discards native recording so b can be recorded again.
	Reset(b *Buffer) error
	// Release frees everything the strategy attached to b.
	Release(b *Buffer)
	// Execute hands a batch to the device. signals[0] is the queue timeline
	// point; token is the completion token from the sync mapper.
	Execute(batch []Execution, waits, signals []signal.Point, token any) error
}

// recording returns the strategy-owned state of b.
func recording[T any](b *Buffer) (T, bool) {
	v, ok := b.native.(T)
	return v, ok
}
