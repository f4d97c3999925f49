package backend

import (
	"errors"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gfxbridge/gpucore"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not registered.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrDeviceLost is returned by every call on a device that hit an unrecoverable failure.
	ErrDeviceLost = errors.New("backend: device lost")

	// ErrUnsupported is returned for operations the native device cannot perform.
	ErrUnsupported = errors.New("backend: operation not supported")

	// ErrOutOfMemory is returned when native memory is exhausted.
	ErrOutOfMemory = errors.New("backend: out of device memory")

	// ErrNotRecording is returned by command buffer End without Begin.
	ErrNotRecording = errors.New("backend: command buffer is not recording")
)

// Model is the native execution model of a device.
type Model uint8

const (
	// ModelExplicit devices record native command buffers and take explicit barriers.
	ModelExplicit Model = iota
	// ModelDeferred devices only offer immediate and deferred contexts.
	ModelDeferred
)

func (m Model) String() string {
	if m == ModelDeferred {
		return "deferred"
	}
	return "explicit"
}

// AdapterInfo describes a native device.
type AdapterInfo struct {
	Name     string
	Driver   string
	Model    Model
	Limits   gpucore.Limits
	Features gpucore.Features
}

// Device is the part shared by both native models.
// Implementations also implement exactly one of ExplicitDevice or DeferredDevice.
type Device interface {
	Info() AdapterInfo
	Destroy()
}

// Native handles. Backends define the concrete types.
type (
	Heap           any
	Buffer         any
	Image          any
	Sampler        any
	ShaderModule   any
	SetLayout      any
	PipelineLayout any
	Pipeline       any
	Set            any
	Fence          any
	Query          any
	CommandList    any
)

// BufferDesc describes a buffer.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage gpucore.Usage
	Class gpucore.MemoryClass
}

// ImageDesc describes a 2D image.
type ImageDesc struct {
	Label  string
	Extent gpucore.Extent
	Format gputypes.TextureFormat
	Usage  gpucore.Usage
}

// SamplerDesc describes a sampler.
type SamplerDesc struct {
	Label  string
	Linear bool
}

// ComputePipelineDesc describes a compute pipeline.
type ComputePipelineDesc struct {
	Label      string
	Layout     PipelineLayout
	Module     ShaderModule
	EntryPoint string
}

// RenderPipelineDesc describes a render pipeline.
type RenderPipelineDesc struct {
	Label         string
	Layout        PipelineLayout
	Vertex        ShaderModule
	VertexEntry   string
	Fragment      ShaderModule
	FragmentEntry string
	ColorFormats  []gputypes.TextureFormat
}

// SetWrite is one descriptor of a native descriptor set.
type SetWrite struct {
	Binding uint32
	Element uint32
	Type    gpucore.BindingType
	Buffer  Buffer
	Offset  uint64
	Size    uint64
	Image   Image
	Sampler Sampler
}

// FenceValue pairs a timeline fence with a payload.
type FenceValue struct {
	Fence Fence
	Value uint64
}

// BufferBarrier is a native buffer memory barrier.
type BufferBarrier struct {
	Buffer Buffer
	Spec   gpucore.BarrierSpec
}

// ImageBarrier is a native image memory barrier with optional layout change.
type ImageBarrier struct {
	Image Image
	Spec  gpucore.BarrierSpec
}

// ExplicitDevice is native model A: placed resources in caller-managed heaps,
// native command buffers with explicit barriers and timeline fences.
type ExplicitDevice interface {
	Device

	// BufferRequirements returns the size and alignment a placed buffer needs.
	BufferRequirements(desc BufferDesc) (size, alignment uint64)
	// ImageRequirements returns the size and alignment a placed image needs.
	ImageRequirements(desc ImageDesc) (size, alignment uint64)

	CreateHeap(size uint64, class gpucore.MemoryClass) (Heap, error)
	DestroyHeap(h Heap)
	CreateBuffer(desc BufferDesc, heap Heap, offset uint64) (Buffer, error)
	DestroyBuffer(b Buffer)
	CreateImage(desc ImageDesc, heap Heap, offset uint64) (Image, error)
	DestroyImage(i Image)
	CreateSampler(desc SamplerDesc) (Sampler, error)
	DestroySampler(s Sampler)

	// WriteBuffer and ReadBuffer access host-visible buffers directly. Callers
	// order them against device work with fences.
	WriteBuffer(b Buffer, offset uint64, data []byte) error
	ReadBuffer(b Buffer, offset uint64, dst []byte) error

	CreateShaderModule(label string, spirv []uint32) (ShaderModule, error)
	DestroyShaderModule(m ShaderModule)
	CreateSetLayout(label string, entries []gpucore.LayoutEntry) (SetLayout, error)
	DestroySetLayout(l SetLayout)
	CreatePipelineLayout(label string, sets []SetLayout) (PipelineLayout, error)
	DestroyPipelineLayout(l PipelineLayout)
	CreateComputePipeline(desc ComputePipelineDesc) (Pipeline, error)
	CreateRenderPipeline(desc RenderPipelineDesc) (Pipeline, error)
	DestroyPipeline(p Pipeline)
	CreateSet(label string, layout SetLayout, writes []SetWrite) (Set, error)
	DestroySet(s Set)

	CreateCommandBuffer(label string) (CommandBuffer, error)
	FreeCommandBuffer(cb CommandBuffer)

	CreateFence() (Fence, error)
	DestroyFence(f Fence)
	// WaitFence waits until the fence payload reaches value. A zero timeout polls.
	WaitFence(f Fence, value uint64, timeout time.Duration) (bool, error)

	// Submit executes command buffers in order after every wait is satisfied,
	// then raises every signal. The queue is in-order.
	Submit(cbs []CommandBuffer, waits, signals []FenceValue) error
	WaitIdle() error
}

// CommandBuffer is a native explicit command buffer.
// Recording methods do not return errors; failures surface at End.
type CommandBuffer interface {
	Begin() error
	End() error
	Reset() error

	CopyBuffer(src, dst Buffer, regions []gpucore.BufferCopy)
	CopyBufferToImage(src Buffer, dst Image, region gpucore.BufferImageCopy)
	CopyImageToBuffer(src Image, dst Buffer, region gpucore.BufferImageCopy)
	FillBuffer(dst Buffer, offset, size uint64, value uint32)
	UpdateBuffer(dst Buffer, offset uint64, data []byte)
	PipelineBarrier(buffers []BufferBarrier, images []ImageBarrier)

	BeginRenderPass(targets []Image, clear *gpucore.Color)
	EndRenderPass()
	BindPipeline(p Pipeline)
	BindSet(index uint32, s Set)
	Dispatch(x, y, z uint32)
	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)
}

// DeferredDevice is native model B: dedicated resources and context method calls,
// with event queries as the only completion signal.
type DeferredDevice interface {
	Device

	CreateBuffer(desc BufferDesc) (Buffer, error)
	DestroyBuffer(b Buffer)
	CreateImage(desc ImageDesc) (Image, error)
	DestroyImage(i Image)
	CreateSampler(desc SamplerDesc) (Sampler, error)
	DestroySampler(s Sampler)

	// WriteBuffer and ReadBuffer map the buffer; they wait for all work already
	// executed on the immediate context.
	WriteBuffer(b Buffer, offset uint64, data []byte) error
	ReadBuffer(b Buffer, offset uint64, dst []byte) error

	CreateShaderModule(label string, spirv []uint32) (ShaderModule, error)
	DestroyShaderModule(m ShaderModule)
	CreateComputePipeline(label string, module ShaderModule, entryPoint string) (Pipeline, error)
	CreateRenderPipeline(label string, vertex ShaderModule, vertexEntry string, fragment ShaderModule, fragmentEntry string) (Pipeline, error)
	DestroyPipeline(p Pipeline)

	CreateQuery() (Query, error)
	DestroyQuery(q Query)

	Immediate() ImmediateContext
	// CreateDeferredContext returns ErrUnsupported when the device lacks
	// gpucore.FeatureDeferredContexts.
	CreateDeferredContext() (DeferredContext, error)
}

// View is a resource bound to one register. The zero View unbinds the register.
type View struct {
	Buffer  Buffer
	Offset  uint64
	Size    uint64
	Image   Image
	Sampler Sampler
}

// Context is the recording surface shared by immediate and deferred contexts.
type Context interface {
	CopyBufferRegion(dst Buffer, dstOffset uint64, src Buffer, srcOffset, size uint64)
	CopyBufferToImage(dst Image, src Buffer, region gpucore.BufferImageCopy)
	CopyImageToBuffer(dst Buffer, src Image, region gpucore.BufferImageCopy)
	UpdateBuffer(dst Buffer, offset uint64, data []byte)
	ClearBuffer(dst Buffer, offset, size uint64, value uint32)

	SetPipeline(p Pipeline)
	SetBindings(stages gpucore.ShaderStage, class gpucore.RegisterClass, start uint32, views []View)
	Dispatch(x, y, z uint32)

	SetRenderTargets(targets []Image)
	ClearRenderTarget(target Image, c gpucore.Color)
	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)

	// End marks the query; it reports done once work recorded before it completes.
	End(q Query)
}

// DeferredContext records work for later execution on the immediate context.
type DeferredContext interface {
	Context
	FinishCommandList() (CommandList, error)
	Release()
}

// ImmediateContext executes work on the device.
type ImmediateContext interface {
	Context
	ExecuteCommandList(list CommandList) error
	ReleaseCommandList(list CommandList)
	Flush() error
	// QueryDone reports whether the last End of q has been reached.
	QueryDone(q Query) (bool, error)
}
