package command

import (
	"github.com/gogpu/gfxbridge/gpucore"
	"github.com/gogpu/gfxbridge/internal/binding"
	"github.com/gogpu/gfxbridge/internal/signal"
)

// CommandType identifies the type of a command.
type CommandType uint8

const (
	// Transfer commands
	CmdCopyBuffer        CommandType = iota // Copy buffer regions
	CmdCopyBufferToImage                    // Copy buffer rows into an image
	CmdCopyImageToBuffer                    // Copy image rows into a buffer
	CmdFillBuffer                           // Fill a buffer range with a 32-bit value
	CmdUpdateBuffer                         // Write inline data into a buffer

	// Synchronization commands
	CmdBarrier    // Resolve hazards between accesses
	CmdUnbind     // Clear registers holding a resource (flat binding model)
	CmdSetEvent   // Set an event
	CmdResetEvent // Reset an event

	// Pipeline commands
	CmdBindPipeline    // Bind a compute or render pipeline
	CmdBindSet         // Bind a descriptor set
	CmdDispatch        // Dispatch compute workgroups
	CmdBeginRenderPass // Begin rendering to color targets
	CmdEndRenderPass   // End the current render pass
	CmdDraw            // Draw primitives
)

// commandTypeNames maps CommandType values to their string representation.
var commandTypeNames = [...]string{
	CmdCopyBuffer:        "CopyBuffer",
	CmdCopyBufferToImage: "CopyBufferToImage",
	CmdCopyImageToBuffer: "CopyImageToBuffer",
	CmdFillBuffer:        "FillBuffer",
	CmdUpdateBuffer:      "UpdateBuffer",
	CmdBarrier:           "Barrier",
	CmdUnbind:            "Unbind",
	CmdSetEvent:          "SetEvent",
	CmdResetEvent:        "ResetEvent",
	CmdBindPipeline:      "BindPipeline",
	CmdBindSet:           "BindSet",
	CmdDispatch:          "Dispatch",
	CmdBeginRenderPass:   "BeginRenderPass",
	CmdEndRenderPass:     "EndRenderPass",
	CmdDraw:              "Draw",
}

// String returns the string representation of a CommandType.
func (c CommandType) String() string {
	if int(c) < len(commandTypeNames) {
		return commandTypeNames[c]
	}
	return "Unknown"
}

// Command is the interface implemented by all command types.
// Commands reference resources by identifier and are replayable onto any
// native context.
type Command interface {
	// Type returns the CommandType for this command.
	Type() CommandType
}

// --------------------------------------------------------------------------
// Transfer Commands
// --------------------------------------------------------------------------

// CopyBufferCommand copies regions between two buffers.
type CopyBufferCommand struct {
	Src, Dst gpucore.ResourceID
	Regions  []gpucore.BufferCopy
}

// Type implements Command.
func (CopyBufferCommand) Type() CommandType { return CmdCopyBuffer }

// CopyBufferToImageCommand copies tightly described buffer rows into an image.
type CopyBufferToImageCommand struct {
	Src    gpucore.ResourceID
	Dst    gpucore.ResourceID
	Region gpucore.BufferImageCopy
}

// Type implements Command.
func (CopyBufferToImageCommand) Type() CommandType { return CmdCopyBufferToImage }

// CopyImageToBufferCommand copies image rows into a buffer.
type CopyImageToBufferCommand struct {
	Src    gpucore.ResourceID
	Dst    gpucore.ResourceID
	Region gpucore.BufferImageCopy
}

// Type implements Command.
func (CopyImageToBufferCommand) Type() CommandType { return CmdCopyImageToBuffer }

// FillBufferCommand fills a buffer range with a repeated 32-bit value.
type FillBufferCommand struct {
	Dst    gpucore.ResourceID
	Offset uint64
	Size   uint64
	Value  uint32
}

// Type implements Command.
func (FillBufferCommand) Type() CommandType { return CmdFillBuffer }

// UpdateBufferCommand writes inline data recorded with the command.
type UpdateBufferCommand struct {
	Dst    gpucore.ResourceID
	Offset uint64
	Data   []byte
}

// Type implements Command.
func (UpdateBufferCommand) Type() CommandType { return CmdUpdateBuffer }

// --------------------------------------------------------------------------
// Synchronization Commands
// --------------------------------------------------------------------------

// BarrierCommand carries the hazard-resolving barriers the tracker computed
// for the command that follows it.
type BarrierCommand struct {
	Specs []gpucore.BarrierSpec
}

// Type implements Command.
func (BarrierCommand) Type() CommandType { return CmdBarrier }

// UnbindCommand clears registers that still hold a resource written through
// them, before the resource is accessed another way.
type UnbindCommand struct {
	Resource gpucore.ResourceID
	Stages   gpucore.ShaderStage
	Class    gpucore.RegisterClass
	Register uint32
}

// Type implements Command.
func (UnbindCommand) Type() CommandType { return CmdUnbind }

// SetEventCommand sets an event once the submission completes.
type SetEventCommand struct {
	Event *signal.Primitive
}

// Type implements Command.
func (SetEventCommand) Type() CommandType { return CmdSetEvent }

// ResetEventCommand resets an event once the submission completes.
type ResetEventCommand struct {
	Event *signal.Primitive
}

// Type implements Command.
func (ResetEventCommand) Type() CommandType { return CmdResetEvent }

// --------------------------------------------------------------------------
// Pipeline Commands
// --------------------------------------------------------------------------

// BindPipelineCommand binds a pipeline.
type BindPipelineCommand struct {
	Pipeline *Pipeline
}

// Type implements Command.
func (BindPipelineCommand) Type() CommandType { return CmdBindPipeline }

// BindSetCommand binds a descriptor set at an index of the bound pipeline layout.
type BindSetCommand struct {
	Index uint32
	Set   *binding.Set
	// Version is the set version at record time.
	Version uint64
	// Ops are the native binding operations from the translator.
	Ops []binding.BindOp
}

// Type implements Command.
func (BindSetCommand) Type() CommandType { return CmdBindSet }

// DispatchCommand dispatches compute workgroups.
type DispatchCommand struct {
	X, Y, Z uint32
}

// Type implements Command.
func (DispatchCommand) Type() CommandType { return CmdDispatch }

// BeginRenderPassCommand starts rendering to color targets, optionally
// clearing them first.
type BeginRenderPassCommand struct {
	Targets []gpucore.ResourceID
	Clear   *gpucore.Color
}

// Type implements Command.
func (BeginRenderPassCommand) Type() CommandType { return CmdBeginRenderPass }

// EndRenderPassCommand ends the current render pass.
type EndRenderPassCommand struct{}

// Type implements Command.
func (EndRenderPassCommand) Type() CommandType { return CmdEndRenderPass }

// DrawCommand draws non-indexed primitives.
type DrawCommand struct {
	VertexCount   uint32
	InstanceCount uint32
	FirstVertex   uint32
	FirstInstance uint32
}

// Type implements Command.
func (DrawCommand) Type() CommandType { return CmdDraw }
