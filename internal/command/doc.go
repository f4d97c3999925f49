// Package command implements portable command buffers.
//
// A [Buffer] records typed command records (see [CommandType]) and runs every
// resource access through a per-buffer state tracker, embedding the barriers
// it computes as [BarrierCommand] records ahead of the command that needs
// them. The first use of each resource produces no barrier; it becomes the
// buffer's entry state, which the queue reconciles with global state at
// submission.
//
// A [Strategy] maps recording onto the native model, chosen once per device:
//
//   - [ExplicitStrategy] records into native command buffers.
//   - [DeferredContextStrategy] records into a native deferred context and
//     executes the finished command list.
//   - [ReplayStrategy] keeps the records in host memory and replays them onto
//     the immediate context.
//
// Buffers follow the Initial, Recording, Executable, Pending and Invalid
// lifecycle. Pending completion is observed through the sync mapper.
package command
