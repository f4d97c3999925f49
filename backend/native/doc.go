// Package native implements the explicit device contract on top of
// gogpu/wgpu/hal, so the translation layer can drive Vulkan, Metal, DX12 or
// the HAL noop device.
//
// HAL resources are dedicated objects; there is no placed memory. Heaps are
// bookkeeping only and every buffer or image gets its own HAL allocation.
// Dispatches are wrapped in a compute pass each, render passes map onto HAL
// render passes, and pipeline barriers become HAL usage transitions.
//
// Fences are HAL timeline fences. A submission signals the device timeline
// with its command buffers, then each requested fence with an empty
// submission. Waits are satisfied by queue order because all fences are
// signaled by the one queue.
//
// Descriptor sets bind buffers only. Layouts or sets with image or sampler
// slots fail with backend.ErrUnsupported.
//
// # Registration
//
// Importing the package registers backend.NameHALNoop. The Vulkan adapter
// registers backend.NameHALVulkan:
//
//	import _ "github.com/gogpu/gfxbridge/backend/native"
//
//	d, err := backend.Open(backend.NameHALVulkan)
//
// A device owned by another component is wrapped with FromProvider.
package native
