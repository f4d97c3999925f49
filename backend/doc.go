// Package backend defines the native device contracts gfxbridge translates onto,
// and a registry of device factories.
//
// There are two contracts, one per native execution model:
//
//   - ExplicitDevice: placed resources in caller-managed heaps, native command
//     buffers with explicit pipeline barriers, timeline fences and an in-order
//     queue. Implemented by backend/explicit (host memory) and backend/native
//     (gogpu/wgpu/hal).
//   - DeferredDevice: dedicated resources, an immediate context, optional
//     deferred contexts producing command lists, and event queries as the only
//     completion signal. Implemented by backend/deferred (host memory).
//
// # Backend Registration
//
// Backends are registered via init() functions and opened by name:
//
//	import _ "github.com/gogpu/gfxbridge/backend/explicit"
//
//	dev, err := backend.Open(backend.NameExplicit)
//
// OpenDefault tries the hal Vulkan backend first, then the software models.
package backend
