// Package gfxbridge provides one explicit graphics and compute API over two
// native GPU API models.
//
// # Overview
//
// gfxbridge exposes command buffers, pipelines, descriptor sets, memory heaps
// and synchronization primitives, and translates them onto either:
//   - explicit native devices: placed resources in heaps, native command
//     buffers, pipeline barriers and timeline fences (backend.ExplicitDevice)
//   - deferred native devices: immediate and deferred contexts, flat register
//     bindings and event queries as the only completion signal
//     (backend.DeferredDevice)
//
// The model is chosen once, when the Device is created.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/gfxbridge"
//	    "github.com/gogpu/gfxbridge/backend"
//	    _ "github.com/gogpu/gfxbridge/backend/explicit"
//	)
//
//	dev, err := gfxbridge.Open(backend.NameExplicit)
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//
//	buf, _ := dev.CreateBuffer(gfxbridge.BufferDesc{Size: 256, Usage: gpucore.UsageCopyDst})
//	_ = dev.BindBufferMemory(buf, nil)
//
//	cb, _ := dev.CreateCommandBuffer(gfxbridge.CommandBufferDesc{Label: "upload"})
//	_ = cb.Begin()
//	cb.FillBuffer(buf, 0, 256, 0)
//	_ = cb.End()
//
//	fence, _ := dev.CreateFence("done")
//	_ = dev.Queue().Submit(gfxbridge.SubmitInfo{CommandBuffers: []*gfxbridge.CommandBuffer{cb}, Fence: fence})
//	_ = dev.BlockUntil(fence, time.Second)
//
// # Architecture
//
// The translation layer is organized into:
//   - internal/alloc: heap pool and range sub-allocation
//   - internal/state: resource table and usage state tracking
//   - internal/binding: set/binding and flat register binding models
//   - internal/command: command recording and the recording strategies
//   - internal/signal: fences, semaphores and events over native or emulated
//     timelines
//   - backend: native device contracts and reference devices
//
// # Barriers
//
// Command buffers track resource usage while recording. Hazards inside a
// buffer become barriers at record time; the usage a buffer starts with is
// resolved against the device-wide state when it is submitted.
//
// # Errors
//
// Every error carries one of the kinds declared in errors.go, so callers
// test with errors.Is(err, gfxbridge.ErrStillInUse) and the like. After
// device loss every operation returns ErrDeviceLost.
package gfxbridge

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0-alpha.1"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0

	// VersionPrerelease is the prerelease identifier
	VersionPrerelease = "alpha.1"
)
