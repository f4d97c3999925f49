// Package gpucore provides the portable types shared by the gfxbridge translation layer
// and its native backends.
//
// The types here are deliberately free of backend semantics: handles, access usages,
// image layouts, barrier descriptions, binding slot types and device limits. The root
// package builds its public API out of them, and the packages under backend/ consume
// them when they translate portable work onto a native device.
//
// # Handles
//
// Resources are addressed by [ResourceID], an index into a resource table paired with a
// generation counter. A handle whose generation no longer matches the table slot is stale,
// which is how descriptor sets hold non-owning references to buffers and images.
//
// # Usages and barriers
//
// A [Usage] is a bit set of the ways a command touches a resource. Write bits are
// listed in [WriteUsages]. A transition between two usages is described by a
// [BarrierSpec], which names the [Hazard] it resolves and, for images, the [Layout]
// change that goes with it:
//
//	prev usage      next usage      result
//	-----------     -----------     ------------------------------
//	none            any             no barrier (entry state)
//	read            read            merge, barrier only if image layout differs
//	write           read            ReadAfterWrite barrier
//	read            write           WriteAfterRead barrier
//	write           write           WriteAfterWrite barrier
//
// # Binding model
//
// [LayoutEntry] describes one binding slot. [RegisterClass] is the flat register space
// (b, t, s, u) of deferred-context native APIs; [ClassFor] maps a [BindingType] onto it.
package gpucore
