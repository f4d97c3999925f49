// Package alloc implements GPU memory sub-allocation.
//
// [RangeAllocator] is pure interval bookkeeping over one block: best-fit placement
// with alignment, immediate coalescing on free. It knows nothing about GPUs.
//
// [Pool] groups heaps by memory class on top of a [Backing] that creates the native
// memory. Pool growth adds at most one heap per request before failing with
// [ErrOutOfMemory]; callers never retry on their own.
package alloc
