package state

import (
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gfxbridge/gpucore"
	"github.com/gogpu/gfxbridge/internal/alloc"
)

// Resource is the host-side record of a buffer or image.
//
// Descriptive fields are set at creation and never change. The usage state,
// memory binding and pending count are guarded by the resource mutex.
type Resource struct {
	ID     gpucore.ResourceID
	Kind   gpucore.ResourceKind
	Label  string
	Size   uint64
	Extent gpucore.Extent
	Format gputypes.TextureFormat
	// Allowed is the set of usages declared at creation.
	Allowed gpucore.Usage
	// Class is the memory class the resource is bound to when no heap is given.
	Class gpucore.MemoryClass
	// External resources are owned by a presentation service and never freed here.
	External bool

	mu      sync.Mutex
	state   gpucore.Usage
	memory  *alloc.Allocation
	native  any
	pending int
}

// State returns the global usage state, the exit state of the last submitted
// command buffer that touched the resource.
func (r *Resource) State() gpucore.Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetState replaces the global usage state.
func (r *Resource) SetState(u gpucore.Usage) {
	r.mu.Lock()
	r.state = u
	r.mu.Unlock()
}

// Bind records the backing allocation and native handle.
func (r *Resource) Bind(memory *alloc.Allocation, native any) {
	r.mu.Lock()
	r.memory = memory
	r.native = native
	r.mu.Unlock()
}

// Memory returns the backing allocation, nil while unbound or for external images.
func (r *Resource) Memory() *alloc.Allocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memory
}

// Native returns the backend handle, nil until bound.
func (r *Resource) Native() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.native
}

// IsBound reports whether the resource has a native handle.
func (r *Resource) IsBound() bool { return r.Native() != nil }

// Acquire marks the resource as referenced by one more in-flight submission.
func (r *Resource) Acquire() {
	r.mu.Lock()
	r.pending++
	r.mu.Unlock()
}

// Release drops one in-flight reference.
func (r *Resource) Release() {
	r.mu.Lock()
	if r.pending > 0 {
		r.pending--
	}
	r.mu.Unlock()
}

// Pending returns the number of in-flight submissions referencing the resource.
func (r *Resource) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}
