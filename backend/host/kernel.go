package host

import (
	"sync"
)

// Slot addresses one binding of an invocation. On set-model devices Space is
// the set index and Index the binding number; on register-model devices Space
// is the register class and Index the register.
type Slot struct {
	Space uint32
	Index uint32
}

// Binding is the host view of one bound resource.
type Binding struct {
	// Data is the bound buffer range, or the texels of a bound image.
	Data  []byte
	Image *Image
	// Sampler is the backend sampler of sampler slots.
	Sampler any
}

// Invocation is one dispatch or draw handed to a kernel.
type Invocation struct {
	Entry string
	// Groups is the workgroup count of a dispatch, or vertex count, instance
	// count and first vertex of a draw.
	Groups   [3]uint32
	Bindings map[Slot]Binding
	// Targets are the render targets of a draw.
	Targets []Image
}

// Buffer returns the buffer bound at space and index, nil when unbound.
func (inv *Invocation) Buffer(space, index uint32) []byte {
	return inv.Bindings[Slot{Space: space, Index: index}].Data
}

// Kernel is the host implementation of a shader entry point. A kernel error
// is a device fault and loses the device.
type Kernel func(inv *Invocation) error

// Kernels maps entry point names to host kernels. Entry points without a
// kernel execute as no-ops.
type Kernels struct {
	mu sync.RWMutex
	m  map[string]Kernel
}

// Register installs k for entry.
func (k *Kernels) Register(entry string, kernel Kernel) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.m == nil {
		k.m = make(map[string]Kernel)
	}
	k.m[entry] = kernel
}

// Lookup returns the kernel registered for entry.
func (k *Kernels) Lookup(entry string) Kernel {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.m[entry]
}
