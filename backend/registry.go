package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Registered backend names.
const (
	// NameExplicit is the host-memory implementation of the explicit model.
	NameExplicit = "explicit"
	// NameDeferred is the host-memory implementation of the deferred model.
	NameDeferred = "deferred"
	// NameDeferredImmediate is the deferred model without deferred contexts.
	NameDeferredImmediate = "deferred-immediate"
	// NameHALVulkan opens the first Vulkan adapter through gogpu/wgpu/hal.
	NameHALVulkan = "hal-vulkan"
	// NameHALNoop opens the gogpu/wgpu/hal noop device.
	NameHALNoop = "hal-noop"
)

// Factory creates a native device.
type Factory func() (Device, error)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
	// Priority order for backend selection (first available wins).
	backendPriority = []string{NameHALVulkan, NameExplicit, NameDeferred}
)

// Register registers a backend factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns the sorted list of registered backend names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Open creates a device from the named backend.
func Open(name string) (Device, error) {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	return factory()
}

// OpenDefault opens the first backend in priority order that succeeds, then
// any other registered backend. It returns the name of the opened backend.
func OpenDefault() (Device, string, error) {
	tried := make(map[string]bool)
	var lastErr error
	for _, name := range append(append([]string(nil), backendPriority...), Available()...) {
		if tried[name] || !IsRegistered(name) {
			continue
		}
		tried[name] = true
		d, err := Open(name)
		if err == nil {
			return d, name, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrBackendNotAvailable
	}
	return nil, "", lastErr
}
