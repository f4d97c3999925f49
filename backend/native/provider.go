package native

import (
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gfxbridge/backend"
)

// halProvider is implemented by device providers that expose their HAL objects.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// FromProvider wraps the HAL device of a provider such as a gogpu window.
// The provider keeps ownership of the device.
func FromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("%w: provider %T does not expose HAL types", backend.ErrBackendNotAvailable, provider)
	}
	dev, ok := hp.HalDevice().(hal.Device)
	if !ok || dev == nil {
		return nil, fmt.Errorf("%w: provider HalDevice is not hal.Device", backend.ErrBackendNotAvailable)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: provider HalQueue is not hal.Queue", backend.ErrBackendNotAvailable)
	}
	return New(dev, queue, opts...)
}
