package native

import (
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/gfxbridge/backend"
)

// OpenNoop opens the HAL noop device. Every call succeeds and no work runs;
// it exercises the adapter without a GPU.
func OpenNoop(opts ...Option) (*Device, error) {
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		return nil, err
	}
	return openInstance(instance, append([]Option{WithName("hal noop device")}, opts...)...)
}

func init() {
	backend.Register(backend.NameHALNoop, func() (backend.Device, error) {
		return OpenNoop()
	})
}
