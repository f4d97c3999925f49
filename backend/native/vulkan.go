//go:build !nogpu

package native

import (
	"github.com/gogpu/gputypes"
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/gfxbridge/backend"
)

func init() {
	backend.Register(backend.NameHALVulkan, func() (backend.Device, error) {
		return Open(gputypes.BackendVulkan)
	})
}
