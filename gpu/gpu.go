//go:build !nogpu

// Package gpu registers the wgpu executor as the kdtree default device.
//
// Import this package to run tree generation on the GPU. Generators created
// without WithDevice then open a wgpu device through the Vulkan HAL.
//
// If GPU initialization fails (no Vulkan/Metal/DX12 available), the
// generator logs a warning and falls back to the CPU executor.
//
// Usage:
//
//	import _ "github.com/gogpu/kdtree/gpu" // enable GPU tree generation
package gpu

import (
	"github.com/gogpu/gpucontext"

	"github.com/gogpu/kdtree"
	"github.com/gogpu/kdtree/backend/wgpu"
	"github.com/gogpu/kdtree/gpucore"
)

// DeviceName is the name the wgpu factory is registered under.
const DeviceName = "wgpu"

func init() {
	kdtree.RegisterDevice(DeviceName, newDevice)
}

func newDevice() (gpucore.Device, error) {
	d, err := wgpu.New()
	if err != nil {
		return nil, err
	}
	kdtree.Logger().Info("kdtree: GPU device opened", "gpu", d.Info().String())
	return d, nil
}

// SetDeviceProvider makes new generators share the GPU device of an
// external provider (e.g., gogpu) instead of opening their own. This avoids
// creating a separate GPU instance.
//
// The provider should be a gpucontext.DeviceProvider that also exposes
// HalDevice() and HalQueue() for direct HAL access. Generators created
// afterwards use the shared device; closing them does not destroy it.
func SetDeviceProvider(provider gpucontext.DeviceProvider) error {
	// Probe once so a provider without HAL access fails here rather than
	// silently falling back to the CPU later.
	probe, err := wgpu.NewShared(provider)
	if err != nil {
		return err
	}
	probe.Close()

	kdtree.RegisterDevice(DeviceName+"-shared", func() (gpucore.Device, error) {
		return wgpu.NewShared(provider)
	})
	return nil
}
