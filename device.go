package kdtree

import (
	"sync"

	"github.com/gogpu/kdtree/backend/cpu"
	"github.com/gogpu/kdtree/gpucore"
)

// DeviceFactory creates a compute device for a new Generator.
type DeviceFactory func() (gpucore.Device, error)

var (
	factoryMu sync.RWMutex
	factory   DeviceFactory
	factoryID string

	liveMu sync.Mutex
	live   = make(map[gpucore.Device]struct{})
)

// RegisterDevice installs the factory used by NewGenerator when no device
// is given with WithDevice. Only one factory can be registered; a new call
// replaces the previous one. Passing nil restores the CPU default.
//
// GPU backends register themselves through a blank import:
//
//	import _ "github.com/gogpu/kdtree/gpu" // enables the wgpu executor
func RegisterDevice(name string, f DeviceFactory) {
	factoryMu.Lock()
	factory = f
	factoryID = name
	factoryMu.Unlock()

	if f == nil {
		Logger().Debug("kdtree: device factory cleared")
		return
	}
	Logger().Debug("kdtree: device factory registered", "name", name)
}

// RegisteredDevice returns the name of the registered device factory, or
// "" when the CPU default is in effect.
func RegisteredDevice() string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	if factory == nil {
		return ""
	}
	return factoryID
}

// newDefaultDevice creates a device from the registered factory, falling
// back to the CPU executor when none is registered or it fails.
func newDefaultDevice(workers int) gpucore.Device {
	factoryMu.RLock()
	f, name := factory, factoryID
	factoryMu.RUnlock()

	if f != nil {
		d, err := f()
		if err == nil {
			return d
		}
		Logger().Warn("kdtree: device unavailable, falling back to CPU", "device", name, "err", err)
	}
	return cpu.New(cpu.WithWorkers(workers))
}

func trackDevice(d gpucore.Device) {
	liveMu.Lock()
	live[d] = struct{}{}
	liveMu.Unlock()
}

func untrackDevice(d gpucore.Device) {
	liveMu.Lock()
	delete(live, d)
	liveMu.Unlock()
}

func liveDevices() []gpucore.Device {
	liveMu.Lock()
	defer liveMu.Unlock()
	out := make([]gpucore.Device, 0, len(live))
	for d := range live {
		out = append(out, d)
	}
	return out
}
