// Package wgpu provides a GPU executor for kdtree kernels using gogpu/wgpu.
//
// The executor runs the WGSL form of a gpucore.Kernel through the wgpu HAL.
// Shaders are compiled to SPIR-V with gogpu/naga, so no native shader
// compiler is needed. Vulkan, Metal and DX12 are supported depending on
// the platform.
//
// # Execution Model
//
// Dispatch records one compute pass into a pending command encoder and
// returns. Barrier ends the encoder, submits it and waits on a fence:
//
//	Dispatch → Dispatch → ... → Barrier (submit + fence wait)
//
// Parameters are uploaded into a fresh uniform buffer per dispatch. Uniform
// buffers and bind groups live until the next Barrier.
//
// Buffer reads copy the storage buffer into a MapRead staging buffer and
// read it back through the queue.
//
// # Pipelines
//
// Compute pipelines are compiled on first use and cached by kernel name.
// The bind group layout is derived from the kernel's binding layout:
//
//	gpucore.BindingTypeUniformBuffer         → Uniform
//	gpucore.BindingTypeStorageBuffer         → Storage
//	gpucore.BindingTypeReadOnlyStorageBuffer → ReadOnlyStorage
//
// # Device Sharing
//
// New creates its own Vulkan instance and device. NewShared uses the device
// of a gpucontext.DeviceProvider (for example a gogpu application) that
// also exposes its HAL device and queue. A shared device is not destroyed
// by Close.
//
// # Registration
//
// The executor is registered as the kdtree default device by the gpu
// package:
//
//	import _ "github.com/gogpu/kdtree/gpu"
//
// Build with -tags nogpu to exclude it.
package wgpu
