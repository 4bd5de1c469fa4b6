// Package cpu provides the reference batch compute executor.
//
// The executor implements [gpucore.Device] on host memory. A dispatch is
// divided into workgroups of the kernel's workgroup size and every workgroup
// is executed as one task on a work-stealing goroutine pool. Dispatch returns
// as soon as the work is queued; Barrier waits for every outstanding
// workgroup and reports the first kernel error.
//
// Kernels must carry a Go implementation ([gpucore.Kernel].CPU). Kernels
// with only a WGSL form are rejected with [gpucore.ErrUnsupportedKernel].
//
// Basic usage:
//
//	dev := cpu.New(cpu.WithWorkers(8))
//	defer dev.Close()
//
//	buf, _ := dev.NewBuffer(gpucore.BufferDesc{Size: 1024, Usage: gpucore.BufferUsageStorage})
//	_ = dev.Dispatch(gpucore.Dispatch{Kernel: k, Grid: [3]uint32{16, 16, 16}, ...})
//	if err := dev.Barrier(); err != nil { ... }
package cpu
