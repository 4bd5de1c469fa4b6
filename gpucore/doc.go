// Package gpucore provides the shared compute abstractions used to build
// implicit k-d trees.
//
// This package defines the [Device] interface, which abstracts over batch
// compute executors, allowing the same level-by-level build to run on:
//   - backend/cpu (goroutine pool, always available)
//   - backend/wgpu (Pure Go WebGPU via HAL, opt-in with the gpu package)
//
// # Architecture
//
// The generator in the root package plans the tree layout once and then
// drives a [Device] through a strictly ordered sequence of dispatches.
// Executors only know about buffers, kernels and invocation grids:
//
//	               +-----------------+
//	               |     kdtree      |
//	               |   (Generator)   |
//	               +--------+--------+
//	                        |
//	         +--------------+--------------+
//	         |                             |
//	+--------v--------+          +--------v--------+
//	|   cpu backend   |          |  wgpu backend   |
//	| (parallel.Pool) |          |  (hal.Device)   |
//	+-----------------+          +--------+--------+
//	                                      |
//	                             +--------v--------+
//	                             |   gogpu/wgpu    |
//	                             |   (Pure Go)     |
//	                             +-----------------+
//
// # Kernels
//
// A [Kernel] carries both forms of a compute program: WGSL source for GPU
// executors and a Go function for the CPU executor. Both forms must produce
// identical results for every invocation.
//
// # Ordering
//
// Within one [Dispatch] invocations run in no particular order. A call to
// [Device.Barrier] blocks until every write of all previous dispatches is
// visible; only then may the next dependent dispatch be issued.
//
// # Resource Management
//
// Buffers returned by [Device.NewBuffer] are owned by the caller and must be
// released with [Buffer.Release]. Releasing a buffer twice is a no-op.
package gpucore
