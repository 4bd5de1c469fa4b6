// Package kdtree builds implicit k-d trees over structured scalar volumes.
//
// # Overview
//
// A tree recursively bisects the cells of a voxel grid along alternating
// axes and stores, for every node, the [min, max] range of the scalar
// values in the sub-volume it covers. Ray casters use the ranges to skip
// empty space: a node whose range does not contain the iso value can be
// stepped over as a whole.
//
// The tree has no pointers. Nodes are stored level by level in one flat
// array; a node is addressed by its level and its (x, y, z) position on
// that level:
//
//	index = offset[l] + x + y*Rl.x + z*Rl.x*Rl.y
//
// so a GPU traversal can walk it without recursion or a stack.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/kdtree"
//	    "github.com/gogpu/kdtree/volume"
//	)
//
//	vol := volume.NewSphere([3]int{128, 128, 64}, [3]float32{1, 1, 2})
//
//	g, err := kdtree.NewGenerator()
//	if err != nil { ... }
//	defer g.Close()
//
//	tree, err := g.Generate(ctx, vol)
//	if err != nil { ... }
//	root, _ := tree.Root() // range of the whole volume
//
// # Layout
//
// [NewPlan] computes the layout from the voxel resolution alone: the number
// of levels k, and per level the split axis, the real node resolution Rl,
// the node count, the offset of the level in the node array and the
// S-matrix row (splits per axis above the level). Cells are padded to a
// power-of-two virtual grid V; nodes covering only virtual cells are not
// stored.
//
// # Building
//
// [Generator.Generate] runs the kd_build_level kernel once per level, from
// the leaves to the root, with a device barrier between levels. Leaves take
// the range of the 8 corner samples of their cell; internal nodes merge
// their one or two children.
//
// # Devices
//
// Kernels run on a [gpucore.Device]. The CPU executor in backend/cpu is the
// default. GPU execution is opt-in:
//
//	import _ "github.com/gogpu/kdtree/gpu" // enables the wgpu executor
//
// If the GPU device cannot be created, the generator logs a warning and
// falls back to the CPU executor.
//
// # Logging
//
// kdtree is silent by default. See [SetLogger].
package kdtree
