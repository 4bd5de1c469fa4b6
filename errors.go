package kdtree

import (
	"errors"
	"fmt"
)

// Generation errors. Match them with errors.Is; device errors are wrapped
// so the underlying gpucore sentinel is still reachable.
var (
	// ErrInvalidVolumeGeometry is returned when a volume resolution cannot
	// be planned: a non-positive axis, or no axis with at least two voxels.
	ErrInvalidVolumeGeometry = errors.New("kdtree: invalid volume geometry")

	// ErrLayoutOverflow is returned when the planned node count, offsets or
	// byte sizes exceed the 32-bit index space of the build kernel.
	// It wraps ErrInvalidVolumeGeometry.
	ErrLayoutOverflow = fmt.Errorf("%w: layout exceeds 32-bit index space", ErrInvalidVolumeGeometry)

	// ErrAllocationFailure is returned when the device cannot allocate one
	// of the tree buffers.
	ErrAllocationFailure = errors.New("kdtree: buffer allocation failed")

	// ErrKernelDispatchFailure is returned when a level dispatch or the
	// barrier following it fails.
	ErrKernelDispatchFailure = errors.New("kdtree: kernel dispatch failed")

	// ErrGeneratorClosed is returned by a Generator after Close.
	ErrGeneratorClosed = errors.New("kdtree: generator is closed")

	// ErrTreeReleased is returned when reading a tree after Release or a
	// later Generate.
	ErrTreeReleased = errors.New("kdtree: tree has been released")
)
