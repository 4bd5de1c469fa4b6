package kdtree

// Volume is a structured scalar volume.
//
// Implementations must be safe for concurrent Sample calls; samples are
// read from several goroutines while the volume is packed for the device.
// See the volume package for in-memory and file-backed implementations.
type Volume interface {
	// Resolution returns the voxel count along x, y and z.
	Resolution() [3]int

	// VoxelSize returns the physical size of one voxel along x, y and z.
	VoxelSize() [3]float32

	// Sample returns the scalar value of voxel (x, y, z). Coordinates are
	// always within [0, Resolution).
	Sample(x, y, z int) float32
}
