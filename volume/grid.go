package volume

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidResolution is returned for resolutions with a non-positive
// dimension or too many samples.
var ErrInvalidResolution = errors.New("volume: invalid resolution")

// Grid is an in-memory structured volume.
type Grid struct {
	res   [3]int
	voxel [3]float32
	data  []float32
}

// NewGrid allocates a zeroed grid. A zero voxel size defaults to 1.
func NewGrid(res [3]int, voxel [3]float32) (*Grid, error) {
	n, err := sampleCount(res)
	if err != nil {
		return nil, err
	}
	for i, s := range voxel {
		if s == 0 {
			voxel[i] = 1
		} else if s < 0 || math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return nil, fmt.Errorf("%w: voxel size %v", ErrInvalidResolution, voxel)
		}
	}
	return &Grid{res: res, voxel: voxel, data: make([]float32, n)}, nil
}

func sampleCount(res [3]int) (int, error) {
	n := 1
	for _, d := range res {
		if d <= 0 {
			return 0, fmt.Errorf("%w: %dx%dx%d", ErrInvalidResolution, res[0], res[1], res[2])
		}
		if n > math.MaxInt32/d {
			return 0, fmt.Errorf("%w: %dx%dx%d exceeds %d samples",
				ErrInvalidResolution, res[0], res[1], res[2], math.MaxInt32)
		}
		n *= d
	}
	return n, nil
}

func mustGrid(res [3]int, voxel [3]float32) *Grid {
	g, err := NewGrid(res, voxel)
	if err != nil {
		panic(err)
	}
	return g
}

// Resolution returns the number of samples along x, y and z.
func (g *Grid) Resolution() [3]int { return g.res }

// VoxelSize returns the physical size of a voxel.
func (g *Grid) VoxelSize() [3]float32 { return g.voxel }

// Sample returns the value at (x, y, z). It panics if the position is
// outside the grid.
func (g *Grid) Sample(x, y, z int) float32 {
	return g.data[g.index(x, y, z)]
}

// Set stores v at (x, y, z).
func (g *Grid) Set(x, y, z int, v float32) {
	g.data[g.index(x, y, z)] = v
}

// Data returns the samples, x fastest. The slice aliases the grid.
func (g *Grid) Data() []float32 { return g.data }

// Range returns the smallest and largest sample.
func (g *Grid) Range() (lo, hi float32) {
	lo, hi = float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range g.data {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}

func (g *Grid) index(x, y, z int) int {
	if x < 0 || y < 0 || z < 0 || x >= g.res[0] || y >= g.res[1] || z >= g.res[2] {
		panic(fmt.Sprintf("volume: sample (%d,%d,%d) outside %dx%dx%d grid",
			x, y, z, g.res[0], g.res[1], g.res[2]))
	}
	return x + y*g.res[0] + z*g.res[0]*g.res[1]
}

// NewSphere returns a radial field: 1 at the grid center, falling
// linearly to 0 at the distance of the nearest face. Distances are measured
// in physical units. It panics if res has a non-positive dimension.
func NewSphere(res [3]int, voxel [3]float32) *Grid {
	g := mustGrid(res, voxel)
	var center [3]float64
	radius := math.Inf(1)
	for i := range center {
		extent := float64(res[i]-1) * float64(g.voxel[i])
		center[i] = extent / 2
		if res[i] > 1 {
			radius = min(radius, extent/2)
		}
	}
	if math.IsInf(radius, 1) || radius == 0 {
		radius = 1
	}
	for z := range res[2] {
		for y := range res[1] {
			for x := range res[0] {
				dx := float64(x)*float64(g.voxel[0]) - center[0]
				dy := float64(y)*float64(g.voxel[1]) - center[1]
				dz := float64(z)*float64(g.voxel[2]) - center[2]
				d := math.Sqrt(dx*dx+dy*dy+dz*dz) / radius
				g.Set(x, y, z, float32(max(0, 1-d)))
			}
		}
	}
	return g
}

// NewRamp returns a field rising linearly from 0 to 1 along axis
// (0 = x, 1 = y, 2 = z). It panics if res has a non-positive dimension or
// axis is out of range.
func NewRamp(res [3]int, voxel [3]float32, axis int) *Grid {
	if axis < 0 || axis > 2 {
		panic(fmt.Sprintf("volume: ramp axis %d out of range", axis))
	}
	g := mustGrid(res, voxel)
	span := float32(max(res[axis]-1, 1))
	for z := range res[2] {
		for y := range res[1] {
			for x := range res[0] {
				p := [3]int{x, y, z}
				g.Set(x, y, z, float32(p[axis])/span)
			}
		}
	}
	return g
}

// NewFunc samples f at every grid position. It panics if res has a
// non-positive dimension.
func NewFunc(res [3]int, voxel [3]float32, f func(x, y, z int) float32) *Grid {
	g := mustGrid(res, voxel)
	i := 0
	for z := range res[2] {
		for y := range res[1] {
			for x := range res[0] {
				g.data[i] = f(x, y, z)
				i++
			}
		}
	}
	return g
}
