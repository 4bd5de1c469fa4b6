package kdtree

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
)

// Axis identifies a split axis.
type Axis uint32

// Split axes.
const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

// String returns "x", "y" or "z".
func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	default:
		return fmt.Sprintf("Axis(%d)", uint32(a))
	}
}

// NodeSize is the size of one node record (isoMin, isoMax as float32).
const NodeSize = 8

// Level describes one level of the implicit tree.
type Level struct {
	// Axis is the axis along which nodes of this level are split into
	// their children at the next level.
	Axis Axis

	// Resolution is the real node count along each axis (Rl).
	Resolution [3]uint32

	// Nodes is the number of nodes on the level (Ml).
	Nodes uint32

	// Offset is the index of the level's first node in the node array.
	Offset uint32

	// S counts the splits made along each axis above this level.
	S [3]uint32
}

// Plan is the implicit layout of a k-d tree over a voxel grid.
//
// Level 0 holds the single root node; level K()-1 holds one leaf per grid
// cell. Nodes of level l are stored at Offset..Offset+Nodes-1 in x-fastest
// order.
type Plan struct {
	// Resolution is the voxel resolution (N).
	Resolution [3]int

	// R is the cell count per axis (N-1, at least 1).
	R [3]uint32

	// V is the virtual resolution per axis: R rounded up to a power of two.
	V [3]uint32

	// Exp is log2(V) per axis.
	Exp [3]int

	// Levels lists the levels from the root (0) to the leaves (K()-1).
	Levels []Level

	// TotalNodes is the node count over all levels.
	TotalNodes uint32
}

// NewPlan computes the tree layout for a volume of the given voxel
// resolution.
//
// Every axis must be at least 1 and at least one axis at least 2; an axis
// of a single voxel is treated as one cell. Layouts that do not fit 32-bit
// node indices fail with ErrLayoutOverflow.
func NewPlan(resolution [3]int) (*Plan, error) {
	p := &Plan{Resolution: resolution}

	cells := false
	for a, n := range resolution {
		if n < 1 {
			return nil, fmt.Errorf("%w: resolution %v has non-positive axis %s",
				ErrInvalidVolumeGeometry, resolution, Axis(a))
		}
		if uint64(n) > math.MaxUint32 {
			return nil, fmt.Errorf("%w: resolution %v", ErrLayoutOverflow, resolution)
		}
		r := uint32(max(n-1, 1)) //nolint:gosec // bounded above
		if n >= 2 {
			cells = true
		}
		exp := bits.Len32(r - 1)
		if exp > 31 {
			return nil, fmt.Errorf("%w: resolution %v", ErrLayoutOverflow, resolution)
		}
		p.R[a] = r
		p.Exp[a] = exp
		p.V[a] = 1 << exp
	}
	if !cells {
		return nil, fmt.Errorf("%w: resolution %v has no cells", ErrInvalidVolumeGeometry, resolution)
	}
	samples := uint64(resolution[0]) * uint64(resolution[1])
	if samples > math.MaxUint32 || samples*uint64(resolution[2]) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: resolution %v has more than 2^32 voxels", ErrLayoutOverflow, resolution)
	}

	k := p.Exp[0] + p.Exp[1] + p.Exp[2] + 1
	p.Levels = make([]Level, k)

	var (
		vhat  = p.V
		vl    = [3]uint64{1, 1, 1}
		rl    = [3]uint64{1, 1, 1}
		s     [3]uint32
		total uint64
	)
	for l := range k {
		a := splitAxis(vhat)
		if l > 0 {
			s[p.Levels[l-1].Axis]++
		}

		m := rl[0] * rl[1]
		if m <= math.MaxUint32 {
			m *= rl[2]
		}
		if m > math.MaxUint32 || total+m > math.MaxUint32 || (total+m)*NodeSize > math.MaxUint32 {
			return nil, fmt.Errorf("%w: resolution %v needs %d nodes through level %d",
				ErrLayoutOverflow, resolution, total+m, l)
		}
		p.Levels[l] = Level{
			Axis:       a,
			Resolution: [3]uint32{uint32(rl[0]), uint32(rl[1]), uint32(rl[2])},
			Nodes:      uint32(m),
			Offset:     uint32(total),
			S:          s,
		}
		total += m

		if l < k-1 {
			vl[a] *= 2
			rl[a] = ceilDiv(vl[a]*uint64(p.R[a]), uint64(p.V[a]))
			vhat[a] /= 2
		}
	}
	p.TotalNodes = uint32(total)

	return p, nil
}

// splitAxis returns the axis with the largest remaining virtual extent.
// Ties go to the lower axis index.
func splitAxis(vhat [3]uint32) Axis {
	a := AxisX
	if vhat[1] > vhat[a] {
		a = AxisY
	}
	if vhat[2] > vhat[a] {
		a = AxisZ
	}
	return a
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// K returns the number of levels.
func (p *Plan) K() int { return len(p.Levels) }

// Leaf returns the index of the leaf level.
func (p *Plan) Leaf() int { return len(p.Levels) - 1 }

// NodeIndex returns the flat index of node (x, y, z) on level l.
//
// l must be in [0, K); NodeIndex panics otherwise. Coordinates are not
// checked; use Contains first when they come from outside the plan.
func (p *Plan) NodeIndex(l int, x, y, z uint32) uint32 {
	if l < 0 || l >= len(p.Levels) {
		panic(fmt.Sprintf("kdtree: NodeIndex level %d outside [0, %d)", l, len(p.Levels)))
	}
	lv := &p.Levels[l]
	return lv.Offset + x + y*lv.Resolution[0] + z*lv.Resolution[0]*lv.Resolution[1]
}

// Contains reports whether (x, y, z) is a node of level l.
func (p *Plan) Contains(l int, x, y, z uint32) bool {
	if l < 0 || l >= len(p.Levels) {
		return false
	}
	r := p.Levels[l].Resolution
	return x < r[0] && y < r[1] && z < r[2]
}

// Children returns the coordinates on level l+1 of the children of node
// (x, y, z) on level l. A node has two children along the level's split
// axis, or one when the second would fall outside the real resolution of
// the next level. Leaves have no children.
func (p *Plan) Children(l int, x, y, z uint32) [][3]uint32 {
	if l >= p.Leaf() {
		return nil
	}
	a := p.Levels[l].Axis
	first := [3]uint32{x, y, z}
	first[a] *= 2
	second := first
	second[a]++
	if second[a] >= p.Levels[l+1].Resolution[a] {
		return [][3]uint32{first}
	}
	return [][3]uint32{first, second}
}

// VirtualRatio returns R/V per axis: the fraction of the power-of-two
// virtual grid covered by real cells.
func (p *Plan) VirtualRatio() [3]float32 {
	var r [3]float32
	for a := range r {
		r[a] = float32(p.R[a]) / float32(p.V[a])
	}
	return r
}

// Bounds returns the world-space extent of the volume for the given
// voxel size.
func (p *Plan) Bounds(voxelSize [3]float32) [3]float32 {
	var b [3]float32
	for a := range b {
		b[a] = float32(p.Resolution[a]) * voxelSize[a]
	}
	return b
}

// NodeBytes returns the size of the node array in bytes.
func (p *Plan) NodeBytes() uint64 {
	return uint64(p.TotalNodes) * NodeSize
}

// String formats the plan as one line per level.
func (p *Plan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "plan %dx%dx%d: R=%v V=%v k=%d nodes=%d\n",
		p.Resolution[0], p.Resolution[1], p.Resolution[2], p.R, p.V, p.K(), p.TotalNodes)
	for l, lv := range p.Levels {
		fmt.Fprintf(&sb, "  level %2d axis %s res %dx%dx%d nodes %d offset %d S %v\n",
			l, lv.Axis, lv.Resolution[0], lv.Resolution[1], lv.Resolution[2], lv.Nodes, lv.Offset, lv.S)
	}
	return sb.String()
}
