package kdtree

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gogpu/kdtree/gpucore"
)

// Tree is a generated implicit k-d tree.
//
// The node, S-matrix and offset buffers stay on the device so a traversal
// kernel can bind them directly. A Tree is borrowed from its Generator and
// is invalidated by the next Generate, Release or Close.
type Tree struct {
	// ID identifies this generation.
	ID uuid.UUID

	// Plan is the level layout of the tree.
	Plan *Plan

	// VoxelSize is the physical voxel size of the source volume.
	VoxelSize [3]float32

	nodes   gpucore.Buffer
	sMatrix gpucore.Buffer
	offsets gpucore.Buffer

	released atomic.Bool

	once      sync.Once
	decoded   []Node
	decodeErr error
}

// K returns the number of levels.
func (t *Tree) K() int { return t.Plan.K() }

// R returns the cell count per axis.
func (t *Tree) R() [3]uint32 { return t.Plan.R }

// V returns the virtual power-of-two resolution per axis.
func (t *Tree) V() [3]uint32 { return t.Plan.V }

// VirtualRatio returns R/V per axis.
func (t *Tree) VirtualRatio() [3]float32 { return t.Plan.VirtualRatio() }

// GridSize returns the world-space extent of the volume.
func (t *Tree) GridSize() [3]float32 { return t.Plan.Bounds(t.VoxelSize) }

// Nodes returns the device buffer of node ranges (8 bytes per node).
func (t *Tree) Nodes() gpucore.Buffer { return t.nodes }

// SMatrix returns the device buffer of per-level split counts (uvec4).
func (t *Tree) SMatrix() gpucore.Buffer { return t.sMatrix }

// Offsets returns the device buffer of per-level node offsets (u32).
func (t *Tree) Offsets() gpucore.Buffer { return t.offsets }

// Released reports whether the tree's buffers have been freed.
func (t *Tree) Released() bool { return t.released.Load() }

// ReadNodes copies every node back from the device.
func (t *Tree) ReadNodes() ([]Node, error) {
	nodes, err := t.cachedNodes()
	if err != nil {
		return nil, err
	}
	out := make([]Node, len(nodes))
	copy(out, nodes)
	return out, nil
}

// cachedNodes reads and decodes the node buffer once.
func (t *Tree) cachedNodes() ([]Node, error) {
	t.once.Do(func() {
		b, err := t.read(t.nodes)
		if err != nil {
			t.decodeErr = err
			return
		}
		t.decoded = decodeNodes(b)
	})
	if t.decodeErr != nil {
		return nil, t.decodeErr
	}
	if t.released.Load() {
		return nil, ErrTreeReleased
	}
	return t.decoded, nil
}

// ReadSMatrix copies the S-matrix back from the device.
func (t *Tree) ReadSMatrix() ([][3]uint32, error) {
	b, err := t.read(t.sMatrix)
	if err != nil {
		return nil, err
	}
	s := make([][3]uint32, len(b)/SMatrixRecordSize)
	for l := range s {
		rec := b[SMatrixRecordSize*l:]
		s[l] = [3]uint32{
			binary.LittleEndian.Uint32(rec[0:]),
			binary.LittleEndian.Uint32(rec[4:]),
			binary.LittleEndian.Uint32(rec[8:]),
		}
	}
	return s, nil
}

// ReadOffsets copies the level offsets back from the device.
func (t *Tree) ReadOffsets() ([]uint32, error) {
	b, err := t.read(t.offsets)
	if err != nil {
		return nil, err
	}
	offs := make([]uint32, len(b)/OffsetRecordSize)
	for l := range offs {
		offs[l] = binary.LittleEndian.Uint32(b[OffsetRecordSize*l:])
	}
	return offs, nil
}

// Root returns the range of the whole volume.
func (t *Tree) Root() (Node, error) {
	return t.Node(0, 0, 0, 0)
}

// Node returns the range of node (x, y, z) on level l.
func (t *Tree) Node(l int, x, y, z uint32) (Node, error) {
	if !t.Plan.Contains(l, x, y, z) {
		return Node{}, fmt.Errorf("kdtree: node (%d, %d, %d) not on level %d", x, y, z, l)
	}
	nodes, err := t.cachedNodes()
	if err != nil {
		return Node{}, err
	}
	return nodes[t.Plan.NodeIndex(l, x, y, z)], nil
}

func (t *Tree) read(b gpucore.Buffer) ([]byte, error) {
	if t.released.Load() {
		return nil, ErrTreeReleased
	}
	return b.Read()
}

// release frees the device buffers.
func (t *Tree) release() {
	if !t.released.CompareAndSwap(false, true) {
		return
	}
	t.nodes.Release()
	t.sMatrix.Release()
	t.offsets.Release()
}
