package kdtree

import (
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/gogpu/kdtree/gpucore"
)

// Binding slots of the build_level kernel.
const (
	SlotParams  = 0
	SlotVolume  = 1
	SlotNodes   = 3
	SlotSMatrix = 4
	SlotOffsets = 5
)

// BuildLevelWorkgroupSize is the workgroup size of build_level.
const BuildLevelWorkgroupSize = 4

//go:embed shaders/build_level.wgsl
var buildLevelWGSL string

// errCorruptLayout is returned by the CPU kernel when the bound buffers
// disagree with the level parameters.
//
// A shader cannot return an error, so the WGSL form reports an S-matrix
// mismatch in the data instead: the node is written as the inverted range
// Min = math.MaxFloat32, Max = -math.MaxFloat32. Out-of-range buffer
// accesses are clamped by WebGPU and are not detected on the GPU.
var errCorruptLayout = errors.New("kdtree: corrupt layout buffers")

// BuildLevelKernel computes the node ranges of one tree level.
//
// The kernel runs over a grid equal to the level resolution. Both the WGSL
// form and the Go form write node offset[level] + x + y*rl.x + z*rl.x*rl.y.
var BuildLevelKernel = &gpucore.Kernel{
	Name:          "kd_build_level",
	WGSL:          buildLevelWGSL,
	EntryPoint:    "main",
	WorkgroupSize: [3]uint32{BuildLevelWorkgroupSize, BuildLevelWorkgroupSize, BuildLevelWorkgroupSize},
	Layout: []gpucore.BindingLayout{
		{Slot: SlotParams, Type: gpucore.BindingTypeUniformBuffer, MinSize: LevelParamsSize},
		{Slot: SlotVolume, Type: gpucore.BindingTypeReadOnlyStorageBuffer, MinSize: SampleSize},
		{Slot: SlotNodes, Type: gpucore.BindingTypeStorageBuffer, MinSize: NodeSize},
		{Slot: SlotSMatrix, Type: gpucore.BindingTypeReadOnlyStorageBuffer, MinSize: SMatrixRecordSize},
		{Slot: SlotOffsets, Type: gpucore.BindingTypeReadOnlyStorageBuffer, MinSize: OffsetRecordSize},
	},
	CPU: buildLevel,
}

// buildLevel is the Go form of build_level.wgsl.
func buildLevel(inv *gpucore.Invocation) error {
	p, err := decodeLevelParams(inv.Params)
	if err != nil {
		return err
	}
	id := inv.ID
	if id[0] >= p.Rl[0] || id[1] >= p.Rl[1] || id[2] >= p.Rl[2] {
		return nil
	}

	offsets := inv.Buffers[SlotOffsets]
	nodes := inv.Buffers[SlotNodes]
	dst, err := nodeIndex(offsets, p.Level, id, p.Rl)
	if err != nil {
		return err
	}

	var n Node
	if p.IsLeaf() {
		volume := inv.Buffers[SlotVolume]
		samples := uint64(p.Resolution[0]) * uint64(p.Resolution[1]) * uint64(p.Resolution[2])
		if samples == 0 || samples*SampleSize > uint64(len(volume)) {
			return fmt.Errorf("%w: volume buffer of %d bytes holds fewer than %v samples",
				errCorruptLayout, len(volume), p.Resolution)
		}
		n = cellRange(volume, p.Resolution, id)
	} else {
		if p.Axis > uint32(AxisZ) {
			return fmt.Errorf("%w: level %d axis %d", errCorruptLayout, p.Level, p.Axis)
		}
		child := p.Level + 1
		first := id
		first[p.Axis] *= 2
		src, err := nodeIndex(offsets, child, first, p.Rlp1)
		if err != nil {
			return err
		}
		if n, err = loadNode(nodes, src); err != nil {
			return err
		}

		second := first
		second[p.Axis]++
		if second[p.Axis] < p.Rlp1[p.Axis] {
			src, err := nodeIndex(offsets, child, second, p.Rlp1)
			if err != nil {
				return err
			}
			b, err := loadNode(nodes, src)
			if err != nil {
				return err
			}
			n.Min = min(n.Min, b.Min)
			n.Max = max(n.Max, b.Max)
		}

		if err := checkSplits(inv.Buffers[SlotSMatrix], child); err != nil {
			return err
		}
	}

	if err := checkNode(nodes, dst); err != nil {
		return err
	}
	storeNode(nodes, dst, n)
	return nil
}

// cellRange returns the range of the 8 corner samples of cell c.
func cellRange(volume []byte, res [3]uint32, c [3]uint32) Node {
	n := Node{Min: float32(math.Inf(1)), Max: float32(math.Inf(-1))}
	for dz := uint32(0); dz <= 1; dz++ {
		z := min(c[2]+dz, res[2]-1)
		for dy := uint32(0); dy <= 1; dy++ {
			y := min(c[1]+dy, res[1]-1)
			for dx := uint32(0); dx <= 1; dx++ {
				x := min(c[0]+dx, res[0]-1)
				i := uint64(x+y*res[0]+z*res[0]*res[1]) * SampleSize
				s := math.Float32frombits(binary.LittleEndian.Uint32(volume[i:]))
				n.Min = min(n.Min, s)
				n.Max = max(n.Max, s)
			}
		}
	}
	return n
}

func nodeIndex(offsets []byte, level uint32, c, r [3]uint32) (uint32, error) {
	if (uint64(level)+1)*OffsetRecordSize > uint64(len(offsets)) {
		return 0, fmt.Errorf("%w: no offset for level %d", errCorruptLayout, level)
	}
	off := binary.LittleEndian.Uint32(offsets[uint64(level)*OffsetRecordSize:])
	return off + c[0] + c[1]*r[0] + c[2]*r[0]*r[1], nil
}

// checkSplits verifies that the S-matrix record of level l counts l splits.
func checkSplits(sMatrix []byte, l uint32) error {
	if (uint64(l)+1)*SMatrixRecordSize > uint64(len(sMatrix)) {
		return fmt.Errorf("%w: no S-matrix record for level %d", errCorruptLayout, l)
	}
	rec := sMatrix[uint64(l)*SMatrixRecordSize:]
	sum := binary.LittleEndian.Uint32(rec[0:]) + binary.LittleEndian.Uint32(rec[4:]) + binary.LittleEndian.Uint32(rec[8:])
	if sum != l {
		return fmt.Errorf("%w: S-matrix level %d counts %d splits", errCorruptLayout, l, sum)
	}
	return nil
}

func checkNode(nodes []byte, i uint32) error {
	if (uint64(i)+1)*NodeSize > uint64(len(nodes)) {
		return fmt.Errorf("%w: node %d outside buffer of %d bytes", errCorruptLayout, i, len(nodes))
	}
	return nil
}

func loadNode(nodes []byte, i uint32) (Node, error) {
	if err := checkNode(nodes, i); err != nil {
		return Node{}, err
	}
	b := nodes[uint64(i)*NodeSize:]
	return Node{
		Min: math.Float32frombits(binary.LittleEndian.Uint32(b[0:])),
		Max: math.Float32frombits(binary.LittleEndian.Uint32(b[4:])),
	}, nil
}

func storeNode(nodes []byte, i uint32, n Node) {
	b := nodes[uint64(i)*NodeSize:]
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(n.Min))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(n.Max))
}
