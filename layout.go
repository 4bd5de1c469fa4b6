package kdtree

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Record sizes of the device buffers.
const (
	// LevelParamsSize is the size of the per-level uniform block.
	LevelParamsSize = 48

	// SMatrixRecordSize is the size of one S-matrix record (uvec4).
	SMatrixRecordSize = 16

	// OffsetRecordSize is the size of one level offset (u32).
	OffsetRecordSize = 4

	// SampleSize is the size of one volume sample (f32).
	SampleSize = 4
)

// LevelParams is the uniform block of one build_level dispatch.
//
// The std140 layout is
//
//	resolution.xyz levels
//	rl.xyz         level
//	rlp1.xyz       axis
//
// where rlp1 is the resolution of level+1 and zero on the leaf level.
type LevelParams struct {
	Resolution [3]uint32
	Levels     uint32
	Rl         [3]uint32
	Level      uint32
	Rlp1       [3]uint32
	Axis       uint32
}

// LevelParams returns the dispatch parameters of level l.
func (p *Plan) LevelParams(l int) LevelParams {
	var res [3]uint32
	for a, n := range p.Resolution {
		res[a] = uint32(n) //nolint:gosec // validated by NewPlan
	}
	lp := LevelParams{
		Resolution: res,
		Levels:     uint32(p.K()),
		Rl:         p.Levels[l].Resolution,
		Level:      uint32(l),
		Axis:       uint32(p.Levels[l].Axis),
	}
	if l < p.Leaf() {
		lp.Rlp1 = p.Levels[l+1].Resolution
	}
	return lp
}

// IsLeaf reports whether the parameters describe the leaf level.
func (lp *LevelParams) IsLeaf() bool {
	return lp.Level+1 == lp.Levels
}

// Bytes encodes the parameters in their uniform layout.
func (lp *LevelParams) Bytes() []byte {
	b := make([]byte, LevelParamsSize)
	words := [12]uint32{
		lp.Resolution[0], lp.Resolution[1], lp.Resolution[2], lp.Levels,
		lp.Rl[0], lp.Rl[1], lp.Rl[2], lp.Level,
		lp.Rlp1[0], lp.Rlp1[1], lp.Rlp1[2], lp.Axis,
	}
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[4*i:], w)
	}
	return b
}

// decodeLevelParams is the inverse of LevelParams.Bytes.
func decodeLevelParams(b []byte) (LevelParams, error) {
	if len(b) < LevelParamsSize {
		return LevelParams{}, fmt.Errorf("kdtree: level params are %d bytes, need %d", len(b), LevelParamsSize)
	}
	var w [12]uint32
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return LevelParams{
		Resolution: [3]uint32{w[0], w[1], w[2]},
		Levels:     w[3],
		Rl:         [3]uint32{w[4], w[5], w[6]},
		Level:      w[7],
		Rlp1:       [3]uint32{w[8], w[9], w[10]},
		Axis:       w[11],
	}, nil
}

// SMatrixBytes packs the S-matrix as one uvec4 (x, y, z, 0) per level.
func (p *Plan) SMatrixBytes() []byte {
	b := make([]byte, SMatrixRecordSize*p.K())
	for l, lv := range p.Levels {
		rec := b[SMatrixRecordSize*l:]
		binary.LittleEndian.PutUint32(rec[0:], lv.S[0])
		binary.LittleEndian.PutUint32(rec[4:], lv.S[1])
		binary.LittleEndian.PutUint32(rec[8:], lv.S[2])
	}
	return b
}

// OffsetBytes packs the level offsets as one u32 per level.
func (p *Plan) OffsetBytes() []byte {
	b := make([]byte, OffsetRecordSize*p.K())
	for l, lv := range p.Levels {
		binary.LittleEndian.PutUint32(b[OffsetRecordSize*l:], lv.Offset)
	}
	return b
}

// packVolume samples vol into a little-endian f32 array in x-fastest order.
// Z slices are sampled concurrently by up to workers goroutines.
func packVolume(ctx context.Context, vol Volume, workers int) ([]byte, error) {
	res := vol.Resolution()
	nx, ny, nz := res[0], res[1], res[2]
	slice := nx * ny * SampleSize
	b := make([]byte, slice*nz)

	g, ctx := errgroup.WithContext(ctx)
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(workers)
	for z := range nz {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out := b[z*slice : (z+1)*slice]
			i := 0
			for y := range ny {
				for x := range nx {
					binary.LittleEndian.PutUint32(out[i:], math.Float32bits(vol.Sample(x, y, z)))
					i += SampleSize
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return b, nil
}

// Node is the scalar range of the sub-volume covered by one tree node.
type Node struct {
	Min, Max float32
}

// decodeNodes unpacks a node buffer.
func decodeNodes(b []byte) []Node {
	nodes := make([]Node, len(b)/NodeSize)
	for i := range nodes {
		nodes[i] = Node{
			Min: math.Float32frombits(binary.LittleEndian.Uint32(b[NodeSize*i:])),
			Max: math.Float32frombits(binary.LittleEndian.Uint32(b[NodeSize*i+4:])),
		}
	}
	return nodes
}
