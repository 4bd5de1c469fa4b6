// Package debugview renders tree levels as images for inspection.
//
// A level is a 3D grid of nodes; [LevelSlice] renders one z-slice of it as
// a 16-bit grayscale image, one pixel per node. Values are normalized to the
// range of the root node, so slices of all levels share one gray scale.
package debugview

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"

	"golang.org/x/image/tiff"

	"github.com/gogpu/kdtree"
)

// ErrOutOfRange is returned for a level or slice that is not in the plan.
var ErrOutOfRange = errors.New("debugview: level or slice out of range")

// Channel selects the node value that is rendered.
type Channel int

// Channels.
const (
	// ChannelMin renders the node minimum.
	ChannelMin Channel = iota
	// ChannelMax renders the node maximum.
	ChannelMax
	// ChannelSpan renders max - min.
	ChannelSpan
)

// String returns the channel name.
func (c Channel) String() string {
	switch c {
	case ChannelMin:
		return "min"
	case ChannelMax:
		return "max"
	case ChannelSpan:
		return "span"
	default:
		return fmt.Sprintf("Channel(%d)", int(c))
	}
}

// ParseChannel parses "min", "max" or "span".
func ParseChannel(s string) (Channel, error) {
	for _, c := range []Channel{ChannelMin, ChannelMax, ChannelSpan} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("debugview: unknown channel %q", s)
}

// LevelSlice renders slice z of level l. nodes is the full node array of a
// tree built from plan. The image is Rl.x by Rl.y pixels with x to the
// right and y down.
func LevelSlice(plan *kdtree.Plan, nodes []kdtree.Node, l int, z uint32, ch Channel) (*image.Gray16, error) {
	if l < 0 || l >= plan.K() {
		return nil, fmt.Errorf("%w: level %d of %d", ErrOutOfRange, l, plan.K())
	}
	lv := plan.Levels[l]
	if z >= lv.Resolution[2] {
		return nil, fmt.Errorf("%w: slice %d of %d", ErrOutOfRange, z, lv.Resolution[2])
	}
	if uint64(len(nodes)) != uint64(plan.TotalNodes) {
		return nil, fmt.Errorf("debugview: %d nodes, plan has %d", len(nodes), plan.TotalNodes)
	}

	root := nodes[plan.NodeIndex(0, 0, 0, 0)]
	lo, scale := float64(root.Min), 0.0
	if span := float64(root.Max) - float64(root.Min); span > 0 {
		scale = 1 / span
	}
	if ch == ChannelSpan {
		lo = 0
	}

	w, h := int(lv.Resolution[0]), int(lv.Resolution[1])
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			n := nodes[plan.NodeIndex(l, uint32(x), uint32(y), z)] //nolint:gosec // bounded by level resolution
			var v float64
			switch ch {
			case ChannelMin:
				v = float64(n.Min)
			case ChannelMax:
				v = float64(n.Max)
			default:
				v = float64(n.Max) - float64(n.Min)
			}
			img.SetGray16(x, y, color.Gray16{Y: quantize((v - lo) * scale)})
		}
	}
	return img, nil
}

func quantize(v float64) uint16 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 1 {
		return math.MaxUint16
	}
	return uint16(math.Round(v * math.MaxUint16))
}

// WriteTIFF encodes img as a deflate-compressed TIFF.
func WriteTIFF(w io.Writer, img image.Image) error {
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// SaveTIFF writes img to a TIFF file at path.
func SaveTIFF(path string, img image.Image) error {
	f, err := os.Create(path) //nolint:gosec // path is user-provided intentionally
	if err != nil {
		return err
	}
	if err := WriteTIFF(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
