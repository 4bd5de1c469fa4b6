//go:build !nogpu

package wgpu_test

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/gogpu/kdtree"
	"github.com/gogpu/kdtree/backend/cpu"
	"github.com/gogpu/kdtree/backend/wgpu"
	"github.com/gogpu/kdtree/gpucore"
	"github.com/gogpu/kdtree/volume"
)

// openDevice returns a GPU device or skips the test.
func openDevice(t *testing.T) *wgpu.Device {
	t.Helper()
	d, err := wgpu.New()
	if err != nil {
		t.Skipf("GPU not available: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestDeviceBufferRoundTrip(t *testing.T) {
	d := openDevice(t)

	contents := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	buf, err := d.NewBuffer(gpucore.BufferDesc{
		Label:    "roundtrip",
		Size:     16,
		Usage:    gpucore.BufferUsageStorage | gpucore.BufferUsageCopySrc,
		Contents: contents,
	})
	if err != nil {
		t.Fatalf("NewBuffer() error = %v", err)
	}
	defer buf.Release()

	got, err := buf.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != 16 {
		t.Fatalf("Read() returned %d bytes, want 16", len(got))
	}
	for i, b := range got {
		want := byte(0)
		if i < len(contents) {
			want = contents[i]
		}
		if b != want {
			t.Fatalf("byte %d = %d, want %d", i, b, want)
		}
	}

	buf.Release()
	if _, err := buf.Read(); !errors.Is(err, gpucore.ErrBufferReleased) {
		t.Errorf("Read() after Release error = %v, want ErrBufferReleased", err)
	}
}

func TestDeviceMatchesCPU(t *testing.T) {
	d := openDevice(t)
	ctx := context.Background()
	vol := volume.NewSphere([3]int{17, 12, 9}, [3]float32{1, 1, 1})

	gpuGen, err := kdtree.NewGenerator(kdtree.WithDevice(d))
	if err != nil {
		t.Fatal(err)
	}
	defer gpuGen.Close()
	cpuDev := cpu.New()
	defer cpuDev.Close()
	cpuGen, err := kdtree.NewGenerator(kdtree.WithDevice(cpuDev))
	if err != nil {
		t.Fatal(err)
	}
	defer cpuGen.Close()

	gpuTree, err := gpuGen.Generate(ctx, vol)
	if err != nil {
		t.Fatalf("GPU Generate() error = %v", err)
	}
	cpuTree, err := cpuGen.Generate(ctx, vol)
	if err != nil {
		t.Fatalf("CPU Generate() error = %v", err)
	}

	gpuNodes, err := gpuTree.ReadNodes()
	if err != nil {
		t.Fatalf("GPU ReadNodes() error = %v", err)
	}
	cpuNodes, err := cpuTree.ReadNodes()
	if err != nil {
		t.Fatalf("CPU ReadNodes() error = %v", err)
	}
	if len(gpuNodes) != len(cpuNodes) {
		t.Fatalf("node count: GPU %d, CPU %d", len(gpuNodes), len(cpuNodes))
	}
	for i := range cpuNodes {
		if gpuNodes[i] != cpuNodes[i] {
			t.Fatalf("node %d: GPU %+v, CPU %+v", i, gpuNodes[i], cpuNodes[i])
		}
	}
}

func TestDeviceMarksCorruptSMatrix(t *testing.T) {
	d := openDevice(t)
	p, err := kdtree.NewPlan([3]int{3, 3, 3})
	if err != nil {
		t.Fatal(err)
	}

	newBuf := func(label string, size uint64, contents []byte) gpucore.Buffer {
		t.Helper()
		b, err := d.NewBuffer(gpucore.BufferDesc{
			Label:    label,
			Size:     size,
			Usage:    gpucore.BufferUsageStorage | gpucore.BufferUsageCopySrc | gpucore.BufferUsageCopyDst,
			Contents: contents,
		})
		if err != nil {
			t.Fatalf("NewBuffer(%s) error = %v", label, err)
		}
		t.Cleanup(b.Release)
		return b
	}
	vol := newBuf("volume", uint64(kdtree.SampleSize*27), nil)
	nodes := newBuf("nodes", p.NodeBytes(), nil)
	// A zeroed S-matrix counts no splits on any level.
	sMatrix := newBuf("s_matrix", uint64(kdtree.SMatrixRecordSize*p.K()), nil)
	offsets := newBuf("offsets", uint64(kdtree.OffsetRecordSize*p.K()), p.OffsetBytes())

	lp := p.LevelParams(0)
	err = d.Dispatch(gpucore.Dispatch{
		Kernel: kdtree.BuildLevelKernel,
		Params: lp.Bytes(),
		Bindings: []gpucore.Binding{
			{Slot: kdtree.SlotVolume, Buffer: vol},
			{Slot: kdtree.SlotNodes, Buffer: nodes},
			{Slot: kdtree.SlotSMatrix, Buffer: sMatrix},
			{Slot: kdtree.SlotOffsets, Buffer: offsets},
		},
		Grid: p.Levels[0].Resolution,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if err := d.Barrier(); err != nil {
		t.Fatalf("Barrier() error = %v", err)
	}

	b, err := nodes.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	lo := math.Float32frombits(binary.LittleEndian.Uint32(b[0:]))
	hi := math.Float32frombits(binary.LittleEndian.Uint32(b[4:]))
	if lo != math.MaxFloat32 || hi != -math.MaxFloat32 {
		t.Errorf("root = [%g, %g], want the inverted range [%g, %g]", lo, hi, float32(math.MaxFloat32), float32(-math.MaxFloat32))
	}
}

func TestDeviceClosed(t *testing.T) {
	d, err := wgpu.New()
	if err != nil {
		t.Skipf("GPU not available: %v", err)
	}
	d.Close()
	d.Close()

	_, err = d.NewBuffer(gpucore.BufferDesc{Label: "late", Size: 4, Usage: gpucore.BufferUsageStorage})
	if !errors.Is(err, gpucore.ErrDeviceClosed) {
		t.Errorf("NewBuffer() after Close error = %v, want ErrDeviceClosed", err)
	}
	if err := d.Barrier(); err != nil {
		t.Errorf("Barrier() after Close error = %v", err)
	}
}
