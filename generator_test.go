package kdtree

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/kdtree/backend/cpu"
	"github.com/gogpu/kdtree/gpucore"
)

// fieldVolume samples a function on a voxel grid.
type fieldVolume struct {
	res   [3]int
	voxel [3]float32
	f     func(x, y, z int) float32
}

func (v *fieldVolume) Resolution() [3]int         { return v.res }
func (v *fieldVolume) VoxelSize() [3]float32      { return v.voxel }
func (v *fieldVolume) Sample(x, y, z int) float32 { return v.f(x, y, z) }

func hashVolume(res [3]int) *fieldVolume {
	return &fieldVolume{
		res:   res,
		voxel: [3]float32{1, 1, 1},
		f: func(x, y, z int) float32 {
			h := uint32(x*73856093) ^ uint32(y*19349663) ^ uint32(z*83492791)
			return float32(h%1000) / 999
		},
	}
}

func newTestGenerator(t *testing.T, opts ...Option) *Generator {
	t.Helper()
	g, err := NewGenerator(opts...)
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

// bruteRange computes the range of node c on level l from the samples.
func bruteRange(p *Plan, vol Volume, l int, c [3]uint32) Node {
	var lo, hi [3]int
	lv := p.Levels[l]
	for a := range 3 {
		size := p.V[a] >> lv.S[a]
		first := c[a] * size
		last := min((c[a]+1)*size, p.R[a])
		lo[a] = int(first)
		hi[a] = min(int(last), p.Resolution[a]-1)
	}
	n := Node{Min: float32(math.Inf(1)), Max: float32(math.Inf(-1))}
	for z := lo[2]; z <= hi[2]; z++ {
		for y := lo[1]; y <= hi[1]; y++ {
			for x := lo[0]; x <= hi[0]; x++ {
				s := vol.Sample(x, y, z)
				n.Min = min(n.Min, s)
				n.Max = max(n.Max, s)
			}
		}
	}
	return n
}

func TestGenerateRootRange(t *testing.T) {
	g := newTestGenerator(t, WithWorkers(2))

	vol := &fieldVolume{
		res:   [3]int{4, 4, 4},
		voxel: [3]float32{1, 1, 1},
		f: func(x, y, z int) float32 {
			return float32(x+y+z) / 9
		},
	}
	tree, err := g.Generate(context.Background(), vol)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	root, err := tree.Root()
	if err != nil {
		t.Fatalf("Root() error = %v", err)
	}
	if root.Min != 0 || root.Max != 1 {
		t.Errorf("Root() = %+v, want {0 1}", root)
	}
	if tree.K() != 7 || tree.R() != [3]uint32{3, 3, 3} || tree.V() != [3]uint32{4, 4, 4} {
		t.Errorf("tree scalars K=%d R=%v V=%v", tree.K(), tree.R(), tree.V())
	}
	if tree.GridSize() != [3]float32{4, 4, 4} {
		t.Errorf("GridSize() = %v", tree.GridSize())
	}
	if tree.VirtualRatio() != [3]float32{0.75, 0.75, 0.75} {
		t.Errorf("VirtualRatio() = %v", tree.VirtualRatio())
	}
}

func TestGenerateMatchesBruteForce(t *testing.T) {
	g := newTestGenerator(t)

	for _, res := range [][3]int{
		{2, 2, 2}, {3, 3, 3}, {5, 7, 3}, {9, 2, 2}, {1, 5, 3}, {6, 6, 6}, {11, 4, 7}, {1, 1, 9},
	} {
		vol := hashVolume(res)
		tree, err := g.Generate(context.Background(), vol)
		if err != nil {
			t.Fatalf("Generate(%v) error = %v", res, err)
		}

		p := tree.Plan
		for l, lv := range p.Levels {
			r := lv.Resolution
			for z := range r[2] {
				for y := range r[1] {
					for x := range r[0] {
						got, err := tree.Node(l, x, y, z)
						if err != nil {
							t.Fatal(err)
						}
						want := bruteRange(p, vol, l, [3]uint32{x, y, z})
						if got != want {
							t.Fatalf("%v: node (%d,%d,%d) level %d = %+v, want %+v", res, x, y, z, l, got, want)
						}
					}
				}
			}
		}
	}
}

func TestGenerateParentContainsChildren(t *testing.T) {
	g := newTestGenerator(t)

	tree, err := g.Generate(context.Background(), hashVolume([3]int{13, 6, 9}))
	if err != nil {
		t.Fatal(err)
	}
	nodes, err := tree.ReadNodes()
	if err != nil {
		t.Fatal(err)
	}

	p := tree.Plan
	for l := 0; l < p.Leaf(); l++ {
		r := p.Levels[l].Resolution
		for z := range r[2] {
			for y := range r[1] {
				for x := range r[0] {
					parent := nodes[p.NodeIndex(l, x, y, z)]
					if parent.Min > parent.Max {
						t.Fatalf("level %d node (%d,%d,%d) has empty range %+v", l, x, y, z, parent)
					}
					for _, c := range p.Children(l, x, y, z) {
						child := nodes[p.NodeIndex(l+1, c[0], c[1], c[2])]
						if child.Min < parent.Min || child.Max > parent.Max {
							t.Fatalf("level %d node (%d,%d,%d) %+v does not contain child %v %+v",
								l, x, y, z, parent, c, child)
						}
					}
				}
			}
		}
	}
}

func TestGenerateIdempotent(t *testing.T) {
	g := newTestGenerator(t)
	vol := hashVolume([3]int{7, 5, 6})

	first, err := g.Generate(context.Background(), vol)
	if err != nil {
		t.Fatal(err)
	}
	a, err := first.Nodes().Read()
	if err != nil {
		t.Fatal(err)
	}

	second, err := g.Generate(context.Background(), vol)
	if err != nil {
		t.Fatal(err)
	}
	b, err := second.Nodes().Read()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(a, b) {
		t.Error("node buffers differ between generations")
	}
	if first.ID == second.ID {
		t.Error("generations share an ID")
	}
	if !first.Released() {
		t.Error("first tree not released by second Generate")
	}
	if _, err := first.ReadNodes(); !errors.Is(err, ErrTreeReleased) {
		t.Errorf("ReadNodes() on replaced tree error = %v, want ErrTreeReleased", err)
	}
	if g.Tree() != second {
		t.Error("Tree() does not return the latest tree")
	}
}

func TestGenerateLayoutBuffers(t *testing.T) {
	g := newTestGenerator(t)
	tree, err := g.Generate(context.Background(), hashVolume([3]int{5, 7, 3}))
	if err != nil {
		t.Fatal(err)
	}

	s, err := tree.ReadSMatrix()
	if err != nil {
		t.Fatal(err)
	}
	offs, err := tree.ReadOffsets()
	if err != nil {
		t.Fatal(err)
	}
	if len(s) != tree.K() || len(offs) != tree.K() {
		t.Fatalf("S-matrix %d rows, offsets %d, want %d", len(s), len(offs), tree.K())
	}
	for l, lv := range tree.Plan.Levels {
		if s[l] != lv.S || offs[l] != lv.Offset {
			t.Errorf("level %d: S=%v offset=%d, want %v %d", l, s[l], offs[l], lv.S, lv.Offset)
		}
	}
	if tree.Nodes().Size() != tree.Plan.NodeBytes() {
		t.Errorf("node buffer %d bytes, want %d", tree.Nodes().Size(), tree.Plan.NodeBytes())
	}
	if tree.SMatrix() == tree.Offsets() {
		t.Error("S-matrix and offsets share a buffer")
	}

	if _, err := tree.Node(1, 5, 0, 0); err == nil {
		t.Error("Node() accepted coordinates outside the level")
	}
}

// recordingDevice wraps a CPU device and records the call sequence.
type recordingDevice struct {
	*cpu.Device

	mu     sync.Mutex
	events []string
	levels []uint32

	failBarrier int // fail the n-th barrier (1-based); 0 never
	barriers    int
}

var errInjected = errors.New("injected failure")

func (d *recordingDevice) Dispatch(disp gpucore.Dispatch) error {
	lp, err := decodeLevelParams(disp.Params)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.events = append(d.events, "dispatch")
	d.levels = append(d.levels, lp.Level)
	d.mu.Unlock()
	return d.Device.Dispatch(disp)
}

func (d *recordingDevice) Barrier() error {
	err := d.Device.Barrier()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, "barrier")
	d.barriers++
	if d.barriers == d.failBarrier {
		return errInjected
	}
	return err
}

func TestGenerateDispatchOrder(t *testing.T) {
	dev := &recordingDevice{Device: cpu.New()}
	defer dev.Close()
	g := newTestGenerator(t, WithDevice(dev))

	tree, err := g.Generate(context.Background(), hashVolume([3]int{5, 7, 3}))
	if err != nil {
		t.Fatal(err)
	}

	k := tree.K()
	if len(dev.events) != 2*k {
		t.Fatalf("events = %v, want %d dispatch/barrier pairs", dev.events, k)
	}
	for i, e := range dev.events {
		want := "dispatch"
		if i%2 == 1 {
			want = "barrier"
		}
		if e != want {
			t.Fatalf("event %d = %q, want %q (events %v)", i, e, want, dev.events)
		}
	}
	for i, l := range dev.levels {
		if want := uint32(k - 1 - i); l != want {
			t.Errorf("dispatch %d built level %d, want %d", i, l, want)
		}
	}
}

// generatePrevious builds a small tree whose release a failing Generate
// must trigger.
func generatePrevious(t *testing.T, g *Generator) *Tree {
	t.Helper()
	prev, err := g.Generate(context.Background(), hashVolume([3]int{2, 2, 2}))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	return prev
}

// checkNoTree fails when a failed Generate left prev or any tree behind.
func checkNoTree(t *testing.T, g *Generator, prev *Tree) {
	t.Helper()
	if g.Tree() != nil {
		t.Error("Tree() is non-nil after a failed Generate")
	}
	if !prev.Released() {
		t.Error("previous tree still holds its buffers after a failed Generate")
	}
	if _, err := prev.Root(); !errors.Is(err, ErrTreeReleased) {
		t.Errorf("previous Root() error = %v, want ErrTreeReleased", err)
	}
}

func TestGenerateAllocationFailure(t *testing.T) {
	// Room for the nodes, S-matrix and offsets of a 9x9x9 tree but not
	// for the volume, so cleanup of earlier buffers is exercised.
	dev := cpu.New(cpu.WithMemoryLimit(8500))
	defer dev.Close()
	g := newTestGenerator(t, WithDevice(dev))
	prev := generatePrevious(t, g)

	tree, err := g.Generate(context.Background(), hashVolume([3]int{9, 9, 9}))
	if !errors.Is(err, ErrAllocationFailure) {
		t.Fatalf("Generate() error = %v, want ErrAllocationFailure", err)
	}
	if !errors.Is(err, gpucore.ErrOutOfMemory) {
		t.Errorf("Generate() error = %v does not wrap ErrOutOfMemory", err)
	}
	if tree != nil {
		t.Error("Generate() returned a tree with an error")
	}
	checkNoTree(t, g, prev)
	if dev.Allocated() != 0 {
		t.Errorf("device holds %d bytes after failure", dev.Allocated())
	}
}

func TestGenerateBarrierFailure(t *testing.T) {
	dev := &recordingDevice{Device: cpu.New()}
	defer dev.Close()
	g := newTestGenerator(t, WithDevice(dev))
	prev := generatePrevious(t, g)

	dev.failBarrier = dev.barriers + 2
	dev.levels = nil
	_, err := g.Generate(context.Background(), hashVolume([3]int{5, 5, 5}))
	if !errors.Is(err, ErrKernelDispatchFailure) || !errors.Is(err, errInjected) {
		t.Fatalf("Generate() error = %v, want ErrKernelDispatchFailure wrapping injected error", err)
	}
	if len(dev.levels) != 2 {
		t.Errorf("dispatched %d levels after failure, want 2", len(dev.levels))
	}
	checkNoTree(t, g, prev)
	if dev.Allocated() != 0 {
		t.Errorf("device holds %d bytes after failure", dev.Allocated())
	}
}

func TestGenerateUnsupportedKernel(t *testing.T) {
	dev := &wgslOnlyDevice{Device: cpu.New()}
	defer dev.Close()
	g := newTestGenerator(t, WithDevice(dev))

	_, err := g.Generate(context.Background(), hashVolume([3]int{3, 3, 3}))
	if !errors.Is(err, ErrKernelDispatchFailure) || !errors.Is(err, gpucore.ErrUnsupportedKernel) {
		t.Fatalf("Generate() error = %v, want ErrKernelDispatchFailure wrapping ErrUnsupportedKernel", err)
	}
	if dev.Allocated() != 0 {
		t.Errorf("device holds %d bytes after failure", dev.Allocated())
	}
}

// wgslOnlyDevice strips the Go form of every kernel.
type wgslOnlyDevice struct {
	*cpu.Device
}

func (d *wgslOnlyDevice) Dispatch(disp gpucore.Dispatch) error {
	k := *disp.Kernel
	k.CPU = nil
	disp.Kernel = &k
	return d.Device.Dispatch(disp)
}

func TestGenerateInvalidGeometry(t *testing.T) {
	dev := cpu.New()
	defer dev.Close()
	g := newTestGenerator(t, WithDevice(dev))
	prev := generatePrevious(t, g)

	_, err := g.Generate(context.Background(), hashVolume([3]int{1, 1, 1}))
	if !errors.Is(err, ErrInvalidVolumeGeometry) {
		t.Fatalf("Generate() error = %v, want ErrInvalidVolumeGeometry", err)
	}
	checkNoTree(t, g, prev)
	if dev.Allocated() != 0 {
		t.Errorf("device holds %d bytes after invalid geometry", dev.Allocated())
	}
}

func TestGenerateCanceled(t *testing.T) {
	dev := cpu.New()
	defer dev.Close()
	g := newTestGenerator(t, WithDevice(dev))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Generate(ctx, hashVolume([3]int{8, 8, 8}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Generate() error = %v, want context.Canceled", err)
	}
	if g.Tree() != nil || dev.Allocated() != 0 {
		t.Error("canceled generation left state behind")
	}
}

type countingObserver struct {
	levels    []int
	generated []Stats
	failed    []error
}

func (o *countingObserver) LevelBuilt(level int, _ uint32, _ time.Duration) {
	o.levels = append(o.levels, level)
}
func (o *countingObserver) Generated(s Stats) { o.generated = append(o.generated, s) }
func (o *countingObserver) Failed(err error)  { o.failed = append(o.failed, err) }

func TestGenerateObserver(t *testing.T) {
	obs := &countingObserver{}
	g := newTestGenerator(t, WithObserver(obs))

	tree, err := g.Generate(context.Background(), hashVolume([3]int{5, 4, 3}))
	if err != nil {
		t.Fatal(err)
	}
	if len(obs.levels) != tree.K() || obs.levels[0] != tree.K()-1 || obs.levels[len(obs.levels)-1] != 0 {
		t.Errorf("LevelBuilt levels = %v", obs.levels)
	}
	if len(obs.generated) != 1 {
		t.Fatalf("Generated called %d times", len(obs.generated))
	}
	s := obs.generated[0]
	if s.Levels != tree.K() || s.Nodes != tree.Plan.TotalNodes || s.Bytes != tree.Plan.NodeBytes() || s.Device != "cpu" {
		t.Errorf("Stats = %+v", s)
	}

	if _, err := g.Generate(context.Background(), hashVolume([3]int{0, 4, 4})); err == nil {
		t.Fatal("Generate() accepted invalid geometry")
	}
	if len(obs.failed) != 1 {
		t.Errorf("Failed called %d times, want 1", len(obs.failed))
	}
}

func TestGeneratorReleaseAndClose(t *testing.T) {
	dev := cpu.New()
	defer dev.Close()
	g, err := NewGenerator(WithDevice(dev))
	if err != nil {
		t.Fatal(err)
	}

	tree, err := g.Generate(context.Background(), hashVolume([3]int{4, 4, 4}))
	if err != nil {
		t.Fatal(err)
	}
	g.Release()
	if !tree.Released() || g.Tree() != nil {
		t.Error("Release() did not free the tree")
	}
	if _, err := tree.Root(); !errors.Is(err, ErrTreeReleased) {
		t.Errorf("Root() after Release error = %v, want ErrTreeReleased", err)
	}
	if dev.Allocated() != 0 {
		t.Errorf("device holds %d bytes after Release", dev.Allocated())
	}

	g.Close()
	g.Close()
	if _, err := g.Generate(context.Background(), hashVolume([3]int{4, 4, 4})); !errors.Is(err, ErrGeneratorClosed) {
		t.Errorf("Generate() after Close error = %v, want ErrGeneratorClosed", err)
	}

	// A caller-owned device stays usable.
	if _, err := dev.NewBuffer(gpucore.BufferDesc{Size: 4, Usage: gpucore.BufferUsageStorage}); err != nil {
		t.Errorf("device closed by generator: %v", err)
	}
}

func TestRegisterDeviceFallback(t *testing.T) {
	t.Cleanup(func() { RegisterDevice("", nil) })

	RegisterDevice("broken", func() (gpucore.Device, error) {
		return nil, errors.New("no adapter")
	})
	if RegisteredDevice() != "broken" {
		t.Errorf("RegisteredDevice() = %q", RegisteredDevice())
	}
	g := newTestGenerator(t)
	if g.Device().Name() != "cpu" {
		t.Errorf("fallback device = %q, want cpu", g.Device().Name())
	}

	var created *recordingDevice
	RegisterDevice("recording", func() (gpucore.Device, error) {
		created = &recordingDevice{Device: cpu.New()}
		return created, nil
	})
	g2 := newTestGenerator(t)
	if g2.Device() != created {
		t.Error("generator did not use the registered factory")
	}
	if _, err := g2.Generate(context.Background(), hashVolume([3]int{3, 3, 3})); err != nil {
		t.Fatal(err)
	}
	if len(created.levels) == 0 {
		t.Error("registered device received no dispatches")
	}

	RegisterDevice("", nil)
	if RegisteredDevice() != "" {
		t.Errorf("RegisteredDevice() after reset = %q", RegisteredDevice())
	}
}

func BenchmarkGenerate(b *testing.B) {
	g, err := NewGenerator()
	if err != nil {
		b.Fatal(err)
	}
	defer g.Close()
	vol := hashVolume([3]int{64, 64, 64})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := g.Generate(context.Background(), vol); err != nil {
			b.Fatal(err)
		}
	}
}
