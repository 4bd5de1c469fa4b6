package kdtree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/gogpu/kdtree/gpucore"
)

// Generator builds implicit k-d trees on a compute device.
//
// A Generator owns the buffers of the tree it produced last. Generate
// replaces that tree; Release frees it. Methods are safe for concurrent
// use and are serialized internally.
type Generator struct {
	mu         sync.Mutex
	dev        gpucore.Device
	ownsDevice bool
	observer   Observer
	workers    int
	tree       *Tree
	closed     bool
}

// NewGenerator creates a generator.
//
// Without WithDevice the generator creates its own device from the factory
// installed with RegisterDevice, or a CPU executor when none is registered.
func NewGenerator(opts ...Option) (*Generator, error) {
	var o generatorOptions
	for _, opt := range opts {
		opt(&o)
	}

	g := &Generator{
		dev:      o.device,
		observer: o.observer,
		workers:  o.workers,
	}
	if g.observer == nil {
		g.observer = nopObserver{}
	}
	if g.dev == nil {
		g.dev = newDefaultDevice(o.workers)
		g.ownsDevice = true
		trackDevice(g.dev)
	}
	propagateLogger(g.dev, Logger())

	Logger().Debug("kdtree: generator created", "device", g.dev.Name(), "owned", g.ownsDevice)
	return g, nil
}

// Device returns the generator's compute device.
func (g *Generator) Device() gpucore.Device {
	return g.dev
}

// Tree returns the tree of the last successful Generate, or nil.
func (g *Generator) Tree() *Tree {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tree
}

// Generate plans the tree for vol, allocates its buffers and builds it
// level by level from the leaves to the root.
//
// The previous tree is released first. On error no tree is kept and every
// buffer allocated by this call is released. ctx is checked between
// levels; a level that has started always runs to its barrier.
func (g *Generator) Generate(ctx context.Context, vol Volume) (*Tree, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrGeneratorClosed
	}
	g.releaseLocked()

	tree, err := g.generate(ctx, vol)
	if err != nil {
		g.observer.Failed(err)
		return nil, err
	}
	g.tree = tree
	return tree, nil
}

func (g *Generator) generate(ctx context.Context, vol Volume) (*Tree, error) {
	start := time.Now()

	plan, err := NewPlan(vol.Resolution())
	if err != nil {
		return nil, err
	}

	volume, err := packVolume(ctx, vol, g.workers)
	if err != nil {
		return nil, err
	}

	b, err := g.allocate(plan, volume)
	if err != nil {
		return nil, err
	}
	defer b.volume.Release()

	if err := g.build(ctx, plan, b); err != nil {
		b.releaseTree()
		return nil, err
	}

	tree := &Tree{
		ID:        uuid.New(),
		Plan:      plan,
		VoxelSize: vol.VoxelSize(),
		nodes:     b.nodes,
		sMatrix:   b.sMatrix,
		offsets:   b.offsets,
	}

	elapsed := time.Since(start)
	stats := Stats{
		Device:  g.dev.Name(),
		Levels:  plan.K(),
		Nodes:   plan.TotalNodes,
		Bytes:   plan.NodeBytes(),
		Elapsed: elapsed,
	}
	g.observer.Generated(stats)
	Logger().Info("kdtree: tree generated",
		"id", tree.ID,
		"device", stats.Device,
		"levels", stats.Levels,
		"nodes", stats.Nodes,
		"size", humanize.IBytes(stats.Bytes),
		"elapsed", elapsed)
	return tree, nil
}

// buffers holds the device buffers of one generation.
type buffers struct {
	nodes   gpucore.Buffer
	sMatrix gpucore.Buffer
	offsets gpucore.Buffer
	volume  gpucore.Buffer
}

func (b *buffers) releaseTree() {
	for _, buf := range []gpucore.Buffer{b.nodes, b.sMatrix, b.offsets} {
		if buf != nil {
			buf.Release()
		}
	}
}

// allocate creates the node, S-matrix, offset and volume buffers. On
// failure every buffer already created is released.
func (g *Generator) allocate(plan *Plan, volume []byte) (*buffers, error) {
	var b buffers
	descs := []struct {
		dst  *gpucore.Buffer
		desc gpucore.BufferDesc
	}{
		{&b.nodes, gpucore.BufferDesc{
			Label: "kd_nodes",
			Size:  plan.NodeBytes(),
			Usage: gpucore.BufferUsageStorage | gpucore.BufferUsageCopySrc,
		}},
		{&b.sMatrix, gpucore.BufferDesc{
			Label:    "kd_s_matrix",
			Size:     uint64(SMatrixRecordSize * plan.K()),
			Usage:    gpucore.BufferUsageStorage | gpucore.BufferUsageCopySrc | gpucore.BufferUsageCopyDst,
			Contents: plan.SMatrixBytes(),
		}},
		{&b.offsets, gpucore.BufferDesc{
			Label:    "kd_offsets",
			Size:     uint64(OffsetRecordSize * plan.K()),
			Usage:    gpucore.BufferUsageStorage | gpucore.BufferUsageCopySrc | gpucore.BufferUsageCopyDst,
			Contents: plan.OffsetBytes(),
		}},
		{&b.volume, gpucore.BufferDesc{
			Label:    "kd_volume",
			Size:     uint64(len(volume)),
			Usage:    gpucore.BufferUsageStorage | gpucore.BufferUsageCopyDst,
			Contents: volume,
		}},
	}

	for _, d := range descs {
		buf, err := g.dev.NewBuffer(d.desc)
		if err != nil {
			b.releaseTree()
			if b.volume != nil {
				b.volume.Release()
			}
			return nil, fmt.Errorf("%w: %s (%s): %w",
				ErrAllocationFailure, d.desc.Label, humanize.IBytes(d.desc.Size), err)
		}
		*d.dst = buf
	}
	return &b, nil
}

// build dispatches build_level once per level, leaves first, with a
// barrier after every dispatch.
func (g *Generator) build(ctx context.Context, plan *Plan, b *buffers) error {
	log := Logger()
	for l := plan.Leaf(); l >= 0; l-- {
		if err := ctx.Err(); err != nil {
			return err
		}

		levelStart := time.Now()
		params := plan.LevelParams(l)
		err := g.dev.Dispatch(gpucore.Dispatch{
			Kernel: BuildLevelKernel,
			Params: params.Bytes(),
			Bindings: []gpucore.Binding{
				{Slot: SlotVolume, Buffer: b.volume},
				{Slot: SlotNodes, Buffer: b.nodes},
				{Slot: SlotSMatrix, Buffer: b.sMatrix},
				{Slot: SlotOffsets, Buffer: b.offsets},
			},
			Grid: plan.Levels[l].Resolution,
		})
		if err != nil {
			// Drain anything already queued before the buffers go away.
			if berr := g.dev.Barrier(); berr != nil {
				err = errors.Join(err, berr)
			}
			return fmt.Errorf("%w: level %d dispatch: %w", ErrKernelDispatchFailure, l, err)
		}
		if err := g.dev.Barrier(); err != nil {
			return fmt.Errorf("%w: level %d barrier: %w", ErrKernelDispatchFailure, l, err)
		}

		elapsed := time.Since(levelStart)
		g.observer.LevelBuilt(l, plan.Levels[l].Nodes, elapsed)
		log.Debug("kdtree: level built",
			"tree_level", l,
			"axis", plan.Levels[l].Axis,
			"resolution", plan.Levels[l].Resolution,
			"nodes", plan.Levels[l].Nodes,
			"elapsed", elapsed)
	}
	return nil
}

// Release frees the current tree's buffers. The Tree returned by the last
// Generate must not be used afterwards.
func (g *Generator) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseLocked()
}

func (g *Generator) releaseLocked() {
	if g.tree == nil {
		return
	}
	g.tree.release()
	g.tree = nil
}

// Close releases the current tree and closes the device if the generator
// created it. Close is safe to call multiple times.
func (g *Generator) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.releaseLocked()
	if g.ownsDevice {
		untrackDevice(g.dev)
		g.dev.Close()
	}
}
