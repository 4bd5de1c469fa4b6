package cpu

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gogpu/kdtree/gpucore"
	"github.com/gogpu/kdtree/internal/parallel"
)

// Option configures a Device.
type Option func(*options)

type options struct {
	workers     int
	memoryLimit uint64
}

// WithWorkers sets the number of pool goroutines. Zero or negative uses
// GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithMemoryLimit caps the total size of live buffers. NewBuffer fails with
// gpucore.ErrOutOfMemory when an allocation would exceed it. Zero means no
// limit.
func WithMemoryLimit(bytes uint64) Option {
	return func(o *options) {
		o.memoryLimit = bytes
	}
}

// Device is a gpucore.Device executing kernels on a goroutine pool.
type Device struct {
	pool        *parallel.Pool
	memoryLimit uint64
	allocated   atomic.Int64

	mu      sync.Mutex
	closed  bool
	pending []*parallel.Batch

	logger atomic.Pointer[slog.Logger]
}

var _ gpucore.Device = (*Device)(nil)

// New creates a CPU device with its own worker pool.
func New(opts ...Option) *Device {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	d := &Device{
		pool:        parallel.NewPool(o.workers),
		memoryLimit: o.memoryLimit,
	}
	d.logger.Store(slog.New(nopHandler{}))
	return d
}

// Name returns "cpu".
func (d *Device) Name() string { return "cpu" }

// Workers returns the number of pool goroutines.
func (d *Device) Workers() int { return d.pool.Workers() }

// Allocated returns the total size of live buffers in bytes.
func (d *Device) Allocated() uint64 { return uint64(d.allocated.Load()) }

// SetLogger sets the logger used for executor diagnostics. Nil disables
// logging.
func (d *Device) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	d.logger.Store(l)
}

// NewBuffer allocates a zeroed host buffer and copies desc.Contents into it.
func (d *Device) NewBuffer(desc gpucore.BufferDesc) (gpucore.Buffer, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, gpucore.ErrDeviceClosed
	}

	if desc.Size > math.MaxInt64 {
		return nil, fmt.Errorf("%w: buffer %q size %d", gpucore.ErrOutOfMemory, desc.Label, desc.Size)
	}
	size := int64(desc.Size) //nolint:gosec // checked above
	if d.memoryLimit > 0 {
		if total := d.allocated.Add(size); uint64(total) > d.memoryLimit {
			d.allocated.Add(-size)
			return nil, fmt.Errorf("%w: buffer %q needs %d bytes, %d of %d in use",
				gpucore.ErrOutOfMemory, desc.Label, desc.Size, total-size, d.memoryLimit)
		}
	} else {
		d.allocated.Add(size)
	}

	b := &Buffer{
		dev:   d,
		label: desc.Label,
		usage: desc.Usage,
		size:  desc.Size,
		data:  make([]byte, desc.Size),
	}
	copy(b.data, desc.Contents)

	d.logger.Load().Debug("cpu: buffer allocated",
		"label", desc.Label, "size", desc.Size, "usage", desc.Usage.String())
	return b, nil
}

// Dispatch queues one task per workgroup of the dispatch grid and returns
// without waiting for them.
func (d *Device) Dispatch(disp gpucore.Dispatch) error {
	if err := disp.Validate(); err != nil {
		return err
	}
	k := disp.Kernel
	if k.CPU == nil {
		return fmt.Errorf("%w: kernel %q has no CPU implementation", gpucore.ErrUnsupportedKernel, k.Name)
	}

	var bufs [gpucore.MaxBindings][]byte
	for _, b := range disp.Bindings {
		cb, ok := b.Buffer.(*Buffer)
		if !ok || cb.dev != d {
			return fmt.Errorf("%w: slot %d buffer %q", gpucore.ErrForeignBuffer, b.Slot, b.Buffer.Label())
		}
		if cb.released.Load() {
			return fmt.Errorf("%w: slot %d buffer %q", gpucore.ErrBufferReleased, b.Slot, cb.label)
		}
		bufs[b.Slot] = cb.bytes()
	}

	params := append([]byte(nil), disp.Params...)
	if slot, ok := k.ParamsSlot(); ok {
		bufs[slot] = params
	}

	groups := parallel.Partition(disp.Grid, k.WorkgroupSize)
	run := func(wg parallel.Workgroup) error {
		inv := gpucore.Invocation{Grid: disp.Grid, Params: params, Buffers: bufs}
		err := wg.ForEach(func(id [3]uint32) error {
			inv.ID = id
			return k.CPU(&inv)
		})
		if err != nil {
			return fmt.Errorf("kernel %q workgroup %v: %w", k.Name, wg.Origin, err)
		}
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpucore.ErrDeviceClosed
	}
	d.pending = append(d.pending, d.pool.Run(groups, run))

	d.logger.Load().Debug("cpu: dispatch",
		"kernel", k.Name, "grid", disp.Grid, "workgroups", len(groups))
	return nil
}

// Barrier waits for every queued workgroup and returns the first error
// recorded since the previous Barrier.
func (d *Device) Barrier() error {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	var first error
	skipped := 0
	for _, b := range pending {
		if err := b.Wait(); err != nil && first == nil {
			first = err
		}
		skipped += b.Skipped()
	}

	if first != nil {
		return first
	}
	if skipped > 0 {
		return fmt.Errorf("%w: %d workgroups not executed", gpucore.ErrDeviceClosed, skipped)
	}
	return nil
}

// Close waits for outstanding work and stops the pool. Close is safe to
// call multiple times.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	if err := d.Barrier(); err != nil {
		d.logger.Load().Warn("cpu: error pending at close", "err", err)
	}
	d.pool.Close()
}

// nopHandler discards all records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }
