//go:build !nogpu

package wgpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/kdtree/gpucore"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// maxWorkgroupsPerDimension is the WebGPU default limit on dispatch size.
const maxWorkgroupsPerDimension = 65535

// defaultTimeout bounds a single fence wait.
const defaultTimeout = 5 * time.Second

// Errors returned while opening a device.
var (
	// ErrNoBackend is returned when the Vulkan HAL backend is not compiled in.
	ErrNoBackend = errors.New("wgpu: vulkan backend not available")

	// ErrNoAdapter is returned when no GPU adapter is found.
	ErrNoAdapter = errors.New("wgpu: no GPU adapters found")

	// ErrNoHALAccess is returned by NewShared when the provider does not
	// expose its HAL device and queue.
	ErrNoHALAccess = errors.New("wgpu: provider does not expose HAL types")
)

// GPUInfo describes the selected adapter.
type GPUInfo struct {
	// Name is the GPU name (e.g., "NVIDIA GeForce RTX 3080").
	Name string
	// DeviceType is the type of GPU (discrete, integrated, etc.).
	DeviceType gputypes.DeviceType
}

// String returns a human-readable description of the GPU.
func (g GPUInfo) String() string {
	if g.Name == "" {
		return "shared device"
	}
	return fmt.Sprintf("%s (%v)", g.Name, g.DeviceType)
}

// Option configures a Device.
type Option func(*options)

type options struct {
	timeout time.Duration
}

// WithTimeout sets how long Barrier and Buffer.Read wait for the GPU.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Device is a gpucore.Device backed by a wgpu HAL device.
//
// Device is safe for concurrent use. Dispatches are recorded into one
// command encoder that Barrier submits.
type Device struct {
	mu sync.Mutex

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	external bool // shared device, not destroyed on Close
	info     GPUInfo
	timeout  time.Duration

	pipelines *PipelineCache

	// Pending work since the last Barrier.
	encoder    hal.CommandEncoder
	dispatches int
	uniforms   []hal.Buffer
	bindGroups []hal.BindGroup

	allocated atomic.Int64
	closed    bool

	logger atomic.Pointer[slog.Logger]
}

var _ gpucore.Device = (*Device)(nil)

// New opens the first discrete or integrated GPU, or the first adapter
// of any kind when there is none.
func New(opts ...Option) (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, ErrNoBackend
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: open device: %w", err)
	}

	d := newDevice(openDev.Device, openDev.Queue, opts)
	d.instance = instance
	d.info = GPUInfo{Name: selected.Info.Name, DeviceType: selected.Info.DeviceType}
	return d, nil
}

// NewShared creates a Device on the GPU device of an external provider.
// The provider must also implement HalDevice() any and HalQueue() any
// returning hal.Device and hal.Queue. Close does not destroy a shared
// device.
func NewShared(provider gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHALAccess
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHALAccess)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHALAccess)
	}

	d := newDevice(device, queue, opts)
	d.external = true
	return d, nil
}

func newDevice(device hal.Device, queue hal.Queue, opts []Option) *Device {
	o := options{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	d := &Device{
		device:    device,
		queue:     queue,
		timeout:   o.timeout,
		pipelines: NewPipelineCache(device),
	}
	d.logger.Store(slog.New(nopHandler{}))
	return d
}

// Name returns "wgpu".
func (d *Device) Name() string { return "wgpu" }

// Info returns the selected adapter.
func (d *Device) Info() GPUInfo { return d.info }

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

// NewBuffer creates a GPU buffer and uploads desc.Contents.
func (d *Device) NewBuffer(desc gpucore.BufferDesc) (gpucore.Buffer, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if limit := gputypes.DefaultLimits().MaxBufferSize; desc.Size > limit {
		return nil, fmt.Errorf("%w: buffer %q needs %d bytes, device limit is %d",
			gpucore.ErrOutOfMemory, desc.Label, desc.Size, limit)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, gpucore.ErrDeviceClosed
	}

	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label, Size: desc.Size,
		Usage: halUsage(desc.Usage) | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: buffer %q (%d bytes): %w", gpucore.ErrOutOfMemory, desc.Label, desc.Size, err)
	}

	// Buffers start zeroed regardless of what the driver does.
	contents := desc.Contents
	if uint64(len(contents)) < desc.Size {
		padded := make([]byte, desc.Size)
		copy(padded, contents)
		contents = padded
	}
	d.queue.WriteBuffer(buf, 0, contents)
	d.allocated.Add(int64(desc.Size)) //nolint:gosec // bounded by MaxBufferSize

	d.logger.Load().Debug("wgpu: buffer allocated",
		"label", desc.Label, "size", desc.Size, "usage", desc.Usage.String())
	return &Buffer{
		dev:   d,
		buf:   buf,
		label: desc.Label,
		size:  desc.Size,
		usage: desc.Usage,
	}, nil
}

// Dispatch records one compute pass into the pending command encoder.
// The work runs at the next Barrier.
func (d *Device) Dispatch(disp gpucore.Dispatch) error {
	if err := disp.Validate(); err != nil {
		return err
	}
	k := disp.Kernel
	if k.WGSL == "" {
		return fmt.Errorf("%w: kernel %q has no WGSL source", gpucore.ErrUnsupportedKernel, k.Name)
	}
	groups := k.WorkgroupCount(disp.Grid)
	for i, n := range groups {
		if n > maxWorkgroupsPerDimension {
			return fmt.Errorf("%w: kernel %q needs %d workgroups along axis %d, limit %d",
				gpucore.ErrUnsupportedKernel, k.Name, n, i, maxWorkgroupsPerDimension)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpucore.ErrDeviceClosed
	}

	entries := make([]gputypes.BindGroupEntry, 0, len(k.Layout))
	for _, b := range disp.Bindings {
		gb, ok := b.Buffer.(*Buffer)
		if !ok || gb.dev != d {
			return fmt.Errorf("%w: slot %d buffer %q", gpucore.ErrForeignBuffer, b.Slot, b.Buffer.Label())
		}
		if gb.released.Load() {
			return fmt.Errorf("%w: slot %d buffer %q", gpucore.ErrBufferReleased, b.Slot, gb.label)
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  b.Slot,
			Resource: gputypes.BufferBinding{Buffer: gb.buf.NativeHandle(), Offset: 0, Size: gb.size},
		})
	}

	p, err := d.pipelines.get(k)
	if err != nil {
		return err
	}

	if slot, ok := k.ParamsSlot(); ok {
		size := uniformSize(len(disp.Params))
		ub, err := d.device.CreateBuffer(&hal.BufferDescriptor{
			Label: k.Name + "_params", Size: size,
			Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("wgpu: create uniform buffer: %w", err)
		}
		d.uniforms = append(d.uniforms, ub)
		params := make([]byte, size)
		copy(params, disp.Params)
		d.queue.WriteBuffer(ub, 0, params)
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  slot,
			Resource: gputypes.BufferBinding{Buffer: ub.NativeHandle(), Offset: 0, Size: size},
		})
	}

	bg, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label: k.Name + "_bind", Layout: p.bindLayout, Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create bind group: %w", err)
	}
	d.bindGroups = append(d.bindGroups, bg)

	if d.encoder == nil {
		encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "kd_encoder"})
		if err != nil {
			return fmt.Errorf("wgpu: create command encoder: %w", err)
		}
		if err := encoder.BeginEncoding("kd_dispatch"); err != nil {
			return fmt.Errorf("wgpu: begin encoding: %w", err)
		}
		d.encoder = encoder
	}

	pass := d.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: k.Name})
	pass.SetPipeline(p.compute)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(groups[0], groups[1], groups[2])
	pass.End()
	d.dispatches++

	d.logger.Load().Debug("wgpu: dispatch recorded",
		"kernel", k.Name, "grid", disp.Grid, "workgroups", groups)
	return nil
}

// Barrier submits the recorded dispatches and waits for them.
func (d *Device) Barrier() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

func (d *Device) flushLocked() error {
	defer d.releaseTransientLocked()
	if d.encoder == nil {
		return nil
	}
	encoder, n := d.encoder, d.dispatches
	d.encoder, d.dispatches = nil, 0

	start := time.Now()
	if err := d.submitLocked(encoder); err != nil {
		return err
	}
	d.logger.Load().Debug("wgpu: barrier", "dispatches", n, "elapsed", time.Since(start))
	return nil
}

// submitLocked ends encoder, submits it and waits on a fence.
func (d *Device) submitLocked(encoder hal.CommandEncoder) error {
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer d.device.FreeCommandBuffer(cmdBuf)

	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("wgpu: create fence: %w", err)
	}
	defer d.device.DestroyFence(fence)

	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	fenceOK, err := d.device.Wait(fence, 1, d.timeout)
	if err != nil {
		return fmt.Errorf("wgpu: wait for GPU: %w", err)
	}
	if !fenceOK {
		return fmt.Errorf("wgpu: wait for GPU: timed out after %v", d.timeout)
	}
	return nil
}

func (d *Device) releaseTransientLocked() {
	for _, bg := range d.bindGroups {
		d.device.DestroyBindGroup(bg)
	}
	for _, ub := range d.uniforms {
		d.device.DestroyBuffer(ub)
	}
	d.bindGroups = nil
	d.uniforms = nil
}

// readBuffer copies b into a staging buffer and reads it back.
func (d *Device) readBuffer(b *Buffer) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, gpucore.ErrDeviceClosed
	}
	if err := d.flushLocked(); err != nil {
		return nil, err
	}

	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: b.label + "_staging", Size: b.size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create staging buffer: %w", err)
	}
	defer d.device.DestroyBuffer(staging)

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "kd_readback"})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("kd_readback"); err != nil {
		return nil, fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(b.buf, staging, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: b.size},
	})
	if err := d.submitLocked(encoder); err != nil {
		return nil, err
	}

	out := make([]byte, b.size)
	if err := d.queue.ReadBuffer(staging, 0, out); err != nil {
		return nil, fmt.Errorf("wgpu: readback %q: %w", b.label, err)
	}
	return out, nil
}

func (d *Device) releaseBuffer(b *Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Recorded passes may still reference the buffer.
	if err := d.flushLocked(); err != nil {
		d.logger.Load().Warn("wgpu: flush before release failed", "buffer", b.label, "err", err)
	}
	if d.device != nil {
		d.device.DestroyBuffer(b.buf)
	}
	d.allocated.Add(-int64(b.size)) //nolint:gosec // bounded by MaxBufferSize
}

// Close waits for pending work and destroys the pipelines. The device and
// instance are destroyed unless the device is shared. Close is safe to
// call multiple times.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true

	if err := d.flushLocked(); err != nil {
		d.logger.Load().Warn("wgpu: error pending at close", "err", err)
	}
	d.pipelines.Close()
	if n := d.allocated.Load(); n != 0 {
		d.logger.Load().Warn("wgpu: closing with live buffers", "bytes", n)
	}

	if !d.external {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	d.device = nil
	d.queue = nil
	d.instance = nil
}

// uniformSize rounds n up to the 16-byte uniform alignment.
func uniformSize(n int) uint64 {
	size := (uint64(n) + 15) &^ 15 //nolint:gosec // n is a slice length
	if size == 0 {
		size = 16
	}
	return size
}

// nopHandler discards all records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }
