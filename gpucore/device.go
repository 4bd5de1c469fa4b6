package gpucore

import (
	"errors"
	"fmt"
)

// Executor errors.
var (
	// ErrOutOfMemory is returned when an allocator cannot satisfy a request.
	ErrOutOfMemory = errors.New("gpucore: out of device memory")

	// ErrInvalidBuffer is returned for malformed buffer descriptors.
	ErrInvalidBuffer = errors.New("gpucore: invalid buffer descriptor")

	// ErrBufferReleased is returned when a released buffer is used.
	ErrBufferReleased = errors.New("gpucore: buffer has been released")

	// ErrForeignBuffer is returned when a buffer created by another device is bound.
	ErrForeignBuffer = errors.New("gpucore: buffer belongs to another device")

	// ErrUnsupportedKernel is returned when a device has no usable form of a kernel.
	ErrUnsupportedKernel = errors.New("gpucore: kernel not supported by device")

	// ErrInvalidBinding is returned when dispatch bindings do not match the kernel layout.
	ErrInvalidBinding = errors.New("gpucore: bindings do not match kernel layout")

	// ErrDeviceClosed is returned when a closed device is used.
	ErrDeviceClosed = errors.New("gpucore: device is closed")
)

// Buffer is a contiguous, device-addressable byte region.
//
// Implementations are safe for concurrent use by multiple goroutines except
// that Read must not overlap a dispatch that writes the buffer.
type Buffer interface {
	// Label returns the debug label given at allocation.
	Label() string

	// Size returns the buffer size in bytes.
	Size() uint64

	// Usage returns the usage flags given at allocation.
	Usage() BufferUsage

	// Read copies the buffer contents back to host memory.
	// Callers must issue Device.Barrier first if a dispatch wrote the buffer.
	Read() ([]byte, error)

	// Release frees the buffer. Calling Release more than once is a no-op.
	Release()
}

// Dispatch describes one batched kernel launch.
type Dispatch struct {
	// Kernel is the program to run.
	Kernel *Kernel

	// Params are the uniform parameters of this launch. They are bound
	// to the kernel's uniform slot (see Kernel.ParamsSlot).
	Params []byte

	// Bindings binds buffers to the kernel's storage slots.
	Bindings []Binding

	// Grid is the number of invocations along x, y and z.
	Grid [3]uint32
}

// Invocations returns the total number of invocations in the grid.
func (d *Dispatch) Invocations() uint64 {
	return uint64(d.Grid[0]) * uint64(d.Grid[1]) * uint64(d.Grid[2])
}

// Validate checks the dispatch against its kernel's binding layout.
// Devices call it before launching any work.
func (d *Dispatch) Validate() error {
	if d.Kernel == nil {
		return fmt.Errorf("%w: nil kernel", ErrUnsupportedKernel)
	}
	if err := d.Kernel.Validate(); err != nil {
		return err
	}
	var seen [MaxBindings]bool
	for _, b := range d.Bindings {
		if b.Slot >= MaxBindings {
			return fmt.Errorf("%w: slot %d out of range", ErrInvalidBinding, b.Slot)
		}
		if seen[b.Slot] {
			return fmt.Errorf("%w: slot %d bound twice", ErrInvalidBinding, b.Slot)
		}
		seen[b.Slot] = true
		if b.Buffer == nil {
			return fmt.Errorf("%w: slot %d has nil buffer", ErrInvalidBinding, b.Slot)
		}
	}
	for _, l := range d.Kernel.Layout {
		if l.Type == BindingTypeUniformBuffer {
			if uint64(len(d.Params)) < l.MinSize {
				return fmt.Errorf("%w: kernel %q params are %d bytes, need %d",
					ErrInvalidBinding, d.Kernel.Name, len(d.Params), l.MinSize)
			}
			continue
		}
		if !seen[l.Slot] {
			return fmt.Errorf("%w: kernel %q slot %d (%s) not bound",
				ErrInvalidBinding, d.Kernel.Name, l.Slot, l.Type)
		}
		buf := d.Binding(l.Slot)
		if buf.Size() < l.MinSize {
			return fmt.Errorf("%w: kernel %q slot %d buffer %q is %d bytes, need %d",
				ErrInvalidBinding, d.Kernel.Name, l.Slot, buf.Label(), buf.Size(), l.MinSize)
		}
		if !buf.Usage().Contains(BufferUsageStorage) {
			return fmt.Errorf("%w: buffer %q lacks Storage usage", ErrInvalidBinding, buf.Label())
		}
	}
	return nil
}

// Binding returns the buffer bound at slot, or nil.
func (d *Dispatch) Binding(slot uint32) Buffer {
	for _, b := range d.Bindings {
		if b.Slot == slot {
			return b.Buffer
		}
	}
	return nil
}

// Device is a batch compute executor and storage buffer allocator.
//
// Dispatches may run asynchronously. Barrier blocks until all previously
// issued dispatches have completed and their writes are visible, and
// reports the first error any of them produced.
//
// Implementations serialize calls internally; callers still must not issue
// a dispatch that reads data written by an earlier dispatch without a
// Barrier in between.
type Device interface {
	// Name returns the executor name (e.g., "cpu", "wgpu").
	Name() string

	// NewBuffer allocates a buffer. Returns an error wrapping
	// ErrOutOfMemory when the request cannot be satisfied.
	NewBuffer(desc BufferDesc) (Buffer, error)

	// Dispatch issues a kernel launch over d.Grid invocations.
	Dispatch(d Dispatch) error

	// Barrier waits for all issued dispatches to complete.
	Barrier() error

	// Close releases device resources. Buffers must be released first.
	Close()
}
