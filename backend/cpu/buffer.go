package cpu

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/kdtree/gpucore"
)

// Buffer is a host memory buffer owned by a CPU Device.
type Buffer struct {
	dev      *Device
	label    string
	usage    gpucore.BufferUsage
	size     uint64
	data     []byte
	released atomic.Bool
}

var _ gpucore.Buffer = (*Buffer)(nil)

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Usage returns the usage flags.
func (b *Buffer) Usage() gpucore.BufferUsage { return b.usage }

// Read returns a copy of the buffer contents.
func (b *Buffer) Read() ([]byte, error) {
	if b.released.Load() {
		return nil, fmt.Errorf("%w: %q", gpucore.ErrBufferReleased, b.label)
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, nil
}

// Release returns the buffer's memory to the device budget. Size keeps
// reporting the allocated size afterwards.
func (b *Buffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	b.dev.allocated.Add(-int64(b.size)) //nolint:gosec // NewBuffer caps size at MaxInt64
	b.data = nil
}

// bytes returns the backing memory for kernel access.
func (b *Buffer) bytes() []byte { return b.data }
