//go:build !nogpu

package wgpu

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/kdtree/gpucore"
)

// Buffer is a GPU storage buffer owned by a Device.
type Buffer struct {
	dev      *Device
	buf      hal.Buffer
	label    string
	size     uint64
	usage    gpucore.BufferUsage
	released atomic.Bool
}

var _ gpucore.Buffer = (*Buffer)(nil)

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Usage returns the usage flags.
func (b *Buffer) Usage() gpucore.BufferUsage { return b.usage }

// Read copies the buffer into a staging buffer and reads it back.
// The buffer must have been created with BufferUsageCopySrc.
func (b *Buffer) Read() ([]byte, error) {
	if b.released.Load() {
		return nil, fmt.Errorf("%w: %q", gpucore.ErrBufferReleased, b.label)
	}
	if !b.usage.Contains(gpucore.BufferUsageCopySrc) {
		return nil, fmt.Errorf("%w: buffer %q lacks CopySrc usage", gpucore.ErrInvalidBuffer, b.label)
	}
	return b.dev.readBuffer(b)
}

// Release destroys the GPU buffer.
func (b *Buffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	b.dev.releaseBuffer(b)
}

// halUsage maps gpucore usage flags to wgpu buffer usage.
func halUsage(u gpucore.BufferUsage) gputypes.BufferUsage {
	var out gputypes.BufferUsage
	if u.Contains(gpucore.BufferUsageCopySrc) {
		out |= gputypes.BufferUsageCopySrc
	}
	if u.Contains(gpucore.BufferUsageCopyDst) {
		out |= gputypes.BufferUsageCopyDst
	}
	if u.Contains(gpucore.BufferUsageUniform) {
		out |= gputypes.BufferUsageUniform
	}
	if u.Contains(gpucore.BufferUsageStorage) {
		out |= gputypes.BufferUsageStorage
	}
	return out
}
