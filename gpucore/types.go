package gpucore

import (
	"fmt"
	"strings"
)

// BufferUsage is a bitmask specifying how a buffer will be used.
type BufferUsage uint32

// Buffer usage flags.
const (
	// BufferUsageCopySrc indicates the buffer can be used as a copy source.
	// Executors need it to read results back to the host.
	BufferUsageCopySrc BufferUsage = 1 << 0

	// BufferUsageCopyDst indicates the buffer can be used as a copy destination.
	BufferUsageCopyDst BufferUsage = 1 << 1

	// BufferUsageUniform indicates the buffer can be used as a uniform buffer.
	BufferUsageUniform BufferUsage = 1 << 2

	// BufferUsageStorage indicates the buffer can be used as a storage buffer.
	BufferUsageStorage BufferUsage = 1 << 3
)

// Contains reports whether all bits of other are set in u.
func (u BufferUsage) Contains(other BufferUsage) bool {
	return u&other == other
}

// String returns the usage flags joined by "|".
func (u BufferUsage) String() string {
	if u == 0 {
		return "None"
	}
	var parts []string
	for _, f := range []struct {
		bit  BufferUsage
		name string
	}{
		{BufferUsageCopySrc, "CopySrc"},
		{BufferUsageCopyDst, "CopyDst"},
		{BufferUsageUniform, "Uniform"},
		{BufferUsageStorage, "Storage"},
	} {
		if u&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// BindingType specifies the type of a kernel binding.
type BindingType uint32

// Binding types.
const (
	// BindingTypeUniformBuffer is a uniform buffer binding.
	BindingTypeUniformBuffer BindingType = iota + 1

	// BindingTypeStorageBuffer is a storage buffer binding (read-write).
	BindingTypeStorageBuffer

	// BindingTypeReadOnlyStorageBuffer is a read-only storage buffer binding.
	BindingTypeReadOnlyStorageBuffer
)

// String returns the string representation of BindingType.
func (t BindingType) String() string {
	switch t {
	case BindingTypeUniformBuffer:
		return "Uniform"
	case BindingTypeStorageBuffer:
		return "Storage"
	case BindingTypeReadOnlyStorageBuffer:
		return "ReadOnlyStorage"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(t))
	}
}

// Writable reports whether a kernel may write through a binding of this type.
func (t BindingType) Writable() bool {
	return t == BindingTypeStorageBuffer
}

// MaxBindings is the number of binding slots a kernel may use (0..MaxBindings-1).
const MaxBindings = 8

// BindingLayout describes a single binding slot of a kernel.
type BindingLayout struct {
	// Slot is the binding index, matching @binding(N) in WGSL.
	Slot uint32

	// Type is the type of resource bound at this slot.
	Type BindingType

	// MinSize is the minimum buffer size in bytes. Zero disables the check.
	MinSize uint64
}

// Binding binds a buffer to a slot for one dispatch.
type Binding struct {
	// Slot is the binding index.
	Slot uint32

	// Buffer is the bound buffer.
	Buffer Buffer
}

// BufferDesc describes a buffer allocation.
type BufferDesc struct {
	// Label is an optional debug label.
	Label string

	// Size is the buffer size in bytes. Must be greater than zero.
	Size uint64

	// Usage declares how the buffer will be used.
	Usage BufferUsage

	// Contents are optional initial contents. When shorter than Size the
	// remainder is zero-filled; when nil the whole buffer is zeroed.
	Contents []byte
}

// Validate checks the descriptor for obvious errors.
func (d *BufferDesc) Validate() error {
	if d.Size == 0 {
		return fmt.Errorf("%w: buffer %q has zero size", ErrInvalidBuffer, d.Label)
	}
	if uint64(len(d.Contents)) > d.Size {
		return fmt.Errorf("%w: buffer %q contents (%d bytes) exceed size %d",
			ErrInvalidBuffer, d.Label, len(d.Contents), d.Size)
	}
	if d.Usage == 0 {
		return fmt.Errorf("%w: buffer %q has no usage", ErrInvalidBuffer, d.Label)
	}
	return nil
}
