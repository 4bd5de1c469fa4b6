package gpucore

import "fmt"

// Invocation is the execution context of a single CPU kernel invocation.
type Invocation struct {
	// ID is the global invocation id (the WGSL global_invocation_id).
	ID [3]uint32

	// Grid is the invocation count of the dispatch.
	Grid [3]uint32

	// Params holds the uniform parameters of the dispatch.
	Params []byte

	// Buffers holds the host memory of every bound buffer, indexed by slot.
	// Unbound slots are nil.
	Buffers [MaxBindings][]byte
}

// CPUFunc is the Go form of a kernel. It is called once per invocation,
// concurrently from several goroutines. Invocations of one dispatch must
// not write overlapping memory.
type CPUFunc func(inv *Invocation) error

// Kernel is a named, parameterized compute program.
type Kernel struct {
	// Name identifies the kernel; devices cache compiled pipelines by name.
	Name string

	// WGSL is the shader source for GPU executors.
	WGSL string

	// EntryPoint is the WGSL entry point. Defaults to "main".
	EntryPoint string

	// WorkgroupSize must match @workgroup_size in the WGSL source.
	WorkgroupSize [3]uint32

	// Layout declares every binding slot the kernel uses.
	Layout []BindingLayout

	// CPU is the Go implementation used by CPU executors.
	CPU CPUFunc
}

// Validate checks that the kernel description is self-consistent.
func (k *Kernel) Validate() error {
	if k.Name == "" {
		return fmt.Errorf("%w: kernel has no name", ErrUnsupportedKernel)
	}
	for i, s := range k.WorkgroupSize {
		if s == 0 {
			return fmt.Errorf("%w: kernel %q workgroup size[%d] is zero", ErrUnsupportedKernel, k.Name, i)
		}
	}
	uniforms := 0
	var seen [MaxBindings]bool
	for _, l := range k.Layout {
		if l.Slot >= MaxBindings {
			return fmt.Errorf("%w: kernel %q slot %d out of range", ErrInvalidBinding, k.Name, l.Slot)
		}
		if seen[l.Slot] {
			return fmt.Errorf("%w: kernel %q declares slot %d twice", ErrInvalidBinding, k.Name, l.Slot)
		}
		seen[l.Slot] = true
		if l.Type == BindingTypeUniformBuffer {
			uniforms++
		}
	}
	if uniforms > 1 {
		return fmt.Errorf("%w: kernel %q declares %d uniform slots", ErrInvalidBinding, k.Name, uniforms)
	}
	return nil
}

// Entry returns the WGSL entry point name.
func (k *Kernel) Entry() string {
	if k.EntryPoint == "" {
		return "main"
	}
	return k.EntryPoint
}

// ParamsSlot returns the slot of the uniform parameter binding.
func (k *Kernel) ParamsSlot() (uint32, bool) {
	for _, l := range k.Layout {
		if l.Type == BindingTypeUniformBuffer {
			return l.Slot, true
		}
	}
	return 0, false
}

// WorkgroupCount returns the number of workgroups needed to cover grid.
func (k *Kernel) WorkgroupCount(grid [3]uint32) [3]uint32 {
	var n [3]uint32
	for i := range n {
		n[i] = (grid[i] + k.WorkgroupSize[i] - 1) / k.WorkgroupSize[i]
	}
	return n
}
