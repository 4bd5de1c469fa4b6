//go:build !nogpu

package wgpu

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/kdtree/gpucore"
)

// pipeline holds the compiled GPU objects of one kernel.
type pipeline struct {
	shader     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	compute    hal.ComputePipeline
}

// PipelineCache caches compute pipelines by kernel name.
//
// PipelineCache is safe for concurrent use. Pipeline creation is
// synchronized internally.
type PipelineCache struct {
	mu        sync.Mutex
	device    hal.Device
	pipelines map[string]*pipeline
}

// NewPipelineCache creates an empty cache for device.
func NewPipelineCache(device hal.Device) *PipelineCache {
	return &PipelineCache{
		device:    device,
		pipelines: make(map[string]*pipeline),
	}
}

// get returns the pipeline of k, compiling it on first use.
func (pc *PipelineCache) get(k *gpucore.Kernel) (*pipeline, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if p, ok := pc.pipelines[k.Name]; ok {
		return p, nil
	}
	p, err := pc.create(k)
	if err != nil {
		return nil, err
	}
	pc.pipelines[k.Name] = p
	return p, nil
}

// Len returns the number of cached pipelines.
func (pc *PipelineCache) Len() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.pipelines)
}

func (pc *PipelineCache) create(k *gpucore.Kernel) (*pipeline, error) {
	spirv, err := CompileShaderToSPIRV(k.WGSL)
	if err != nil {
		return nil, fmt.Errorf("wgpu: kernel %q: %w", k.Name, err)
	}

	p := &pipeline{}
	ok := false
	defer func() {
		if !ok {
			pc.destroy(p)
		}
	}()

	p.shader, err = pc.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  k.Name,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create shader module %q: %w", k.Name, err)
	}

	entries, err := bindGroupLayoutEntries(k.Layout)
	if err != nil {
		return nil, err
	}
	p.bindLayout, err = pc.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   k.Name + "_bind_layout",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create bind group layout %q: %w", k.Name, err)
	}

	p.pipeLayout, err = pc.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label: k.Name + "_pipe_layout", BindGroupLayouts: []hal.BindGroupLayout{p.bindLayout},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create pipeline layout %q: %w", k.Name, err)
	}

	p.compute, err = pc.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label: k.Name + "_pipeline", Layout: p.pipeLayout,
		Compute: hal.ComputeState{Module: p.shader, EntryPoint: k.Entry()},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create compute pipeline %q: %w", k.Name, err)
	}

	ok = true
	return p, nil
}

// Close destroys every cached pipeline.
func (pc *PipelineCache) Close() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for name, p := range pc.pipelines {
		pc.destroy(p)
		delete(pc.pipelines, name)
	}
}

// destroy releases the objects of p in reverse creation order.
func (pc *PipelineCache) destroy(p *pipeline) {
	if p.compute != nil {
		pc.device.DestroyComputePipeline(p.compute)
	}
	if p.pipeLayout != nil {
		pc.device.DestroyPipelineLayout(p.pipeLayout)
	}
	if p.bindLayout != nil {
		pc.device.DestroyBindGroupLayout(p.bindLayout)
	}
	if p.shader != nil {
		pc.device.DestroyShaderModule(p.shader)
	}
}

// bindGroupLayoutEntries maps a kernel binding layout to compute-stage
// buffer bindings.
func bindGroupLayoutEntries(layout []gpucore.BindingLayout) ([]gputypes.BindGroupLayoutEntry, error) {
	entries := make([]gputypes.BindGroupLayoutEntry, 0, len(layout))
	for _, l := range layout {
		t, err := bufferBindingType(l.Type)
		if err != nil {
			return nil, err
		}
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    l.Slot,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: t},
		})
	}
	return entries, nil
}

func bufferBindingType(t gpucore.BindingType) (gputypes.BufferBindingType, error) {
	switch t {
	case gpucore.BindingTypeUniformBuffer:
		return gputypes.BufferBindingTypeUniform, nil
	case gpucore.BindingTypeStorageBuffer:
		return gputypes.BufferBindingTypeStorage, nil
	case gpucore.BindingTypeReadOnlyStorageBuffer:
		return gputypes.BufferBindingTypeReadOnlyStorage, nil
	default:
		return 0, fmt.Errorf("%w: binding type %s", gpucore.ErrInvalidBinding, t)
	}
}

// CompileShaderToSPIRV compiles WGSL source to SPIR-V words.
func CompileShaderToSPIRV(wgslSource string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgslSource)
	if err != nil {
		return nil, fmt.Errorf("failed to compile shader: %w", err)
	}

	// SPIR-V is little-endian 32-bit words
	spirvCode := make([]uint32, len(spirvBytes)/4)
	for i := range spirvCode {
		spirvCode[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return spirvCode, nil
}
