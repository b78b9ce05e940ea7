//go:build !nogpu

package gpu

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// ProjectKernel owns the compute pipeline of project.wgsl and dispatches
// batches on a HAL device.
type ProjectKernel struct {
	mu sync.Mutex

	device hal.Device
	queue  hal.Queue

	shaderModule     hal.ShaderModule
	inputBindLayout  hal.BindGroupLayout
	outputBindLayout hal.BindGroupLayout
	pipelineLayout   hal.PipelineLayout
	pipeline         hal.ComputePipeline

	// Compiled SPIR-V (cached for verification)
	spirvCode []uint32
}

// NewProjectKernel compiles the projection shader and builds its pipeline
// on the given device.
func NewProjectKernel(device hal.Device, queue hal.Queue) (*ProjectKernel, error) {
	if device == nil || queue == nil {
		return nil, fmt.Errorf("gpu-project: device and queue are required")
	}
	k := &ProjectKernel{device: device, queue: queue}
	if err := k.init(); err != nil {
		k.Destroy()
		return nil, err
	}
	return k, nil
}

func (k *ProjectKernel) init() error {
	spirv, err := CompileShaderToSPIRV(projectShaderWGSL)
	if err != nil {
		return fmt.Errorf("gpu-project: %w", err)
	}
	k.spirvCode = spirv

	module, err := createShaderModule(k.device, "project_shader", spirv)
	if err != nil {
		return fmt.Errorf("gpu-project: failed to create shader module: %w", err)
	}
	k.shaderModule = module

	inputLayout, err := k.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "project_input_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageCompute,
				Buffer: &gputypes.BufferBindingLayout{
					Type:           gputypes.BufferBindingTypeUniform,
					MinBindingSize: configLength,
				},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
			},
			{
				Binding:    2,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("gpu-project: failed to create input bind group layout: %w", err)
	}
	k.inputBindLayout = inputLayout

	outputLayout, err := k.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "project_output_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("gpu-project: failed to create output bind group layout: %w", err)
	}
	k.outputBindLayout = outputLayout

	layout, err := k.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "project_pipeline_layout",
		BindGroupLayouts: []hal.BindGroupLayout{k.inputBindLayout, k.outputBindLayout},
	})
	if err != nil {
		return fmt.Errorf("gpu-project: failed to create pipeline layout: %w", err)
	}
	k.pipelineLayout = layout

	pipeline, err := k.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  "project_pipeline",
		Layout: k.pipelineLayout,
		Compute: hal.ComputeState{
			Module:     k.shaderModule,
			EntryPoint: projectEntryPoint,
		},
	})
	if err != nil {
		return fmt.Errorf("gpu-project: failed to create compute pipeline: %w", err)
	}
	k.pipeline = pipeline
	return nil
}

// dispatchBuffers are the per-batch GPU buffers of one dispatch.
type dispatchBuffers struct {
	config, means, covs hal.Buffer
	outF, outI          hal.Buffer
	stageF, stageI      hal.Buffer
	input, output       hal.BindGroup
}

// Dispatch runs the kernel for cfg.NumPoints primitives and reads the
// outputs back.
func (k *ProjectKernel) Dispatch(cfg ProjectConfig, means, covs []float32) ([]float32, []int32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.pipeline == nil {
		return nil, nil, fmt.Errorf("gpu-project: kernel not initialized")
	}
	n := uint64(cfg.NumPoints)
	if n == 0 {
		return nil, nil, nil
	}

	b := &dispatchBuffers{}
	defer k.release(b)
	if err := k.createBuffers(b, n); err != nil {
		return nil, nil, err
	}

	if err := k.queue.WriteBuffer(b.config, 0, cfg.toBytes()); err != nil {
		return nil, nil, fmt.Errorf("gpu-project: upload config: %w", err)
	}
	if err := k.queue.WriteBuffer(b.means, 0, float32sToBytes(means)); err != nil {
		return nil, nil, fmt.Errorf("gpu-project: upload means: %w", err)
	}
	if err := k.queue.WriteBuffer(b.covs, 0, float32sToBytes(covs)); err != nil {
		return nil, nil, fmt.Errorf("gpu-project: upload covariances: %w", err)
	}

	if err := k.createBindGroups(b, n); err != nil {
		return nil, nil, err
	}
	if err := k.encodeAndSubmit(b, n); err != nil {
		return nil, nil, err
	}

	outF := make([]float32, outFStride*n)
	outI := make([]int32, outIStride*n)
	if err := k.readBack(b.stageF, uint64(len(outF))*wordSize, func(raw []byte) { bytesToFloat32s(raw, outF) }); err != nil {
		return nil, nil, err
	}
	if err := k.readBack(b.stageI, uint64(len(outI))*wordSize, func(raw []byte) { bytesToInt32s(raw, outI) }); err != nil {
		return nil, nil, err
	}

	slogger().Debug("gpu-project: dispatch complete",
		"points", n,
		"workgroups", (n+projectWorkgroupSize-1)/projectWorkgroupSize)
	return outF, outI, nil
}

func (k *ProjectKernel) createBuffers(b *dispatchBuffers, n uint64) error {
	storageIn := gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst
	storageOut := gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc
	staging := gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst

	for _, desc := range []struct {
		dst   *hal.Buffer
		label string
		size  uint64
		usage gputypes.BufferUsage
	}{
		{&b.config, "project_config", configLength, gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst},
		{&b.means, "project_means", meanStride * wordSize * n, storageIn},
		{&b.covs, "project_covs", covStride * wordSize * n, storageIn},
		{&b.outF, "project_out_f", outFStride * wordSize * n, storageOut},
		{&b.outI, "project_out_i", outIStride * wordSize * n, storageOut},
		{&b.stageF, "project_stage_f", outFStride * wordSize * n, staging},
		{&b.stageI, "project_stage_i", outIStride * wordSize * n, staging},
	} {
		buf, err := k.device.CreateBuffer(&hal.BufferDescriptor{
			Label: desc.label,
			Size:  desc.size,
			Usage: desc.usage,
		})
		if err != nil {
			return fmt.Errorf("gpu-project: create %s buffer: %w", desc.label, err)
		}
		*desc.dst = buf
	}
	return nil
}

func (k *ProjectKernel) createBindGroups(b *dispatchBuffers, n uint64) error {
	bind := func(binding uint32, buf hal.Buffer, size uint64) gputypes.BindGroupEntry {
		return gputypes.BindGroupEntry{
			Binding:  binding,
			Resource: gputypes.BufferBinding{Buffer: buf.NativeHandle(), Offset: 0, Size: size},
		}
	}

	input, err := k.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "project_input",
		Layout: k.inputBindLayout,
		Entries: []gputypes.BindGroupEntry{
			bind(0, b.config, configLength),
			bind(1, b.means, meanStride*wordSize*n),
			bind(2, b.covs, covStride*wordSize*n),
		},
	})
	if err != nil {
		return fmt.Errorf("gpu-project: create input bind group: %w", err)
	}
	b.input = input

	output, err := k.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "project_output",
		Layout: k.outputBindLayout,
		Entries: []gputypes.BindGroupEntry{
			bind(0, b.outF, outFStride*wordSize*n),
			bind(1, b.outI, outIStride*wordSize*n),
		},
	})
	if err != nil {
		return fmt.Errorf("gpu-project: create output bind group: %w", err)
	}
	b.output = output
	return nil
}

func (k *ProjectKernel) encodeAndSubmit(b *dispatchBuffers, n uint64) error {
	encoder, err := k.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "project_encoder"})
	if err != nil {
		return fmt.Errorf("gpu-project: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("project"); err != nil {
		return fmt.Errorf("gpu-project: begin encoding: %w", err)
	}

	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "project_pass"})
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, b.input, nil)
	pass.SetBindGroup(1, b.output, nil)
	pass.Dispatch(uint32((n+projectWorkgroupSize-1)/projectWorkgroupSize), 1, 1) //nolint:gosec // bounded by maxPoints
	pass.End()

	encoder.CopyBufferToBuffer(b.outF, b.stageF, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: outFStride * wordSize * n},
	})
	encoder.CopyBufferToBuffer(b.outI, b.stageI, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: outIStride * wordSize * n},
	})

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("gpu-project: end encoding: %w", err)
	}
	defer k.device.FreeCommandBuffer(cmdBuf)

	if _, err := k.queue.Submit([]hal.CommandBuffer{cmdBuf}); err != nil {
		return fmt.Errorf("gpu-project: submit: %w", err)
	}
	if err := k.device.WaitIdle(); err != nil {
		return fmt.Errorf("gpu-project: wait for GPU: %w", err)
	}
	return nil
}

// readBack maps a staging buffer and hands its bytes to decode.
func (k *ProjectKernel) readBack(buf hal.Buffer, size uint64, decode func([]byte)) error {
	mapping, err := k.device.MapBuffer(buf, 0, size)
	if err != nil {
		return fmt.Errorf("gpu-project: map staging buffer: %w", err)
	}
	decode(unsafe.Slice((*byte)(mapping.Ptr), size))
	if err := k.device.UnmapBuffer(buf); err != nil {
		return fmt.Errorf("gpu-project: unmap staging buffer: %w", err)
	}
	return nil
}

func (k *ProjectKernel) release(b *dispatchBuffers) {
	if b.input != nil {
		k.device.DestroyBindGroup(b.input)
	}
	if b.output != nil {
		k.device.DestroyBindGroup(b.output)
	}
	for _, buf := range []hal.Buffer{b.config, b.means, b.covs, b.outF, b.outI, b.stageF, b.stageI} {
		if buf != nil {
			k.device.DestroyBuffer(buf)
		}
	}
}

// SPIRVCode returns the compiled SPIR-V code (for debugging/verification).
func (k *ProjectKernel) SPIRVCode() []uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.spirvCode
}

// Destroy releases the pipeline and its layouts.
func (k *ProjectKernel) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.device == nil {
		return
	}
	if k.pipeline != nil {
		k.device.DestroyComputePipeline(k.pipeline)
		k.pipeline = nil
	}
	if k.pipelineLayout != nil {
		k.device.DestroyPipelineLayout(k.pipelineLayout)
		k.pipelineLayout = nil
	}
	if k.inputBindLayout != nil {
		k.device.DestroyBindGroupLayout(k.inputBindLayout)
		k.inputBindLayout = nil
	}
	if k.outputBindLayout != nil {
		k.device.DestroyBindGroupLayout(k.outputBindLayout)
		k.outputBindLayout = nil
	}
	if k.shaderModule != nil {
		k.device.DestroyShaderModule(k.shaderModule)
		k.shaderModule = nil
	}
}
