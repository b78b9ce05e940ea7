//go:build !nogpu

// Package gpu provides the wgpu/hal compute backend for splat's forward
// projection.
//
// This is an internal package used by splat through the accelerator
// registry. It runs the projection kernel (shaders/project.wgsl) on a
// Pure Go WebGPU HAL device via gogpu/wgpu, with shaders compiled to
// SPIR-V by gogpu/naga at kernel creation.
//
// # Data Flow
//
//	splat.ProjectRequest -> ProjectConfig + packed float32 inputs
//	  -> WriteBuffer -> cs_project (one invocation per primitive)
//	  -> CopyBufferToBuffer -> MapBuffer -> splat.Projection
//
// The kernel evaluates in float32. Results agree with the float64 CPU
// path up to rounding; radii may differ by one pixel where ceil() lands
// on an integer boundary.
//
// # Backward Pass
//
// Only the forward projection is offloaded. Gradients are always computed
// by splat on the CPU from the saved forward state.
//
// # Modes
//
// ModeDevice declines batches with splat.ErrFallbackToCPU when no device
// could be opened. ModeMirror evaluates the kernel on the CPU instead, in
// float32, statement for statement as the shader does. It is how the
// shader semantics are tested on machines without a GPU.
//
// # Device Sharing
//
// SetDeviceProvider accepts an external HAL device so that splat shares a
// device with a renderer instead of opening its own. The accelerator does
// not destroy a shared device on Close.
package gpu
