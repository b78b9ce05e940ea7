//go:build !nogpu

// Package gpu registers the wgpu/hal projection accelerator.
//
// Importing this package offloads splat's forward projection to a compute
// shader. If GPU initialization fails (no Vulkan device available), the
// accelerator declines every batch and projection stays on the CPU.
// Backward passes always run on the CPU.
//
// Usage:
//
//	import _ "github.com/gogpu/splat/gpu" // enable GPU projection
package gpu

import (
	"github.com/gogpu/gpucontext"

	"github.com/gogpu/splat"
	gpuimpl "github.com/gogpu/splat/internal/gpu"
)

func init() {
	accel := gpuimpl.NewProjectAccelerator(gpuimpl.ModeDevice)
	if err := splat.RegisterAccelerator(accel); err != nil {
		splat.Logger().Warn("GPU accelerator not available", "err", err)
	}
}

// SetDeviceProvider configures the accelerator to use a shared GPU device
// from an external provider (e.g., gogpu). This avoids creating a separate
// GPU instance.
//
// The provider's device and queue must be wgpu/hal types, or it must
// expose them via HalDevice() and HalQueue(). Software adapters are
// rejected and projection stays on the CPU.
func SetDeviceProvider(provider gpucontext.DeviceProvider) error {
	return splat.SetAcceleratorDeviceProvider(provider)
}

// EnableMirror replaces the registered accelerator with one that evaluates
// the projection kernel on the CPU when no GPU is present. It is meant for
// validating shader semantics on headless machines.
func EnableMirror() error {
	return splat.RegisterAccelerator(gpuimpl.NewProjectAccelerator(gpuimpl.ModeMirror))
}
