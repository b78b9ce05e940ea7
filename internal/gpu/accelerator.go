//go:build !nogpu

package gpu

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/splat"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// Mode selects how ProjectAccelerator evaluates a batch.
type Mode uint8

const (
	// ModeDevice dispatches project.wgsl on the GPU and declines batches
	// when no device is available.
	ModeDevice Mode = iota

	// ModeMirror evaluates the kernel's float32 CPU mirror when no device
	// is available, so shader semantics can be exercised headless.
	ModeMirror
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeDevice:
		return "device"
	case ModeMirror:
		return "mirror"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ProjectAccelerator runs the forward projection as a wgpu/hal compute
// kernel. It implements splat.Accelerator.
type ProjectAccelerator struct {
	mu sync.Mutex

	mode Mode

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	kernel   *ProjectKernel

	// maxPoints bounds a batch by the device storage binding and dispatch limits.
	maxPoints int

	gpuReady       bool
	externalDevice bool // true when using a shared device (don't destroy on Close)
}

var _ splat.Accelerator = (*ProjectAccelerator)(nil)

// NewProjectAccelerator returns an accelerator using the given mode.
func NewProjectAccelerator(mode Mode) *ProjectAccelerator {
	return &ProjectAccelerator{mode: mode}
}

// Name returns "wgpu-project".
func (a *ProjectAccelerator) Name() string { return "wgpu-project" }

// Mode returns the evaluation mode.
func (a *ProjectAccelerator) Mode() Mode { return a.mode }

// Init opens a Vulkan device and builds the kernel. A missing GPU is not
// an error: the accelerator then declines batches (or mirrors them).
func (a *ProjectAccelerator) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.initGPU(); err != nil {
		slogger().Warn("gpu-project: GPU init failed", "err", err, "mode", a.mode.String())
	}
	return nil
}

// SetLogger forwards the splat logger to this package.
func (a *ProjectAccelerator) SetLogger(l *slog.Logger) {
	setLogger(l)
}

// GPUReady reports whether batches are dispatched on a device.
func (a *ProjectAccelerator) GPUReady() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gpuReady
}

// Close releases GPU resources.
func (a *ProjectAccelerator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked()
}

func (a *ProjectAccelerator) releaseLocked() {
	if a.kernel != nil {
		a.kernel.Destroy()
		a.kernel = nil
	}
	if !a.externalDevice {
		if a.device != nil {
			a.device.Destroy()
		}
		if a.instance != nil {
			a.instance.Destroy()
		}
	}
	a.device = nil
	a.queue = nil
	a.instance = nil
	a.gpuReady = false
	a.externalDevice = false
}

// SetDeviceProvider switches the accelerator to a shared GPU device.
//
// The provider's concrete type must expose HAL handles, either through
// HalDevice() any and HalQueue() any or by returning hal.Device and
// hal.Queue from a gpucontext.DeviceProvider. Software adapters are
// rejected.
func (a *ProjectAccelerator) SetDeviceProvider(provider any) error {
	device, queue, err := halFromProvider(provider)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.releaseLocked()
	a.device = device
	a.queue = queue
	a.externalDevice = true
	a.maxPoints = maxPointsFor(gputypes.DefaultLimits())

	kernel, err := NewProjectKernel(device, queue)
	if err != nil {
		return fmt.Errorf("gpu-project: build kernel on shared device: %w", err)
	}
	a.kernel = kernel
	a.gpuReady = true
	slogger().Info("gpu-project: using shared device")
	return nil
}

func halFromProvider(provider any) (hal.Device, hal.Queue, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}

	var rawDevice, rawQueue any
	switch p := provider.(type) {
	case halProvider:
		rawDevice, rawQueue = p.HalDevice(), p.HalQueue()
	case gpucontext.DeviceProvider:
		if p.AdapterInfo().Type == gpucontext.AdapterTypeSoftware {
			return nil, nil, fmt.Errorf("gpu-project: software adapter %q, projection stays on CPU", p.AdapterInfo().Name)
		}
		rawDevice, rawQueue = p.Device(), p.Queue()
	default:
		return nil, nil, fmt.Errorf("gpu-project: provider %T does not expose HAL types", provider)
	}

	device, ok := rawDevice.(hal.Device)
	if !ok || device == nil {
		return nil, nil, fmt.Errorf("gpu-project: provider device %T is not hal.Device", rawDevice)
	}
	queue, ok := rawQueue.(hal.Queue)
	if !ok || queue == nil {
		return nil, nil, fmt.Errorf("gpu-project: provider queue %T is not hal.Queue", rawQueue)
	}
	return device, queue, nil
}

// Project evaluates a batch on the device, or on the CPU mirror in
// ModeMirror. It returns splat.ErrFallbackToCPU when neither applies.
func (a *ProjectAccelerator) Project(req *splat.ProjectRequest, out *splat.Projection) error {
	a.mu.Lock()
	ready := a.gpuReady
	kernel := a.kernel
	maxPoints := a.maxPoints
	a.mu.Unlock()

	n := req.Len()
	cfg := newProjectConfig(req)
	means, covs := packInputs(req)

	if ready && n <= maxPoints {
		outF, outI, err := kernel.Dispatch(cfg, means, covs)
		if err != nil {
			return err
		}
		unpackOutputs(outF, outI, out)
		return nil
	}

	if a.mode != ModeMirror {
		if ready {
			slogger().Debug("gpu-project: batch exceeds device limits", "points", n, "max", maxPoints)
		}
		return splat.ErrFallbackToCPU
	}

	outF := make([]float32, outFStride*n)
	outI := make([]int32, outIStride*n)
	projectMirror(&cfg, means, covs, outF, outI)
	unpackOutputs(outF, outI, out)
	slogger().Debug("gpu-project: mirrored batch on CPU", "points", n)
	return nil
}

func (a *ProjectAccelerator) initGPU() error {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return fmt.Errorf("vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	a.instance = instance

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return fmt.Errorf("no GPU adapters found")
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

	limits := selected.Capabilities.Limits
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	a.device = openDev.Device
	a.queue = openDev.Queue

	kernel, err := NewProjectKernel(a.device, a.queue)
	if err != nil {
		a.device.Destroy()
		a.device = nil
		a.queue = nil
		return fmt.Errorf("create kernel: %w", err)
	}
	a.kernel = kernel
	a.maxPoints = maxPointsFor(limits)
	a.gpuReady = true
	slogger().Info("gpu-project: GPU accelerator initialized", "adapter", selected.Info.Name)
	return nil
}

// maxPointsFor returns the largest batch whose widest storage binding fits
// the device limit and whose one-dimensional dispatch fits the workgroup
// count limit.
func maxPointsFor(limits gputypes.Limits) int {
	perPoint := uint64(outFStride * wordSize)
	byStorage := limits.MaxStorageBufferBindingSize / perPoint
	byDispatch := uint64(limits.MaxComputeWorkgroupsPerDimension) * projectWorkgroupSize
	return int(min(byStorage, byDispatch)) //nolint:gosec // fits int on 64-bit
}
