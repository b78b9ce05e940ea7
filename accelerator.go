package splat

import (
	"errors"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// ErrFallbackToCPU indicates the accelerator cannot serve a request.
// The projector transparently falls back to the CPU path.
var ErrFallbackToCPU = errors.New("splat: falling back to CPU projection")

// ProjectRequest is a validated forward batch handed to an Accelerator.
type ProjectRequest struct {
	Means      []mgl64.Vec3
	Covs       []Cov3D
	Camera     Camera
	BlockWidth int
}

// Len returns the number of primitives in the request.
func (r *ProjectRequest) Len() int {
	return len(r.Means)
}

// Accelerator is an optional GPU provider for the forward projection.
//
// When registered via RegisterAccelerator, projectors try it first. If it
// returns ErrFallbackToCPU or any other error, the batch is projected on
// the CPU instead and nothing the accelerator wrote is kept.
//
// Implementations live in GPU backend packages. Users opt in with a blank
// import:
//
//	import _ "github.com/gogpu/splat/gpu" // enables GPU projection
type Accelerator interface {
	// Name returns the accelerator name (e.g., "wgpu").
	Name() string

	// Init initializes GPU resources. Called once during registration.
	Init() error

	// Close releases GPU resources.
	Close()

	// Project fills out, which holds req.Len() zeroed slots, with the
	// forward projection of req.
	Project(req *ProjectRequest, out *Projection) error
}

// DeviceProviderAware is an optional interface for accelerators that can
// share a GPU device with an external provider instead of creating their
// own.
type DeviceProviderAware interface {
	SetDeviceProvider(provider any) error
}

var (
	accelMu sync.RWMutex
	accel   Accelerator
)

// RegisterAccelerator registers a GPU accelerator.
//
// Only one accelerator can be registered. Subsequent calls replace the
// previous one, which is closed. Init is called during registration; if it
// fails the accelerator is not registered and the error is returned.
func RegisterAccelerator(a Accelerator) error {
	if a == nil {
		return errors.New("splat: accelerator must not be nil")
	}
	if err := a.Init(); err != nil {
		return err
	}
	accelMu.Lock()
	old := accel
	accel = a
	accelMu.Unlock()
	if old != nil {
		old.Close()
	}
	propagateLogger(a, Logger())
	Logger().Info("splat: accelerator registered", "name", a.Name())
	return nil
}

// UnregisterAccelerator closes and removes the registered accelerator.
func UnregisterAccelerator() {
	accelMu.Lock()
	old := accel
	accel = nil
	accelMu.Unlock()
	if old != nil {
		old.Close()
	}
}

// RegisteredAccelerator returns the registered accelerator, or nil.
func RegisteredAccelerator() Accelerator {
	accelMu.RLock()
	a := accel
	accelMu.RUnlock()
	return a
}

// SetAcceleratorDeviceProvider passes a device provider to the registered
// accelerator. It is a no-op if no accelerator is registered or the
// accelerator does not support device sharing.
func SetAcceleratorDeviceProvider(provider any) error {
	a := RegisteredAccelerator()
	if a == nil {
		return nil
	}
	if dpa, ok := a.(DeviceProviderAware); ok {
		return dpa.SetDeviceProvider(provider)
	}
	return nil
}
