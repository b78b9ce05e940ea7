//go:build nogpu

package gpu

import (
	"errors"

	"github.com/gogpu/gpucontext"
)

var errNoGPU = errors.New("gpu: built with the nogpu tag")

// SetDeviceProvider reports that GPU support was compiled out.
func SetDeviceProvider(gpucontext.DeviceProvider) error { return errNoGPU }

// EnableMirror reports that GPU support was compiled out.
func EnableMirror() error { return errNoGPU }
