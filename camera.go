package splat

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// orthoTolerance bounds |RᵀR - I| for the view rotation block.
const orthoTolerance = 1e-4

// Camera is a pinhole camera with a rigid world-to-camera view matrix.
type Camera struct {
	// ViewMatrix maps world points to camera space: [R | t; 0 0 0 1].
	ViewMatrix mgl64.Mat4

	// Fx, Fy are focal lengths in pixels.
	Fx, Fy float64

	// Cx, Cy is the principal point in pixels.
	Cx, Cy float64

	// Width, Height are the image dimensions in pixels.
	Width, Height int

	// ClipThresh is the near-plane depth. Primitives with camera-space
	// depth below it are culled.
	ClipThresh float64
}

// Rotation returns the 3x3 rotation block of the view matrix.
func (c Camera) Rotation() mgl64.Mat3 {
	return c.ViewMatrix.Mat3()
}

// Translation returns the translation column of the view matrix.
func (c Camera) Translation() mgl64.Vec3 {
	return c.ViewMatrix.Col(3).Vec3()
}

// TanFov returns tan of the half field of view along x and y.
func (c Camera) TanFov() (x, y float64) {
	return 0.5 * float64(c.Width) / c.Fx, 0.5 * float64(c.Height) / c.Fy
}

// ToCamera transforms a world point to camera space.
func (c Camera) ToCamera(p mgl64.Vec3) mgl64.Vec3 {
	return c.Rotation().Mul3x1(p).Add(c.Translation())
}

// Validate checks the camera preconditions.
func (c Camera) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return invalidInputf("img_size", fmt.Sprintf("(%d, %d)", c.Height, c.Width), "image dimensions must be positive")
	}
	if !(c.Fx > 0) || !(c.Fy > 0) || math.IsInf(c.Fx, 0) || math.IsInf(c.Fy, 0) {
		return invalidInputf("focal", fmt.Sprintf("(%g, %g)", c.Fx, c.Fy), "focal lengths must be positive and finite")
	}
	if !isFinite(c.Cx) || !isFinite(c.Cy) {
		return invalidInputf("principal_point", fmt.Sprintf("(%g, %g)", c.Cx, c.Cy), "principal point must be finite")
	}
	if !(c.ClipThresh > 0) || math.IsInf(c.ClipThresh, 0) {
		return invalidInputf("clip_thresh", fmt.Sprintf("%g", c.ClipThresh), "must be a positive depth")
	}
	return validateViewMatrix(c.ViewMatrix)
}

func validateViewMatrix(m mgl64.Mat4) error {
	for i := range m {
		if !isFinite(m[i]) {
			return invalidInput("viewmat", "[4, 4]", "contains non-finite values")
		}
	}
	if m.At(3, 0) != 0 || m.At(3, 1) != 0 || m.At(3, 2) != 0 || m.At(3, 3) != 1 {
		return invalidInput("viewmat", "[4, 4]", "last row must be (0, 0, 0, 1)")
	}
	r := m.Mat3()
	rtr := r.Transpose().Mul3(r)
	if !rtr.ApproxEqualThreshold(mgl64.Ident3(), orthoTolerance) {
		return invalidInput("viewmat", "[4, 4]", "rotation block is not orthonormal")
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
