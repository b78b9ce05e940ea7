package splat

import (
	"github.com/go-gl/mathgl/mgl64"
)

// Projection constants.
const (
	// DefaultClipThresh is the default near-plane depth below which
	// primitives are culled.
	DefaultClipThresh = 0.01

	// DefaultBlockWidth is the default tile side length in pixels.
	DefaultBlockWidth = 16

	// MinBlockWidth and MaxBlockWidth bound the tile side length.
	MinBlockWidth = 2
	MaxBlockWidth = 16

	// LowPassBlur is added to the diagonal of every 2D covariance so that
	// each splat covers at least about one pixel.
	LowPassBlur = 0.3

	// Confidence is the number of standard deviations covered by a splat's
	// radius.
	Confidence = 3.0

	// FrustumLimit scales tan(fov/2) to bound x/z and y/z when the
	// projection Jacobian is evaluated.
	FrustumLimit = 1.3

	// QuatNormTolerance is the maximum deviation of |q| from 1.
	QuatNormTolerance = 1e-6

	// projEps guards the perspective divide.
	projEps = 1e-6
)

// Gaussian is a 3D gaussian primitive described by its mean, per-axis
// scale and orientation. Opacity and color live with the rasterizer.
type Gaussian struct {
	Position mgl64.Vec3
	Scale    mgl64.Vec3

	// Rotation is a unit quaternion (w, x, y, z).
	Rotation mgl64.Quat
}

// Cov3D is a symmetric 3x3 covariance packed as its upper triangle in the
// fixed order xx, xy, xz, yy, yz, zz.
type Cov3D [6]float64

// PackCov3D packs the upper triangle of a symmetric matrix.
func PackCov3D(m mgl64.Mat3) Cov3D {
	return Cov3D{
		m.At(0, 0), m.At(0, 1), m.At(0, 2),
		m.At(1, 1), m.At(1, 2),
		m.At(2, 2),
	}
}

// Mat3 expands the packed covariance to a full symmetric matrix.
func (c Cov3D) Mat3() mgl64.Mat3 {
	return mgl64.Mat3FromRows(
		mgl64.Vec3{c[0], c[1], c[2]},
		mgl64.Vec3{c[1], c[3], c[4]},
		mgl64.Vec3{c[2], c[4], c[5]},
	)
}

// Cov2D is a symmetric 2x2 covariance packed as (xx, xy, yy).
type Cov2D [3]float64

// Det returns the determinant.
func (c Cov2D) Det() float64 {
	return c[0]*c[2] - c[1]*c[1]
}

// Conic is the inverse of a 2D covariance, packed as (a, b, c) so that the
// gaussian at offset (dx, dy) evaluates exp(-0.5*(a*dx² + 2*b*dx*dy + c*dy²)).
type Conic [3]float64

// Eval returns the power term -0.5*dᵀ·Σ⁻¹·d at the pixel offset d.
func (q Conic) Eval(dx, dy float64) float64 {
	return -0.5*(q[0]*dx*dx+q[2]*dy*dy) - q[1]*dx*dy
}

// Projection holds the per-primitive outputs of a forward pass as a
// struct of slices, all of length N.
//
// A culled primitive has Radii[i] == 0 and NumTilesHit[i] == 0; its conic
// and compensation are zero. XYs and Depths are still written for
// primitives culled by the near plane.
type Projection struct {
	XYs          []mgl64.Vec2
	Depths       []float64
	Radii        []int
	Conics       []Conic
	Compensation []float64
	NumTilesHit  []int
}

func newProjection(n int) *Projection {
	return &Projection{
		XYs:          make([]mgl64.Vec2, n),
		Depths:       make([]float64, n),
		Radii:        make([]int, n),
		Conics:       make([]Conic, n),
		Compensation: make([]float64, n),
		NumTilesHit:  make([]int, n),
	}
}

// Len returns the number of primitives.
func (p *Projection) Len() int {
	return len(p.Radii)
}

// Visible reports whether primitive i survived culling.
func (p *Projection) Visible(i int) bool {
	return p.Radii[i] > 0
}

// VisibleCount returns the number of primitives that survived culling.
func (p *Projection) VisibleCount() int {
	n := 0
	for _, r := range p.Radii {
		if r > 0 {
			n++
		}
	}
	return n
}

// Saved carries the forward-pass inputs and intermediates that Backward
// needs. It is produced by Forward and must not be modified.
type Saved struct {
	Means        []mgl64.Vec3
	Covs         []Cov3D
	Camera       Camera
	BlockWidth   int
	Radii        []int
	Conics       []Conic
	Compensation []float64
}

// Len returns the number of primitives.
func (s *Saved) Len() int {
	return len(s.Means)
}

// OutputGrads holds the gradients of a loss with respect to the
// differentiable forward outputs. Nil slices are treated as zero.
type OutputGrads struct {
	XYs          []mgl64.Vec2
	Depths       []float64
	Conics       []Conic
	Compensation []float64
}

// Gradients holds input gradients produced by Backward.
//
// Packed gradients (Cov2D, Cov3D) follow the packing of their forward
// values: an off-diagonal entry holds the derivative with respect to the
// single shared parameter, i.e. the sum over both mirrored positions.
type Gradients struct {
	Cov2D  []Cov2D
	Cov3D  []Cov3D
	Mean3D []mgl64.Vec3

	// ViewMatrix is nil unless the gradient was requested with
	// WithViewMatrixGrad.
	ViewMatrix *mgl64.Mat4
}

func newGradients(n int) *Gradients {
	return &Gradients{
		Cov2D:  make([]Cov2D, n),
		Cov3D:  make([]Cov3D, n),
		Mean3D: make([]mgl64.Vec3, n),
	}
}
