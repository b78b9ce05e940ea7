package splat

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// ScaleRotToCov3D builds the packed 3D covariance
// globScale² · R · diag(scale²) · Rᵀ of a gaussian, where R is the rotation
// of the unit quaternion q = (w, x, y, z).
//
// Returns ErrInvalidInput if q is not unit length within QuatNormTolerance.
func ScaleRotToCov3D(scale mgl64.Vec3, globScale float64, q mgl64.Quat) (Cov3D, error) {
	if err := checkQuat("quats", q); err != nil {
		return Cov3D{}, err
	}
	return scaleRotToCov3D(scale, globScale, q), nil
}

// Cov3DBackward propagates the gradient of a packed covariance built by
// ScaleRotToCov3D back to the per-axis scale and the quaternion.
//
// The quaternion gradient accounts for the normalization applied by the
// forward pass, so it is orthogonal to q.
func Cov3DBackward(scale mgl64.Vec3, globScale float64, q mgl64.Quat, vCov Cov3D) (vScale mgl64.Vec3, vQuat mgl64.Quat) {
	qn := q.Normalize()
	r := qn.Mat4().Mat3()
	gs := scale.Mul(globScale)
	m := r.Mul3(mgl64.Diag3(gs))

	// Σ = M·Mᵀ with symmetric G = ∂L/∂Σ gives ∂L/∂M = 2·G·M.
	vM := symmetricGrad(vCov).Mul3(m).Mul(2)

	vR := vM.Mul3(mgl64.Diag3(gs))
	for j := range 3 {
		vScale[j] = globScale * vM.Col(j).Dot(r.Col(j))
	}

	vqn := rotationBackward(qn, vR)
	n := q.Len()
	// d(q/|q|)/dq = (I - q̂q̂ᵀ)/|q|
	d := qn.Dot(vqn)
	vQuat = vqn.Sub(qn.Scale(d)).Scale(1 / n)
	return vScale, vQuat
}

func scaleRotToCov3D(scale mgl64.Vec3, globScale float64, q mgl64.Quat) Cov3D {
	r := q.Normalize().Mat4().Mat3()
	m := r.Mul3(mgl64.Diag3(scale.Mul(globScale)))
	return PackCov3D(m.Mul3(m.Transpose()))
}

// rotationBackward maps ∂L/∂R to ∂L/∂q for the unit quaternion q.
func rotationBackward(q mgl64.Quat, vR mgl64.Mat3) mgl64.Quat {
	w, x, y, z := q.W, q.V[0], q.V[1], q.V[2]
	g := func(r, c int) float64 { return vR.At(r, c) }

	vw := 2 * (z*(g(1, 0)-g(0, 1)) + y*(g(0, 2)-g(2, 0)) + x*(g(2, 1)-g(1, 2)))
	vx := 2*(y*(g(0, 1)+g(1, 0))+z*(g(0, 2)+g(2, 0))+w*(g(2, 1)-g(1, 2))) -
		4*x*(g(1, 1)+g(2, 2))
	vy := 2*(x*(g(0, 1)+g(1, 0))+w*(g(0, 2)-g(2, 0))+z*(g(1, 2)+g(2, 1))) -
		4*y*(g(0, 0)+g(2, 2))
	vz := 2*(w*(g(1, 0)-g(0, 1))+x*(g(0, 2)+g(2, 0))+y*(g(1, 2)+g(2, 1))) -
		4*z*(g(0, 0)+g(1, 1))

	return mgl64.Quat{W: vw, V: mgl64.Vec3{vx, vy, vz}}
}

// symmetricGrad expands a packed gradient to the full symmetric matrix whose
// mirrored off-diagonal entries each carry half of the shared derivative.
func symmetricGrad(v Cov3D) mgl64.Mat3 {
	return mgl64.Mat3FromRows(
		mgl64.Vec3{v[0], 0.5 * v[1], 0.5 * v[2]},
		mgl64.Vec3{0.5 * v[1], v[3], 0.5 * v[4]},
		mgl64.Vec3{0.5 * v[2], 0.5 * v[4], v[5]},
	)
}

// packGrad folds a full matrix gradient onto the packed parameters.
func packGrad(m mgl64.Mat3) Cov3D {
	return Cov3D{
		m.At(0, 0),
		m.At(0, 1) + m.At(1, 0),
		m.At(0, 2) + m.At(2, 0),
		m.At(1, 1),
		m.At(1, 2) + m.At(2, 1),
		m.At(2, 2),
	}
}

func checkQuat(arg string, q mgl64.Quat) error {
	n := q.Len()
	if math.IsNaN(n) || math.Abs(n-1) > QuatNormTolerance {
		return invalidInputf(arg, "[4]", "quaternion %v has norm %g, want 1", quatString(q), n)
	}
	return nil
}

func quatString(q mgl64.Quat) string {
	return fmt.Sprintf("(%g, %g, %g, %g)", q.W, q.V[0], q.V[1], q.V[2])
}
