package splat

import (
	"github.com/go-gl/mathgl/mgl64"
)

// adjoint holds the input gradients of one primitive.
type adjoint struct {
	cov2d Cov2D
	cov3d Cov3D
	mean  mgl64.Vec3

	// View-matrix contributions, filled only when requested.
	rot   mgl64.Mat3
	trans mgl64.Vec3
}

// outGrad is the output gradient of one primitive.
type outGrad struct {
	xy    mgl64.Vec2
	depth float64
	conic Conic
	comp  float64
}

// backward is the adjoint of project for a visible primitive. conic and
// comp are the values saved by the forward pass.
func (v *view) backward(mean mgl64.Vec3, cov Cov3D, conic Conic, comp float64, g outGrad, withView bool) adjoint {
	var out adjoint
	t := v.toCamera(mean)

	// Conic and compensation both read the blurred 2D covariance; the blur
	// is a constant offset so the gradient passes through unchanged.
	out.cov2d = conicBackward(conic, g.conic).add(compensationBackward(comp, conic, g.comp))

	// Pinhole projection and depth.
	rw := 1 / (t[2] + projEps)
	px := v.cam.Fx * g.xy[0]
	py := v.cam.Fy * g.xy[1]
	vt := mgl64.Vec3{
		px * rw,
		py * rw,
		-(px*t[0]+py*t[1])*rw*rw + g.depth,
	}

	// EWA: Σ2 = T·Σ3·Tᵀ with T = J·R.
	j := v.jacobianAt(t)
	tm := j.m.Mul3(v.rot)
	sigma := cov.Mat3()
	vS2 := mgl64.Mat3FromRows(
		mgl64.Vec3{out.cov2d[0], 0.5 * out.cov2d[1], 0},
		mgl64.Vec3{0.5 * out.cov2d[1], out.cov2d[2], 0},
		mgl64.Vec3{0, 0, 0},
	)
	out.cov3d = packGrad(tm.Transpose().Mul3(vS2).Mul3(tm))

	// vS2 and Σ3 are symmetric, so ∂L/∂T = 2·vS2·T·Σ3.
	vT := vS2.Mul3(tm).Mul3(sigma).Mul(2)
	vJ := vT.Mul3(v.rot.Transpose())
	vt = vt.Add(j.backward(vJ, v.cam.Fx, v.cam.Fy))

	out.mean = v.rot.Transpose().Mul3x1(vt)
	if withView {
		out.rot = vt.OuterProd3(mean).Add(j.m.Transpose().Mul3(vT))
		out.trans = vt
	}
	return out
}

// backward maps ∂L/∂J to ∂L/∂t, routing the gradient of a clamped
// coordinate into the depth it was rescaled by.
func (j jacobian) backward(vJ mgl64.Mat3, fx, fy float64) mgl64.Vec3 {
	rz := 1 / j.tz
	rz2 := rz * rz
	rz3 := rz2 * rz

	v02 := vJ.At(0, 2)
	v12 := vJ.At(1, 2)
	vtx := -fx * rz2 * v02
	vty := -fy * rz2 * v12
	vtz := -fx*rz2*vJ.At(0, 0) + 2*fx*j.tx*rz3*v02 -
		fy*rz2*vJ.At(1, 1) + 2*fy*j.ty*rz3*v12

	var vt mgl64.Vec3
	if j.clampedX {
		vtz += vtx * j.tx * rz
	} else {
		vt[0] = vtx
	}
	if j.clampedY {
		vtz += vty * j.ty * rz
	} else {
		vt[1] = vty
	}
	vt[2] = vtz
	return vt
}

// viewGrad packs rotation and translation gradients into a 4x4 matrix
// with a zero bottom row.
func viewGrad(rot mgl64.Mat3, trans mgl64.Vec3) mgl64.Mat4 {
	var m mgl64.Mat4
	for r := range 3 {
		for c := range 3 {
			m.Set(r, c, rot.At(r, c))
		}
		m.Set(r, 3, trans[r])
	}
	return m
}
