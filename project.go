package splat

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// cullReason records why a primitive produced no splat.
type cullReason uint8

const (
	cullNone cullReason = iota
	cullNear
	cullDegenerate
	cullOffscreen
)

func (r cullReason) String() string {
	switch r {
	case cullNone:
		return "visible"
	case cullNear:
		return "near"
	case cullDegenerate:
		return "degenerate"
	case cullOffscreen:
		return "offscreen"
	default:
		return "unknown"
	}
}

// view caches per-batch camera quantities shared by every primitive.
type view struct {
	cam        Camera
	rot        mgl64.Mat3
	trans      mgl64.Vec3
	limX, limY float64
	tiles      TileBounds
	blockWidth int
}

func newView(cam Camera, blockWidth int) *view {
	tanX, tanY := cam.TanFov()
	return &view{
		cam:        cam,
		rot:        cam.Rotation(),
		trans:      cam.Translation(),
		limX:       FrustumLimit * tanX,
		limY:       FrustumLimit * tanY,
		tiles:      NewTileBounds(cam.Width, cam.Height, blockWidth),
		blockWidth: blockWidth,
	}
}

// toCamera returns R·p + t.
func (v *view) toCamera(p mgl64.Vec3) mgl64.Vec3 {
	return v.rot.Mul3x1(p).Add(v.trans)
}

// pixel applies the pinhole model to a camera-space point.
func (v *view) pixel(t mgl64.Vec3) mgl64.Vec2 {
	rw := 1 / (t[2] + projEps)
	return mgl64.Vec2{
		v.cam.Fx*t[0]*rw + v.cam.Cx,
		v.cam.Fy*t[1]*rw + v.cam.Cy,
	}
}

// jacobian is the projection Jacobian evaluated at a camera-space point
// whose x/z and y/z were clamped to the widened frustum.
type jacobian struct {
	m mgl64.Mat3

	// tx, ty are the clamped camera-space x and y; tz is unchanged.
	tx, ty, tz float64

	clampedX, clampedY bool
}

func (v *view) jacobianAt(t mgl64.Vec3) jacobian {
	tz := t[2]
	tx, cx := clampRatio(t[0]/tz, v.limX)
	ty, cy := clampRatio(t[1]/tz, v.limY)
	tx *= tz
	ty *= tz

	rz := 1 / tz
	rz2 := rz * rz
	fx, fy := v.cam.Fx, v.cam.Fy
	return jacobian{
		m: mgl64.Mat3FromRows(
			mgl64.Vec3{fx * rz, 0, -fx * tx * rz2},
			mgl64.Vec3{0, fy * rz, -fy * ty * rz2},
			mgl64.Vec3{0, 0, 0},
		),
		tx: tx, ty: ty, tz: tz,
		clampedX: cx,
		clampedY: cy,
	}
}

func clampRatio(r, lim float64) (float64, bool) {
	if r < -lim {
		return -lim, true
	}
	if r > lim {
		return lim, true
	}
	return r, false
}

// projectCov2D computes the unblurred 2D covariance (J·R·Σ·Rᵀ·Jᵀ)[0:2, 0:2]
// of a gaussian whose mean sits at camera-space t.
func (v *view) projectCov2D(t mgl64.Vec3, cov Cov3D) (Cov2D, jacobian) {
	j := v.jacobianAt(t)
	tm := j.m.Mul3(v.rot)
	full := tm.Mul3(cov.Mat3()).Mul3(tm.Transpose())
	return Cov2D{full.At(0, 0), full.At(0, 1), full.At(1, 1)}, j
}

// record is the projected output of a single primitive.
type record struct {
	xy     mgl64.Vec2
	depth  float64
	radius int
	conic  Conic
	comp   float64
	tiles  int
}

// project runs the full forward chain for one primitive. A culled
// primitive keeps zero radius, conic, compensation and tile count.
func (v *view) project(mean mgl64.Vec3, cov Cov3D) (record, cullReason) {
	t := v.toCamera(mean)
	out := record{
		xy:    v.pixel(t),
		depth: t[2],
	}
	if t[2] < v.cam.ClipThresh {
		return out, cullNear
	}

	cov2d, _ := v.projectCov2D(t, cov)
	blurred, comp, ok := blurCov2D(cov2d)
	if !ok {
		return out, cullDegenerate
	}
	conic, radius, ok := invertCov2D(blurred)
	if !ok || radius > math.MaxInt32 {
		return out, cullDegenerate
	}

	tiles := TilesHit(out.xy, radius, v.tiles, v.blockWidth)
	if tiles <= 0 {
		return out, cullOffscreen
	}

	out.radius = int(radius)
	out.conic = conic
	out.comp = comp
	out.tiles = tiles
	return out, cullNone
}

// ProjectPoint transforms a world point with the camera and returns its
// pixel position and camera-space depth. It applies no culling.
func ProjectPoint(p mgl64.Vec3, cam Camera) (mgl64.Vec2, float64) {
	v := newView(cam, DefaultBlockWidth)
	t := v.toCamera(p)
	return v.pixel(t), t[2]
}

// ProjectCov2D returns the unblurred EWA 2D covariance of a gaussian with
// world mean p and packed covariance cov. p must lie in front of the
// camera.
func ProjectCov2D(p mgl64.Vec3, cov Cov3D, cam Camera) Cov2D {
	v := newView(cam, DefaultBlockWidth)
	c, _ := v.projectCov2D(v.toCamera(p), cov)
	return c
}

// ComputeRadius returns the pixel radius and conic of a blurred 2D
// covariance. ok is false if the covariance cannot be inverted.
func ComputeRadius(cov Cov2D) (radius int, conic Conic, ok bool) {
	c, r, ok := invertCov2D(cov)
	if !ok || r > math.MaxInt32 {
		return 0, Conic{}, false
	}
	return int(r), c, true
}
