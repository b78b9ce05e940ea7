// Package splat projects 3D gaussian primitives to 2D screen-space ellipses
// for gaussian-splatting rasterizers.
//
// # Overview
//
// Each primitive is a 3D gaussian with a mean position and an anisotropic
// covariance. The projector follows EWA (Elliptical Weighted Average)
// splatting: the covariance is carried into camera space by the view
// rotation, linearized through the perspective Jacobian, truncated to 2x2,
// blurred by a small low-pass filter and inverted to a conic. The projector
// also reports the pixel radius of every splat and how many rasterization
// tiles it touches.
//
// # Quick Start
//
//	cam := splat.Camera{
//	    ViewMatrix: mgl64.Ident4(),
//	    Fx: 500, Fy: 500, Cx: 320, Cy: 240,
//	    Width: 640, Height: 480,
//	    ClipThresh: splat.DefaultClipThresh,
//	}
//	proj, saved, err := splat.Forward(means, covs, cam, splat.DefaultBlockWidth)
//	if err != nil {
//	    return err
//	}
//	// ... rasterize proj, compute loss gradients ...
//	grads, err := splat.Backward(saved, outGrads)
//
// # Differentiation
//
// Forward returns a [Saved] record next to its outputs. [Backward] is a pure
// function of that record and the output gradients: it returns gradients
// for the packed 3D covariances, the means and, when requested with
// [WithViewMatrixGrad], the view matrix. Radii and tile counts are integer
// outputs and carry no gradient.
//
// # Conventions
//
//   - Camera space looks down +Z; pixel Y grows downward.
//   - The view matrix maps world to camera space and must be rigid.
//   - Quaternions are (w, x, y, z) and must be unit length.
//   - 3D covariances are packed as xx, xy, xz, yy, yz, zz.
//
// # Parallelism
//
// Primitives are independent. Batches are split into chunks and executed on
// a work-stealing worker pool; every primitive writes only its own slot.
// A GPU compute kernel can be registered with [RegisterAccelerator]
// (see the gpu sub-package); the CPU path is always available.
package splat

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0-alpha.1"
)
