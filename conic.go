package splat

import (
	"math"
)

// minEigenGap keeps the eigenvalue spread positive for nearly isotropic
// splats.
const minEigenGap = 0.1

// blurCov2D adds the low-pass filter to a 2D covariance and returns the
// blurred covariance with its opacity compensation
// sqrt(det(Σ) / det(Σ + blur·I)).
//
// ok is false when either determinant is not positive.
func blurCov2D(cov Cov2D) (blurred Cov2D, comp float64, ok bool) {
	detOrig := cov.Det()
	blurred = Cov2D{cov[0] + LowPassBlur, cov[1], cov[2] + LowPassBlur}
	detBlur := blurred.Det()
	if !(detOrig > 0) || !(detBlur > 0) {
		return blurred, 0, false
	}
	comp = math.Sqrt(detOrig / detBlur)
	return blurred, comp, isFinite(comp)
}

// invertCov2D returns the conic of a 2D covariance and the pixel radius
// covering Confidence standard deviations along its major axis.
//
// ok is false for a non-invertible or non-finite covariance.
func invertCov2D(cov Cov2D) (conic Conic, radius float64, ok bool) {
	det := cov.Det()
	if !(det > 0) || !isFinite(det) {
		return Conic{}, 0, false
	}
	invDet := 1 / det
	conic = Conic{cov[2] * invDet, -cov[1] * invDet, cov[0] * invDet}

	b := 0.5 * (cov[0] + cov[2])
	disc := math.Sqrt(math.Max(minEigenGap, b*b-det))
	v1 := b + disc
	v2 := b - disc
	radius = math.Ceil(Confidence * math.Sqrt(math.Max(v1, v2)))
	return conic, radius, isFinite(radius)
}

// conicBackward maps ∂L/∂conic to ∂L/∂Σ (blurred covariance).
// For X = Σ⁻¹: ∂L/∂Σ = -X·G·X.
func conicBackward(conic Conic, vConic Conic) Cov2D {
	a, b, c := conic[0], conic[1], conic[2]
	ga, gb, gc := vConic[0], 0.5*vConic[1], vConic[2]

	// G·X
	gx00 := ga*a + gb*b
	gx01 := ga*b + gb*c
	gx10 := gb*a + gc*b
	gx11 := gb*b + gc*c

	s00 := -(a*gx00 + b*gx10)
	s01 := -(a*gx01 + b*gx11)
	s10 := -(b*gx00 + c*gx10)
	s11 := -(b*gx01 + c*gx11)
	return Cov2D{s00, s01 + s10, s11}
}

// compensationBackward maps ∂L/∂comp to ∂L/∂Σ (blurred covariance), where
// comp² = det(Σ - blur·I) / det(Σ) and conic = Σ⁻¹.
func compensationBackward(comp float64, conic Conic, vComp float64) Cov2D {
	if vComp == 0 || comp <= 0 {
		return Cov2D{}
	}
	invDet := conic[0]*conic[2] - conic[1]*conic[1]
	oneMinusSq := 1 - comp*comp
	vSq := vComp * 0.5 / comp
	return Cov2D{
		vSq * (oneMinusSq*conic[0] - LowPassBlur*invDet),
		2 * vSq * oneMinusSq * conic[1],
		vSq * (oneMinusSq*conic[2] - LowPassBlur*invDet),
	}
}

func (c Cov2D) add(o Cov2D) Cov2D {
	return Cov2D{c[0] + o[0], c[1] + o[1], c[2] + o[2]}
}
