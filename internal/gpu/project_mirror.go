//go:build !nogpu

package gpu

import (
	"github.com/chewxy/math32"
)

// Constants shared with project.wgsl.
const (
	lowPass      float32 = 0.3
	frustumLimit float32 = 1.3
	confidence   float32 = 3.0
	minEigenGap  float32 = 0.1
	projEps      float32 = 0.000001
	maxRadius    float32 = 2147483648.0
)

// projectMirror evaluates cs_project on the CPU for every primitive. It
// follows the shader statement for statement in float32, so its results
// are what a device dispatch produces up to rounding.
func projectMirror(cfg *ProjectConfig, means, covs, outF []float32, outI []int32) {
	for idx := range cfg.NumPoints {
		projectInvocation(cfg, idx, means, covs, outF, outI)
	}
}

// projectInvocation is one invocation of cs_project.
func projectInvocation(cfg *ProjectConfig, idx uint32, means, covs, outF []float32, outI []int32) {
	fo := idx * outFStride
	io := idx * outIStride
	mo := idx * meanStride
	co := idx * covStride
	m := &cfg.ViewMatrix

	// t = viewmat · (p, 1); column-major element (r, c) is m[4c+r].
	px, py, pz := means[mo], means[mo+1], means[mo+2]
	var t [3]float32
	for r := range 3 {
		t[r] = m[r]*px + m[4+r]*py + m[8+r]*pz + m[12+r]
	}

	rw := 1 / (t[2] + projEps)
	x := cfg.Focal[0]*t[0]*rw + cfg.Principal[0]
	y := cfg.Focal[1]*t[1]*rw + cfg.Principal[1]

	outF[fo] = x
	outF[fo+1] = y
	outF[fo+2] = t[2]
	for k := uint32(3); k < outFStride; k++ {
		outF[fo+k] = 0
	}
	outI[io] = 0
	outI[io+1] = 0

	if t[2] < cfg.ClipThresh {
		return
	}

	limX := frustumLimit * 0.5 * float32(cfg.ImgSize[0]) / cfg.Focal[0]
	limY := frustumLimit * 0.5 * float32(cfg.ImgSize[1]) / cfg.Focal[1]
	tx := clampf32(t[0]/t[2], -limX, limX) * t[2]
	ty := clampf32(t[1]/t[2], -limY, limY) * t[2]
	rz := 1 / t[2]
	rz2 := rz * rz

	// Rows 0 and 1 of T = J·R. J has nonzeros at (0,0), (0,2), (1,1), (1,2).
	j00 := cfg.Focal[0] * rz
	j02 := -cfg.Focal[0] * tx * rz2
	j11 := cfg.Focal[1] * rz
	j12 := -cfg.Focal[1] * ty * rz2
	var t0, t1 [3]float32
	for c := range 3 {
		t0[c] = j00*m[4*c] + j02*m[4*c+2]
		t1[c] = j11*m[4*c+1] + j12*m[4*c+2]
	}

	v := [3][3]float32{
		{covs[co], covs[co+1], covs[co+2]},
		{covs[co+1], covs[co+3], covs[co+4]},
		{covs[co+2], covs[co+4], covs[co+5]},
	}
	a := quadForm(t0, v, t0)
	b := quadForm(t0, v, t1)
	c := quadForm(t1, v, t1)

	detOrig := a*c - b*b
	ab := a + lowPass
	cb := c + lowPass
	det := ab*cb - b*b
	if !(detOrig > 0) || !(det > 0) {
		return
	}
	comp := math32.Sqrt(detOrig / det)

	invDet := 1 / det
	mid := 0.5 * (ab + cb)
	disc := math32.Sqrt(math32.Max(minEigenGap, mid*mid-det))
	radius := math32.Ceil(confidence * math32.Sqrt(math32.Max(mid+disc, mid-disc)))
	// NaN fails both comparisons.
	if !(radius < maxRadius) || !(comp < 2) {
		return
	}

	bw := float32(cfg.BlockWidth)
	cx, cy := x/bw, y/bw
	rt := radius / bw
	minX := tileIndexF32(cx-rt, cfg.TileBounds[0])
	minY := tileIndexF32(cy-rt, cfg.TileBounds[1])
	maxX := tileIndexF32(cx+rt+1, cfg.TileBounds[0])
	maxY := tileIndexF32(cy+rt+1, cfg.TileBounds[1])
	tiles := (maxX - minX) * (maxY - minY)
	if tiles == 0 {
		return
	}

	outF[fo+3] = cb * invDet
	outF[fo+4] = -b * invDet
	outF[fo+5] = ab * invDet
	outF[fo+6] = comp
	outI[io] = int32(radius)
	outI[io+1] = int32(tiles) //nolint:gosec // bounded by tile grid size
}

// quadForm returns uᵀ·V·w.
func quadForm(u [3]float32, v [3][3]float32, w [3]float32) float32 {
	var s float32
	for r := range 3 {
		for c := range 3 {
			s += u[r] * v[r][c] * w[c]
		}
	}
	return s
}

func clampf32(v, lo, hi float32) float32 {
	return math32.Min(math32.Max(v, lo), hi)
}

func tileIndexF32(v float32, hi uint32) uint32 {
	if !(v > 0) {
		return 0
	}
	if v >= float32(hi) {
		return hi
	}
	return uint32(v)
}
