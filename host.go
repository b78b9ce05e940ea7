package splat

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
)

// HostForward holds the outputs of ProjectGaussiansForward as flat
// row-major buffers.
type HostForward struct {
	XYs          []float32 // [N, 2]
	Depths       []float32 // [N]
	Radii        []int32   // [N]
	Conics       []float32 // [N, 3]
	Compensation []float32 // [N]
	NumTilesHit  []int32   // [N]
}

// HostBackward holds the outputs of ProjectGaussiansBackward as flat
// row-major buffers.
type HostBackward struct {
	VCov2D  []float32 // [N, 3]
	VCov3D  []float32 // [N, 6]
	VMean3D []float32 // [N, 3]

	// VViewmat is nil unless the view matrix gradient was requested.
	VViewmat *[16]float32
}

// ProjectGaussiansForward is the flat-buffer forward entry point for a host
// framework. means3d is [N, 3], cov3dTriu is [N, 6] packed upper triangles
// and viewmat is a row-major 4x4 matrix.
func ProjectGaussiansForward(
	numPoints int,
	means3d, cov3dTriu []float32,
	viewmat [16]float32,
	fx, fy, cx, cy float32,
	imgHeight, imgWidth, blockWidth int,
	clipThresh float32,
) (*HostForward, error) {
	if err := checkRows("num_points", numPoints); err != nil {
		return nil, err
	}
	means, err := readVec3s("means3d", means3d, numPoints)
	if err != nil {
		return nil, err
	}
	covs, err := readCovs(cov3dTriu, numPoints)
	if err != nil {
		return nil, err
	}

	cam := hostCamera(viewmat, fx, fy, cx, cy, imgHeight, imgWidth, clipThresh)
	proj, _, err := Default().Forward(means, covs, cam, blockWidth)
	if err != nil {
		return nil, err
	}

	out := &HostForward{
		XYs:          make([]float32, 2*numPoints),
		Depths:       make([]float32, numPoints),
		Radii:        make([]int32, numPoints),
		Conics:       make([]float32, 3*numPoints),
		Compensation: make([]float32, numPoints),
		NumTilesHit:  make([]int32, numPoints),
	}
	for i := range numPoints {
		out.XYs[2*i] = float32(proj.XYs[i][0])
		out.XYs[2*i+1] = float32(proj.XYs[i][1])
		out.Depths[i] = float32(proj.Depths[i])
		out.Radii[i] = int32(proj.Radii[i])
		for k := range 3 {
			out.Conics[3*i+k] = float32(proj.Conics[i][k])
		}
		out.Compensation[i] = float32(proj.Compensation[i])
		out.NumTilesHit[i] = int32(proj.NumTilesHit[i])
	}
	return out, nil
}

// ProjectGaussiansBackward is the flat-buffer backward entry point. radii,
// conics and compensation are the forward outputs; the v* buffers are
// gradients of the loss with respect to the forward outputs and may be nil.
func ProjectGaussiansBackward(
	numPoints int,
	means3d, cov3dTriu []float32,
	viewmat [16]float32,
	fx, fy, cx, cy float32,
	imgHeight, imgWidth int,
	radii []int32,
	conics, compensation []float32,
	vXYs, vDepths, vConics, vCompensation []float32,
	viewmatRequiresGrad bool,
) (*HostBackward, error) {
	n := numPoints
	if err := checkRows("num_points", n); err != nil {
		return nil, err
	}
	means, err := readVec3s("means3d", means3d, n)
	if err != nil {
		return nil, err
	}
	covs, err := readCovs(cov3dTriu, n)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		arg    string
		got    int
		stride int
		opt    bool
	}{
		{"radii", len(radii), 1, false},
		{"conics", len(conics), 3, false},
		{"compensation", len(compensation), 1, false},
		{"v_xys", len(vXYs), 2, true},
		{"v_depths", len(vDepths), 1, true},
		{"v_conics", len(vConics), 3, true},
		{"v_compensation", len(vCompensation), 1, true},
	} {
		if f.opt && f.got == 0 {
			continue
		}
		if f.got != f.stride*n {
			return nil, invalidInputf(f.arg, fmt.Sprintf("[%d]", f.got), "want %d values (%d x %d)", f.stride*n, n, f.stride)
		}
	}

	saved := &Saved{
		Means:        means,
		Covs:         covs,
		Camera:       hostCamera(viewmat, fx, fy, cx, cy, imgHeight, imgWidth, DefaultClipThresh),
		BlockWidth:   DefaultBlockWidth,
		Radii:        make([]int, n),
		Conics:       make([]Conic, n),
		Compensation: make([]float64, n),
	}
	var grads OutputGrads
	if vXYs != nil {
		grads.XYs = make([]mgl64.Vec2, n)
	}
	if vDepths != nil {
		grads.Depths = make([]float64, n)
	}
	if vConics != nil {
		grads.Conics = make([]Conic, n)
	}
	if vCompensation != nil {
		grads.Compensation = make([]float64, n)
	}
	for i := range n {
		saved.Radii[i] = int(radii[i])
		saved.Compensation[i] = float64(compensation[i])
		for k := range 3 {
			saved.Conics[i][k] = float64(conics[3*i+k])
		}
		if grads.XYs != nil {
			grads.XYs[i] = mgl64.Vec2{float64(vXYs[2*i]), float64(vXYs[2*i+1])}
		}
		if grads.Depths != nil {
			grads.Depths[i] = float64(vDepths[i])
		}
		if grads.Conics != nil {
			for k := range 3 {
				grads.Conics[i][k] = float64(vConics[3*i+k])
			}
		}
		if grads.Compensation != nil {
			grads.Compensation[i] = float64(vCompensation[i])
		}
	}

	var opts []BackwardOption
	if viewmatRequiresGrad {
		opts = append(opts, WithViewMatrixGrad())
	}
	g, err := Default().Backward(saved, grads, opts...)
	if err != nil {
		return nil, err
	}

	out := &HostBackward{
		VCov2D:  make([]float32, 3*n),
		VCov3D:  make([]float32, 6*n),
		VMean3D: make([]float32, 3*n),
	}
	for i := range n {
		for k := range 3 {
			out.VCov2D[3*i+k] = float32(g.Cov2D[i][k])
			out.VMean3D[3*i+k] = float32(g.Mean3D[i][k])
		}
		for k := range 6 {
			out.VCov3D[6*i+k] = float32(g.Cov3D[i][k])
		}
	}
	if g.ViewMatrix != nil {
		var vm [16]float32
		for r := range 4 {
			for c := range 4 {
				vm[4*r+c] = float32(g.ViewMatrix.At(r, c))
			}
		}
		out.VViewmat = &vm
	}
	return out, nil
}

func checkRows(arg string, n int) error {
	if n < 1 {
		return invalidInputf(arg, fmt.Sprintf("%d", n), "need at least one point")
	}
	return nil
}

func readVec3s(arg string, buf []float32, n int) ([]mgl64.Vec3, error) {
	if len(buf)%3 != 0 {
		return nil, invalidInputf(arg, fmt.Sprintf("[%d]", len(buf)), "last dimension must be 3")
	}
	if len(buf) != 3*n {
		return nil, invalidInputf(arg, fmt.Sprintf("[%d, 3]", len(buf)/3), "want %d rows", n)
	}
	out := make([]mgl64.Vec3, n)
	for i := range out {
		out[i] = mgl64.Vec3{float64(buf[3*i]), float64(buf[3*i+1]), float64(buf[3*i+2])}
	}
	return out, nil
}

func readCovs(buf []float32, n int) ([]Cov3D, error) {
	if len(buf)%6 != 0 {
		return nil, invalidInputf("cov3d", fmt.Sprintf("[%d]", len(buf)), "last dimension must be 6")
	}
	if len(buf) != 6*n {
		return nil, invalidInputf("cov3d", fmt.Sprintf("[%d, 6]", len(buf)/6), "want %d rows", n)
	}
	out := make([]Cov3D, n)
	for i := range out {
		for k := range 6 {
			out[i][k] = float64(buf[6*i+k])
		}
	}
	return out, nil
}

// hostCamera builds a camera from a row-major view matrix.
func hostCamera(viewmat [16]float32, fx, fy, cx, cy float32, imgHeight, imgWidth int, clipThresh float32) Camera {
	row := func(r int) mgl64.Vec4 {
		return mgl64.Vec4{
			float64(viewmat[4*r]), float64(viewmat[4*r+1]),
			float64(viewmat[4*r+2]), float64(viewmat[4*r+3]),
		}
	}
	return Camera{
		ViewMatrix: mgl64.Mat4FromRows(row(0), row(1), row(2), row(3)),
		Fx:         float64(fx),
		Fy:         float64(fy),
		Cx:         float64(cx),
		Cy:         float64(cy),
		Width:      imgWidth,
		Height:     imgHeight,
		ClipThresh: float64(clipThresh),
	}
}
