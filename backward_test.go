package splat

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/diff/fd"
)

// lossWeights defines the linear loss Σ w·output over one primitive's
// differentiable outputs.
type lossWeights struct {
	xy    mgl64.Vec2
	depth float64
	conic Conic
	comp  float64
}

func randomWeights(rng *rand.Rand) lossWeights {
	return lossWeights{
		xy:    mgl64.Vec2{rng.NormFloat64(), rng.NormFloat64()},
		depth: rng.NormFloat64(),
		conic: Conic{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()},
		comp:  rng.NormFloat64(),
	}
}

func (w lossWeights) eval(rec record) float64 {
	return w.xy.Dot(rec.xy) + w.depth*rec.depth +
		w.conic[0]*rec.conic[0] + w.conic[1]*rec.conic[1] + w.conic[2]*rec.conic[2] +
		w.comp*rec.comp
}

func (w lossWeights) grad() outGrad {
	return outGrad{xy: w.xy, depth: w.depth, conic: w.conic, comp: w.comp}
}

func mustProject(t *testing.T, v *view, mean mgl64.Vec3, cov Cov3D) record {
	t.Helper()
	rec, reason := v.project(mean, cov)
	if reason != cullNone {
		t.Fatalf("primitive at %v culled: %v", mean, reason)
	}
	return rec
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	cam := testCamera()
	tests := []struct {
		name string
		mean mgl64.Vec3
		cov  Cov3D
	}{
		{"centered", mgl64.Vec3{0, 0, 2}, Cov3D{0.02, 0.004, 0.001, 0.03, -0.002, 0.01}},
		{"off axis", mgl64.Vec3{0.3, -0.2, 2.5}, Cov3D{0.05, -0.01, 0.02, 0.02, 0.005, 0.04}},
		{"clamped x", mgl64.Vec3{1.5, 0.1, 2}, Cov3D{1, 0.1, 0.05, 0.8, 0.02, 0.6}},
		{"clamped y", mgl64.Vec3{0.1, -1.4, 2}, Cov3D{0.9, 0.1, 0.05, 1.2, 0.02, 0.6}},
	}
	rng := rand.New(rand.NewPCG(1, 2))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newView(cam, DefaultBlockWidth)
			rec := mustProject(t, v, tt.mean, tt.cov)
			w := randomWeights(rng)
			adj := v.backward(tt.mean, tt.cov, rec.conic, rec.comp, w.grad(), true)

			numMean := fd.Gradient(nil, func(x []float64) float64 {
				r, _ := v.project(mgl64.Vec3{x[0], x[1], x[2]}, tt.cov)
				return w.eval(r)
			}, tt.mean[:], fdSettings)
			checkGrad(t, "mean", adj.mean[:], numMean, 1e-5)

			numCov := fd.Gradient(nil, func(x []float64) float64 {
				var c Cov3D
				copy(c[:], x)
				r, _ := v.project(tt.mean, c)
				return w.eval(r)
			}, tt.cov[:], fdSettings)
			checkGrad(t, "cov3d", adj.cov3d[:], numCov, 1e-5)

			// Perturb the top three rows of the view matrix. The rotation
			// block is treated as free parameters.
			x0 := make([]float64, 0, 12)
			for r := range 3 {
				for c := range 4 {
					x0 = append(x0, cam.ViewMatrix.At(r, c))
				}
			}
			numView := fd.Gradient(nil, func(x []float64) float64 {
				pc := cam
				for r := range 3 {
					for c := range 4 {
						pc.ViewMatrix.Set(r, c, x[4*r+c])
					}
				}
				r, _ := newView(pc, DefaultBlockWidth).project(tt.mean, tt.cov)
				return w.eval(r)
			}, x0, fdSettings)
			vm := viewGrad(adj.rot, adj.trans)
			gotView := make([]float64, 0, 12)
			for r := range 3 {
				for c := range 4 {
					gotView = append(gotView, vm.At(r, c))
				}
			}
			checkGrad(t, "viewmat", gotView, numView, 1e-5)
		})
	}
}

func TestBackwardBatchViewMatrix(t *testing.T) {
	means, covs := randomScene(40, 17)
	cam := testCamera()
	cam.ViewMatrix = mgl64.HomogRotate3DY(0.05).Mul4(mgl64.Translate3D(0.02, -0.01, 0.1))

	p := NewProjector(WithWorkers(4), WithChunkSize(5), WithAccelerator(false))
	defer p.Close()
	proj, saved, err := p.Forward(means, covs, cam, DefaultBlockWidth)
	if err != nil {
		t.Fatal(err)
	}
	if proj.VisibleCount() != len(means) {
		t.Fatalf("VisibleCount() = %d, want all %d", proj.VisibleCount(), len(means))
	}

	rng := rand.New(rand.NewPCG(4, 4))
	ws := make([]lossWeights, len(means))
	grads := OutputGrads{
		XYs:          make([]mgl64.Vec2, len(means)),
		Depths:       make([]float64, len(means)),
		Conics:       make([]Conic, len(means)),
		Compensation: make([]float64, len(means)),
	}
	for i := range ws {
		ws[i] = randomWeights(rng)
		grads.XYs[i] = ws[i].xy
		grads.Depths[i] = ws[i].depth
		grads.Conics[i] = ws[i].conic
		grads.Compensation[i] = ws[i].comp
	}

	g, err := p.Backward(saved, grads, WithViewMatrixGrad())
	if err != nil {
		t.Fatal(err)
	}
	if g.ViewMatrix == nil {
		t.Fatal("ViewMatrix = nil with WithViewMatrixGrad")
	}
	for c := range 4 {
		if g.ViewMatrix.At(3, c) != 0 {
			t.Errorf("ViewMatrix bottom row = %v, want zero", g.ViewMatrix.Row(3))
			break
		}
	}

	x0 := make([]float64, 0, 12)
	for r := range 3 {
		for c := range 4 {
			x0 = append(x0, cam.ViewMatrix.At(r, c))
		}
	}
	num := fd.Gradient(nil, func(x []float64) float64 {
		pc := cam
		for r := range 3 {
			for c := range 4 {
				pc.ViewMatrix.Set(r, c, x[4*r+c])
			}
		}
		v := newView(pc, DefaultBlockWidth)
		var loss float64
		for i := range means {
			rec, _ := v.project(means[i], covs[i])
			loss += ws[i].eval(rec)
		}
		return loss
	}, x0, fdSettings)
	got := make([]float64, 0, 12)
	for r := range 3 {
		for c := range 4 {
			got = append(got, g.ViewMatrix.At(r, c))
		}
	}
	checkGrad(t, "viewmat", got, num, 1e-5)
}

func TestBackwardWithoutViewMatrixGrad(t *testing.T) {
	means, covs := randomScene(8, 2)
	_, saved, err := Forward(means, covs, testCamera(), DefaultBlockWidth)
	if err != nil {
		t.Fatal(err)
	}
	vDepth := make([]float64, len(means))
	for i := range vDepth {
		vDepth[i] = 1
	}
	g, err := Backward(saved, OutputGrads{Depths: vDepth})
	if err != nil {
		t.Fatal(err)
	}
	if g.ViewMatrix != nil {
		t.Errorf("ViewMatrix = %v, want nil", *g.ViewMatrix)
	}
	// With identity rotation dL/dmean is the depth axis.
	for i := range means {
		if g.Mean3D[i].Sub(mgl64.Vec3{0, 0, 1}).Len() > 1e-12 {
			t.Errorf("Mean3D[%d] = %v, want (0, 0, 1)", i, g.Mean3D[i])
		}
	}
}

func TestBackwardCulledGetsZero(t *testing.T) {
	means := []mgl64.Vec3{{0, 0, 2}, {0, 0, -1}, {10, 0, 2}}
	covs := []Cov3D{isoCov(1e-3), isoCov(1e-3), isoCov(1e-4)}
	proj, saved, err := Forward(means, covs, testCamera(), DefaultBlockWidth)
	if err != nil {
		t.Fatal(err)
	}
	if !proj.Visible(0) || proj.Visible(1) || proj.Visible(2) {
		t.Fatalf("visibility = %v %v %v, want true false false", proj.Visible(0), proj.Visible(1), proj.Visible(2))
	}

	grads := OutputGrads{
		XYs:          []mgl64.Vec2{{1, 1}, {1, 1}, {1, 1}},
		Depths:       []float64{1, 1, 1},
		Conics:       []Conic{{1, 1, 1}, {1, 1, 1}, {1, 1, 1}},
		Compensation: []float64{1, 1, 1},
	}
	g, err := Backward(saved, grads, WithViewMatrixGrad())
	if err != nil {
		t.Fatal(err)
	}
	if g.Mean3D[0] == (mgl64.Vec3{}) {
		t.Error("visible primitive got zero mean gradient")
	}
	for _, i := range []int{1, 2} {
		if g.Mean3D[i] != (mgl64.Vec3{}) || g.Cov3D[i] != (Cov3D{}) || g.Cov2D[i] != (Cov2D{}) {
			t.Errorf("culled primitive %d got gradient %v %v %v", i, g.Mean3D[i], g.Cov3D[i], g.Cov2D[i])
		}
	}
}

func TestBackwardZeroGrads(t *testing.T) {
	means, covs := randomScene(16, 8)
	_, saved, err := Forward(means, covs, testCamera(), DefaultBlockWidth)
	if err != nil {
		t.Fatal(err)
	}
	g, err := Backward(saved, OutputGrads{}, WithViewMatrixGrad())
	if err != nil {
		t.Fatal(err)
	}
	for i := range means {
		if g.Mean3D[i] != (mgl64.Vec3{}) || g.Cov3D[i] != (Cov3D{}) {
			t.Errorf("record %d: nonzero gradient from zero output gradients", i)
		}
	}
	if *g.ViewMatrix != (mgl64.Mat4{}) {
		t.Errorf("ViewMatrix = %v, want zero", *g.ViewMatrix)
	}
}

func TestBackwardInvalidInput(t *testing.T) {
	means, covs := randomScene(4, 1)
	_, saved, err := Forward(means, covs, testCamera(), DefaultBlockWidth)
	if err != nil {
		t.Fatal(err)
	}

	short := *saved
	short.Radii = short.Radii[:3]
	badCam := *saved
	badCam.Camera.Width = 0

	tests := []struct {
		name    string
		saved   *Saved
		grads   OutputGrads
		wantArg string
	}{
		{"nil saved", nil, OutputGrads{}, "saved"},
		{"short radii", &short, OutputGrads{}, "radii"},
		{"bad camera", &badCam, OutputGrads{}, "img_size"},
		{"short v_xys", saved, OutputGrads{XYs: make([]mgl64.Vec2, 3)}, "v_xys"},
		{"long v_depths", saved, OutputGrads{Depths: make([]float64, 5)}, "v_depths"},
		{"short v_conics", saved, OutputGrads{Conics: make([]Conic, 1)}, "v_conics"},
		{"short v_compensation", saved, OutputGrads{Compensation: make([]float64, 2)}, "v_compensation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Backward(tt.saved, tt.grads)
			var ie *InvalidInputError
			if !errors.As(err, &ie) || ie.Arg != tt.wantArg {
				t.Errorf("Backward() error = %v, want arg %q", err, tt.wantArg)
			}
			if g != nil {
				t.Error("Backward() returned gradients with an error")
			}
		})
	}
}

func TestScaleRotEndToEndGradient(t *testing.T) {
	cam := testCamera()
	g := Gaussian{
		Position: mgl64.Vec3{0.1, 0.05, 2.5},
		Scale:    mgl64.Vec3{0.08, 0.03, 0.05},
		Rotation: mgl64.QuatRotate(0.6, mgl64.Vec3{1, 2, 3}.Normalize()),
	}
	const glob = 1.5
	rng := rand.New(rand.NewPCG(5, 5))
	w := randomWeights(rng)

	_, saved, covs, err := ForwardScaleRot([]Gaussian{g}, glob, cam, DefaultBlockWidth)
	if err != nil {
		t.Fatal(err)
	}
	grads, err := Backward(saved, OutputGrads{
		XYs:          []mgl64.Vec2{w.xy},
		Depths:       []float64{w.depth},
		Conics:       []Conic{w.conic},
		Compensation: []float64{w.comp},
	})
	if err != nil {
		t.Fatal(err)
	}
	vScale, vQuat := Cov3DBackward(g.Scale, glob, g.Rotation, grads.Cov3D[0])

	v := newView(cam, DefaultBlockWidth)
	if covs[0] != saved.Covs[0] {
		t.Fatal("returned covariances differ from saved")
	}
	numScale := fd.Gradient(nil, func(x []float64) float64 {
		r, _ := v.project(g.Position, scaleRotToCov3D(mgl64.Vec3{x[0], x[1], x[2]}, glob, g.Rotation))
		return w.eval(r)
	}, g.Scale[:], fdSettings)
	checkGrad(t, "scale", vScale[:], numScale, 1e-5)

	numQuat := fd.Gradient(nil, func(x []float64) float64 {
		q := mgl64.Quat{W: x[0], V: mgl64.Vec3{x[1], x[2], x[3]}}
		r, _ := v.project(g.Position, scaleRotToCov3D(g.Scale, glob, q))
		return w.eval(r)
	}, []float64{g.Rotation.W, g.Rotation.V[0], g.Rotation.V[1], g.Rotation.V[2]}, fdSettings)
	checkGrad(t, "quat", []float64{vQuat.W, vQuat.V[0], vQuat.V[1], vQuat.V[2]}, numQuat, 1e-5)
}

func BenchmarkBackward(b *testing.B) {
	means, covs := randomScene(10000, 1)
	p := NewProjector(WithAccelerator(false))
	defer p.Close()
	_, saved, err := p.Forward(means, covs, testCamera(), DefaultBlockWidth)
	if err != nil {
		b.Fatal(err)
	}
	vComp := make([]float64, len(means))
	for i := range vComp {
		vComp[i] = 1
	}
	grads := OutputGrads{Compensation: vComp}

	b.ReportAllocs()
	for b.Loop() {
		if _, err := p.Backward(saved, grads, WithViewMatrixGrad()); err != nil {
			b.Fatal(err)
		}
	}
}
