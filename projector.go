package splat

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/gogpu/splat/internal/parallel"
)

// Projector runs batch forward and backward passes on a worker pool.
//
// A Projector is safe for concurrent use. Close releases its workers.
type Projector struct {
	opts options
	pool *parallel.WorkerPool
}

// NewProjector creates a projector with the given options.
func NewProjector(opts ...Option) *Projector {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Projector{
		opts: o,
		pool: parallel.NewWorkerPool(o.workers),
	}
}

// Workers returns the number of worker goroutines.
func (p *Projector) Workers() int {
	return p.pool.Workers()
}

// Close stops the worker pool. Calls made after Close still complete, on
// the calling goroutine.
func (p *Projector) Close() {
	p.pool.Close()
}

// cullCounts tallies cull reasons within one chunk.
type cullCounts [cullOffscreen + 1]int

// Forward projects N gaussians given their means and packed covariances.
//
// The returned Saved record carries everything Backward needs. All
// arguments are validated before any primitive is processed; a violation
// returns an error wrapping ErrInvalidInput and no outputs.
func (p *Projector) Forward(means []mgl64.Vec3, covs []Cov3D, cam Camera, blockWidth int) (*Projection, *Saved, error) {
	if err := validateBatch(means, covs, cam, blockWidth); err != nil {
		return nil, nil, err
	}

	req := &ProjectRequest{
		Means:      slices.Clone(means),
		Covs:       slices.Clone(covs),
		Camera:     cam,
		BlockWidth: blockWidth,
	}

	proj, ok := p.accelerated(req)
	if !ok {
		proj = p.projectCPU(req)
	}

	saved := &Saved{
		Means:        req.Means,
		Covs:         req.Covs,
		Camera:       cam,
		BlockWidth:   blockWidth,
		Radii:        slices.Clone(proj.Radii),
		Conics:       slices.Clone(proj.Conics),
		Compensation: slices.Clone(proj.Compensation),
	}
	return proj, saved, nil
}

// ForwardScaleRot builds each gaussian's covariance from its scale and
// rotation, then projects the batch. The built covariances are returned
// for reuse.
func (p *Projector) ForwardScaleRot(gaussians []Gaussian, globScale float64, cam Camera, blockWidth int) (*Projection, *Saved, []Cov3D, error) {
	n := len(gaussians)
	if n < 1 {
		return nil, nil, nil, invalidInputf("means3d", fmt.Sprintf("[%d, 3]", n), "need at least one point")
	}
	if !(globScale > 0) || math.IsInf(globScale, 0) {
		return nil, nil, nil, invalidInputf("glob_scale", fmt.Sprintf("%g", globScale), "must be positive and finite")
	}
	for i := range gaussians {
		if err := checkQuat(fmt.Sprintf("quats[%d]", i), gaussians[i].Rotation); err != nil {
			return nil, nil, nil, err
		}
	}
	if err := ValidateBlockWidth(blockWidth); err != nil {
		return nil, nil, nil, err
	}
	if err := cam.Validate(); err != nil {
		return nil, nil, nil, err
	}

	means := make([]mgl64.Vec3, n)
	covs := make([]Cov3D, n)
	p.pool.ForEach(parallel.Split(n, p.opts.chunkSize), func(r parallel.Range) {
		for i := r.Lo; i < r.Hi; i++ {
			g := &gaussians[i]
			means[i] = g.Position
			covs[i] = scaleRotToCov3D(g.Scale, globScale, g.Rotation)
		}
	})

	proj, saved, err := p.Forward(means, covs, cam, blockWidth)
	if err != nil {
		return nil, nil, nil, err
	}
	return proj, saved, covs, nil
}

// ForwardCov3D projects gaussians given full 3x3 covariance matrices,
// which are packed before projection.
func (p *Projector) ForwardCov3D(means []mgl64.Vec3, covs []mgl64.Mat3, cam Camera, blockWidth int) (*Projection, *Saved, error) {
	if len(covs) != len(means) {
		return nil, nil, invalidInputf("cov3d", fmt.Sprintf("[%d, 3, 3]", len(covs)),
			"want %d covariances to match means3d", len(means))
	}
	packed := make([]Cov3D, len(covs))
	for i, c := range covs {
		packed[i] = PackCov3D(c)
	}
	return p.Forward(means, packed, cam, blockWidth)
}

// Backward propagates output gradients through the forward pass recorded
// in saved. Culled primitives receive zero gradient.
func (p *Projector) Backward(saved *Saved, grads OutputGrads, opts ...BackwardOption) (*Gradients, error) {
	var o backwardOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := validateSaved(saved); err != nil {
		return nil, err
	}
	n := saved.Len()
	if err := validateOutputGrads(grads, n); err != nil {
		return nil, err
	}

	// Tiles carry no gradient, so any valid width will do.
	bw := saved.BlockWidth
	if ValidateBlockWidth(bw) != nil {
		bw = DefaultBlockWidth
	}
	v := newView(saved.Camera, bw)
	out := newGradients(n)
	ranges := parallel.Split(n, p.opts.chunkSize)

	type viewPartial struct {
		rot   mgl64.Mat3
		trans mgl64.Vec3
	}
	var partials []viewPartial
	if o.viewMatrixGrad {
		partials = make([]viewPartial, len(ranges))
	}

	p.pool.ForEach(ranges, func(r parallel.Range) {
		var acc viewPartial
		for i := r.Lo; i < r.Hi; i++ {
			if saved.Radii[i] <= 0 {
				continue
			}
			adj := v.backward(saved.Means[i], saved.Covs[i], saved.Conics[i], saved.Compensation[i],
				grads.at(i), o.viewMatrixGrad)
			out.Cov2D[i] = adj.cov2d
			out.Cov3D[i] = adj.cov3d
			out.Mean3D[i] = adj.mean
			if o.viewMatrixGrad {
				acc.rot = acc.rot.Add(adj.rot)
				acc.trans = acc.trans.Add(adj.trans)
			}
		}
		if o.viewMatrixGrad {
			partials[r.Index] = acc
		}
	})

	if o.viewMatrixGrad {
		var total viewPartial
		for _, part := range partials {
			total.rot = total.rot.Add(part.rot)
			total.trans = total.trans.Add(part.trans)
		}
		m := viewGrad(total.rot, total.trans)
		out.ViewMatrix = &m
	}

	Logger().Debug("splat: backward", "n", n, "chunks", len(ranges), "viewmat", o.viewMatrixGrad)
	return out, nil
}

// accelerated tries the registered accelerator. ok is false when the CPU
// path must run.
func (p *Projector) accelerated(req *ProjectRequest) (*Projection, bool) {
	if !p.opts.accelerate {
		return nil, false
	}
	a := RegisteredAccelerator()
	if a == nil {
		return nil, false
	}
	proj := newProjection(req.Len())
	err := a.Project(req, proj)
	switch {
	case err == nil:
		Logger().Debug("splat: forward", "n", req.Len(), "accelerator", a.Name(),
			"visible", proj.VisibleCount())
		return proj, true
	case errors.Is(err, ErrFallbackToCPU):
		Logger().Debug("splat: accelerator declined batch", "accelerator", a.Name(), "n", req.Len())
	default:
		Logger().Warn("splat: accelerator failed, using CPU", "accelerator", a.Name(), "err", err)
	}
	return nil, false
}

func (p *Projector) projectCPU(req *ProjectRequest) *Projection {
	n := req.Len()
	v := newView(req.Camera, req.BlockWidth)
	proj := newProjection(n)
	ranges := parallel.Split(n, p.opts.chunkSize)
	counts := make([]cullCounts, len(ranges))

	p.pool.ForEach(ranges, func(r parallel.Range) {
		c := &counts[r.Index]
		for i := r.Lo; i < r.Hi; i++ {
			rec, reason := v.project(req.Means[i], req.Covs[i])
			proj.XYs[i] = rec.xy
			proj.Depths[i] = rec.depth
			proj.Radii[i] = rec.radius
			proj.Conics[i] = rec.conic
			proj.Compensation[i] = rec.comp
			proj.NumTilesHit[i] = rec.tiles
			c[reason]++
		}
	})

	var total cullCounts
	for _, c := range counts {
		for reason, k := range c {
			total[reason] += k
		}
	}
	Logger().Debug("splat: forward", "n", n, "chunks", len(ranges),
		cullNone.String(), total[cullNone],
		cullNear.String(), total[cullNear],
		cullDegenerate.String(), total[cullDegenerate],
		cullOffscreen.String(), total[cullOffscreen])
	return proj
}

func validateBatch(means []mgl64.Vec3, covs []Cov3D, cam Camera, blockWidth int) error {
	n := len(means)
	if n < 1 {
		return invalidInputf("means3d", fmt.Sprintf("[%d, 3]", n), "need at least one point")
	}
	if len(covs) != n {
		return invalidInputf("cov3d", fmt.Sprintf("[%d, 6]", len(covs)), "want %d rows to match means3d", n)
	}
	if err := ValidateBlockWidth(blockWidth); err != nil {
		return err
	}
	return cam.Validate()
}

func validateSaved(s *Saved) error {
	if s == nil {
		return invalidInput("saved", "", "forward record is nil")
	}
	n := s.Len()
	if n < 1 {
		return invalidInputf("means3d", fmt.Sprintf("[%d, 3]", n), "need at least one point")
	}
	for _, f := range []struct {
		arg   string
		shape string
		got   int
	}{
		{"cov3d", "[%d, 6]", len(s.Covs)},
		{"radii", "[%d]", len(s.Radii)},
		{"conics", "[%d, 3]", len(s.Conics)},
		{"compensation", "[%d]", len(s.Compensation)},
	} {
		if f.got != n {
			return invalidInputf(f.arg, fmt.Sprintf(f.shape, f.got), "want %d rows to match means3d", n)
		}
	}
	return s.Camera.Validate()
}

func validateOutputGrads(g OutputGrads, n int) error {
	for _, f := range []struct {
		arg   string
		shape string
		got   int
	}{
		{"v_xys", "[%d, 2]", len(g.XYs)},
		{"v_depths", "[%d]", len(g.Depths)},
		{"v_conics", "[%d, 3]", len(g.Conics)},
		{"v_compensation", "[%d]", len(g.Compensation)},
	} {
		if f.got != 0 && f.got != n {
			return invalidInputf(f.arg, fmt.Sprintf(f.shape, f.got), "want %d rows or none", n)
		}
	}
	return nil
}

// at returns the output gradient of primitive i, reading nil slices as
// zero.
func (g *OutputGrads) at(i int) outGrad {
	var out outGrad
	if g.XYs != nil {
		out.xy = g.XYs[i]
	}
	if g.Depths != nil {
		out.depth = g.Depths[i]
	}
	if g.Conics != nil {
		out.conic = g.Conics[i]
	}
	if g.Compensation != nil {
		out.comp = g.Compensation[i]
	}
	return out
}

var defaultProjector struct {
	once sync.Once
	p    *Projector
}

// Default returns the package-level projector used by Forward,
// ForwardScaleRot and Backward. It is created on first use with default
// options.
func Default() *Projector {
	defaultProjector.once.Do(func() {
		defaultProjector.p = NewProjector()
	})
	return defaultProjector.p
}

// Forward projects a batch on the default projector.
func Forward(means []mgl64.Vec3, covs []Cov3D, cam Camera, blockWidth int) (*Projection, *Saved, error) {
	return Default().Forward(means, covs, cam, blockWidth)
}

// ForwardScaleRot builds covariances and projects a batch on the default
// projector.
func ForwardScaleRot(gaussians []Gaussian, globScale float64, cam Camera, blockWidth int) (*Projection, *Saved, []Cov3D, error) {
	return Default().ForwardScaleRot(gaussians, globScale, cam, blockWidth)
}

// Backward runs the reverse pass on the default projector.
func Backward(saved *Saved, grads OutputGrads, opts ...BackwardOption) (*Gradients, error) {
	return Default().Backward(saved, grads, opts...)
}
