package splat

import (
	"runtime"
	"testing"
)

func TestDefaultOptions(t *testing.T) {
	o := defaultOptions()
	if o.chunkSize != DefaultChunkSize {
		t.Errorf("chunkSize = %d, want %d", o.chunkSize, DefaultChunkSize)
	}
	if !o.accelerate {
		t.Error("accelerate = false, want true")
	}
}

func TestProjectorOptions(t *testing.T) {
	tests := []struct {
		name        string
		opts        []Option
		wantWorkers int
		wantChunk   int
		wantAccel   bool
	}{
		{"default", nil, runtime.GOMAXPROCS(0), DefaultChunkSize, true},
		{"workers", []Option{WithWorkers(3)}, 3, DefaultChunkSize, true},
		{"negative workers", []Option{WithWorkers(-1)}, runtime.GOMAXPROCS(0), DefaultChunkSize, true},
		{"chunk", []Option{WithChunkSize(64)}, runtime.GOMAXPROCS(0), 64, true},
		{"zero chunk ignored", []Option{WithChunkSize(0)}, runtime.GOMAXPROCS(0), DefaultChunkSize, true},
		{"cpu only", []Option{WithAccelerator(false)}, runtime.GOMAXPROCS(0), DefaultChunkSize, false},
		{"last wins", []Option{WithWorkers(2), WithWorkers(5)}, 5, DefaultChunkSize, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProjector(tt.opts...)
			defer p.Close()
			if got := p.Workers(); got != tt.wantWorkers {
				t.Errorf("Workers() = %d, want %d", got, tt.wantWorkers)
			}
			if p.opts.chunkSize != tt.wantChunk {
				t.Errorf("chunkSize = %d, want %d", p.opts.chunkSize, tt.wantChunk)
			}
			if p.opts.accelerate != tt.wantAccel {
				t.Errorf("accelerate = %v, want %v", p.opts.accelerate, tt.wantAccel)
			}
		})
	}
}

func TestChunkSizeDoesNotChangeResults(t *testing.T) {
	means, covs := randomScene(257, 3)
	cam := testCamera()

	ref := NewProjector(WithWorkers(1), WithChunkSize(1<<20), WithAccelerator(false))
	defer ref.Close()
	want, saved, err := ref.Forward(means, covs, cam, DefaultBlockWidth)
	if err != nil {
		t.Fatal(err)
	}
	vDepth := make([]float64, len(means))
	for i := range vDepth {
		vDepth[i] = 1
	}
	grads := OutputGrads{Depths: vDepth}
	wantGrad, err := ref.Backward(saved, grads, WithViewMatrixGrad())
	if err != nil {
		t.Fatal(err)
	}

	for _, chunk := range []int{1, 7, 64} {
		p := NewProjector(WithWorkers(4), WithChunkSize(chunk), WithAccelerator(false))
		got, saved, err := p.Forward(means, covs, cam, DefaultBlockWidth)
		if err != nil {
			t.Fatal(err)
		}
		for i := range means {
			if got.Radii[i] != want.Radii[i] || got.Conics[i] != want.Conics[i] || got.XYs[i] != want.XYs[i] {
				t.Errorf("chunk %d: record %d differs", chunk, i)
			}
		}
		g, err := p.Backward(saved, grads, WithViewMatrixGrad())
		if err != nil {
			t.Fatal(err)
		}
		for i := range means {
			if g.Mean3D[i] != wantGrad.Mean3D[i] {
				t.Errorf("chunk %d: Mean3D[%d] = %v, want %v", chunk, i, g.Mean3D[i], wantGrad.Mean3D[i])
			}
		}
		// Per-chunk partials are summed in a different order.
		if !approxSlice(g.ViewMatrix[:], wantGrad.ViewMatrix[:], 1e-9) {
			t.Errorf("chunk %d: ViewMatrix = %v, want %v", chunk, *g.ViewMatrix, *wantGrad.ViewMatrix)
		}
		p.Close()
	}
}

func TestWithViewMatrixGrad(t *testing.T) {
	var o backwardOptions
	if o.viewMatrixGrad {
		t.Fatal("zero backwardOptions requests view matrix gradient")
	}
	WithViewMatrixGrad()(&o)
	if !o.viewMatrixGrad {
		t.Error("WithViewMatrixGrad() did not set viewMatrixGrad")
	}
}
