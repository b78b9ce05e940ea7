// Command splatproj projects a gaussian scene and reports the tile
// workload a rasterizer would see.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/gogpu/splat"
	"github.com/gogpu/splat/coverage"
	"github.com/gogpu/splat/gpu"
	"github.com/gogpu/splat/internal/config"
)

func main() {
	var (
		sceneFile = flag.String("scene", "", "path to scene JSON file")
		random    = flag.Int("random", 0, "add N random gaussians")
		seed      = flag.Uint64("seed", 1, "random scene seed")
		block     = flag.Int("block", 0, "tile block width in pixels (default 16)")
		workers   = flag.Int("workers", 0, "worker goroutines (default: NumCPU)")
		heatmap   = flag.String("heatmap", "", "write tile-load heatmap (.png or .webp)")
		grad      = flag.Bool("grad", false, "run a backward pass on sum(compensation)")
		useGPU    = flag.Bool("gpu", true, "project on the GPU when available")
		mirror    = flag.Bool("mirror", false, "evaluate the GPU kernel on the CPU")
		verbose   = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *verbose {
		splat.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	var cfg config.Config
	if *sceneFile != "" {
		var err error
		cfg, err = config.Load(*sceneFile)
		if err != nil {
			log.Fatalf("Error loading scene: %v", err)
		}
	}
	cfg.Resolve(config.Flags{
		BlockWidth: *block,
		Workers:    *workers,
		Random:     *random,
		Seed:       *seed,
		Heatmap:    *heatmap,
	})

	if *mirror {
		if err := gpu.EnableMirror(); err != nil {
			log.Fatalf("Error enabling mirror: %v", err)
		}
	}

	gaussians := cfg.BuildGaussians()
	if len(gaussians) == 0 {
		log.Fatal("Scene is empty: use -scene or -random")
	}
	cam := cfg.BuildCamera()

	p := splat.NewProjector(
		splat.WithWorkers(cfg.Workers),
		splat.WithAccelerator(*useGPU || *mirror),
	)
	defer p.Close()

	start := time.Now()
	proj, saved, _, err := p.ForwardScaleRot(gaussians, cfg.GlobScale, cam, cfg.BlockWidth)
	if err != nil {
		log.Fatalf("Forward failed: %v", err)
	}
	elapsed := time.Since(start)

	grid, err := coverage.NewGrid(proj, cam.Width, cam.Height, cfg.BlockWidth)
	if err != nil {
		log.Fatalf("Coverage failed: %v", err)
	}
	fmt.Printf("forward: %d gaussians in %v\n", len(gaussians), elapsed)
	fmt.Printf("tiles: %dx%d (block %d)\n", grid.Bounds.X, grid.Bounds.Y, cfg.BlockWidth)
	fmt.Println(coverage.Summarize(proj, grid))

	if cfg.Heatmap != "" {
		img := grid.Heatmap(cfg.HeatmapScale, fmt.Sprintf("max %d", grid.Max()))
		if err := coverage.Save(cfg.Heatmap, img); err != nil {
			log.Fatalf("Failed to save heatmap: %v", err)
		}
		log.Printf("Heatmap saved to %s", cfg.Heatmap)
	}

	if *grad {
		if err := runBackward(p, saved, gaussians, cfg.GlobScale); err != nil {
			log.Fatalf("Backward failed: %v", err)
		}
	}
}

// runBackward differentiates sum(compensation) and prints gradient norms.
func runBackward(p *splat.Projector, saved *splat.Saved, gaussians []splat.Gaussian, globScale float64) error {
	n := saved.Len()
	vComp := make([]float64, n)
	for i := range vComp {
		vComp[i] = 1
	}

	start := time.Now()
	g, err := p.Backward(saved, splat.OutputGrads{Compensation: vComp}, splat.WithViewMatrixGrad())
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	var meanNorm, covNorm, scaleNorm, quatNorm float64
	for i := range n {
		meanNorm += g.Mean3D[i].Dot(g.Mean3D[i])
		for _, v := range g.Cov3D[i] {
			covNorm += v * v
		}
		vScale, vQuat := splat.Cov3DBackward(gaussians[i].Scale, globScale, gaussians[i].Rotation, g.Cov3D[i])
		scaleNorm += vScale.Dot(vScale)
		quatNorm += vQuat.Dot(vQuat)
	}

	fmt.Printf("backward: %v\n", elapsed)
	fmt.Printf("  |dL/dmean|  = %.6g\n", math.Sqrt(meanNorm))
	fmt.Printf("  |dL/dcov|   = %.6g\n", math.Sqrt(covNorm))
	fmt.Printf("  |dL/dscale| = %.6g\n", math.Sqrt(scaleNorm))
	fmt.Printf("  |dL/dquat|  = %.6g\n", math.Sqrt(quatNorm))
	if g.ViewMatrix != nil {
		var s float64
		for _, v := range g.ViewMatrix {
			s += v * v
		}
		fmt.Printf("  |dL/dview|  = %.6g\n", math.Sqrt(s))
	}
	return nil
}
