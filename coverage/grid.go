package coverage

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/gogpu/splat"
)

// Grid holds per-tile splat counts in row-major order.
type Grid struct {
	Bounds     splat.TileBounds
	BlockWidth int
	Counts     []int
}

// NewGrid accumulates the tile ranges of all visible splats in proj.
func NewGrid(proj *splat.Projection, width, height, blockWidth int) (*Grid, error) {
	if err := splat.ValidateBlockWidth(blockWidth); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("coverage: image size %dx%d must be positive", width, height)
	}
	bounds := splat.NewTileBounds(width, height, blockWidth)
	g := &Grid{
		Bounds:     bounds,
		BlockWidth: blockWidth,
		Counts:     make([]int, bounds.Count()),
	}
	for i := range proj.Len() {
		if !proj.Visible(i) {
			continue
		}
		rect := splat.TileRect(proj.XYs[i], float64(proj.Radii[i]), bounds, blockWidth)
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			row := g.Counts[y*bounds.X : (y+1)*bounds.X]
			for x := rect.Min.X; x < rect.Max.X; x++ {
				row[x]++
			}
		}
	}
	return g, nil
}

// At returns the count of tile (x, y).
func (g *Grid) At(x, y int) int {
	return g.Counts[y*g.Bounds.X+x]
}

// Max returns the largest tile count.
func (g *Grid) Max() int {
	m := 0
	for _, c := range g.Counts {
		m = max(m, c)
	}
	return m
}

// Total returns the number of (tile, splat) intersections.
func (g *Grid) Total() int {
	t := 0
	for _, c := range g.Counts {
		t += c
	}
	return t
}

// Stats summarizes a projection and its grid.
type Stats struct {
	Points  int
	Visible int

	// Intersections is the total number of (tile, splat) pairs.
	Intersections int

	// TilesPerSplat is the mean and standard deviation of NumTilesHit
	// over visible splats.
	TilesPerSplatMean float64
	TilesPerSplatStd  float64

	// TileLoad is the mean and maximum per-tile count.
	TileLoadMean float64
	TileLoadMax  int

	EmptyTiles int
}

// Summarize computes Stats for proj and its grid g.
func Summarize(proj *splat.Projection, g *Grid) Stats {
	s := Stats{Points: proj.Len()}

	hits := make([]float64, 0, proj.Len())
	for i := range proj.Len() {
		if proj.Visible(i) {
			hits = append(hits, float64(proj.NumTilesHit[i]))
		}
	}
	s.Visible = len(hits)
	if len(hits) > 0 {
		s.TilesPerSplatMean, s.TilesPerSplatStd = stat.MeanStdDev(hits, nil)
		if len(hits) == 1 {
			s.TilesPerSplatStd = 0
		}
	}

	if len(g.Counts) > 0 {
		loads := make([]float64, len(g.Counts))
		for i, c := range g.Counts {
			loads[i] = float64(c)
			if c == 0 {
				s.EmptyTiles++
			}
		}
		s.Intersections = int(floats.Sum(loads))
		s.TileLoadMean = stat.Mean(loads, nil)
		s.TileLoadMax = int(floats.Max(loads))
	}
	return s
}

// String formats the stats on one line.
func (s Stats) String() string {
	return fmt.Sprintf("points=%d visible=%d intersections=%d tiles/splat=%.2f±%.2f load mean=%.2f max=%d empty=%d",
		s.Points, s.Visible, s.Intersections,
		s.TilesPerSplatMean, s.TilesPerSplatStd,
		s.TileLoadMean, s.TileLoadMax, s.EmptyTiles)
}
