// Package coverage turns a forward projection into a per-tile view of the
// rasterizer's workload.
//
// A Grid counts, for every tile of the image, the splats whose tile range
// (see splat.TileRect) covers it. The sum over the grid equals the sum of
// Projection.NumTilesHit, which is the number of (tile, splat) pairs a
// tile-based rasterizer has to sort.
//
// Heatmap renders a grid as an image and Encode writes it as PNG or WebP:
//
//	grid, err := coverage.NewGrid(proj, cam.Width, cam.Height, 16)
//	img := grid.Heatmap(8, "tile load")
//	err = coverage.Save("load.webp", img)
package coverage
