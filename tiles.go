package splat

import (
	"fmt"
	"image"

	"github.com/go-gl/mathgl/mgl64"
)

// TileBounds is the size of the tile grid covering an image, in tiles.
type TileBounds struct {
	X, Y int
}

// NewTileBounds returns the tile grid for a width x height image split into
// blockWidth x blockWidth tiles. Edge tiles may be partial.
func NewTileBounds(width, height, blockWidth int) TileBounds {
	return TileBounds{
		X: (width + blockWidth - 1) / blockWidth,
		Y: (height + blockWidth - 1) / blockWidth,
	}
}

// Count returns the number of tiles in the grid.
func (b TileBounds) Count() int {
	return b.X * b.Y
}

// TileRect returns the half-open range of tiles touched by the square
// [xy - radius, xy + radius], clipped to the grid. The rectangle is empty
// when the square lies outside the image.
func TileRect(xy mgl64.Vec2, radius float64, bounds TileBounds, blockWidth int) image.Rectangle {
	bw := float64(blockWidth)
	cx, cy := xy[0]/bw, xy[1]/bw
	r := radius / bw
	return image.Rectangle{
		Min: image.Point{
			X: tileIndex(cx-r, bounds.X),
			Y: tileIndex(cy-r, bounds.Y),
		},
		Max: image.Point{
			X: tileIndex(cx+r+1, bounds.X),
			Y: tileIndex(cy+r+1, bounds.Y),
		},
	}
}

// TilesHit returns the number of tiles in the range computed by TileRect.
func TilesHit(xy mgl64.Vec2, radius float64, bounds TileBounds, blockWidth int) int {
	rect := TileRect(xy, radius, bounds, blockWidth)
	return rect.Dx() * rect.Dy()
}

// ValidateBlockWidth reports whether the tile side length is in
// [MinBlockWidth, MaxBlockWidth].
func ValidateBlockWidth(blockWidth int) error {
	if blockWidth < MinBlockWidth || blockWidth > MaxBlockWidth {
		return invalidInput("block_width", fmt.Sprintf("%d", blockWidth),
			fmt.Sprintf("must be between %d and %d inclusive", MinBlockWidth, MaxBlockWidth))
	}
	return nil
}

// tileIndex truncates v toward zero and clamps it to [0, hi]. Clamping
// happens in floating point so that far off-screen splats cannot overflow
// the integer conversion.
func tileIndex(v float64, hi int) int {
	if !(v > 0) {
		return 0
	}
	if v >= float64(hi) {
		return hi
	}
	return int(v)
}
