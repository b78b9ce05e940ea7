package coverage

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ramp is the heatmap palette from empty to fully loaded.
var ramp = []color.RGBA{
	{0, 0, 0, 255},
	{32, 16, 96, 255},
	{160, 32, 96, 255},
	{240, 112, 32, 255},
	{252, 240, 160, 255},
}

// Heatmap renders the grid with scale pixels per tile. Tile counts are
// normalized to the grid maximum. A non-empty label is drawn in the top
// left corner.
func (g *Grid) Heatmap(scale int, label string) *image.RGBA {
	scale = max(scale, 1)

	small := image.NewRGBA(image.Rect(0, 0, g.Bounds.X, g.Bounds.Y))
	peak := float64(g.Max())
	for y := range g.Bounds.Y {
		for x := range g.Bounds.X {
			v := 0.0
			if peak > 0 {
				v = float64(g.At(x, y)) / peak
			}
			small.SetRGBA(x, y, rampAt(v))
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, g.Bounds.X*scale, g.Bounds.Y*scale))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), small, small.Bounds(), draw.Src, nil)

	if label != "" {
		d := &font.Drawer{
			Dst:  dst,
			Src:  image.NewUniform(color.White),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(2, basicfont.Face7x13.Ascent+2),
		}
		d.DrawString(label)
	}
	return dst
}

// rampAt interpolates the palette at v in [0, 1].
func rampAt(v float64) color.RGBA {
	if !(v > 0) {
		return ramp[0]
	}
	if v >= 1 {
		return ramp[len(ramp)-1]
	}
	pos := v * float64(len(ramp)-1)
	i := int(pos)
	f := pos - float64(i)
	a, b := ramp[i], ramp[i+1]
	lerp := func(x, y uint8) uint8 {
		return uint8(float64(x) + f*(float64(y)-float64(x)) + 0.5)
	}
	return color.RGBA{lerp(a.R, b.R), lerp(a.G, b.G), lerp(a.B, b.B), 255}
}
