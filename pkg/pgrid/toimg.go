package pgrid

import(
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"
)

// ToImg saves the grid as an annotated grayscale PNG, gamma scaled so
// faint structure is visible. Only used for diagnostics, e.g. dumping
// the search window around an aperture that keeps failing to locate.
func (g *Grid)ToImg(title, filename string) error {
	min, max := math.MaxFloat64, -math.MaxFloat64
	for i:=0; i<len(g.values); i++ {
		if g.values[i] > max { max = g.values[i] }
		if g.values[i] < min { min = g.values[i] }
	}
	if max <= min {
		max = min + 1
	}

	img := image.NewRGBA64(image.Rectangle{Max: image.Point{g.Dx(), g.Dy()}})
	for x:=0; x<g.Dx(); x++ {
		for y:=0; y<g.Dy(); y++ {
			gray := gammaExpand((g.Get(x, y) - min) / (max - min))
			c := uint16(gray * 65535.0)
			img.Set(x, y, color.RGBA64{c, c, c, 0xFFFF})
		}
	}

	dc := gg.NewContextForImage(img)
	dc.SetRGB(1, 1, 1)
	dc.DrawString(title, 10, 14)
	return dc.SavePNG(filename)
}

// "linear to sRGB", so the dump looks sane to human vision
func gammaExpand(f float64) float64 {
	if f <= 0.0031308 {
		return 12.92 * f
	}
	return 1.055*math.Pow(f, 1.0/2.4) - 0.055
}
