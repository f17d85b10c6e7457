package pgrid

import(
	"fmt"
	"image"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// A Grid is a single CCD's worth (or a sub-window's worth) of
// calibrated pixel values, row-major float64s. Positions elsewhere in
// the pipeline are full-frame coords; a Grid cut out of a bigger one
// remembers its origin so the two can be mapped back and forth.
type Grid struct {
	stride int
	origin image.Point // full-frame coords of the (0,0) pixel
	values []float64
}

func NewGrid(w, h int) *Grid {
	return &Grid{
		stride: w,
		values: make([]float64, w*h),
	}
}

func (g *Grid)Set(x, y int, v float64) { g.values[g.stride*y + x] = v }
func (g *Grid)Get(x, y int) float64    { return g.values[g.stride*y + x] }
func (g *Grid)Dx() int                 { return g.stride }
func (g *Grid)Dy() int                 { return len(g.values) / g.stride }
func (g *Grid)Origin() image.Point     { return g.origin }

// Values returns the backing slice; callers must treat it as read-only.
func (g *Grid)Values() []float64       { return g.values }

func (g *Grid)Copy() *Grid {
	g2 := Grid{stride: g.stride, origin: g.origin, values: make([]float64, len(g.values))}
	copy(g2.values, g.values)
	return &g2
}

func (g *Grid)Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < g.Dx() && y < g.Dy()
}

// Window cuts out a sub-grid of half-width `half` centered on the
// full-frame position (cx,cy), clipped to the grid edges. Returns nil
// if the window has no overlap with the grid at all.
func (g *Grid)Window(cx, cy float64, half int) *Grid {
	ix := int(math.Round(cx)) - g.origin.X
	iy := int(math.Round(cy)) - g.origin.Y

	x0, y0 := ix-half, iy-half
	x1, y1 := ix+half+1, iy+half+1
	if x0 < 0 { x0 = 0 }
	if y0 < 0 { y0 = 0 }
	if x1 > g.Dx() { x1 = g.Dx() }
	if y1 > g.Dy() { y1 = g.Dy() }
	if x0 >= x1 || y0 >= y1 {
		return nil
	}

	w := NewGrid(x1-x0, y1-y0)
	w.origin = image.Point{g.origin.X + x0, g.origin.Y + y0}
	for y:=y0; y<y1; y++ {
		for x:=x0; x<x1; x++ {
			w.Set(x-x0, y-y0, g.Get(x, y))
		}
	}
	return w
}

// Peak returns the location (full-frame coords) and value of the
// brightest pixel.
func (g *Grid)Peak() (int, int, float64) {
	px, py, pv := 0, 0, math.Inf(-1)
	for y:=0; y<g.Dy(); y++ {
		for x:=0; x<g.Dx(); x++ {
			if v := g.Get(x, y); v > pv {
				px, py, pv = x, y, v
			}
		}
	}
	return px + g.origin.X, py + g.origin.Y, pv
}

// GaussianSmooth convolves with a separable gaussian of the given
// FWHM, clamping at the edges. Used to suppress cosmic-ray spikes
// before peak searches.
func (g *Grid)GaussianSmooth(fwhm float64) *Grid {
	if fwhm <= 0 {
		return g.Copy()
	}

	sigma := fwhm / 2.3548200450309493 // FWHM = 2 sqrt(2 ln2) sigma
	half := int(math.Ceil(3 * sigma))
	if half < 1 { half = 1 }

	kernel := make([]float64, 2*half+1)
	sum := 0.0
	for i:=-half; i<=half; i++ {
		k := math.Exp(-0.5 * float64(i*i) / (sigma*sigma))
		kernel[i+half] = k
		sum += k
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	clamp := func(v, max int) int {
		if v < 0 { return 0 }
		if v >= max { return max-1 }
		return v
	}

	width, height := g.Dx(), g.Dy()

	//--- X pass, build up in T
	T := NewGrid(width, height)
	for y:=0; y<height; y++ {
		for x:=0; x<width; x++ {
			t := 0.0
			for i:=-half; i<=half; i++ {
				t += kernel[i+half] * g.Get(clamp(x+i, width), y)
			}
			T.Set(x, y, t)
		}
	}

	//--- Y pass, read from T and generate output
	g2 := NewGrid(width, height)
	g2.origin = g.origin
	for x:=0; x<width; x++ {
		for y:=0; y<height; y++ {
			t := 0.0
			for i:=-half; i<=half; i++ {
				t += kernel[i+half] * T.Get(x, clamp(y+i, height))
			}
			g2.Set(x, y, t)
		}
	}

	return g2
}

func (g *Grid)Stats() string {
	min, max := math.MaxFloat64, -math.MaxFloat64
	for i:=0; i<len(g.values); i++ {
		if g.values[i] > max { max = g.values[i] }
		if g.values[i] < min { min = g.values[i] }
	}
	return fmt.Sprintf("grid[%dx%d@%v, vals{%f,%f}]", g.Dx(), g.Dy(), g.origin, min, max)
}

// ClippedMean iteratively sigma-clips `vals` and returns the mean and
// RMS of the survivors, plus how many survived. `vals` is clobbered.
func ClippedMean(vals []float64, nsigma float64, maxIter int) (float64, float64, int) {
	if len(vals) == 0 {
		return 0, 0, 0
	}

	mean := stat.Mean(vals, nil)
	rms := stat.StdDev(vals, nil)

	for iter:=0; iter<maxIter; iter++ {
		if rms == 0 || math.IsNaN(rms) {
			break
		}
		kept := vals[:0]
		for _, v := range vals {
			if math.Abs(v-mean) <= nsigma*rms {
				kept = append(kept, v)
			}
		}
		if len(kept) == len(vals) || len(kept) < 2 {
			break
		}
		vals = kept
		mean = stat.Mean(vals, nil)
		rms = stat.StdDev(vals, nil)
	}

	if math.IsNaN(rms) {
		rms = 0
	}
	return mean, rms, len(vals)
}

// Median returns the median and RMS of `vals`. `vals` gets sorted.
func Median(vals []float64) (float64, float64, int) {
	if len(vals) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(vals)
	med := stat.Quantile(0.5, stat.Empirical, vals, nil)
	rms := stat.StdDev(vals, nil)
	if math.IsNaN(rms) {
		rms = 0
	}
	return med, rms, len(vals)
}
