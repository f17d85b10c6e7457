package reduce

import(
	"math"

	"github.com/abworrall/ccd-reduce/pkg/pgrid"
	"github.com/abworrall/ccd-reduce/pkg/profile"
)

// An extraction is the flux measurement for one aperture on one frame.
type extraction struct {
	flux, fluxErr float64
	sky, skyRMS   float64
	radius        float64 // effective target radius used
	nSky          int
	saturated     bool
}

// extract integrates sky-subtracted flux at the aperture's current
// position. Mask regions only ever affect the sky estimate; extra
// regions only ever add to the target sum.
func (r *Reducer)extract(g *pgrid.Grid, st *apState) extraction {
	cfg := r.cfg
	ap := st.ap

	ex := extraction{radius: ap.R1}
	if cfg.ExtractionMode == ModeVariable && st.haveFit {
		ex.radius = math.Min(math.Max(cfg.Rfac*st.fwhm, cfg.Rmin), cfg.Rmax)
	}

	ex.sky, ex.skyRMS, ex.nSky = r.skyLevel(g, st)

	// Optimal extraction weights pixels by the fitted profile shape,
	// for less noise on faint targets. Without a converged fit there
	// is no shape to weight by, so fall back to a uniform sum.
	optimal := cfg.ExtractionMethod == MethodOptimal && st.haveFit
	shape := profile.Params{X: st.x, Y: st.y, Fwhm: st.fwhm, Beta: st.beta}

	var sumFlux, sumVar, sumW, sumWP, sumWPP, sumWPsum, sumWPVar float64

	visit := func(cx, cy, radius float64) {
		forCircle(g, cx, cy, radius, func(x, y int, w float64) {
			v := g.Get(x, y)
			if v > cfg.SaturationLevel {
				ex.saturated = true
			}
			pixVar := math.Max(v, 0)/cfg.Gain + cfg.Readout*cfg.Readout
			sumW += w
			sumVar += w * pixVar
			if optimal {
				p := shape.Weight(cfg.Model, float64(x)+float64(g.Origin().X), float64(y)+float64(g.Origin().Y))
				sumWP += w * p * (v - ex.sky)
				sumWPP += w * p * p
				sumWPsum += w * p
				sumWPVar += w * p * w * p * pixVar
			} else {
				sumFlux += w * (v - ex.sky)
			}
		})
	}

	visit(st.x, st.y, ex.radius)
	for _, reg := range ap.Extra {
		visit(st.x+reg.XOff, st.y+reg.YOff, reg.Radius)
	}

	var variance float64
	if optimal && sumWPP > 0 {
		// The weighted estimator recovers the profile amplitude; the
		// profile's area converts that into a flux on the same scale
		// as a plain sum. The flux is a linear combination of pixels
		// with coefficients scale*w*p, so its variance follows the
		// same combination, plus the sky-estimate term.
		scale := shape.Area(cfg.Model) / sumWPP
		ex.flux = sumWP * scale
		variance = scale * scale * sumWPVar
		if ex.nSky > 0 {
			variance += scale * sumWPsum * scale * sumWPsum * ex.skyRMS * ex.skyRMS / float64(ex.nSky)
		}
	} else {
		ex.flux = sumFlux
		// Photon + readout noise over the summed pixels, plus the
		// error contributed by the sky estimate itself.
		variance = sumVar
		if ex.nSky > 0 {
			variance += sumW * sumW * ex.skyRMS * ex.skyRMS / float64(ex.nSky)
		}
	}
	ex.fluxErr = math.Sqrt(variance)

	return ex
}

// skyLevel estimates the background from the annulus [R2,R3], with
// mask regions cut out, using a robust statistic so stars and cosmic
// rays in the annulus don't drag it around.
func (r *Reducer)skyLevel(g *pgrid.Grid, st *apState) (float64, float64, int) {
	ap := st.ap
	vals := []float64{}

	forAnnulus(g, st.x, st.y, ap.R2, ap.R3, func(x, y int) {
		px := float64(x + g.Origin().X)
		py := float64(y + g.Origin().Y)
		for _, reg := range ap.Mask {
			if math.Hypot(px-(st.x+reg.XOff), py-(st.y+reg.YOff)) <= reg.Radius {
				return
			}
		}
		vals = append(vals, g.Get(x, y))
	})

	if len(vals) == 0 {
		return 0, 0, 0
	}

	if r.cfg.SkyMethod == SkyMedian {
		return pgrid.Median(vals)
	}
	return pgrid.ClippedMean(vals, r.cfg.SkyThresh, 10)
}

// forCircle visits every pixel within `radius` of (cx,cy), handing
// the callback a weight that ramps linearly from 1 to 0 across the
// final pixel, so flux doesn't jump as a circle boundary crosses
// pixel centers.
func forCircle(g *pgrid.Grid, cx, cy, radius float64, f func(x, y int, w float64)) {
	org := g.Origin()
	x0 := int(math.Floor(cx-radius)) - org.X - 1
	x1 := int(math.Ceil(cx+radius)) - org.X + 1
	y0 := int(math.Floor(cy-radius)) - org.Y - 1
	y1 := int(math.Ceil(cy+radius)) - org.Y + 1

	for y:=y0; y<=y1; y++ {
		for x:=x0; x<=x1; x++ {
			if !g.Contains(x, y) {
				continue
			}
			d := math.Hypot(float64(x+org.X)-cx, float64(y+org.Y)-cy)
			w := radius + 0.5 - d
			if w <= 0 {
				continue
			}
			if w > 1 {
				w = 1
			}
			f(x, y, w)
		}
	}
}

// forAnnulus visits every pixel whose center falls inside [rIn, rOut]
// of (cx,cy).
func forAnnulus(g *pgrid.Grid, cx, cy, rIn, rOut float64, f func(x, y int)) {
	org := g.Origin()
	x0 := int(math.Floor(cx-rOut)) - org.X
	x1 := int(math.Ceil(cx+rOut)) - org.X
	y0 := int(math.Floor(cy-rOut)) - org.Y
	y1 := int(math.Ceil(cy+rOut)) - org.Y

	for y:=y0; y<=y1; y++ {
		for x:=x0; x<=x1; x++ {
			if !g.Contains(x, y) {
				continue
			}
			d := math.Hypot(float64(x+org.X)-cx, float64(y+org.Y)-cy)
			if d >= rIn && d <= rOut {
				f(x, y)
			}
		}
	}
}
