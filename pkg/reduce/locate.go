package reduce

import(
	"log"
	"math"

	"github.com/abworrall/ccd-reduce/pkg/pgrid"
	"github.com/abworrall/ccd-reduce/pkg/profile"
)

// locate is the two-stage search-then-refine for one aperture in one
// frame, anchored on (ax,ay) - always a *reliable* position, never a
// stale unupdated one. Returns the fit and a reliability verdict.
//
// Stage 1 smooths the search window to suppress cosmic-ray spikes and
// takes the coarse peak. Stage 2 refines with a profile fit in a
// tighter window. A fitted center beyond the search window is a
// non-detection: the engine never extrapolates past what it searched.
func (r *Reducer)locate(g *pgrid.Grid, ax, ay, hmin, fwhm, beta float64) (profile.Fit, bool) {
	cfg := r.cfg

	w := g.Window(ax, ay, cfg.SearchHalfWidth)
	if w == nil {
		return profile.Fit{}, false
	}

	sm := w.GaussianSmooth(cfg.SmoothFwhm)
	px, py, pv := sm.Peak()

	// The smoothed peak height check is the more consistent one: the
	// seeing-limited raw peak height varies wildly, the smoothed one
	// doesn't.
	sky, _, _ := pgrid.Median(sm.Copy().Values())
	if pv-sky < hmin {
		return profile.Fit{}, false
	}

	fit := r.refine(g, float64(px), float64(py), fwhm, beta)

	// Verdict also requires the fitted center to sit inside the area
	// actually searched. Half a pixel of slack covers a source at
	// exactly the window boundary; a source one pixel beyond fails.
	ok := fit.Converged && fit.Height >= hmin &&
		math.Abs(fit.X-ax) <= float64(cfg.SearchHalfWidth)+0.5 &&
		math.Abs(fit.Y-ay) <= float64(cfg.SearchHalfWidth)+0.5

	if !ok && cfg.Verbosity > 1 {
		log.Printf("%v near (%.1f,%.1f): converged=%v height=%.1f (hmin %.1f)\n",
			ErrNonDetection, ax, ay, fit.Converged, fit.Height, hmin)
		if cfg.Verbosity > 2 {
			sm.ToImg("failed search window", "search-window.png")
		}
	}

	return fit, ok
}

// refineAt is stage 2 alone: a profile fit around a predicted
// position. Used for dependents once drift is compensated - the
// search stage buys nothing when the prediction is already good. The
// fit_max_shift leash rejects fits that wander off the prediction,
// e.g. onto a cosmic ray.
func (r *Reducer)refineAt(g *pgrid.Grid, px, py, hmin, fwhm, beta float64) (profile.Fit, bool) {
	fit := r.refine(g, px, py, fwhm, beta)

	ok := fit.Converged && fit.Height >= hmin
	if ok && r.cfg.FitMaxShift > 0 {
		ok = math.Hypot(fit.X-px, fit.Y-py) <= r.cfg.FitMaxShift
	}
	return fit, ok
}

func (r *Reducer)refine(g *pgrid.Grid, px, py, fwhm, beta float64) profile.Fit {
	cfg := r.cfg

	fw := g.Window(px, py, cfg.FitHalfWidth)
	if fw == nil {
		return profile.Fit{}
	}

	sky, _, _ := pgrid.Median(fw.Copy().Values())
	ix := int(math.Round(px)) - fw.Origin().X
	iy := int(math.Round(py)) - fw.Origin().Y
	height := sky
	if fw.Contains(ix, iy) {
		height = fw.Get(ix, iy)
	}

	seed := profile.Params{
		Sky:    sky,
		Height: height - sky,
		X:      px,
		Y:      py,
		Fwhm:   fwhm,
		Beta:   beta,
	}

	return profile.FitWindow(fw, seed, profile.Options{
		Model:     cfg.Model,
		FwhmFixed: cfg.FwhmFixed,
		FwhmMin:   cfg.FwhmMin,
		BetaMax:   cfg.BetaMax,
		Thresh:    cfg.Thresh,
	})
}
