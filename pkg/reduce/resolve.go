package reduce

import(
	"log"
	"math"

	"github.com/abworrall/ccd-reduce/pkg/pgrid"
	"github.com/abworrall/ccd-reduce/pkg/profile"
)

// A consensus is one CCD's view of the frame's drift, aggregated from
// its reference apertures.
type consensus struct {
	haveShift  bool    // at least one reliable reference shift
	consistent bool    // pairwise shifts agree to within fit_diff
	dx, dy     float64 // the shift dependents should be predicted with

	fits map[string]profile.Fit // reliable reference fits, to apply if the frame holds up
}

// resolveReferences locates every still-trackable reference aperture
// on one CCD and distills their shifts into one consensus. Shifts are
// measured against each reference's last reliable position.
//
// The consistency check runs on the raw shifts; smoothing happens
// after, so a corrupted reference can't leak into the smoothed state
// before being caught.
func (r *Reducer)resolveReferences(g *pgrid.Grid, ccd string) consensus {
	cons := consensus{consistent: true, fits: map[string]profile.Fit{}}

	type shift struct{ dx, dy float64 }
	shifts := []shift{}

	for _, label := range r.refLabels[ccd] {
		st := r.states[ccd][label]
		if st.status == Lost {
			continue
		}
		fit, ok := r.locate(g, st.relX, st.relY, r.cfg.HeightMinRef, st.fwhm, st.beta)
		if !ok {
			continue
		}
		cons.fits[label] = fit
		shifts = append(shifts, shift{fit.X - st.relX, fit.Y - st.relY})
	}

	if len(shifts) == 0 {
		return cons // no consensus available; dependents fall back to their own history
	}

	// With two or more references, they must agree with each other.
	// One meteor-struck reference must freeze the frame rather than
	// drag every other aperture with it.
	for i:=0; i<len(shifts); i++ {
		for j:=i+1; j<len(shifts); j++ {
			d := math.Hypot(shifts[i].dx-shifts[j].dx, shifts[i].dy-shifts[j].dy)
			if d > r.cfg.FitDiff {
				if r.cfg.Verbosity > 0 {
					log.Printf("ccd %s: %v: %.2f > fit_diff %.2f, freezing frame\n",
						ccd, ErrReferenceInconsistency, d, r.cfg.FitDiff)
				}
				cons.consistent = false
				return cons
			}
		}
	}

	dx, dy := 0.0, 0.0
	for _, s := range shifts {
		dx += s.dx
		dy += s.dy
	}
	dx /= float64(len(shifts))
	dy /= float64(len(shifts))

	cons.haveShift = true
	cons.dx, cons.dy = dx, dy
	return cons
}

// applySmoothing folds the frame's raw consensus shift into the CCD's
// running smoothed shift, when fit_alpha is configured. The smoothed
// value becomes the prediction; reference positions themselves always
// take their measured values.
func (r *Reducer)applySmoothing(ccd string, cons *consensus) {
	if r.cfg.FitAlpha == 0 || !cons.haveShift {
		return
	}
	sm := r.smoothed[ccd]
	sm.dx = r.cfg.FitAlpha*cons.dx + (1-r.cfg.FitAlpha)*sm.dx
	sm.dy = r.cfg.FitAlpha*cons.dy + (1-r.cfg.FitAlpha)*sm.dy
	cons.dx, cons.dy = sm.dx, sm.dy
}

type smoothShift struct {
	dx, dy float64
}
