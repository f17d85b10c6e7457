package profile

import(
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/abworrall/ccd-reduce/pkg/pgrid"
)

// Options controls a fit.
type Options struct {
	Model     Model
	FwhmFixed bool    // hold FWHM at its seed value (defocused targets)
	FwhmMin   float64 // floor for a free FWHM
	BetaMax   float64 // ceiling for the moffat exponent
	Thresh    float64 // sigma rejection threshold for outlier pixels
	MaxIter   int
}

// Fit is the outcome of fitting a model to a window. A fit that did
// not converge, or converged onto a non-positive height, is a
// non-detection; that call is the caller's to make.
type Fit struct {
	Params
	Converged bool
	Iters     int
	RMS       float64 // residual RMS of unclipped pixels
	NRejected int     // pixels down-weighted as outliers
}

const(
	defaultMaxIter = 30
	posTol         = 1e-4 // parameter-shift convergence tolerance, pixels
)

// FitWindow fits the model to the window by iterative linearised
// least squares, re-solving with cosmic-ray-ish outliers zero-weighted
// once residuals are known. The seed should come from a smoothed
// coarse search so the first linearisation is trustworthy.
func FitWindow(w *pgrid.Grid, seed Params, opt Options) Fit {
	if opt.MaxIter <= 0 {
		opt.MaxIter = defaultMaxIter
	}

	fit := Fit{Params: seed}
	n := w.Dx() * w.Dy()

	// sky, height, x, y, then optionally fwhm, then optionally beta
	np := 4
	if !opt.FwhmFixed {
		np++
	}
	fitBeta := opt.Model == Moffat && !opt.FwhmFixed
	if fitBeta {
		np++
	}
	if n <= np {
		return fit
	}

	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}

	J := mat.NewDense(n, np, nil)
	r := mat.NewVecDense(n, nil)
	var delta mat.VecDense

	for iter:=0; iter<opt.MaxIter; iter++ {
		fit.Iters = iter + 1

		buildSystem(w, fit.Params, opt, fitBeta, weights, J, r)

		if err := delta.SolveVec(J, r); err != nil {
			return fit // singular; give up unconverged
		}

		p := &fit.Params
		p.Sky += delta.AtVec(0)
		p.Height += delta.AtVec(1)
		p.X += delta.AtVec(2)
		p.Y += delta.AtVec(3)
		k := 4
		if !opt.FwhmFixed {
			p.Fwhm += delta.AtVec(k)
			if p.Fwhm < opt.FwhmMin {
				p.Fwhm = opt.FwhmMin
			}
			k++
		}
		if fitBeta {
			p.Beta += delta.AtVec(k)
			if p.Beta < 1.01 {
				p.Beta = 1.01
			}
			if opt.BetaMax > 0 && p.Beta > opt.BetaMax {
				p.Beta = opt.BetaMax
			}
		}

		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsNaN(p.Height) {
			return fit
		}

		// Re-weight: clip pixels whose residual exceeds thresh sigma
		rms, nRej := clipOutliers(w, fit.Params, opt, weights)
		fit.RMS = rms
		fit.NRejected = nRej

		shift := math.Hypot(delta.AtVec(2), delta.AtVec(3))
		if shift < posTol && iter > 0 {
			fit.Converged = true
			return fit
		}
	}

	return fit
}

// buildSystem fills the (weighted) Jacobian and residual vector for
// the current parameter estimate. Partials are analytic except the
// moffat beta, which is cheap to do numerically.
func buildSystem(w *pgrid.Grid, p Params, opt Options, fitBeta bool, weights []float64, J *mat.Dense, r *mat.VecDense) {
	org := w.Origin()
	i := 0
	for y:=0; y<w.Dy(); y++ {
		for x:=0; x<w.Dx(); x++ {
			px, py := float64(org.X+x), float64(org.Y+y)
			dx, dy := px-p.X, py-p.Y
			rsq := dx*dx + dy*dy
			wt := weights[i]

			// e is the unit profile; dfDrsq and dfDa are the partials
			// of the model w.r.t. r^2 and the width coefficient a.
			var e, dfDrsq, dfDa, a float64
			switch opt.Model {
			case Gaussian:
				a = 4 * math.Ln2 / (p.Fwhm * p.Fwhm)
				e = math.Exp(-a * rsq)
				dfDrsq = -p.Height * a * e
				dfDa = -p.Height * rsq * e
			case Moffat:
				a = 4 * (math.Pow(2, 1/p.Beta) - 1) / (p.Fwhm * p.Fwhm)
				d := 1 + a*rsq
				e = math.Pow(d, -p.Beta)
				t := math.Pow(d, -p.Beta-1)
				dfDrsq = -p.Height * p.Beta * a * t
				dfDa = -p.Height * p.Beta * rsq * t
			}

			J.Set(i, 0, wt*1)
			J.Set(i, 1, wt*e)
			J.Set(i, 2, wt*dfDrsq*(-2*dx)) // d(rsq)/dX = -2dx
			J.Set(i, 3, wt*dfDrsq*(-2*dy))
			k := 4
			if !opt.FwhmFixed {
				// da/dFwhm = -2a/Fwhm
				J.Set(i, k, wt*dfDa*(-2*a/p.Fwhm))
				k++
			}
			if fitBeta {
				const db = 1e-5
				pb := p
				pb.Beta += db
				J.Set(i, k, wt*(pb.Eval(opt.Model, px, py)-p.Eval(opt.Model, px, py))/db)
			}

			r.SetVec(i, wt*(w.Get(x, y)-p.Eval(opt.Model, px, py)))
			i++
		}
	}
}

// clipOutliers recomputes residuals, zero-weighting pixels beyond
// thresh*rms; returns the rms of currently-weighted pixels and the
// total rejected count.
func clipOutliers(w *pgrid.Grid, p Params, opt Options, weights []float64) (float64, int) {
	org := w.Origin()
	sumsq, n := 0.0, 0
	i := 0
	for y:=0; y<w.Dy(); y++ {
		for x:=0; x<w.Dx(); x++ {
			if weights[i] > 0 {
				res := w.Get(x, y) - p.Eval(opt.Model, float64(org.X+x), float64(org.Y+y))
				sumsq += res * res
				n++
			}
			i++
		}
	}
	if n == 0 {
		return 0, len(weights)
	}
	rms := math.Sqrt(sumsq / float64(n))

	nRej := 0
	if opt.Thresh > 0 && rms > 0 {
		i = 0
		for y:=0; y<w.Dy(); y++ {
			for x:=0; x<w.Dx(); x++ {
				res := w.Get(x, y) - p.Eval(opt.Model, float64(org.X+x), float64(org.Y+y))
				if math.Abs(res) > opt.Thresh*rms {
					weights[i] = 0
				}
				if weights[i] == 0 {
					nRej++
				}
				i++
			}
		}
	}
	return rms, nRej
}
