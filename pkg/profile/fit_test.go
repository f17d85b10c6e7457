package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abworrall/ccd-reduce/pkg/pgrid"
)

// render bakes the model into a fresh grid, pixel centers at integer
// coords.
func render(w, h int, m Model, p Params) *pgrid.Grid {
	g := pgrid.NewGrid(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g.Set(x, y, p.Eval(m, float64(x), float64(y)))
		}
	}
	return g
}

func TestFitGaussian(t *testing.T) {
	t.Parallel()

	truth := Params{Sky: 100, Height: 1500, X: 20.3, Y: 19.6, Fwhm: 4.2}
	g := render(41, 41, Gaussian, truth)

	// seed is off by over a pixel in each axis, and 25% in width
	seed := Params{Sky: 90, Height: 1000, X: 19, Y: 21, Fwhm: 5.2}
	fit := FitWindow(g, seed, Options{Model: Gaussian, FwhmMin: 1.5, Thresh: 5})

	require.True(t, fit.Converged, "fit did not converge in %d iters", fit.Iters)
	assert.InDelta(t, truth.X, fit.X, 1e-3)
	assert.InDelta(t, truth.Y, fit.Y, 1e-3)
	assert.InDelta(t, truth.Height, fit.Height, 1.0)
	assert.InDelta(t, truth.Fwhm, fit.Fwhm, 0.01)
	assert.InDelta(t, truth.Sky, fit.Sky, 0.5)
}

func TestFitMoffat(t *testing.T) {
	t.Parallel()

	truth := Params{Sky: 50, Height: 2000, X: 21.7, Y: 20.4, Fwhm: 5.0, Beta: 3.5}
	g := render(43, 43, Moffat, truth)

	seed := Params{Sky: 40, Height: 1500, X: 21, Y: 21, Fwhm: 5.5, Beta: 4}
	fit := FitWindow(g, seed, Options{Model: Moffat, FwhmMin: 1.5, BetaMax: 20, Thresh: 5})

	require.True(t, fit.Converged)
	assert.InDelta(t, truth.X, fit.X, 1e-2)
	assert.InDelta(t, truth.Y, fit.Y, 1e-2)
	assert.InDelta(t, truth.Fwhm, fit.Fwhm, 0.1)
	assert.InDelta(t, truth.Beta, fit.Beta, 0.2)
}

func TestFitFwhmFixed(t *testing.T) {
	t.Parallel()

	// data is broader than the pinned width; center must still land
	truth := Params{Sky: 100, Height: 800, X: 15.4, Y: 14.8, Fwhm: 6}
	g := render(31, 31, Gaussian, truth)

	seed := Params{Sky: 100, Height: 800, X: 14, Y: 16, Fwhm: 4.5}
	fit := FitWindow(g, seed, Options{Model: Gaussian, FwhmFixed: true, Thresh: 0})

	require.True(t, fit.Converged)
	assert.Equal(t, 4.5, fit.Fwhm, "pinned width must not move")
	assert.InDelta(t, truth.X, fit.X, 0.05)
	assert.InDelta(t, truth.Y, fit.Y, 0.05)
}

func TestFitRejectsCosmicRay(t *testing.T) {
	t.Parallel()

	truth := Params{Sky: 100, Height: 1200, X: 20, Y: 20, Fwhm: 4}
	g := render(41, 41, Gaussian, truth)
	g.Set(30, 8, 40000) // hot pixel well away from the star

	seed := Params{Sky: 95, Height: 900, X: 19.2, Y: 20.7, Fwhm: 4.8}
	fit := FitWindow(g, seed, Options{Model: Gaussian, FwhmMin: 1.5, Thresh: 4})

	require.True(t, fit.Converged)
	assert.GreaterOrEqual(t, fit.NRejected, 1)
	assert.InDelta(t, truth.X, fit.X, 0.02)
	assert.InDelta(t, truth.Y, fit.Y, 0.02)
	assert.InDelta(t, truth.Height, fit.Height, 20.0)
}

func TestFitTinyWindow(t *testing.T) {
	t.Parallel()

	// fewer pixels than parameters: no fit, no panic
	g := pgrid.NewGrid(2, 2)
	fit := FitWindow(g, Params{Fwhm: 4}, Options{Model: Gaussian})
	assert.False(t, fit.Converged)
}

func TestFitFwhmFloor(t *testing.T) {
	t.Parallel()

	// a single-pixel spike drives the width toward zero; the floor
	// must hold it up rather than let the model degenerate
	g := pgrid.NewGrid(21, 21)
	g.Set(10, 10, 5000)

	seed := Params{Sky: 0, Height: 5000, X: 10, Y: 10, Fwhm: 3}
	fit := FitWindow(g, seed, Options{Model: Gaussian, FwhmMin: 1.5, Thresh: 0})
	assert.GreaterOrEqual(t, fit.Fwhm, 1.5)
}

func TestModelFromName(t *testing.T) {
	t.Parallel()

	m, err := ModelFromName("gaussian")
	require.NoError(t, err)
	assert.Equal(t, Gaussian, m)

	m, err = ModelFromName("moffat")
	require.NoError(t, err)
	assert.Equal(t, Moffat, m)
	assert.Equal(t, "moffat", m.String())

	_, err = ModelFromName("lorentzian")
	assert.Error(t, err)
}

func TestArea(t *testing.T) {
	t.Parallel()

	// pixel-sum of a rendered profile should match the analytic area
	// times the peak height
	for _, m := range []Model{Gaussian, Moffat} {
		p := Params{Height: 1000, X: 40, Y: 40, Fwhm: 4, Beta: 3.5}
		g := render(81, 81, m, p)
		sum := 0.0
		for _, v := range g.Values() {
			sum += v
		}
		assert.InDelta(t, p.Height*p.Area(m), sum, 0.01*sum, "model %v", m)
	}
}
