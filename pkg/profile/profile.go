// Package profile fits 2-D stellar intensity models to pixel windows,
// yielding sub-pixel centers, peak heights and widths.
package profile

import(
	"fmt"
	"math"
)

type Model int

const(
	Gaussian Model = iota
	Moffat
)

func (m Model)String() string {
	switch m {
	case Gaussian: return "gaussian"
	case Moffat:   return "moffat"
	}
	return "unknown"
}

func ModelFromName(name string) (Model, error) {
	switch name {
	case "gaussian": return Gaussian, nil
	case "moffat":   return Moffat, nil
	}
	return Gaussian, fmt.Errorf("no profile model named '%s'", name)
}

// Params are the parameters of a radial intensity model sitting on a
// flat local background.
type Params struct {
	Sky    float64 // background level, counts
	Height float64 // peak height above background, counts
	X, Y   float64 // center, full-frame pixel coords
	Fwhm   float64 // full width at half maximum, pixels
	Beta   float64 // moffat exponent; ignored for gaussian
}

// Eval returns the model value at pixel (px,py).
func (p Params)Eval(m Model, px, py float64) float64 {
	dx, dy := px-p.X, py-p.Y
	rsq := dx*dx + dy*dy

	switch m {
	case Gaussian:
		a := 4 * math.Ln2 / (p.Fwhm * p.Fwhm)
		return p.Sky + p.Height*math.Exp(-a*rsq)
	case Moffat:
		a := 4 * (math.Pow(2, 1/p.Beta) - 1) / (p.Fwhm * p.Fwhm)
		return p.Sky + p.Height*math.Pow(1+a*rsq, -p.Beta)
	}
	return p.Sky
}

// Weight returns the model's radial weight in [0,1] at (px,py) - the
// profile shape with sky and height stripped out. The optimal
// extractor uses this to weight pixels.
func (p Params)Weight(m Model, px, py float64) float64 {
	q := p
	q.Sky, q.Height = 0, 1
	return q.Eval(m, px, py)
}

// Area is the integral of the unit-peak profile over the plane, in
// pixels: the factor that converts a fitted amplitude into a flux.
func (p Params)Area(m Model) float64 {
	switch m {
	case Gaussian:
		return math.Pi * p.Fwhm * p.Fwhm / (4 * math.Ln2)
	case Moffat:
		// integral of (1 + a r^2)^-beta is pi/(a (beta-1))
		a := 4 * (math.Pow(2, 1/p.Beta) - 1) / (p.Fwhm * p.Fwhm)
		return math.Pi / (a * (p.Beta - 1))
	}
	return 0
}
