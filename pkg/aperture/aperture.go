// Package aperture models the photometric apertures tracked through a
// reduction run, and the JSON artifact that defines them. Apertures
// are set up interactively elsewhere; this package only consumes the
// saved artifact.
package aperture

import (
	"fmt"
)

type Role int

const(
	Reference Role = iota // bright star whose measured motion anchors the others
	Target                // independently located, guided by the reference shift
	Linked                // never located; rides at a fixed offset from another aperture
)

func (r Role)String() string {
	switch r {
	case Reference: return "reference"
	case Target:    return "target"
	case Linked:    return "linked"
	}
	return "unknown"
}

// A Region is a circle at a fixed offset from its parent aperture.
// Mask regions exclude pixels from the sky estimate; extra regions
// add their sky-subtracted flux to the target sum.
type Region struct {
	XOff   float64 `json:"xoff"`
	YOff   float64 `json:"yoff"`
	Radius float64 `json:"radius"`
}

// An Aperture is one tracked region: target circle of radius R1, sky
// annulus between R2 and R3, centered at (X,Y).
type Aperture struct {
	Label string  `json:"-"`
	CCD   string  `json:"-"`

	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	R1 float64 `json:"r1"`
	R2 float64 `json:"r2"`
	R3 float64 `json:"r3"`

	Ref bool `json:"ref"`

	// For a linked aperture, the label of the aperture it rides on;
	// (X,Y) is then the fixed offset, not a position.
	Link string `json:"link,omitempty"`

	Mask  []Region `json:"mask,omitempty"`
	Extra []Region `json:"extra,omitempty"`
}

func (ap Aperture)Role() Role {
	switch {
	case ap.Link != "": return Linked
	case ap.Ref:        return Reference
	}
	return Target
}

func (ap Aperture)String() string {
	return fmt.Sprintf("Aperture[%s:%s %s (%.2f,%.2f) r=%.1f/%.1f/%.1f masks=%d extras=%d]",
		ap.CCD, ap.Label, ap.Role(), ap.X, ap.Y, ap.R1, ap.R2, ap.R3, len(ap.Mask), len(ap.Extra))
}

func (ap Aperture)validate() error {
	if ap.R1 <= 0 || ap.R2 <= 0 || ap.R3 <= 0 {
		return fmt.Errorf("aperture %s:%s: radii must be strictly positive", ap.CCD, ap.Label)
	}
	if ap.R1 >= ap.R2 || ap.R2 >= ap.R3 {
		return fmt.Errorf("aperture %s:%s: need r1 < r2 < r3, got %.2f/%.2f/%.2f",
			ap.CCD, ap.Label, ap.R1, ap.R2, ap.R3)
	}
	for _, reg := range append(append([]Region{}, ap.Mask...), ap.Extra...) {
		if reg.Radius <= 0 {
			return fmt.Errorf("aperture %s:%s: mask/extra radii must be strictly positive", ap.CCD, ap.Label)
		}
	}
	if ap.Link != "" && ap.Ref {
		return fmt.Errorf("aperture %s:%s: a linked aperture cannot also be a reference", ap.CCD, ap.Label)
	}
	return nil
}
