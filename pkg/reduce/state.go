package reduce

import(
	"time"

	"github.com/abworrall/ccd-reduce/pkg/aperture"
)

type Status int

const(
	Unlocated  Status = iota // never yet reliably located
	OK                       // located this frame
	Unreliable               // locate failed; frozen at last reliable position, retried next frame
	Lost                     // too many consecutive failures; never retried again
)

func (s Status)String() string {
	switch s {
	case Unlocated:  return "UNLOCATED"
	case OK:         return "OK"
	case Unreliable: return "UNRELIABLE"
	case Lost:       return "LOST"
	}
	return "?"
}

// apState is the engine's per-aperture record, threaded frame to
// frame. It is mutated by exactly one goroutine per frame (the one
// handling its CCD), so needs no locking.
type apState struct {
	ap aperture.Aperture

	status Status
	x, y   float64 // current position; frozen while status records failures

	relX, relY float64 // last reliable position - the only search anchor ever used

	fwhm, beta float64 // shape from the last converged fit; seeds the next one
	haveFit    bool    // true once any fit has converged (optimal weights are usable)

	badStreak int // consecutive unreliable frames
}

func newApState(ap aperture.Aperture, cfg Config) *apState {
	return &apState{
		ap:   ap,
		x:    ap.X, y: ap.Y,
		relX: ap.X, relY: ap.Y,
		fwhm: cfg.Fwhm,
		beta: cfg.Beta,
	}
}

// markReliable accepts a new position, the only way a position ever
// changes.
func (st *apState)markReliable(x, y, fwhm, beta float64) {
	st.status = OK
	st.x, st.y = x, y
	st.relX, st.relY = x, y
	st.fwhm, st.beta = fwhm, beta
	st.haveFit = true
	st.badStreak = 0
}

// markUnreliable records a failed locate; position stays frozen. Once
// the streak exceeds maxStreak the aperture is lost for good.
func (st *apState)markUnreliable(maxStreak int) {
	if st.status == Lost {
		return
	}
	st.status = Unreliable
	st.badStreak++
	if st.badStreak > maxStreak {
		st.status = Lost
	}
}

// A Measure is one aperture's outcome for one frame.
type Measure struct {
	CCD, Label string
	Status     Status
	Located    bool // position was reliably measured this frame

	X, Y float64

	Extracted bool // flux columns are meaningful
	Flux      float64
	FluxErr   float64
	Sky       float64
	Fwhm      float64
	Radius    float64 // effective target radius used
	Saturated bool
}

// A Row is everything the engine says about one frame: the outcome
// for every aperture, plus whether positions were allowed to update.
// Rows handed to monitors are immutable snapshots.
type Row struct {
	Seq   int
	Time  time.Time
	Valid bool
	Aps   []Measure // ordered by CCD label then aperture label
}
