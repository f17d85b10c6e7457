package reduce

import(
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/abworrall/ccd-reduce/pkg/aperture"
	"github.com/abworrall/ccd-reduce/pkg/frame"
	"github.com/abworrall/ccd-reduce/pkg/pgrid"
	"github.com/abworrall/ccd-reduce/pkg/profile"
)

// A Reducer owns all per-aperture state across frames and sequences
// the per-frame pipeline: resolve the reference consensus, position
// the dependents, extract flux, emit one Row. Frames are strictly
// sequential - each frame's predictions depend on the previous
// frame's accepted state - but CCDs are independent within a frame
// and run concurrently, with a barrier between the reference stage
// and the dependent stage.
type Reducer struct {
	cfg Config
	aps aperture.Set

	ccds      []string // sorted CCD labels
	refLabels map[string][]string
	tgtLabels map[string][]string
	lnkLabels map[string][]string

	states   map[string]map[string]*apState
	smoothed map[string]*smoothShift

	logw     *LogWriter
	monitors []Monitor

	nFrames int
}

func New(cfg Config, aps aperture.Set, logw *LogWriter) *Reducer {
	r := &Reducer{
		cfg:       cfg,
		aps:       aps,
		ccds:      aps.CCDs(),
		refLabels: map[string][]string{},
		tgtLabels: map[string][]string{},
		lnkLabels: map[string][]string{},
		states:    map[string]map[string]*apState{},
		smoothed:  map[string]*smoothShift{},
		logw:      logw,
	}

	for _, cnam := range r.ccds {
		r.states[cnam] = map[string]*apState{}
		r.smoothed[cnam] = &smoothShift{}
		for _, label := range aps.Labels(cnam) {
			ap := aps[cnam][label]
			r.states[cnam][label] = newApState(ap, cfg)
			switch ap.Role() {
			case aperture.Reference:
				r.refLabels[cnam] = append(r.refLabels[cnam], label)
			case aperture.Target:
				r.tgtLabels[cnam] = append(r.tgtLabels[cnam], label)
			case aperture.Linked:
				r.lnkLabels[cnam] = append(r.lnkLabels[cnam], label)
			}
		}
		// A linked aperture's (X,Y) is an offset, not a position; its
		// starting position comes from its host.
		r.mirrorLinked(cnam)
	}

	return r
}

// AddMonitor registers an observer for live per-frame snapshots.
func (r *Reducer)AddMonitor(m Monitor) {
	r.monitors = append(r.monitors, m)
}

// Run consumes the source until it is exhausted or ctx is cancelled.
// Cancellation is honoured between frames, after the current row has
// been durably appended, and counts as a clean abort. Per-frame and
// per-aperture trouble is recorded in the log; only I/O failures
// come back as errors.
func (r *Reducer)Run(ctx context.Context, src frame.Source) error {
	src = frame.NewPrefetcher(frame.SkipTo(src, r.cfg.First))

	log.Printf("reduction starting at frame %d\n", r.cfg.First)

	for {
		select {
		case <-ctx.Done():
			log.Printf("reduction stopped cleanly after %d frames\n", r.nFrames)
			return nil
		default:
		}

		f, err := src.Next()
		if errors.Is(err, io.EOF) {
			log.Printf("reduction complete: %d frames\n", r.nFrames)
			return nil
		} else if err != nil {
			return fmt.Errorf("frame source: %w", err)
		}

		row := r.ReduceFrame(f)

		if err := r.logw.WriteRow(row); err != nil {
			return err
		}
		for _, m := range r.monitors {
			m.OnRow(row)
		}
		r.nFrames++
	}
}

// ReduceFrame runs the whole per-frame pipeline and returns the Row.
// Replaying an identical frame sequence yields identical rows.
func (r *Reducer)ReduceFrame(f *frame.Frame) Row {
	// Stage 1: reference consensus, one goroutine per CCD.
	conses := make([]consensus, len(r.ccds))
	var wg sync.WaitGroup
	for i, cnam := range r.ccds {
		g, exists := f.CCDs[cnam]
		if !exists {
			conses[i] = consensus{consistent: true}
			continue
		}
		wg.Add(1)
		go func(i int, cnam string) {
			defer wg.Done()
			conses[i] = r.resolveReferences(g, cnam)
		}(i, cnam)
	}
	wg.Wait()

	// One corrupted reference anywhere freezes the whole frame: no
	// aperture's position may update, even ones individually located
	// fine, and no flux is extracted.
	valid := true
	for _, cons := range conses {
		if !cons.consistent {
			valid = false
		}
	}

	// Stage 2: accept reference fits, position dependents, extract.
	if valid {
		for i, cnam := range r.ccds {
			g, exists := f.CCDs[cnam]
			if !exists {
				// Data loss for this CCD: every non-lost aperture records
				// a failed frame at its frozen position. Linked apertures
				// still track their host's status, so a host going lost
				// during the gap takes its links with it.
				for _, label := range r.aps.Labels(cnam) {
					st := r.states[cnam][label]
					if st.ap.Role() != aperture.Linked {
						st.markUnreliable(r.cfg.MaxUnreliableStreak)
					}
				}
				r.mirrorLinked(cnam)
				continue
			}
			wg.Add(1)
			go func(cnam string, g *pgrid.Grid, cons consensus) {
				defer wg.Done()
				r.reduceCCD(g, cnam, cons)
			}(cnam, g, conses[i])
		}
		wg.Wait()
	}

	return r.makeRow(f, valid)
}

// reduceCCD finishes one CCD's frame after the global barrier:
// reference positions update from their own fits, targets are
// refined at their predicted positions, linked apertures ride their
// hosts, and everything still trackable gets extracted.
func (r *Reducer)reduceCCD(g *pgrid.Grid, cnam string, cons consensus) {
	cfg := r.cfg

	for _, label := range r.refLabels[cnam] {
		st := r.states[cnam][label]
		if st.status == Lost {
			continue
		}
		if fit, exists := cons.fits[label]; exists {
			st.markReliable(fit.X, fit.Y, fit.Fwhm, fit.Beta)
		} else {
			st.markUnreliable(cfg.MaxUnreliableStreak)
		}
	}

	r.applySmoothing(cnam, &cons)

	for _, label := range r.tgtLabels[cnam] {
		st := r.states[cnam][label]
		if st.status == Lost {
			continue
		}

		var ok bool
		var fit profile.Fit
		if cons.haveShift {
			// Drift is compensated; searching again would only invite
			// cosmic rays, so go straight to the fit.
			fit, ok = r.refineAt(g, st.relX+cons.dx, st.relY+cons.dy, cfg.HeightMinNrf, st.fwhm, st.beta)
		} else {
			// No reference consensus this frame; fall back to a full
			// independent locate anchored on this aperture's own history.
			fit, ok = r.locate(g, st.relX, st.relY, cfg.HeightMinNrf, st.fwhm, st.beta)
		}

		if ok {
			st.markReliable(fit.X, fit.Y, fit.Fwhm, fit.Beta)
		} else {
			st.markUnreliable(cfg.MaxUnreliableStreak)
		}
	}

	r.mirrorLinked(cnam)
}

// mirrorLinked re-derives every linked aperture on one CCD from its
// host. Linked apertures are never located: position is always host
// position plus the offset recorded at link time, and the status
// simply mirrors the host's. A frozen host freezes its links; a lost
// host loses them.
func (r *Reducer)mirrorLinked(cnam string) {
	for _, label := range r.lnkLabels[cnam] {
		st := r.states[cnam][label]
		host := r.states[cnam][st.ap.Link]
		st.x = host.x + st.ap.X
		st.y = host.y + st.ap.Y
		st.relX, st.relY = st.x, st.y
		st.fwhm, st.beta, st.haveFit = host.fwhm, host.beta, host.haveFit
		st.status = host.status
	}
}

// makeRow snapshots every aperture, extracting flux for the ones
// still worth extracting. Extraction happens at the current (possibly
// frozen) position, so a cloudy patch still yields a light curve,
// just a flagged one.
func (r *Reducer)makeRow(f *frame.Frame, valid bool) Row {
	row := Row{Seq: f.Seq, Time: f.Time, Valid: valid}

	for _, cnam := range r.ccds {
		g, haveGrid := f.CCDs[cnam]
		for _, label := range r.aps.Labels(cnam) {
			st := r.states[cnam][label]
			m := Measure{
				CCD:    cnam,
				Label:  label,
				Status: st.status,
				X:      st.x,
				Y:      st.y,
				Fwhm:   st.fwhm,
				Located: valid && st.status == OK,
			}

			if valid && haveGrid && st.status != Lost {
				ex := r.extract(g, st)
				m.Extracted = true
				m.Flux = ex.flux
				m.FluxErr = ex.fluxErr
				m.Sky = ex.sky
				m.Radius = ex.radius
				m.Saturated = ex.saturated
			}

			row.Aps = append(row.Aps, m)
		}
	}

	return row
}
