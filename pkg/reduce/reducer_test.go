package reduce

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abworrall/ccd-reduce/pkg/aperture"
	"github.com/abworrall/ccd-reduce/pkg/frame"
	"github.com/abworrall/ccd-reduce/pkg/pgrid"
	"github.com/abworrall/ccd-reduce/pkg/profile"
)

type star struct {
	x, y, height, fwhm float64
}

// synthGrid renders a flat sky plus gaussian stars onto a fresh CCD.
func synthGrid(w, h int, sky float64, stars ...star) *pgrid.Grid {
	g := pgrid.NewGrid(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g.Set(x, y, sky)
		}
	}
	for _, s := range stars {
		p := profile.Params{Height: s.height, X: s.x, Y: s.y, Fwhm: s.fwhm}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g.Set(x, y, g.Get(x, y)+p.Eval(profile.Gaussian, float64(x), float64(y)))
			}
		}
	}
	return g
}

func synthFrame(seq int, ccds map[string][]star) *frame.Frame {
	f := &frame.Frame{Seq: seq, CCDs: map[string]*pgrid.Grid{}}
	for cnam, stars := range ccds {
		f.CCDs[cnam] = synthGrid(100, 100, 100, stars...)
	}
	return f
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := NewConfig()
	require.NoError(t, cfg.Finalize())
	return cfg
}

// measure plucks one aperture's Measure out of a Row.
func measure(t *testing.T, row Row, ccd, label string) Measure {
	t.Helper()
	for _, m := range row.Aps {
		if m.CCD == ccd && m.Label == label {
			return m
		}
	}
	t.Fatalf("row %d has no measure for %s:%s", row.Seq, ccd, label)
	return Measure{}
}

func stamp(s aperture.Set) aperture.Set {
	for cnam, ccdAps := range s {
		for label, ap := range ccdAps {
			ap.CCD, ap.Label = cnam, label
			ccdAps[label] = ap
		}
	}
	return s
}

func TestLinkedRidesItsHost(t *testing.T) {
	t.Parallel()

	aps := stamp(aperture.Set{
		"1": {
			"1": {X: 30, Y: 30, R1: 6, R2: 10, R3: 15, Ref: true},
			"2": {X: 12, Y: -5, R1: 6, R2: 10, R3: 15, Link: "1"},
		},
	})
	r := New(testConfig(t), aps, nil)

	// host tracked normally: linked sits at host + offset
	row := r.ReduceFrame(synthFrame(1, map[string][]star{"1": {{30, 30, 1000, 4}}}))
	require.True(t, row.Valid)
	ref, lnk := measure(t, row, "1", "1"), measure(t, row, "1", "2")
	assert.Equal(t, OK, ref.Status)
	assert.InDelta(t, 30.0, ref.X, 0.01)
	assert.Equal(t, ref.X+12, lnk.X)
	assert.Equal(t, ref.Y-5, lnk.Y)
	assert.Equal(t, OK, lnk.Status)

	// host drifts: linked keeps the offset exactly
	row = r.ReduceFrame(synthFrame(2, map[string][]star{"1": {{31.4, 30.6, 1000, 4}}}))
	ref, lnk = measure(t, row, "1", "1"), measure(t, row, "1", "2")
	assert.InDelta(t, 31.4, ref.X, 0.01)
	assert.Equal(t, ref.X+12, lnk.X)
	assert.Equal(t, ref.Y-5, lnk.Y)

	// host vanishes: both freeze, linked still at host + offset
	row = r.ReduceFrame(synthFrame(3, map[string][]star{"1": {}}))
	ref2, lnk2 := measure(t, row, "1", "1"), measure(t, row, "1", "2")
	assert.Equal(t, Unreliable, ref2.Status)
	assert.Equal(t, Unreliable, lnk2.Status)
	assert.Equal(t, ref.X, ref2.X, "frozen host must not move")
	assert.Equal(t, ref2.X+12, lnk2.X)
	assert.True(t, lnk2.Extracted, "frozen but not lost still extracts")
}

func TestLinkedStartsAtHostPlusOffset(t *testing.T) {
	t.Parallel()

	aps := stamp(aperture.Set{
		"1": {
			"1": {X: 30, Y: 30, R1: 6, R2: 10, R3: 15, Ref: true},
			"2": {X: 12, Y: -5, R1: 6, R2: 10, R3: 15, Link: "1"},
		},
	})
	r := New(testConfig(t), aps, nil)

	// the CCD is missing from the very first frame, so nothing has
	// ever been located; the linked position must still be a position,
	// not the raw link offset
	row := r.ReduceFrame(&frame.Frame{Seq: 1, CCDs: map[string]*pgrid.Grid{}})
	lnk := measure(t, row, "1", "2")
	assert.Equal(t, 42.0, lnk.X)
	assert.Equal(t, 25.0, lnk.Y)
}

func TestLinkedFollowsHostThroughMissingCCD(t *testing.T) {
	t.Parallel()

	aps := stamp(aperture.Set{
		"1": {
			"1": {X: 30, Y: 30, R1: 6, R2: 10, R3: 15, Ref: true},
			"2": {X: 12, Y: -5, R1: 6, R2: 10, R3: 15, Link: "1"},
		},
	})
	cfg := testConfig(t)
	cfg.MaxUnreliableStreak = 1

	r := New(cfg, aps, nil)

	row := r.ReduceFrame(synthFrame(1, map[string][]star{"1": {{30, 30, 1000, 4}}}))
	require.Equal(t, OK, measure(t, row, "1", "1").Status)

	// CCD drops out: host goes unreliable, then lost; the link must
	// track it through the gap, not lag behind
	row = r.ReduceFrame(&frame.Frame{Seq: 2, CCDs: map[string]*pgrid.Grid{}})
	assert.Equal(t, Unreliable, measure(t, row, "1", "1").Status)
	assert.Equal(t, Unreliable, measure(t, row, "1", "2").Status)

	row = r.ReduceFrame(&frame.Frame{Seq: 3, CCDs: map[string]*pgrid.Grid{}})
	assert.Equal(t, Lost, measure(t, row, "1", "1").Status)
	assert.Equal(t, Lost, measure(t, row, "1", "2").Status)
}

func TestReferenceInconsistencyFreezesFrame(t *testing.T) {
	t.Parallel()

	aps := stamp(aperture.Set{
		"1": {
			"1": {X: 30, Y: 30, R1: 6, R2: 10, R3: 15, Ref: true},
			"2": {X: 70, Y: 70, R1: 6, R2: 10, R3: 15, Ref: true},
			"3": {X: 70, Y: 30, R1: 6, R2: 10, R3: 15},
		},
	})
	cfg := testConfig(t)
	cfg.FitDiff = 0.5

	r := New(cfg, aps, nil)

	row1 := r.ReduceFrame(synthFrame(1, map[string][]star{"1": {
		{30, 30, 1000, 4}, {70, 70, 1000, 4}, {70, 30, 500, 4},
	}}))
	require.True(t, row1.Valid)
	for _, label := range []string{"1", "2", "3"} {
		assert.Equal(t, OK, measure(t, row1, "1", label).Status)
	}

	// the two references disagree by 0.7px, over the 0.5px tolerance
	row2 := r.ReduceFrame(synthFrame(2, map[string][]star{"1": {
		{30.2, 30.1, 1000, 4}, {70.9, 70.1, 1000, 4}, {70.2, 30.1, 500, 4},
	}}))
	assert.False(t, row2.Valid)
	for _, label := range []string{"1", "2", "3"} {
		m1, m2 := measure(t, row1, "1", label), measure(t, row2, "1", label)
		assert.Equal(t, m1.X, m2.X, "aperture %s moved on an invalid frame", label)
		assert.Equal(t, m1.Y, m2.Y)
		assert.False(t, m2.Located)
		assert.False(t, m2.Extracted, "no extraction on an invalid frame")
	}

	// agreement restored: tracking resumes from the frozen positions
	row3 := r.ReduceFrame(synthFrame(3, map[string][]star{"1": {
		{30.2, 30.1, 1000, 4}, {70.2, 70.1, 1000, 4}, {70.2, 30.1, 500, 4},
	}}))
	assert.True(t, row3.Valid)
	m := measure(t, row3, "1", "1")
	assert.Equal(t, OK, m.Status)
	assert.InDelta(t, 30.2, m.X, 0.01)
	assert.True(t, measure(t, row3, "1", "3").Extracted)
}

func TestLostIsForever(t *testing.T) {
	t.Parallel()

	aps := stamp(aperture.Set{
		"1": {"1": {X: 40, Y: 40, R1: 6, R2: 10, R3: 15}},
	})
	cfg := testConfig(t)
	cfg.MaxUnreliableStreak = 2

	r := New(cfg, aps, nil)

	row := r.ReduceFrame(synthFrame(1, map[string][]star{"1": {{40, 40, 1000, 4}}}))
	m1 := measure(t, row, "1", "1")
	require.Equal(t, OK, m1.Status)

	// two blank frames: unreliable but still retried
	for seq := 2; seq <= 3; seq++ {
		row = r.ReduceFrame(synthFrame(seq, map[string][]star{"1": {}}))
		m := measure(t, row, "1", "1")
		assert.Equal(t, Unreliable, m.Status, "frame %d", seq)
		assert.Equal(t, m1.X, m.X, "frozen position must not move")
		assert.True(t, m.Extracted)
	}

	// third consecutive failure crosses the streak limit
	row = r.ReduceFrame(synthFrame(4, map[string][]star{"1": {}}))
	assert.Equal(t, Lost, measure(t, row, "1", "1").Status)

	// the star coming back makes no difference: lost is never retried
	row = r.ReduceFrame(synthFrame(5, map[string][]star{"1": {{40, 40, 5000, 4}}}))
	m := measure(t, row, "1", "1")
	assert.Equal(t, Lost, m.Status)
	assert.False(t, m.Located)
	assert.False(t, m.Extracted)
	assert.Equal(t, m1.X, m.X)
}

func TestSearchWindowBoundary(t *testing.T) {
	t.Parallel()

	newReducer := func() *Reducer {
		cfg := testConfig(t)
		cfg.SearchHalfWidth = 8
		return New(cfg, stamp(aperture.Set{
			"1": {"1": {X: 50, Y: 50, R1: 6, R2: 10, R3: 15, Ref: true}},
		}), nil)
	}

	t.Run("at the boundary is found", func(t *testing.T) {
		r := newReducer()
		row := r.ReduceFrame(synthFrame(1, map[string][]star{"1": {{58, 50, 1000, 4}}}))
		m := measure(t, row, "1", "1")
		assert.Equal(t, OK, m.Status)
		assert.InDelta(t, 58.0, m.X, 0.05)
	})

	t.Run("one pixel beyond is a non-detection", func(t *testing.T) {
		r := newReducer()
		row := r.ReduceFrame(synthFrame(1, map[string][]star{"1": {{59, 50, 1000, 4}}}))
		m := measure(t, row, "1", "1")
		assert.Equal(t, Unreliable, m.Status)
		assert.Equal(t, 50.0, m.X, "anchor must not move on a non-detection")
	})
}

func TestMissingCCDFreezesItsApertures(t *testing.T) {
	t.Parallel()

	aps := stamp(aperture.Set{
		"1": {"1": {X: 30, Y: 30, R1: 6, R2: 10, R3: 15, Ref: true}},
		"2": {"1": {X: 60, Y: 60, R1: 6, R2: 10, R3: 15, Ref: true}},
	})
	r := New(testConfig(t), aps, nil)

	row := r.ReduceFrame(synthFrame(1, map[string][]star{
		"1": {{30, 30, 1000, 4}},
		"2": {{60, 60, 1000, 4}},
	}))
	require.True(t, row.Valid)

	// CCD 2 drops out of frame 2 entirely
	f := synthFrame(2, map[string][]star{"1": {{30, 30, 1000, 4}}})
	row = r.ReduceFrame(f)
	assert.True(t, row.Valid, "a missing CCD is data loss, not corruption")
	assert.Equal(t, OK, measure(t, row, "1", "1").Status)

	m := measure(t, row, "2", "1")
	assert.Equal(t, Unreliable, m.Status)
	assert.False(t, m.Extracted, "no pixels, no flux")
	assert.Equal(t, 60.0, m.X)
}

func TestDeterministicReplay(t *testing.T) {
	t.Parallel()

	aps := stamp(aperture.Set{
		"1": {
			"1": {X: 30, Y: 30, R1: 6, R2: 10, R3: 15, Ref: true},
			"2": {X: 70, Y: 40, R1: 6, R2: 10, R3: 15},
			"3": {X: 8, Y: 3, R1: 6, R2: 10, R3: 15, Link: "1"},
		},
		"2": {
			"1": {X: 55, Y: 55, R1: 6, R2: 10, R3: 15, Ref: true},
			"2": {X: 25, Y: 75, R1: 6, R2: 10, R3: 15},
		},
	})
	cfg := testConfig(t)
	cfg.FitAlpha = 0.3

	frames := []*frame.Frame{}
	for seq := 1; seq <= 6; seq++ {
		d := 0.3 * float64(seq-1) // steady drift
		frames = append(frames, synthFrame(seq, map[string][]star{
			"1": {{30 + d, 30 + d, 1000, 4}, {70 + d, 40 + d, 400, 4}},
			"2": {{55 + d, 55 + d, 1200, 4}, {25 + d, 75 + d, 300, 4}},
		}))
	}

	replay := func() []Row {
		r := New(cfg, aps, nil)
		rows := []Row{}
		for _, f := range frames {
			rows = append(rows, r.ReduceFrame(f))
		}
		return rows
	}

	rows1, rows2 := replay(), replay()
	if diff := cmp.Diff(rows1, rows2); diff != "" {
		t.Errorf("replay mismatch (-first +second):\n%s", diff)
	}

	// and the drift was actually tracked
	last := measure(t, rows1[5], "1", "2")
	assert.Equal(t, OK, last.Status)
	assert.InDelta(t, 71.5, last.X, 0.1)
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()

	aps := stamp(aperture.Set{
		"1": {"1": {X: 40, Y: 40, R1: 6, R2: 10, R3: 15, Ref: true}},
	})

	frames := []*frame.Frame{}
	for seq := 1; seq <= 4; seq++ {
		frames = append(frames, synthFrame(seq, map[string][]star{"1": {{40, 40, 1000, 4}}}))
	}

	fname := filepath.Join(t.TempDir(), "reduce.log")
	logw, resumed, err := NewLogWriter(fname)
	require.NoError(t, err)
	require.False(t, resumed)

	cfg := testConfig(t)
	cfg.First = 2 // resume partway through

	require.NoError(t, logw.WriteHeader("test-run", cfg, aps))

	r := New(cfg, aps, logw)
	seen := []int{}
	r.AddMonitor(MonitorFunc(func(row Row) { seen = append(seen, row.Seq) }))

	require.NoError(t, r.Run(context.Background(), &frame.MemSource{Frames: frames}))
	require.NoError(t, logw.Close())

	assert.Equal(t, []int{2, 3, 4}, seen)

	contents, err := os.ReadFile(fname)
	require.NoError(t, err)
	rows := 0
	for _, line := range strings.Split(string(contents), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rows++
		assert.Contains(t, line, " OK ")
	}
	assert.Equal(t, 3, rows)
}

func TestRunHonoursCancellation(t *testing.T) {
	t.Parallel()

	aps := stamp(aperture.Set{
		"1": {"1": {X: 40, Y: 40, R1: 6, R2: 10, R3: 15, Ref: true}},
	})

	fname := filepath.Join(t.TempDir(), "reduce.log")
	logw, _, err := NewLogWriter(fname)
	require.NoError(t, err)
	defer logw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled: a clean no-op run

	r := New(testConfig(t), aps, logw)
	src := &frame.MemSource{Frames: []*frame.Frame{
		synthFrame(1, map[string][]star{"1": {{40, 40, 1000, 4}}}),
	}}
	require.NoError(t, r.Run(ctx, src))
}

// a reduced flux should be stable across frames when nothing changes
func TestFluxRepeatability(t *testing.T) {
	t.Parallel()

	aps := stamp(aperture.Set{
		"1": {"1": {X: 50, Y: 50, R1: 8, R2: 12, R3: 18, Ref: true}},
	})
	cfg := testConfig(t)
	cfg.ExtractionMode = ModeFixed

	r := New(cfg, aps, nil)
	var fluxes []float64
	for seq := 1; seq <= 3; seq++ {
		row := r.ReduceFrame(synthFrame(seq, map[string][]star{"1": {{50, 50, 1000, 4}}}))
		fluxes = append(fluxes, measure(t, row, "1", "1").Flux)
	}
	assert.InDelta(t, fluxes[0], fluxes[1], 1e-6)
	assert.InDelta(t, fluxes[1], fluxes[2], 1e-6)

	// and it should be the analytic gaussian volume
	want := 1000 * math.Pi * 16 / (4 * math.Ln2)
	assert.InDelta(t, want, fluxes[0], 0.01*want)
}
