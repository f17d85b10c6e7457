package reduce

import(
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/abworrall/ccd-reduce/pkg/aperture"
)

// A LogWriter appends the reduction log: a self-describing ASCII
// file, one row per processed frame, flushed per row so that however
// the run ends, the log is valid up to the last row written and the
// run can be resumed from there with `first`.
type LogWriter struct {
	f *os.File
	w *bufio.Writer
}

// NewLogWriter opens the log for appending, creating it if needed.
// Returns whether the file already had content (a resumed run keeps
// the original header).
func NewLogWriter(filename string) (*LogWriter, bool, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("open log %s: %w", filename, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("stat log %s: %w", filename, err)
	}
	return &LogWriter{f: f, w: bufio.NewWriter(f)}, info.Size() > 0, nil
}

// WriteHeader declares the file layout: which apertures there are,
// what columns each contributes, and the full config the run used.
func (lw *LogWriter)WriteHeader(runID string, cfg Config, aps aperture.Set) error {
	apNames := []string{}
	for _, cnam := range aps.CCDs() {
		for _, label := range aps.Labels(cnam) {
			apNames = append(apNames, cnam+":"+label)
		}
	}

	fmt.Fprintf(lw.w, "#\n# ccd-reduce photometry log\n#\n")
	fmt.Fprintf(lw.w, "# run = %s\n", runID)
	fmt.Fprintf(lw.w, "# written = %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(lw.w, "#\n")
	fmt.Fprintf(lw.w, "# row columns = frame(int) time(unix float, 0 if unknown) valid(0|1)\n")
	fmt.Fprintf(lw.w, "# then, per aperture = x(float) y(float) flux(float) ferr(float) sky(float)"+
		" fwhm(float) radius(float) status(string) located(0|1) sat(0|1)\n")
	fmt.Fprintf(lw.w, "# apertures = %s\n", strings.Join(apNames, " "))
	fmt.Fprintf(lw.w, "#\n# config:\n")
	for _, line := range strings.Split(strings.TrimRight(cfg.AsYaml(), "\n"), "\n") {
		fmt.Fprintf(lw.w, "#   %s\n", line)
	}
	fmt.Fprintf(lw.w, "#\n")

	return lw.w.Flush()
}

// WriteRow appends one frame's results and flushes them to disk.
func (lw *LogWriter)WriteRow(row Row) error {
	t := 0.0
	if !row.Time.IsZero() {
		t = float64(row.Time.UnixNano()) / 1e9
	}
	fmt.Fprintf(lw.w, "%d %.6f %d", row.Seq, t, boolToInt(row.Valid))

	for _, m := range row.Aps {
		fmt.Fprintf(lw.w, "  %.4f %.4f %.4f %.4f %.4f %.3f %.2f %s %d %d",
			m.X, m.Y, m.Flux, m.FluxErr, m.Sky, m.Fwhm, m.Radius,
			m.Status, boolToInt(m.Located), boolToInt(m.Saturated))
	}
	fmt.Fprintf(lw.w, "\n")

	if err := lw.w.Flush(); err != nil {
		return fmt.Errorf("log write: %w", err)
	}
	return nil
}

func (lw *LogWriter)Close() error {
	if err := lw.w.Flush(); err != nil {
		lw.f.Close()
		return err
	}
	return lw.f.Close()
}

func boolToInt(b bool) int {
	if b { return 1 }
	return 0
}
