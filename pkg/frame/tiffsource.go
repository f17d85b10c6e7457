package frame

import (
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/tiff"

	"github.com/abworrall/ccd-reduce/pkg/pgrid"
)

// Frame files are named NNNN_C.tif: frame number, then CCD label.
var tiffNameRE = regexp.MustCompile(`^(\d+)_([^_.]+)\.tiff?$`)

// A DirSource walks a directory of calibrated 16-bit TIFFs, one file
// per frame per CCD, yielding whole frames in ascending frame order.
// If a file carries an EXIF DateTime, that becomes the frame time;
// frames with no usable timestamp just get the zero time.
type DirSource struct {
	dir   string
	seqs  []int                     // ascending frame numbers present
	files map[int]map[string]string // frame number -> CCD label -> filename
	i     int
}

func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", dir, err)
	}

	ds := &DirSource{dir: dir, files: map[int]map[string]string{}}
	for _, e := range entries {
		m := tiffNameRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		seq, _ := strconv.Atoi(m[1])
		if ds.files[seq] == nil {
			ds.files[seq] = map[string]string{}
			ds.seqs = append(ds.seqs, seq)
		}
		ds.files[seq][m[2]] = e.Name()
	}
	sort.Ints(ds.seqs)

	if len(ds.seqs) == 0 {
		return nil, fmt.Errorf("no frame TIFFs (NNNN_C.tif) found in %s", dir)
	}
	return ds, nil
}

func (ds *DirSource)Next() (*Frame, error) {
	if ds.i >= len(ds.seqs) {
		return nil, io.EOF
	}
	seq := ds.seqs[ds.i]
	ds.i++

	f := &Frame{Seq: seq, CCDs: map[string]*pgrid.Grid{}}
	for cnam, name := range ds.files[seq] {
		g, when, err := loadTIFF(filepath.Join(ds.dir, name))
		if err != nil {
			return nil, err
		}
		f.CCDs[cnam] = g
		if f.Time.IsZero() {
			f.Time = when
		}
	}
	return f, nil
}

func loadTIFF(filename string) (*pgrid.Grid, time.Time, error) {
	var when time.Time

	// First pass over the file for EXIF; timestamps are nice to have
	// but plenty of pipelines strip them, so failures are not fatal.
	if reader, err := os.Open(filename); err == nil {
		if ex, err := exif.Decode(reader); err == nil {
			if t, err := ex.DateTime(); err == nil {
				when = t
			}
		}
		reader.Close()
	}

	// Re-open the file, now for the pixel data
	reader, err := os.Open(filename)
	if err != nil {
		return nil, when, fmt.Errorf("open+r img '%s': %w", filename, err)
	}
	defer reader.Close()

	img, err := tiff.Decode(reader)
	if err != nil {
		return nil, when, fmt.Errorf("tiff loading '%s': %w", filename, err)
	}

	return imageToGrid(img), when, nil
}

// imageToGrid maps a decoded image into counts. Gray16 is the fast
// path; anything else goes via luminance, which loses nothing for
// monochrome CCD data saved in an RGB container.
func imageToGrid(img image.Image) *pgrid.Grid {
	b := img.Bounds()
	g := pgrid.NewGrid(b.Dx(), b.Dy())

	if gray, ok := img.(*image.Gray16); ok {
		for y:=0; y<b.Dy(); y++ {
			for x:=0; x<b.Dx(); x++ {
				g.Set(x, y, float64(gray.Gray16At(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
		return g
	}

	for y:=0; y<b.Dy(); y++ {
		for x:=0; x<b.Dx(); x++ {
			r, gg, bb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			g.Set(x, y, float64(r)*0.2989+float64(gg)*0.5870+float64(bb)*0.1140)
		}
	}
	return g
}
