// Package frame defines the calibrated-frame stream consumed by the
// reduction engine. Frames arrive already bias/dark/flat corrected;
// calibration is an upstream concern.
package frame

import (
	"io"
	"time"

	"github.com/abworrall/ccd-reduce/pkg/pgrid"
)

// A Frame is one exposure across all CCDs. Pixel grids are read-only
// once the frame has been handed to the engine.
type Frame struct {
	Seq  int // 1-based frame number within the run
	Time time.Time
	CCDs map[string]*pgrid.Grid
}

// A Source yields frames in strictly ascending Seq order, returning
// io.EOF when the run is over. Sources are not safe for concurrent
// use; wrap one in a Prefetcher if decode latency matters.
type Source interface {
	Next() (*Frame, error)
}

// A MemSource plays back a fixed slice of frames. Used in tests and
// for synthetic-run replays.
type MemSource struct {
	Frames []*Frame
	i      int
}

func (ms *MemSource)Next() (*Frame, error) {
	if ms.i >= len(ms.Frames) {
		return nil, io.EOF
	}
	f := ms.Frames[ms.i]
	ms.i++
	return f, nil
}

// SkipTo wraps a source so that frames before `first` are discarded.
// Supports resuming a run partway through.
func SkipTo(src Source, first int) Source {
	if first <= 1 {
		return src
	}
	return &skipSource{src: src, first: first}
}

type skipSource struct {
	src   Source
	first int
}

func (s *skipSource)Next() (*Frame, error) {
	for {
		f, err := s.src.Next()
		if err != nil {
			return nil, err
		}
		if f.Seq >= s.first {
			return f, nil
		}
	}
}
