package frame

import "io"

// A Prefetcher decodes one frame ahead of the consumer. Frame
// acquisition has no dependency on aperture state, so overlapping it
// with the previous frame's reduction is free; anything deeper than
// one frame buys nothing because reduction is strictly sequential.
type Prefetcher struct {
	ch chan fetched
}

type fetched struct {
	f   *Frame
	err error
}

func NewPrefetcher(src Source) *Prefetcher {
	p := &Prefetcher{ch: make(chan fetched, 1)}
	go func() {
		for {
			f, err := src.Next()
			p.ch <- fetched{f, err}
			if err != nil {
				close(p.ch)
				return
			}
		}
	}()
	return p
}

func (p *Prefetcher)Next() (*Frame, error) {
	got, ok := <-p.ch
	if !ok {
		return nil, io.EOF
	}
	return got.f, got.err
}
