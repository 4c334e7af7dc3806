package raster

import (
	"context"
	"fmt"

	"github.com/wgdzlh/rvpipe/geo"
)

// Source is windowed read access to a (possibly georeferenced) raster.
//
// Windows are in pixel coordinates of the full raster. Windows partially outside
// the extent are padded with the fill value up to the requested size; windows that
// do not overlap the extent at all fail with ErrWindowOutOfBounds.
type Source interface {
	Extent() geo.Window
	NumChannels() int
	CRSTransformer() geo.CRSTransformer
	// ReadWindow returns the window after channel selection and the transformer chain.
	ReadWindow(ctx context.Context, w geo.Window) (*Image, error)
	// ReadRawWindow returns the window after channel selection only.
	ReadRawWindow(ctx context.Context, w geo.Window) (*Image, error)
	Close() error
}

// SourceOptions configures a BasicSource.
type SourceOptions struct {
	// ChannelOrder maps output channel i to reader band ChannelOrder[i]. Empty keeps all bands.
	ChannelOrder []int
	Transformers Chain
	// Extent crops the raster; nil uses the full reader size.
	Extent    *geo.Window
	FillValue float64
}

// BasicSource is a Source over a single Reader.
type BasicSource struct {
	reader Reader
	order  []int
	chain  Chain
	extent geo.Window
	fill   float64
}

var _ Source = (*BasicSource)(nil)

func NewSource(r Reader, opts SourceOptions) (s *BasicSource, err error) {
	bc := r.BandCount()
	order := opts.ChannelOrder
	if len(order) == 0 {
		order = allBands(bc)
	}
	for _, b := range order {
		if b < 0 || b >= bc {
			err = fmt.Errorf("%w: channel order entry %d, raster has %d bands", ErrChannelMismatch, b, bc)
			return
		}
	}
	width, height := r.Size()
	full := geo.WindowFromSize(width, height)
	extent := full
	if opts.Extent != nil {
		var ok bool
		if extent, ok = full.Intersect(*opts.Extent); !ok {
			err = fmt.Errorf("%w: extent %v", ErrWindowOutOfBounds, *opts.Extent)
			return
		}
	}
	s = &BasicSource{
		reader: r,
		order:  order,
		chain:  opts.Transformers,
		extent: extent,
		fill:   opts.FillValue,
	}
	return
}

func (s *BasicSource) Extent() geo.Window                 { return s.extent }
func (s *BasicSource) NumChannels() int                   { return len(s.order) }
func (s *BasicSource) CRSTransformer() geo.CRSTransformer { return s.reader.CRSTransformer() }
func (s *BasicSource) Reader() Reader                     { return s.reader }
func (s *BasicSource) Close() error                       { return s.reader.Close() }

func (s *BasicSource) ReadWindow(ctx context.Context, w geo.Window) (*Image, error) {
	img, err := s.ReadRawWindow(ctx, w)
	if err != nil {
		return nil, err
	}
	if img, err = s.chain.Apply(img); err != nil {
		return nil, &WindowError{Window: w, Err: err}
	}
	return img, nil
}

func (s *BasicSource) ReadRawWindow(ctx context.Context, w geo.Window) (*Image, error) {
	return readPadded(ctx, s.reader, s.extent, w, s.order, s.fill)
}

func readPadded(ctx context.Context, r Reader, extent, w geo.Window, bands []int, fill float64) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w.Empty() {
		return nil, fmt.Errorf("%w: empty window %v", ErrWindowOutOfBounds, w)
	}
	inter, ok := extent.Intersect(w)
	if !ok {
		return nil, fmt.Errorf("%w: window %v, extent %v", ErrWindowOutOfBounds, w, extent)
	}
	sub, err := r.ReadRaw(inter, bands)
	if err != nil {
		return nil, &WindowError{Window: w, Err: err}
	}
	if inter == w {
		return sub, nil
	}
	out := NewFilledImage(w.H, w.W, len(bands), fill)
	out.Paste(sub, inter.Y-w.Y, inter.X-w.X, 0, false)
	return out, nil
}
