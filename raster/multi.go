package raster

import (
	"context"
	"fmt"
	"math"

	"github.com/wgdzlh/rvpipe/geo"
)

// MultiSource concatenates the channels of several sources in the listed order.
// Windows are expressed in the primary source's pixel grid; sub-sources with a
// different extent are resampled onto it with nearest neighbour sampling.
type MultiSource struct {
	subs    []Source
	primary int
	order   []int
	chain   Chain
	nch     int
}

var _ Source = (*MultiSource)(nil)

func NewMultiSource(subs []Source, primary int, order []int, chain Chain) (m *MultiSource, err error) {
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: no sub-sources", ErrChannelMismatch)
	}
	if primary < 0 || primary >= len(subs) {
		return nil, fmt.Errorf("primary source %d out of range", primary)
	}
	total := 0
	for _, s := range subs {
		total += s.NumChannels()
	}
	for _, c := range order {
		if c < 0 || c >= total {
			return nil, fmt.Errorf("%w: channel order entry %d, sources have %d channels", ErrChannelMismatch, c, total)
		}
	}
	nch := total
	if len(order) > 0 {
		nch = len(order)
	}
	m = &MultiSource{subs: subs, primary: primary, order: order, chain: chain, nch: nch}
	return
}

func (m *MultiSource) Extent() geo.Window                 { return m.subs[m.primary].Extent() }
func (m *MultiSource) NumChannels() int                   { return m.nch }
func (m *MultiSource) CRSTransformer() geo.CRSTransformer { return m.subs[m.primary].CRSTransformer() }

func (m *MultiSource) ReadWindow(ctx context.Context, w geo.Window) (*Image, error) {
	img, err := m.read(ctx, w, true)
	if err != nil {
		return nil, err
	}
	if img, err = m.chain.Apply(img); err != nil {
		return nil, &WindowError{Window: w, Err: err}
	}
	return img, nil
}

func (m *MultiSource) ReadRawWindow(ctx context.Context, w geo.Window) (*Image, error) {
	return m.read(ctx, w, false)
}

func (m *MultiSource) read(ctx context.Context, w geo.Window, transformed bool) (*Image, error) {
	pe := m.Extent()
	imgs := make([]*Image, len(m.subs))
	for i, s := range m.subs {
		sw := scaleWindow(w, pe, s.Extent())
		var (
			img *Image
			err error
		)
		if transformed {
			img, err = s.ReadWindow(ctx, sw)
		} else {
			img, err = s.ReadRawWindow(ctx, sw)
		}
		if err != nil {
			return nil, fmt.Errorf("sub-source %d: %w", i, err)
		}
		imgs[i] = img.ResizeNearest(w.H, w.W)
	}
	out, err := ConcatChannels(imgs...)
	if err != nil {
		return nil, err
	}
	if len(m.order) > 0 {
		return out.SelectChannels(m.order)
	}
	return out, nil
}

// scaleWindow maps a window of the from extent onto the to extent proportionally.
func scaleWindow(w, from, to geo.Window) geo.Window {
	if from == to {
		return w
	}
	sx := float64(to.W) / float64(from.W)
	sy := float64(to.H) / float64(from.H)
	x0 := to.X + int(math.Floor(float64(w.X-from.X)*sx))
	y0 := to.Y + int(math.Floor(float64(w.Y-from.Y)*sy))
	x1 := to.X + int(math.Ceil(float64(w.Right()-from.X)*sx))
	y1 := to.Y + int(math.Ceil(float64(w.Bottom()-from.Y)*sy))
	return geo.NewWindow(x0, y0, max(x1-x0, 1), max(y1-y0, 1))
}

func (m *MultiSource) Close() (err error) {
	for _, s := range m.subs {
		if e := s.Close(); e != nil && err == nil {
			err = e
		}
	}
	return
}
