package raster

import (
	"context"
	"fmt"

	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/vector"

	"github.com/paulmach/orb/geojson"
)

// RasterizedOptions configures a RasterizedSource.
type RasterizedOptions struct {
	BackgroundClassID int
	// LineWidth in pixels for line geometries, default 1.
	LineWidth float64
	// Extent of the class raster, normally the extent of the imagery it labels.
	Extent geo.Window
}

// RasterizedSource is a one channel class raster burnt on the fly from a vector
// source in pixel coordinates. Features burn their class_id property over the
// background; later features overwrite earlier ones. Pixels of a window outside
// the extent take the background class.
type RasterizedSource struct {
	vs     vector.Source
	crs    geo.CRSTransformer
	opts   RasterizedOptions
	chain  Chain
	logTag string
}

var _ Source = (*RasterizedSource)(nil)

func NewRasterizedSource(vs vector.Source, crs geo.CRSTransformer, opts RasterizedOptions, chain Chain) (*RasterizedSource, error) {
	if opts.Extent.Empty() {
		return nil, fmt.Errorf("%w: empty rasterized extent", ErrWindowOutOfBounds)
	}
	if crs == nil {
		crs = geo.IdentityTransformer()
	}
	return &RasterizedSource{vs: vs, crs: crs, opts: opts, chain: chain, logTag: "RasterizedSource:"}, nil
}

func (s *RasterizedSource) Extent() geo.Window                 { return s.opts.Extent }
func (s *RasterizedSource) NumChannels() int                   { return 1 }
func (s *RasterizedSource) CRSTransformer() geo.CRSTransformer { return s.crs }
func (s *RasterizedSource) Close() error                       { return nil }

func (s *RasterizedSource) ReadWindow(ctx context.Context, w geo.Window) (*Image, error) {
	img, err := s.ReadRawWindow(ctx, w)
	if err != nil {
		return nil, err
	}
	return s.chain.Apply(img)
}

func (s *RasterizedSource) ReadRawWindow(ctx context.Context, w geo.Window) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w.Empty() {
		return nil, fmt.Errorf("%w: empty window %v", ErrWindowOutOfBounds, w)
	}
	inter, ok := s.opts.Extent.Intersect(w)
	if !ok {
		return nil, fmt.Errorf("%w: window %v, extent %v", ErrWindowOutOfBounds, w, s.opts.Extent)
	}
	fs, err := s.vs.FeaturesIn(ctx, inter.Bound())
	if err != nil {
		return nil, err
	}
	shapes, err := burns(fs)
	if err != nil {
		return nil, err
	}
	bg := float64(s.opts.BackgroundClassID)
	out := NewFilledImage(w.H, w.W, 1, bg)
	// burn only the in-extent part so geometries beyond the edge do not leak into padding
	sub := NewFilledImage(inter.H, inter.W, 1, bg)
	geo.Rasterize(sub.Data, inter, shapes, s.opts.LineWidth)
	out.Paste(sub, inter.Y-w.Y, inter.X-w.X, 0, false)
	return out, nil
}

func burns(fs []*geojson.Feature) ([]geo.Burn, error) {
	ret := make([]geo.Burn, 0, len(fs))
	for i, f := range fs {
		id, ok := vector.ClassID(f)
		if !ok {
			return nil, fmt.Errorf("%w: feature %d has no class_id", vector.ErrInvalidClass, i)
		}
		ret = append(ret, geo.Burn{Geometry: f.Geometry, Value: float64(id)})
	}
	return ret, nil
}
