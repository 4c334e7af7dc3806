package raster

import (
	"fmt"

	"github.com/wgdzlh/rvpipe/geo"
)

// Reader supplies raw pixels of one logical raster. ReadRaw is only called with
// windows lying fully inside the raster and with 0-based band indices.
type Reader interface {
	Size() (width, height int)
	BandCount() int
	NoData() (value float64, ok bool)
	CRSTransformer() geo.CRSTransformer
	ReadRaw(w geo.Window, bands []int) (*Image, error)
	Close() error
}

// Georeferenced is implemented by readers that know their geotransform.
type Georeferenced interface {
	Affine() geo.Affine
}

// ArrayReader serves pixels from an in-memory image.
type ArrayReader struct {
	img         *Image
	transformer geo.CRSTransformer
	affine      geo.Affine
	nodata      float64
	hasNoData   bool
}

var (
	_ Reader        = (*ArrayReader)(nil)
	_ Georeferenced = (*ArrayReader)(nil)
)

// NewArrayReader wraps img. A nil transformer means pixel coordinates are map coordinates.
func NewArrayReader(img *Image, gt *geo.Affine) (r *ArrayReader, err error) {
	r = &ArrayReader{img: img, affine: geo.IdentityAffine(), transformer: geo.IdentityTransformer()}
	if gt != nil {
		var t *geo.AffineTransformer
		if t, err = geo.NewAffineTransformer(*gt); err != nil {
			return nil, err
		}
		r.affine, r.transformer = *gt, t
	}
	return
}

// WithNoData marks v as the nodata value of the array.
func (r *ArrayReader) WithNoData(v float64) *ArrayReader {
	r.nodata, r.hasNoData = v, true
	return r
}

func (r *ArrayReader) Size() (int, int)                   { return r.img.W, r.img.H }
func (r *ArrayReader) BandCount() int                     { return r.img.C }
func (r *ArrayReader) NoData() (float64, bool)            { return r.nodata, r.hasNoData }
func (r *ArrayReader) CRSTransformer() geo.CRSTransformer { return r.transformer }
func (r *ArrayReader) Affine() geo.Affine                 { return r.affine }
func (r *ArrayReader) Close() error                       { return nil }

func (r *ArrayReader) ReadRaw(w geo.Window, bands []int) (*Image, error) {
	if !geo.WindowFromSize(r.img.W, r.img.H).Contains(w) {
		return nil, fmt.Errorf("%w: %v", ErrWindowOutOfBounds, w)
	}
	out := NewImage(w.H, w.W, len(bands))
	for y := 0; y < w.H; y++ {
		for x := 0; x < w.W; x++ {
			src := r.img.Pixel(w.Y+y, w.X+x)
			dst := out.Pixel(y, x)
			for i, b := range bands {
				if b < 0 || b >= r.img.C {
					return nil, fmt.Errorf("%w: band %d of %d", ErrChannelMismatch, b, r.img.C)
				}
				dst[i] = src[b]
			}
		}
	}
	return out, nil
}

func allBands(n int) []int {
	bands := make([]int, n)
	for i := range bands {
		bands[i] = i
	}
	return bands
}
