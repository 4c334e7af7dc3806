package raster

import (
	"fmt"
	"math"

	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/log"

	"go.uber.org/zap"
)

// MosaicReader stitches several rasters on a common pixel grid into one logical image.
// Overlaps are resolved by list order: a later file overwrites earlier ones, except
// where the later file holds its nodata value.
type MosaicReader struct {
	readers     []Reader
	offsets     []geo.Window
	width       int
	height      int
	bands       int
	affine      geo.Affine
	transformer geo.CRSTransformer
	projection  string
	logTag      string
}

var (
	_ Reader        = (*MosaicReader)(nil)
	_ Georeferenced = (*MosaicReader)(nil)
)

const gridTolerance = 1e-6

// NewMosaicReader places readers by their geotransforms. All readers must share pixel
// size, have no rotation terms and line up on whole pixels. transformer may be nil,
// in which case the mosaic uses a plain affine transformer.
func NewMosaicReader(readers []Reader, affines []geo.Affine, transformer geo.CRSTransformer) (m *MosaicReader, err error) {
	if len(readers) == 0 {
		return nil, ErrEmptyMosaic
	}
	if len(affines) != len(readers) {
		return nil, fmt.Errorf("%w: %d readers, %d transforms", ErrGridMismatch, len(readers), len(affines))
	}
	base := affines[0]
	if base[2] != 0 || base[4] != 0 {
		return nil, fmt.Errorf("%w: rotated geotransform", ErrGridMismatch)
	}
	m = &MosaicReader{readers: readers, bands: readers[0].BandCount(), logTag: "MosaicReader:"}
	offX := make([]int, len(readers))
	offY := make([]int, len(readers))
	minX, minY := math.MaxInt, math.MaxInt
	for i, gt := range affines {
		if gt[1] != base[1] || gt[5] != base[5] || gt[2] != 0 || gt[4] != 0 {
			return nil, fmt.Errorf("%w: file %d has a different pixel size", ErrGridMismatch, i)
		}
		if readers[i].BandCount() != m.bands {
			return nil, fmt.Errorf("%w: file %d has %d bands, want %d", ErrGridMismatch, i, readers[i].BandCount(), m.bands)
		}
		fx := (gt[0] - base[0]) / base[1]
		fy := (gt[3] - base[3]) / base[5]
		if math.Abs(fx-math.Round(fx)) > gridTolerance || math.Abs(fy-math.Round(fy)) > gridTolerance {
			return nil, fmt.Errorf("%w: file %d is offset by a fraction of a pixel", ErrGridMismatch, i)
		}
		offX[i], offY[i] = int(math.Round(fx)), int(math.Round(fy))
		minX, minY = min(minX, offX[i]), min(minY, offY[i])
	}
	m.offsets = make([]geo.Window, len(readers))
	for i, r := range readers {
		w, h := r.Size()
		m.offsets[i] = geo.NewWindow(offX[i]-minX, offY[i]-minY, w, h)
		m.width = max(m.width, m.offsets[i].Right())
		m.height = max(m.height, m.offsets[i].Bottom())
	}
	m.affine = base
	m.affine[0] = base[0] + float64(minX)*base[1]
	m.affine[3] = base[3] + float64(minY)*base[5]
	if transformer == nil {
		if transformer, err = geo.NewAffineTransformer(m.affine); err != nil {
			return nil, err
		}
	}
	m.transformer = transformer
	log.Info(m.logTag+"built mosaic", zap.Int("files", len(readers)), zap.Int("width", m.width), zap.Int("height", m.height))
	return
}

// OpenGdalMosaic opens every path with GDAL and stitches them.
func OpenGdalMosaic(paths []string, opts GdalOptions) (m *MosaicReader, err error) {
	readers := make([]Reader, 0, len(paths))
	affines := make([]geo.Affine, 0, len(paths))
	defer func() {
		if err != nil {
			for _, r := range readers {
				r.Close()
			}
		}
	}()
	var first *GdalReader
	for _, p := range paths {
		var r *GdalReader
		if r, err = OpenGdal(p, GdalOptions{}); err != nil {
			return
		}
		readers = append(readers, r)
		if first == nil {
			first = r
		} else if !sameProjection(first, r) {
			return nil, fmt.Errorf("%w: %s and %s", ErrProjectionMismatch, first.URI(), p)
		}
		affines = append(affines, r.Affine())
	}
	if first == nil {
		return nil, ErrEmptyMosaic
	}
	if m, err = NewMosaicReader(readers, affines, nil); err != nil {
		return
	}
	m.projection = first.Projection()
	if opts.MapSrid > 0 && first.Projection() != "" {
		var closer func()
		if m.transformer, closer, err = newTransformer(first.ds, m.affine, opts); err != nil {
			return
		}
		if closer != nil {
			readers[0] = &closingReader{Reader: readers[0], onClose: closer}
		}
	}
	return
}

func sameProjection(a, b *GdalReader) bool {
	pa, pb := a.Projection(), b.Projection()
	if pa == pb {
		return true
	}
	if pa == "" || pb == "" {
		return false
	}
	sa, sb := a.ds.SpatialRef(), b.ds.SpatialRef()
	defer sa.Close()
	defer sb.Close()
	return sa.IsSame(sb)
}

type closingReader struct {
	Reader
	onClose func()
}

func (c *closingReader) Close() error {
	c.onClose()
	return c.Reader.Close()
}

func (m *MosaicReader) Size() (int, int)                   { return m.width, m.height }
func (m *MosaicReader) BandCount() int                     { return m.bands }
func (m *MosaicReader) NoData() (float64, bool)            { return m.readers[0].NoData() }
func (m *MosaicReader) CRSTransformer() geo.CRSTransformer { return m.transformer }
func (m *MosaicReader) Affine() geo.Affine                 { return m.affine }

// Projection is the WKT of the first file; empty for in-memory mosaics.
func (m *MosaicReader) Projection() string { return m.projection }

func (m *MosaicReader) ReadRaw(w geo.Window, bands []int) (*Image, error) {
	fill, _ := m.NoData()
	out := NewFilledImage(w.H, w.W, len(bands), fill)
	for i, r := range m.readers {
		inter, ok := w.Intersect(m.offsets[i])
		if !ok {
			continue
		}
		sub, err := r.ReadRaw(inter.Shift(-m.offsets[i].X, -m.offsets[i].Y), bands)
		if err != nil {
			return nil, fmt.Errorf("mosaic file %d: %w", i, err)
		}
		nd, hasNd := r.NoData()
		out.Paste(sub, inter.Y-w.Y, inter.X-w.X, nd, hasNd)
	}
	return out, nil
}

func (m *MosaicReader) Close() (err error) {
	for _, r := range m.readers {
		if e := r.Close(); e != nil && err == nil {
			err = e
		}
	}
	return
}
