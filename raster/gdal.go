package raster

import (
	"fmt"
	"sync"

	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/log"

	"github.com/airbusgeo/godal"
	"go.uber.org/zap"
)

// GdalReader reads windows of any raster GDAL can open (GeoTIFF, VRT, PNG, JPEG...).
// GDAL datasets are not safe for concurrent reads, so reads are serialized.
type GdalReader struct {
	uri         string
	ds          *godal.Dataset
	width       int
	height      int
	bands       int
	nodata      float64
	hasNoData   bool
	affine      geo.Affine
	transformer geo.CRSTransformer
	closer      func()
	mu          sync.Mutex
	logTag      string
}

var (
	_ Reader        = (*GdalReader)(nil)
	_ Georeferenced = (*GdalReader)(nil)
)

// GdalOptions controls how map coordinates are derived from an opened raster.
type GdalOptions struct {
	// MapSrid reprojects map coordinates into this EPSG code when the raster has a
	// spatial reference. 0 keeps the raster's own CRS.
	MapSrid int
	Srs     *geo.SrsCache
}

// OpenGdal opens a local (or GDAL virtual file system) raster path.
func OpenGdal(path string, opts GdalOptions) (r *GdalReader, err error) {
	geo.RegisterDrivers()
	r = &GdalReader{uri: path, logTag: "GdalReader:"}
	r.ds, err = godal.Open(path, godal.RasterOnly())
	if err != nil {
		log.Error(r.logTag+"open tif failed", zap.String("uri", path), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTif, path, err)
	}
	st := r.ds.Structure()
	r.width, r.height, r.bands = st.SizeX, st.SizeY, st.NBands
	if r.bands == 0 {
		r.ds.Close()
		return nil, fmt.Errorf("%w: %s has no bands", ErrInvalidTif, path)
	}
	r.nodata, r.hasNoData = r.ds.Bands()[0].NoData()
	gt, gerr := r.ds.GeoTransform()
	if gerr != nil {
		gt = geo.IdentityAffine()
	}
	r.affine = gt
	if r.transformer, r.closer, err = newTransformer(r.ds, gt, opts); err != nil {
		r.ds.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Info(r.logTag+"opened raster", zap.String("uri", path), zap.Int("width", r.width),
		zap.Int("height", r.height), zap.Int("bands", r.bands), zap.Bool("georeferenced", gerr == nil))
	return
}

func newTransformer(ds *godal.Dataset, gt geo.Affine, opts GdalOptions) (t geo.CRSTransformer, closer func(), err error) {
	if opts.MapSrid > 0 && ds.Projection() != "" {
		srs := opts.Srs
		if srs == nil {
			srs = geo.NewSrsCache()
			defer func() {
				if err != nil {
					srs.Close()
				}
			}()
		}
		var mapRef *godal.SpatialRef
		if mapRef, err = srs.Get(opts.MapSrid); err != nil {
			return
		}
		var rt *geo.ReprojectingTransformer
		if rt, err = geo.NewReprojectingTransformer(gt, ds.SpatialRef(), mapRef); err != nil {
			return
		}
		t = rt
		closer = rt.Close
		if opts.Srs == nil {
			closer = func() { rt.Close(); srs.Close() }
		}
		return
	}
	t, err = geo.NewAffineTransformer(gt)
	return
}

func (r *GdalReader) Size() (int, int)                   { return r.width, r.height }
func (r *GdalReader) BandCount() int                     { return r.bands }
func (r *GdalReader) NoData() (float64, bool)            { return r.nodata, r.hasNoData }
func (r *GdalReader) CRSTransformer() geo.CRSTransformer { return r.transformer }
func (r *GdalReader) Affine() geo.Affine                 { return r.affine }
func (r *GdalReader) Projection() string                 { return r.ds.Projection() }
func (r *GdalReader) URI() string                        { return r.uri }

func (r *GdalReader) ReadRaw(w geo.Window, bands []int) (*Image, error) {
	if !geo.WindowFromSize(r.width, r.height).Contains(w) {
		return nil, fmt.Errorf("%w: %v", ErrWindowOutOfBounds, w)
	}
	for _, b := range bands {
		if b < 0 || b >= r.bands {
			return nil, fmt.Errorf("%w: band %d of %d", ErrChannelMismatch, b, r.bands)
		}
	}
	out := NewImage(w.H, w.W, len(bands))
	r.mu.Lock()
	err := r.ds.Read(w.X, w.Y, out.Data, w.W, w.H, godal.Bands(bands...))
	r.mu.Unlock()
	if err != nil {
		log.Error(r.logTag+"read window failed", zap.String("uri", r.uri), zap.Stringer("window", w), zap.Error(err))
		return nil, fmt.Errorf("%w: %s %v: %v", ErrRasterRead, r.uri, w, err)
	}
	return out, nil
}

func (r *GdalReader) Close() (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ds == nil {
		return
	}
	if r.closer != nil {
		r.closer()
	}
	err = r.ds.Close()
	r.ds = nil
	return
}

// WriteOptions describes the GeoTIFF produced by WriteGdal.
type WriteOptions struct {
	Affine     *geo.Affine
	Projection string
	Dtype      string // uint8 (default), uint16, int16, int32, float32, float64
	NoData     *float64
}

func gdalDtype(s string) (dt godal.DataType, err error) {
	switch s {
	case "", "uint8":
		dt = godal.Byte
	case "uint16":
		dt = godal.UInt16
	case "int16":
		dt = godal.Int16
	case "int32":
		dt = godal.Int32
	case "float32":
		dt = godal.Float32
	case "float64":
		dt = godal.Float64
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedDtype, s)
	}
	return
}

// WriteGdal writes img as a compressed GeoTIFF at path.
func WriteGdal(path string, img *Image, opts WriteOptions) (err error) {
	geo.RegisterDrivers()
	dt, err := gdalDtype(opts.Dtype)
	if err != nil {
		return
	}
	ds, err := godal.Create(godal.GTiff, path, img.C, dt, img.W, img.H, godal.CreationOption("COMPRESS=LZW"))
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrRasterWrite, path, err)
	}
	defer func() {
		if cerr := ds.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: close %s: %v", ErrRasterWrite, path, cerr)
		}
	}()
	if opts.Affine != nil {
		if err = ds.SetGeoTransform(*opts.Affine); err != nil {
			return
		}
	}
	if opts.Projection != "" {
		if err = ds.SetProjection(opts.Projection); err != nil {
			return
		}
	}
	if opts.NoData != nil {
		for _, b := range ds.Bands() {
			if err = b.SetNoData(*opts.NoData); err != nil {
				return
			}
		}
	}
	if err = ds.Write(0, 0, img.Data, img.W, img.H); err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrRasterWrite, path, err)
	}
	return
}
