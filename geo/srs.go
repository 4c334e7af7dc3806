package geo

import (
	"errors"
	"math"
	"sync"

	"github.com/wgdzlh/rvpipe/log"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"
	"go.uber.org/zap"
)

const (
	// UNIVERSAL_SRID is the CRS of map coordinates for reprojected rasters and vectors.
	UNIVERSAL_SRID = 4326
)

var (
	ErrVoidSrs = errors.New("geo: raster has no spatial reference")
)

var registerOnce sync.Once

// RegisterDrivers registers all GDAL raster and vector drivers once per process.
func RegisterDrivers() {
	registerOnce.Do(godal.RegisterAll)
}

// SrsCache keeps EPSG spatial references alive for reuse; they are released by Close.
type SrsCache struct {
	refMap map[int]*godal.SpatialRef
	rLock  sync.Mutex
	logTag string
}

func NewSrsCache() *SrsCache {
	return &SrsCache{
		refMap: map[int]*godal.SpatialRef{},
		logTag: "SrsCache:",
	}
}

// Get returns the spatial reference for srid. godal creates EPSG references
// with the traditional GIS (lon, lat) axis order, which is what every vector here uses.
func (c *SrsCache) Get(srid int) (ref *godal.SpatialRef, err error) {
	c.rLock.Lock()
	defer c.rLock.Unlock()
	ref, ok := c.refMap[srid]
	if ok {
		return
	}
	if ref, err = godal.NewSpatialRefFromEPSG(srid); err != nil {
		log.Error(c.logTag+"set ref srid failed", zap.Int("srid", srid), zap.Error(err))
		return
	}
	c.refMap[srid] = ref
	return
}

func (c *SrsCache) Close() {
	c.rLock.Lock()
	defer c.rLock.Unlock()
	for k, ref := range c.refMap {
		ref.Close()
		delete(c.refMap, k)
	}
}

// ReprojectingTransformer maps pixels to a map CRS other than the raster's own,
// going through the raster geotransform and an OGR coordinate transformation.
type ReprojectingTransformer struct {
	affine  *AffineTransformer
	toMap   *godal.Transform
	toPixel *godal.Transform
	mu      sync.Mutex
	logTag  string
}

var _ CRSTransformer = (*ReprojectingTransformer)(nil)

func NewReprojectingTransformer(gt Affine, rasterSrs, mapSrs *godal.SpatialRef) (t *ReprojectingTransformer, err error) {
	if rasterSrs == nil {
		err = ErrVoidSrs
		return
	}
	affine, err := NewAffineTransformer(gt)
	if err != nil {
		return
	}
	toMap, err := godal.NewTransform(rasterSrs, mapSrs)
	if err != nil {
		return
	}
	toPixel, err := godal.NewTransform(mapSrs, rasterSrs)
	if err != nil {
		toMap.Close()
		return
	}
	t = &ReprojectingTransformer{
		affine:  affine,
		toMap:   toMap,
		toPixel: toPixel,
		logTag:  "ReprojectingTransformer:",
	}
	return
}

func (t *ReprojectingTransformer) Affine() Affine { return t.affine.Affine() }

func (t *ReprojectingTransformer) PixelToMap(p orb.Point) orb.Point {
	return t.apply(t.toMap, t.affine.PixelToMap(p))
}

func (t *ReprojectingTransformer) MapToPixel(p orb.Point) orb.Point {
	return t.affine.MapToPixel(t.apply(t.toPixel, p))
}

func (t *ReprojectingTransformer) apply(trn *godal.Transform, p orb.Point) orb.Point {
	x, y, z := []float64{p[0]}, []float64{p[1]}, []float64{0}
	ok := []bool{false}
	t.mu.Lock()
	err := trn.TransformEx(x, y, z, ok)
	t.mu.Unlock()
	if err != nil || !ok[0] {
		log.Error(t.logTag+"point transform failed", zap.Float64("x", p[0]), zap.Float64("y", p[1]), zap.Error(err))
		return orb.Point{math.NaN(), math.NaN()}
	}
	return orb.Point{x[0], y[0]}
}

func (t *ReprojectingTransformer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toMap.Close()
	t.toPixel.Close()
}
