package geo

import (
	"errors"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

var (
	ErrSingularTransform = errors.New("geo: affine transform is not invertible")
)

// CRSTransformer converts between scene pixel coordinates (col, row) and map coordinates.
type CRSTransformer interface {
	PixelToMap(p orb.Point) orb.Point
	MapToPixel(p orb.Point) orb.Point
}

// Affine is a GDAL style geotransform:
//
//	x = a[0] + col*a[1] + row*a[2]
//	y = a[3] + col*a[4] + row*a[5]
type Affine [6]float64

// IdentityAffine maps pixel coordinates onto themselves.
func IdentityAffine() Affine {
	return Affine{0, 1, 0, 0, 0, 1}
}

func (a Affine) Apply(col, row float64) (x, y float64) {
	x = a[0] + col*a[1] + row*a[2]
	y = a[3] + col*a[4] + row*a[5]
	return
}

// Invert returns the inverse affine.
func (a Affine) Invert() (inv Affine, err error) {
	det := a[1]*a[5] - a[2]*a[4]
	if det == 0 {
		err = ErrSingularTransform
		return
	}
	inv[1] = a[5] / det
	inv[2] = -a[2] / det
	inv[4] = -a[4] / det
	inv[5] = a[1] / det
	inv[0] = -(inv[1]*a[0] + inv[2]*a[3])
	inv[3] = -(inv[4]*a[0] + inv[5]*a[3])
	return
}

// AffineTransformer maps pixels to the raster's own CRS through its geotransform.
type AffineTransformer struct {
	fwd Affine
	inv Affine
}

var _ CRSTransformer = (*AffineTransformer)(nil)

func NewAffineTransformer(gt Affine) (t *AffineTransformer, err error) {
	inv, err := gt.Invert()
	if err != nil {
		return
	}
	t = &AffineTransformer{fwd: gt, inv: inv}
	return
}

// IdentityTransformer is used for rasters without georeferencing.
func IdentityTransformer() *AffineTransformer {
	return &AffineTransformer{fwd: IdentityAffine(), inv: IdentityAffine()}
}

func (t *AffineTransformer) Affine() Affine { return t.fwd }

func (t *AffineTransformer) PixelToMap(p orb.Point) orb.Point {
	x, y := t.fwd.Apply(p[0], p[1])
	return orb.Point{x, y}
}

func (t *AffineTransformer) MapToPixel(p orb.Point) orb.Point {
	x, y := t.inv.Apply(p[0], p[1])
	return orb.Point{x, y}
}

// TransformGeometry applies fn to every vertex of a copy of g.
func TransformGeometry(g orb.Geometry, fn func(orb.Point) orb.Point) orb.Geometry {
	if g == nil {
		return nil
	}
	return project.Geometry(orb.Clone(g), orb.Projection(fn))
}

// GeometryToPixel maps a map-coordinate geometry into pixel coordinates.
func GeometryToPixel(t CRSTransformer, g orb.Geometry) orb.Geometry {
	return TransformGeometry(g, t.MapToPixel)
}

// GeometryToMap maps a pixel-coordinate geometry into map coordinates.
func GeometryToMap(t CRSTransformer, g orb.Geometry) orb.Geometry {
	return TransformGeometry(g, t.PixelToMap)
}

// BoxToMap returns the bounding box of the transformed corners of a pixel box.
func BoxToMap(t CRSTransformer, b Box) Box {
	return BoxFromBound(GeometryToMap(t, b.Polygon()).Bound())
}

// BoxToPixel returns the bounding box of the transformed corners of a map box.
func BoxToPixel(t CRSTransformer, b Box) Box {
	return BoxFromBound(GeometryToPixel(t, b.Polygon()).Bound())
}
