package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Burn is a pixel-coordinate geometry and the value written where it covers a pixel center.
type Burn struct {
	Geometry orb.Geometry
	Value    float64
}

// Rasterize burns shapes into dst, a row-major w.W x w.H buffer covering window w.
// A pixel is covered when its center lies inside a polygon, within lineWidth/2 of a
// line, or when a point falls inside it. Later shapes overwrite earlier ones.
func Rasterize(dst []float64, w Window, shapes []Burn, lineWidth float64) {
	if w.Empty() || len(dst) < w.Area() {
		return
	}
	if lineWidth <= 0 {
		lineWidth = 1
	}
	for _, s := range shapes {
		burnGeometry(dst, w, s.Geometry, s.Value, lineWidth/2)
	}
}

// CoverageMask reports for every pixel of w whether its center lies inside any of polys.
func CoverageMask(w Window, polys []orb.Polygon) []bool {
	buf := make([]float64, max(w.Area(), 0))
	shapes := make([]Burn, len(polys))
	for i, p := range polys {
		shapes[i] = Burn{Geometry: p, Value: 1}
	}
	Rasterize(buf, w, shapes, 1)
	mask := make([]bool, len(buf))
	for i, v := range buf {
		mask[i] = v != 0
	}
	return mask
}

// FullyCovered reports whether every pixel center of w lies inside polys.
func FullyCovered(w Window, polys []orb.Polygon) bool {
	if len(polys) == 0 {
		return false
	}
	for _, ok := range CoverageMask(w, polys) {
		if !ok {
			return false
		}
	}
	return true
}

func burnGeometry(dst []float64, w Window, g orb.Geometry, v, halfWidth float64) {
	switch t := g.(type) {
	case orb.Polygon:
		burnArea(dst, w, t.Bound(), v, func(p orb.Point) bool { return planar.PolygonContains(t, p) })
	case orb.MultiPolygon:
		burnArea(dst, w, t.Bound(), v, func(p orb.Point) bool { return planar.MultiPolygonContains(t, p) })
	case orb.Ring:
		burnGeometry(dst, w, orb.Polygon{t}, v, halfWidth)
	case orb.Bound:
		burnGeometry(dst, w, t.ToPolygon(), v, halfWidth)
	case orb.LineString:
		burnArea(dst, w, t.Bound().Pad(halfWidth), v, func(p orb.Point) bool { return nearLine(t, p, halfWidth) })
	case orb.MultiLineString:
		for _, ls := range t {
			burnGeometry(dst, w, ls, v, halfWidth)
		}
	case orb.Point:
		burnPoint(dst, w, t, v)
	case orb.MultiPoint:
		for _, p := range t {
			burnPoint(dst, w, p, v)
		}
	case orb.Collection:
		for _, sub := range t {
			burnGeometry(dst, w, sub, v, halfWidth)
		}
	}
}

func burnArea(dst []float64, w Window, b orb.Bound, v float64, inside func(orb.Point) bool) {
	x0 := max(int(math.Floor(b.Min[0])), w.X)
	y0 := max(int(math.Floor(b.Min[1])), w.Y)
	x1 := min(int(math.Ceil(b.Max[0])), w.Right())
	y1 := min(int(math.Ceil(b.Max[1])), w.Bottom())
	for y := y0; y < y1; y++ {
		row := (y - w.Y) * w.W
		for x := x0; x < x1; x++ {
			if inside(orb.Point{float64(x) + 0.5, float64(y) + 0.5}) {
				dst[row+x-w.X] = v
			}
		}
	}
}

func burnPoint(dst []float64, w Window, p orb.Point, v float64) {
	x, y := int(math.Floor(p[0])), int(math.Floor(p[1]))
	if x < w.X || y < w.Y || x >= w.Right() || y >= w.Bottom() {
		return
	}
	dst[(y-w.Y)*w.W+x-w.X] = v
}

func nearLine(ls orb.LineString, p orb.Point, halfWidth float64) bool {
	if len(ls) == 1 {
		return planar.Distance(ls[0], p) <= halfWidth
	}
	for i := 1; i < len(ls); i++ {
		if planar.DistanceFromSegment(ls[i-1], ls[i], p) <= halfWidth {
			return true
		}
	}
	return false
}
