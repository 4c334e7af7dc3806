package geo

import (
	"math"

	"github.com/paulmach/orb"
)

// Box is an axis aligned rectangle in pixel or map coordinates.
type Box struct {
	Xmin float64 `json:"xmin"`
	Ymin float64 `json:"ymin"`
	Xmax float64 `json:"xmax"`
	Ymax float64 `json:"ymax"`
}

func BoxFromBound(b orb.Bound) Box {
	return Box{Xmin: b.Min[0], Ymin: b.Min[1], Xmax: b.Max[0], Ymax: b.Max[1]}
}

func (b Box) Width() float64  { return b.Xmax - b.Xmin }
func (b Box) Height() float64 { return b.Ymax - b.Ymin }

func (b Box) Area() float64 {
	if b.Xmax <= b.Xmin || b.Ymax <= b.Ymin {
		return 0
	}
	return b.Width() * b.Height()
}

func (b Box) Translate(dx, dy float64) Box {
	return Box{Xmin: b.Xmin + dx, Ymin: b.Ymin + dy, Xmax: b.Xmax + dx, Ymax: b.Ymax + dy}
}

// Intersection returns the overlap of two boxes; ok is false for an empty overlap.
func (b Box) Intersection(o Box) (ret Box, ok bool) {
	ret = Box{
		Xmin: math.Max(b.Xmin, o.Xmin),
		Ymin: math.Max(b.Ymin, o.Ymin),
		Xmax: math.Min(b.Xmax, o.Xmax),
		Ymax: math.Min(b.Ymax, o.Ymax),
	}
	ok = ret.Xmax > ret.Xmin && ret.Ymax > ret.Ymin
	return
}

// IoU is the intersection over union of two boxes, 0 when either is empty.
func (b Box) IoU(o Box) float64 {
	in, ok := b.Intersection(o)
	if !ok {
		return 0
	}
	inter := in.Area()
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Clip limits b to the window w.
func (b Box) Clip(w Window) (Box, bool) {
	return b.Intersection(w.Box())
}

func (b Box) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.Xmin, b.Ymin}, Max: orb.Point{b.Xmax, b.Ymax}}
}

// Polygon returns the closed ring of b, counter-clockwise in a y-up frame.
func (b Box) Polygon() orb.Polygon {
	return orb.Polygon{orb.Ring{
		{b.Xmin, b.Ymin}, {b.Xmax, b.Ymin}, {b.Xmax, b.Ymax}, {b.Xmin, b.Ymax}, {b.Xmin, b.Ymin},
	}}
}

// RoundWindow snaps a pixel box to the nearest integer window.
func (b Box) RoundWindow() Window {
	x0, y0 := int(math.Round(b.Xmin)), int(math.Round(b.Ymin))
	x1, y1 := int(math.Round(b.Xmax)), int(math.Round(b.Ymax))
	return Window{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}
