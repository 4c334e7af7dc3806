// Package geo holds the pixel and map geometry shared by rasters, vectors and labels:
// windows, boxes, affine and CRS transforms, rasterization and polygonization.
package geo

import (
	"fmt"
	"math/rand"

	"github.com/paulmach/orb"
)

// Window is a pixel rectangle. X is the column offset, Y the row offset.
type Window struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
	W int `json:"w" yaml:"w"`
	H int `json:"h" yaml:"h"`
}

func NewWindow(x, y, w, h int) Window {
	return Window{X: x, Y: y, W: w, H: h}
}

// WindowFromSize returns the window covering a whole width x height raster.
func WindowFromSize(width, height int) Window {
	return Window{W: width, H: height}
}

func (w Window) Empty() bool {
	return w.W <= 0 || w.H <= 0
}

func (w Window) Right() int  { return w.X + w.W }
func (w Window) Bottom() int { return w.Y + w.H }
func (w Window) Area() int   { return w.W * w.H }

func (w Window) Shift(dx, dy int) Window {
	return Window{X: w.X + dx, Y: w.Y + dy, W: w.W, H: w.H}
}

// Intersect returns the overlap of w and o; ok is false when they do not overlap.
func (w Window) Intersect(o Window) (ret Window, ok bool) {
	x0, y0 := max(w.X, o.X), max(w.Y, o.Y)
	x1, y1 := min(w.Right(), o.Right()), min(w.Bottom(), o.Bottom())
	if x1 <= x0 || y1 <= y0 {
		return
	}
	return Window{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}, true
}

// Contains reports whether o lies entirely inside w.
func (w Window) Contains(o Window) bool {
	return o.X >= w.X && o.Y >= w.Y && o.Right() <= w.Right() && o.Bottom() <= w.Bottom()
}

// Less orders windows row-major (Y, then X, then size).
func (w Window) Less(o Window) bool {
	if w.Y != o.Y {
		return w.Y < o.Y
	}
	if w.X != o.X {
		return w.X < o.X
	}
	if w.H != o.H {
		return w.H < o.H
	}
	return w.W < o.W
}

func (w Window) Box() Box {
	return Box{Xmin: float64(w.X), Ymin: float64(w.Y), Xmax: float64(w.Right()), Ymax: float64(w.Bottom())}
}

func (w Window) Bound() orb.Bound {
	return w.Box().Bound()
}

func (w Window) Polygon() orb.Polygon {
	return w.Box().Polygon()
}

func (w Window) String() string {
	return fmt.Sprintf("[%d,%d %dx%d]", w.X, w.Y, w.W, w.H)
}

// SlidingWindows tiles extent with size x size windows stepping by stride.
// Rows and columns start at the extent origin and stop once a window reaches the
// extent edge, so the last windows may straddle it.
func SlidingWindows(extent Window, size, stride int) (ret []Window) {
	if size <= 0 || extent.Empty() {
		return
	}
	if stride <= 0 {
		stride = size
	}
	ys := positions(extent.Y, extent.H, size, stride)
	xs := positions(extent.X, extent.W, size, stride)
	ret = make([]Window, 0, len(ys)*len(xs))
	for _, y := range ys {
		for _, x := range xs {
			ret = append(ret, Window{X: x, Y: y, W: size, H: size})
		}
	}
	return
}

func positions(origin, length, size, stride int) (ret []int) {
	for p := 0; p < length; p += stride {
		ret = append(ret, origin+p)
		if p+size >= length {
			break
		}
	}
	return
}

// RandomWindows draws n size x size windows lying inside extent where possible.
// When the extent is smaller than size the windows start at its origin.
func RandomWindows(extent Window, size, n int, rng *rand.Rand) (ret []Window) {
	if size <= 0 || n <= 0 || extent.Empty() {
		return
	}
	spanX, spanY := extent.W-size, extent.H-size
	ret = make([]Window, n)
	for i := range ret {
		x, y := extent.X, extent.Y
		if spanX > 0 {
			x += rng.Intn(spanX + 1)
		}
		if spanY > 0 {
			y += rng.Intn(spanY + 1)
		}
		ret[i] = Window{X: x, Y: y, W: size, H: size}
	}
	return
}
