package geo

import (
	"github.com/paulmach/orb"
)

// Polygonize returns one multipolygon per 4-connected component of pixels equal to value
// in a row-major width x height class raster. Each component is the union of its
// horizontal pixel runs, offset by origin so coordinates are scene pixels.
// The output preserves the pixel footprint exactly; it is not simplified.
func Polygonize(classes []int, width, height, value int, origin Window) (ret []orb.MultiPolygon) {
	if width <= 0 || height <= 0 || len(classes) < width*height {
		return
	}
	comp := make([]int, width*height)
	for i := range comp {
		comp[i] = -1
	}
	var (
		stack []int
		n     int
	)
	for start, c := range classes[:width*height] {
		if c != value || comp[start] >= 0 {
			continue
		}
		comp[start] = n
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%width, i/width
			for _, nb := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				if nb[0] < 0 || nb[1] < 0 || nb[0] >= width || nb[1] >= height {
					continue
				}
				j := nb[1]*width + nb[0]
				if classes[j] == value && comp[j] < 0 {
					comp[j] = n
					stack = append(stack, j)
				}
			}
		}
		n++
	}
	ret = make([]orb.MultiPolygon, n)
	for y := 0; y < height; y++ {
		for x := 0; x < width; {
			id := comp[y*width+x]
			if id < 0 {
				x++
				continue
			}
			x0 := x
			for x < width && comp[y*width+x] == id {
				x++
			}
			run := Box{
				Xmin: float64(origin.X + x0),
				Ymin: float64(origin.Y + y),
				Xmax: float64(origin.X + x),
				Ymax: float64(origin.Y + y + 1),
			}
			ret[id] = append(ret[id], run.Polygon())
		}
	}
	return
}
