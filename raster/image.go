// Package raster provides windowed read access over georeferenced rasters and the
// pixel transformer chain applied to chips.
package raster

import (
	"fmt"
	"math"
)

// Image is a row-major H x W x C pixel array.
type Image struct {
	H    int       `json:"h"`
	W    int       `json:"w"`
	C    int       `json:"c"`
	Data []float64 `json:"data"`
}

func NewImage(h, w, c int) *Image {
	return &Image{H: h, W: w, C: c, Data: make([]float64, h*w*c)}
}

// NewFilledImage returns an image with every sample set to v.
func NewFilledImage(h, w, c int, v float64) *Image {
	img := NewImage(h, w, c)
	if v != 0 {
		for i := range img.Data {
			img.Data[i] = v
		}
	}
	return img
}

func (m *Image) index(y, x, c int) int {
	return (y*m.W+x)*m.C + c
}

func (m *Image) At(y, x, c int) float64 {
	return m.Data[m.index(y, x, c)]
}

func (m *Image) Set(y, x, c int, v float64) {
	m.Data[m.index(y, x, c)] = v
}

// Pixel returns the channel values of one pixel; the slice aliases Data.
func (m *Image) Pixel(y, x int) []float64 {
	i := m.index(y, x, 0)
	return m.Data[i : i+m.C]
}

func (m *Image) Clone() *Image {
	c := &Image{H: m.H, W: m.W, C: m.C, Data: make([]float64, len(m.Data))}
	copy(c.Data, m.Data)
	return c
}

// Channel returns a copy of channel c as a row-major H x W slice.
func (m *Image) Channel(c int) []float64 {
	out := make([]float64, m.H*m.W)
	for i := range out {
		out[i] = m.Data[i*m.C+c]
	}
	return out
}

// Paste copies src into m with its top-left corner at (y0, x0). Samples of src equal
// to skip are not copied when hasSkip is set.
func (m *Image) Paste(src *Image, y0, x0 int, skip float64, hasSkip bool) {
	for y := 0; y < src.H; y++ {
		ty := y + y0
		if ty < 0 || ty >= m.H {
			continue
		}
		for x := 0; x < src.W; x++ {
			tx := x + x0
			if tx < 0 || tx >= m.W {
				continue
			}
			for c := 0; c < m.C && c < src.C; c++ {
				v := src.At(y, x, c)
				if hasSkip && (v == skip || (math.IsNaN(skip) && math.IsNaN(v))) {
					continue
				}
				m.Set(ty, tx, c, v)
			}
		}
	}
}

// SelectChannels returns a new image holding channels order[i] of m.
func (m *Image) SelectChannels(order []int) (*Image, error) {
	out := NewImage(m.H, m.W, len(order))
	for _, c := range order {
		if c < 0 || c >= m.C {
			return nil, fmt.Errorf("%w: channel %d of %d", ErrChannelMismatch, c, m.C)
		}
	}
	for p := 0; p < m.H*m.W; p++ {
		for i, c := range order {
			out.Data[p*out.C+i] = m.Data[p*m.C+c]
		}
	}
	return out, nil
}

// ConcatChannels stacks images with equal H and W along the channel axis.
func ConcatChannels(imgs ...*Image) (*Image, error) {
	if len(imgs) == 0 {
		return nil, ErrChannelMismatch
	}
	h, w, c := imgs[0].H, imgs[0].W, 0
	for _, img := range imgs {
		if img.H != h || img.W != w {
			return nil, fmt.Errorf("%w: %dx%d vs %dx%d", ErrShapeMismatch, img.H, img.W, h, w)
		}
		c += img.C
	}
	out := NewImage(h, w, c)
	for p := 0; p < h*w; p++ {
		off := 0
		for _, img := range imgs {
			copy(out.Data[p*c+off:p*c+off+img.C], img.Data[p*img.C:(p+1)*img.C])
			off += img.C
		}
	}
	return out, nil
}

// ResizeNearest resamples m to h x w with nearest neighbour sampling.
func (m *Image) ResizeNearest(h, w int) *Image {
	if h == m.H && w == m.W {
		return m
	}
	out := NewImage(h, w, m.C)
	for y := 0; y < h; y++ {
		sy := min(int((float64(y)+0.5)*float64(m.H)/float64(h)), m.H-1)
		for x := 0; x < w; x++ {
			sx := min(int((float64(x)+0.5)*float64(m.W)/float64(w)), m.W-1)
			copy(out.Pixel(y, x), m.Pixel(sy, sx))
		}
	}
	return out
}
