package raster

import (
	"context"
	"errors"
	"testing"

	"github.com/wgdzlh/rvpipe/geo"

	"github.com/google/go-cmp/cmp"
)

// ramp returns an h x w x c image with value 1000*c + y*w + x.
func ramp(h, w, c int) *Image {
	img := NewImage(h, w, c)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for k := 0; k < c; k++ {
				img.Set(y, x, k, float64(1000*k+y*w+x))
			}
		}
	}
	return img
}

func newRampSource(t *testing.T, h, w, c int, opts SourceOptions) *BasicSource {
	t.Helper()
	r, err := NewArrayReader(ramp(h, w, c), nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSource(r, opts)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestReadWindowInside(t *testing.T) {
	s := newRampSource(t, 600, 600, 1, SourceOptions{})
	img, err := s.ReadWindow(context.Background(), geo.NewWindow(100, 200, 300, 300))
	if err != nil {
		t.Fatal(err)
	}
	if img.H != 300 || img.W != 300 || img.C != 1 {
		t.Fatalf("shape %dx%dx%d", img.H, img.W, img.C)
	}
	if got := img.At(0, 0, 0); got != 200*600+100 {
		t.Errorf("top-left %v", got)
	}
}

func TestReadWindowStraddlingRightEdge(t *testing.T) {
	const fill = 0
	s := newRampSource(t, 300, 300, 2, SourceOptions{FillValue: fill})
	img, err := s.ReadWindow(context.Background(), geo.NewWindow(10, 0, 300, 300))
	if err != nil {
		t.Fatal(err)
	}
	if img.H != 300 || img.W != 300 {
		t.Fatalf("padded window has shape %dx%d", img.H, img.W)
	}
	for y := 0; y < 300; y++ {
		for x := 0; x < 300; x++ {
			for c := 0; c < 2; c++ {
				want := float64(1000*c + y*300 + x + 10)
				if x >= 290 {
					want = fill
				}
				if got := img.At(y, x, c); got != want {
					t.Fatalf("pixel (%d,%d,%d) = %v, want %v", y, x, c, got, want)
				}
			}
		}
	}
}

func TestReadWindowPolicyAllEdges(t *testing.T) {
	s := newRampSource(t, 50, 50, 1, SourceOptions{FillValue: -1})
	for _, w := range []geo.Window{
		geo.NewWindow(-10, 0, 20, 20),
		geo.NewWindow(0, -10, 20, 20),
		geo.NewWindow(40, 40, 20, 20),
		geo.NewWindow(-5, -5, 60, 60),
	} {
		img, err := s.ReadWindow(context.Background(), w)
		if err != nil {
			t.Fatalf("%v: %v", w, err)
		}
		if img.H != w.H || img.W != w.W {
			t.Errorf("%v: shape %dx%d", w, img.H, img.W)
		}
		if img.At(0, 0, 0) != -1 && (w.X < 0 || w.Y < 0) {
			t.Errorf("%v: corner not padded", w)
		}
	}
	if _, err := s.ReadWindow(context.Background(), geo.NewWindow(60, 0, 10, 10)); !errors.Is(err, ErrWindowOutOfBounds) {
		t.Errorf("disjoint window: %v", err)
	}
}

func TestChannelOrder(t *testing.T) {
	s := newRampSource(t, 4, 4, 3, SourceOptions{ChannelOrder: []int{2, 0}})
	if s.NumChannels() != 2 {
		t.Fatalf("channels %d", s.NumChannels())
	}
	img, err := s.ReadWindow(context.Background(), geo.NewWindow(1, 1, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{2005, 5}, img.Data); diff != "" {
		t.Errorf("channel order (-want +got):\n%s", diff)
	}
	r, _ := NewArrayReader(ramp(4, 4, 3), nil)
	if _, err = NewSource(r, SourceOptions{ChannelOrder: []int{3}}); !errors.Is(err, ErrChannelMismatch) {
		t.Errorf("expected ErrChannelMismatch, got %v", err)
	}
}

func TestExtentCrop(t *testing.T) {
	ext := geo.NewWindow(10, 10, 20, 20)
	s := newRampSource(t, 50, 50, 1, SourceOptions{Extent: &ext, FillValue: -1})
	img, err := s.ReadWindow(context.Background(), geo.NewWindow(25, 10, 10, 1))
	if err != nil {
		t.Fatal(err)
	}
	if img.At(0, 4, 0) != 10*50+29 || img.At(0, 5, 0) != -1 {
		t.Errorf("crop boundary wrong: %v", img.Data)
	}
}

func TestMosaicPriority(t *testing.T) {
	a := NewFilledImage(4, 4, 1, 1)
	b := NewFilledImage(4, 4, 1, 2)
	b.Set(0, 0, 0, 255) // nodata in b
	ra, _ := NewArrayReader(a, &geo.Affine{0, 1, 0, 0, 0, -1})
	rb, _ := NewArrayReader(b, &geo.Affine{2, 1, 0, 0, 0, -1})
	rb.WithNoData(255)
	m, err := NewMosaicReader([]Reader{ra, rb}, []geo.Affine{ra.Affine(), rb.Affine()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if w, h := m.Size(); w != 6 || h != 4 {
		t.Fatalf("mosaic size %dx%d", w, h)
	}
	img, err := m.ReadRaw(geo.NewWindow(0, 0, 6, 1), []int{0})
	if err != nil {
		t.Fatal(err)
	}
	// b overwrites a from column 2, except its nodata pixel at column 2
	if diff := cmp.Diff([]float64{1, 1, 1, 2, 2, 2}, img.Data); diff != "" {
		t.Errorf("mosaic row (-want +got):\n%s", diff)
	}

	rc, _ := NewArrayReader(a, &geo.Affine{0.5, 1, 0, 0, 0, -1})
	if _, err = NewMosaicReader([]Reader{ra, rc}, []geo.Affine{ra.Affine(), rc.Affine()}, nil); !errors.Is(err, ErrGridMismatch) {
		t.Errorf("expected ErrGridMismatch, got %v", err)
	}
}

func TestMultiSourceTransformErrorWindow(t *testing.T) {
	r, _ := NewArrayReader(NewFilledImage(4, 4, 1, 7), nil)
	sub, _ := NewSource(r, SourceOptions{})
	m, err := NewMultiSource([]Source{sub}, 0, nil, Chain{ReclassTransformer{Mapping: map[int]int{1: 2}, Strict: true}})
	if err != nil {
		t.Fatal(err)
	}
	w := geo.NewWindow(2, 2, 2, 2)
	_, err = m.ReadWindow(context.Background(), w)
	var we *WindowError
	if !errors.As(err, &we) || we.Window != w {
		t.Fatalf("expected window error at %v, got %v", w, err)
	}
	if !errors.Is(err, ErrUnmappedClass) {
		t.Errorf("cause lost: %v", err)
	}
}

func TestMultiSource(t *testing.T) {
	hi := newRampSource(t, 4, 4, 1, SourceOptions{})
	lr, _ := NewArrayReader(NewFilledImage(2, 2, 2, 7), nil)
	lo, _ := NewSource(lr, SourceOptions{})
	m, err := NewMultiSource([]Source{hi, lo}, 0, []int{2, 0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	img, err := m.ReadWindow(context.Background(), geo.NewWindow(0, 0, 4, 4))
	if err != nil {
		t.Fatal(err)
	}
	if img.C != 2 || img.H != 4 || img.W != 4 {
		t.Fatalf("shape %dx%dx%d", img.H, img.W, img.C)
	}
	if img.At(3, 3, 0) != 7 || img.At(3, 3, 1) != 15 {
		t.Errorf("pixel %v", img.Pixel(3, 3))
	}
}
