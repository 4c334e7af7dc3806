package raster

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/wgdzlh/rvpipe/geo"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
)

func TestGdalWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ramp.tif")
	gt := geo.Affine{500000, 10, 0, 4000000, 0, -10}
	nd := 0.0
	src := ramp(8, 10, 2)
	if err := WriteGdal(path, src, WriteOptions{Affine: &gt, Dtype: "uint16", NoData: &nd}); err != nil {
		t.Fatal(err)
	}
	r, err := OpenGdal(path, GdalOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if w, h := r.Size(); w != 10 || h != 8 || r.BandCount() != 2 {
		t.Fatalf("size %dx%d bands %d", w, h, r.BandCount())
	}
	if v, ok := r.NoData(); !ok || v != 0 {
		t.Errorf("nodata %v %v", v, ok)
	}
	if diff := cmp.Diff(gt, r.Affine()); diff != "" {
		t.Errorf("geotransform (-want +got):\n%s", diff)
	}
	p := r.CRSTransformer().PixelToMap(orb.Point{1, 2})
	if p != (orb.Point{500010, 3999980}) {
		t.Errorf("pixel to map %v", p)
	}

	s, err := NewSource(r, SourceOptions{ChannelOrder: []int{1}})
	if err != nil {
		t.Fatal(err)
	}
	img, err := s.ReadWindow(context.Background(), geo.NewWindow(8, 6, 4, 4))
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{
		1068, 1069, 0, 0,
		1078, 1079, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 0,
	}
	if diff := cmp.Diff(want, img.Data); diff != "" {
		t.Errorf("padded read (-want +got):\n%s", diff)
	}
}

func TestOpenGdalInvalid(t *testing.T) {
	if _, err := OpenGdal(filepath.Join(t.TempDir(), "missing.tif"), GdalOptions{}); !errors.Is(err, ErrInvalidTif) {
		t.Errorf("expected ErrInvalidTif, got %v", err)
	}
}

func TestGdalMosaicProjectionMismatch(t *testing.T) {
	srs := geo.NewSrsCache()
	defer srs.Close()
	wkt := func(srid int) string {
		ref, err := srs.Get(srid)
		if err != nil {
			t.Fatal(err)
		}
		s, err := ref.WKT()
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	dir := t.TempDir()
	write := func(name string, x float64, proj string) string {
		p := filepath.Join(dir, name)
		gt := geo.Affine{x, 1, 0, 0, 0, -1}
		if err := WriteGdal(p, NewFilledImage(4, 4, 1, 1), WriteOptions{Affine: &gt, Projection: proj}); err != nil {
			t.Fatal(err)
		}
		return p
	}
	a := write("a.tif", 0, wkt(3857))
	b := write("b.tif", 4, wkt(3857))
	c := write("c.tif", 4, wkt(4326))

	m, err := OpenGdalMosaic([]string{a, b}, GdalOptions{})
	if err != nil {
		t.Fatal(err)
	}
	m.Close()
	if _, err = OpenGdalMosaic([]string{a, c}, GdalOptions{}); !errors.Is(err, ErrProjectionMismatch) {
		t.Errorf("expected ErrProjectionMismatch, got %v", err)
	}
}
