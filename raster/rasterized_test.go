package raster

import (
	"context"
	"testing"

	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/vector"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func feature(g orb.Geometry, classID int) *geojson.Feature {
	f := geojson.NewFeature(g)
	f.Properties[vector.PropClassID] = classID
	return f
}

func TestRasterizedSource(t *testing.T) {
	vs := vector.NewMemorySource([]*geojson.Feature{
		feature(geo.NewWindow(0, 0, 4, 4).Polygon(), 1),
		feature(geo.NewWindow(2, 2, 4, 4).Polygon(), 2),
		feature(orb.LineString{{0, 5.5}, {6, 5.5}}, 3),
	})
	s, err := NewRasterizedSource(vs, nil, RasterizedOptions{Extent: geo.WindowFromSize(6, 6)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	img, err := s.ReadWindow(context.Background(), geo.NewWindow(0, 0, 7, 6))
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{
		1, 1, 1, 1, 0, 0, 0,
		1, 1, 1, 1, 0, 0, 0,
		1, 1, 2, 2, 2, 2, 0,
		1, 1, 2, 2, 2, 2, 0,
		0, 0, 2, 2, 2, 2, 0,
		3, 3, 3, 3, 3, 3, 0,
	}
	if diff := cmp.Diff(want, img.Data); diff != "" {
		t.Errorf("class raster (-want +got):\n%s", diff)
	}
}
