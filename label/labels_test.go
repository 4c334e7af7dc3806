package label

import (
	"context"
	"errors"
	"testing"

	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/raster"
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

func TestClassConfig(t *testing.T) {
	cc := ClassConfig{Names: []string{"Building", "Road"}, Colors: []string{"#ff0000", "0,255,0"}}
	if err := cc.Validate(); err != nil {
		t.Fatal(err)
	}
	if id, ok := cc.ID("building"); !ok || id != 0 {
		t.Errorf("folded lookup %d %v", id, ok)
	}
	cc.EnsureNullClass()
	if id, ok := cc.NullClassID(); !ok || id != 2 || cc.Colors[2] != "#000000" {
		t.Errorf("null class %d %v %v", id, ok, cc.Colors)
	}
	cm, err := cc.ColorMap()
	if err != nil {
		t.Fatal(err)
	}
	if cm[1] != (Color{0, 255, 0}) {
		t.Errorf("color %v", cm[1])
	}

	dup := ClassConfig{Names: []string{"a", "b"}, Colors: []string{"#010203", "1,2,3"}}
	if _, err = dup.ColorMap(); !errors.Is(err, ErrColorNotInjective) {
		t.Errorf("expected ErrColorNotInjective, got %v", err)
	}
	if err = (&ClassConfig{Names: []string{"a", "A"}}).Validate(); !errors.Is(err, ErrDuplicateClass) {
		t.Errorf("expected ErrDuplicateClass, got %v", err)
	}
}

func TestChipClassificationSource(t *testing.T) {
	vs := vector.NewMemorySource([]*geojson.Feature{
		feature(geo.NewWindow(0, 0, 6, 10).Polygon(), 2), // 60% of window 0
		feature(geo.NewWindow(6, 0, 4, 10).Polygon(), 1), // 40% of window 0
		feature(geo.NewWindow(10, 0, 5, 10).Polygon(), 3),
		feature(geo.NewWindow(15, 0, 5, 10).Polygon(), 1),
	})
	cases := []struct {
		name string
		opts ChipClassificationOptions
		w    geo.Window
		want int
	}{
		{"largest area", ChipClassificationOptions{BackgroundClassID: 0}, geo.NewWindow(0, 0, 10, 10), 2},
		{"pick min id", ChipClassificationOptions{PickMinClassID: true}, geo.NewWindow(0, 0, 10, 10), 1},
		{"tie to min id", ChipClassificationOptions{}, geo.NewWindow(10, 0, 10, 10), 1},
		{"below coverage", ChipClassificationOptions{BackgroundClassID: 4, MinCoverage: 0.7}, geo.NewWindow(0, 0, 10, 10), 4},
		{"empty", ChipClassificationOptions{BackgroundClassID: 4}, geo.NewWindow(30, 30, 10, 10), 4},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			l, err := NewChipClassificationSource(vs, c.opts).Labels(context.Background(), c.w)
			if err != nil {
				t.Fatal(err)
			}
			cell, ok := l.(*ChipClassificationLabels).Get(c.w)
			if !ok || cell.ClassID != c.want {
				t.Errorf("got %v %v, want %d", cell, ok, c.want)
			}
		})
	}
}

func TestChipClassificationCells(t *testing.T) {
	vs := vector.NewMemorySource([]*geojson.Feature{feature(geo.NewWindow(0, 0, 10, 10).Polygon(), 1)})
	src := NewChipClassificationSource(vs, ChipClassificationOptions{CellSize: 10, Extent: geo.WindowFromSize(20, 10)})
	cells, err := src.AllCells(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := map[geo.Window]Cell{
		geo.NewWindow(0, 0, 10, 10):  {ClassID: 1},
		geo.NewWindow(10, 0, 10, 10): {ClassID: 0},
	}
	if diff := cmp.Diff(want, cells.Cells()); diff != "" {
		t.Errorf("cells (-want +got):\n%s", diff)
	}
}

func TestChipClassificationCellsRetryAfterCancel(t *testing.T) {
	vs := vector.NewMemorySource([]*geojson.Feature{feature(geo.NewWindow(0, 0, 10, 10).Polygon(), 1)})
	src := NewChipClassificationSource(vs, ChipClassificationOptions{CellSize: 10, Extent: geo.WindowFromSize(20, 10)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.AllCells(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	l, err := src.Labels(context.Background(), geo.NewWindow(0, 0, 10, 10))
	if err != nil {
		t.Fatalf("canceled attempt was cached: %v", err)
	}
	if c, ok := l.(*ChipClassificationLabels).Get(geo.NewWindow(0, 0, 10, 10)); !ok || c.ClassID != 1 {
		t.Errorf("got %v %v", c, ok)
	}
}

func TestObjectDetectionSource(t *testing.T) {
	vs := vector.NewMemorySource([]*geojson.Feature{
		feature(geo.Box{Xmin: 2, Ymin: 2, Xmax: 6, Ymax: 6}.Polygon(), 1),
		feature(geo.Box{Xmin: 8, Ymin: 0, Xmax: 18, Ymax: 4}.Polygon(), 0), // 20% inside
		feature(geo.Box{Xmin: 50, Ymin: 50, Xmax: 60, Ymax: 60}.Polygon(), 0),
	})
	w := geo.NewWindow(0, 0, 10, 10)
	l, err := NewObjectDetectionSource(vs, ObjectDetectionOptions{}).Labels(context.Background(), w)
	if err != nil {
		t.Fatal(err)
	}
	want := []Detection{
		{Box: geo.Box{Xmin: 8, Ymin: 0, Xmax: 10, Ymax: 4}, ClassID: 0, Score: 1},
		{Box: geo.Box{Xmin: 2, Ymin: 2, Xmax: 6, Ymax: 6}, ClassID: 1, Score: 1},
	}
	if diff := cmp.Diff(want, l.(*ObjectDetectionLabels).Detections); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	l, _ = NewObjectDetectionSource(vs, ObjectDetectionOptions{MinIOA: 0.5}).Labels(context.Background(), w)
	if n := l.(*ObjectDetectionLabels).Len(); n != 1 {
		t.Errorf("MinIOA kept %d boxes", n)
	}
}

func TestNMSDeterministic(t *testing.T) {
	ds := []Detection{
		{Box: geo.Box{Xmin: 0, Ymin: 0, Xmax: 10, Ymax: 10}, ClassID: 0, Score: 0.9},
		{Box: geo.Box{Xmin: 1, Ymin: 1, Xmax: 11, Ymax: 11}, ClassID: 0, Score: 0.8},
		{Box: geo.Box{Xmin: 1, Ymin: 0, Xmax: 11, Ymax: 10}, ClassID: 0, Score: 0.9},
		{Box: geo.Box{Xmin: 0, Ymin: 0, Xmax: 10, Ymax: 10}, ClassID: 1, Score: 0.5},
		{Box: geo.Box{Xmin: 40, Ymin: 40, Xmax: 50, Ymax: 50}, ClassID: 0, Score: 0.05},
	}
	want := []Detection{ds[0], ds[3]}
	got := NewObjectDetectionLabels(ds...).NMS(0.5, 0.1).Detections
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	rev := []Detection{ds[4], ds[3], ds[2], ds[1], ds[0]}
	if diff := cmp.Diff(want, NewObjectDetectionLabels(rev...).NMS(0.5, 0.1).Detections); diff != "" {
		t.Errorf("order dependent result (-want +got):\n%s", diff)
	}
}

func classImage(h, w int, vals ...float64) *raster.Image {
	return &raster.Image{H: h, W: w, C: 1, Data: vals}
}

func TestSegmentationMergeOrderIndependent(t *testing.T) {
	ext := geo.WindowFromSize(4, 1)
	a, b := geo.NewWindow(0, 0, 3, 1), geo.NewWindow(1, 0, 3, 1)
	ia, ib := classImage(1, 3, 0, 2, 2), classImage(1, 3, 1, 1, 1)

	merge := func(first, second int) *raster.Image {
		l := NewSegmentationLabels(ext, 3)
		ws := []geo.Window{a, b}
		is := []*raster.Image{ia, ib}
		if err := l.AddClassRaster(ws[first], is[first]); err != nil {
			t.Fatal(err)
		}
		if err := l.AddClassRaster(ws[second], is[second]); err != nil {
			t.Fatal(err)
		}
		return l.ClassRaster(geo.WindowFromSize(5, 1), 9)
	}
	// pixel 1: votes 2 and 1, tie to 1; pixel 2: votes 2 and 1, tie to 1
	want := []float64{0, 1, 1, 1, 9}
	if diff := cmp.Diff(want, merge(0, 1).Data); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, merge(1, 0).Data); diff != "" {
		t.Errorf("reversed order (-want +got):\n%s", diff)
	}

	l := NewSegmentationLabels(ext, 2)
	scores := &raster.Image{H: 1, W: 2, C: 2, Data: []float64{0.2, 0.8, 0.6, 0.4}}
	if err := l.AddScores(geo.NewWindow(0, 0, 2, 1), scores); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{1, 0}, l.ClassRaster(geo.NewWindow(0, 0, 2, 1), 0).Data); diff != "" {
		t.Errorf("scores argmax (-want +got):\n%s", diff)
	}
	if err := l.AddClassRaster(a, classImage(1, 3, 0, 5, 0)); !errors.Is(err, ErrUnknownClass) {
		t.Errorf("expected ErrUnknownClass, got %v", err)
	}
}

func TestSegmentationRejectedRasterLeavesNoVotes(t *testing.T) {
	ext := geo.WindowFromSize(3, 1)
	l := NewSegmentationLabels(ext, 2)
	// the first two pixels are valid, the last is not
	if err := l.AddClassRaster(ext, classImage(1, 3, 1, 1, 7)); !errors.Is(err, ErrUnknownClass) {
		t.Fatalf("expected ErrUnknownClass, got %v", err)
	}
	if diff := cmp.Diff([]float64{9, 9, 9}, l.ClassRaster(ext, 9).Data); diff != "" {
		t.Errorf("rejected raster left votes (-want +got):\n%s", diff)
	}
	if err := l.AddClassRaster(ext, classImage(1, 3, 0, 1, 0)); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{0, 1, 0}, l.ClassRaster(ext, 9).Data); diff != "" {
		t.Errorf("after valid raster (-want +got):\n%s", diff)
	}
}
