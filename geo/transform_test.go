package geo

import (
	"testing"

	"github.com/paulmach/orb"
)

func TestAffineInvert(t *testing.T) {
	gt := Affine{500000, 0.5, 0, 4100000, 0, -0.5}
	tr, err := NewAffineTransformer(gt)
	if err != nil {
		t.Fatal(err)
	}
	m := tr.PixelToMap(orb.Point{100, 200})
	if m != (orb.Point{500050, 4099900}) {
		t.Fatalf("pixel to map = %v", m)
	}
	if p := tr.MapToPixel(m); p != (orb.Point{100, 200}) {
		t.Fatalf("map to pixel = %v", p)
	}
	if _, err = NewAffineTransformer(Affine{0, 0, 0, 0, 0, 0}); err != ErrSingularTransform {
		t.Fatalf("want singular error, got %v", err)
	}
}

func TestBoxToMapWindowOffset(t *testing.T) {
	// a box inside the window at offset (300, 0) under the identity affine
	local := Box{10, 20, 50, 60}
	scene := local.Translate(300, 0)
	got := BoxToMap(IdentityTransformer(), scene)
	if got != (Box{310, 20, 350, 60}) {
		t.Fatalf("map box = %v", got)
	}

	tr, _ := NewAffineTransformer(Affine{1000, 2, 0, 5000, 0, -2})
	got = BoxToMap(tr, scene)
	// x = 1000 + 2*col, y = 5000 - 2*row
	if got != (Box{1620, 4880, 1700, 4960}) {
		t.Fatalf("map box = %v", got)
	}
	if back := BoxToPixel(tr, got); back != scene {
		t.Fatalf("pixel box = %v", back)
	}
}

func TestTransformGeometryCopies(t *testing.T) {
	ring := orb.Polygon{orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}
	out := TransformGeometry(ring, func(p orb.Point) orb.Point { return orb.Point{p[0] + 10, p[1]} })
	if ring[0][1][0] != 1 {
		t.Fatal("input geometry mutated")
	}
	if out.(orb.Polygon)[0][1][0] != 11 {
		t.Fatalf("unexpected output %v", out)
	}
}
