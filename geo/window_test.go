package geo

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSlidingWindows(t *testing.T) {
	tests := []struct {
		name   string
		extent Window
		size   int
		stride int
		want   []Window
	}{
		{
			name:   "exact tiling",
			extent: WindowFromSize(600, 300),
			size:   300,
			stride: 300,
			want:   []Window{{0, 0, 300, 300}, {300, 0, 300, 300}},
		},
		{
			name:   "straddles right edge",
			extent: WindowFromSize(610, 300),
			size:   300,
			stride: 300,
			want:   []Window{{0, 0, 300, 300}, {300, 0, 300, 300}, {600, 0, 300, 300}},
		},
		{
			name:   "overlapping stride",
			extent: WindowFromSize(4, 2),
			size:   2,
			stride: 1,
			want:   []Window{{0, 0, 2, 2}, {1, 0, 2, 2}, {2, 0, 2, 2}},
		},
		{
			name:   "extent smaller than chip",
			extent: NewWindow(5, 5, 3, 3),
			size:   10,
			want:   []Window{{5, 5, 10, 10}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SlidingWindows(tt.extent, tt.size, tt.stride)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("windows mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWindowIntersect(t *testing.T) {
	a := NewWindow(0, 0, 300, 300)
	b := NewWindow(290, 10, 300, 300)
	got, ok := a.Intersect(b)
	if !ok || got != NewWindow(290, 10, 10, 290) {
		t.Fatalf("unexpected intersection %v %v", got, ok)
	}
	if _, ok = a.Intersect(NewWindow(300, 0, 5, 5)); ok {
		t.Fatal("touching windows must not intersect")
	}
	if !a.Contains(NewWindow(10, 10, 5, 5)) || a.Contains(b) {
		t.Fatal("contains")
	}
}

func TestRandomWindowsDeterministic(t *testing.T) {
	extent := WindowFromSize(100, 80)
	a := RandomWindows(extent, 20, 5, rand.New(rand.NewSource(7)))
	b := RandomWindows(extent, 20, 5, rand.New(rand.NewSource(7)))
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("same seed must give same windows:\n%s", diff)
	}
	for _, w := range a {
		if !extent.Contains(w) {
			t.Fatalf("window %v outside extent", w)
		}
	}
}
